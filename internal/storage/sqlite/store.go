// Package sqlite provides the SQLite-backed durable store for call
// sessions and event sequences.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/finch/callflow/internal/callflow"
	"github.com/finch/callflow/internal/storage"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
  id               TEXT PRIMARY KEY,
  status           TEXT NOT NULL,
  current_step     TEXT NOT NULL DEFAULT '',
  provider_call_ref TEXT NOT NULL DEFAULT '',
  simulated        INTEGER NOT NULL DEFAULT 0,
  config           TEXT NOT NULL,
  script           TEXT NOT NULL,
  dtmf_history     TEXT NOT NULL DEFAULT '[]',
  retry_counts     TEXT NOT NULL DEFAULT '{}',
  created_at       INTEGER NOT NULL,
  started_at       INTEGER NOT NULL DEFAULT 0,
  ended_at         INTEGER NOT NULL DEFAULT 0,
  duration_seconds INTEGER NOT NULL DEFAULT 0,
  error_message    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_created ON call_sessions (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_sessions_ref ON call_sessions (provider_call_ref);

CREATE TABLE IF NOT EXISTS call_events (
  session_id        TEXT NOT NULL,
  seq               INTEGER NOT NULL,
  ts                INTEGER NOT NULL,
  type              TEXT NOT NULL,
  details           TEXT NOT NULL DEFAULT '',
  dtmf              TEXT,
  requires_decision INTEGER NOT NULL DEFAULT 0,
  step_name         TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (session_id, seq)
);
`

// Store persists call state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at the provided path and applies the
// schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutSession inserts one session record.
func (s *Store) PutSession(ctx context.Context, session callflow.CallSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	config, script, history, retries, err := encodeSession(session)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO call_sessions (
		   id, status, current_step, provider_call_ref, simulated,
		   config, script, dtmf_history, retry_counts,
		   created_at, started_at, ended_at, duration_seconds, error_message
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		string(session.Status),
		session.CurrentStep,
		session.ProviderCallRef,
		boolToInt(session.Simulated),
		config,
		script,
		history,
		retries,
		toMillis(session.CreatedAt),
		toMillis(session.StartedAt),
		toMillis(session.EndedAt),
		session.DurationSeconds,
		session.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession replaces a session record, filtered by id and expected
// prior state so stale writers are rejected.
func (s *Store) UpdateSession(ctx context.Context, session callflow.CallSession, expectedStatus callflow.Status, expectedStep string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	config, script, history, retries, err := encodeSession(session)
	if err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE call_sessions SET
		   status = ?, current_step = ?, provider_call_ref = ?, simulated = ?,
		   config = ?, script = ?, dtmf_history = ?, retry_counts = ?,
		   started_at = ?, ended_at = ?, duration_seconds = ?, error_message = ?
		 WHERE id = ? AND status = ? AND current_step = ?`,
		string(session.Status),
		session.CurrentStep,
		session.ProviderCallRef,
		boolToInt(session.Simulated),
		config,
		script,
		history,
		retries,
		toMillis(session.StartedAt),
		toMillis(session.EndedAt),
		session.DurationSeconds,
		session.ErrorMessage,
		session.ID,
		string(expectedStatus),
		expectedStep,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetSession(ctx, session.ID); errors.Is(getErr, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return storage.ErrStaleWrite
	}
	return nil
}

// GetSession returns one session record.
func (s *Store) GetSession(ctx context.Context, id string) (callflow.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return callflow.CallSession{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, status, current_step, provider_call_ref, simulated,
		        config, script, dtmf_history, retry_counts,
		        created_at, started_at, ended_at, duration_seconds, error_message
		   FROM call_sessions WHERE id = ?`,
		id,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return callflow.CallSession{}, storage.ErrNotFound
	}
	if err != nil {
		return callflow.CallSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions most recent first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]callflow.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, status, current_step, provider_call_ref, simulated,
		        config, script, dtmf_history, retry_counts,
		        created_at, started_at, ended_at, duration_seconds, error_message
		   FROM call_sessions ORDER BY created_at DESC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]callflow.CallSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its events.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM call_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	_, err = s.sqlDB.ExecContext(ctx, `DELETE FROM call_events WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	return nil
}

// AppendEvent assigns the next per-session sequence inside one
// transaction and persists the event.
func (s *Store) AppendEvent(ctx context.Context, event callflow.Event) (callflow.Event, error) {
	if err := ctx.Err(); err != nil {
		return callflow.Event{}, err
	}
	if err := event.Validate(); err != nil {
		return callflow.Event{}, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return callflow.Event{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next uint64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM call_events WHERE session_id = ?`, event.SessionID)
	if err := row.Scan(&next); err != nil {
		return callflow.Event{}, fmt.Errorf("next event seq: %w", err)
	}
	event.Seq = next

	var dtmf any
	if event.DTMFPayload != nil {
		dtmf = *event.DTMFPayload
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO call_events (session_id, seq, ts, type, details, dtmf, requires_decision, step_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID,
		event.Seq,
		toMillis(event.Timestamp),
		string(event.Type),
		event.Details,
		dtmf,
		boolToInt(event.RequiresOperatorDecision),
		event.StepName,
	)
	if err != nil {
		return callflow.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return callflow.Event{}, fmt.Errorf("commit append: %w", err)
	}
	return event, nil
}

// ListEvents returns the session's events in sequence order.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]callflow.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT session_id, seq, ts, type, details, dtmf, requires_decision, step_name
		   FROM call_events WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]callflow.Event, 0)
	for rows.Next() {
		var (
			event    callflow.Event
			ts       int64
			kind     string
			dtmf     sql.NullString
			requires int
		)
		if err := rows.Scan(&event.SessionID, &event.Seq, &ts, &kind, &event.Details, &dtmf, &requires, &event.StepName); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Timestamp = fromMillis(ts)
		event.Type = callflow.EventType(kind)
		if dtmf.Valid {
			value := dtmf.String
			event.DTMFPayload = &value
		}
		event.RequiresOperatorDecision = requires != 0
		out = append(out, event)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (callflow.CallSession, error) {
	var (
		session   callflow.CallSession
		status    string
		simulated int
		config    string
		script    string
		history   string
		retries   string
		createdAt int64
		startedAt int64
		endedAt   int64
	)
	err := row.Scan(
		&session.ID, &status, &session.CurrentStep, &session.ProviderCallRef, &simulated,
		&config, &script, &history, &retries,
		&createdAt, &startedAt, &endedAt, &session.DurationSeconds, &session.ErrorMessage,
	)
	if err != nil {
		return callflow.CallSession{}, err
	}
	session.Status = callflow.Status(status)
	session.Simulated = simulated != 0
	session.CreatedAt = fromMillis(createdAt)
	session.StartedAt = fromMillis(startedAt)
	session.EndedAt = fromMillis(endedAt)
	if err := json.Unmarshal([]byte(config), &session.Config); err != nil {
		return callflow.CallSession{}, fmt.Errorf("decode session config: %w", err)
	}
	if err := json.Unmarshal([]byte(script), &session.Script); err != nil {
		return callflow.CallSession{}, fmt.Errorf("decode session script: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &session.DTMFHistory); err != nil {
		return callflow.CallSession{}, fmt.Errorf("decode dtmf history: %w", err)
	}
	if err := json.Unmarshal([]byte(retries), &session.RetryCounts); err != nil {
		return callflow.CallSession{}, fmt.Errorf("decode retry counts: %w", err)
	}
	return session, nil
}

func encodeSession(session callflow.CallSession) (config, script, history, retries string, err error) {
	configBytes, err := json.Marshal(session.Config)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encode session config: %w", err)
	}
	scriptBytes, err := json.Marshal(session.Script)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encode session script: %w", err)
	}
	if session.DTMFHistory == nil {
		session.DTMFHistory = []string{}
	}
	historyBytes, err := json.Marshal(session.DTMFHistory)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encode dtmf history: %w", err)
	}
	if session.RetryCounts == nil {
		session.RetryCounts = map[string]int{}
	}
	retriesBytes, err := json.Marshal(session.RetryCounts)
	if err != nil {
		return "", "", "", "", fmt.Errorf("encode retry counts: %w", err)
	}
	return string(configBytes), string(scriptBytes), string(historyBytes), string(retriesBytes), nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
