// Package engine is the call orchestration core: it drives a scripted
// IVR flow per session through a provider adapter, correlates inbound
// webhooks back to sessions, and gates progression on operator
// decisions. All mutation of a session is serialized behind a
// per-session lock; different sessions proceed independently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finch/callflow/internal/callflow"
	"github.com/finch/callflow/internal/eventlog"
	"github.com/finch/callflow/internal/ledger"
	"github.com/finch/callflow/internal/storage"
	"github.com/finch/callflow/internal/webhook"
	"github.com/finch/callflow/providers"
)

var (
	// ErrNotFound indicates an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrConflict indicates an operator action that no longer applies to
	// the session's current state. The session is left untouched.
	ErrConflict = errors.New("session state conflict")
)

// Config controls engine behavior.
type Config struct {
	// CallbackBaseURL is handed to the provider at call placement as the
	// webhook delivery target.
	CallbackBaseURL string
	// CollectTimeout bounds the engine-side wait for collected digits
	// before the retry supervisor is consulted.
	CollectTimeout time.Duration
	Retry          RetryPolicy
	Now            func() time.Time
	Logger         *slog.Logger
}

// Engine owns the registry of in-flight sessions.
type Engine struct {
	cfg     Config
	store   storage.Store
	log     *eventlog.Log
	adapter providers.Adapter
	ledger  ledger.Notifier
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	sessions  map[string]*session
	byCallRef map[string]string
	byTag     map[string]string
}

// session is the in-memory aggregate for one call. Its lock is the
// single-writer discipline: webhook deliveries, operator actions, and
// timeout-triggered retries all serialize through it.
type session struct {
	mu    sync.Mutex
	state callflow.CallSession
	// epoch invalidates collect timers from superseded attempts.
	epoch uint64
	timer *time.Timer
}

// New constructs an engine.
func New(store storage.Store, log *eventlog.Log, adapter providers.Adapter, notifier ledger.Notifier, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if adapter == nil {
		return nil, fmt.Errorf("provider adapter is required")
	}
	if notifier == nil {
		notifier = ledger.NoopNotifier{}
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 30 * time.Second
	}
	cfg.Retry = cfg.Retry.normalized()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		log:       log,
		adapter:   adapter,
		ledger:    notifier,
		logger:    cfg.Logger,
		now:       cfg.Now,
		sessions:  map[string]*session{},
		byCallRef: map[string]string{},
		byTag:     map[string]string{},
	}, nil
}

// Initiate creates a call session from the given configuration and
// script inputs, persists it, and places the outbound call. The
// provider's acceptance confirms only that the request was taken;
// further progress arrives via webhooks.
func (e *Engine) Initiate(ctx context.Context, cfg callflow.SessionConfig, msgs callflow.Messages, overrides callflow.StepOverrides) (callflow.CallSession, error) {
	if err := cfg.Validate(); err != nil {
		return callflow.CallSession{}, err
	}
	script, err := callflow.NewScript(cfg, msgs, overrides)
	if err != nil {
		return callflow.CallSession{}, err
	}

	state := callflow.CallSession{
		ID:          uuid.NewString(),
		Config:      cfg,
		Script:      script,
		Status:      callflow.StatusQueued,
		DTMFHistory: []string{},
		RetryCounts: map[string]int{},
		CreatedAt:   e.now().UTC(),
		Simulated:   e.adapter.Name() == "simulation",
	}
	if err := e.store.PutSession(ctx, state); err != nil {
		return callflow.CallSession{}, err
	}

	sess := &session{state: state}
	e.mu.Lock()
	e.sessions[state.ID] = sess
	e.mu.Unlock()

	e.appendEvent(ctx, callflow.Event{
		SessionID: state.ID,
		Type:      callflow.EventCallQueued,
		Details:   "Call queued for processing",
	})

	sess.mu.Lock()
	defer sess.mu.Unlock()
	e.placeCall(ctx, sess)
	return sess.state.Clone(), nil
}

// GetSession returns the session snapshot and its full event sequence.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (callflow.CallSession, []callflow.Event, error) {
	state, err := e.snapshot(ctx, sessionID)
	if err != nil {
		return callflow.CallSession{}, nil, err
	}
	events, err := e.log.Events(ctx, sessionID)
	if err != nil {
		return callflow.CallSession{}, nil, err
	}
	return state, events, nil
}

// ListSessions returns session snapshots most recent first.
func (e *Engine) ListSessions(ctx context.Context, limit int) ([]callflow.CallSession, error) {
	return e.store.ListSessions(ctx, limit)
}

// Subscribe attaches a live event-stream subscriber for a session and
// returns the historical backlog.
func (e *Engine) Subscribe(ctx context.Context, sessionID string) ([]callflow.Event, *eventlog.Subscription, error) {
	if _, err := e.snapshot(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	return e.log.Subscribe(ctx, sessionID)
}

// Verify applies the operator's accept/deny decision. A decision
// arriving outside AWAITING_DECISION, including after the session has
// reached a terminal state, is rejected as a conflict and never applied
// retroactively.
func (e *Engine) Verify(ctx context.Context, sessionID string, accepted bool) error {
	sess, err := e.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Status != callflow.StatusAwaitingDecision {
		return fmt.Errorf("%w: session is %s, not awaiting decision", ErrConflict, sess.state.Status)
	}
	if accepted {
		e.acceptDecision(ctx, sess)
		return nil
	}
	e.rejectDecision(ctx, sess)
	return nil
}

// Hangup terminates a session from any non-terminal state. It requests
// provider-side termination immediately and marks the session terminal
// regardless of in-flight webhook races; a stale webhook arriving later
// is discarded. Hanging up an already-terminal session is a conflict.
func (e *Engine) Hangup(ctx context.Context, sessionID string) error {
	sess, err := e.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Status.Terminal() {
		return fmt.Errorf("%w: call already ended", ErrConflict)
	}
	if sess.state.ProviderCallRef != "" {
		if err := e.adapter.Hangup(ctx, sess.state.ProviderCallRef); err != nil {
			// Provider hangup is idempotent; a failure here must not keep
			// the session alive.
			e.logger.Warn("provider hangup failed", "session_id", sessionID, "reason", err.Error())
		}
	}
	e.finish(ctx, sess, callflow.EventCallHangup, "Call terminated by operator")
	return nil
}

// DeleteSession removes a terminal session and its events from the
// store. Active sessions cannot be deleted.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if sess, err := e.lookup(ctx, sessionID); err == nil {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if !sess.state.Status.Terminal() {
			return fmt.Errorf("%w: session is still active in state %s", ErrConflict, sess.state.Status)
		}
		e.mu.Lock()
		delete(e.sessions, sessionID)
		if sess.state.ProviderCallRef != "" {
			delete(e.byCallRef, sess.state.ProviderCallRef)
		}
		for _, step := range sess.state.Script.Steps {
			delete(e.byTag, webhook.CorrelationTag(sessionID, step.Name))
		}
		e.mu.Unlock()
	}
	err := e.store.DeleteSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// SessionIDByCallRef resolves the primary webhook correlation key.
func (e *Engine) SessionIDByCallRef(providerCallRef string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessionID, ok := e.byCallRef[providerCallRef]
	return sessionID, ok
}

// SessionIDByTag resolves the application-level fallback key.
func (e *Engine) SessionIDByTag(tag string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessionID, ok := e.byTag[tag]
	return sessionID, ok
}

// lookup resolves the in-memory registry, rehydrating persisted
// sessions from earlier runs on demand so operator actions and late
// webhooks keep working across a restart. Collect timers are not
// re-armed for rehydrated sessions; webhook arrival or operator action
// drives them forward.
func (e *Engine) lookup(ctx context.Context, sessionID string) (*session, error) {
	e.mu.Lock()
	if sess, ok := e.sessions[sessionID]; ok {
		e.mu.Unlock()
		return sess, nil
	}
	e.mu.Unlock()

	state, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sess := &session{state: state}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[sessionID]; ok {
		return existing, nil
	}
	e.sessions[sessionID] = sess
	if state.ProviderCallRef != "" {
		e.byCallRef[state.ProviderCallRef] = sessionID
	}
	if state.CurrentStep != "" {
		e.byTag[webhook.CorrelationTag(sessionID, state.CurrentStep)] = sessionID
	}
	return sess, nil
}

// snapshot returns a detached copy of the session state.
func (e *Engine) snapshot(ctx context.Context, sessionID string) (callflow.CallSession, error) {
	sess, err := e.lookup(ctx, sessionID)
	if err != nil {
		return callflow.CallSession{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state.Clone(), nil
}

// persist writes the aggregate through the state-filtered store update.
// Callers hold the session lock and pass the state that preceded their
// mutation, so a stale or duplicate writer is rejected instead of
// silently corrupting the record.
func (e *Engine) persist(ctx context.Context, sess *session, prevStatus callflow.Status, prevStep string) {
	if err := e.store.UpdateSession(ctx, sess.state, prevStatus, prevStep); err != nil {
		e.logger.Error("session persist failed",
			"session_id", sess.state.ID,
			"status", string(sess.state.Status),
			"reason", err.Error())
	}
}

func (e *Engine) appendEvent(ctx context.Context, event callflow.Event) {
	if _, err := e.log.Append(ctx, event); err != nil {
		e.logger.Error("event append failed",
			"session_id", event.SessionID,
			"type", string(event.Type),
			"reason", err.Error())
	}
}

func (e *Engine) indexCallRef(ref, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byCallRef[ref] = sessionID
}

func (e *Engine) indexTag(tag, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byTag[tag] = sessionID
}
