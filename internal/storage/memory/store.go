// Package memory provides an in-memory store used by tests and the
// simulation-only deployment mode.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/finch/callflow/internal/callflow"
	"github.com/finch/callflow/internal/storage"
)

// Store keeps sessions and events in process memory.
type Store struct {
	mu       sync.Mutex
	sessions map[string]callflow.CallSession
	events   map[string][]callflow.Event
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: map[string]callflow.CallSession{},
		events:   map[string][]callflow.Event{},
	}
}

// PutSession stores a new session snapshot.
func (s *Store) PutSession(ctx context.Context, session callflow.CallSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	return nil
}

// UpdateSession replaces the stored session under a state filter.
func (s *Store) UpdateSession(ctx context.Context, session callflow.CallSession, expectedStatus callflow.Status, expectedStep string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[session.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if current.Status != expectedStatus || current.CurrentStep != expectedStep {
		return storage.ErrStaleWrite
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession returns a detached session snapshot.
func (s *Store) GetSession(ctx context.Context, id string) (callflow.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return callflow.CallSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return callflow.CallSession{}, storage.ErrNotFound
	}
	return session.Clone(), nil
}

// ListSessions returns sessions most recent first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]callflow.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]callflow.CallSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteSession removes a session and its events.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.events, id)
	return nil
}

// AppendEvent assigns the next per-session sequence and stores the
// event.
func (s *Store) AppendEvent(ctx context.Context, event callflow.Event) (callflow.Event, error) {
	if err := ctx.Err(); err != nil {
		return callflow.Event{}, err
	}
	if err := event.Validate(); err != nil {
		return callflow.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Seq = uint64(len(s.events[event.SessionID])) + 1
	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return event, nil
}

// ListEvents returns the session's events in sequence order.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]callflow.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]callflow.Event, len(s.events[sessionID]))
	copy(out, s.events[sessionID])
	return out, nil
}

// Close satisfies storage.Store.
func (s *Store) Close() error {
	return nil
}
