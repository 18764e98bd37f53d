// Package storage defines persistence contracts for call sessions and
// their append-only event sequences.
package storage

import (
	"context"
	"errors"

	"github.com/finch/callflow/internal/callflow"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrStaleWrite indicates a session update whose expected prior state no
// longer matches the stored record. Stale or duplicate writers are
// rejected rather than silently corrupting state.
var ErrStaleWrite = errors.New("stale session write rejected")

// SessionStore persists call session aggregates.
type SessionStore interface {
	PutSession(ctx context.Context, session callflow.CallSession) error
	// UpdateSession replaces the stored session only when the stored
	// status and current step still match the expected prior state.
	UpdateSession(ctx context.Context, session callflow.CallSession, expectedStatus callflow.Status, expectedStep string) error
	GetSession(ctx context.Context, id string) (callflow.CallSession, error)
	// ListSessions returns sessions most recent first, capped at limit.
	ListSessions(ctx context.Context, limit int) ([]callflow.CallSession, error)
	// DeleteSession removes a session and its events. The engine never
	// calls this; deletion is an external collaborator concern.
	DeleteSession(ctx context.Context, id string) error
}

// EventStore persists the per-session append-only event sequence.
type EventStore interface {
	// AppendEvent assigns the next sequence number and persists the
	// event. Events are immutable once appended.
	AppendEvent(ctx context.Context, event callflow.Event) (callflow.Event, error)
	// ListEvents returns all events for a session in sequence order.
	ListEvents(ctx context.Context, sessionID string) ([]callflow.Event, error)
}

// Store combines session and event persistence.
type Store interface {
	SessionStore
	EventStore
	Close() error
}
