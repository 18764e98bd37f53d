// Package eventlog provides the durable, append-only per-session event
// sequence with live fan-out to subscribers.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/finch/callflow/internal/callflow"
	"github.com/finch/callflow/internal/storage"
)

// Log appends events atomically: persist first, then fan out to the
// session's live subscribers.
type Log struct {
	store  storage.EventStore
	broker *Broker
	now    func() time.Time
}

// Config configures the event log.
type Config struct {
	Now func() time.Time
}

// New constructs an event log over the given store.
func New(store storage.EventStore, cfg Config) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		store:  store,
		broker: NewBroker(),
		now:    cfg.Now,
	}, nil
}

// Append persists one event and broadcasts it to live subscribers of
// its session. The timestamp is assigned here when unset.
func (l *Log) Append(ctx context.Context, event callflow.Event) (callflow.Event, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	stored, err := l.store.AppendEvent(ctx, event)
	if err != nil {
		return callflow.Event{}, err
	}
	l.broker.Publish(stored)
	return stored, nil
}

// Events returns the full persisted sequence for a session.
func (l *Log) Events(ctx context.Context, sessionID string) ([]callflow.Event, error) {
	return l.store.ListEvents(ctx, sessionID)
}

// Subscribe attaches a live subscriber and returns the historical
// backlog. The live channel is registered before the backlog snapshot
// is read, so no event falls in the gap; any event present in both is
// deduplicated by (timestamp, type) on the live side.
func (l *Log) Subscribe(ctx context.Context, sessionID string) ([]callflow.Event, *Subscription, error) {
	sub := l.broker.Subscribe(sessionID)
	backlog, err := l.store.ListEvents(ctx, sessionID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	sub.primeDedup(backlog)
	return backlog, sub, nil
}

// SubscriberCount reports live subscribers for a session.
func (l *Log) SubscriberCount(sessionID string) int {
	return l.broker.SubscriberCount(sessionID)
}
