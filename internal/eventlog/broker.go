package eventlog

import (
	"sync"
	"time"

	"github.com/finch/callflow/internal/callflow"
)

const subscriberBuffer = 256

// Record is one delivery to an event-stream subscriber. Exactly one of
// the fields is meaningful: a live event, a heartbeat tick, or stream
// closure.
type Record struct {
	Event     callflow.Event
	Heartbeat bool
	Closed    bool
}

// Broker fans persisted events out to per-session subscribers. Zero,
// one, or many subscribers may be attached to a session without
// affecting session state.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: map[string]map[*Subscription]struct{}{}}
}

// Subscription is one live event-stream attachment.
type Subscription struct {
	broker    *Broker
	sessionID string
	ch        chan callflow.Event

	mu     sync.Mutex
	seen   map[string]int
	closed bool
}

// Subscribe registers a live subscriber for a session.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		broker:    b,
		sessionID: sessionID,
		ch:        make(chan callflow.Event, subscriberBuffer),
		seen:      map[string]int{},
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = map[*Subscription]struct{}{}
	}
	b.subs[sessionID][sub] = struct{}{}
	return sub
}

// Publish delivers an event to every live subscriber of its session.
// A subscriber that exhausts its buffer is closed instead of silently
// skipping events; the client reconnects and replays the backlog, so
// the stream never carries a gap.
func (b *Broker) Publish(event callflow.Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[event.SessionID]))
	for sub := range b.subs[event.SessionID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
			sub.Close()
		}
	}
}

// SubscriberCount reports live subscribers for a session.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.sessionID)
		}
	}
}

// primeDedup marks backlog events so a racing live copy of the same
// event is suppressed exactly once.
func (s *Subscription) primeDedup(backlog []callflow.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range backlog {
		s.seen[dedupKey(event)]++
	}
}

// Next blocks on the subscription queue for at most wait. The bounded
// wait's expiry is used purely to emit a heartbeat; no dedicated
// background goroutine exists per subscriber. After a terminal event is
// returned the subscription deregisters itself and subsequent calls
// report closure.
func (s *Subscription) Next(wait time.Duration) Record {
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Record{Closed: true}
		}

		timer := time.NewTimer(wait)
		select {
		case event := <-s.ch:
			timer.Stop()
			if s.suppressDuplicate(event) {
				continue
			}
			if event.Terminal() {
				s.Close()
			}
			return Record{Event: event}
		case <-timer.C:
			return Record{Heartbeat: true}
		}
	}
}

func (s *Subscription) suppressDuplicate(event callflow.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(event)
	if s.seen[key] > 0 {
		s.seen[key]--
		return true
	}
	return false
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.broker.remove(s)
}

func dedupKey(event callflow.Event) string {
	return event.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + string(event.Type)
}
