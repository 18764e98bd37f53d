package callflow

import (
	"fmt"
	"time"
)

// EventType identifies one kind of session event.
type EventType string

const (
	EventCallQueued       EventType = "CALL_QUEUED"
	EventCallInitiated    EventType = "CALL_INITIATED"
	EventCallRinging      EventType = "CALL_RINGING"
	EventCallEstablished  EventType = "CALL_ESTABLISHED"
	EventSayStarted       EventType = "SAY_STARTED"
	EventSayFinished      EventType = "SAY_FINISHED"
	EventCollectStarted   EventType = "COLLECT_STARTED"
	EventDTMFReceived     EventType = "DTMF_RECEIVED"
	EventAwaitingDecision EventType = "AWAITING_DECISION"
	EventDecisionAccepted EventType = "DECISION_ACCEPTED"
	EventDecisionRejected EventType = "DECISION_REJECTED"
	EventStepRetry        EventType = "STEP_RETRY"
	EventCallFinished     EventType = "CALL_FINISHED"
	EventCallFailed       EventType = "CALL_FAILED"
	EventCallHangup       EventType = "CALL_HANGUP"
	// EventWebhookDuplicate records an at-least-once redelivery that was
	// ignored by the monotonic guard. Diagnostic only, never
	// state-changing.
	EventWebhookDuplicate EventType = "WEBHOOK_DUPLICATE"
	// EventWebhookDiscarded records a delivery for a superseded step or
	// state that was dropped without effect.
	EventWebhookDiscarded EventType = "WEBHOOK_DISCARDED"
)

// Event is one immutable record of the per-session append-only log.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	// DTMFPayload carries captured digits. nil means no digits were
	// captured; a pointer to "" means the provider reported an empty
	// digit string. The two outcomes are distinct.
	DTMFPayload *string `json:"dtmf_payload,omitempty"`
	// RequiresOperatorDecision marks the event that gates progression on
	// an operator accept/deny.
	RequiresOperatorDecision bool `json:"requires_operator_decision,omitempty"`
	// StepName ties step-scoped events back to the script position.
	StepName string `json:"step_name,omitempty"`
}

// Validate enforces the append contract.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}
	return nil
}

// Terminal reports whether the event ends the live stream for its
// session.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCallFinished, EventCallFailed, EventCallHangup:
		return true
	default:
		return false
	}
}

// StateChanging reports whether the event implies a session state
// transition when replayed. Diagnostic events never change state.
func (e Event) StateChanging() bool {
	switch e.Type {
	case EventWebhookDuplicate, EventWebhookDiscarded, EventSayStarted, EventSayFinished:
		return false
	default:
		return true
	}
}
