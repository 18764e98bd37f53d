package callflow

import (
	"fmt"
	"time"
)

// Status is the derived lifecycle state of a call session. The event
// sequence is the source of truth; Status is a cached projection of it.
type Status string

const (
	StatusQueued           Status = "QUEUED"
	StatusCalling          Status = "CALLING"
	StatusRinging          Status = "RINGING"
	StatusEstablished      Status = "ESTABLISHED"
	StatusInStep           Status = "IN_STEP"
	StatusAwaitingDecision Status = "AWAITING_DECISION"
	StatusAccepted         Status = "ACCEPTED"
	StatusRejected         Status = "REJECTED"
	StatusFinished         Status = "FINISHED"
	StatusFailed           Status = "FAILED"
)

// Terminal reports whether no further mutation of the session is allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := statusRanks[s]
	return ok
}

// statusRanks orders the forward path of the state graph. Equal ranks
// (ACCEPTED/REJECTED) are decision outcomes that branch from
// AWAITING_DECISION.
var statusRanks = map[Status]int{
	StatusQueued:           0,
	StatusCalling:          1,
	StatusRinging:          2,
	StatusEstablished:      3,
	StatusInStep:           4,
	StatusAwaitingDecision: 5,
	StatusAccepted:         6,
	StatusRejected:         6,
	StatusFinished:         7,
	StatusFailed:           7,
}

// Rank returns the monotonic position of a status on the forward path.
func (s Status) Rank() int {
	return statusRanks[s]
}

// CanTransition validates one edge of the session state graph. Any
// non-terminal state may reach FINISHED or FAILED directly (explicit
// hangup, provider-reported completion, exhausted retries). IN_STEP
// re-enters itself when the script advances to the next collecting step
// (forward movement is tracked by CurrentStep), REJECTED loops back to
// IN_STEP to re-collect digits, and every other edge must move forward
// through the declared order.
func CanTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("unknown status transition %s -> %s", from, to)
	}
	if from.Terminal() {
		return fmt.Errorf("session is terminal in state %s", from)
	}
	if to.Terminal() {
		return nil
	}
	if from == StatusInStep && to == StatusInStep {
		return nil
	}
	if from == StatusRejected && to == StatusInStep {
		return nil
	}
	if to.Rank() <= from.Rank() {
		return fmt.Errorf("non-monotonic status transition %s -> %s", from, to)
	}
	return nil
}

// SessionConfig carries the per-call parameters supplied by the
// initiator. The engine never stores provider credentials here.
type SessionConfig struct {
	CallType        string
	VoiceModel      string
	FromNumber      string
	RecipientNumber string
	RecipientName   string
	ServiceName     string
	OTPDigits       int
}

// Validate enforces the initiation contract.
func (c SessionConfig) Validate() error {
	if c.RecipientNumber == "" {
		return fmt.Errorf("recipient_number is required")
	}
	if c.FromNumber == "" {
		return fmt.Errorf("from_number is required")
	}
	if c.OTPDigits < 1 || c.OTPDigits > 12 {
		return fmt.Errorf("otp_digits must be between 1 and 12")
	}
	return nil
}

// CallSession is the aggregate root, one per attempted outbound call.
// All mutation happens under the engine's per-session serialization;
// copies handed out through snapshots are safe to read concurrently.
type CallSession struct {
	ID              string
	Config          SessionConfig
	Script          Script
	Status          Status
	CurrentStep     string
	ProviderCallRef string
	Simulated       bool

	// DTMFHistory holds every code captured by the recording collection
	// step, append-only, including re-collections after rejection.
	// Confirmation keypresses from non-recording steps never enter it.
	DTMFHistory []string

	// RetryCounts maps step name to attempt count, including the
	// REJECTED re-entry loop for the collection step.
	RetryCounts map[string]int

	CreatedAt       time.Time
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int
	ErrorMessage    string
}

// Clone returns a detached copy of the session snapshot.
func (s CallSession) Clone() CallSession {
	out := s
	out.DTMFHistory = append([]string(nil), s.DTMFHistory...)
	out.RetryCounts = make(map[string]int, len(s.RetryCounts))
	for step, count := range s.RetryCounts {
		out.RetryCounts[step] = count
	}
	out.Script = s.Script.Clone()
	return out
}

// Duration reports elapsed call seconds once both boundary timestamps
// are known.
func (s CallSession) Duration() int {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	d := int(s.EndedAt.Sub(s.StartedAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}
