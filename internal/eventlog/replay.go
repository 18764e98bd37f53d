package eventlog

import (
	"github.com/finch/callflow/internal/callflow"
)

// ReplayStatus folds a session's event sequence, in order, into the
// status it implies. The cached CallSession.Status must always equal
// this projection.
func ReplayStatus(events []callflow.Event) callflow.Status {
	status := callflow.StatusQueued
	for _, event := range events {
		if !event.StateChanging() {
			continue
		}
		if next, ok := statusForEvent(event); ok {
			status = next
		}
	}
	return status
}

func statusForEvent(event callflow.Event) (callflow.Status, bool) {
	switch event.Type {
	case callflow.EventCallQueued:
		return callflow.StatusQueued, true
	case callflow.EventCallInitiated:
		return callflow.StatusCalling, true
	case callflow.EventCallRinging:
		return callflow.StatusRinging, true
	case callflow.EventCallEstablished:
		return callflow.StatusEstablished, true
	case callflow.EventCollectStarted, callflow.EventDTMFReceived:
		return callflow.StatusInStep, true
	case callflow.EventStepRetry:
		// Placement retries happen before the call is connected and keep
		// whatever status the session already has.
		if event.StepName == callflow.StepPlaceCall {
			return "", false
		}
		return callflow.StatusInStep, true
	case callflow.EventAwaitingDecision:
		return callflow.StatusAwaitingDecision, true
	case callflow.EventDecisionAccepted:
		return callflow.StatusAccepted, true
	case callflow.EventDecisionRejected:
		return callflow.StatusRejected, true
	case callflow.EventCallFinished, callflow.EventCallHangup:
		return callflow.StatusFinished, true
	case callflow.EventCallFailed:
		return callflow.StatusFailed, true
	default:
		return "", false
	}
}
