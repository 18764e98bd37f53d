package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finch/callflow/internal/callflow"
	"github.com/finch/callflow/internal/ledger"
	"github.com/finch/callflow/internal/webhook"
	"github.com/finch/callflow/providers"
)

const settleTimeout = 10 * time.Second

// placeCall issues the outbound call request. Caller holds the session
// lock.
func (e *Engine) placeCall(ctx context.Context, sess *session) {
	sess.state.RetryCounts[callflow.StepPlaceCall]++

	result, err := e.adapter.PlaceCall(ctx, providers.PlaceCallRequest{
		From:            sess.state.Config.FromNumber,
		To:              sess.state.Config.RecipientNumber,
		CallbackBaseURL: e.cfg.CallbackBaseURL,
		CorrelationTag:  webhook.CorrelationTag(sess.state.ID, callflow.StepPlaceCall),
	})
	if err != nil {
		e.handleProviderError(ctx, sess, callflow.StepPlaceCall, err, func(retryCtx context.Context) {
			if sess.state.Status != callflow.StatusQueued {
				return
			}
			e.placeCall(retryCtx, sess)
		})
		return
	}

	sess.state.ProviderCallRef = result.ProviderCallRef
	if !e.moveTo(ctx, sess, callflow.StatusCalling, "") {
		return
	}
	e.indexCallRef(result.ProviderCallRef, sess.state.ID)
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventCallInitiated,
		Details:   fmt.Sprintf("Calling %s...", sess.state.Config.RecipientNumber),
	})
}

// ApplyWebhook feeds one correlated provider callback into the session
// state machine. It is one of the serialized writers for the session.
func (e *Engine) ApplyWebhook(ctx context.Context, sessionID string, msg webhook.Message) error {
	sess, err := e.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Status.Terminal() {
		// Stale delivery after hangup or completion: discarded without
		// changing state, terminal sessions accept no mutation at all.
		return fmt.Errorf("session is terminal in state %s", sess.state.Status)
	}

	switch msg.Kind {
	case webhook.KindRinging:
		e.applyProgress(ctx, sess, callflow.StatusRinging, callflow.EventCallRinging,
			fmt.Sprintf("Phone is ringing for %s", recipientLabel(sess.state.Config)))
	case webhook.KindEstablished:
		if e.applyProgress(ctx, sess, callflow.StatusEstablished, callflow.EventCallEstablished, "Call connected") {
			sess.state.StartedAt = e.now().UTC()
			e.persist(ctx, sess, sess.state.Status, sess.state.CurrentStep)
			e.startStep(ctx, sess, sess.state.Script.Steps[0])
		}
	case webhook.KindSayFinished:
		e.appendEvent(ctx, callflow.Event{
			SessionID: sess.state.ID,
			Type:      callflow.EventSayFinished,
			Details:   "Prompt playback finished",
			StepName:  sess.state.CurrentStep,
		})
	case webhook.KindDTMF:
		e.applyDTMF(ctx, sess, msg)
	case webhook.KindFinished:
		e.finish(ctx, sess, callflow.EventCallFinished, "Call completed by provider")
	case webhook.KindFailed:
		reason := msg.Reason
		if reason == "" {
			reason = "provider reported call failure"
		}
		e.fail(ctx, sess, reason)
	default:
		return fmt.Errorf("unsupported webhook kind %q", msg.Kind)
	}
	return nil
}

// applyProgress advances call-setup state under the monotonic guard: a
// redelivered or out-of-date progress webhook appends a diagnostic
// event but never a duplicate state-changing one.
func (e *Engine) applyProgress(ctx context.Context, sess *session, to callflow.Status, eventType callflow.EventType, details string) bool {
	if sess.state.Status.Rank() >= to.Rank() {
		e.appendEvent(ctx, callflow.Event{
			SessionID: sess.state.ID,
			Type:      callflow.EventWebhookDuplicate,
			Details:   fmt.Sprintf("Ignored repeat %s delivery in state %s", eventType, sess.state.Status),
		})
		return false
	}
	if !e.moveTo(ctx, sess, to, sess.state.CurrentStep) {
		return false
	}
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      eventType,
		Details:   details,
	})
	return true
}

func (e *Engine) applyDTMF(ctx context.Context, sess *session, msg webhook.Message) {
	if sess.state.Status != callflow.StatusInStep {
		e.appendEvent(ctx, callflow.Event{
			SessionID: sess.state.ID,
			Type:      callflow.EventWebhookDiscarded,
			Details:   fmt.Sprintf("Ignored digit delivery in state %s", sess.state.Status),
		})
		return
	}
	if msg.CorrelationTag != "" && msg.CorrelationTag != webhook.CorrelationTag(sess.state.ID, sess.state.CurrentStep) {
		e.appendEvent(ctx, callflow.Event{
			SessionID: sess.state.ID,
			Type:      callflow.EventWebhookDiscarded,
			Details:   fmt.Sprintf("Ignored digit delivery for superseded step tag %s", msg.CorrelationTag),
			StepName:  sess.state.CurrentStep,
		})
		return
	}

	step, ok := sess.state.Script.Step(sess.state.CurrentStep)
	if !ok || step.CollectDigits <= 0 {
		e.logger.Warn("digit delivery for non-collecting step",
			"session_id", sess.state.ID, "step", sess.state.CurrentStep)
		return
	}

	result := msg.DTMF
	if result.Outcome == webhook.DTMFMalformed {
		// Decode ambiguity is normalized to the ordinary no-response
		// path, never an error.
		e.logger.Warn("malformed dtmf payload treated as no digits",
			"session_id", sess.state.ID, "step", step.Name)
		result = webhook.DTMFResult{Outcome: webhook.DTMFNoDigits}
	}

	sess.stopTimer()

	if !result.HasDigits() || result.Digits == "" {
		if result.HasDigits() {
			empty := ""
			e.appendEvent(ctx, callflow.Event{
				SessionID:   sess.state.ID,
				Type:        callflow.EventDTMFReceived,
				Details:     "Empty digit string received",
				DTMFPayload: &empty,
				StepName:    step.Name,
			})
		}
		e.retryOrFailStep(ctx, sess, step)
		return
	}

	digits := result.Digits
	e.appendEvent(ctx, callflow.Event{
		SessionID:   sess.state.ID,
		Type:        callflow.EventDTMFReceived,
		Details:     fmt.Sprintf("User input received: %s", callflow.MaskDigits(digits)),
		DTMFPayload: &digits,
		StepName:    step.Name,
	})
	if step.RecordDigits {
		sess.state.DTMFHistory = append(sess.state.DTMFHistory, digits)
	}
	e.persist(ctx, sess, sess.state.Status, sess.state.CurrentStep)
	e.advance(ctx, sess)
}

// advance moves to the step after the current one, or finishes the call
// when the script is exhausted.
func (e *Engine) advance(ctx context.Context, sess *session) {
	next, ok := sess.state.Script.Next(sess.state.CurrentStep)
	if !ok {
		e.finish(ctx, sess, callflow.EventCallFinished, "Script completed")
		return
	}
	if next.AwaitDecision {
		e.enterDecision(ctx, sess, next)
		return
	}
	e.startStep(ctx, sess, next)
}

// startStep enters a script step: speak its prompt and, for collecting
// steps, arm digit capture.
func (e *Engine) startStep(ctx context.Context, sess *session, step callflow.Step) {
	if step.AwaitDecision {
		e.enterDecision(ctx, sess, step)
		return
	}
	if !e.moveTo(ctx, sess, callflow.StatusInStep, step.Name) {
		return
	}
	sess.state.RetryCounts[step.Name]++
	e.persist(ctx, sess, sess.state.Status, sess.state.CurrentStep)
	e.runCollectStep(ctx, sess, step)
}

// enterDecision suspends the session on the operator's accept/deny.
func (e *Engine) enterDecision(ctx context.Context, sess *session, step callflow.Step) {
	if !e.moveTo(ctx, sess, callflow.StatusAwaitingDecision, step.Name) {
		return
	}
	if !e.speak(ctx, sess, step.Template) {
		return
	}
	e.appendEvent(ctx, callflow.Event{
		SessionID:                sess.state.ID,
		Type:                     callflow.EventAwaitingDecision,
		Details:                  "Waiting for operator decision",
		RequiresOperatorDecision: true,
		StepName:                 step.Name,
	})
}

// runCollectStep speaks the prompt and arms digit collection plus the
// engine-side timeout for the session's current step attempt.
func (e *Engine) runCollectStep(ctx context.Context, sess *session, step callflow.Step) {
	if !e.speak(ctx, sess, step.Template) {
		return
	}

	tag := webhook.CorrelationTag(sess.state.ID, step.Name)
	e.indexTag(tag, sess.state.ID)

	err := e.adapter.CollectDigits(ctx, providers.CollectRequest{
		ProviderCallRef: sess.state.ProviderCallRef,
		MaxDigits:       step.CollectDigits,
		TimeoutSeconds:  step.TimeoutSeconds,
		PromptText:      callflow.Render(step.Template, sess.state.Config),
		VoiceID:         sess.state.Config.VoiceModel,
		CorrelationTag:  tag,
	})
	if err != nil {
		e.handleProviderError(ctx, sess, step.Name, err, func(retryCtx context.Context) {
			if sess.state.Status != callflow.StatusInStep || sess.state.CurrentStep != step.Name {
				return
			}
			sess.state.RetryCounts[step.Name]++
			e.persist(retryCtx, sess, sess.state.Status, sess.state.CurrentStep)
			e.runCollectStep(retryCtx, sess, step)
		})
		return
	}

	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventCollectStarted,
		Details:   fmt.Sprintf("Collecting up to %d digits", step.CollectDigits),
		StepName:  step.Name,
	})

	sess.epoch++
	epoch := sess.epoch
	sess.timer = time.AfterFunc(e.cfg.CollectTimeout, func() {
		e.handleCollectTimeout(sess, step.Name, epoch)
	})
}

// handleCollectTimeout fires when no digits arrived within the
// engine-side bound. Stale timers from superseded attempts are ignored
// via the epoch guard.
func (e *Engine) handleCollectTimeout(sess *session, stepName string, epoch uint64) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state.Status != callflow.StatusInStep || sess.state.CurrentStep != stepName || sess.epoch != epoch {
		return
	}
	step, ok := sess.state.Script.Step(stepName)
	if !ok {
		return
	}
	ctx := context.Background()
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventStepRetry,
		Details:   "No input received before timeout",
		StepName:  stepName,
	})
	e.retryOrFailStep(ctx, sess, step)
}

// retryOrFailStep consults the retry supervisor for the current attempt
// count and either schedules a re-issue of the step or fails the
// session.
func (e *Engine) retryOrFailStep(ctx context.Context, sess *session, step callflow.Step) {
	decision := e.cfg.Retry.Decide(step.Name, sess.state.RetryCounts[step.Name])
	if !decision.Retry {
		e.fail(ctx, sess, "no response from recipient")
		return
	}
	e.scheduleRetry(sess, decision.Delay, func(retryCtx context.Context) {
		if sess.state.Status != callflow.StatusInStep || sess.state.CurrentStep != step.Name {
			return
		}
		sess.state.RetryCounts[step.Name]++
		e.persist(retryCtx, sess, sess.state.Status, sess.state.CurrentStep)
		e.runCollectStep(retryCtx, sess, step)
	})
}

// scheduleRetry runs fn after delay under the session lock, guarded by
// the epoch so intervening progress cancels it.
func (e *Engine) scheduleRetry(sess *session, delay time.Duration, fn func(ctx context.Context)) {
	epoch := sess.epoch
	time.AfterFunc(delay, func() {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.state.Status.Terminal() || sess.epoch != epoch {
			return
		}
		fn(context.Background())
	})
}

// handleProviderError applies the failure taxonomy to an adapter error:
// permanent failures end the session, transient ones go through the
// retry supervisor.
func (e *Engine) handleProviderError(ctx context.Context, sess *session, stepName string, err error, reissue func(ctx context.Context)) {
	var perr *providers.Error
	if !errors.As(err, &perr) || !perr.Transient() {
		e.fail(ctx, sess, err.Error())
		return
	}
	decision := e.cfg.Retry.Decide(stepName, sess.state.RetryCounts[stepName])
	if !decision.Retry {
		e.fail(ctx, sess, err.Error())
		return
	}
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventStepRetry,
		Details:   "Transient provider error, retrying",
		StepName:  stepName,
	})
	e.scheduleRetry(sess, decision.Delay, reissue)
}

// acceptDecision drives AWAITING_DECISION -> ACCEPTED -> FINISHED.
func (e *Engine) acceptDecision(ctx context.Context, sess *session) {
	if !e.moveTo(ctx, sess, callflow.StatusAccepted, sess.state.CurrentStep) {
		return
	}
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventDecisionAccepted,
		Details:   "Operator accepted the code",
		StepName:  sess.state.CurrentStep,
	})
	if !e.speak(ctx, sess, sess.state.Script.AcceptedText) {
		return
	}
	if sess.state.ProviderCallRef != "" {
		if err := e.adapter.Hangup(ctx, sess.state.ProviderCallRef); err != nil {
			e.logger.Warn("provider hangup failed", "session_id", sess.state.ID, "reason", err.Error())
		}
	}
	e.finish(ctx, sess, callflow.EventCallFinished, "Call completed")
}

// rejectDecision loops AWAITING_DECISION -> REJECTED -> re-collect,
// bounded by the retry ceiling for the collection step.
func (e *Engine) rejectDecision(ctx context.Context, sess *session) {
	if !e.moveTo(ctx, sess, callflow.StatusRejected, sess.state.CurrentStep) {
		return
	}
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventDecisionRejected,
		Details:   "Operator rejected the code",
		StepName:  sess.state.CurrentStep,
	})

	collect, ok := lastCollectStep(sess.state.Script, sess.state.CurrentStep)
	if !ok {
		e.fail(ctx, sess, "script has no collection step to retry")
		return
	}
	decision := e.cfg.Retry.Decide(collect.Name, sess.state.RetryCounts[collect.Name])
	if !decision.Retry {
		e.fail(ctx, sess, "verification attempts exhausted")
		return
	}

	if !e.moveTo(ctx, sess, callflow.StatusInStep, collect.Name) {
		return
	}
	sess.state.RetryCounts[collect.Name]++
	e.persist(ctx, sess, sess.state.Status, sess.state.CurrentStep)
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventStepRetry,
		Details:   "Re-collecting digits after rejection",
		StepName:  collect.Name,
	})
	if !e.speak(ctx, sess, sess.state.Script.RejectedText) {
		return
	}
	e.runCollectTail(ctx, sess, collect)
}

// runCollectTail arms collection without re-speaking the step prompt;
// the rejection prompt already played.
func (e *Engine) runCollectTail(ctx context.Context, sess *session, step callflow.Step) {
	tag := webhook.CorrelationTag(sess.state.ID, step.Name)
	e.indexTag(tag, sess.state.ID)
	err := e.adapter.CollectDigits(ctx, providers.CollectRequest{
		ProviderCallRef: sess.state.ProviderCallRef,
		MaxDigits:       step.CollectDigits,
		TimeoutSeconds:  step.TimeoutSeconds,
		PromptText:      callflow.Render(sess.state.Script.RejectedText, sess.state.Config),
		VoiceID:         sess.state.Config.VoiceModel,
		CorrelationTag:  tag,
	})
	if err != nil {
		e.handleProviderError(ctx, sess, step.Name, err, func(retryCtx context.Context) {
			if sess.state.Status != callflow.StatusInStep || sess.state.CurrentStep != step.Name {
				return
			}
			sess.state.RetryCounts[step.Name]++
			e.persist(retryCtx, sess, sess.state.Status, sess.state.CurrentStep)
			e.runCollectStep(retryCtx, sess, step)
		})
		return
	}
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventCollectStarted,
		Details:   fmt.Sprintf("Collecting up to %d digits", step.CollectDigits),
		StepName:  step.Name,
	})
	sess.epoch++
	epoch := sess.epoch
	sess.timer = time.AfterFunc(e.cfg.CollectTimeout, func() {
		e.handleCollectTimeout(sess, step.Name, epoch)
	})
}

// speak plays a rendered prompt into the live call. Fire and forget:
// transient failures are logged and the flow proceeds, permanent ones
// fail the session. Returns false when the session became terminal.
func (e *Engine) speak(ctx context.Context, sess *session, template string) bool {
	text := callflow.Render(template, sess.state.Config)
	err := e.adapter.Speak(ctx, providers.SpeakRequest{
		ProviderCallRef: sess.state.ProviderCallRef,
		Text:            text,
		VoiceID:         sess.state.Config.VoiceModel,
	})
	if err != nil {
		var perr *providers.Error
		if errors.As(err, &perr) && !perr.Transient() {
			e.fail(ctx, sess, err.Error())
			return false
		}
		e.logger.Warn("speak request failed", "session_id", sess.state.ID, "reason", err.Error())
	}
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventSayStarted,
		Details:   fmt.Sprintf("Playing prompt: %s", truncate(text, 50)),
		StepName:  sess.state.CurrentStep,
	})
	return true
}

// finish marks the session FINISHED, records the terminal event, and
// notifies the ledger collaborator when the call duration is known.
func (e *Engine) finish(ctx context.Context, sess *session, eventType callflow.EventType, details string) {
	sess.stopTimer()
	sess.state.EndedAt = e.now().UTC()
	sess.state.DurationSeconds = sess.state.Duration()
	if !e.moveTo(ctx, sess, callflow.StatusFinished, sess.state.CurrentStep) {
		return
	}
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      eventType,
		Details:   fmt.Sprintf("%s. Duration: %d seconds", details, sess.state.DurationSeconds),
	})
	if !sess.state.StartedAt.IsZero() {
		e.settle(sess.state.ID, sess.state.DurationSeconds)
	}
}

// fail marks the session FAILED with an operator diagnostic. The
// diagnostic is never spoken to the recipient.
func (e *Engine) fail(ctx context.Context, sess *session, message string) {
	sess.stopTimer()
	sess.state.EndedAt = e.now().UTC()
	sess.state.ErrorMessage = message
	if !e.moveTo(ctx, sess, callflow.StatusFailed, sess.state.CurrentStep) {
		return
	}
	if sess.state.ProviderCallRef != "" {
		if err := e.adapter.Hangup(ctx, sess.state.ProviderCallRef); err != nil {
			e.logger.Warn("provider hangup failed", "session_id", sess.state.ID, "reason", err.Error())
		}
	}
	e.appendEvent(ctx, callflow.Event{
		SessionID: sess.state.ID,
		Type:      callflow.EventCallFailed,
		Details:   message,
	})
}

func (e *Engine) settle(sessionID string, durationSeconds int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		settlement := ledger.Settlement{SessionID: sessionID, DurationSeconds: durationSeconds}
		if err := e.ledger.CallSettled(ctx, settlement); err != nil {
			e.logger.Warn("ledger notification failed", "session_id", sessionID, "reason", err.Error())
		}
	}()
}

// moveTo validates and applies one status transition, persisting the
// aggregate under the state filter of the prior state. Caller holds the
// session lock.
func (e *Engine) moveTo(ctx context.Context, sess *session, to callflow.Status, step string) bool {
	prevStatus, prevStep := sess.state.Status, sess.state.CurrentStep
	if err := callflow.CanTransition(prevStatus, to); err != nil {
		e.logger.Error("illegal status transition",
			"session_id", sess.state.ID,
			"from", string(prevStatus),
			"to", string(to),
			"reason", err.Error())
		return false
	}
	sess.state.Status = to
	sess.state.CurrentStep = step
	e.persist(ctx, sess, prevStatus, prevStep)
	return true
}

// stopTimer cancels the armed collect timer and invalidates any
// scheduled retry via the epoch.
func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.epoch++
}

func lastCollectStep(script callflow.Script, beforeStep string) (callflow.Step, bool) {
	idx, ok := script.StepIndex(beforeStep)
	if !ok {
		return callflow.Step{}, false
	}
	for i := idx; i >= 0; i-- {
		if script.Steps[i].CollectDigits > 0 {
			return script.Steps[i], true
		}
	}
	return callflow.Step{}, false
}

func recipientLabel(cfg callflow.SessionConfig) string {
	if cfg.RecipientName != "" {
		return cfg.RecipientName
	}
	return cfg.RecipientNumber
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
