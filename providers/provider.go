// Package providers defines the telephony provider capability contract.
// Every vendor variant, and the simulation variant, implements the same
// Adapter interface; call progress is never inferred from a synchronous
// acknowledgment but reported later through webhooks.
package providers

import (
	"context"
	"fmt"
)

// FailureClass is the normalized provider failure taxonomy.
type FailureClass string

const (
	// FailureTransient covers network failures and 5xx responses;
	// eligible for the retry supervisor.
	FailureTransient FailureClass = "transient"
	// FailurePermanent covers 4xx responses and bad credentials or
	// configuration; the session fails immediately without retry.
	FailurePermanent FailureClass = "permanent"
)

// Error is a classified provider failure. The Message is recorded for
// operators only and is never surfaced to a call recipient.
type Error struct {
	Class   FailureClass
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Class) + " provider error"
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Transient reports whether the error is eligible for retry.
func (e *Error) Transient() bool {
	return e.Class == FailureTransient
}

// NewTransientError classifies a retryable provider failure.
func NewTransientError(message string, cause error) *Error {
	return &Error{Class: FailureTransient, Message: message, Cause: cause}
}

// NewPermanentError classifies a non-retryable provider failure.
func NewPermanentError(message string, cause error) *Error {
	return &Error{Class: FailurePermanent, Message: message, Cause: cause}
}

// PlaceCallRequest carries outbound call placement parameters.
type PlaceCallRequest struct {
	From string
	To   string
	// CallbackBaseURL is where the provider delivers webhooks for this
	// call.
	CallbackBaseURL string
	// CorrelationTag is an application-level identifier echoed back in
	// webhooks for providers that omit or reuse the call reference.
	CorrelationTag string
}

// Validate enforces placement preconditions.
func (r PlaceCallRequest) Validate() error {
	if r.From == "" || r.To == "" {
		return fmt.Errorf("from and to numbers are required")
	}
	return nil
}

// PlaceCallResult reports vendor acceptance of a placement request.
// Acceptance means the vendor took the request, not that the phone rang;
// actual progress arrives later via webhook.
type PlaceCallResult struct {
	// ProviderCallRef is the opaque external call identifier, the
	// primary correlation key for all subsequent webhooks.
	ProviderCallRef string
}

// SpeakRequest plays synthesized speech into a live call. Fire and
// forget: completion is reported via a SAY_FINISHED-equivalent webhook
// where the provider supports one, and is otherwise unobserved.
type SpeakRequest struct {
	ProviderCallRef string
	Text            string
	VoiceID         string
}

// CollectRequest asks the provider to capture keypad digits. The digits
// are never returned synchronously; they arrive through the webhook
// correlator. No digits within the timeout is a valid, non-error
// outcome.
type CollectRequest struct {
	ProviderCallRef string
	MaxDigits       int
	TimeoutSeconds  int
	PromptText      string
	VoiceID         string
	// CorrelationTag identifies the session and step in the webhook for
	// providers whose DTMF callbacks omit the call reference.
	CorrelationTag string
}

// Adapter is the telephony provider capability set.
type Adapter interface {
	// Name identifies the provider variant.
	Name() string
	// PlaceCall issues an outbound call request to the vendor.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	// Speak plays a prompt into the live call.
	Speak(ctx context.Context, req SpeakRequest) error
	// CollectDigits arms digit capture on the live call.
	CollectDigits(ctx context.Context, req CollectRequest) error
	// Hangup requests provider-side termination. Idempotent: hanging up
	// an already-terminated call is not an error.
	Hangup(ctx context.Context, providerCallRef string) error
}
