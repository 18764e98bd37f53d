// Package webhook resolves inbound asynchronous provider callbacks to
// call sessions and decodes their heterogeneous payload shapes.
package webhook

import (
	"fmt"
	"strings"
)

// Kind is the provider-neutral category of an inbound callback.
type Kind string

const (
	KindRinging     Kind = "ringing"
	KindEstablished Kind = "established"
	KindSayFinished Kind = "say_finished"
	KindDTMF        Kind = "dtmf"
	KindFinished    Kind = "finished"
	KindFailed      Kind = "failed"
)

// Valid reports whether the kind is known.
func (k Kind) Valid() bool {
	switch k {
	case KindRinging, KindEstablished, KindSayFinished, KindDTMF, KindFinished, KindFailed:
		return true
	default:
		return false
	}
}

// Message is one decoded, provider-normalized webhook delivery.
type Message struct {
	Kind Kind
	// ProviderCallRef is the primary correlation key.
	ProviderCallRef string
	// CorrelationTag is the application-level fallback identifier, a
	// composite of session id and step name embedded in the original
	// provider request.
	CorrelationTag string
	// DTMF carries the digit-collection outcome for KindDTMF messages.
	DTMF DTMFResult
	// Reason holds a provider diagnostic for failure callbacks. Recorded
	// for operators only, never surfaced to a recipient.
	Reason string
}

// Validate enforces the correlation contract: at least one correlation
// key must be present.
func (m Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown webhook kind %q", m.Kind)
	}
	if m.ProviderCallRef == "" && m.CorrelationTag == "" {
		return fmt.Errorf("webhook carries no correlation key")
	}
	return nil
}

// CorrelationTag builds the application-level fallback identifier for a
// session step.
func CorrelationTag(sessionID, stepName string) string {
	return sessionID + "/" + stepName
}

// SplitCorrelationTag returns the session id and step name encoded in a
// fallback identifier.
func SplitCorrelationTag(tag string) (sessionID, stepName string, ok bool) {
	sessionID, stepName, ok = strings.Cut(tag, "/")
	if !ok || sessionID == "" || stepName == "" {
		return "", "", false
	}
	return sessionID, stepName, true
}
