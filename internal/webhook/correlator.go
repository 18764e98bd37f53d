package webhook

import (
	"context"
	"log/slog"
)

// Resolver maps correlation keys to session ids.
type Resolver interface {
	// SessionIDByCallRef resolves the primary correlation key.
	SessionIDByCallRef(providerCallRef string) (string, bool)
	// SessionIDByTag resolves the application-level fallback key.
	SessionIDByTag(tag string) (string, bool)
}

// Applier feeds a resolved webhook into the session interpreter.
type Applier interface {
	ApplyWebhook(ctx context.Context, sessionID string, msg Message) error
}

// Correlator resolves inbound provider callbacks to sessions. A webhook
// that cannot be resolved by either key is logged and discarded; it
// never propagates an error into the delivery path, because the
// provider would otherwise retry a payload that can never resolve.
type Correlator struct {
	resolver Resolver
	applier  Applier
	logger   *slog.Logger
}

// NewCorrelator constructs a correlator.
func NewCorrelator(resolver Resolver, applier Applier, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{resolver: resolver, applier: applier, logger: logger}
}

// Deliver resolves and applies one webhook message. Always returns
// without error; unresolvable or rejected deliveries are logged.
func (c *Correlator) Deliver(ctx context.Context, msg Message) {
	if err := msg.Validate(); err != nil {
		c.logger.Warn("discarding webhook", "reason", err.Error())
		return
	}

	sessionID, ok := c.resolve(msg)
	if !ok {
		c.logger.Warn("discarding unresolvable webhook",
			"kind", string(msg.Kind),
			"provider_call_ref", msg.ProviderCallRef,
			"correlation_tag", msg.CorrelationTag)
		return
	}

	if err := c.applier.ApplyWebhook(ctx, sessionID, msg); err != nil {
		c.logger.Warn("webhook not applied",
			"session_id", sessionID,
			"kind", string(msg.Kind),
			"reason", err.Error())
	}
}

func (c *Correlator) resolve(msg Message) (string, bool) {
	if msg.ProviderCallRef != "" {
		if sessionID, ok := c.resolver.SessionIDByCallRef(msg.ProviderCallRef); ok {
			return sessionID, true
		}
	}
	if msg.CorrelationTag != "" {
		if sessionID, ok := c.resolver.SessionIDByTag(msg.CorrelationTag); ok {
			return sessionID, true
		}
	}
	return "", false
}
