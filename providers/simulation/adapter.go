// Package simulation is the no-vendor provider variant: it accepts the
// same placement, speak, and collect requests as a real provider and
// answers with synthetic webhooks delivered through the ordinary
// correlation path. Sessions driven by it traverse the identical state
// machine, event sequence, and retry behavior as vendor-backed ones.
package simulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finch/callflow/internal/webhook"
	"github.com/finch/callflow/providers"
)

// Name identifies this provider variant.
const Name = "simulation"

// Sink receives the synthetic webhooks. The webhook correlator
// satisfies it.
type Sink interface {
	Deliver(ctx context.Context, msg webhook.Message)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, msg webhook.Message)

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, msg webhook.Message) { f(ctx, msg) }

// Responder decides the synthetic keypad input for a collect request.
// Returning ok=false simulates a recipient who never presses anything,
// which exercises the timeout and retry path.
type Responder func(req providers.CollectRequest) (digits string, ok bool)

// Config tunes the simulated call behavior.
type Config struct {
	// Delay spaces the synthetic progress webhooks. Defaults to 50ms.
	Delay     time.Duration
	Responder Responder
}

// Adapter is the simulation provider variant.
type Adapter struct {
	cfg  Config
	sink Sink

	mu   sync.Mutex
	live map[string]bool
}

// New constructs a simulation adapter delivering into sink.
func New(sink Sink, cfg Config) (*Adapter, error) {
	if sink == nil {
		return nil, fmt.Errorf("webhook sink is required")
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 50 * time.Millisecond
	}
	if cfg.Responder == nil {
		cfg.Responder = DefaultResponder
	}
	return &Adapter{cfg: cfg, sink: sink, live: map[string]bool{}}, nil
}

// DefaultResponder always answers with an ascending digit string of the
// requested length.
func DefaultResponder(req providers.CollectRequest) (string, bool) {
	const pool = "123456789012"
	n := req.MaxDigits
	if n < 1 {
		n = 1
	}
	if n > len(pool) {
		n = len(pool)
	}
	return pool[:n], true
}

// Name implements providers.Adapter.
func (a *Adapter) Name() string { return Name }

// PlaceCall accepts the placement and schedules synthetic ringing and
// answer webhooks.
func (a *Adapter) PlaceCall(ctx context.Context, req providers.PlaceCallRequest) (providers.PlaceCallResult, error) {
	if err := req.Validate(); err != nil {
		return providers.PlaceCallResult{}, providers.NewPermanentError(err.Error(), err)
	}
	ref := "sim-" + uuid.NewString()
	a.mu.Lock()
	a.live[ref] = true
	a.mu.Unlock()

	a.schedule(ref, a.cfg.Delay, webhook.Message{
		Kind:            webhook.KindRinging,
		ProviderCallRef: ref,
	})
	a.schedule(ref, 2*a.cfg.Delay, webhook.Message{
		Kind:            webhook.KindEstablished,
		ProviderCallRef: ref,
	})
	return providers.PlaceCallResult{ProviderCallRef: ref}, nil
}

// Speak acknowledges the prompt and schedules its completion webhook.
func (a *Adapter) Speak(ctx context.Context, req providers.SpeakRequest) error {
	if !a.isLive(req.ProviderCallRef) {
		return providers.NewPermanentError("speak on unknown simulated call", nil)
	}
	a.schedule(req.ProviderCallRef, a.cfg.Delay, webhook.Message{
		Kind:            webhook.KindSayFinished,
		ProviderCallRef: req.ProviderCallRef,
	})
	return nil
}

// CollectDigits consults the responder and, when it answers, schedules
// the digit webhook. A silent responder leaves the engine to its
// timeout.
func (a *Adapter) CollectDigits(ctx context.Context, req providers.CollectRequest) error {
	if !a.isLive(req.ProviderCallRef) {
		return providers.NewPermanentError("digit capture on unknown simulated call", nil)
	}
	digits, ok := a.cfg.Responder(req)
	if !ok {
		return nil
	}
	a.schedule(req.ProviderCallRef, 2*a.cfg.Delay, webhook.Message{
		Kind:            webhook.KindDTMF,
		ProviderCallRef: req.ProviderCallRef,
		CorrelationTag:  req.CorrelationTag,
		DTMF:            webhook.DTMFResult{Outcome: webhook.DTMFDigits, Digits: digits},
	})
	return nil
}

// Hangup ends the simulated call. Idempotent.
func (a *Adapter) Hangup(ctx context.Context, providerCallRef string) error {
	a.mu.Lock()
	delete(a.live, providerCallRef)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) isLive(ref string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[ref]
}

// schedule delivers msg after delay unless the call was hung up in the
// meantime.
func (a *Adapter) schedule(ref string, delay time.Duration, msg webhook.Message) {
	time.AfterFunc(delay, func() {
		if !a.isLive(ref) {
			return
		}
		a.sink.Deliver(context.Background(), msg)
	})
}
