package webhook

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type fakeResolver struct {
	byRef map[string]string
	byTag map[string]string
}

func (r *fakeResolver) SessionIDByCallRef(ref string) (string, bool) {
	id, ok := r.byRef[ref]
	return id, ok
}

func (r *fakeResolver) SessionIDByTag(tag string) (string, bool) {
	id, ok := r.byTag[tag]
	return id, ok
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []string
	err     error
}

func (a *fakeApplier) ApplyWebhook(ctx context.Context, sessionID string, msg Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, sessionID)
	return a.err
}

func (a *fakeApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func TestCorrelatorResolvesByCallRef(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{byRef: map[string]string{"ref-1": "sess-1"}, byTag: map[string]string{}}
	applier := &fakeApplier{}
	c := NewCorrelator(resolver, applier, nil)

	c.Deliver(context.Background(), Message{Kind: KindRinging, ProviderCallRef: "ref-1"})
	if applier.count() != 1 || applier.applied[0] != "sess-1" {
		t.Fatalf("expected delivery to sess-1, got %v", applier.applied)
	}
}

func TestCorrelatorFallsBackToTag(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{
		byRef: map[string]string{},
		byTag: map[string]string{CorrelationTag("sess-2", "step2"): "sess-2"},
	}
	applier := &fakeApplier{}
	c := NewCorrelator(resolver, applier, nil)

	c.Deliver(context.Background(), Message{
		Kind:            KindDTMF,
		ProviderCallRef: "unknown-ref",
		CorrelationTag:  CorrelationTag("sess-2", "step2"),
	})
	if applier.count() != 1 || applier.applied[0] != "sess-2" {
		t.Fatalf("expected fallback delivery to sess-2, got %v", applier.applied)
	}
}

func TestCorrelatorDiscardsUnresolvable(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{byRef: map[string]string{}, byTag: map[string]string{}}
	applier := &fakeApplier{}
	c := NewCorrelator(resolver, applier, nil)

	c.Deliver(context.Background(), Message{Kind: KindRinging, ProviderCallRef: "ghost"})
	c.Deliver(context.Background(), Message{Kind: KindDTMF})
	if applier.count() != 0 {
		t.Fatalf("unresolvable webhooks must not be applied, got %v", applier.applied)
	}
}

func TestCorrelatorSwallowsApplyErrors(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{byRef: map[string]string{"ref-1": "sess-1"}, byTag: map[string]string{}}
	applier := &fakeApplier{err: fmt.Errorf("session is terminal")}
	c := NewCorrelator(resolver, applier, nil)

	// Must not panic or propagate; the provider's delivery loop gets a
	// clean acknowledgment either way.
	c.Deliver(context.Background(), Message{Kind: KindDTMF, ProviderCallRef: "ref-1"})
	if applier.count() != 1 {
		t.Fatal("apply should still have been attempted")
	}
}

func TestCorrelationTagRoundTrip(t *testing.T) {
	t.Parallel()

	tag := CorrelationTag("sess-9", "step2")
	sessionID, stepName, ok := SplitCorrelationTag(tag)
	if !ok || sessionID != "sess-9" || stepName != "step2" {
		t.Fatalf("SplitCorrelationTag(%q) = %q, %q, %v", tag, sessionID, stepName, ok)
	}
	if _, _, ok := SplitCorrelationTag("no-separator"); ok {
		t.Fatal("tag without separator must not split")
	}
	if _, _, ok := SplitCorrelationTag("/step"); ok {
		t.Fatal("tag with empty session id must not split")
	}
}

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	if err := (Message{Kind: KindRinging, ProviderCallRef: "r"}).Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	if err := (Message{Kind: KindRinging}).Validate(); err == nil {
		t.Fatal("message without correlation keys should be rejected")
	}
	if err := (Message{Kind: Kind("bogus"), ProviderCallRef: "r"}).Validate(); err == nil {
		t.Fatal("unknown kind should be rejected")
	}
}
