package twilio

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/finch/callflow/providers"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	adapter, err := New(Config{BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return adapter
}

func TestPlaceCall(t *testing.T) {
	t.Parallel()

	var captured url.Values
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("AC123:secret"))
		if got := r.Header.Get("Authorization"); got != wantAuth {
			t.Errorf("authorization = %q", got)
		}
		_ = r.ParseForm()
		captured = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"CA42"}`))
	}))

	result, err := adapter.PlaceCall(context.Background(), providers.PlaceCallRequest{
		From:            "+15550100",
		To:              "+15550123",
		CallbackBaseURL: "https://callflow.example.com",
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if result.ProviderCallRef != "CA42" {
		t.Fatalf("call ref = %q", result.ProviderCallRef)
	}
	if captured.Get("To") != "+15550123" || captured.Get("From") != "+15550100" {
		t.Fatalf("numbers = %v", captured)
	}
	if captured.Get("StatusCallback") != "https://callflow.example.com/webhooks/twilio" {
		t.Fatalf("status callback = %q", captured.Get("StatusCallback"))
	}
}

func TestSpeakPushesTwiml(t *testing.T) {
	t.Parallel()

	var twiml string
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		twiml = r.PostForm.Get("Twiml")
		w.WriteHeader(http.StatusOK)
	}))

	err := adapter.Speak(context.Background(), providers.SpeakRequest{
		ProviderCallRef: "CA1",
		Text:            "Your code is <ready>",
		VoiceID:         "hera",
	})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if !strings.Contains(twiml, "<Say") || !strings.Contains(twiml, "Polly.Joanna") {
		t.Fatalf("twiml = %q", twiml)
	}
	if strings.Contains(twiml, "<ready>") {
		t.Fatalf("prompt text must be xml-escaped: %q", twiml)
	}
}

func TestCollectDigitsBuildsGather(t *testing.T) {
	t.Parallel()

	var twiml string
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		twiml = r.PostForm.Get("Twiml")
		w.WriteHeader(http.StatusOK)
	}))

	err := adapter.CollectDigits(context.Background(), providers.CollectRequest{
		ProviderCallRef: "CA1",
		MaxDigits:       6,
		TimeoutSeconds:  30,
		PromptText:      "Enter your code",
		VoiceID:         "zeus",
		CorrelationTag:  "sess-1/step2",
	})
	if err != nil {
		t.Fatalf("CollectDigits: %v", err)
	}
	for _, fragment := range []string{`numDigits="6"`, `timeout="30"`, "sess-1%2Fstep2", "Polly.Brian"} {
		if !strings.Contains(twiml, fragment) {
			t.Fatalf("twiml missing %q: %q", fragment, twiml)
		}
	}
}

func TestHangupTreats404AsSuccess(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if err := adapter.Hangup(context.Background(), "CAgone"); err != nil {
		t.Fatalf("hangup of ended call should be idempotent, got %v", err)
	}
}

func TestAuthFailureIsPermanent(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := adapter.PlaceCall(context.Background(), providers.PlaceCallRequest{From: "+1", To: "+2"})
	var perr *providers.Error
	if !errors.As(err, &perr) || perr.Transient() {
		t.Fatalf("401 should be permanent, got %v", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{AccountSID: "AC1"}); err == nil {
		t.Fatal("missing auth token should be rejected")
	}
}
