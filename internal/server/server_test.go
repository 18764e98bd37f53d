package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/finch/callflow/internal/engine"
	"github.com/finch/callflow/internal/eventlog"
	"github.com/finch/callflow/internal/storage/memory"
	"github.com/finch/callflow/internal/webhook"
	"github.com/finch/callflow/providers"
)

type stubAdapter struct {
	mu     sync.Mutex
	refSeq int
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) PlaceCall(ctx context.Context, req providers.PlaceCallRequest) (providers.PlaceCallResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refSeq++
	return providers.PlaceCallResult{ProviderCallRef: fmt.Sprintf("ref-%d", a.refSeq)}, nil
}

func (a *stubAdapter) Speak(ctx context.Context, req providers.SpeakRequest) error { return nil }

func (a *stubAdapter) CollectDigits(ctx context.Context, req providers.CollectRequest) error {
	return nil
}

func (a *stubAdapter) Hangup(ctx context.Context, providerCallRef string) error { return nil }

type stubSynth struct {
	audio []byte
	err   error
}

func (s *stubSynth) Synthesize(ctx context.Context, text, modelID string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}

func newTestServer(t *testing.T, synth Synthesizer) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	log, err := eventlog.New(store, eventlog.Config{})
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	eng, err := engine.New(store, log, &stubAdapter{}, nil, engine.Config{Logger: logger})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	correlator := webhook.NewCorrelator(eng, eng, logger)
	srv, err := New(eng, correlator, synth, Config{DefaultFromNumber: "+15550100", Logger: logger})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode %s response %q: %v", path, raw, err)
		}
	}
	return resp, decoded
}

func getJSON(t *testing.T, ts *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

const minimalInitiate = `{
	"to_number": "+15550123",
	"recipient_name": "Dana",
	"service_name": "Acme",
	"messages": {"greetings": "Hello {name}", "prompt": "Enter the {digits} digit code"}
}`

func initiateSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, body := postJSON(t, ts, "/v1/calls", minimalInitiate)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initiate status = %d, body %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("initiate returned no id: %v", body)
	}
	return id
}

func TestInitiateAppliesDefaults(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	resp, body := postJSON(t, ts, "/v1/calls", minimalInitiate)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["call_type"] != "verification" {
		t.Fatalf("call_type = %v", body["call_type"])
	}
	if body["otp_digits"] != float64(6) {
		t.Fatalf("otp_digits = %v", body["otp_digits"])
	}
	if body["from_number"] != "+15550100" {
		t.Fatalf("from_number = %v", body["from_number"])
	}
	if body["voice_model"] != "hera" {
		t.Fatalf("voice_model = %v", body["voice_model"])
	}
	if body["status"] != "CALLING" {
		t.Fatalf("status = %v", body["status"])
	}
}

func TestInitiateValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	cases := map[string]string{
		"invalid json":        `{`,
		"missing recipient":   `{"messages": {"greetings": "hi", "prompt": "code"}}`,
		"missing messages":    `{"to_number": "+15550123"}`,
		"unknown call type":   `{"to_number": "+15550123", "call_type": "prank", "messages": {"greetings": "hi", "prompt": "code"}}`,
		"unknown voice model": `{"to_number": "+15550123", "voice_model": "nobody", "messages": {"greetings": "hi", "prompt": "code"}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			resp, _ := postJSON(t, ts, "/v1/calls", payload)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetSessionWithEvents(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	id := initiateSession(t, ts)

	resp, body := getJSON(t, ts, "/v1/calls/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	session, _ := body["session"].(map[string]any)
	if session["id"] != id {
		t.Fatalf("session = %v", body["session"])
	}
	events, _ := body["events"].([]any)
	if len(events) == 0 {
		t.Fatal("session should already have events")
	}

	resp, _ = getJSON(t, ts, "/v1/calls/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", resp.StatusCode)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	id := initiateSession(t, ts)

	resp, body := getJSON(t, ts, "/v1/calls")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sessions, _ := body["sessions"].([]any)
	found := false
	for _, raw := range sessions {
		if view, ok := raw.(map[string]any); ok && view["id"] == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("session %s missing from list %v", id, body)
	}

	resp, _ = getJSON(t, ts, "/v1/calls?limit=zero")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestVerifyRequiresDecisionState(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	id := initiateSession(t, ts)

	resp, _ := postJSON(t, ts, "/v1/calls/"+id+"/verify", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing accepted status = %d, want 400", resp.StatusCode)
	}
	resp, _ = postJSON(t, ts, "/v1/calls/"+id+"/verify", `{"accepted": true}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("verify outside decision state = %d, want 409", resp.StatusCode)
	}
	resp, _ = postJSON(t, ts, "/v1/calls/missing/verify", `{"accepted": true}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", resp.StatusCode)
	}
}

func TestHangupThenDelete(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	id := initiateSession(t, ts)

	resp, _ := postJSON(t, ts, "/v1/calls/"+id+"/hangup", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hangup status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/calls/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, _ = getJSON(t, ts, "/v1/calls/"+id)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted session should be gone, got %d", resp.StatusCode)
	}
}

func TestDeleteActiveSessionConflicts(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	id := initiateSession(t, ts)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/calls/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete of active session = %d, want 409", resp.StatusCode)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	resp, body := getJSON(t, ts, "/v1/voice-models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("voice models status = %d", resp.StatusCode)
	}
	models, _ := body["voice_models"].([]any)
	if len(models) == 0 {
		t.Fatal("voice model catalog is empty")
	}

	resp, body = getJSON(t, ts, "/v1/call-types")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("call types status = %d", resp.StatusCode)
	}
	types, _ := body["call_types"].([]any)
	if len(types) == 0 {
		t.Fatal("call type catalog is empty")
	}
}

func TestVoicePreview(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &stubSynth{audio: []byte("mp3")})

	resp, err := http.Post(ts.URL+"/v1/voice-models/hera/preview", "application/json", strings.NewReader(`{"text": "Hello"}`))
	if err != nil {
		t.Fatalf("POST preview: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content type = %q", ct)
	}
	audio, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(audio, []byte("mp3")) {
		t.Fatalf("audio = %q", audio)
	}

	resp2, _ := postJSON(t, ts, "/v1/voice-models/nobody/preview", `{"text": "Hello"}`)
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown model status = %d, want 404", resp2.StatusCode)
	}
}

func TestVoicePreviewUnconfigured(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	resp, _ := postJSON(t, ts, "/v1/voice-models/hera/preview", `{"text": "Hello"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestInfobipWebhookDrivesSession(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	id := initiateSession(t, ts)

	resp, body := postJSON(t, ts, "/webhooks/infobip", `{"callId": "ref-1", "event": "RINGING"}`)
	if resp.StatusCode != http.StatusOK || body["received"] != true {
		t.Fatalf("webhook response = %d %v", resp.StatusCode, body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, got := getJSON(t, ts, "/v1/calls/"+id)
		session, _ := got["session"].(map[string]any)
		if session["status"] == "RINGING" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached RINGING: %v", session)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Unparseable payloads are acknowledged so the vendor stops retrying.
	resp, body = postJSON(t, ts, "/webhooks/infobip", `{"callId": "ref-1", "event": "SOMETHING_ELSE"}`)
	if resp.StatusCode != http.StatusOK || body["received"] != true {
		t.Fatalf("bad webhook response = %d %v", resp.StatusCode, body)
	}
}

func TestTwilioWebhookAnswersWithTwiml(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	id := initiateSession(t, ts)

	form := url.Values{"CallSid": {"ref-1"}, "CallStatus": {"ringing"}}
	resp, err := http.PostForm(ts.URL+"/webhooks/twilio", form)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content type = %q", ct)
	}
	payload, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(payload), "<Response/>") {
		t.Fatalf("payload = %q", payload)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, got := getJSON(t, ts, "/v1/calls/"+id)
		session, _ := got["session"].(map[string]any)
		if session["status"] == "RINGING" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached RINGING: %v", session)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStreamSendsBacklog(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	id := initiateSession(t, ts)

	resp, _ := postJSON(t, ts, "/v1/calls/"+id+"/hangup", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hangup status = %d", resp.StatusCode)
	}

	// The session is terminal, so the stream replays the backlog and
	// closes on its own.
	streamResp, err := http.Get(ts.URL + "/v1/calls/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	payload, err := io.ReadAll(streamResp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	text := string(payload)
	if !strings.Contains(text, "event: connected") {
		t.Fatalf("stream missing preamble: %q", text)
	}
	if !strings.Contains(text, "CALL_QUEUED") || !strings.Contains(text, "CALL_HANGUP") {
		t.Fatalf("stream missing backlog events: %q", text)
	}

	resp, _ = getJSON(t, ts, "/v1/calls/missing/events")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session stream = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	resp, body := getJSON(t, ts, "/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}
