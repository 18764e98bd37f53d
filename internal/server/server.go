// Package server exposes the call orchestration API over HTTP: session
// initiation and control, the live event stream, catalog endpoints, and
// the per-provider webhook ingress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/finch/callflow/internal/callflow"
	"github.com/finch/callflow/internal/engine"
	"github.com/finch/callflow/internal/webhook"
	"github.com/finch/callflow/providers/infobip"
	"github.com/finch/callflow/providers/twilio"
	"github.com/finch/callflow/providers/voice"
)

const maxRequestBytes = 256 * 1024

// Synthesizer renders preview audio for a prompt.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, modelID string) ([]byte, error)
}

// Config configures the HTTP layer.
type Config struct {
	// DefaultFromNumber fills initiation requests that omit a caller id.
	DefaultFromNumber string
	// StreamHeartbeat is the idle interval between event-stream
	// keepalives.
	StreamHeartbeat time.Duration
	Logger          *slog.Logger
}

// Server routes API requests into the engine and webhook correlator.
type Server struct {
	cfg        Config
	engine     *engine.Engine
	correlator *webhook.Correlator
	synth      Synthesizer
	logger     *slog.Logger
}

// New constructs the HTTP layer.
func New(eng *engine.Engine, correlator *webhook.Correlator, synth Synthesizer, cfg Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if correlator == nil {
		return nil, fmt.Errorf("correlator is required")
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, engine: eng, correlator: correlator, synth: synth, logger: cfg.Logger}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/calls", s.handleInitiate)
	mux.HandleFunc("GET /v1/calls", s.handleList)
	mux.HandleFunc("GET /v1/calls/{id}", s.handleGet)
	mux.HandleFunc("DELETE /v1/calls/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/calls/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/calls/{id}/hangup", s.handleHangup)
	mux.HandleFunc("GET /v1/calls/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/voice-models", s.handleVoiceModels)
	mux.HandleFunc("POST /v1/voice-models/{id}/preview", s.handleVoicePreview)
	mux.HandleFunc("GET /v1/call-types", s.handleCallTypes)
	mux.HandleFunc("POST /webhooks/infobip", s.handleInfobipWebhook)
	mux.HandleFunc("POST /webhooks/twilio", s.handleTwilioWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type initiateRequest struct {
	CallType      string `json:"call_type"`
	VoiceModel    string `json:"voice_model"`
	FromNumber    string `json:"from_number"`
	ToNumber      string `json:"to_number"`
	RecipientName string `json:"recipient_name"`
	ServiceName   string `json:"service_name"`
	OTPDigits     int    `json:"otp_digits"`

	Messages struct {
		Greetings  string `json:"greetings"`
		Prompt     string `json:"prompt"`
		Retry      string `json:"retry"`
		EndMessage string `json:"end_message"`
	} `json:"messages"`

	Steps struct {
		Step1    string `json:"step1"`
		Step2    string `json:"step2"`
		Step3    string `json:"step3"`
		Accepted string `json:"accepted"`
		Rejected string `json:"rejected"`
	} `json:"steps"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	callType := callflow.DefaultCallType()
	if req.CallType != "" {
		var ok bool
		if callType, ok = callflow.LookupCallType(req.CallType); !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown call type %q", req.CallType))
			return
		}
	}
	if req.OTPDigits == 0 {
		req.OTPDigits = callType.DefaultOTPDigits
	}
	if req.FromNumber == "" {
		req.FromNumber = s.cfg.DefaultFromNumber
	}
	if req.VoiceModel == "" {
		req.VoiceModel = voice.Default().ID
	} else if _, ok := voice.Lookup(req.VoiceModel); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown voice model %q", req.VoiceModel))
		return
	}

	cfg := callflow.SessionConfig{
		CallType:        callType.ID,
		VoiceModel:      req.VoiceModel,
		FromNumber:      req.FromNumber,
		RecipientNumber: req.ToNumber,
		RecipientName:   req.RecipientName,
		ServiceName:     req.ServiceName,
		OTPDigits:       req.OTPDigits,
	}
	msgs := callflow.Messages{
		Greetings:  req.Messages.Greetings,
		Prompt:     req.Messages.Prompt,
		Retry:      req.Messages.Retry,
		EndMessage: req.Messages.EndMessage,
	}
	overrides := callflow.StepOverrides{
		Step1:    req.Steps.Step1,
		Step2:    req.Steps.Step2,
		Step3:    req.Steps.Step3,
		Accepted: req.Steps.Accepted,
		Rejected: req.Steps.Rejected,
	}

	session, err := s.engine.Initiate(r.Context(), cfg, msgs, overrides)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sessionView(session))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	sessions, err := s.engine.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	views := make([]sessionJSON, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView(session))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	session, events, err := s.engine.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sessionView(session),
		"events":  events,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyRequest struct {
	Accepted *bool `json:"accepted"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Accepted == nil {
		writeError(w, http.StatusBadRequest, "accepted is required")
		return
	}
	if err := s.engine.Verify(r.Context(), r.PathValue("id"), *req.Accepted); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": true})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Hangup(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": true})
}

// handleEvents streams the session's event sequence as server-sent
// events: a connected preamble, the full backlog, then live events with
// periodic keepalives. The stream closes itself after the terminal
// event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	backlog, sub, err := s.engine.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", map[string]any{"session_id": r.PathValue("id")})
	terminal := false
	for _, event := range backlog {
		writeSSE(w, "call_event", event)
		if event.Terminal() {
			terminal = true
		}
	}
	flusher.Flush()
	if terminal {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		record := sub.Next(s.cfg.StreamHeartbeat)
		switch {
		case record.Closed:
			return
		case record.Heartbeat:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		default:
			writeSSE(w, "call_event", record.Event)
			flusher.Flush()
			if record.Event.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleVoiceModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"voice_models": voice.Models()})
}

type previewRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleVoicePreview(w http.ResponseWriter, r *http.Request) {
	if s.synth == nil {
		writeError(w, http.StatusServiceUnavailable, "voice preview is not configured")
		return
	}
	modelID := r.PathValue("id")
	if _, ok := voice.Lookup(modelID); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown voice model %q", modelID))
		return
	}
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	audio, err := s.synth.Synthesize(r.Context(), req.Text, modelID)
	if err != nil {
		s.logger.Warn("voice preview failed", "model", modelID, "reason", err.Error())
		writeError(w, http.StatusBadGateway, "synthesis failed")
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (s *Server) handleCallTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"call_types": callflow.CallTypes()})
}

// handleInfobipWebhook ingests Infobip callbacks. Always 200: the
// correlator logs and drops what cannot be resolved, and a vendor retry
// of an unparseable payload can never succeed.
func (s *Server) handleInfobipWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read payload failed")
		return
	}
	msg, err := infobip.ParseWebhook(payload)
	if err != nil {
		s.logger.Warn("discarding infobip webhook", "reason", err.Error())
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}
	s.correlator.Deliver(r.Context(), msg)
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// handleTwilioWebhook ingests Twilio callbacks and answers with empty
// TwiML so the call keeps its current program.
func (s *Server) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "parse form failed")
		return
	}
	msg, err := twilio.ParseWebhook(r.PostForm, r.URL.Query().Get("tag"))
	if err != nil {
		s.logger.Warn("discarding twilio webhook", "reason", err.Error())
	} else {
		s.correlator.Deliver(r.Context(), msg)
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response/>`))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, engine.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeSSE(w io.Writer, eventName string, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, encoded)
}
