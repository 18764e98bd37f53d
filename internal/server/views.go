package server

import (
	"time"

	"github.com/finch/callflow/internal/callflow"
)

// sessionJSON is the wire shape of a session snapshot.
type sessionJSON struct {
	ID              string         `json:"id"`
	CallType        string         `json:"call_type"`
	VoiceModel      string         `json:"voice_model"`
	FromNumber      string         `json:"from_number"`
	RecipientNumber string         `json:"recipient_number"`
	RecipientName   string         `json:"recipient_name,omitempty"`
	ServiceName     string         `json:"service_name,omitempty"`
	OTPDigits       int            `json:"otp_digits"`
	Status          string         `json:"status"`
	CurrentStep     string         `json:"current_step,omitempty"`
	ProviderCallRef string         `json:"provider_call_ref,omitempty"`
	Simulated       bool           `json:"simulated"`
	DTMFHistory     []string       `json:"dtmf_history"`
	RetryCounts     map[string]int `json:"retry_counts"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DurationSeconds int            `json:"duration_seconds"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

func sessionView(s callflow.CallSession) sessionJSON {
	view := sessionJSON{
		ID:              s.ID,
		CallType:        s.Config.CallType,
		VoiceModel:      s.Config.VoiceModel,
		FromNumber:      s.Config.FromNumber,
		RecipientNumber: s.Config.RecipientNumber,
		RecipientName:   s.Config.RecipientName,
		ServiceName:     s.Config.ServiceName,
		OTPDigits:       s.Config.OTPDigits,
		Status:          string(s.Status),
		CurrentStep:     s.CurrentStep,
		ProviderCallRef: s.ProviderCallRef,
		Simulated:       s.Simulated,
		DTMFHistory:     s.DTMFHistory,
		RetryCounts:     s.RetryCounts,
		CreatedAt:       s.CreatedAt,
		DurationSeconds: s.DurationSeconds,
		ErrorMessage:    s.ErrorMessage,
	}
	if view.DTMFHistory == nil {
		view.DTMFHistory = []string{}
	}
	if view.RetryCounts == nil {
		view.RetryCounts = map[string]int{}
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		view.StartedAt = &started
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		view.EndedAt = &ended
	}
	return view
}
