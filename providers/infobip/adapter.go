// Package infobip implements the telephony provider contract against
// the Infobip Calls API.
package infobip

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/finch/callflow/providers"
	"github.com/finch/callflow/providers/common/httpx"
	"github.com/finch/callflow/providers/voice"
)

// Name identifies this provider variant.
const Name = "infobip"

// Config holds Infobip API access parameters.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Adapter is the Infobip provider variant.
type Adapter struct {
	client *httpx.Client
}

// New constructs an Infobip adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("infobip api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.infobip.com"
	}
	client, err := httpx.New(httpx.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Headers: map[string]string{"Authorization": "App " + cfg.APIKey},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client}, nil
}

// Name implements providers.Adapter.
func (a *Adapter) Name() string { return Name }

type placeCallRequest struct {
	Endpoint    callEndpoint   `json:"endpoint"`
	From        string         `json:"from"`
	CallbackURL string         `json:"callbackUrl,omitempty"`
	CustomData  map[string]any `json:"customData,omitempty"`
}

type callEndpoint struct {
	Type        string `json:"type"`
	PhoneNumber string `json:"phoneNumber"`
}

type placeCallResponse struct {
	ID string `json:"id"`
}

// PlaceCall issues the outbound call request. The returned id is the
// primary correlation key for every webhook on this call.
func (a *Adapter) PlaceCall(ctx context.Context, req providers.PlaceCallRequest) (providers.PlaceCallResult, error) {
	if err := req.Validate(); err != nil {
		return providers.PlaceCallResult{}, providers.NewPermanentError(err.Error(), err)
	}
	body := placeCallRequest{
		Endpoint: callEndpoint{Type: "PHONE", PhoneNumber: req.To},
		From:     req.From,
	}
	if req.CallbackBaseURL != "" {
		body.CallbackURL = req.CallbackBaseURL + "/webhooks/infobip"
	}
	if req.CorrelationTag != "" {
		body.CustomData = map[string]any{"tag": req.CorrelationTag}
	}

	var resp placeCallResponse
	if err := a.client.PostJSON(ctx, "/calls/1/calls", body, &resp); err != nil {
		return providers.PlaceCallResult{}, err
	}
	if resp.ID == "" {
		return providers.PlaceCallResult{}, providers.NewTransientError("placement response missing call id", nil)
	}
	return providers.PlaceCallResult{ProviderCallRef: resp.ID}, nil
}

type sayRequest struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Voice    sayVoice `json:"voice"`
}

type sayVoice struct {
	Name   string `json:"name"`
	Gender string `json:"gender"`
}

// Speak plays a synthesized prompt into the live call.
func (a *Adapter) Speak(ctx context.Context, req providers.SpeakRequest) error {
	if req.ProviderCallRef == "" {
		return providers.NewPermanentError("speak requires a call reference", nil)
	}
	model := voice.Resolve(req.VoiceID)
	body := sayRequest{
		Text:     req.Text,
		Language: languageCode(model.Language),
		Voice:    sayVoice{Name: model.DisplayName, Gender: model.Gender},
	}
	return a.client.PostJSON(ctx, "/calls/1/calls/"+req.ProviderCallRef+"/say", body, nil)
}

type captureRequest struct {
	MaxLength  int            `json:"maxLength"`
	Timeout    int            `json:"timeout"`
	CustomData map[string]any `json:"customData,omitempty"`
}

// CollectDigits arms DTMF capture. Digits arrive later via webhook, or
// not at all within the timeout.
func (a *Adapter) CollectDigits(ctx context.Context, req providers.CollectRequest) error {
	if req.ProviderCallRef == "" {
		return providers.NewPermanentError("digit capture requires a call reference", nil)
	}
	body := captureRequest{
		MaxLength: req.MaxDigits,
		Timeout:   req.TimeoutSeconds * 1000,
	}
	if req.CorrelationTag != "" {
		body.CustomData = map[string]any{"tag": req.CorrelationTag}
	}
	return a.client.PostJSON(ctx, "/calls/1/calls/"+req.ProviderCallRef+"/capture/dtmf", body, nil)
}

// Hangup requests call termination. A 404 means the call already ended
// and is treated as success.
func (a *Adapter) Hangup(ctx context.Context, providerCallRef string) error {
	if providerCallRef == "" {
		return nil
	}
	return a.client.PostJSONAccepting(ctx, "/calls/1/calls/"+providerCallRef+"/hangup", struct{}{}, nil, http.StatusNotFound)
}

func languageCode(language string) string {
	if language == "" {
		return "en"
	}
	return language[:2]
}
