// Package twilio implements the telephony provider contract against
// the Twilio Programmable Voice API. Requests are form-encoded and call
// control mid-flight is expressed as TwiML pushed onto the live call.
package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/finch/callflow/providers"
	"github.com/finch/callflow/providers/common/httpx"
	"github.com/finch/callflow/providers/voice"
)

// Name identifies this provider variant.
const Name = "twilio"

// Config holds Twilio API access parameters.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	Timeout    time.Duration
}

// Adapter is the Twilio provider variant.
type Adapter struct {
	client     *httpx.Client
	accountSID string
}

// New constructs a Twilio adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	basic := base64.StdEncoding.EncodeToString([]byte(cfg.AccountSID + ":" + cfg.AuthToken))
	client, err := httpx.New(httpx.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Headers: map[string]string{"Authorization": "Basic " + basic},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, accountSID: cfg.AccountSID}, nil
}

// Name implements providers.Adapter.
func (a *Adapter) Name() string { return Name }

type callResponse struct {
	SID string `json:"sid"`
}

// PlaceCall issues the outbound call request. The returned call SID is
// the primary correlation key for this call's webhooks.
func (a *Adapter) PlaceCall(ctx context.Context, req providers.PlaceCallRequest) (providers.PlaceCallResult, error) {
	if err := req.Validate(); err != nil {
		return providers.PlaceCallResult{}, providers.NewPermanentError(err.Error(), err)
	}
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	if req.CallbackBaseURL != "" {
		form.Set("Url", req.CallbackBaseURL+"/webhooks/twilio")
		form.Set("StatusCallback", req.CallbackBaseURL+"/webhooks/twilio")
		form.Set("StatusCallbackEvent", "ringing answered completed")
	}

	var resp callResponse
	if err := a.client.PostForm(ctx, a.callsPath(""), form, &resp); err != nil {
		return providers.PlaceCallResult{}, err
	}
	if resp.SID == "" {
		return providers.PlaceCallResult{}, providers.NewTransientError("placement response missing call sid", nil)
	}
	return providers.PlaceCallResult{ProviderCallRef: resp.SID}, nil
}

// Speak pushes a <Say> TwiML document onto the live call.
func (a *Adapter) Speak(ctx context.Context, req providers.SpeakRequest) error {
	if req.ProviderCallRef == "" {
		return providers.NewPermanentError("speak requires a call reference", nil)
	}
	model := voice.Resolve(req.VoiceID)
	twiml := fmt.Sprintf(`<Response><Say voice=%q language=%q>%s</Say><Pause length="60"/></Response>`,
		twilioVoice(model), model.Language, xmlEscape(req.Text))
	form := url.Values{}
	form.Set("Twiml", twiml)
	return a.client.PostForm(ctx, a.callsPath(req.ProviderCallRef), form, nil)
}

// CollectDigits pushes a <Gather> TwiML document onto the live call.
// Captured digits come back through the action callback.
func (a *Adapter) CollectDigits(ctx context.Context, req providers.CollectRequest) error {
	if req.ProviderCallRef == "" {
		return providers.NewPermanentError("digit capture requires a call reference", nil)
	}
	model := voice.Resolve(req.VoiceID)
	action := "/webhooks/twilio?tag=" + url.QueryEscape(req.CorrelationTag)
	twiml := fmt.Sprintf(
		`<Response><Gather input="dtmf" numDigits="%d" timeout="%d" action=%q><Say voice=%q language=%q>%s</Say></Gather></Response>`,
		req.MaxDigits, req.TimeoutSeconds, action, twilioVoice(model), model.Language, xmlEscape(req.PromptText))
	form := url.Values{}
	form.Set("Twiml", twiml)
	return a.client.PostForm(ctx, a.callsPath(req.ProviderCallRef), form, nil)
}

// Hangup completes the call. A 404 means the call already ended and is
// treated as success.
func (a *Adapter) Hangup(ctx context.Context, providerCallRef string) error {
	if providerCallRef == "" {
		return nil
	}
	form := url.Values{}
	form.Set("Status", "completed")
	return a.client.PostForm(ctx, a.callsPath(providerCallRef), form, nil, http.StatusNotFound)
}

func (a *Adapter) callsPath(callSID string) string {
	base := "/2010-04-01/Accounts/" + a.accountSID + "/Calls"
	if callSID == "" {
		return base + ".json"
	}
	return base + "/" + callSID + ".json"
}

// twilioVoice maps a catalog model to a Twilio-hosted Polly voice name.
func twilioVoice(model voice.Model) string {
	return "Polly." + model.PollyVoiceID
}

func xmlEscape(text string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(text))
	return buf.String()
}
