package infobip

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/finch/callflow/internal/webhook"
)

// envelopeSchema validates the minimum webhook shape before any field
// is trusted. Payload variants differ per event family, so the schema
// pins field types and requires at least one recognizable marker.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "callId": {"type": "string"},
    "event": {"type": "string"},
    "reason": {"type": "string"},
    "customData": {
      "type": "object",
      "properties": {"tag": {"type": "string"}}
    },
    "results": {"type": "array"},
    "voiceCall": {"type": "object"}
  },
  "anyOf": [
    {"required": ["event"]},
    {"required": ["results"]},
    {"required": ["voiceCall"]},
    {"required": ["dtmf"]},
    {"required": ["digits"]},
    {"required": ["capturedDtmf"]}
  ]
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("infobip-webhook.json", envelopeSchema)
	})
	return schema, schemaErr
}

type envelope struct {
	CallID     string `json:"callId"`
	Event      string `json:"event"`
	Reason     string `json:"reason"`
	CustomData struct {
		Tag string `json:"tag"`
	} `json:"customData"`
	VoiceCall struct {
		ID string `json:"id"`
	} `json:"voiceCall"`
}

// ParseWebhook validates and decodes one Infobip callback payload into
// the provider-neutral webhook message.
func ParseWebhook(payload []byte) (webhook.Message, error) {
	compiled, err := compiledSchema()
	if err != nil {
		return webhook.Message{}, fmt.Errorf("webhook schema unavailable: %w", err)
	}
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return webhook.Message{}, fmt.Errorf("decode webhook payload: %w", err)
	}
	if err := compiled.Validate(raw); err != nil {
		return webhook.Message{}, fmt.Errorf("webhook payload rejected: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return webhook.Message{}, fmt.Errorf("decode webhook envelope: %w", err)
	}

	msg := webhook.Message{
		ProviderCallRef: env.CallID,
		CorrelationTag:  env.CustomData.Tag,
		Reason:          env.Reason,
	}
	if msg.ProviderCallRef == "" {
		msg.ProviderCallRef = env.VoiceCall.ID
	}

	switch normalizeEvent(env.Event) {
	case "RINGING", "CALL_RINGING":
		msg.Kind = webhook.KindRinging
	case "ESTABLISHED", "CALL_ESTABLISHED", "ANSWERED":
		msg.Kind = webhook.KindEstablished
	case "SAY_FINISHED", "PLAY_FINISHED":
		msg.Kind = webhook.KindSayFinished
	case "DTMF", "DTMF_COLLECTED", "CAPTURE_FINISHED":
		msg.Kind = webhook.KindDTMF
		msg.DTMF = webhook.DecodeDTMF(payload)
	case "FINISHED", "CALL_FINISHED", "HANGUP":
		msg.Kind = webhook.KindFinished
	case "FAILED", "CALL_FAILED", "ERROR", "BUSY", "NO_ANSWER":
		msg.Kind = webhook.KindFailed
	case "":
		// Digit payloads from the voice message API carry no event name.
		msg.Kind = webhook.KindDTMF
		msg.DTMF = webhook.DecodeDTMF(payload)
	default:
		return webhook.Message{}, fmt.Errorf("unrecognized webhook event %q", env.Event)
	}
	return msg, nil
}

func normalizeEvent(event string) string {
	return strings.ToUpper(strings.TrimSpace(event))
}
