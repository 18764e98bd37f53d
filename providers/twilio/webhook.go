package twilio

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/finch/callflow/internal/webhook"
)

// ParseWebhook decodes one Twilio status or gather callback into the
// provider-neutral webhook message. Twilio delivers form-encoded
// bodies; the correlation tag rides in the action URL query.
func ParseWebhook(form url.Values, tag string) (webhook.Message, error) {
	msg := webhook.Message{
		ProviderCallRef: form.Get("CallSid"),
		CorrelationTag:  tag,
	}

	// A gather action callback carries Digits (possibly empty when the
	// gather timed out) and takes precedence over the status field.
	if form.Has("Digits") {
		msg.Kind = webhook.KindDTMF
		msg.DTMF = webhook.DTMFResult{Outcome: webhook.DTMFDigits, Digits: form.Get("Digits")}
		return msg, msg.Validate()
	}
	if tag != "" && form.Get("CallStatus") == "in-progress" && !form.Has("CallDuration") {
		// Gather timeout: the action fires with no Digits key at all.
		msg.Kind = webhook.KindDTMF
		msg.DTMF = webhook.DTMFResult{Outcome: webhook.DTMFNoDigits}
		return msg, msg.Validate()
	}

	switch strings.ToLower(form.Get("CallStatus")) {
	case "ringing":
		msg.Kind = webhook.KindRinging
	case "in-progress", "answered":
		msg.Kind = webhook.KindEstablished
	case "completed":
		msg.Kind = webhook.KindFinished
	case "busy", "failed", "no-answer", "canceled":
		msg.Kind = webhook.KindFailed
		msg.Reason = "call " + form.Get("CallStatus")
	default:
		return webhook.Message{}, fmt.Errorf("unrecognized call status %q", form.Get("CallStatus"))
	}
	return msg, msg.Validate()
}
