package webhook

import (
	"encoding/json"
)

// DTMFOutcome classifies a digit-collection callback. "No digits" is a
// valid timeout-equivalent outcome, distinct from an empty digit string
// and from a malformed payload.
type DTMFOutcome string

const (
	// DTMFDigits means the payload carried a digit string, possibly
	// empty.
	DTMFDigits DTMFOutcome = "digits"
	// DTMFNoDigits means the recipient entered nothing before the
	// provider-side timeout.
	DTMFNoDigits DTMFOutcome = "no_digits"
	// DTMFMalformed means the payload shape was unrecognized. Callers
	// treat it as no-digits after logging.
	DTMFMalformed DTMFOutcome = "malformed"
)

// DTMFResult is the decoded outcome of a digit-collection callback.
type DTMFResult struct {
	Outcome DTMFOutcome
	Digits  string
}

// HasDigits reports whether a digit string was present, even if empty.
func (r DTMFResult) HasDigits() bool {
	return r.Outcome == DTMFDigits
}

// DecodeDTMF decodes captured digits from any of the declared provider
// payload shapes: a top-level digits field, a nested results[0] object,
// or a voice-call sub-object. The decode is total: it never fails, and
// unrecognized shapes come back as DTMFMalformed.
func DecodeDTMF(payload []byte) DTMFResult {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		return DTMFResult{Outcome: DTMFMalformed}
	}
	return decodeDTMFObject(root, true)
}

func decodeDTMFObject(obj map[string]any, allowNested bool) DTMFResult {
	if obj == nil {
		return DTMFResult{Outcome: DTMFMalformed}
	}

	for _, key := range []string{"dtmf", "digits", "capturedDtmf"} {
		raw, present := obj[key]
		if !present {
			continue
		}
		switch value := raw.(type) {
		case string:
			return DTMFResult{Outcome: DTMFDigits, Digits: value}
		case nil:
			// Explicit null means the provider reported a timeout with
			// no input.
			return DTMFResult{Outcome: DTMFNoDigits}
		default:
			return DTMFResult{Outcome: DTMFMalformed}
		}
	}

	if !allowNested {
		return DTMFResult{Outcome: DTMFNoDigits}
	}

	if raw, present := obj["results"]; present {
		list, ok := raw.([]any)
		if !ok || len(list) == 0 {
			return DTMFResult{Outcome: DTMFMalformed}
		}
		first, ok := list[0].(map[string]any)
		if !ok {
			return DTMFResult{Outcome: DTMFMalformed}
		}
		return decodeDTMFObject(first, false)
	}

	if raw, present := obj["voiceCall"]; present {
		nested, ok := raw.(map[string]any)
		if !ok {
			return DTMFResult{Outcome: DTMFMalformed}
		}
		return decodeDTMFObject(nested, false)
	}

	return DTMFResult{Outcome: DTMFNoDigits}
}
