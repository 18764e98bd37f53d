package callflow

import (
	"fmt"
	"regexp"
	"strings"
)

// Step names of the default three-step verification script.
const (
	StepGreeting = "step1"
	StepCollect  = "step2"
	StepDecision = "step3"
)

// StepPlaceCall is the pseudo-step under which call placement attempts
// are counted. It never appears in Script.Steps.
const StepPlaceCall = "place_call"

// Step is one named unit of an IVR script.
type Step struct {
	Name string
	// Template is the prompt text with {placeholder} tokens.
	Template string
	// CollectDigits is the expected digit count when > 0; the step
	// suspends until digits arrive via webhook or the timeout fires.
	CollectDigits int
	// TimeoutSeconds bounds the wait for collected digits.
	TimeoutSeconds int
	// RecordDigits adds captured digits to the session's DTMFHistory.
	// Confirmation keypresses leave it false.
	RecordDigits bool
	// AwaitDecision gates progression on an operator accept/deny.
	AwaitDecision bool
}

// Script is an ordered list of named steps plus the terminal prompts
// spoken after the operator decision.
type Script struct {
	Steps        []Step
	AcceptedText string
	RejectedText string
	EndText      string
}

// Messages carries the caller-supplied prompt templates.
type Messages struct {
	Greetings  string
	Prompt     string
	Retry      string
	EndMessage string
}

// StepOverrides optionally replaces individual default step templates.
type StepOverrides struct {
	Step1    string
	Step2    string
	Step3    string
	Accepted string
	Rejected string
}

const (
	defaultCollectTimeoutSeconds = 30
	defaultDecisionText          = "Please hold while we verify your code."
	defaultAcceptedText          = "Thank you. Your code has been confirmed. Goodbye."
	defaultRejectedText          = "That code did not match. Please enter the {digits} digit code again."
)

// NewScript builds the default three-step script from caller messages
// and optional per-step overrides.
func NewScript(cfg SessionConfig, msgs Messages, overrides StepOverrides) (Script, error) {
	if msgs.Greetings == "" || msgs.Prompt == "" {
		return Script{}, fmt.Errorf("greetings and prompt messages are required")
	}
	step1 := pickTemplate(overrides.Step1, msgs.Greetings)
	step2 := pickTemplate(overrides.Step2, msgs.Prompt)
	step3 := pickTemplate(overrides.Step3, defaultDecisionText)
	accepted := pickTemplate(overrides.Accepted, defaultAcceptedText)
	rejected := pickTemplate(overrides.Rejected, pickTemplate(msgs.Retry, defaultRejectedText))

	return Script{
		Steps: []Step{
			{Name: StepGreeting, Template: step1, CollectDigits: 1, TimeoutSeconds: defaultCollectTimeoutSeconds},
			{Name: StepCollect, Template: step2, CollectDigits: cfg.OTPDigits, TimeoutSeconds: defaultCollectTimeoutSeconds, RecordDigits: true},
			{Name: StepDecision, Template: step3, AwaitDecision: true},
		},
		AcceptedText: accepted,
		RejectedText: rejected,
		EndText:      pickTemplate(msgs.EndMessage, defaultAcceptedText),
	}, nil
}

// Clone returns a detached copy of the script.
func (s Script) Clone() Script {
	out := s
	out.Steps = append([]Step(nil), s.Steps...)
	return out
}

// StepIndex returns the ordinal position of a named step.
func (s Script) StepIndex(name string) (int, bool) {
	for i, step := range s.Steps {
		if step.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Step returns the named step.
func (s Script) Step(name string) (Step, bool) {
	for _, step := range s.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

// Next returns the step following the named one.
func (s Script) Next(name string) (Step, bool) {
	idx, ok := s.StepIndex(name)
	if !ok || idx+1 >= len(s.Steps) {
		return Step{}, false
	}
	return s.Steps[idx+1], true
}

func pickTemplate(override, fallback string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return fallback
}

var placeholderPattern = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

// Render substitutes {placeholder} tokens with session values. The
// substitution is total and deterministic: every declared placeholder is
// replaced with a config value or a documented default, unrecognized
// tokens are left verbatim, and rendering never fails.
func Render(template string, cfg SessionConfig) string {
	vars := map[string]string{
		"name":    pickTemplate(cfg.RecipientName, "there"),
		"service": pickTemplate(cfg.ServiceName, "your account"),
		"digits":  fmt.Sprintf("%d", cfg.OTPDigits),
		"from":    cfg.FromNumber,
		"to":      cfg.RecipientNumber,
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		key := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
		if value, ok := vars[key]; ok {
			return value
		}
		return token
	})
}

// MaskDigits replaces captured digits with asterisks for event details.
func MaskDigits(digits string) string {
	if digits == "" {
		return ""
	}
	return strings.Repeat("*", len(digits))
}
