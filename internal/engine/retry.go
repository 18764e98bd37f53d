package engine

import (
	"time"
)

// RetryDecision is the supervisor's verdict for one failed or timed-out
// step attempt.
type RetryDecision struct {
	// Retry indicates the step should be re-issued after Delay.
	Retry bool
	Delay time.Duration
}

// RetryPolicy is the stateless retry supervisor consulted by the
// interpreter and correlator on timeout or transient failure. Uniform
// across providers and simulation.
type RetryPolicy struct {
	// MaxAttempts is the per-step attempt ceiling.
	MaxAttempts int
	// Backoff is the fixed delay before a re-issue. Provider-side
	// collection timeouts already impose tens-of-seconds waits, so the
	// backoff stays flat rather than exponential.
	Backoff time.Duration
}

// DefaultRetryPolicy returns the default supervisor configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second}
}

// normalized returns the policy with zero values replaced by defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = 2 * time.Second
	}
	return p
}

// Decide maps (stepName, attemptCount) to retry-after-delay or
// fail-permanently. attemptCount is the number of attempts already
// made for the step.
func (p RetryPolicy) Decide(stepName string, attemptCount int) RetryDecision {
	p = p.normalized()
	if attemptCount >= p.MaxAttempts {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: p.Backoff}
}
