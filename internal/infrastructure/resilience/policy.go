package resilience

import "time"

// Config tunes the retry loop and circuit breaker of one Executor. The
// pipeline keeps a separate executor per backend class: an Ollama completion
// that runs for seconds and a fire-and-forget audit publish do not share a
// sensible retry budget.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

// LLMPolicy covers Ollama completions, structured generation and embeddings.
// A failed generation call is expensive to repeat, so only one retry; the
// breaker is patient, a local model reloading its weights comes back on its
// own within a minute.
func LLMPolicy() Config {
	return Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: 250 * time.Millisecond,
		RetryMaxBackoff:     time.Second,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      5,
		BreakerFailureRatio:     0.6,
		BreakerOpenTimeout:      45 * time.Second,
		BreakerHalfOpenMaxCalls: 1,
	}
}

// AuditPolicy covers the answer-audit publisher. Publishes sit off the
// session's critical path, so retries are cheap; a dead broker should trip
// the breaker quickly instead of burning a timeout on every answer.
func AuditPolicy() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      15 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// WithBreakerEnabled lets deployments flip the breaker off, keeping the
// retry loop, when a single Ollama instance serves everything and tripping
// would just turn every question into an instant error.
func (c Config) WithBreakerEnabled(enabled bool) Config {
	out := c
	out.BreakerEnabled = enabled
	return out
}

func (c Config) normalize() Config {
	out := c

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = 1
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = 100 * time.Millisecond
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = 2.0
	}

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = 5
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = 0.5
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = 30 * time.Second
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = 1
	}

	return out
}
