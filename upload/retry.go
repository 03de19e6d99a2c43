package upload

import (
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryOptions controls how transient chunk failures are retried within one
// upload session.
type RetryOptions struct {
	// RetryLimit is the maximum number of retries per session, so a stuck
	// server sees at most RetryLimit+1 attempts. Default: 5.
	RetryLimit int
	// RetryDelayMultiplier is the exponential backoff base. Default: 2.
	RetryDelayMultiplier float64
	// MaxRetryDelay caps a single backoff sleep. Default: 64s.
	MaxRetryDelay time.Duration
	// TotalTimeout is the retry budget measured from the first request of
	// the session. Default: 600s.
	TotalTimeout time.Duration
	// Retryable overrides the default transient-error predicate. statusCode
	// is zero when the request failed without a response.
	Retryable func(statusCode int, err error) bool
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.RetryLimit == 0 {
		o.RetryLimit = 5
	}
	if o.RetryDelayMultiplier == 0 {
		o.RetryDelayMultiplier = 2
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = 64 * time.Second
	}
	if o.TotalTimeout == 0 {
		o.TotalTimeout = 600 * time.Second
	}
	if o.Retryable == nil {
		o.Retryable = DefaultRetryable
	}
	return o
}

// DefaultRetryable treats request errors without a response, timeouts,
// throttling and 5xx statuses as transient.
func DefaultRetryable(statusCode int, err error) bool {
	if statusCode == 0 {
		return err != nil
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

// retryState carries the per-session retry counters. It is reset only when a
// lost session is restarted with a fresh URI, never between chunk retries.
type retryState struct {
	numRetries         int
	timeOfFirstRequest time.Time
}

// begin records the session's first request time, once.
func (s *retryState) begin() {
	if s.timeOfFirstRequest.IsZero() {
		s.timeOfFirstRequest = time.Now()
	}
}

func (s *retryState) reset() {
	s.numRetries = 0
	s.timeOfFirstRequest = time.Time{}
}

// delay computes the next backoff sleep:
//
//	min(maxRetryDelay, multiplier^numRetries seconds + jitter)
//
// clamped to what is left of the total retry budget. A non-positive result
// means the budget is spent.
func (s *retryState) delay(o RetryOptions) time.Duration {
	backoff := time.Duration(math.Pow(o.RetryDelayMultiplier, float64(s.numRetries-1)) * float64(time.Second))
	jitter := time.Duration(rand.Int63n(int64(time.Second)))

	d := backoff + jitter
	if d > o.MaxRetryDelay {
		d = o.MaxRetryDelay
	}

	budget := o.TotalTimeout - time.Since(s.timeOfFirstRequest)
	if d > budget {
		d = budget
	}
	return d
}
