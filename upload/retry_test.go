package upload

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryOptions_WithDefaults(t *testing.T) {
	opts := RetryOptions{}.withDefaults()

	assert.Equal(t, 5, opts.RetryLimit)
	assert.Equal(t, float64(2), opts.RetryDelayMultiplier)
	assert.Equal(t, 64*time.Second, opts.MaxRetryDelay)
	assert.Equal(t, 600*time.Second, opts.TotalTimeout)
	assert.NotNil(t, opts.Retryable)

	custom := RetryOptions{RetryLimit: 2, MaxRetryDelay: time.Second}.withDefaults()
	assert.Equal(t, 2, custom.RetryLimit)
	assert.Equal(t, time.Second, custom.MaxRetryDelay)
}

func TestDefaultRetryable(t *testing.T) {
	assert.True(t, DefaultRetryable(0, errors.New("connection reset")))
	assert.False(t, DefaultRetryable(0, nil))

	assert.True(t, DefaultRetryable(http.StatusRequestTimeout, nil))
	assert.True(t, DefaultRetryable(http.StatusTooManyRequests, nil))
	assert.True(t, DefaultRetryable(http.StatusInternalServerError, nil))
	assert.True(t, DefaultRetryable(http.StatusServiceUnavailable, nil))

	assert.False(t, DefaultRetryable(http.StatusBadRequest, nil))
	assert.False(t, DefaultRetryable(http.StatusNotFound, nil))
	assert.False(t, DefaultRetryable(http.StatusOK, nil))
}

func TestRetryState_DelayGrowsExponentially(t *testing.T) {
	opts := RetryOptions{}.withDefaults()
	state := retryState{timeOfFirstRequest: time.Now()}

	state.numRetries = 1
	d := state.delay(opts)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 2*time.Second, "first delay is one second plus sub-second jitter")

	state.numRetries = 3
	d = state.delay(opts)
	assert.GreaterOrEqual(t, d, 4*time.Second)
	assert.Less(t, d, 5*time.Second)
}

func TestRetryState_DelayIsCapped(t *testing.T) {
	opts := RetryOptions{MaxRetryDelay: 2 * time.Second}.withDefaults()
	state := retryState{numRetries: 10, timeOfFirstRequest: time.Now()}

	assert.Equal(t, 2*time.Second, state.delay(opts))
}

func TestRetryState_ExhaustedBudgetIsNonPositive(t *testing.T) {
	opts := RetryOptions{TotalTimeout: time.Millisecond}.withDefaults()
	state := retryState{
		numRetries:         1,
		timeOfFirstRequest: time.Now().Add(-time.Second),
	}

	assert.LessOrEqual(t, state.delay(opts), time.Duration(0))
}

func TestRetryState_BeginRecordsFirstRequestOnce(t *testing.T) {
	var state retryState

	state.begin()
	first := state.timeOfFirstRequest
	assert.False(t, first.IsZero())

	time.Sleep(time.Millisecond)
	state.begin()
	assert.Equal(t, first, state.timeOfFirstRequest)

	state.reset()
	assert.True(t, state.timeOfFirstRequest.IsZero())
	assert.Zero(t, state.numRetries)
}
