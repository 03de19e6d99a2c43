package upload

import (
	"fmt"
	"time"
)

// SessionCreationError wraps the failure of the resumable session creation
// request. Session creation is never retried at this layer.
type SessionCreationError struct {
	Err error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create upload session: %v", e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

// StatusError is a terminal upload failure carrying the server status and
// message for diagnosis.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upload failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, e.Message)
}

// SessionExpiredError reports that the server no longer knows the session.
// It only surfaces when the session URI was supplied by the caller; otherwise
// the uploader replaces the session internally.
type SessionExpiredError struct {
	StatusCode int
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("upload session no longer exists (status %d)", e.StatusCode)
}

// RetryLimitExceededError reports that the per-session retry limit was
// exhausted. Message carries the last server response.
type RetryLimitExceededError struct {
	Attempts   int
	StatusCode int
	Message    string
}

func (e *RetryLimitExceededError) Error() string {
	return fmt.Sprintf("retry limit exceeded after %d attempts, last status %d: %s",
		e.Attempts, e.StatusCode, e.Message)
}

// RetryBudgetExceededError reports that the session's total retry time
// window elapsed before the upload could complete.
type RetryBudgetExceededError struct {
	Elapsed time.Duration
}

func (e *RetryBudgetExceededError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %s", e.Elapsed.Round(time.Millisecond))
}

// DataLossError reports that the upload had to restart from zero but bytes
// already consumed from the upstream are gone, so retransmission is
// impossible. The upload fails instead of writing a hole.
type DataLossError struct {
	MissingBytes int64
}

func (e *DataLossError) Error() string {
	return fmt.Sprintf("cannot restart upload: %d already-transmitted bytes are no longer available", e.MissingBytes)
}

// ShortUpstreamError reports that the upstream ended before producing the
// declared number of bytes.
type ShortUpstreamError struct {
	Expected int64
	Got      int64
}

func (e *ShortUpstreamError) Error() string {
	return fmt.Sprintf("upstream ended after %d bytes, expected %d", e.Got, e.Expected)
}
