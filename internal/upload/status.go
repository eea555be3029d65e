// Package upload implements the retry-capable delivery engine: a blocking
// per-batch uploader and the backoff-aware scheduler that drains the batch
// store to the remote intake.
package upload

import (
	"fmt"
	"net/http"
)

// Status is the outcome of one upload attempt. It is derived fresh per
// attempt, never persisted, and consumed by the scheduler to decide batch
// disposition.
type Status struct {
	// NeedsRetry reports whether the batch should be kept and retried.
	NeedsRetry bool
	// ResponseCode is the HTTP status code, 0 if no response arrived.
	ResponseCode int
	// Attempt counts upload attempts for this batch, starting at 0.
	Attempt int
	// Description is a human-readable summary for debug logs.
	Description string
	// Err is the transport error that caused the failure, if any.
	Err error
}

// retryableCode reports whether an HTTP status code belongs to the
// could-retry set: request timeout, too many requests, and server errors.
func retryableCode(code int) bool {
	switch {
	case code == http.StatusRequestTimeout:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// statusFromResponse interprets an intake response code.
func statusFromResponse(code, attempt int) Status {
	switch {
	case code >= 200 && code < 300:
		return Status{
			ResponseCode: code,
			Attempt:      attempt,
			Description:  fmt.Sprintf("intake accepted batch (%d)", code),
		}
	case retryableCode(code):
		return Status{
			NeedsRetry:   true,
			ResponseCode: code,
			Attempt:      attempt,
			Description:  fmt.Sprintf("intake asked to retry (%d)", code),
		}
	default:
		return Status{
			ResponseCode: code,
			Attempt:      attempt,
			Description:  fmt.Sprintf("intake rejected batch (%d)", code),
		}
	}
}

// statusFromError interprets a transport-level failure as retryable.
func statusFromError(err error, attempt int) Status {
	return Status{
		NeedsRetry:  true,
		Attempt:     attempt,
		Description: "network error, will retry",
		Err:         err,
	}
}

// unreachableStatus is the synthetic outcome for an attempt that never got a
// callback before the timeout. NeedsRetry is false on purpose: a stuck
// network layer must not turn into an infinite fast-retry loop.
func unreachableStatus(err error, attempt int) Status {
	return Status{
		Attempt:     attempt,
		Description: "intake unreachable before timeout",
		Err:         err,
	}
}
