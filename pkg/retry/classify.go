package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Class is the retry decision for an error.
type Class int

const (
	// ClassRetryable errors go back through the backoff schedule.
	ClassRetryable Class = iota
	// ClassPermanent errors fail immediately; the batch is dead-lettered.
	ClassPermanent
)

// Substrings that mark an error message as retryable.
var retryablePatterns = []string{
	"connection",
	"timeout",
	"temporary",
	"unavailable",
	"network",
	"unreachable",
	"refused",
	"reset",
	"broken pipe",
}

// Substrings that mark an error message as permanent.
var permanentPatterns = []string{
	"authentication failed",
	"permission denied",
	"syntax error",
	"invalid",
	"does not exist",
}

// Classify decides whether an error is worth retrying. Network error types
// are retryable regardless of message; otherwise the message is matched
// against the retryable patterns first, then the permanent ones. Unknown
// errors default to retryable — fail-safe toward progress.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}

	// Cancellation is handled by the engine before classification; if it
	// leaks through, treat it as permanent so nothing spins on a dead context.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	msg := strings.ToLower(err.Error())

	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return ClassRetryable
		}
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(msg, pattern) {
			return ClassPermanent
		}
	}

	return ClassRetryable
}
