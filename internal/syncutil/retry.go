package syncutil

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/caredock/caresync/internal/errors"
)

// Message patterns that mark a failure as transient. Matched case-insensitively
// against the full error chain text.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"network",
	"timeout",
	"timed out",
	"temporar",
	"service unavailable",
	"too many requests",
	"rate limit",
}

// IsRetryableStatus reports whether an HTTP status code signals a transient
// failure: 408 (request timeout), 429 (throttling) and the 5xx family.
func IsRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// IsRetryable classifies an error as transient. Callers surface the flag to
// clients; nothing in the sync core retries on its own behalf except the
// resolver's bounded revision loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// A cancelled caller must not be told to try again.
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch errors.CodeOf(err) {
	case errors.ErrValidation, errors.ErrNotFound, errors.ErrPermission,
		errors.ErrStrategyNotConfigured, errors.ErrConflict:
		return false
	case errors.ErrSyncTimeout:
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
