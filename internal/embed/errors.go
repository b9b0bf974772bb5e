package embed

import (
	"context"
	"errors"
	"strings"
)

// ErrInvariant marks a provider response that violated the result shape
// guarantees (vector count or dimension mismatch).
var ErrInvariant = errors.New("embedding_invariant")

// ErrBatchInvariant marks a batch that failed hard-limit verification before
// dispatch. The same batch would fail again on every attempt, so callers
// must not retry it.
var ErrBatchInvariant = errors.New("batch_invariant_violation")

// ErrorKind categorizes embedding errors for retry decisions.
type ErrorKind string

const (
	KindUnknown   ErrorKind = "unknown"
	KindRateLimit ErrorKind = "rate_limit"
	KindTimeout   ErrorKind = "timeout"
	KindOverload  ErrorKind = "overloaded"
	KindAuth      ErrorKind = "auth"
	KindFormat    ErrorKind = "format"
	KindCancelled ErrorKind = "cancelled"
)

// Classify determines the error kind from an error's message.
// Detection is substring based; providers surface failures as HTTP bodies
// folded into error strings.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	msg := strings.ToLower(err.Error())

	// Checked in order of specificity; rate limit bodies often also match
	// the broader overload patterns.
	switch {
	case isRateLimitMessage(msg):
		return KindRateLimit
	case isAuthMessage(msg):
		return KindAuth
	case isOverloadMessage(msg):
		return KindOverload
	case isTimeoutMessage(msg):
		return KindTimeout
	case isFormatMessage(msg):
		return KindFormat
	default:
		return KindUnknown
	}
}

// Retryable reports whether an attempt with this error kind should be
// retried with backoff. Unknown errors are retried; the attempt cap bounds
// the damage.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindAuth, KindFormat, KindCancelled:
		return false
	default:
		return true
	}
}

func isRateLimitMessage(msg string) bool {
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "throttled") ||
		strings.Contains(msg, "quota exceeded") ||
		strings.Contains(msg, "resource_exhausted")
}

func isAuthMessage(msg string) bool {
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid_api_key") ||
		strings.Contains(msg, "incorrect api key") ||
		strings.Contains(msg, "authentication")
}

func isOverloadMessage(msg string) bool {
	return strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "server is busy") ||
		strings.Contains(msg, "temporarily unavailable")
}

func isTimeoutMessage(msg string) bool {
	return strings.Contains(msg, "408") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset")
}

func isFormatMessage(msg string) bool {
	return strings.Contains(msg, "400") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "invalid_request_error") ||
		strings.Contains(msg, "invalid request")
}
