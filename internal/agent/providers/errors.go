package providers

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorReason categorizes why a provider request failed, driving the
// adapters' retry decisions.
type ErrorReason string

const (
	// ReasonRateLimit indicates throttling (HTTP 429).
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonAuth indicates an authentication failure (HTTP 401, 403).
	ReasonAuth ErrorReason = "auth"

	// ReasonTimeout indicates the request took too long.
	ReasonTimeout ErrorReason = "timeout"

	// ReasonServerError indicates provider-side trouble (HTTP 5xx).
	ReasonServerError ErrorReason = "server_error"

	// ReasonInvalidRequest indicates a malformed request (HTTP 400).
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown ErrorReason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r ErrorReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError wraps a failed request with enough context to log and to
// decide whether to retry.
type ProviderError struct {
	Reason   ErrorReason
	Provider string
	Model    string
	Cause    error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Reason, e.Provider)
	if e.Model != "" {
		msg += " model=" + e.Model
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// wrapProviderError classifies and wraps cause. Nil stays nil.
func wrapProviderError(provider, model string, cause error) error {
	if cause == nil {
		return nil
	}
	return &ProviderError{
		Reason:   ClassifyError(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
}

// ClassifyError buckets an error into an ErrorReason by inspecting its
// message. Vendor SDKs surface HTTP failures as opaque errors, so substring
// matching on status codes and well-known phrases is the portable option.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuth
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return ReasonServerError
	case strings.Contains(msg, "invalid_request_error"),
		strings.Contains(msg, "400"):
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

// IsRetryable reports whether err should be retried. Wrapped ProviderErrors
// carry their classification; raw errors are classified on the fly.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
