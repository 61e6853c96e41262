package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError is the base error type for completion failures.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError is an error reported by a backend.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("[%s] %s", e.Provider, e.SDKError.Error())
	}
	return fmt.Sprintf("[%s] %s (status=%d)", e.Provider, e.SDKError.Error(), e.StatusCode)
}

// ConfigurationError reports a client or backend that cannot be used as
// configured (missing API key, unknown provider).
type ConfigurationError struct{ SDKError }

// StreamFailedError reports a failure that happened mid-stream.
type StreamFailedError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to a ProviderError.
func ErrorFromStatusCode(statusCode int, message, provider string) error {
	pe := &ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
	}
	switch statusCode {
	case 400, 401, 403, 404, 413, 422:
		pe.Retryable = false
	default:
		pe.Retryable = true
	}
	return pe
}

// IsRetryable reports whether retrying the same request may succeed.
func IsRetryable(err error) bool {
	if err == nil || IsCanceled(err) {
		return false
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// IsCanceled reports whether err stems from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
