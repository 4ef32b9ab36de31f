package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrConfiguration is wrapped by every error New returns for an invalid Config.
var ErrConfiguration = errors.New("invalid client configuration")

// ErrorKind tags a RequestError. Retry decisions and envelope construction
// switch on the kind only.
type ErrorKind string

const (
	// KindNetwork is a transport failure with no response.
	KindNetwork ErrorKind = "network_error"

	// KindHTTP is a non-2xx response.
	KindHTTP ErrorKind = "http_error"

	// KindParse is a 2xx body that does not decode under its declared content type.
	KindParse ErrorKind = "parse_error"

	// KindRateLimited is a request blocked locally by the rate limit tracker.
	KindRateLimited ErrorKind = "rate_limited"

	// KindRequest is a request that could not be built.
	KindRequest ErrorKind = "request_error"
)

// RequestError is the single error type produced inside the dispatcher.
type RequestError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Details    map[string]any
	Err        error

	// callerDone marks a network failure caused by the caller's own context.
	callerDone bool
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s (status %d): %s: %v", e.Kind, e.StatusCode, e.Message, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *RequestError) Retryable() bool {
	switch e.Kind {
	case KindNetwork:
		return !e.callerDone
	case KindHTTP:
		return isRetryableStatus(e.StatusCode)
	default:
		return false
	}
}

// isRetryableStatus: 408, 429 and every 5xx.
func isRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// IsRetryable is the retry predicate used by the dispatcher. Errors that are
// not a *RequestError are never retried.
func IsRetryable(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable()
	}
	return false
}

// classifyTransportError is the boundary where a raw transport error enters
// the dispatcher. Every such error becomes KindNetwork.
func classifyTransportError(ctx context.Context, err error) *RequestError {
	return &RequestError{
		Kind:       KindNetwork,
		Message:    "request failed",
		Err:        err,
		callerDone: ctx.Err() != nil,
	}
}

func newHTTPError(status int, message string, details map[string]any) *RequestError {
	return &RequestError{
		Kind:       KindHTTP,
		StatusCode: status,
		Message:    message,
		Details:    details,
	}
}

func newParseError(status int, err error) *RequestError {
	return &RequestError{
		Kind:       KindParse,
		StatusCode: status,
		Message:    "failed to parse response",
		Err:        err,
	}
}
