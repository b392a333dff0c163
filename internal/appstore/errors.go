package appstore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCancelled marks work abandoned because the caller stopped the operation.
var ErrCancelled = errors.New("operation cancelled")

// ErrorDetail is one entry of the error envelope App Store Connect returns.
type ErrorDetail struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (d ErrorDetail) String() string {
	if d.Detail == "" {
		return d.Title
	}
	return fmt.Sprintf("%s: %s", d.Title, d.Detail)
}

// CredentialError reports credentials that are malformed or were rejected
// by the API. Not retryable.
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential error: %s", e.Reason)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// NetworkError reports a transport failure or a server-side (5xx) response.
// Retryable.
type NetworkError struct {
	Op         string
	StatusCode int // zero when the request never completed
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error during %s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError reports an HTTP 429 from the API. Retryable after backoff;
// RetryAfter carries the server's hint when it sent one.
type RateLimitError struct {
	Detail     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Detail == "" {
		return "rate limited by app store connect"
	}
	return fmt.Sprintf("rate limited by app store connect: %s", e.Detail)
}

// RemoteValidationError reports a 4xx rejection carrying the API's error
// envelope, e.g. a duplicate product id. Not retryable.
type RemoteValidationError struct {
	StatusCode int
	Errors     []ErrorDetail
}

func (e *RemoteValidationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("app store connect rejected request: HTTP %d", e.StatusCode)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, d := range e.Errors {
		parts = append(parts, d.String())
	}
	return fmt.Sprintf("app store connect rejected request (HTTP %d): %s", e.StatusCode, strings.Join(parts, "; "))
}

// Code returns the first error code from the envelope, empty if none.
func (e *RemoteValidationError) Code() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Code
}

// Retryable reports whether a failed submission may succeed on a later
// attempt. Rate limits, transport failures and 5xx responses qualify;
// validation rejections and credential problems never do.
func Retryable(err error) bool {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
