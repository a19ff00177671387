package playapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

// Kind classifies a Play API failure so callers can decide between retrying,
// surfacing, and giving up.
type Kind string

const (
	// KindAuth covers 401/403 — bad credentials or missing package access.
	// Never retryable; flips the gateway to unready.
	KindAuth Kind = "AUTH"
	// KindRateLimit covers 429. Retryable after the server-provided delay.
	KindRateLimit Kind = "RATE_LIMIT"
	// KindNotFound covers 404 — the review aged out of the 7-day window or
	// never existed.
	KindNotFound Kind = "NOT_FOUND"
	// KindAPI covers 5xx and other server-side failures. Retryable.
	KindAPI Kind = "API"
	// KindClient covers transport failures and responses that could not be
	// decoded. Retryable.
	KindClient Kind = "CLIENT"
	// KindValidation covers locally rejected input. Never retryable.
	KindValidation Kind = "VALIDATION"
)

// defaultRetryAfter is used for 429 responses that carry no Retry-After hint.
const defaultRetryAfter = 60 * time.Second

// Error is the structured error returned by every Gateway operation.
type Error struct {
	Kind Kind
	Msg  string
	// RetryAfter is the server-requested delay before the next call.
	// Only set for KindRateLimit.
	RetryAfter time.Duration
	wrapped    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the underlying transport/API error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Retryable reports whether a later attempt of the same call can succeed
// without operator intervention.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindAPI, KindClient:
		return true
	}
	return false
}

// KindOf extracts the Kind from any error. Non-gateway errors classify as
// CLIENT, nil as the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindClient
}

// RetryAfterOf extracts the rate-limit delay from an error, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit {
		return e.RetryAfter
	}
	return 0
}

// classify maps a raw androidpublisher error onto the gateway taxonomy.
// Callers provide op for the message prefix ("list reviews", "reply", ...).
func classify(op string, err error) *Error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// No HTTP response at all: DNS failure, connection reset, context
		// deadline, malformed body.
		return &Error{Kind: KindClient, Msg: op + " transport failure", wrapped: err}
	}

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Msg: op + " unauthorized", wrapped: err}
	case gerr.Code == http.StatusForbidden:
		return &Error{Kind: KindAuth, Msg: op + " access denied", wrapped: err}
	case gerr.Code == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Msg: op + " not found", wrapped: err}
	case gerr.Code == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimit,
			Msg:        op + " rate limited",
			RetryAfter: retryAfterFrom(gerr),
			wrapped:    err,
		}
	case gerr.Code >= 500:
		return &Error{Kind: KindAPI, Msg: fmt.Sprintf("%s server error (%d)", op, gerr.Code), wrapped: err}
	default:
		return &Error{Kind: KindAPI, Msg: fmt.Sprintf("%s failed (%d)", op, gerr.Code), wrapped: err}
	}
}

// retryAfterFrom decodes the Retry-After header of a 429 response. Play sends
// a delay in whole seconds; absent or unparseable values fall back to the
// 60 s default.
func retryAfterFrom(gerr *googleapi.Error) time.Duration {
	if gerr.Header != nil {
		if v := gerr.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultRetryAfter
}
