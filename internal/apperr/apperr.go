// Package apperr holds the error taxonomy shared by every layer of the chat service.
// Lower layers wrap these sentinels with %w; transports map them to wire codes.
package apperr

import (
	"errors"
	"net/http"
	"time"
)

var (
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrAccessDenied           = errors.New("access denied")
	ErrConversationBlocked    = errors.New("conversation is blocked")
	ErrInvalidInput           = errors.New("invalid input")
	ErrRateLimited            = errors.New("rate limited")
	ErrInvalidOfferTransition = errors.New("invalid offer transition")
	ErrNotFound               = errors.New("not found")
	ErrStorageUnavailable     = errors.New("storage unavailable")
)

// RateLimitError carries the cooldown a client should wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited: retry after " + e.RetryAfter.String()
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Code maps an error to the code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrConversationBlocked):
		return "conversation_blocked"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidOfferTransition):
		return "invalid_offer_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "storage_unavailable"
	}
}

// HTTPStatus maps an error to the REST status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "authentication_failed":
		return http.StatusUnauthorized
	case "access_denied":
		return http.StatusForbidden
	case "conversation_blocked", "invalid_offer_transition":
		return http.StatusConflict
	case "invalid_input":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// RetryAfter extracts the cooldown from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Known reports whether err belongs to the taxonomy, i.e. is not a raw infrastructure failure.
func Known(err error) bool {
	for _, target := range []error{
		ErrAuthenticationFailed, ErrAccessDenied, ErrConversationBlocked, ErrInvalidInput,
		ErrRateLimited, ErrInvalidOfferTransition, ErrNotFound, ErrStorageUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
