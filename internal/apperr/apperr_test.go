package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCodeAndStatus(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("jwt: %w", ErrAuthenticationFailed), "authentication_failed", http.StatusUnauthorized},
		{fmt.Errorf("%w: not a participant", ErrAccessDenied), "access_denied", http.StatusForbidden},
		{ErrConversationBlocked, "conversation_blocked", http.StatusConflict},
		{ErrInvalidOfferTransition, "invalid_offer_transition", http.StatusConflict},
		{fmt.Errorf("%w: empty", ErrInvalidInput), "invalid_input", http.StatusBadRequest},
		{&RateLimitError{RetryAfter: time.Second}, "rate_limited", http.StatusTooManyRequests},
		{fmt.Errorf("message %w", ErrNotFound), "not_found", http.StatusNotFound},
		{errors.New("dial tcp: refused"), "storage_unavailable", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, Code(tt.err), tt.err.Error())
		assert.Equal(t, tt.status, HTTPStatus(tt.err), tt.err.Error())
	}
	assert.Empty(t, Code(nil))
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("send: %w", &RateLimitError{RetryAfter: 3 * time.Second})
	retry, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, retry)
	assert.ErrorIs(t, err, ErrRateLimited)

	_, ok = RetryAfter(ErrNotFound)
	assert.False(t, ok)
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(fmt.Errorf("x: %w", ErrStorageUnavailable)))
	assert.True(t, Known(&RateLimitError{}))
	assert.False(t, Known(errors.New("boom")))
}
