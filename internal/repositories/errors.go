package repositories

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"marketplace-chat/internal/apperr"
)

var (
	ErrConversationNotFound   = fmt.Errorf("conversation %w", apperr.ErrNotFound)
	ErrMessageNotFound        = fmt.Errorf("message %w", apperr.ErrNotFound)
	ErrInvalidParticipants    = fmt.Errorf("%w: a conversation needs at least two distinct participants", apperr.ErrInvalidInput)
	ErrInvalidContent         = fmt.Errorf("%w: message content must be 1-%d characters", apperr.ErrInvalidInput, MaxContentLength)
	ErrInvalidOffer           = fmt.Errorf("%w: offer amount must be positive", apperr.ErrInvalidInput)
	ErrInvalidMessage         = fmt.Errorf("%w: malformed message", apperr.ErrInvalidInput)
	ErrMessageNotEditable     = fmt.Errorf("%w: message can no longer be changed", apperr.ErrInvalidInput)
	ErrConversationBlocked    = apperr.ErrConversationBlocked
	ErrInvalidOfferTransition = apperr.ErrInvalidOfferTransition
	ErrNotMessageSender       = fmt.Errorf("%w: only the sender may change this message", apperr.ErrAccessDenied)
)

// isUniqueViolation reports whether err is a Postgres unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
