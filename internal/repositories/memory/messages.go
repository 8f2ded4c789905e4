package memory

import (
	"context"
	"time"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

// MessageStore implements repositories.MessageRepository in memory.
type MessageStore struct {
	db *DB
}

// Append validates and stores a message, updating the conversation pointer
// and unread counters under the same lock.
func (s *MessageStore) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	now := s.db.now()
	msg, err := repositories.PrepareMessage(in, now)
	if err != nil {
		return models.Message{}, err
	}
	conv, ok := s.db.conversations[in.ConversationID]
	if !ok || !conv.IsActive {
		return models.Message{}, repositories.ErrConversationNotFound
	}
	if conv.Blocked {
		return models.Message{}, repositories.ErrConversationBlocked
	}

	s.db.nextMessageID++
	conv.MessageSeq++
	msg.ID = s.db.nextMessageID
	msg.Position = conv.MessageSeq
	stored := msg
	s.db.messages[msg.ID] = &stored
	s.db.logs[conv.ID] = append(s.db.logs[conv.ID], msg.ID)

	lastID := stored.ID
	conv.LastMessageID = &lastID
	conv.LastMessageAt = now
	conv.UpdatedAt = now
	if msg.Type != models.MessageSystem {
		incrementUnread(conv, *msg.SenderID)
	}
	return cloneMessage(&stored), nil
}

// Get retrieves a single message.
func (s *MessageStore) Get(ctx context.Context, messageID int) (models.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	msg, ok := s.db.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	out := cloneMessage(msg)
	out.ApplyExpiry(s.db.now())
	return out, nil
}

// ListInConversation returns a page of the log ordered oldest-first.
func (s *MessageStore) ListInConversation(ctx context.Context, conversationID int, viewerID int, opts models.ListOptions) ([]models.Message, error) {
	opts = repositories.NormalizeListOptions(opts)
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	now := s.db.now()
	log := s.db.logs[conversationID]
	page := make([]models.Message, 0, opts.Limit)
	for i := len(log) - 1; i >= 0 && len(page) < opts.Limit; i-- {
		msg := s.db.messages[log[i]]
		if opts.Before > 0 && msg.Position >= opts.Before {
			continue
		}
		if msg.HiddenForUser(viewerID) {
			continue
		}
		out := cloneMessage(msg)
		out.ApplyExpiry(now)
		page = append(page, out)
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// MarkRead adds a read receipt for userID once.
func (s *MessageStore) MarkRead(ctx context.Context, messageID int, userID int) (models.Message, error) {
	return s.mutate(messageID, func(msg *models.Message, now time.Time) error {
		if !msg.ReadBy.Has(userID) {
			msg.ReadBy = append(msg.ReadBy, models.ReadReceipt{UserID: userID, ReadAt: now})
			msg.Status = models.StatusRead
		}
		return nil
	})
}

// UpdateOfferStatus moves a pending, unexpired offer to accepted or declined.
func (s *MessageStore) UpdateOfferStatus(ctx context.Context, messageID int, status models.OfferStatus, actorID int) (models.Message, error) {
	if status != models.OfferAccepted && status != models.OfferDeclined {
		return models.Message{}, repositories.ErrInvalidOfferTransition
	}
	return s.mutate(messageID, func(msg *models.Message, now time.Time) error {
		if msg.Type != models.MessageOffer || msg.Offer == nil || !msg.Offer.CanRespond(now) {
			return repositories.ErrInvalidOfferTransition
		}
		msg.Offer.Status = status
		msg.Offer.RespondedBy = &actorID
		msg.Offer.RespondedAt = &now
		return nil
	})
}

// EditContent replaces the content of a message, keeping the previous version.
func (s *MessageStore) EditContent(ctx context.Context, messageID int, editorID int, content string) (models.Message, error) {
	content, err := repositories.ValidateContent(content)
	if err != nil {
		return models.Message{}, err
	}
	return s.mutate(messageID, func(msg *models.Message, now time.Time) error {
		if err := repositories.CheckEditable(*msg, editorID); err != nil {
			return err
		}
		repositories.ApplyEdit(msg, content, now)
		return nil
	})
}

// SoftDelete hides a message for userID, or for everyone when the sender asks.
func (s *MessageStore) SoftDelete(ctx context.Context, messageID int, userID int, scope models.DeleteScope) (models.Message, error) {
	if scope != models.DeleteForEveryone && scope != models.DeleteForMe {
		return models.Message{}, repositories.ErrInvalidMessage
	}
	return s.mutate(messageID, func(msg *models.Message, now time.Time) error {
		if scope == models.DeleteForMe {
			if !msg.HiddenFor.Contains(userID) {
				msg.HiddenFor = append(msg.HiddenFor, userID)
			}
			return nil
		}
		if !msg.SentBy(userID) {
			return repositories.ErrNotMessageSender
		}
		if !msg.DeletedForAll {
			repositories.ApplyDeleteForAll(msg, now)
		}
		return nil
	})
}

// React sets the user's reaction on a message.
func (s *MessageStore) React(ctx context.Context, messageID int, userID int, emoji string) (models.Message, error) {
	if err := repositories.ValidateEmoji(emoji); err != nil {
		return models.Message{}, err
	}
	return s.mutate(messageID, func(msg *models.Message, now time.Time) error {
		if msg.DeletedForAll {
			return repositories.ErrMessageNotEditable
		}
		repositories.ApplyReaction(msg, userID, emoji, now)
		return nil
	})
}

// Unreact removes the user's reaction, if any.
func (s *MessageStore) Unreact(ctx context.Context, messageID int, userID int) (models.Message, error) {
	return s.mutate(messageID, func(msg *models.Message, now time.Time) error {
		repositories.ApplyReaction(msg, userID, "", now)
		return nil
	})
}

// CountUnreadSince counts messages after the given position that count towards userID's unread total.
func (s *MessageStore) CountUnreadSince(ctx context.Context, conversationID int, userID int, afterPosition int64) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	count := 0
	for _, id := range s.db.logs[conversationID] {
		msg := s.db.messages[id]
		if msg.Position > afterPosition && msg.Type != models.MessageSystem && !msg.SentBy(userID) {
			count++
		}
	}
	return count, nil
}

// mutate applies fn to a copy and stores it only when fn succeeds.
func (s *MessageStore) mutate(messageID int, fn func(*models.Message, time.Time) error) (models.Message, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	stored, ok := s.db.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	now := s.db.now()
	msg := cloneMessage(stored)
	if err := fn(&msg, now); err != nil {
		return models.Message{}, err
	}
	*stored = msg
	out := cloneMessage(stored)
	out.ApplyExpiry(now)
	return out, nil
}
