package memory

import (
	"context"
	"sort"
	"time"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

// ConversationStore implements repositories.ConversationRepository in memory.
type ConversationStore struct {
	db *DB
}

// FindOrCreate returns the conversation for the participant set and item, creating it on first use.
func (s *ConversationStore) FindOrCreate(ctx context.Context, participantIDs []int, itemID int) (models.Conversation, bool, error) {
	sorted, ok := models.NormalizeParticipants(participantIDs)
	if !ok {
		return models.Conversation{}, false, repositories.ErrInvalidParticipants
	}
	key := conversationKey{participants: models.ParticipantKey(sorted), itemID: itemID}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	now := s.db.now()
	if id, ok := s.db.byKey[key]; ok {
		conv := s.db.conversations[id]
		if !conv.IsActive {
			conv.IsActive = true
			conv.UpdatedAt = now
		}
		return cloneConversation(conv), false, nil
	}

	s.db.nextConversationID++
	conv := &models.Conversation{
		ID:             s.db.nextConversationID,
		ItemID:         itemID,
		ParticipantKey: key.participants,
		Participants:   sorted,
		LastMessageAt:  now,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, uid := range sorted {
		conv.ReadStates = append(conv.ReadStates, models.ReadState{ConversationID: conv.ID, UserID: uid, LastReadAt: now})
	}
	s.db.conversations[conv.ID] = conv
	s.db.byKey[key] = conv.ID
	return cloneConversation(conv), true, nil
}

// Get fetches a conversation by id.
func (s *ConversationStore) Get(ctx context.Context, conversationID int) (models.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	conv, ok := s.db.conversations[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

// IsParticipant checks whether a user belongs to the conversation.
func (s *ConversationStore) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	conv, ok := s.db.conversations[conversationID]
	return ok && conv.HasParticipant(userID), nil
}

// ListForUser returns the user's active conversations, most recent activity first.
func (s *ConversationStore) ListForUser(ctx context.Context, userID int, page models.Page) ([]models.ConversationSummary, error) {
	page = page.Normalize()
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	matches := make([]*models.Conversation, 0)
	for _, conv := range s.db.conversations {
		if conv.IsActive && conv.HasParticipant(userID) {
			matches = append(matches, conv)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].LastMessageAt.Equal(matches[j].LastMessageAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].LastMessageAt.After(matches[j].LastMessageAt)
	})

	result := []models.ConversationSummary{}
	start := page.Offset()
	if start >= len(matches) {
		return result, nil
	}
	end := start + page.Limit
	if end > len(matches) {
		end = len(matches)
	}
	for _, conv := range matches[start:end] {
		summary := models.ConversationSummary{Conversation: cloneConversation(conv)}
		if rs := readState(conv, userID); rs != nil {
			summary.UnreadCount = rs.UnreadCount
		}
		result = append(result, summary)
	}
	return result, nil
}

// ListIDsForUser returns ids of every active conversation the user takes part in.
func (s *ConversationStore) ListIDsForUser(ctx context.Context, userID int) ([]int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	ids := []int{}
	for id, conv := range s.db.conversations {
		if conv.IsActive && conv.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// MarkRead resets the user's unread counter. It is a no-op for non-participants.
func (s *ConversationStore) MarkRead(ctx context.Context, conversationID int, userID int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	conv, ok := s.db.conversations[conversationID]
	if !ok {
		return nil
	}
	if rs := readState(conv, userID); rs != nil {
		rs.UnreadCount = 0
		rs.LastReadAt = s.db.now()
		rs.LastReadPosition = conv.MessageSeq
	}
	return nil
}

// IncrementUnread bumps the unread counter of every participant except excludingUserID.
func (s *ConversationStore) IncrementUnread(ctx context.Context, conversationID int, excludingUserID int) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	conv, ok := s.db.conversations[conversationID]
	if !ok {
		return repositories.ErrConversationNotFound
	}
	incrementUnread(conv, excludingUserID)
	return nil
}

func incrementUnread(conv *models.Conversation, excludingUserID int) {
	for i := range conv.ReadStates {
		if conv.ReadStates[i].UserID != excludingUserID {
			conv.ReadStates[i].UnreadCount++
		}
	}
}

// TotalUnread sums the user's unread counters across active conversations.
func (s *ConversationStore) TotalUnread(ctx context.Context, userID int) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	total := 0
	for _, conv := range s.db.conversations {
		if !conv.IsActive {
			continue
		}
		if rs := readState(conv, userID); rs != nil {
			total += rs.UnreadCount
		}
	}
	return total, nil
}

// Block stops further messages in the conversation.
func (s *ConversationStore) Block(ctx context.Context, conversationID int, actingUserID int) error {
	return s.update(conversationID, func(conv *models.Conversation, now time.Time) {
		conv.Blocked = true
		conv.BlockedBy = &actingUserID
		conv.BlockedAt = &now
	})
}

// Unblock lifts a block.
func (s *ConversationStore) Unblock(ctx context.Context, conversationID int) error {
	return s.update(conversationID, func(conv *models.Conversation, now time.Time) {
		conv.Blocked = false
		conv.BlockedBy = nil
		conv.BlockedAt = nil
	})
}

// Deactivate hides the conversation from listings without deleting it.
func (s *ConversationStore) Deactivate(ctx context.Context, conversationID int) error {
	return s.update(conversationID, func(conv *models.Conversation, now time.Time) {
		conv.IsActive = false
	})
}

// Mute silences offline notifications for the user until the given time.
func (s *ConversationStore) Mute(ctx context.Context, conversationID int, userID int, until *time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	conv, ok := s.db.conversations[conversationID]
	if !ok {
		return repositories.ErrConversationNotFound
	}
	rs := readState(conv, userID)
	if rs == nil {
		return repositories.ErrConversationNotFound
	}
	if until != nil {
		t := *until
		until = &t
	}
	rs.MutedUntil = until
	return nil
}

func (s *ConversationStore) update(conversationID int, fn func(*models.Conversation, time.Time)) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	conv, ok := s.db.conversations[conversationID]
	if !ok {
		return repositories.ErrConversationNotFound
	}
	now := s.db.now()
	fn(conv, now)
	conv.UpdatedAt = now
	return nil
}
