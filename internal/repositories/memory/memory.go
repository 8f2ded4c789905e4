// Package memory provides in-process conversation and message stores used by
// tests and by STORAGE_DRIVER=memory deployments.
package memory

import (
	"sync"
	"time"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

// DB holds conversations and their logs behind a single lock so that an
// append and its unread bookkeeping are observed together.
type DB struct {
	mu  sync.RWMutex
	now func() time.Time

	nextConversationID int
	nextMessageID      int
	conversations      map[int]*models.Conversation
	byKey              map[conversationKey]int
	messages           map[int]*models.Message
	logs               map[int][]int
}

type conversationKey struct {
	participants string
	itemID       int
}

// Option customizes a DB.
type Option func(*DB)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New builds an empty DB.
func New(opts ...Option) *DB {
	db := &DB{
		now:           time.Now,
		conversations: make(map[int]*models.Conversation),
		byKey:         make(map[conversationKey]int),
		messages:      make(map[int]*models.Message),
		logs:          make(map[int][]int),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Conversations returns the conversation store view.
func (db *DB) Conversations() *ConversationStore { return &ConversationStore{db: db} }

// Messages returns the message store view.
func (db *DB) Messages() *MessageStore { return &MessageStore{db: db} }

var (
	_ repositories.ConversationRepository = (*ConversationStore)(nil)
	_ repositories.MessageRepository      = (*MessageStore)(nil)
)

func cloneConversation(c *models.Conversation) models.Conversation {
	out := *c
	out.Participants = append([]int(nil), c.Participants...)
	out.ReadStates = make([]models.ReadState, len(c.ReadStates))
	for i, rs := range c.ReadStates {
		if rs.MutedUntil != nil {
			t := *rs.MutedUntil
			rs.MutedUntil = &t
		}
		out.ReadStates[i] = rs
	}
	return out
}

func cloneMessage(m *models.Message) models.Message {
	out := *m
	out.Attachments = append(models.Attachments(nil), m.Attachments...)
	out.ReadBy = append(models.ReadReceipts{}, m.ReadBy...)
	out.Reactions = append(models.Reactions(nil), m.Reactions...)
	out.EditHistory = append(models.EditHistory(nil), m.EditHistory...)
	out.HiddenFor = append(models.IntSet(nil), m.HiddenFor...)
	if m.Offer != nil {
		offer := *m.Offer
		out.Offer = &offer
	}
	return out
}

func readState(c *models.Conversation, userID int) *models.ReadState {
	for i := range c.ReadStates {
		if c.ReadStates[i].UserID == userID {
			return &c.ReadStates[i]
		}
	}
	return nil
}
