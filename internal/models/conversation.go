package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Conversation is a thread between two or more users about one item.
type Conversation struct {
	ID             int         `db:"id" json:"id"`
	ItemID         int         `db:"item_id" json:"item_id"`
	ParticipantKey string      `db:"participant_key" json:"-"`
	Participants   []int       `db:"-" json:"participants"`
	ReadStates     []ReadState `db:"-" json:"read_states,omitempty"`
	MessageSeq     int64       `db:"message_seq" json:"last_position"`
	LastMessageID  *int        `db:"last_message_id" json:"last_message_id,omitempty"`
	LastMessageAt  time.Time   `db:"last_message_at" json:"last_message_at"`
	Blocked        bool        `db:"blocked" json:"blocked"`
	BlockedBy      *int        `db:"blocked_by" json:"blocked_by,omitempty"`
	BlockedAt      *time.Time  `db:"blocked_at" json:"blocked_at,omitempty"`
	IsActive       bool        `db:"is_active" json:"is_active"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// ReadState is one participant's read progress in a conversation.
type ReadState struct {
	ConversationID   int        `db:"conversation_id" json:"-"`
	UserID           int        `db:"user_id" json:"user_id"`
	LastReadAt       time.Time  `db:"last_read_at" json:"last_read_at"`
	LastReadPosition int64      `db:"last_read_position" json:"last_read_position"`
	UnreadCount      int        `db:"unread_count" json:"unread_count"`
	MutedUntil       *time.Time `db:"muted_until" json:"muted_until,omitempty"`
}

// ConversationSummary is a conversation annotated for one viewer.
type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}

// Page selects a window of a paginated listing.
type Page struct {
	Page  int
	Limit int
}

// Normalize applies defaults and bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID int) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// ReadStateFor returns the read state of a participant.
func (c Conversation) ReadStateFor(userID int) (ReadState, bool) {
	for _, rs := range c.ReadStates {
		if rs.UserID == userID {
			return rs, true
		}
	}
	return ReadState{}, false
}

// IsMuted reports whether userID silenced notifications for this conversation at t.
func (c Conversation) IsMuted(userID int, t time.Time) bool {
	rs, ok := c.ReadStateFor(userID)
	return ok && rs.MutedUntil != nil && rs.MutedUntil.After(t)
}

// Others returns every participant except userID.
func (c Conversation) Others(userID int) []int {
	out := make([]int, 0, len(c.Participants))
	for _, id := range c.Participants {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// NormalizeParticipants sorts ids ascending. The second result is false when
// the set holds fewer than two ids or repeats one.
func NormalizeParticipants(ids []int) ([]int, bool) {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	if len(out) < 2 {
		return out, false
	}
	for i := 1; i < len(out); i++ {
		if out[i] == out[i-1] {
			return out, false
		}
	}
	return out, true
}

// ParticipantKey renders a sorted participant set as its unique key.
func ParticipantKey(sorted []int) string {
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ":")
}
