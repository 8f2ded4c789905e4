package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// MessageType discriminates message payloads.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageOffer  MessageType = "offer"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageOffer, MessageSystem:
		return true
	}
	return false
}

// DeliveryStatus tracks how far a message got.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// DeleteScope selects who stops seeing a deleted message.
type DeleteScope string

const (
	DeleteForMe       DeleteScope = "me"
	DeleteForEveryone DeleteScope = "everyone"
)

// DeletedPlaceholder replaces the content of messages deleted for everyone.
const DeletedPlaceholder = "This message was deleted"

// System message kinds.
const (
	SystemItemSold            = "item_sold"
	SystemItemReserved        = "item_reserved"
	SystemItemUnreserved      = "item_unreserved"
	SystemUserJoined          = "user_joined"
	SystemUserLeft            = "user_left"
	SystemConversationCreated = "conversation_created"
)

// Message is one entry of a conversation log.
type Message struct {
	ID             int            `json:"id"`
	ConversationID int            `json:"conversation_id"`
	SenderID       *int           `json:"sender_id"`
	Position       int64          `json:"position"`
	Type           MessageType    `json:"type"`
	SystemKind     string         `json:"system_kind,omitempty"`
	Content        string         `json:"content"`
	ReplyToID      *int           `json:"reply_to_id,omitempty"`
	Attachments    Attachments    `json:"attachments,omitempty"`
	Offer          *Offer         `json:"offer,omitempty"`
	Status         DeliveryStatus `json:"status"`
	ReadBy         ReadReceipts   `json:"read_by"`
	Reactions      Reactions      `json:"reactions,omitempty"`
	EditHistory    EditHistory    `json:"edit_history,omitempty"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	DeletedForAll  bool           `json:"deleted_for_all"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	HiddenFor      IntSet         `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewMessage is the input of an append.
type NewMessage struct {
	ConversationID int
	SenderID       *int
	Type           MessageType
	SystemKind     string
	Content        string
	ReplyToID      *int
	Attachments    Attachments
	Offer          *OfferInput
}

// ListOptions selects a page of a conversation log. Before is an exclusive
// position cursor; zero means the latest messages.
type ListOptions struct {
	Limit  int
	Before int64
}

// SentBy reports whether userID authored the message.
func (m Message) SentBy(userID int) bool {
	return m.SenderID != nil && *m.SenderID == userID
}

// HiddenForUser reports whether userID deleted the message for themselves.
func (m Message) HiddenForUser(userID int) bool {
	return m.HiddenFor.Contains(userID)
}

// ApplyExpiry reports pending offers past their expiry as expired.
func (m *Message) ApplyExpiry(now time.Time) {
	if m.Offer != nil {
		m.Offer.Status = m.Offer.EffectiveStatus(now)
	}
}

// Attachment describes a stored file referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// ReadReceipt records when a user read a message.
type ReadReceipt struct {
	UserID int       `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Reaction is a single user's emoji on a message.
type Reaction struct {
	UserID    int       `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// EditRecord keeps a previous version of a message's content.
type EditRecord struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

type (
	Attachments  []Attachment
	ReadReceipts []ReadReceipt
	Reactions    []Reaction
	EditHistory  []EditRecord
	IntSet       []int
)

// Contains reports whether id is in the set.
func (s IntSet) Contains(id int) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Has reports whether userID already read the message.
func (r ReadReceipts) Has(userID int) bool {
	for _, rr := range r {
		if rr.UserID == userID {
			return true
		}
	}
	return false
}

func (a Attachments) Value() (driver.Value, error)  { return jsonValue(a) }
func (a *Attachments) Scan(src any) error           { return jsonScan(src, a) }
func (r ReadReceipts) Value() (driver.Value, error) { return jsonValue(r) }
func (r *ReadReceipts) Scan(src any) error          { return jsonScan(src, r) }
func (r Reactions) Value() (driver.Value, error)    { return jsonValue(r) }
func (r *Reactions) Scan(src any) error             { return jsonScan(src, r) }
func (e EditHistory) Value() (driver.Value, error)  { return jsonValue(e) }
func (e *EditHistory) Scan(src any) error           { return jsonScan(src, e) }
func (s IntSet) Value() (driver.Value, error)       { return jsonValue(s) }
func (s *IntSet) Scan(src any) error                { return jsonScan(src, s) }

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

func jsonScan(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("models: unsupported json column type")
	}
}
