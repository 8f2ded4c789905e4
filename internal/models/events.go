package models

import (
	"encoding/json"
	"time"
)

// Inbound event types accepted on the websocket.
const (
	EventJoin              = "join"
	EventLeave             = "leave"
	EventSendMessage       = "sendMessage"
	EventTypingStart       = "typingStart"
	EventTypingStop        = "typingStop"
	EventMarkRead          = "markRead"
	EventOfferStatusUpdate = "offerStatusUpdate"
	EventEditMessage       = "editMessage"
	EventDeleteMessage     = "deleteMessage"
	EventReact             = "react"
	EventPing              = "ping"
	EventGetOnlineUsers    = "getOnlineUsers"
)

// Outbound event types emitted to clients.
const (
	EventNewMessage            = "newMessage"
	EventUserTyping            = "userTyping"
	EventUserStoppedTyping     = "userStoppedTyping"
	EventMessageRead           = "messageRead"
	EventUserStatusChanged     = "userStatusChanged"
	EventOfferUpdated          = "offerUpdated"
	EventMessageEdited         = "messageEdited"
	EventMessageDeleted        = "messageDeleted"
	EventMessageReacted        = "messageReacted"
	EventConversationCreated   = "conversationCreated"
	EventConversationBlocked   = "conversationBlocked"
	EventConversationUnblocked = "conversationUnblocked"
	EventJoined                = "joined"
	EventLeft                  = "left"
	EventPong                  = "pong"
	EventOnlineUsers           = "onlineUsers"
	EventError                 = "error"
)

// Envelope is the wire frame for client to server events. Data is decoded
// into the payload type matching Type.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is the wire frame for server to client events.
type OutboundEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type ConversationRef struct {
	ConversationID int `json:"conversation_id"`
}

type SendMessagePayload struct {
	ConversationID int         `json:"conversation_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type,omitempty"`
	Offer          *OfferInput `json:"offer,omitempty"`
	Attachments    Attachments `json:"attachments,omitempty"`
	ReplyToID      *int        `json:"reply_to_id,omitempty"`
}

type MarkReadPayload struct {
	ConversationID int `json:"conversation_id"`
	MessageID      int `json:"message_id,omitempty"`
}

type OfferStatusPayload struct {
	MessageID int         `json:"message_id"`
	Status    OfferStatus `json:"status"`
}

type EditMessagePayload struct {
	MessageID int    `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	MessageID int         `json:"message_id"`
	Scope     DeleteScope `json:"scope"`
}

type ReactPayload struct {
	MessageID int    `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type NewMessageEvent struct {
	ConversationID int     `json:"conversation_id"`
	Message        Message `json:"message"`
}

type TypingEvent struct {
	ConversationID int `json:"conversation_id"`
	UserID         int `json:"user_id"`
}

type ReadEvent struct {
	ConversationID int       `json:"conversation_id"`
	UserID         int       `json:"user_id"`
	MessageID      int       `json:"message_id,omitempty"`
	ReadAt         time.Time `json:"read_at"`
}

type StatusEvent struct {
	UserID    int       `json:"user_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageDeletedEvent struct {
	ConversationID int         `json:"conversation_id"`
	MessageID      int         `json:"message_id"`
	Scope          DeleteScope `json:"scope"`
}

type BlockEvent struct {
	ConversationID int `json:"conversation_id"`
	UserID         int `json:"user_id"`
}

type OnlineUsersEvent struct {
	Users []int `json:"users"`
}

// ErrorEvent is only ever sent to the connection that caused it.
type ErrorEvent struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// OfflineNotification asks the notification collaborator to reach a user
// with no live connection.
type OfflineNotification struct {
	UserID         int         `json:"user_id"`
	SenderID       int         `json:"sender_id"`
	ConversationID int         `json:"conversation_id"`
	ItemID         int         `json:"item_id"`
	MessageID      int         `json:"message_id"`
	MessageType    MessageType `json:"message_type"`
	Preview        string      `json:"preview"`
	SentAt         time.Time   `json:"sent_at"`
}
