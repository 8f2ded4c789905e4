package repositories

import (
	"strings"
	"time"
	"unicode/utf8"

	"marketplace-chat/internal/models"
)

const (
	MaxContentLength    = 2000
	DefaultMessageLimit = 50
	MaxMessageLimit     = 100
)

var systemKinds = map[string]bool{
	models.SystemItemSold:            true,
	models.SystemItemReserved:        true,
	models.SystemItemUnreserved:      true,
	models.SystemUserJoined:          true,
	models.SystemUserLeft:            true,
	models.SystemConversationCreated: true,
}

// ValidSystemKind reports whether kind names a known system event.
func ValidSystemKind(kind string) bool {
	return systemKinds[kind]
}

// ValidateContent trims content and checks its length.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	n := utf8.RuneCountInString(content)
	if n == 0 || n > MaxContentLength {
		return "", ErrInvalidContent
	}
	return content, nil
}

// PrepareMessage validates an append request and builds the message to store.
// ID and Position are left for the store to assign.
func PrepareMessage(in models.NewMessage, now time.Time) (models.Message, error) {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() {
		return models.Message{}, ErrInvalidMessage
	}
	content, err := ValidateContent(in.Content)
	if err != nil {
		return models.Message{}, err
	}
	if in.Type == models.MessageSystem {
		if in.SenderID != nil || !ValidSystemKind(in.SystemKind) {
			return models.Message{}, ErrInvalidMessage
		}
	} else if in.SenderID == nil || in.SystemKind != "" {
		return models.Message{}, ErrInvalidMessage
	}
	if len(in.Attachments) > 0 && in.Type != models.MessageFile && in.Type != models.MessageImage {
		return models.Message{}, ErrInvalidMessage
	}

	msg := models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		SystemKind:     in.SystemKind,
		Content:        content,
		ReplyToID:      in.ReplyToID,
		Attachments:    in.Attachments,
		Status:         models.StatusSent,
		ReadBy:         models.ReadReceipts{},
		CreatedAt:      now,
	}
	if in.Type == models.MessageOffer {
		if in.Offer == nil || !(in.Offer.Amount > 0) {
			return models.Message{}, ErrInvalidOffer
		}
		offer := in.Offer.Build(now)
		if !offer.ExpiresAt.After(now) {
			return models.Message{}, ErrInvalidOffer
		}
		msg.Offer = &offer
	} else if in.Offer != nil {
		return models.Message{}, ErrInvalidMessage
	}
	return msg, nil
}

// CheckEditable verifies editorID may replace the content of msg.
func CheckEditable(msg models.Message, editorID int) error {
	if !msg.SentBy(editorID) {
		return ErrNotMessageSender
	}
	if msg.DeletedForAll || msg.Type == models.MessageSystem {
		return ErrMessageNotEditable
	}
	return nil
}

// ApplyEdit records the previous content in the history and installs the new one.
func ApplyEdit(msg *models.Message, content string, now time.Time) {
	msg.EditHistory = append(msg.EditHistory, models.EditRecord{Content: msg.Content, EditedAt: now})
	msg.Content = content
	msg.EditedAt = &now
}

// ApplyDeleteForAll replaces the message body with the tombstone.
func ApplyDeleteForAll(msg *models.Message, now time.Time) {
	msg.DeletedForAll = true
	msg.DeletedAt = &now
	msg.Content = models.DeletedPlaceholder
	msg.Attachments = nil
}

// ApplyReaction sets userID's reaction, replacing any previous one. An empty
// emoji removes it. Returns false when nothing changed.
func ApplyReaction(msg *models.Message, userID int, emoji string, now time.Time) bool {
	out := msg.Reactions[:0:0]
	changed := false
	for _, r := range msg.Reactions {
		if r.UserID == userID {
			if r.Emoji == emoji {
				return false
			}
			changed = true
			continue
		}
		out = append(out, r)
	}
	if emoji != "" {
		out = append(out, models.Reaction{UserID: userID, Emoji: emoji, CreatedAt: now})
		changed = true
	}
	msg.Reactions = out
	return changed
}

// ValidateEmoji bounds reaction payloads.
func ValidateEmoji(emoji string) error {
	n := utf8.RuneCountInString(emoji)
	if strings.TrimSpace(emoji) == "" || n > 16 {
		return ErrInvalidMessage
	}
	return nil
}

// NormalizeListOptions applies the message page defaults.
func NormalizeListOptions(opts models.ListOptions) models.ListOptions {
	if opts.Limit <= 0 {
		opts.Limit = DefaultMessageLimit
	}
	if opts.Limit > MaxMessageLimit {
		opts.Limit = MaxMessageLimit
	}
	if opts.Before < 0 {
		opts.Before = 0
	}
	return opts
}
