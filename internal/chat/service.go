// Package chat enforces the conversation rules shared by the REST handlers and
// the websocket gateway.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/ratelimit"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/telemetry"
)

const (
	publishStripes = 64
	previewLength  = 120
)

// Actor identifies who performs an operation. ConnID is set for websocket
// calls so the originating connection can be skipped where the client
// already knows the outcome.
type Actor struct {
	UserID int
	ConnID string
}

func (a Actor) except() presence.Exclude {
	return presence.ExceptConn(a.ConnID)
}

// Broadcaster fans events out to subscribed connections.
type Broadcaster interface {
	Broadcast(conversationID int, event models.OutboundEvent, excludes ...presence.Exclude) int
	BroadcastToUser(userID int, event models.OutboundEvent, excludes ...presence.Exclude) int
	SubscribeUser(userID int, conversationID int)
}

// PresenceChecker answers presence queries.
type PresenceChecker interface {
	IsOnline(userID int) bool
	Status(ctx context.Context, userID int) presence.Status
}

// Catalog resolves items and their sellers.
type Catalog interface {
	GetItem(ctx context.Context, itemID int) (models.Item, error)
}

// Notifier reaches users that have no live connection.
type Notifier interface {
	NotifyOffline(ctx context.Context, n models.OfflineNotification) error
}

// Auditor records security relevant decisions.
type Auditor interface {
	Emit(ctx context.Context, level, action string, userID int, attrs map[string]any)
}

// Deps wires a Service. Conversations, Messages, Hub and Presence are required.
type Deps struct {
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Catalog       Catalog
	Hub           Broadcaster
	Presence      PresenceChecker
	Limiter       ratelimit.Limiter
	Notifier      Notifier
	Audit         Auditor
	Logger        *zap.Logger
	Now           func() time.Time
}

type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	catalog       Catalog
	hub           Broadcaster
	presence      PresenceChecker
	limiter       ratelimit.Limiter
	notifier      Notifier
	audit         Auditor
	logger        *zap.Logger
	now           func() time.Time

	// publish serializes append and fan-out per conversation so every
	// subscriber sees newMessage events in position order.
	publish [publishStripes]sync.Mutex
}

func NewService(d Deps) *Service {
	s := &Service{
		conversations: d.Conversations,
		messages:      d.Messages,
		catalog:       d.Catalog,
		hub:           d.Hub,
		presence:      d.Presence,
		limiter:       d.Limiter,
		notifier:      d.Notifier,
		audit:         d.Audit,
		logger:        d.Logger,
		now:           d.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.audit == nil {
		s.audit = nopAuditor{}
	}
	return s
}

type nopAuditor struct{}

func (nopAuditor) Emit(context.Context, string, string, int, map[string]any) {}

func (s *Service) lockFor(conversationID int) *sync.Mutex {
	return &s.publish[uint(conversationID)%publishStripes]
}

// StartConversation finds or creates the conversation between the actor and
// participantID about itemID. A zero participantID means the item's seller.
func (s *Service) StartConversation(ctx context.Context, actor Actor, itemID, participantID int) (models.Conversation, bool, error) {
	if itemID <= 0 {
		return models.Conversation{}, false, fmt.Errorf("%w: item_id is required", apperr.ErrInvalidInput)
	}

	item, err := s.getItem(ctx, itemID)
	switch {
	case err == nil:
		if participantID == 0 {
			participantID = item.SellerID
		}
	case errors.Is(err, apperr.ErrNotFound):
		return models.Conversation{}, false, err
	case participantID != 0:
		s.logger.Warn("catalog unavailable, skipping item check",
			zap.Int("item_id", itemID), zap.Error(err))
	default:
		return models.Conversation{}, false, s.wrap(err)
	}

	conv, created, err := s.conversations.FindOrCreate(ctx, []int{actor.UserID, participantID}, itemID)
	if err != nil {
		return models.Conversation{}, false, s.wrap(err)
	}
	if created {
		for _, userID := range conv.Participants {
			s.hub.SubscribeUser(userID, conv.ID)
		}
		s.hub.Broadcast(conv.ID, models.OutboundEvent{Type: models.EventConversationCreated, Data: conv})
	}
	return conv, created, nil
}

func (s *Service) getItem(ctx context.Context, itemID int) (models.Item, error) {
	if s.catalog == nil {
		return models.Item{}, fmt.Errorf("%w: no catalog configured", apperr.ErrStorageUnavailable)
	}
	return s.catalog.GetItem(ctx, itemID)
}

// ListConversations returns the user's active conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID int, page models.Page) ([]models.ConversationSummary, error) {
	list, err := s.conversations.ListForUser(ctx, userID, page)
	if err != nil {
		return nil, s.wrap(err)
	}
	return list, nil
}

// GetConversation returns a conversation and marks it read for the actor.
func (s *Service) GetConversation(ctx context.Context, actor Actor, conversationID int) (models.Conversation, error) {
	conv, err := s.participantConversation(ctx, conversationID, actor.UserID)
	if err != nil {
		return models.Conversation{}, err
	}
	rs, _ := conv.ReadStateFor(actor.UserID)
	if rs.UnreadCount == 0 {
		return conv, nil
	}

	if err := s.conversations.MarkRead(ctx, conversationID, actor.UserID); err != nil {
		return models.Conversation{}, s.wrap(err)
	}
	conv, err = s.conversations.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, s.wrap(err)
	}
	s.hub.Broadcast(conversationID, models.OutboundEvent{
		Type: models.EventMessageRead,
		Data: models.ReadEvent{ConversationID: conversationID, UserID: actor.UserID, ReadAt: s.now()},
	}, actor.except())
	return conv, nil
}

// ListMessages returns a page of the conversation log as seen by userID.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID int, opts models.ListOptions) ([]models.Message, error) {
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListInConversation(ctx, conversationID, userID, opts)
	if err != nil {
		return nil, s.wrap(err)
	}
	return msgs, nil
}

// SendMessage validates, persists and fans out a message. The rate limit is
// checked before anything is written.
func (s *Service) SendMessage(ctx context.Context, actor Actor, conversationID int, in models.SendMessagePayload) (models.Message, error) {
	if err := s.checkRate(ctx, "msg:"+strconv.Itoa(actor.UserID)); err != nil {
		return models.Message{}, err
	}

	conv, err := s.participantConversation(ctx, conversationID, actor.UserID)
	if err != nil {
		return models.Message{}, err
	}
	if conv.Blocked {
		return models.Message{}, repositories.ErrConversationBlocked
	}
	if in.ReplyToID != nil {
		target, err := s.messages.Get(ctx, *in.ReplyToID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return models.Message{}, s.wrap(err)
		}
		if err != nil || target.ConversationID != conversationID {
			return models.Message{}, fmt.Errorf("%w: reply target is not in this conversation", apperr.ErrInvalidInput)
		}
	}
	if in.Type == models.MessageSystem {
		return models.Message{}, fmt.Errorf("%w: system messages cannot be sent by users", apperr.ErrInvalidInput)
	}

	senderID := actor.UserID
	mu := s.lockFor(conversationID)
	mu.Lock()
	msg, err := s.messages.Append(ctx, models.NewMessage{
		ConversationID: conversationID,
		SenderID:       &senderID,
		Type:           in.Type,
		Content:        in.Content,
		ReplyToID:      in.ReplyToID,
		Attachments:    in.Attachments,
		Offer:          in.Offer,
	})
	if err != nil {
		mu.Unlock()
		return models.Message{}, s.wrap(err)
	}
	s.hub.Broadcast(conversationID, models.OutboundEvent{
		Type: models.EventNewMessage,
		Data: models.NewMessageEvent{ConversationID: conversationID, Message: msg},
	})
	mu.Unlock()

	observability.IncMessageSent(string(msg.Type))
	s.notifyOffline(ctx, conv, msg)
	return msg, nil
}

func (s *Service) checkRate(ctx context.Context, key string) error {
	if s.limiter == nil {
		return nil
	}
	decision, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !decision.Allowed {
		observability.IncRateLimited("message")
		return &apperr.RateLimitError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

func (s *Service) notifyOffline(ctx context.Context, conv models.Conversation, msg models.Message) {
	if s.notifier == nil || msg.Type == models.MessageSystem || msg.SenderID == nil {
		return
	}
	now := s.now()
	for _, userID := range conv.Others(*msg.SenderID) {
		if s.presence.IsOnline(userID) || conv.IsMuted(userID, now) {
			continue
		}
		n := models.OfflineNotification{
			UserID:         userID,
			SenderID:       *msg.SenderID,
			ConversationID: conv.ID,
			ItemID:         conv.ItemID,
			MessageID:      msg.ID,
			MessageType:    msg.Type,
			Preview:        preview(msg),
			SentAt:         msg.CreatedAt,
		}
		if err := s.notifier.NotifyOffline(ctx, n); err != nil {
			s.logger.Warn("offline notification not queued",
				zap.Int("user_id", userID), zap.Int("message_id", msg.ID), zap.Error(err))
		}
	}
}

func preview(msg models.Message) string {
	if msg.Type == models.MessageOffer && msg.Offer != nil {
		return fmt.Sprintf("Offer: %.2f %s", msg.Offer.Amount, msg.Offer.Currency)
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	return string([]rune(msg.Content)[:previewLength]) + "…"
}

// MarkRead refreshes the actor's read state. With a messageID the message
// also records a read receipt.
func (s *Service) MarkRead(ctx context.Context, actor Actor, conversationID, messageID int) error {
	if _, err := s.participantConversation(ctx, conversationID, actor.UserID); err != nil {
		return err
	}
	if messageID != 0 {
		msg, err := s.messages.Get(ctx, messageID)
		if err != nil {
			return s.wrap(err)
		}
		if msg.ConversationID != conversationID {
			return fmt.Errorf("%w: message %d is not in conversation %d", apperr.ErrInvalidInput, messageID, conversationID)
		}
		if !msg.SentBy(actor.UserID) {
			if _, err := s.messages.MarkRead(ctx, messageID, actor.UserID); err != nil {
				return s.wrap(err)
			}
		}
	}
	if err := s.conversations.MarkRead(ctx, conversationID, actor.UserID); err != nil {
		return s.wrap(err)
	}
	s.hub.Broadcast(conversationID, models.OutboundEvent{
		Type: models.EventMessageRead,
		Data: models.ReadEvent{
			ConversationID: conversationID,
			UserID:         actor.UserID,
			MessageID:      messageID,
			ReadAt:         s.now(),
		},
	}, actor.except())
	return nil
}

// UpdateOfferStatus accepts or declines a pending offer. Only a participant
// other than the offer's sender may respond.
func (s *Service) UpdateOfferStatus(ctx context.Context, actor Actor, messageID int, status models.OfferStatus) (models.Message, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, s.wrap(err)
	}
	conv, err := s.participantConversation(ctx, msg.ConversationID, actor.UserID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.Type != models.MessageOffer || msg.Offer == nil {
		return models.Message{}, repositories.ErrInvalidOfferTransition
	}
	if msg.SentBy(actor.UserID) {
		return models.Message{}, fmt.Errorf("%w: the sender cannot respond to their own offer", apperr.ErrAccessDenied)
	}
	if conv.Blocked {
		return models.Message{}, repositories.ErrConversationBlocked
	}

	mu := s.lockFor(conv.ID)
	mu.Lock()
	updated, err := s.messages.UpdateOfferStatus(ctx, messageID, status, actor.UserID)
	if err != nil {
		mu.Unlock()
		return models.Message{}, s.wrap(err)
	}
	s.hub.Broadcast(conv.ID, models.OutboundEvent{Type: models.EventOfferUpdated, Data: updated})
	mu.Unlock()

	s.audit.Emit(ctx, "info", telemetry.ActionOfferResponded, actor.UserID, map[string]any{
		"conversation_id": conv.ID,
		"message_id":      messageID,
		"status":          string(status),
	})
	return updated, nil
}

// EditMessage replaces the content of the actor's own message.
func (s *Service) EditMessage(ctx context.Context, actor Actor, messageID int, content string) (models.Message, error) {
	conv, err := s.messageConversation(ctx, messageID, actor.UserID)
	if err != nil {
		return models.Message{}, err
	}
	if conv.Blocked {
		return models.Message{}, repositories.ErrConversationBlocked
	}
	updated, err := s.messages.EditContent(ctx, messageID, actor.UserID, content)
	if err != nil {
		return models.Message{}, s.wrap(err)
	}
	s.hub.Broadcast(conv.ID, models.OutboundEvent{Type: models.EventMessageEdited, Data: updated})
	return updated, nil
}

// DeleteMessage hides a message for the actor or, for its sender, tombstones
// it for everyone.
func (s *Service) DeleteMessage(ctx context.Context, actor Actor, messageID int, scope models.DeleteScope) (models.Message, error) {
	if scope == "" {
		scope = models.DeleteForMe
	}
	if scope != models.DeleteForMe && scope != models.DeleteForEveryone {
		return models.Message{}, fmt.Errorf("%w: unknown delete scope %q", apperr.ErrInvalidInput, scope)
	}
	conv, err := s.messageConversation(ctx, messageID, actor.UserID)
	if err != nil {
		return models.Message{}, err
	}
	updated, err := s.messages.SoftDelete(ctx, messageID, actor.UserID, scope)
	if err != nil {
		return models.Message{}, s.wrap(err)
	}

	event := models.OutboundEvent{
		Type: models.EventMessageDeleted,
		Data: models.MessageDeletedEvent{ConversationID: conv.ID, MessageID: messageID, Scope: scope},
	}
	if scope == models.DeleteForMe {
		s.hub.BroadcastToUser(actor.UserID, event)
		return updated, nil
	}
	s.hub.Broadcast(conv.ID, event)
	s.audit.Emit(ctx, "info", telemetry.ActionMessageDeleted, actor.UserID, map[string]any{
		"conversation_id": conv.ID,
		"message_id":      messageID,
	})
	return updated, nil
}

// React sets the actor's reaction on a message.
func (s *Service) React(ctx context.Context, actor Actor, messageID int, emoji string) (models.Message, error) {
	conv, err := s.messageConversation(ctx, messageID, actor.UserID)
	if err != nil {
		return models.Message{}, err
	}
	if conv.Blocked {
		return models.Message{}, repositories.ErrConversationBlocked
	}
	updated, err := s.messages.React(ctx, messageID, actor.UserID, emoji)
	if err != nil {
		return models.Message{}, s.wrap(err)
	}
	s.hub.Broadcast(conv.ID, models.OutboundEvent{Type: models.EventMessageReacted, Data: updated})
	return updated, nil
}

// Unreact removes the actor's reaction from a message.
func (s *Service) Unreact(ctx context.Context, actor Actor, messageID int) (models.Message, error) {
	conv, err := s.messageConversation(ctx, messageID, actor.UserID)
	if err != nil {
		return models.Message{}, err
	}
	updated, err := s.messages.Unreact(ctx, messageID, actor.UserID)
	if err != nil {
		return models.Message{}, s.wrap(err)
	}
	s.hub.Broadcast(conv.ID, models.OutboundEvent{Type: models.EventMessageReacted, Data: updated})
	return updated, nil
}

// Block stops all participants from sending. Blocking twice by the same user is a no-op.
func (s *Service) Block(ctx context.Context, actor Actor, conversationID int) (models.Conversation, error) {
	conv, err := s.participantConversation(ctx, conversationID, actor.UserID)
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.Blocked {
		if conv.BlockedBy != nil && *conv.BlockedBy == actor.UserID {
			return conv, nil
		}
		return models.Conversation{}, repositories.ErrConversationBlocked
	}

	if err := s.conversations.Block(ctx, conversationID, actor.UserID); err != nil {
		return models.Conversation{}, s.wrap(err)
	}
	conv, err = s.conversations.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, s.wrap(err)
	}
	s.hub.Broadcast(conversationID, models.OutboundEvent{
		Type: models.EventConversationBlocked,
		Data: models.BlockEvent{ConversationID: conversationID, UserID: actor.UserID},
	})
	s.audit.Emit(ctx, "warn", telemetry.ActionConversationBlocked, actor.UserID, map[string]any{
		"conversation_id": conversationID,
	})
	return conv, nil
}

// Unblock lifts a block. Only the participant who blocked may unblock.
func (s *Service) Unblock(ctx context.Context, actor Actor, conversationID int) (models.Conversation, error) {
	conv, err := s.participantConversation(ctx, conversationID, actor.UserID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.Blocked {
		return conv, nil
	}
	if conv.BlockedBy != nil && *conv.BlockedBy != actor.UserID {
		return models.Conversation{}, fmt.Errorf("%w: only the blocking participant can unblock", apperr.ErrAccessDenied)
	}

	if err := s.conversations.Unblock(ctx, conversationID); err != nil {
		return models.Conversation{}, s.wrap(err)
	}
	conv, err = s.conversations.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, s.wrap(err)
	}
	s.hub.Broadcast(conversationID, models.OutboundEvent{
		Type: models.EventConversationUnblocked,
		Data: models.BlockEvent{ConversationID: conversationID, UserID: actor.UserID},
	})
	s.audit.Emit(ctx, "info", telemetry.ActionConversationUnblocked, actor.UserID, map[string]any{
		"conversation_id": conversationID,
	})
	return conv, nil
}

// Mute silences offline notifications for the actor until the given time.
// A nil until unmutes.
func (s *Service) Mute(ctx context.Context, actor Actor, conversationID int, until *time.Time) error {
	if _, err := s.participantConversation(ctx, conversationID, actor.UserID); err != nil {
		return err
	}
	if err := s.conversations.Mute(ctx, conversationID, actor.UserID, until); err != nil {
		return s.wrap(err)
	}
	return nil
}

// Archive deactivates a conversation for every participant.
func (s *Service) Archive(ctx context.Context, actor Actor, conversationID int) error {
	if _, err := s.participantConversation(ctx, conversationID, actor.UserID); err != nil {
		return err
	}
	if err := s.conversations.Deactivate(ctx, conversationID); err != nil {
		return s.wrap(err)
	}
	return nil
}

var systemDefaults = map[string]string{
	models.SystemItemSold:            "This item has been sold",
	models.SystemItemReserved:        "This item has been reserved",
	models.SystemItemUnreserved:      "This item is available again",
	models.SystemUserJoined:          "A user joined the conversation",
	models.SystemUserLeft:            "A user left the conversation",
	models.SystemConversationCreated: "Conversation started",
}

// SendSystemMessage posts an item lifecycle notice. Only the item's seller
// may post one.
func (s *Service) SendSystemMessage(ctx context.Context, actor Actor, conversationID int, kind, content string) (models.Message, error) {
	if !repositories.ValidSystemKind(kind) {
		return models.Message{}, fmt.Errorf("%w: unknown system message kind %q", apperr.ErrInvalidInput, kind)
	}
	conv, err := s.participantConversation(ctx, conversationID, actor.UserID)
	if err != nil {
		return models.Message{}, err
	}
	item, err := s.getItem(ctx, conv.ItemID)
	if err != nil {
		return models.Message{}, s.wrap(err)
	}
	if item.SellerID != actor.UserID {
		return models.Message{}, fmt.Errorf("%w: only the seller can post item updates", apperr.ErrAccessDenied)
	}
	if content == "" {
		content = systemDefaults[kind]
	}

	mu := s.lockFor(conversationID)
	mu.Lock()
	msg, err := s.messages.Append(ctx, models.NewMessage{
		ConversationID: conversationID,
		Type:           models.MessageSystem,
		SystemKind:     kind,
		Content:        content,
	})
	if err != nil {
		mu.Unlock()
		return models.Message{}, s.wrap(err)
	}
	s.hub.Broadcast(conversationID, models.OutboundEvent{
		Type: models.EventNewMessage,
		Data: models.NewMessageEvent{ConversationID: conversationID, Message: msg},
	})
	mu.Unlock()

	observability.IncMessageSent(string(msg.Type))
	s.audit.Emit(ctx, "info", telemetry.ActionSystemMessage, actor.UserID, map[string]any{
		"conversation_id": conversationID,
		"kind":            kind,
	})
	return msg, nil
}

// Typing relays a typing indicator to the other participants' connections.
func (s *Service) Typing(ctx context.Context, actor Actor, conversationID int, started bool) error {
	if err := s.JoinAuthorized(ctx, actor.UserID, conversationID); err != nil {
		return err
	}
	eventType := models.EventUserStoppedTyping
	if started {
		eventType = models.EventUserTyping
	}
	s.hub.Broadcast(conversationID, models.OutboundEvent{
		Type: eventType,
		Data: models.TypingEvent{ConversationID: conversationID, UserID: actor.UserID},
	}, presence.ExceptUser(actor.UserID))
	return nil
}

// JoinAuthorized fails with ErrAccessDenied unless userID participates in the conversation.
func (s *Service) JoinAuthorized(ctx context.Context, userID, conversationID int) error {
	ok, err := s.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return s.wrap(err)
	}
	if !ok {
		return fmt.Errorf("%w: not a participant of conversation %d", apperr.ErrAccessDenied, conversationID)
	}
	return nil
}

// ConversationIDs lists the conversations a new connection subscribes to.
func (s *Service) ConversationIDs(ctx context.Context, userID int) ([]int, error) {
	ids, err := s.conversations.ListIDsForUser(ctx, userID)
	if err != nil {
		return nil, s.wrap(err)
	}
	return ids, nil
}

// TotalUnread sums the user's unread counters.
func (s *Service) TotalUnread(ctx context.Context, userID int) (int, error) {
	total, err := s.conversations.TotalUnread(ctx, userID)
	if err != nil {
		return 0, s.wrap(err)
	}
	return total, nil
}

// OnlineContacts returns the online users sharing a conversation with userID.
func (s *Service) OnlineContacts(ctx context.Context, userID int) ([]int, error) {
	ids, err := s.conversations.ListIDsForUser(ctx, userID)
	if err != nil {
		return nil, s.wrap(err)
	}
	seen := make(map[int]struct{})
	online := []int{}
	for _, id := range ids {
		conv, err := s.conversations.Get(ctx, id)
		if err != nil {
			return nil, s.wrap(err)
		}
		for _, other := range conv.Others(userID) {
			if _, dup := seen[other]; dup {
				continue
			}
			seen[other] = struct{}{}
			if s.presence.IsOnline(other) {
				online = append(online, other)
			}
		}
	}
	sort.Ints(online)
	return online, nil
}

// UserPresence reports whether target is online. The viewer must share a
// conversation with target.
func (s *Service) UserPresence(ctx context.Context, viewerID, target int) (presence.Status, error) {
	if viewerID != target {
		ids, err := s.conversations.ListIDsForUser(ctx, viewerID)
		if err != nil {
			return presence.Status{}, s.wrap(err)
		}
		shared := false
		for _, id := range ids {
			ok, err := s.conversations.IsParticipant(ctx, id, target)
			if err != nil {
				return presence.Status{}, s.wrap(err)
			}
			if ok {
				shared = true
				break
			}
		}
		if !shared {
			return presence.Status{}, fmt.Errorf("%w: no shared conversation", apperr.ErrAccessDenied)
		}
	}
	return s.presence.Status(ctx, target), nil
}

func (s *Service) participantConversation(ctx context.Context, conversationID, userID int) (models.Conversation, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, s.wrap(err)
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, fmt.Errorf("%w: not a participant of conversation %d", apperr.ErrAccessDenied, conversationID)
	}
	return conv, nil
}

func (s *Service) messageConversation(ctx context.Context, messageID, userID int) (models.Conversation, error) {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return models.Conversation{}, s.wrap(err)
	}
	return s.participantConversation(ctx, msg.ConversationID, userID)
}

// wrap passes taxonomy errors through and reports anything else as a
// storage failure.
func (s *Service) wrap(err error) error {
	if err == nil || apperr.Known(err) {
		return err
	}
	s.logger.Error("storage failure", zap.Error(err))
	return fmt.Errorf("%w: %v", apperr.ErrStorageUnavailable, err)
}
