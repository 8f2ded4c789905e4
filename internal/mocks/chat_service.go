package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/presence"
)

type ChatServiceMock struct {
	mock.Mock
}

func (m *ChatServiceMock) StartConversation(ctx context.Context, actor chat.Actor, itemID, participantID int) (models.Conversation, bool, error) {
	args := m.Called(ctx, actor, itemID, participantID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ChatServiceMock) ListConversations(ctx context.Context, userID int, page models.Page) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID, page)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ChatServiceMock) GetConversation(ctx context.Context, actor chat.Actor, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, actor, conversationID)
	return conversationArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) ListMessages(ctx context.Context, userID, conversationID int, opts models.ListOptions) ([]models.Message, error) {
	args := m.Called(ctx, userID, conversationID, opts)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ChatServiceMock) SendMessage(ctx context.Context, actor chat.Actor, conversationID int, in models.SendMessagePayload) (models.Message, error) {
	args := m.Called(ctx, actor, conversationID, in)
	return messageArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) MarkRead(ctx context.Context, actor chat.Actor, conversationID, messageID int) error {
	args := m.Called(ctx, actor, conversationID, messageID)
	return args.Error(0)
}

func (m *ChatServiceMock) UpdateOfferStatus(ctx context.Context, actor chat.Actor, messageID int, status models.OfferStatus) (models.Message, error) {
	args := m.Called(ctx, actor, messageID, status)
	return messageArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) EditMessage(ctx context.Context, actor chat.Actor, messageID int, content string) (models.Message, error) {
	args := m.Called(ctx, actor, messageID, content)
	return messageArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) DeleteMessage(ctx context.Context, actor chat.Actor, messageID int, scope models.DeleteScope) (models.Message, error) {
	args := m.Called(ctx, actor, messageID, scope)
	return messageArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) React(ctx context.Context, actor chat.Actor, messageID int, emoji string) (models.Message, error) {
	args := m.Called(ctx, actor, messageID, emoji)
	return messageArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) Unreact(ctx context.Context, actor chat.Actor, messageID int) (models.Message, error) {
	args := m.Called(ctx, actor, messageID)
	return messageArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) Block(ctx context.Context, actor chat.Actor, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, actor, conversationID)
	return conversationArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) Unblock(ctx context.Context, actor chat.Actor, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, actor, conversationID)
	return conversationArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) Mute(ctx context.Context, actor chat.Actor, conversationID int, until *time.Time) error {
	args := m.Called(ctx, actor, conversationID, until)
	return args.Error(0)
}

func (m *ChatServiceMock) Archive(ctx context.Context, actor chat.Actor, conversationID int) error {
	args := m.Called(ctx, actor, conversationID)
	return args.Error(0)
}

func (m *ChatServiceMock) SendSystemMessage(ctx context.Context, actor chat.Actor, conversationID int, kind, content string) (models.Message, error) {
	args := m.Called(ctx, actor, conversationID, kind, content)
	return messageArg(args, 0), args.Error(1)
}

func (m *ChatServiceMock) JoinAuthorized(ctx context.Context, userID, conversationID int) error {
	args := m.Called(ctx, userID, conversationID)
	return args.Error(0)
}

func (m *ChatServiceMock) TotalUnread(ctx context.Context, userID int) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *ChatServiceMock) UserPresence(ctx context.Context, viewerID, target int) (presence.Status, error) {
	args := m.Called(ctx, viewerID, target)
	var status presence.Status
	if val := args.Get(0); val != nil {
		status = val.(presence.Status)
	}
	return status, args.Error(1)
}

func conversationArg(args mock.Arguments, i int) models.Conversation {
	var conv models.Conversation
	if val := args.Get(i); val != nil {
		conv = val.(models.Conversation)
	}
	return conv
}

func messageArg(args mock.Arguments, i int) models.Message {
	var msg models.Message
	if val := args.Get(i); val != nil {
		msg = val.(models.Message)
	}
	return msg
}
