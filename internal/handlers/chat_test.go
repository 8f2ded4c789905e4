package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/mocks"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/presence"
)

var _ ChatService = (*mocks.ChatServiceMock)(nil)

var caller = chat.Actor{UserID: 1}

func setupChatRouter(handler *ChatHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", 1)
		c.Next()
	})
	handler.RegisterRoutes(r)
	return r
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListConversationsNormalizesPage(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("ListConversations", mock.Anything, 1, models.Page{Page: 1, Limit: 100}).
		Return([]models.ConversationSummary{{Conversation: models.Conversation{ID: 3}, UnreadCount: 2}}, nil).Once()

	rec := do(router, http.MethodGet, "/conversations?limit=500", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
		Limit         int                          `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, 2, resp.Conversations[0].UnreadCount)
	assert.Equal(t, 100, resp.Limit)
	service.AssertExpectations(t)
}

func TestListConversationsStorageErrorIsGeneric(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("ListConversations", mock.Anything, 1, mock.Anything).
		Return(nil, fmt.Errorf("%w: connection refused", apperr.ErrStorageUnavailable)).Once()

	rec := do(router, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	assert.Contains(t, rec.Body.String(), "storage_unavailable")
}

func TestStartConversation(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("StartConversation", mock.Anything, caller, 55, 0).
		Return(models.Conversation{ID: 9, ItemID: 55, Participants: []int{1, 2}}, true, nil).Once()
	service.On("StartConversation", mock.Anything, caller, 55, 2).
		Return(models.Conversation{ID: 9, ItemID: 55, Participants: []int{1, 2}}, false, nil).Once()

	rec := do(router, http.MethodPost, "/conversations", `{"item_id":55}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"created":true`)

	rec = do(router, http.MethodPost, "/conversations", `{"item_id":55,"participant_id":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"created":false`)

	rec = do(router, http.MethodPost, "/conversations", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	service.AssertExpectations(t)
}

func TestGetConversationMapsErrors(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("GetConversation", mock.Anything, caller, 4).Return(nil, apperr.ErrAccessDenied).Once()
	service.On("GetConversation", mock.Anything, caller, 5).Return(nil, apperr.ErrNotFound).Once()

	assert.Equal(t, http.StatusForbidden, do(router, http.MethodGet, "/conversations/4", "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/conversations/5", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/conversations/abc", "").Code)
	service.AssertExpectations(t)
}

func TestListMessagesPassesCursor(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("ListMessages", mock.Anything, 1, 7, models.ListOptions{Limit: 20, Before: 41}).
		Return([]models.Message{{ID: 1, Position: 40}}, nil).Once()

	rec := do(router, http.MethodGet, "/conversations/7/messages?limit=20&before=41", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"position":40`)

	rec = do(router, http.MethodGet, "/conversations/7/messages?before=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	service.AssertExpectations(t)
}

func TestSendMessageUsesPathConversation(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	expected := models.SendMessagePayload{ConversationID: 7, Content: "hi", Type: models.MessageText}
	service.On("SendMessage", mock.Anything, caller, 7, expected).
		Return(models.Message{ID: 11, ConversationID: 7, Content: "hi"}, nil).Once()

	rec := do(router, http.MethodPost, "/conversations/7/messages", `{"conversation_id":99,"content":"hi","type":"text"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	service.AssertExpectations(t)
}

func TestSendMessageRateLimitedSetsRetryAfter(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("SendMessage", mock.Anything, caller, 7, mock.Anything).
		Return(nil, &apperr.RateLimitError{RetryAfter: 1500 * time.Millisecond}).Once()

	rec := do(router, http.MethodPost, "/conversations/7/messages", `{"content":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestSendMessageBlockedConflict(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("SendMessage", mock.Anything, caller, 7, mock.Anything).Return(nil, apperr.ErrConversationBlocked).Once()

	rec := do(router, http.MethodPost, "/conversations/7/messages", `{"content":"hi"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "conversation_blocked")
}

func TestMarkReadWithAndWithoutBody(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("MarkRead", mock.Anything, caller, 7, 0).Return(nil).Once()
	service.On("MarkRead", mock.Anything, caller, 7, 12).Return(nil).Once()

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/conversations/7/read", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/conversations/7/read", `{"message_id":12}`).Code)
	service.AssertExpectations(t)
}

func TestBlockUnblockMuteArchive(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	blocker := 1
	service.On("Block", mock.Anything, caller, 7).Return(models.Conversation{ID: 7, Blocked: true, BlockedBy: &blocker}, nil).Once()
	service.On("Unblock", mock.Anything, caller, 7).Return(nil, apperr.ErrAccessDenied).Once()
	service.On("Mute", mock.Anything, caller, 7, mock.MatchedBy(func(until *time.Time) bool { return until != nil })).Return(nil).Once()
	service.On("Mute", mock.Anything, caller, 7, (*time.Time)(nil)).Return(nil).Once()
	service.On("Archive", mock.Anything, caller, 7).Return(nil).Once()

	rec := do(router, http.MethodPatch, "/conversations/7/block", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"blocked":true`)

	assert.Equal(t, http.StatusForbidden, do(router, http.MethodPatch, "/conversations/7/unblock", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPatch, "/conversations/7/mute", `{"until":"2030-01-01T00:00:00Z"}`).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPatch, "/conversations/7/mute", "").Code)
	assert.Equal(t, http.StatusNoContent, do(router, http.MethodDelete, "/conversations/7", "").Code)
	service.AssertExpectations(t)
}

func TestSystemMessage(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("SendSystemMessage", mock.Anything, caller, 7, models.SystemItemSold, "").
		Return(models.Message{ID: 3, Type: models.MessageSystem, SystemKind: models.SystemItemSold}, nil).Once()

	rec := do(router, http.MethodPost, "/conversations/7/system", `{"kind":"item_sold"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/conversations/7/system", `{}`).Code)
	service.AssertExpectations(t)
}

func TestMessageEndpoints(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("UpdateOfferStatus", mock.Anything, caller, 5, models.OfferAccepted).Return(nil, apperr.ErrInvalidOfferTransition).Once()
	service.On("EditMessage", mock.Anything, caller, 5, "fixed").Return(models.Message{ID: 5, Content: "fixed"}, nil).Once()
	service.On("DeleteMessage", mock.Anything, caller, 5, models.DeleteForMe).Return(models.Message{ID: 5}, nil).Once()
	service.On("DeleteMessage", mock.Anything, caller, 5, models.DeleteForEveryone).Return(models.Message{ID: 5, DeletedForAll: true}, nil).Once()
	service.On("React", mock.Anything, caller, 5, "👍").Return(models.Message{ID: 5}, nil).Once()
	service.On("Unreact", mock.Anything, caller, 5).Return(models.Message{ID: 5}, nil).Once()

	assert.Equal(t, http.StatusConflict, do(router, http.MethodPatch, "/messages/5/offer", `{"status":"accepted"}`).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPatch, "/messages/5", `{"content":"fixed"}`).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodDelete, "/messages/5", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodDelete, "/messages/5?scope=everyone", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/messages/5/reactions", `{"emoji":"👍"}`).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodDelete, "/messages/5/reactions", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPatch, "/messages/5", `{}`).Code)
	service.AssertExpectations(t)
}

func TestUnreadAndPresence(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("TotalUnread", mock.Anything, 1).Return(4, nil).Once()
	service.On("UserPresence", mock.Anything, 1, 2).Return(presence.Status{UserID: 2, Online: true}, nil).Once()
	service.On("UserPresence", mock.Anything, 1, 3).Return(nil, apperr.ErrAccessDenied).Once()

	rec := do(router, http.MethodGet, "/unread", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unread":4}`, rec.Body.String())

	rec = do(router, http.MethodGet, "/users/2/presence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"online":true`)

	assert.Equal(t, http.StatusForbidden, do(router, http.MethodGet, "/users/3/presence", "").Code)
	service.AssertExpectations(t)
}

func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestUploadAttachment(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	uploader := new(mocks.UploaderMock)
	router := setupChatRouter(NewChatHandler(service, uploader, nil))

	service.On("JoinAuthorized", mock.Anything, 1, 7).Return(nil).Once()
	uploader.On("Upload", mock.Anything,
		mock.MatchedBy(func(key string) bool {
			return strings.HasPrefix(key, "conversations/7/") && strings.HasSuffix(key, "-lamp.jpg")
		}),
		mock.Anything, int64(5), mock.Anything).
		Return("https://cdn.example.com/chat/conversations/7/x-lamp.jpg", nil).Once()

	body, contentType := multipartBody(t, "lamp.jpg", "bytes")
	req := httptest.NewRequest(http.MethodPost, "/conversations/7/attachments", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Attachment models.Attachment `json:"attachment"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "lamp.jpg", resp.Attachment.Filename)
	assert.Equal(t, int64(5), resp.Attachment.Size)
	assert.Contains(t, resp.Attachment.URL, "lamp.jpg")
	service.AssertExpectations(t)
	uploader.AssertExpectations(t)
}

func TestUploadAttachmentRequiresParticipant(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	uploader := new(mocks.UploaderMock)
	router := setupChatRouter(NewChatHandler(service, uploader, nil))

	service.On("JoinAuthorized", mock.Anything, 1, 7).Return(apperr.ErrAccessDenied).Once()

	body, contentType := multipartBody(t, "lamp.jpg", "bytes")
	req := httptest.NewRequest(http.MethodPost, "/conversations/7/attachments", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUploadAttachmentWithoutStorage(t *testing.T) {
	service := new(mocks.ChatServiceMock)
	router := setupChatRouter(NewChatHandler(service, nil, nil))

	service.On("JoinAuthorized", mock.Anything, 1, 7).Return(nil).Once()

	body, contentType := multipartBody(t, "lamp.jpg", "bytes")
	req := httptest.NewRequest(http.MethodPost, "/conversations/7/attachments", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
