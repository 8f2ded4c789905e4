package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/storage"
)

// ChatService is the conversation logic behind the REST endpoints.
type ChatService interface {
	StartConversation(ctx context.Context, actor chat.Actor, itemID, participantID int) (models.Conversation, bool, error)
	ListConversations(ctx context.Context, userID int, page models.Page) ([]models.ConversationSummary, error)
	GetConversation(ctx context.Context, actor chat.Actor, conversationID int) (models.Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID int, opts models.ListOptions) ([]models.Message, error)
	SendMessage(ctx context.Context, actor chat.Actor, conversationID int, in models.SendMessagePayload) (models.Message, error)
	MarkRead(ctx context.Context, actor chat.Actor, conversationID, messageID int) error
	UpdateOfferStatus(ctx context.Context, actor chat.Actor, messageID int, status models.OfferStatus) (models.Message, error)
	EditMessage(ctx context.Context, actor chat.Actor, messageID int, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, actor chat.Actor, messageID int, scope models.DeleteScope) (models.Message, error)
	React(ctx context.Context, actor chat.Actor, messageID int, emoji string) (models.Message, error)
	Unreact(ctx context.Context, actor chat.Actor, messageID int) (models.Message, error)
	Block(ctx context.Context, actor chat.Actor, conversationID int) (models.Conversation, error)
	Unblock(ctx context.Context, actor chat.Actor, conversationID int) (models.Conversation, error)
	Mute(ctx context.Context, actor chat.Actor, conversationID int, until *time.Time) error
	Archive(ctx context.Context, actor chat.Actor, conversationID int) error
	SendSystemMessage(ctx context.Context, actor chat.Actor, conversationID int, kind, content string) (models.Message, error)
	JoinAuthorized(ctx context.Context, userID, conversationID int) error
	TotalUnread(ctx context.Context, userID int) (int, error)
	UserPresence(ctx context.Context, viewerID, target int) (presence.Status, error)
}

var _ ChatService = (*chat.Service)(nil)

// ChatHandler manages conversation and message endpoints.
type ChatHandler struct {
	service  ChatService
	uploader storage.Uploader
	logger   *zap.Logger
}

// NewChatHandler builds a ChatHandler. A nil uploader disables attachments.
func NewChatHandler(service ChatService, uploader storage.Uploader, logger *zap.Logger) *ChatHandler {
	if uploader == nil {
		uploader = storage.NoopUploader{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{service: service, uploader: uploader, logger: logger}
}

// RegisterRoutes mounts the endpoints on an authenticated group.
func (h *ChatHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/conversations", h.ListConversations)
	r.POST("/conversations", h.StartConversation)
	r.GET("/conversations/:id", h.GetConversation)
	r.DELETE("/conversations/:id", h.ArchiveConversation)
	r.GET("/conversations/:id/messages", h.ListMessages)
	r.POST("/conversations/:id/messages", h.SendMessage)
	r.POST("/conversations/:id/read", h.MarkRead)
	r.POST("/conversations/:id/attachments", h.UploadAttachment)
	r.POST("/conversations/:id/system", h.SendSystemMessage)
	r.PATCH("/conversations/:id/block", h.Block)
	r.PATCH("/conversations/:id/unblock", h.Unblock)
	r.PATCH("/conversations/:id/mute", h.Mute)

	r.PATCH("/messages/:id/offer", h.UpdateOffer)
	r.PATCH("/messages/:id", h.EditMessage)
	r.DELETE("/messages/:id", h.DeleteMessage)
	r.POST("/messages/:id/reactions", h.React)
	r.DELETE("/messages/:id/reactions", h.Unreact)

	r.GET("/unread", h.Unread)
	r.GET("/users/:id/presence", h.UserPresence)
}

// ListConversations returns the caller's conversations, most recent first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	page := models.Page{
		Page:  queryInt(c, "page"),
		Limit: queryInt(c, "limit"),
	}.Normalize()

	list, err := h.service.ListConversations(c.Request.Context(), c.GetInt("userID"), page)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list, "page": page.Page, "limit": page.Limit})
}

// StartConversation finds or creates a conversation about an item.
func (h *ChatHandler) StartConversation(c *gin.Context) {
	var req struct {
		ItemID        int `json:"item_id" binding:"required"`
		ParticipantID int `json:"participant_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}

	conv, created, err := h.service.StartConversation(c.Request.Context(), actor(c), req.ItemID, req.ParticipantID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv, "created": created})
}

// GetConversation returns one conversation and marks it read.
func (h *ChatHandler) GetConversation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	conv, err := h.service.GetConversation(c.Request.Context(), actor(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// ArchiveConversation deactivates a conversation.
func (h *ChatHandler) ArchiveConversation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.Archive(c.Request.Context(), actor(c), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages returns a page of messages. before is an exclusive position cursor.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var before int64
	if raw := c.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor", "code": "invalid_input"})
			return
		}
		before = parsed
	}

	msgs, err := h.service.ListMessages(c.Request.Context(), c.GetInt("userID"), id, models.ListOptions{
		Limit:  queryInt(c, "limit"),
		Before: before,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage appends a message to the conversation.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req models.SendMessagePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}
	req.ConversationID = id

	msg, err := h.service.SendMessage(c.Request.Context(), actor(c), id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// MarkRead marks the conversation, or one message in it, read for the caller.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		MessageID int `json:"message_id"`
	}
	if !bindOptionalJSON(c, &req) {
		return
	}
	if err := h.service.MarkRead(c.Request.Context(), actor(c), id, req.MessageID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UploadAttachment stores a file and returns the descriptor to include in a send.
func (h *ChatHandler) UploadAttachment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.JoinAuthorized(c.Request.Context(), c.GetInt("userID"), id); err != nil {
		h.respondError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, storage.MaxAttachmentSize+1<<20)
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required", "code": "invalid_input"})
		return
	}
	if header.Size > storage.MaxAttachmentSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large", "code": "invalid_input"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file", "code": "invalid_input"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := h.uploader.Upload(c.Request.Context(), storage.ObjectKey(id, header.Filename), file, header.Size, contentType)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"attachment": models.Attachment{
		URL:      url,
		Filename: header.Filename,
		Size:     header.Size,
		MimeType: contentType,
	}})
}

// SendSystemMessage posts an item lifecycle notice on behalf of the seller.
func (h *ChatHandler) SendSystemMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Kind    string `json:"kind" binding:"required"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}
	msg, err := h.service.SendSystemMessage(c.Request.Context(), actor(c), id, req.Kind, req.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// Block stops every participant from sending.
func (h *ChatHandler) Block(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	conv, err := h.service.Block(c.Request.Context(), actor(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// Unblock lifts the caller's block.
func (h *ChatHandler) Unblock(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	conv, err := h.service.Unblock(c.Request.Context(), actor(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// Mute silences offline notifications until the given time; no time unmutes.
func (h *ChatHandler) Mute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Until *time.Time `json:"until"`
	}
	if !bindOptionalJSON(c, &req) {
		return
	}
	if err := h.service.Mute(c.Request.Context(), actor(c), id, req.Until); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted_until": req.Until})
}

// UpdateOffer accepts or declines an offer.
func (h *ChatHandler) UpdateOffer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Status models.OfferStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}
	msg, err := h.service.UpdateOfferStatus(c.Request.Context(), actor(c), id, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// EditMessage replaces the caller's message content.
func (h *ChatHandler) EditMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}
	msg, err := h.service.EditMessage(c.Request.Context(), actor(c), id, req.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteMessage hides a message for the caller or, with scope=everyone, for all.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	scope := models.DeleteScope(c.DefaultQuery("scope", string(models.DeleteForMe)))
	msg, err := h.service.DeleteMessage(c.Request.Context(), actor(c), id, scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// React sets the caller's reaction.
func (h *ChatHandler) React(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}
	msg, err := h.service.React(c.Request.Context(), actor(c), id, req.Emoji)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// Unreact removes the caller's reaction.
func (h *ChatHandler) Unreact(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	msg, err := h.service.Unreact(c.Request.Context(), actor(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// Unread returns the caller's total unread badge.
func (h *ChatHandler) Unread(c *gin.Context) {
	total, err := h.service.TotalUnread(c.Request.Context(), c.GetInt("userID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": total})
}

// UserPresence reports whether a contact is online.
func (h *ChatHandler) UserPresence(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	status, err := h.service.UserPresence(c.Request.Context(), c.GetInt("userID"), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *ChatHandler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		_, requestID := requestContext(c)
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", requestID),
			zap.Error(err))
		message = "service temporarily unavailable"
	}
	if retry, ok := apperr.RetryAfter(err); ok {
		seconds := int(retry.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	c.JSON(status, gin.H{"error": message, "code": apperr.Code(err)})
}

func pathID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id", "code": "invalid_input"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return 0
	}
	return value
}

// bindOptionalJSON binds the body when there is one.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
	return false
}
