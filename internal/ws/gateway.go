package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/identity"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/telemetry"
)

// Config tunes connection keepalive and buffering.
type Config struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	MaxMessageBytes int64
}

func (c Config) withDefaults() Config {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	return c
}

// Service is the part of chat.Service the gateway drives.
type Service interface {
	ConversationIDs(ctx context.Context, userID int) ([]int, error)
	JoinAuthorized(ctx context.Context, userID, conversationID int) error
	SendMessage(ctx context.Context, actor chat.Actor, conversationID int, in models.SendMessagePayload) (models.Message, error)
	Typing(ctx context.Context, actor chat.Actor, conversationID int, started bool) error
	MarkRead(ctx context.Context, actor chat.Actor, conversationID, messageID int) error
	UpdateOfferStatus(ctx context.Context, actor chat.Actor, messageID int, status models.OfferStatus) (models.Message, error)
	EditMessage(ctx context.Context, actor chat.Actor, messageID int, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, actor chat.Actor, messageID int, scope models.DeleteScope) (models.Message, error)
	React(ctx context.Context, actor chat.Actor, messageID int, emoji string) (models.Message, error)
	Unreact(ctx context.Context, actor chat.Actor, messageID int) (models.Message, error)
	OnlineContacts(ctx context.Context, userID int) ([]int, error)
}

var _ Service = (*chat.Service)(nil)

type eventHandler func(ctx context.Context, client *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error)

// Gateway authenticates websocket connections and dispatches their events.
type Gateway struct {
	hub      *Hub
	registry *presence.Registry
	service  Service
	auth     identity.Authenticator
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
	handlers map[string]eventHandler
}

func NewGateway(hub *Hub, registry *presence.Registry, service Service, auth identity.Authenticator, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		hub:      hub,
		registry: registry,
		service:  service,
		auth:     auth,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	g.handlers = map[string]eventHandler{
		models.EventJoin:              g.handleJoin,
		models.EventLeave:             g.handleLeave,
		models.EventSendMessage:       g.handleSendMessage,
		models.EventTypingStart:       g.handleTyping(true),
		models.EventTypingStop:        g.handleTyping(false),
		models.EventMarkRead:          g.handleMarkRead,
		models.EventOfferStatusUpdate: g.handleOfferStatus,
		models.EventEditMessage:       g.handleEdit,
		models.EventDeleteMessage:     g.handleDelete,
		models.EventReact:             g.handleReact,
		models.EventPing:              g.handlePing,
		models.EventGetOnlineUsers:    g.handleOnlineUsers,
	}
	return g
}

// Handle authenticates the request, upgrades it and starts the connection's
// read and write loops.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		parsed, err := identity.ParseBearerToken(header)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
			return
		}
		token = parsed
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
		return
	}

	user, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		g.logger.Debug("websocket authentication failed", zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Code(err)})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Int("user_id", user.ID), zap.Error(err))
		return
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      user.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info, g.cfg.SendBuffer)

	// The request context ends with this handler; the connection keeps the trace and request id.
	connCtx := trace.ContextWithSpanContext(context.Background(), span.SpanContext())
	connCtx, _ = telemetry.WithRequestID(connCtx, requestID)

	cameOnline, err := g.registry.Connect(client)
	if err != nil {
		g.logger.Warn("presence rejected connection", zap.String("conn_id", info.ConnID), zap.Error(err))
		_ = conn.Close()
		return
	}
	go client.writePump(g.cfg)
	g.activate(connCtx, client, cameOnline)
	go g.readLoop(connCtx, client)
}

func (g *Gateway) activate(ctx context.Context, client *Client, cameOnline bool) {
	userID := client.UserID()
	ids, err := g.service.ConversationIDs(ctx, userID)
	if err != nil {
		g.logger.Error("load conversations for connection", zap.Int("user_id", userID), zap.Error(err))
		g.sendError(client, "", err)
	}
	for _, id := range ids {
		g.hub.Subscribe(client, id)
	}

	observability.IncWSActive()
	observability.SetOnlineUsers(g.registry.OnlineCount())
	g.publishLifecycle(ctx, client.Info(), "ws_connect", "")
	g.logger.Info("websocket connected",
		zap.Int("user_id", userID),
		zap.String("conn_id", client.ID()),
		zap.Int("conversations", len(ids)))

	if cameOnline {
		g.broadcastStatus(ids, userID, "online")
	}
}

func (g *Gateway) readLoop(ctx context.Context, client *Client) {
	var closeReason string
	defer func() { g.deactivate(ctx, client, closeReason) }()

	conn := client.conn
	conn.SetReadLimit(g.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		g.registry.Touch(client)
		return conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.publishLifecycle(ctx, client.Info(), "ws_error", closeReason)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		g.dispatch(ctx, client, data)
	}
}

func (g *Gateway) deactivate(ctx context.Context, client *Client, reason string) {
	client.Close()
	rooms := g.hub.DropConnection(client)
	userID, wentOffline := g.registry.Disconnect(client)

	observability.DecWSActive()
	observability.SetOnlineUsers(g.registry.OnlineCount())
	g.publishLifecycle(ctx, client.Info(), "ws_disconnect", reason)
	g.logger.Info("websocket disconnected",
		zap.Int("user_id", userID),
		zap.String("conn_id", client.ID()),
		zap.String("reason", reason))

	if wentOffline {
		g.broadcastStatus(rooms, userID, "offline")
	}
}

func (g *Gateway) broadcastStatus(rooms []int, userID int, status string) {
	event := models.OutboundEvent{
		Type: models.EventUserStatusChanged,
		Data: models.StatusEvent{UserID: userID, Status: status, Timestamp: time.Now().UTC()},
	}
	for _, id := range rooms {
		g.hub.Broadcast(id, event, presence.ExceptUser(userID))
	}
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		g.sendError(client, "", fmt.Errorf("%w: malformed event", apperr.ErrInvalidInput))
		return
	}
	handler, ok := g.handlers[env.Type]
	if !ok {
		g.sendError(client, env.RequestID, fmt.Errorf("%w: unknown event type %q", apperr.ErrInvalidInput, env.Type))
		return
	}
	observability.IncWSEvent("in", env.Type)

	actor := chat.Actor{UserID: client.UserID(), ConnID: client.ID()}
	reply, err := handler(ctx, client, actor, env.Data)
	if err != nil {
		g.sendError(client, env.RequestID, err)
		return
	}
	if reply != nil {
		reply.RequestID = env.RequestID
		g.hub.SendTo(client, *reply)
	}
}

// sendError reports a failed event to the originating connection only.
func (g *Gateway) sendError(client *Client, requestID string, err error) {
	ev := models.ErrorEvent{Code: apperr.Code(err), Message: err.Error()}
	if ev.Code == "storage_unavailable" {
		ev.Message = "service temporarily unavailable"
	}
	if retry, ok := apperr.RetryAfter(err); ok {
		ev.RetryAfterMS = retry.Milliseconds()
	}
	g.hub.SendTo(client, models.OutboundEvent{Type: models.EventError, RequestID: requestID, Data: ev})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", apperr.ErrInvalidInput)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	return nil
}

func (g *Gateway) handleJoin(ctx context.Context, client *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error) {
	var ref models.ConversationRef
	if err := decode(data, &ref); err != nil {
		return nil, err
	}
	if err := g.service.JoinAuthorized(ctx, actor.UserID, ref.ConversationID); err != nil {
		return nil, err
	}
	g.hub.Subscribe(client, ref.ConversationID)
	return &models.OutboundEvent{Type: models.EventJoined, Data: ref}, nil
}

func (g *Gateway) handleLeave(ctx context.Context, client *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error) {
	var ref models.ConversationRef
	if err := decode(data, &ref); err != nil {
		return nil, err
	}
	if err := g.service.JoinAuthorized(ctx, actor.UserID, ref.ConversationID); err != nil {
		return nil, err
	}
	g.hub.Unsubscribe(client, ref.ConversationID)
	return &models.OutboundEvent{Type: models.EventLeft, Data: ref}, nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, _ *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error) {
	var in models.SendMessagePayload
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	_, err := g.service.SendMessage(ctx, actor, in.ConversationID, in)
	return nil, err
}

func (g *Gateway) handleTyping(started bool) eventHandler {
	return func(ctx context.Context, _ *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error) {
		var ref models.ConversationRef
		if err := decode(data, &ref); err != nil {
			return nil, err
		}
		return nil, g.service.Typing(ctx, actor, ref.ConversationID, started)
	}
}

func (g *Gateway) handleMarkRead(ctx context.Context, _ *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error) {
	var in models.MarkReadPayload
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return nil, g.service.MarkRead(ctx, actor, in.ConversationID, in.MessageID)
}

func (g *Gateway) handleOfferStatus(ctx context.Context, _ *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error) {
	var in models.OfferStatusPayload
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	_, err := g.service.UpdateOfferStatus(ctx, actor, in.MessageID, in.Status)
	return nil, err
}

func (g *Gateway) handleEdit(ctx context.Context, _ *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error) {
	var in models.EditMessagePayload
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	_, err := g.service.EditMessage(ctx, actor, in.MessageID, in.Content)
	return nil, err
}

func (g *Gateway) handleDelete(ctx context.Context, _ *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error) {
	var in models.DeleteMessagePayload
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	_, err := g.service.DeleteMessage(ctx, actor, in.MessageID, in.Scope)
	return nil, err
}

func (g *Gateway) handleReact(ctx context.Context, _ *Client, actor chat.Actor, data json.RawMessage) (*models.OutboundEvent, error) {
	var in models.ReactPayload
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	var err error
	if in.Emoji == "" {
		_, err = g.service.Unreact(ctx, actor, in.MessageID)
	} else {
		_, err = g.service.React(ctx, actor, in.MessageID, in.Emoji)
	}
	return nil, err
}

func (g *Gateway) handlePing(_ context.Context, client *Client, _ chat.Actor, _ json.RawMessage) (*models.OutboundEvent, error) {
	g.registry.Touch(client)
	return &models.OutboundEvent{Type: models.EventPong, Data: gin.H{"timestamp": time.Now().UTC()}}, nil
}

func (g *Gateway) handleOnlineUsers(ctx context.Context, _ *Client, actor chat.Actor, _ json.RawMessage) (*models.OutboundEvent, error) {
	users, err := g.service.OnlineContacts(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	return &models.OutboundEvent{Type: models.EventOnlineUsers, Data: models.OnlineUsersEvent{Users: users}}, nil
}

func (g *Gateway) publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent("lifecycle", event)
	durationMS := int64(0)
	if event != "ws_connect" {
		durationMS = time.Since(info.ConnectedAt).Milliseconds()
	}
	err := observability.PublishEvent(ctx, observability.RoutingWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "conversation",
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": durationMS,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
	if err != nil {
		g.logger.Debug("ws lifecycle publish failed", zap.String("event", event), zap.Error(err))
	}
}

// Stats summarises gateway state for debug endpoints.
func (g *Gateway) Stats() gin.H {
	return gin.H{
		"online_users": g.registry.OnlineCount(),
		"connections":  g.registry.ConnectionCount(),
		"rooms":        g.hub.RoomCount(),
	}
}
