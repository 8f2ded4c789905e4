package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/identity"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/ratelimit"
	"marketplace-chat/internal/repositories/memory"
)

const testSecret = "gateway-secret"

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

type itemCatalog struct{}

func (itemCatalog) GetItem(_ context.Context, id int) (models.Item, error) {
	return models.Item{ID: id, SellerID: 2, Title: "Bike"}, nil
}

type gatewayEnv struct {
	server   *httptest.Server
	hub      *Hub
	service  *chat.Service
	registry *presence.Registry
	verifier *identity.JWTVerifier
}

func newGatewayEnv(t *testing.T, limiter ratelimit.Limiter) *gatewayEnv {
	t.Helper()
	return newGatewayEnvWithConfig(t, limiter, Config{PongWait: 5 * time.Second})
}

func newGatewayEnvWithConfig(t *testing.T, limiter ratelimit.Limiter, cfg Config) *gatewayEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := memory.New()
	registry := presence.NewRegistry(nil)
	hub := NewHub(registry, nil)
	service := chat.NewService(chat.Deps{
		Conversations: db.Conversations(),
		Messages:      db.Messages(),
		Catalog:       itemCatalog{},
		Hub:           hub,
		Presence:      registry,
		Limiter:       limiter,
	})
	verifier := identity.NewJWTVerifier(testSecret)
	gateway := NewGateway(hub, registry, service, verifier, cfg, nil)

	router := gin.New()
	router.GET("/ws", gateway.Handle)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayEnv{server: server, hub: hub, service: service, registry: registry, verifier: verifier}
}

func (e *gatewayEnv) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

// connect dials as userID and waits for a pong, which guarantees the
// connection finished subscribing to its rooms.
func (e *gatewayEnv) connect(t *testing.T, userID int) *websocket.Conn {
	t.Helper()
	token, err := e.verifier.Sign(models.User{ID: userID, Active: true}, time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(e.url(), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	send(t, conn, models.EventPing, "hello", nil)
	pong := readUntil(t, conn, models.EventPong)
	assert.Equal(t, "hello", pong.RequestID)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType, requestID string, data any) {
	t.Helper()
	env := map[string]any{"type": eventType, "request_id": requestID}
	if data != nil {
		env["data"] = data
	}
	require.NoError(t, conn.WriteJSON(env))
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", eventType)
		if f.Type == eventType {
			return f
		}
	}
}

func TestGatewayRejectsUnauthenticatedHandshake(t *testing.T) {
	env := newGatewayEnv(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(env.url(), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.url()+"?token=forged", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	inactive, err := env.verifier.Sign(models.User{ID: 9, Active: false}, time.Hour)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(env.url()+"?token="+inactive, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, env.registry.OnlineCount())
}

func TestGatewayConversationFlow(t *testing.T) {
	env := newGatewayEnv(t, nil)
	conv, _, err := env.service.StartConversation(context.Background(), chat.Actor{UserID: 1}, 55, 0)
	require.NoError(t, err)

	seller := env.connect(t, 2)
	buyer := env.connect(t, 1)

	status := readUntil(t, seller, models.EventUserStatusChanged)
	var online models.StatusEvent
	require.NoError(t, json.Unmarshal(status.Data, &online))
	assert.Equal(t, 1, online.UserID)
	assert.Equal(t, "online", online.Status)

	send(t, buyer, models.EventTypingStart, "", models.ConversationRef{ConversationID: conv.ID})
	typing := readUntil(t, seller, models.EventUserTyping)
	var te models.TypingEvent
	require.NoError(t, json.Unmarshal(typing.Data, &te))
	assert.Equal(t, 1, te.UserID)

	send(t, buyer, models.EventSendMessage, "r1", models.SendMessagePayload{ConversationID: conv.ID, Content: "Still for sale?"})
	for _, conn := range []*websocket.Conn{seller, buyer} {
		f := readUntil(t, conn, models.EventNewMessage)
		var nm models.NewMessageEvent
		require.NoError(t, json.Unmarshal(f.Data, &nm))
		assert.Equal(t, "Still for sale?", nm.Message.Content)
		assert.Equal(t, int64(1), nm.Message.Position)
	}

	send(t, seller, models.EventMarkRead, "", models.MarkReadPayload{ConversationID: conv.ID})
	read := readUntil(t, buyer, models.EventMessageRead)
	var re models.ReadEvent
	require.NoError(t, json.Unmarshal(read.Data, &re))
	assert.Equal(t, 2, re.UserID)

	send(t, buyer, models.EventGetOnlineUsers, "who", nil)
	users := readUntil(t, buyer, models.EventOnlineUsers)
	assert.Equal(t, "who", users.RequestID)
	assert.JSONEq(t, `{"users":[2]}`, string(users.Data))

	require.NoError(t, buyer.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	offline := readUntil(t, seller, models.EventUserStatusChanged)
	var off models.StatusEvent
	require.NoError(t, json.Unmarshal(offline.Data, &off))
	assert.Equal(t, 1, off.UserID)
	assert.Equal(t, "offline", off.Status)
	assert.Eventually(t, func() bool { return !env.registry.IsOnline(1) }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayErrorsGoToOriginatorOnly(t *testing.T) {
	env := newGatewayEnv(t, nil)
	conv, _, err := env.service.StartConversation(context.Background(), chat.Actor{UserID: 1}, 55, 0)
	require.NoError(t, err)

	outsider := env.connect(t, 3)

	send(t, outsider, models.EventJoin, "j1", models.ConversationRef{ConversationID: conv.ID})
	f := readUntil(t, outsider, models.EventError)
	assert.Equal(t, "j1", f.RequestID)
	var ev models.ErrorEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, "access_denied", ev.Code)

	send(t, outsider, models.EventSendMessage, "s1", models.SendMessagePayload{ConversationID: conv.ID, Content: "spam"})
	f = readUntil(t, outsider, models.EventError)
	assert.Equal(t, "s1", f.RequestID)

	require.NoError(t, outsider.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = readUntil(t, outsider, models.EventError)
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, "invalid_input", ev.Code)

	send(t, outsider, models.EventLeave, "l1", models.ConversationRef{ConversationID: conv.ID})
	f = readUntil(t, outsider, models.EventError)
	assert.Equal(t, "l1", f.RequestID)
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, "access_denied", ev.Code)

	send(t, outsider, "teleport", "t1", nil)
	f = readUntil(t, outsider, models.EventError)
	assert.Equal(t, "t1", f.RequestID)
}

func TestGatewayJoinAndLeave(t *testing.T) {
	env := newGatewayEnv(t, nil)
	buyer := env.connect(t, 1)

	conv, _, err := env.service.StartConversation(context.Background(), chat.Actor{UserID: 1}, 56, 0)
	require.NoError(t, err)
	readUntil(t, buyer, models.EventConversationCreated)

	send(t, buyer, models.EventLeave, "l1", models.ConversationRef{ConversationID: conv.ID})
	assert.Equal(t, "l1", readUntil(t, buyer, models.EventLeft).RequestID)

	send(t, buyer, models.EventJoin, "j1", models.ConversationRef{ConversationID: conv.ID})
	assert.Equal(t, "j1", readUntil(t, buyer, models.EventJoined).RequestID)
}

func TestGatewayClosesConnectionsWithoutHeartbeat(t *testing.T) {
	env := newGatewayEnvWithConfig(t, nil, Config{PongWait: 400 * time.Millisecond, PingInterval: 100 * time.Millisecond})
	conv, _, err := env.service.StartConversation(context.Background(), chat.Actor{UserID: 1}, 55, 0)
	require.NoError(t, err)

	seller := env.connect(t, 2)
	// The buyer stops reading after the handshake, so server pings go unanswered.
	env.connect(t, 1)
	handles := env.registry.Handles(1)
	require.Len(t, handles, 1)
	stale := handles[0]
	assert.Equal(t, []int{conv.ID}, env.hub.RoomsOf(stale))

	online := readUntil(t, seller, models.EventUserStatusChanged)
	var st models.StatusEvent
	require.NoError(t, json.Unmarshal(online.Data, &st))
	assert.Equal(t, "online", st.Status)

	offline := readUntil(t, seller, models.EventUserStatusChanged)
	require.NoError(t, json.Unmarshal(offline.Data, &st))
	assert.Equal(t, 1, st.UserID)
	assert.Equal(t, "offline", st.Status)

	assert.Eventually(t, func() bool { return !env.registry.IsOnline(1) }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(env.hub.RoomsOf(stale)) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, env.hub.Members(conv.ID), stale.ID())
}

func TestGatewayRateLimitCarriesRetryAfter(t *testing.T) {
	env := newGatewayEnv(t, ratelimit.NewMemoryLimiter(2, time.Minute))
	conv, _, err := env.service.StartConversation(context.Background(), chat.Actor{UserID: 1}, 55, 0)
	require.NoError(t, err)
	buyer := env.connect(t, 1)

	for i := 0; i < 2; i++ {
		send(t, buyer, models.EventSendMessage, "", models.SendMessagePayload{ConversationID: conv.ID, Content: "hi"})
		readUntil(t, buyer, models.EventNewMessage)
	}
	send(t, buyer, models.EventSendMessage, "r3", models.SendMessagePayload{ConversationID: conv.ID, Content: "hi"})
	f := readUntil(t, buyer, models.EventError)
	var ev models.ErrorEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, "rate_limited", ev.Code)
	assert.Greater(t, ev.RetryAfterMS, int64(0))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 60*time.Second, cfg.PongWait)
	assert.Less(t, cfg.PingInterval, cfg.PongWait)
	assert.Equal(t, 256, cfg.SendBuffer)

	cfg = Config{PingInterval: 25 * time.Second, PongWait: 60 * time.Second}.withDefaults()
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
}
