package ws

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
)

// droppedTTL bounds how long a dropped connection id is remembered.
const droppedTTL = time.Minute

// Hub maintains conversation rooms: which live connections receive the
// events of which conversation.
type Hub struct {
	rooms       map[int]map[string]presence.Conn
	memberships map[string]map[int]struct{}
	dropped     map[string]time.Time
	prunedAt    time.Time
	presence    *presence.Registry
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(registry *presence.Registry, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:       make(map[int]map[string]presence.Conn),
		memberships: make(map[string]map[int]struct{}),
		dropped:     make(map[string]time.Time),
		presence:    registry,
		logger:      logger,
	}
}

// Subscribe adds conn to a conversation room. Callers authorize first.
// Connections already dropped are refused and Subscribe reports false.
func (h *Hub) Subscribe(conn presence.Conn, conversationID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, gone := h.dropped[conn.ID()]; gone {
		return false
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[string]presence.Conn)
		h.rooms[conversationID] = room
	}
	room[conn.ID()] = conn
	joined, ok := h.memberships[conn.ID()]
	if !ok {
		joined = make(map[int]struct{})
		h.memberships[conn.ID()] = joined
	}
	joined[conversationID] = struct{}{}
	return true
}

// Unsubscribe removes conn from a conversation room.
func (h *Hub) Unsubscribe(conn presence.Conn, conversationID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn.ID(), conversationID)
}

func (h *Hub) removeLocked(connID string, conversationID int) {
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if joined, ok := h.memberships[connID]; ok {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(h.memberships, connID)
		}
	}
}

// SubscribeUser adds every live connection of userID to a room.
func (h *Hub) SubscribeUser(userID int, conversationID int) {
	if h.presence == nil {
		return
	}
	for _, conn := range h.presence.Handles(userID) {
		h.Subscribe(conn, conversationID)
	}
}

// DropConnection removes conn from every room and returns the rooms it was in.
// Later Subscribe calls for conn are refused, including those racing with
// the close from another goroutine.
func (h *Hub) DropConnection(conn presence.Conn) []int {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(h.prunedAt) > droppedTTL {
		for id, at := range h.dropped {
			if now.Sub(at) > droppedTTL {
				delete(h.dropped, id)
			}
		}
		h.prunedAt = now
	}
	h.dropped[conn.ID()] = now
	joined := h.memberships[conn.ID()]
	rooms := make([]int, 0, len(joined))
	for id := range joined {
		rooms = append(rooms, id)
	}
	for _, id := range rooms {
		h.removeLocked(conn.ID(), id)
	}
	sort.Ints(rooms)
	return rooms
}

// IsMember reports whether conn is subscribed to the room.
func (h *Hub) IsMember(conn presence.Conn, conversationID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][conn.ID()]
	return ok
}

// RoomsOf returns the rooms conn is subscribed to.
func (h *Hub) RoomsOf(conn presence.Conn) []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]int, 0, len(h.memberships[conn.ID()]))
	for id := range h.memberships[conn.ID()] {
		rooms = append(rooms, id)
	}
	sort.Ints(rooms)
	return rooms
}

// Members returns the ids of connections subscribed to the room.
func (h *Hub) Members(conversationID int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms[conversationID]))
	for id := range h.rooms[conversationID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomCount returns the number of rooms with at least one subscriber.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Broadcast enqueues event on every connection in the room that no exclude
// filter matches. It returns the number of connections that accepted it.
func (h *Hub) Broadcast(conversationID int, event models.OutboundEvent, excludes ...presence.Exclude) int {
	h.mu.RLock()
	targets := make([]presence.Conn, 0, len(h.rooms[conversationID]))
	for _, conn := range h.rooms[conversationID] {
		if !excluded(conn, excludes) {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", zap.String("type", event.Type), zap.Error(err))
		return 0
	}
	return h.deliver(targets, event.Type, payload)
}

// BroadcastToUser enqueues event on every live connection of userID.
func (h *Hub) BroadcastToUser(userID int, event models.OutboundEvent, excludes ...presence.Exclude) int {
	if h.presence == nil {
		return 0
	}
	targets := make([]presence.Conn, 0)
	for _, conn := range h.presence.Handles(userID) {
		if !excluded(conn, excludes) {
			targets = append(targets, conn)
		}
	}
	if len(targets) == 0 {
		return 0
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", zap.String("type", event.Type), zap.Error(err))
		return 0
	}
	return h.deliver(targets, event.Type, payload)
}

// SendTo enqueues event on a single connection.
func (h *Hub) SendTo(conn presence.Conn, event models.OutboundEvent) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", zap.String("type", event.Type), zap.Error(err))
		return false
	}
	return h.deliver([]presence.Conn{conn}, event.Type, payload) == 1
}

func (h *Hub) deliver(targets []presence.Conn, eventType string, payload []byte) int {
	delivered := 0
	for _, conn := range targets {
		err := conn.Send(payload)
		switch {
		case err == nil:
			delivered++
			observability.IncWSEvent("out", eventType)
		case errors.Is(err, ErrConnClosed):
			observability.IncWSDropped("closed")
		case errors.Is(err, ErrSendQueueFull):
			observability.IncWSDropped("slow_consumer")
			h.logger.Warn("closing slow websocket consumer",
				zap.String("conn_id", conn.ID()),
				zap.Int("user_id", conn.UserID()),
				zap.String("event", eventType))
			conn.Close()
		default:
			observability.IncWSDropped("error")
			h.logger.Warn("websocket send failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
	}
	return delivered
}

func excluded(conn presence.Conn, excludes []presence.Exclude) bool {
	for _, ex := range excludes {
		if ex != nil && ex(conn) {
			return true
		}
	}
	return false
}
