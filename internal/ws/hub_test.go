package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/presence"
)

type fakeConn struct {
	id     string
	userID int
	err    error

	mu       sync.Mutex
	received [][]byte
	closed   bool
}

func (c *fakeConn) ID() string  { return c.id }
func (c *fakeConn) UserID() int { return c.userID }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.received = append(c.received, payload)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.received))
	for _, raw := range c.received {
		var ev models.OutboundEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestHubSubscribeAndDrop(t *testing.T) {
	hub := NewHub(nil, nil)
	a := &fakeConn{id: "a", userID: 1}

	hub.Subscribe(a, 10)
	hub.Subscribe(a, 20)
	assert.True(t, hub.IsMember(a, 10))
	assert.Equal(t, []int{10, 20}, hub.RoomsOf(a))
	assert.Equal(t, 2, hub.RoomCount())

	hub.Unsubscribe(a, 10)
	assert.False(t, hub.IsMember(a, 10))

	assert.Equal(t, []int{20}, hub.DropConnection(a))
	assert.Zero(t, hub.RoomCount())
	assert.Empty(t, hub.RoomsOf(a))
	assert.Empty(t, hub.DropConnection(a))
}

func TestHubRefusesSubscriptionsForDroppedConnections(t *testing.T) {
	registry := presence.NewRegistry(nil)
	hub := NewHub(registry, nil)
	c := &fakeConn{id: "c1", userID: 7}

	_, err := registry.Connect(c)
	require.NoError(t, err)
	require.True(t, hub.Subscribe(c, 1))

	// A conversation is created for user 7 while its only connection is
	// half way through closing: dropped from rooms, still in presence.
	c.Close()
	assert.Equal(t, []int{1}, hub.DropConnection(c))
	hub.SubscribeUser(7, 2)
	_, wentOffline := registry.Disconnect(c)

	assert.True(t, wentOffline)
	assert.Empty(t, hub.Members(2))
	assert.Empty(t, hub.RoomsOf(c))
	assert.False(t, hub.Subscribe(c, 3))
	assert.Zero(t, hub.RoomCount())
}

func TestHubConcurrentSubscribeUserAndDisconnect(t *testing.T) {
	registry := presence.NewRegistry(nil)
	hub := NewHub(registry, nil)

	conns := make([]*fakeConn, 50)
	for i := range conns {
		conns[i] = &fakeConn{id: fmt.Sprintf("c%d", i), userID: i}
		_, err := registry.Connect(conns[i])
		require.NoError(t, err)
		hub.Subscribe(conns[i], 1)
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(2)
		go func(c *fakeConn) {
			defer wg.Done()
			c.Close()
			hub.DropConnection(c)
			registry.Disconnect(c)
		}(c)
		go func(userID int) {
			defer wg.Done()
			for room := 2; room < 6; room++ {
				hub.SubscribeUser(userID, room)
			}
		}(i)
	}
	wg.Wait()

	for _, c := range conns {
		assert.Empty(t, hub.RoomsOf(c), c.id)
	}
	assert.Zero(t, hub.RoomCount())
	assert.Zero(t, registry.ConnectionCount())
}

func TestHubBroadcastHonoursExcludes(t *testing.T) {
	hub := NewHub(nil, nil)
	a1 := &fakeConn{id: "a1", userID: 1}
	a2 := &fakeConn{id: "a2", userID: 1}
	b := &fakeConn{id: "b", userID: 2}
	outsider := &fakeConn{id: "c", userID: 3}
	for _, c := range []*fakeConn{a1, a2, b} {
		hub.Subscribe(c, 7)
	}
	hub.Subscribe(outsider, 8)

	event := models.OutboundEvent{Type: models.EventNewMessage}
	assert.Equal(t, 3, hub.Broadcast(7, event))
	assert.Equal(t, 2, hub.Broadcast(7, models.OutboundEvent{Type: models.EventMessageRead}, presence.ExceptConn("a1")))
	assert.Equal(t, 1, hub.Broadcast(7, models.OutboundEvent{Type: models.EventUserTyping}, presence.ExceptUser(1)))

	assert.Equal(t, []string{"newMessage"}, a1.types())
	assert.Equal(t, []string{"newMessage", "messageRead"}, a2.types())
	assert.Equal(t, []string{"newMessage", "messageRead", "userTyping"}, b.types())
	assert.Empty(t, outsider.types())
	assert.Zero(t, hub.Broadcast(99, event))
}

func TestHubDropsEventsForSlowAndClosedConnections(t *testing.T) {
	hub := NewHub(nil, nil)
	slow := &fakeConn{id: "slow", userID: 1, err: ErrSendQueueFull}
	gone := &fakeConn{id: "gone", userID: 2, err: ErrConnClosed}
	ok := &fakeConn{id: "ok", userID: 3}
	for _, c := range []*fakeConn{slow, gone, ok} {
		hub.Subscribe(c, 1)
	}

	assert.Equal(t, 1, hub.Broadcast(1, models.OutboundEvent{Type: models.EventNewMessage}))
	assert.True(t, slow.closed, "slow consumers are disconnected")
	assert.False(t, gone.closed)
	assert.Len(t, ok.types(), 1)
}

func TestHubBroadcastToUserUsesPresence(t *testing.T) {
	registry := presence.NewRegistry(nil)
	hub := NewHub(registry, nil)
	a1 := &fakeConn{id: "a1", userID: 1}
	a2 := &fakeConn{id: "a2", userID: 1}
	for _, c := range []*fakeConn{a1, a2} {
		_, err := registry.Connect(c)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, hub.BroadcastToUser(1, models.OutboundEvent{Type: models.EventMessageDeleted}))
	assert.Equal(t, 1, hub.BroadcastToUser(1, models.OutboundEvent{Type: models.EventMessageDeleted}, presence.ExceptConn("a2")))
	assert.Zero(t, hub.BroadcastToUser(2, models.OutboundEvent{Type: models.EventMessageDeleted}))

	hub.SubscribeUser(1, 5)
	assert.ElementsMatch(t, []string{"a1", "a2"}, hub.Members(5))
}

func TestHubConcurrentSubscribeAndBroadcast(t *testing.T) {
	hub := NewHub(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		conn := &fakeConn{id: string(rune('A' + i)), userID: i}
		go func() {
			defer wg.Done()
			hub.Subscribe(conn, 1)
			hub.DropConnection(conn)
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast(1, models.OutboundEvent{Type: models.EventUserTyping})
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.RoomCount())
}
