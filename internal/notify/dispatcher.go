// Package notify delivers offline notifications through the message broker.
package notify

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

// RoutingOffline is the broker routing key of offline notifications.
const RoutingOffline = "chat.notifications.offline"

const publishTimeout = 5 * time.Second

// ErrQueueFull is returned when the dispatcher cannot accept more work.
var ErrQueueFull = errors.New("notify: queue full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notify: dispatcher closed")

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Dispatcher hands notifications to a fixed pool of workers so callers never
// wait on the broker.
type Dispatcher struct {
	publisher Publisher
	logger    *zap.Logger
	queue     chan models.OfflineNotification
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

// NewDispatcher starts workers goroutines draining a queue of size buffer.
func NewDispatcher(publisher Publisher, logger *zap.Logger, workers, buffer int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 2
	}
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan models.OfflineNotification, buffer),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// NotifyOffline enqueues n. It never blocks.
func (d *Dispatcher) NotifyOffline(_ context.Context, n models.OfflineNotification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- n:
		return nil
	default:
		observability.IncNotification("dropped")
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.publish(n)
	}
}

func (d *Dispatcher) publish(n models.OfflineNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	headers := map[string]string{"x-user-id": strconv.Itoa(n.UserID)}
	if err := d.publisher.Publish(ctx, RoutingOffline, n, headers); err != nil {
		observability.IncNotification("failed")
		d.logger.Warn("offline notification publish failed",
			zap.Int("user_id", n.UserID),
			zap.Int("conversation_id", n.ConversationID),
			zap.Error(err))
		return
	}
	observability.IncNotification("published")
}

// Close stops accepting work and waits for queued notifications to be published.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
