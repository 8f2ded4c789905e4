package grpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/models"
)

const methodGetItem = "/catalog.CatalogService/GetItem"

// CatalogClient looks up items in the catalog service behind a circuit breaker.
type CatalogClient struct {
	conn   grpc.ClientConnInterface
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// BreakerSettings configures the catalog circuit breaker.
type BreakerSettings struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

func NewCatalogClient(conn grpc.ClientConnInterface, settings BreakerSettings, logger *zap.Logger) *CatalogClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	st := gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperr.ErrNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &CatalogClient{conn: conn, cb: gobreaker.NewCircuitBreaker(st), logger: logger}
}

// GetItem returns the item with its seller. Unknown items wrap apperr.ErrNotFound;
// an open breaker wraps apperr.ErrStorageUnavailable.
func (c *CatalogClient) GetItem(ctx context.Context, itemID int) (models.Item, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := invoke(ctx, c.conn, methodGetItem, map[string]any{"item_id": itemID})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, fmt.Errorf("item %d: %w", itemID, apperr.ErrNotFound)
			}
			return nil, err
		}
		item := models.Item{
			ID:           intField(resp, "id"),
			SellerID:     intField(resp, "seller_id"),
			Title:        stringField(resp, "title"),
			Price:        resp.GetFields()["price"].GetNumberValue(),
			PrimaryImage: stringField(resp, "primary_image"),
			Status:       stringField(resp, "status"),
		}
		if item.ID == 0 {
			return nil, fmt.Errorf("item %d: %w", itemID, apperr.ErrNotFound)
		}
		return item, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.Item{}, fmt.Errorf("%w: catalog %v", apperr.ErrStorageUnavailable, err)
		}
		return models.Item{}, err
	}
	return res.(models.Item), nil
}

// State exposes the breaker state for debug endpoints.
func (c *CatalogClient) State() string {
	return c.cb.State().String()
}

// StaticCatalog is an in-memory catalog for local runs and tests.
type StaticCatalog struct {
	mu    sync.RWMutex
	items map[int]models.Item
}

func NewStaticCatalog(items ...models.Item) *StaticCatalog {
	c := &StaticCatalog{items: make(map[int]models.Item)}
	for _, item := range items {
		c.items[item.ID] = item
	}
	return c
}

// Put adds or replaces an item.
func (c *StaticCatalog) Put(item models.Item) {
	c.mu.Lock()
	c.items[item.ID] = item
	c.mu.Unlock()
}

func (c *StaticCatalog) GetItem(_ context.Context, itemID int) (models.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[itemID]
	if !ok {
		return models.Item{}, fmt.Errorf("item %d: %w", itemID, apperr.ErrNotFound)
	}
	return item, nil
}
