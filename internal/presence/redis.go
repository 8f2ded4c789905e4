package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the presence of a user as seen through the mirror.
type Status struct {
	UserID   int       `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// RedisMirror stores presence keys in Redis so other gateway processes can
// answer presence queries. Keys:
//   - <prefix>:presence:<user>  online marker, expires after ttl
//   - <prefix>:last_seen:<user> unix seconds of the last disconnect
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror builds a mirror. A ttl of zero defaults to two minutes.
func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) presenceKey(userID int) string {
	return fmt.Sprintf("%s:presence:%d", m.prefix, userID)
}

func (m *RedisMirror) lastSeenKey(userID int) string {
	return fmt.Sprintf("%s:last_seen:%d", m.prefix, userID)
}

// SetOnline marks the user online until the ttl lapses.
func (m *RedisMirror) SetOnline(ctx context.Context, userID int) error {
	return m.client.Set(ctx, m.presenceKey(userID), "online", m.ttl).Err()
}

// SetOffline clears the online marker and records the last activity.
func (m *RedisMirror) SetOffline(ctx context.Context, userID int, lastSeen time.Time) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.presenceKey(userID))
	pipe.Set(ctx, m.lastSeenKey(userID), lastSeen.Unix(), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// Lookup reads the mirrored presence of a user.
func (m *RedisMirror) Lookup(ctx context.Context, userID int) (Status, error) {
	st := Status{UserID: userID}
	n, err := m.client.Exists(ctx, m.presenceKey(userID)).Result()
	if err != nil {
		return st, err
	}
	st.Online = n > 0
	raw, err := m.client.Get(ctx, m.lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		st.LastSeen = time.Unix(secs, 0).UTC()
	}
	return st, nil
}
