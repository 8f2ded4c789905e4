// Package presence tracks which users currently hold live connections.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	shardCount    = 32
	tombstoneTTL  = time.Minute
	mirrorTimeout = 2 * time.Second
)

// ErrHandleClosed is returned when a connection that was already
// disconnected tries to register again.
var ErrHandleClosed = errors.New("presence: connection already closed")

// Conn is a live client connection. Send must not block.
type Conn interface {
	ID() string
	UserID() int
	Send(payload []byte) error
	Close()
}

// Mirror publishes presence transitions for other gateway processes.
type Mirror interface {
	SetOnline(ctx context.Context, userID int) error
	SetOffline(ctx context.Context, userID int, lastSeen time.Time) error
	Lookup(ctx context.Context, userID int) (Status, error)
}

// Registry maps users to their live connections. Operations on one user are
// serialized by that user's shard lock; different shards never block each other.
type Registry struct {
	shards [shardCount]shard
	now    func() time.Time
	mirror Mirror
	logger *zap.Logger
}

type shard struct {
	mu       sync.Mutex
	users    map[int]*entry
	lastSeen map[int]time.Time
	closed   map[string]time.Time
	// seq numbers each user's online/offline transitions under mu. Mirror
	// writes are applied under mirrorMu in seq order; older ones are skipped.
	seq      map[int]uint64
	mirrorMu sync.Mutex
	mirrored map[int]uint64
}

type entry struct {
	conns map[string]Conn
}

// Option customizes a Registry.
type Option func(*Registry)

// WithMirror publishes online/offline transitions to m.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{now: time.Now, logger: logger}
	for i := range r.shards {
		r.shards[i].users = make(map[int]*entry)
		r.shards[i].lastSeen = make(map[int]time.Time)
		r.shards[i].closed = make(map[string]time.Time)
		r.shards[i].seq = make(map[int]uint64)
		r.shards[i].mirrored = make(map[int]uint64)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(userID int) *shard {
	idx := userID % shardCount
	if idx < 0 {
		idx = -idx
	}
	return &r.shards[idx]
}

// Connect records conn for its user. It reports whether the user just came online.
func (r *Registry) Connect(conn Conn) (bool, error) {
	userID := conn.UserID()
	s := r.shardFor(userID)
	now := r.now()

	s.mu.Lock()
	if _, closed := s.closed[conn.ID()]; closed {
		s.mu.Unlock()
		return false, ErrHandleClosed
	}
	e, ok := s.users[userID]
	if !ok {
		e = &entry{conns: make(map[string]Conn)}
		s.users[userID] = e
	}
	e.conns[conn.ID()] = conn
	s.lastSeen[userID] = now
	cameOnline := !ok
	var seq uint64
	if cameOnline {
		s.seq[userID]++
		seq = s.seq[userID]
	}
	s.mu.Unlock()

	if cameOnline {
		r.syncMirror(s, userID, seq, true, now)
	}
	return cameOnline, nil
}

// Disconnect removes conn. It reports the owning user and whether that user
// has no connection left. Unknown connections are ignored.
func (r *Registry) Disconnect(conn Conn) (int, bool) {
	userID := conn.UserID()
	s := r.shardFor(userID)
	now := r.now()

	s.mu.Lock()
	s.pruneTombstones(now)
	s.closed[conn.ID()] = now
	e, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return userID, false
	}
	if _, present := e.conns[conn.ID()]; !present {
		s.mu.Unlock()
		return userID, false
	}
	delete(e.conns, conn.ID())
	s.lastSeen[userID] = now
	wentOffline := len(e.conns) == 0
	var seq uint64
	if wentOffline {
		delete(s.users, userID)
		s.seq[userID]++
		seq = s.seq[userID]
	}
	s.mu.Unlock()

	if wentOffline {
		r.syncMirror(s, userID, seq, false, now)
	}
	return userID, wentOffline
}

func (s *shard) pruneTombstones(now time.Time) {
	for id, at := range s.closed {
		if now.Sub(at) > tombstoneTTL {
			delete(s.closed, id)
		}
	}
}

// Touch refreshes the user's last activity and the mirrored online marker.
func (r *Registry) Touch(conn Conn) {
	s := r.shardFor(conn.UserID())
	now := r.now()
	live := false
	var seq uint64
	s.mu.Lock()
	if e, ok := s.users[conn.UserID()]; ok {
		if _, live = e.conns[conn.ID()]; live {
			s.lastSeen[conn.UserID()] = now
			seq = s.seq[conn.UserID()]
		}
	}
	s.mu.Unlock()
	if live {
		r.syncMirror(s, conn.UserID(), seq, true, now)
	}
}

// IsOnline reports whether the user holds at least one connection.
func (r *Registry) IsOnline(userID int) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

// Handles returns the user's live connections.
func (r *Registry) Handles(userID int) []Conn {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[userID]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// LastSeen returns the last recorded activity of the user, online or not.
func (r *Registry) LastSeen(userID int) (time.Time, bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastSeen[userID]
	return t, ok
}

// OnlineCount returns the number of users with at least one connection.
func (r *Registry) OnlineCount() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		total += len(s.users)
		s.mu.Unlock()
	}
	return total
}

// ConnectionCount returns the number of live connections across all users.
func (r *Registry) ConnectionCount() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, e := range s.users {
			total += len(e.conns)
		}
		s.mu.Unlock()
	}
	return total
}

// OnlineUsers returns the ids of online users, ascending.
func (r *Registry) OnlineUsers() []int {
	ids := []int{}
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id := range s.users {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	sort.Ints(ids)
	return ids
}

// Status reports the user's presence from local connections, falling back to
// the mirror for users connected to other processes.
func (r *Registry) Status(ctx context.Context, userID int) Status {
	st := Status{UserID: userID, Online: r.IsOnline(userID)}
	if t, ok := r.LastSeen(userID); ok {
		st.LastSeen = t
	}
	if st.Online || r.mirror == nil {
		return st
	}
	remote, err := r.mirror.Lookup(ctx, userID)
	if err != nil {
		r.logger.Warn("presence mirror lookup failed", zap.Int("user_id", userID), zap.Error(err))
		return st
	}
	st.Online = remote.Online
	if remote.LastSeen.After(st.LastSeen) {
		st.LastSeen = remote.LastSeen
	}
	return st
}

// syncMirror publishes the user's state as of transition seq. A write whose
// transition was overtaken by a newer one is dropped.
func (r *Registry) syncMirror(s *shard, userID int, seq uint64, online bool, at time.Time) {
	if r.mirror == nil {
		return
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	if seq < s.mirrored[userID] {
		return
	}
	s.mirrored[userID] = seq

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if online {
		if err := r.mirror.SetOnline(ctx, userID); err != nil {
			r.logger.Warn("presence mirror online failed", zap.Int("user_id", userID), zap.Error(err))
		}
		return
	}
	if err := r.mirror.SetOffline(ctx, userID, at); err != nil {
		r.logger.Warn("presence mirror offline failed", zap.Int("user_id", userID), zap.Error(err))
	}
}
