// Package registry maps user identifiers to their live device connections.
package registry

import (
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"realtime-service/internal/models"
)

const (
	defaultShardCount   = 32
	defaultSendBuffer   = 32
	defaultWriteTimeout = 5 * time.Second
)

// PresenceSink receives liveness transitions derived from the registry:
// HandleConnect fires when a user's first connection registers,
// HandleDisconnect when the last one goes away.
type PresenceSink interface {
	HandleConnect(userID int, device models.DeviceInfo)
	HandleDisconnect(userID int)
}

// Config tunes the registry. Zero values fall back to defaults.
type Config struct {
	Shards       int
	SendBuffer   int
	WriteTimeout time.Duration
}

// Registry is the authoritative map of live connections, sharded by user id
// so unrelated users never contend on one lock.
type Registry struct {
	shards   []*shard
	presence PresenceSink
	cfg      Config
}

type shard struct {
	mu    sync.RWMutex
	users map[int]map[string]*Conn
}

// New builds a Registry. presence may be nil.
func New(cfg Config, presence PresenceSink) *Registry {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShardCount
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{users: make(map[int]map[string]*Conn)}
	}
	return &Registry{shards: shards, presence: presence, cfg: cfg}
}

// NewConn creates a connection owned by this registry. The caller registers
// it and starts its writer once the queued backlog has been drained.
func (r *Registry) NewConn(userID int, device models.DeviceInfo, ws Wire) *Conn {
	return newConn(userID, device, ws, r.cfg.SendBuffer, r.cfg.WriteTimeout)
}

// Register adds a connection for its user. The presence sink is invoked
// under the shard lock so connect and disconnect callbacks for one user are
// delivered in registration order.
func (r *Registry) Register(conn *Conn) {
	s := r.shardFor(conn.UserID)
	s.mu.Lock()
	conns, ok := s.users[conn.UserID]
	if !ok {
		conns = make(map[string]*Conn)
		s.users[conn.UserID] = conns
	}
	first := len(conns) == 0
	conns[conn.ID] = conn
	if first && r.presence != nil {
		r.presence.HandleConnect(conn.UserID, conn.Device)
	}
	s.mu.Unlock()
}

// Unregister removes a connection and closes it. Removing the user's last
// connection moves presence toward offline. Safe to call for connections
// already removed.
func (r *Registry) Unregister(conn *Conn) {
	s := r.shardFor(conn.UserID)
	s.mu.Lock()
	conns, ok := s.users[conn.UserID]
	if ok {
		if _, present := conns[conn.ID]; !present {
			ok = false
		}
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(s.users, conn.UserID)
		}
	}
	if ok && len(conns) == 0 && r.presence != nil {
		r.presence.HandleDisconnect(conn.UserID)
	}
	s.mu.Unlock()

	conn.Close()
}

// ListConnections returns the user's current live connections, empty if none.
func (r *Registry) ListConnections(userID int) []*Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Conn, 0, len(s.users[userID]))
	for _, conn := range s.users[userID] {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// IsOnline reports whether at least one live connection exists for the user.
func (r *Registry) IsOnline(userID int) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// OnlineCount returns the number of users with at least one live connection.
func (r *Registry) OnlineCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.users)
		s.mu.RUnlock()
	}
	return total
}

// Reap unregisters connections whose last heartbeat is older than maxIdle
// and returns how many were removed.
func (r *Registry) Reap(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	var stale []*Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			for _, conn := range conns {
				if conn.LastSeen().Before(cutoff) {
					stale = append(stale, conn)
				}
			}
		}
		s.mu.RUnlock()
	}
	for _, conn := range stale {
		log.Printf("registry reaping idle connection conn_id=%s user_id=%d", conn.ID, conn.UserID)
		r.Unregister(conn)
	}
	return len(stale)
}

// StartJanitor reaps idle connections on an interval until the returned stop
// function is called.
func (r *Registry) StartJanitor(interval, maxIdle time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reap(maxIdle)
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func (r *Registry) shardFor(userID int) *shard {
	h := fnv.New32a()
	var buf [8]byte
	v := uint64(userID)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return r.shards[int(h.Sum32())%len(r.shards)]
}
