// Package queue buffers undelivered events per recipient, in enqueue order.
package queue

import (
	"hash/fnv"
	"sync"
	"time"

	"realtime-service/internal/models"
	"realtime-service/internal/observability"
)

const (
	defaultShardCount = 32
	defaultCapacity   = 100
	defaultMaxAge     = 72 * time.Hour
)

// Config bounds the per-recipient buffer. Zero values fall back to defaults.
type Config struct {
	Capacity int
	MaxAge   time.Duration
}

// Queue is a bounded, memory-resident FIFO buffer per recipient. Delivery
// from it is best-effort at-least-once: entries past the capacity or age
// limits are evicted oldest-first and silently dropped, observable only
// through the eviction counter.
type Queue struct {
	shards []*shard
	cfg    Config
}

type shard struct {
	mu      sync.Mutex
	buffers map[int][]entry
}

type entry struct {
	event      models.Event
	enqueuedAt time.Time
	attempts   int
}

// New builds an empty queue.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	shards := make([]*shard, defaultShardCount)
	for i := range shards {
		shards[i] = &shard{buffers: make(map[int][]entry)}
	}
	return &Queue{shards: shards, cfg: cfg}
}

// Enqueue appends to the tail of the recipient's buffer, evicting the oldest
// entries when the buffer is at capacity.
func (q *Queue) Enqueue(userID int, event models.Event) {
	s := q.shardFor(userID)
	s.mu.Lock()
	buf := q.pruneExpiredLocked(s, userID)
	buf = append(buf, entry{event: event, enqueuedAt: time.Now(), attempts: 1})
	evicted := 0
	for len(buf) > q.cfg.Capacity {
		buf = buf[1:]
		evicted++
	}
	s.buffers[userID] = buf
	s.mu.Unlock()

	observability.AddQueueDepth(1 - evicted)
	if evicted > 0 {
		observability.IncQueueEvictions(evicted)
	}
}

// Drain returns and removes all buffered events for the user in enqueue
// order. Callers must serialize drains per user; the connection handshake is
// the sole drain trigger on the live path.
func (q *Queue) Drain(userID int) []models.Event {
	s := q.shardFor(userID)
	s.mu.Lock()
	buf := q.pruneExpiredLocked(s, userID)
	delete(s.buffers, userID)
	s.mu.Unlock()

	observability.AddQueueDepth(-len(buf))
	events := make([]models.Event, 0, len(buf))
	for _, e := range buf {
		events = append(events, e.event)
	}
	return events
}

// Peek returns the buffered events without removing them.
func (q *Queue) Peek(userID int) []models.QueuedMessage {
	s := q.shardFor(userID)
	s.mu.Lock()
	buf := q.pruneExpiredLocked(s, userID)
	s.buffers[userID] = buf
	if len(buf) == 0 {
		delete(s.buffers, userID)
	}
	out := make([]models.QueuedMessage, 0, len(buf))
	for _, e := range buf {
		out = append(out, models.QueuedMessage{Event: e.event, EnqueuedAt: e.enqueuedAt, Attempts: e.attempts})
	}
	s.mu.Unlock()
	return out
}

// Clear discards the user's backlog. Clearing an empty backlog is a no-op.
func (q *Queue) Clear(userID int) {
	s := q.shardFor(userID)
	s.mu.Lock()
	dropped := len(s.buffers[userID])
	delete(s.buffers, userID)
	s.mu.Unlock()

	observability.AddQueueDepth(-dropped)
}

// Len returns the user's current backlog size.
func (q *Queue) Len(userID int) int {
	s := q.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[userID])
}

// pruneExpiredLocked drops entries older than MaxAge from the head. Caller
// holds the shard lock.
func (q *Queue) pruneExpiredLocked(s *shard, userID int) []entry {
	buf := s.buffers[userID]
	cutoff := time.Now().Add(-q.cfg.MaxAge)
	expired := 0
	for expired < len(buf) && buf[expired].enqueuedAt.Before(cutoff) {
		expired++
	}
	if expired > 0 {
		buf = buf[expired:]
		observability.AddQueueDepth(-expired)
		observability.IncQueueEvictions(expired)
	}
	return buf
}

func (q *Queue) shardFor(userID int) *shard {
	h := fnv.New32a()
	var buf [8]byte
	v := uint64(userID)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return q.shards[int(h.Sum32())%len(q.shards)]
}
