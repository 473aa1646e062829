// Package presence derives and stores per-user availability state.
package presence

import (
	"hash/fnv"
	"sync"
	"time"

	"realtime-service/internal/models"
)

const (
	defaultShardCount = 32
	watchBuffer       = 64
)

// Tracker owns presence records. Liveness transitions arrive from the
// connection registry; explicit status updates arrive from clients. An
// explicit away/online set while connected overrides the liveness-derived
// default until the user fully disconnects.
type Tracker struct {
	shards []*shard

	watchMu  sync.Mutex
	watchers map[int]chan models.PresenceEvent
	nextID   int
}

type shard struct {
	mu      sync.RWMutex
	records map[int]*record
}

type record struct {
	status       models.PresenceStatus
	hint         models.PresenceStatus // explicit set while disconnected, applied on reconnect
	connected    bool
	lastActivity time.Time
	device       *models.DeviceInfo
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	shards := make([]*shard, defaultShardCount)
	for i := range shards {
		shards[i] = &shard{records: make(map[int]*record)}
	}
	return &Tracker{shards: shards, watchers: make(map[int]chan models.PresenceEvent)}
}

// HandleConnect is called by the registry when a user's first connection
// registers. A status hint stored while the user was offline is applied now.
func (t *Tracker) HandleConnect(userID int, device models.DeviceInfo) {
	s := t.shardFor(userID)
	s.mu.Lock()
	rec := s.record(userID)
	old := rec.status
	rec.connected = true
	if rec.hint.Valid() {
		rec.status = rec.hint
	} else {
		rec.status = models.PresenceOnline
	}
	rec.hint = ""
	rec.lastActivity = time.Now()
	rec.device = &models.DeviceInfo{Platform: device.Platform, DeviceID: device.DeviceID}
	status := rec.status
	s.mu.Unlock()

	if old != status {
		t.emit(userID, old, status)
	}
}

// HandleDisconnect is called by the registry when a user's last connection
// unregisters. Explicit overrides do not survive a full disconnect.
func (t *Tracker) HandleDisconnect(userID int) {
	s := t.shardFor(userID)
	s.mu.Lock()
	rec := s.record(userID)
	old := rec.status
	rec.connected = false
	rec.status = models.PresenceOffline
	rec.hint = ""
	rec.lastActivity = time.Now()
	s.mu.Unlock()

	if old != models.PresenceOffline {
		t.emit(userID, old, models.PresenceOffline)
	}
}

// SetPresence stores an explicit client status update. Idempotent; while the
// user has no live connection the update is kept as a non-authoritative hint
// for the next reconnect and the stored status stays offline.
func (t *Tracker) SetPresence(userID int, status models.PresenceStatus, device *models.DeviceInfo) {
	if !status.Valid() {
		return
	}
	s := t.shardFor(userID)
	s.mu.Lock()
	rec := s.record(userID)
	old := rec.status
	if rec.connected {
		rec.status = status
		rec.lastActivity = time.Now()
	} else {
		rec.hint = status
	}
	if device != nil {
		rec.device = device
	}
	changed := rec.connected && old != status
	s.mu.Unlock()

	if changed {
		t.emit(userID, old, status)
	}
}

// Touch stamps last activity, used by heartbeats.
func (t *Tracker) Touch(userID int) {
	s := t.shardFor(userID)
	s.mu.Lock()
	if rec, ok := s.records[userID]; ok {
		rec.lastActivity = time.Now()
	}
	s.mu.Unlock()
}

// GetPresence returns the user's presence, defaulting to offline for users
// the tracker has never seen.
func (t *Tracker) GetPresence(userID int) models.PresenceRecord {
	s := t.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return models.PresenceRecord{UserID: userID, Status: models.PresenceOffline}
	}
	return models.PresenceRecord{
		UserID:       userID,
		Status:       rec.status,
		LastActivity: rec.lastActivity,
		Device:       rec.device,
	}
}

// BulkGetPresence is the batch variant of GetPresence; missing entries
// default to offline. Input size is capped by the caller.
func (t *Tracker) BulkGetPresence(userIDs []int) map[int]models.PresenceRecord {
	out := make(map[int]models.PresenceRecord, len(userIDs))
	for _, id := range userIDs {
		out[id] = t.GetPresence(id)
	}
	return out
}

// Watch subscribes to presence transitions. The returned cancel function
// removes the subscription and closes the channel. Slow subscribers drop
// events rather than block state transitions.
func (t *Tracker) Watch() (<-chan models.PresenceEvent, func()) {
	t.watchMu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan models.PresenceEvent, watchBuffer)
	t.watchers[id] = ch
	t.watchMu.Unlock()

	cancel := func() {
		t.watchMu.Lock()
		if ch, ok := t.watchers[id]; ok {
			delete(t.watchers, id)
			close(ch)
		}
		t.watchMu.Unlock()
	}
	return ch, cancel
}

func (t *Tracker) emit(userID int, old, next models.PresenceStatus) {
	event := models.PresenceEvent{
		UserID:    userID,
		OldStatus: old,
		NewStatus: next,
		Timestamp: time.Now(),
	}
	t.watchMu.Lock()
	for _, ch := range t.watchers {
		select {
		case ch <- event:
		default:
		}
	}
	t.watchMu.Unlock()
}

// record returns the user's record, creating an offline one if absent.
// Caller holds the shard lock.
func (s *shard) record(userID int) *record {
	rec, ok := s.records[userID]
	if !ok {
		rec = &record{status: models.PresenceOffline}
		s.records[userID] = rec
	}
	return rec
}

func (t *Tracker) shardFor(userID int) *shard {
	h := fnv.New32a()
	var buf [8]byte
	v := uint64(userID)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return t.shards[int(h.Sum32())%len(t.shards)]
}
