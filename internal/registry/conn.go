package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"realtime-service/internal/models"
)

var (
	ErrConnClosed  = errors.New("connection closed")
	ErrSendTimeout = errors.New("send timed out")
)

// Wire is the subset of *websocket.Conn the registry writes to.
type Wire interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live device connection owned by the registry. All socket
// writes go through a single writer goroutine started by Start; Send only
// hands payloads to that goroutine.
type Conn struct {
	ID            string
	UserID        int
	Device        models.DeviceInfo
	EstablishedAt time.Time

	ws           Wire
	send         chan []byte
	done         chan struct{}
	writeTimeout time.Duration

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func newConn(userID int, device models.DeviceInfo, ws Wire, sendBuffer int, writeTimeout time.Duration) *Conn {
	now := time.Now()
	return &Conn{
		ID:            newConnID(),
		UserID:        userID,
		Device:        device,
		EstablishedAt: now,
		ws:            ws,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		writeTimeout:  writeTimeout,
		lastSeen:      now,
	}
}

// Start launches the writer goroutine. The drained backlog is written to the
// socket before any live push so a reconnecting client sees queued events in
// causal order.
func (c *Conn) Start(backlog [][]byte) {
	go c.writePump(backlog)
}

func (c *Conn) writePump(backlog [][]byte) {
	for _, payload := range backlog {
		if err := c.write(payload); err != nil {
			c.Close()
			return
		}
	}
	for {
		select {
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Send hands a payload to the writer goroutine. A full send buffer past the
// timeout is treated as a dead connection by callers.
func (c *Conn) Send(payload []byte, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Touch records heartbeat liveness.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the last heartbeat time.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Close stops the writer and closes the underlying socket. Safe to call
// more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	_ = c.ws.Close()
}

func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
