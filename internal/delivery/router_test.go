package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/mocks"
	"realtime-service/internal/models"
	"realtime-service/internal/queue"
	"realtime-service/internal/registry"
)

type stubWire struct {
	mu     sync.Mutex
	writes [][]byte
}

func (w *stubWire) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	w.writes = append(w.writes, buf)
	return nil
}

func (w *stubWire) SetWriteDeadline(t time.Time) error { return nil }
func (w *stubWire) Close() error                       { return nil }

func (w *stubWire) Writes() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.writes))
	copy(out, w.writes)
	return out
}

type pushRecorder struct {
	result bool
	calls  chan int
}

func newPushRecorder(result bool) *pushRecorder {
	return &pushRecorder{result: result, calls: make(chan int, 4)}
}

func (p *pushRecorder) PushToUser(ctx context.Context, userID int, notification models.PushNotification) bool {
	p.calls <- userID
	return p.result
}

func makeEvent(id string, recipientID int) models.Event {
	return models.Event{
		ID:          id,
		Type:        models.EventTypeMessage,
		SenderID:    99,
		RecipientID: recipientID,
		Payload:     json.RawMessage(`{"content":"hi"}`),
		CreatedAt:   time.Now(),
	}
}

func TestDeliverQueuesWhenOffline(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	q := queue.New(queue.Config{})
	push := newPushRecorder(true)
	router := NewRouter(reg, q, push, time.Second)

	outcome := router.Deliver(context.Background(), 7, makeEvent("e1", 7))

	assert.Equal(t, models.DeliveryQueued, outcome)
	require.Equal(t, 1, q.Len(7))

	select {
	case userID := <-push.calls:
		assert.Equal(t, 7, userID)
	case <-time.After(time.Second):
		t.Fatal("push dispatch never fired")
	}
}

func TestDeliverLiveWhenConnected(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	q := queue.New(queue.Config{})
	push := newPushRecorder(true)
	router := NewRouter(reg, q, push, time.Second)

	wire := &stubWire{}
	conn := reg.NewConn(7, models.DeviceInfo{}, wire)
	reg.Register(conn)
	conn.Start(nil)

	outcome := router.Deliver(context.Background(), 7, makeEvent("e1", 7))

	assert.Equal(t, models.DeliveredLive, outcome)
	assert.Zero(t, q.Len(7))

	require.Eventually(t, func() bool {
		return len(wire.Writes()) == 1
	}, time.Second, 5*time.Millisecond)

	var got models.Event
	require.NoError(t, json.Unmarshal(wire.Writes()[0], &got))
	assert.Equal(t, "e1", got.ID)

	select {
	case <-push.calls:
		t.Fatal("push must not fire for a live delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliverFansOutToEveryDevice(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	router := NewRouter(reg, queue.New(queue.Config{}), nil, time.Second)

	phone, laptop := &stubWire{}, &stubWire{}
	for _, wire := range []*stubWire{phone, laptop} {
		conn := reg.NewConn(7, models.DeviceInfo{}, wire)
		reg.Register(conn)
		conn.Start(nil)
	}

	outcome := router.Deliver(context.Background(), 7, makeEvent("e1", 7))

	assert.Equal(t, models.DeliveredLive, outcome)
	require.Eventually(t, func() bool {
		return len(phone.Writes()) == 1 && len(laptop.Writes()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDeliverSurvivesOneDeadDevice(t *testing.T) {
	reg := registry.New(registry.Config{SendBuffer: 1}, nil)
	q := queue.New(queue.Config{})
	router := NewRouter(reg, q, nil, 20*time.Millisecond)

	// A stalled connection: writer never started, buffer already full.
	dead := reg.NewConn(7, models.DeviceInfo{}, &stubWire{})
	reg.Register(dead)
	require.NoError(t, dead.Send([]byte("stuck"), time.Second))

	healthy := &stubWire{}
	conn := reg.NewConn(7, models.DeviceInfo{}, healthy)
	reg.Register(conn)
	conn.Start(nil)

	outcome := router.Deliver(context.Background(), 7, makeEvent("e1", 7))

	assert.Equal(t, models.DeliveredLive, outcome)
	assert.Zero(t, q.Len(7))
	assert.Len(t, reg.ListConnections(7), 1, "dead connection must be unregistered")
}

func TestDeliverQueuesWhenAllDevicesDead(t *testing.T) {
	reg := registry.New(registry.Config{SendBuffer: 1}, nil)
	q := queue.New(queue.Config{})
	router := NewRouter(reg, q, nil, 20*time.Millisecond)

	dead := reg.NewConn(7, models.DeviceInfo{}, &stubWire{})
	reg.Register(dead)
	require.NoError(t, dead.Send([]byte("stuck"), time.Second))

	outcome := router.Deliver(context.Background(), 7, makeEvent("e1", 7))

	assert.Equal(t, models.DeliveryQueued, outcome)
	assert.Equal(t, 1, q.Len(7))
	assert.False(t, reg.IsOnline(7))
}

func TestDeliverPushFailureLeavesOutcomeQueued(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	q := queue.New(queue.Config{})

	dispatched := make(chan struct{})
	push := &mocks.PushDispatcherMock{}
	push.On("PushToUser", mock.Anything, 7, mock.MatchedBy(func(n models.PushNotification) bool {
		return n.Data["event_id"] == "e1"
	})).Run(func(args mock.Arguments) { close(dispatched) }).Return(false)

	router := NewRouter(reg, q, push, time.Second)
	outcome := router.Deliver(context.Background(), 7, makeEvent("e1", 7))

	assert.Equal(t, models.DeliveryQueued, outcome, "push failure never changes the outcome")
	assert.Equal(t, 1, q.Len(7))

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("push dispatch never fired")
	}
	push.AssertExpectations(t)
}

func TestDeliverFailsOnUnmarshalableEvent(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	q := queue.New(queue.Config{})
	router := NewRouter(reg, q, nil, time.Second)

	event := makeEvent("e1", 7)
	event.Payload = json.RawMessage(`{broken`)

	outcome := router.Deliver(context.Background(), 7, event)

	assert.Equal(t, models.DeliveryFailed, outcome)
	assert.Zero(t, q.Len(7), "failed events are not queued")
}

type resolverStub struct {
	members map[int][]int
	err     error
}

func (r *resolverStub) ResolveMembers(ctx context.Context, communityID int) ([]int, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.members[communityID], nil
}

func TestBroadcastSkipsSender(t *testing.T) {
	reg := registry.New(registry.Config{}, nil)
	q := queue.New(queue.Config{})
	router := NewRouter(reg, q, nil, time.Second)
	broadcaster := NewBroadcaster(router, &resolverStub{members: map[int][]int{10: {1, 2, 3}}})

	online := &stubWire{}
	conn := reg.NewConn(2, models.DeviceInfo{}, online)
	reg.Register(conn)
	conn.Start(nil)

	result, err := broadcaster.Broadcast(context.Background(), 10, makeEvent("b1", 0), 1)

	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted, "sender is excluded")
	assert.Equal(t, 1, result.DeliveredLive)
	assert.Equal(t, 1, result.Queued)
	assert.Zero(t, q.Len(1), "nothing queued for the excluded sender")
	assert.Equal(t, 1, q.Len(3))

	require.Eventually(t, func() bool {
		return len(online.Writes()) == 1
	}, time.Second, 5*time.Millisecond)

	var got models.Event
	require.NoError(t, json.Unmarshal(online.Writes()[0], &got))
	assert.Equal(t, 2, got.RecipientID, "each copy is addressed to its member")
}

func TestBroadcastResolveFailure(t *testing.T) {
	router := NewRouter(registry.New(registry.Config{}, nil), queue.New(queue.Config{}), nil, time.Second)
	broadcaster := NewBroadcaster(router, &resolverStub{err: errors.New("db down")})

	_, err := broadcaster.Broadcast(context.Background(), 10, makeEvent("b1", 0), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve members")
}
