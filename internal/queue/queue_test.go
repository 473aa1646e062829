package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/models"
)

func makeEvent(id string) models.Event {
	return models.Event{ID: id, Type: models.EventTypeMessage, RecipientID: 1, CreatedAt: time.Now()}
}

func TestDrainReturnsEnqueueOrder(t *testing.T) {
	q := New(Config{})
	q.Enqueue(1, makeEvent("a"))
	q.Enqueue(1, makeEvent("b"))
	q.Enqueue(1, makeEvent("c"))

	events := q.Drain(1)
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, "c", events[2].ID)

	assert.Empty(t, q.Drain(1), "drain removes everything")
	assert.Zero(t, q.Len(1))
}

func TestBuffersAreIsolatedPerUser(t *testing.T) {
	q := New(Config{})
	q.Enqueue(1, makeEvent("for-1"))
	q.Enqueue(2, makeEvent("for-2"))

	events := q.Drain(1)
	require.Len(t, events, 1)
	assert.Equal(t, "for-1", events[0].ID)
	assert.Equal(t, 1, q.Len(2))
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	q := New(Config{Capacity: 3})
	for i := 1; i <= 5; i++ {
		q.Enqueue(1, makeEvent(fmt.Sprintf("m%d", i)))
	}

	events := q.Drain(1)
	require.Len(t, events, 3)
	assert.Equal(t, "m3", events[0].ID)
	assert.Equal(t, "m4", events[1].ID)
	assert.Equal(t, "m5", events[2].ID)
}

func TestExpiredEntriesArePruned(t *testing.T) {
	q := New(Config{MaxAge: 10 * time.Millisecond})
	q.Enqueue(1, makeEvent("stale"))

	time.Sleep(25 * time.Millisecond)
	q.Enqueue(1, makeEvent("fresh"))

	events := q.Drain(1)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].ID)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New(Config{})
	q.Enqueue(1, makeEvent("a"))
	q.Enqueue(1, makeEvent("b"))

	queued := q.Peek(1)
	require.Len(t, queued, 2)
	assert.Equal(t, "a", queued[0].Event.ID)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.False(t, queued[0].EnqueuedAt.IsZero())

	assert.Len(t, q.Peek(1), 2)
	assert.Equal(t, 2, q.Len(1))
}

func TestClearIsIdempotent(t *testing.T) {
	q := New(Config{})
	q.Enqueue(1, makeEvent("a"))

	q.Clear(1)
	assert.Zero(t, q.Len(1))
	q.Clear(1)
	assert.Empty(t, q.Peek(1))
}
