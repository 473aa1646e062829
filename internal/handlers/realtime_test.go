package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/mocks"
	"realtime-service/internal/models"
	"realtime-service/internal/presence"
	"realtime-service/internal/queue"
	"realtime-service/internal/registry"
)

type stubWire struct {
	mu sync.Mutex
}

func (w *stubWire) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return nil
}

func (w *stubWire) SetWriteDeadline(t time.Time) error { return nil }
func (w *stubWire) Close() error                       { return nil }

type fixture struct {
	handler     *RealtimeHandler
	deliverer   *mocks.DelivererMock
	broadcaster *mocks.BroadcasterMock
	userRepo    *mocks.UserRepositoryMock
	community   *mocks.CommunityRepositoryMock
	messages    *mocks.MessageRecordRepositoryMock
	tracker     *presence.Tracker
	queue       *queue.Queue
	registry    *registry.Registry
}

func newFixture() *fixture {
	f := &fixture{
		deliverer:   &mocks.DelivererMock{},
		broadcaster: &mocks.BroadcasterMock{},
		userRepo:    &mocks.UserRepositoryMock{},
		community:   &mocks.CommunityRepositoryMock{},
		messages:    &mocks.MessageRecordRepositoryMock{},
		tracker:     presence.NewTracker(),
		queue:       queue.New(queue.Config{}),
	}
	f.registry = registry.New(registry.Config{}, f.tracker)
	f.handler = NewRealtimeHandler(
		f.deliverer, f.broadcaster, f.tracker, f.queue, f.registry,
		f.userRepo, f.community, f.messages, nil,
	)
	return f
}

// asUser simulates the auth middleware.
func asUser(userID int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	}
}

func (f *fixture) router(callerID int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	auth := asUser(callerID)
	r.POST("/messages", auth, f.handler.SendMessage)
	r.POST("/communities/:community_id/broadcast", auth, f.handler.BroadcastToCommunity)
	r.PUT("/presence", auth, f.handler.UpdatePresence)
	r.GET("/presence/:user_id", auth, f.handler.GetPresence)
	r.POST("/presence/bulk", auth, f.handler.BulkGetPresence)
	r.GET("/messages/queued", auth, f.handler.GetQueuedMessages)
	r.DELETE("/messages/queued", auth, f.handler.ClearQueuedMessages)
	r.GET("/status", auth, f.handler.Status)
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSendMessageQueuedOutcome(t *testing.T) {
	f := newFixture()
	f.userRepo.On("IsActive", mock.Anything, 2).Return(true, nil)
	f.deliverer.On("Deliver", mock.Anything, 2, mock.Anything).Return(models.DeliveryQueued)
	f.messages.On("RecordMessage", mock.Anything, mock.Anything).Return(nil)

	w := doJSON(f.router(1), http.MethodPost, "/messages", gin.H{"recipient_id": 2, "content": "hi"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		MessageID string `json:"message_id"`
		Outcome   string `json:"outcome"`
		Delivered bool   `json:"delivered"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, string(models.DeliveryQueued), resp.Outcome)
	assert.False(t, resp.Delivered)

	f.deliverer.AssertExpectations(t)
	f.messages.AssertCalled(t, "RecordMessage", mock.Anything, mock.MatchedBy(func(rec models.MessageRecord) bool {
		return rec.SenderID == 1 && rec.RecipientID == 2 && rec.Outcome == string(models.DeliveryQueued)
	}))
}

func TestSendMessageDeliveredLive(t *testing.T) {
	f := newFixture()
	f.userRepo.On("IsActive", mock.Anything, 2).Return(true, nil)
	f.deliverer.On("Deliver", mock.Anything, 2, mock.MatchedBy(func(event models.Event) bool {
		return event.SenderID == 1 && event.RecipientID == 2 && event.Type == models.EventTypeMessage
	})).Return(models.DeliveredLive)
	f.messages.On("RecordMessage", mock.Anything, mock.Anything).Return(nil)

	w := doJSON(f.router(1), http.MethodPost, "/messages", gin.H{"recipient_id": 2, "content": "hi", "type": "image"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":true`)
	f.deliverer.AssertExpectations(t)
}

func TestSendMessageRecipientNotFound(t *testing.T) {
	f := newFixture()
	f.userRepo.On("IsActive", mock.Anything, 2).Return(false, nil)

	w := doJSON(f.router(1), http.MethodPost, "/messages", gin.H{"recipient_id": 2, "content": "hi"})

	assert.Equal(t, http.StatusNotFound, w.Code)
	f.deliverer.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageMissingContent(t *testing.T) {
	f := newFixture()

	w := doJSON(f.router(1), http.MethodPost, "/messages", gin.H{"recipient_id": 2})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageRecordFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture()
	f.userRepo.On("IsActive", mock.Anything, 2).Return(true, nil)
	f.deliverer.On("Deliver", mock.Anything, 2, mock.Anything).Return(models.DeliveredLive)
	f.messages.On("RecordMessage", mock.Anything, mock.Anything).Return(errors.New("db down"))

	w := doJSON(f.router(1), http.MethodPost, "/messages", gin.H{"recipient_id": 2, "content": "hi"})

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBroadcastSuccess(t *testing.T) {
	f := newFixture()
	f.community.On("IsMember", mock.Anything, 10, 1).Return(true, nil)
	f.broadcaster.On("Broadcast", mock.Anything, 10, mock.Anything, 1).
		Return(models.BroadcastResult{Attempted: 3, DeliveredLive: 2, Queued: 1}, nil)
	f.messages.On("RecordMessage", mock.Anything, mock.Anything).Return(nil)

	w := doJSON(f.router(1), http.MethodPost, "/communities/10/broadcast", gin.H{"content": "hello all"})

	require.Equal(t, http.StatusOK, w.Code)
	var result models.BroadcastResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.DeliveredLive)
	assert.Equal(t, 1, result.Queued)
	f.broadcaster.AssertExpectations(t)
}

func TestBroadcastNonMemberForbidden(t *testing.T) {
	f := newFixture()
	f.community.On("IsMember", mock.Anything, 10, 1).Return(false, nil)

	w := doJSON(f.router(1), http.MethodPost, "/communities/10/broadcast", gin.H{"content": "hello"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	f.broadcaster.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBroadcastInvalidCommunityID(t *testing.T) {
	f := newFixture()

	w := doJSON(f.router(1), http.MethodPost, "/communities/abc/broadcast", gin.H{"content": "hello"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdatePresenceWhileConnected(t *testing.T) {
	f := newFixture()
	f.registry.Register(f.registry.NewConn(1, models.DeviceInfo{Platform: "ios"}, &stubWire{}))

	w := doJSON(f.router(1), http.MethodPut, "/presence", gin.H{"status": "away"})

	require.Equal(t, http.StatusOK, w.Code)
	var rec models.PresenceRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, models.PresenceAway, rec.Status)
}

func TestUpdatePresenceInvalidStatus(t *testing.T) {
	f := newFixture()

	w := doJSON(f.router(1), http.MethodPut, "/presence", gin.H{"status": "offline"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPresenceUnknownUserIsOffline(t *testing.T) {
	f := newFixture()

	w := doJSON(f.router(1), http.MethodGet, "/presence/42", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var rec models.PresenceRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, 42, rec.UserID)
	assert.Equal(t, models.PresenceOffline, rec.Status)
}

func TestBulkPresenceMixedStates(t *testing.T) {
	f := newFixture()
	f.tracker.HandleConnect(2, models.DeviceInfo{})

	w := doJSON(f.router(1), http.MethodPost, "/presence/bulk", gin.H{"user_ids": []int{2, 3, 2}})

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Presences []models.PresenceRecord `json:"presences"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Presences, 2, "duplicates collapse")
	assert.Equal(t, models.PresenceOnline, resp.Presences[0].Status)
	assert.Equal(t, models.PresenceOffline, resp.Presences[1].Status)
}

func TestBulkPresenceTooManyIDs(t *testing.T) {
	f := newFixture()
	ids := make([]int, 51)
	for i := range ids {
		ids[i] = i + 1
	}

	w := doJSON(f.router(1), http.MethodPost, "/presence/bulk", gin.H{"user_ids": ids})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueuedMessagesPeekThenClear(t *testing.T) {
	f := newFixture()
	for i := 0; i < 2; i++ {
		f.queue.Enqueue(1, models.Event{ID: fmt.Sprintf("e%d", i), Type: models.EventTypeMessage})
	}
	r := f.router(1)

	w := doJSON(r, http.MethodGet, "/messages/queued", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []models.QueuedMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, 2)

	// Peek is non-destructive.
	w = doJSON(r, http.MethodGet, "/messages/queued", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Messages, 2)

	w = doJSON(r, http.MethodDelete, "/messages/queued", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(r, http.MethodGet, "/messages/queued", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Messages)

	w = doJSON(r, http.MethodDelete, "/messages/queued", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture()
	f.registry.Register(f.registry.NewConn(1, models.DeviceInfo{}, &stubWire{}))
	f.registry.Register(f.registry.NewConn(2, models.DeviceInfo{}, &stubWire{}))

	w := doJSON(f.router(1), http.MethodGet, "/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		OnlineUsers int  `json:"online_users"`
		Online      bool `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.OnlineUsers)
	assert.True(t, resp.Online)
}
