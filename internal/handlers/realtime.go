package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"realtime-service/internal/delivery"
	"realtime-service/internal/models"
	"realtime-service/internal/presence"
	"realtime-service/internal/queue"
	"realtime-service/internal/registry"
	"realtime-service/internal/repositories"
	"realtime-service/internal/telemetry"
)

// Callers without an open connection of their own cap presence batch lookups.
const bulkPresenceLimit = 50

// Broadcaster is the fan-out surface the facade wraps.
type Broadcaster interface {
	Broadcast(ctx context.Context, communityID int, event models.Event, excludeUserID int) (models.BroadcastResult, error)
}

// RealtimeHandler is the synchronous request/response surface over the
// realtime core, for callers without a live connection (server-to-server
// triggers, clients degraded to HTTP polling).
type RealtimeHandler struct {
	deliverer     delivery.Deliverer
	broadcaster   Broadcaster
	presence      *presence.Tracker
	queue         *queue.Queue
	registry      *registry.Registry
	userRepo      repositories.UserRepository
	communityRepo repositories.CommunityRepository
	messageRepo   repositories.MessageRecordRepository
	audit         *telemetry.AuditEmitter
}

// NewRealtimeHandler builds a RealtimeHandler.
func NewRealtimeHandler(
	deliverer delivery.Deliverer,
	broadcaster Broadcaster,
	tracker *presence.Tracker,
	eventQueue *queue.Queue,
	reg *registry.Registry,
	userRepo repositories.UserRepository,
	communityRepo repositories.CommunityRepository,
	messageRepo repositories.MessageRecordRepository,
	audit *telemetry.AuditEmitter,
) *RealtimeHandler {
	return &RealtimeHandler{
		deliverer:     deliverer,
		broadcaster:   broadcaster,
		presence:      tracker,
		queue:         eventQueue,
		registry:      reg,
		userRepo:      userRepo,
		communityRepo: communityRepo,
		messageRepo:   messageRepo,
		audit:         audit,
	}
}

// SendMessage delivers a direct message and reports whether it went out over
// a live connection or was queued, so clients can render "delivered" vs
// "sent". Safely retryable; each retry is a new message.
func (h *RealtimeHandler) SendMessage(c *gin.Context) {
	var req struct {
		RecipientID int    `json:"recipient_id" binding:"required"`
		Content     string `json:"content" binding:"required"`
		Type        string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	senderID := c.GetInt("userID")
	active, err := h.userRepo.IsActive(c.Request.Context(), req.RecipientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify recipient"})
		return
	}
	if !active {
		c.JSON(http.StatusNotFound, gin.H{"error": "recipient not found or deactivated"})
		return
	}

	event, err := buildMessageEvent(senderID, req.RecipientID, 0, req.Content, req.Type)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build event"})
		return
	}

	outcome := h.deliverer.Deliver(c.Request.Context(), req.RecipientID, event)

	record := models.MessageRecord{
		ID:          event.ID,
		SenderID:    senderID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		ContentType: contentTypeOrDefault(req.Type),
		Outcome:     string(outcome),
	}
	if err := h.messageRepo.RecordMessage(c.Request.Context(), record); err != nil {
		// Delivery already happened; the record is after-the-fact bookkeeping.
		logRecordFailure(event.ID, err)
	}

	h.audit.Emit(c.Request.Context(), "INFO", "message sent", requestIDFromContext(c), userIDFromContext(c))

	c.JSON(http.StatusOK, gin.H{
		"message_id": event.ID,
		"outcome":    outcome,
		"delivered":  outcome == models.DeliveredLive,
	})
}

// BroadcastToCommunity fans a message out to all community members except
// the sender. Partial failure tolerant; returns per-outcome counts.
func (h *RealtimeHandler) BroadcastToCommunity(c *gin.Context) {
	communityID, err := strconv.Atoi(c.Param("community_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid community id"})
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
		Type    string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	senderID := c.GetInt("userID")
	member, err := h.communityRepo.IsMember(c.Request.Context(), communityID, senderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a community member"})
		return
	}

	event, err := buildMessageEvent(senderID, 0, communityID, req.Content, req.Type)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build event"})
		return
	}

	result, err := h.broadcaster.Broadcast(c.Request.Context(), communityID, event, senderID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrCommunityNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "broadcast failed"})
		return
	}

	record := models.MessageRecord{
		ID:          event.ID,
		SenderID:    senderID,
		CommunityID: communityID,
		Content:     req.Content,
		ContentType: contentTypeOrDefault(req.Type),
		Outcome:     string(models.DeliveredLive),
	}
	if result.DeliveredLive == 0 {
		record.Outcome = string(models.DeliveryQueued)
	}
	if err := h.messageRepo.RecordMessage(c.Request.Context(), record); err != nil {
		logRecordFailure(event.ID, err)
	}

	h.audit.Emit(c.Request.Context(), "INFO", "community broadcast", requestIDFromContext(c), userIDFromContext(c))

	c.JSON(http.StatusOK, result)
}

// UpdatePresence stores an explicit presence status for the caller.
func (h *RealtimeHandler) UpdatePresence(c *gin.Context) {
	var req struct {
		Status string             `json:"status" binding:"required"`
		Device *models.DeviceInfo `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := models.PresenceStatus(req.Status)
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be online or away"})
		return
	}

	userID := c.GetInt("userID")
	h.presence.SetPresence(userID, status, req.Device)
	c.JSON(http.StatusOK, h.presence.GetPresence(userID))
}

// GetPresence returns a user's presence; users never seen are offline.
func (h *RealtimeHandler) GetPresence(c *gin.Context) {
	userID, err := strconv.Atoi(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	c.JSON(http.StatusOK, h.presence.GetPresence(userID))
}

// BulkGetPresence returns presence for up to 50 users per call.
func (h *RealtimeHandler) BulkGetPresence(c *gin.Context) {
	var req struct {
		UserIDs []int `json:"user_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.UserIDs) > bulkPresenceLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many user ids"})
		return
	}

	records := h.presence.BulkGetPresence(req.UserIDs)
	out := make([]models.PresenceRecord, 0, len(req.UserIDs))
	seen := map[int]struct{}{}
	for _, id := range req.UserIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, records[id])
	}
	c.JSON(http.StatusOK, gin.H{"presences": out})
}

// GetQueuedMessages returns the caller's backlog without consuming it, so a
// client can inspect before acknowledging.
func (h *RealtimeHandler) GetQueuedMessages(c *gin.Context) {
	userID := c.GetInt("userID")
	c.JSON(http.StatusOK, gin.H{"messages": h.queue.Peek(userID)})
}

// ClearQueuedMessages discards the caller's backlog. Idempotent.
func (h *RealtimeHandler) ClearQueuedMessages(c *gin.Context) {
	userID := c.GetInt("userID")
	h.queue.Clear(userID)
	c.Status(http.StatusNoContent)
}

// Status reports the online-user count and whether the caller is online.
func (h *RealtimeHandler) Status(c *gin.Context) {
	userID := c.GetInt("userID")
	c.JSON(http.StatusOK, gin.H{
		"online_users": h.registry.OnlineCount(),
		"online":       h.registry.IsOnline(userID),
	})
}

func buildMessageEvent(senderID, recipientID, communityID int, content, contentType string) (models.Event, error) {
	payload, err := json.Marshal(models.MessagePayload{
		Content:     content,
		ContentType: contentTypeOrDefault(contentType),
	})
	if err != nil {
		return models.Event{}, err
	}
	return models.Event{
		ID:          uuid.NewString(),
		Type:        models.EventTypeMessage,
		SenderID:    senderID,
		RecipientID: recipientID,
		CommunityID: communityID,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return "text"
	}
	return contentType
}
