package delivery

import (
	"context"
	"fmt"

	"realtime-service/internal/models"
)

// MemberResolver resolves community membership; backed by the data-access
// layer.
type MemberResolver interface {
	ResolveMembers(ctx context.Context, communityID int) ([]int, error)
}

// Broadcaster fans one event out to every member of a community.
type Broadcaster struct {
	router  Deliverer
	members MemberResolver
}

// NewBroadcaster builds a Broadcaster.
func NewBroadcaster(router Deliverer, members MemberResolver) *Broadcaster {
	return &Broadcaster{router: router, members: members}
}

// Broadcast resolves membership and delivers the event once per member,
// skipping excludeUserID (typically the sender; zero excludes nobody).
// Individual deliveries are independent: no member's outcome aborts the
// fan-out, and no ordering is guaranteed across members.
func (b *Broadcaster) Broadcast(ctx context.Context, communityID int, event models.Event, excludeUserID int) (models.BroadcastResult, error) {
	memberIDs, err := b.members.ResolveMembers(ctx, communityID)
	if err != nil {
		return models.BroadcastResult{}, fmt.Errorf("resolve members: %w", err)
	}

	var result models.BroadcastResult
	for _, memberID := range memberIDs {
		if memberID == excludeUserID {
			continue
		}
		memberEvent := event
		memberEvent.RecipientID = memberID
		result.Attempted++
		switch b.router.Deliver(ctx, memberID, memberEvent) {
		case models.DeliveredLive:
			result.DeliveredLive++
		case models.DeliveryQueued:
			result.Queued++
		}
	}
	return result, nil
}
