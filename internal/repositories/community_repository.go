package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrCommunityNotFound = errors.New("community not found")

// CommunityRepository resolves community membership for broadcast fan-out.
type CommunityRepository interface {
	ResolveMembers(ctx context.Context, communityID int) ([]int, error)
	IsMember(ctx context.Context, communityID int, userID int) (bool, error)
}

// CommunityRepo is a sqlx-backed repository.
type CommunityRepo struct {
	db *sqlx.DB
}

// NewCommunityRepo constructs CommunityRepo.
func NewCommunityRepo(db *sqlx.DB) *CommunityRepo {
	return &CommunityRepo{db: db}
}

// ResolveMembers returns the user ids belonging to the community.
func (r *CommunityRepo) ResolveMembers(ctx context.Context, communityID int) ([]int, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM communities WHERE id=$1)`, communityID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCommunityNotFound
	}

	var memberIDs []int
	err = r.db.SelectContext(ctx, &memberIDs, `SELECT user_id FROM community_members WHERE community_id=$1 ORDER BY user_id`, communityID)
	return memberIDs, err
}

// IsMember reports whether the user belongs to the community.
func (r *CommunityRepo) IsMember(ctx context.Context, communityID int, userID int) (bool, error) {
	var member bool
	err := r.db.GetContext(ctx, &member, `SELECT EXISTS(SELECT 1 FROM community_members WHERE community_id=$1 AND user_id=$2)`, communityID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return member, err
}
