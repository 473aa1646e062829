package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// UserRepository exposes the user flags the realtime core needs: whether a
// recipient may receive sends at all, and whether push dispatch is enabled.
type UserRepository interface {
	IsActive(ctx context.Context, userID int) (bool, error)
	PushEnabled(ctx context.Context, userID int) (bool, error)
}

// UserRepo is a sqlx-backed repository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// IsActive reports whether the user exists and is not deactivated. Unknown
// users are inactive, not an error.
func (r *UserRepo) IsActive(ctx context.Context, userID int) (bool, error) {
	var active bool
	err := r.db.GetContext(ctx, &active, `SELECT active FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return active, err
}

// PushEnabled reports whether the user opted into push notifications.
func (r *UserRepo) PushEnabled(ctx context.Context, userID int) (bool, error) {
	var enabled bool
	err := r.db.GetContext(ctx, &enabled, `SELECT push_enabled FROM users WHERE id=$1 AND active`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return enabled, err
}
