package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"realtime-service/internal/models"
)

// MessageRecordRepository persists delivered message records after the fact.
// Failures here never undo a delivery that already happened.
type MessageRecordRepository interface {
	RecordMessage(ctx context.Context, record models.MessageRecord) error
}

// MessageRecordRepo is a sqlx-backed repository.
type MessageRecordRepo struct {
	db *sqlx.DB
}

// NewMessageRecordRepo constructs MessageRecordRepo.
func NewMessageRecordRepo(db *sqlx.DB) *MessageRecordRepo {
	return &MessageRecordRepo{db: db}
}

// RecordMessage stores one send with its delivery outcome.
func (r *MessageRecordRepo) RecordMessage(ctx context.Context, record models.MessageRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO message_records (id, sender_id, recipient_id, community_id, content, content_type, outcome)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.SenderID, record.RecipientID, record.CommunityID, record.Content, record.ContentType, record.Outcome)
	return err
}
