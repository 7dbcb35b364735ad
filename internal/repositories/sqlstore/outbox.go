package sqlstore

import (
	"context"
	"time"

	domain "github.com/finitefield/order-engine/internal/domain"
	"github.com/finitefield/order-engine/internal/platform/database"
	"github.com/finitefield/order-engine/internal/platform/textutil"
	"github.com/finitefield/order-engine/internal/repositories"
)

const maxOutboxErrorLength = 1000

// OutboxRepository stores order events until the relay publishes them.
type OutboxRepository struct {
	db *database.Provider
}

var _ repositories.OutboxRepository = (*OutboxRepository)(nil)

// NewOutboxRepository constructs an OutboxRepository.
func NewOutboxRepository(provider *database.Provider) *OutboxRepository {
	return &OutboxRepository{db: provider}
}

func (r *OutboxRepository) Insert(ctx context.Context, record domain.OutboxRecord) error {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return database.WrapError("outbox.insert", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO order_outbox (id, event_type, aggregate_id, payload, created_at, sent_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, NULL, 0, '')`,
		record.ID, record.EventType, record.AggregateID, string(record.Payload), formatTime(record.CreatedAt))
	return database.WrapError("outbox.insert", err)
}

// FetchPending returns unsent records that have failed fewer than maxAttempts times, least attempted
// first so records that keep failing cannot fill every batch. Records at the cap stay parked in the
// table with their last error. A non-positive maxAttempts disables the cap.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit, maxAttempts int) ([]domain.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q, err := r.db.Conn(ctx)
	if err != nil {
		return nil, database.WrapError("outbox.fetch", err)
	}
	query := `
		SELECT id, event_type, aggregate_id, payload, created_at, attempts, last_error
		FROM order_outbox WHERE sent_at IS NULL`
	args := []any{}
	if maxAttempts > 0 {
		query += ` AND attempts < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY attempts, created_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.WrapError("outbox.fetch", err)
	}
	defer rows.Close()

	var records []domain.OutboxRecord
	for rows.Next() {
		var (
			record    domain.OutboxRecord
			payload   string
			createdAt dbTimestamp
		)
		if err := rows.Scan(&record.ID, &record.EventType, &record.AggregateID, &payload, &createdAt,
			&record.Attempts, &record.LastError); err != nil {
			return nil, database.WrapError("outbox.fetch", err)
		}
		record.Payload = []byte(payload)
		record.CreatedAt = createdAt.Time
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError("outbox.fetch", err)
	}
	return records, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, recordID string, sentAt time.Time) error {
	q, err := r.db.Conn(ctx)
	if err != nil {
		return database.WrapError("outbox.mark_sent", err)
	}
	_, err = q.ExecContext(ctx, `UPDATE order_outbox SET sent_at = ?, attempts = attempts + 1, last_error = '' WHERE id = ?`,
		formatTime(sentAt), recordID)
	return database.WrapError("outbox.mark_sent", err)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, recordID string, reason string) error {
	reason = textutil.Truncate(reason, maxOutboxErrorLength)
	q, err := r.db.Conn(ctx)
	if err != nil {
		return database.WrapError("outbox.mark_failed", err)
	}
	_, err = q.ExecContext(ctx, `UPDATE order_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		reason, recordID)
	return database.WrapError("outbox.mark_failed", err)
}
