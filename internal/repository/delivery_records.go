package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sos-guardian/internal/models"

	"go.uber.org/zap"
)

// DeliveryRepository 通知投递记录仓库
// 记录只由 Notification Dispatcher 创建和更新
type DeliveryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeliveryRepository 创建通知投递记录仓库
func NewDeliveryRepository(db *sql.DB, logger *zap.Logger) *DeliveryRepository {
	return &DeliveryRepository{
		db:     db,
		logger: logger,
	}
}

// CreateDeliveryRecord 创建单个（接收方，渠道）的投递记录，初始 not_sent
func (r *DeliveryRepository) CreateDeliveryRecord(ctx context.Context, record *models.ContactDeliveryRecord) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	if record.EpisodeID == "" {
		return fmt.Errorf("episode_id is required")
	}
	if record.RecipientID == "" {
		return fmt.Errorf("recipient_id is required")
	}
	if record.Channel == "" {
		return fmt.Errorf("channel is required")
	}

	now := time.Now()

	query := `
		INSERT INTO delivery_records (
			episode_id,
			recipient_id,
			channel,
			delivery_status,
			last_attempt_at,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (episode_id, recipient_id, channel) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx,
		query,
		record.EpisodeID,
		record.RecipientID,
		record.Channel,
		models.DeliveryNotSent,
		nil,
		now,
		now,
	)

	if err != nil {
		return fmt.Errorf("failed to create delivery record: %w", err)
	}

	return nil
}

// UpdateDeliveryStatus 更新单个（接收方，渠道）的投递状态
func (r *DeliveryRepository) UpdateDeliveryStatus(ctx context.Context, episodeID, recipientID string, channel models.NotifyChannel, status models.DeliveryStatus) error {
	if episodeID == "" {
		return fmt.Errorf("episode_id is required")
	}
	if recipientID == "" {
		return fmt.Errorf("recipient_id is required")
	}
	if channel == "" {
		return fmt.Errorf("channel is required")
	}

	query := `
		UPDATE delivery_records
		SET delivery_status = $1,
		    last_attempt_at = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE episode_id = $3
		  AND recipient_id = $4
		  AND channel = $5
	`

	result, err := r.db.ExecContext(ctx, query, status, time.Now(), episodeID, recipientID, channel)
	if err != nil {
		return fmt.Errorf("failed to update delivery status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delivery record not found: episode_id=%s, recipient_id=%s, channel=%s",
			episodeID, recipientID, channel)
	}

	return nil
}

// ListDeliveryRecords 查询事件的全部投递记录
func (r *DeliveryRepository) ListDeliveryRecords(ctx context.Context, episodeID string) ([]models.ContactDeliveryRecord, error) {
	if episodeID == "" {
		return nil, fmt.Errorf("episode_id is required")
	}

	query := `
		SELECT
			episode_id,
			recipient_id,
			channel,
			delivery_status,
			last_attempt_at,
			created_at,
			updated_at
		FROM delivery_records
		WHERE episode_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, episodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery records: %w", err)
	}
	defer rows.Close()

	records := []models.ContactDeliveryRecord{}
	for rows.Next() {
		var record models.ContactDeliveryRecord
		var lastAttemptAt sql.NullTime

		err := rows.Scan(
			&record.EpisodeID,
			&record.RecipientID,
			&record.Channel,
			&record.DeliveryStatus,
			&lastAttemptAt,
			&record.CreatedAt,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery record: %w", err)
		}

		if lastAttemptAt.Valid {
			record.LastAttemptAt = &lastAttemptAt.Time
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery records: %w", err)
	}

	return records, nil
}
