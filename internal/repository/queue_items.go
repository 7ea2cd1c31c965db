package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sos-guardian/internal/models"

	"go.uber.org/zap"
)

// QueueRepository 上传队列仓库
// queue_items 记录只由上传队列变更状态；生产者只 Enqueue，从不修改已有记录
type QueueRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewQueueRepository 创建上传队列仓库
func NewQueueRepository(db *sql.DB, logger *zap.Logger) *QueueRepository {
	return &QueueRepository{
		db:     db,
		logger: logger,
	}
}

const queueItemColumns = `
	item_id,
	episode_id,
	kind,
	seq,
	payload,
	attempt_count,
	next_attempt_at,
	status,
	last_error,
	created_at,
	updated_at
`

// scanQueueItem 扫描单行队列记录
func scanQueueItem(row rowScanner) (*models.QueuedWorkItem, error) {
	var item models.QueuedWorkItem
	var payload []byte
	var lastError sql.NullString

	err := row.Scan(
		&item.ItemID,
		&item.EpisodeID,
		&item.Kind,
		&item.Seq,
		&payload,
		&item.AttemptCount,
		&item.NextAttemptAt,
		&item.Status,
		&lastError,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		item.LastError = &lastError.String
	}
	if len(payload) > 0 {
		item.Payload = payload
	} else {
		item.Payload = json.RawMessage("{}")
	}

	return &item, nil
}

// EnqueueItem 追加一条待投递任务
// seq 在事件内单调递增，由插入时分配；分配结果写回 item.Seq
func (r *QueueRepository) EnqueueItem(ctx context.Context, item *models.QueuedWorkItem) error {
	if item == nil {
		return fmt.Errorf("item is required")
	}
	if item.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if item.EpisodeID == "" {
		return fmt.Errorf("episode_id is required")
	}
	if len(item.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}

	query := `
		INSERT INTO queue_items (
			item_id,
			episode_id,
			kind,
			seq,
			payload,
			attempt_count,
			next_attempt_at,
			status,
			created_at,
			updated_at
		)
		SELECT
			$1, $2, $3,
			COALESCE(MAX(seq), 0) + 1,
			$4, 0, $5, $6, $7, $8
		FROM queue_items
		WHERE episode_id = $2
		RETURNING seq
	`

	now := time.Now()
	err := r.db.QueryRowContext(ctx,
		query,
		item.ItemID,
		item.EpisodeID,
		item.Kind,
		[]byte(item.Payload),
		item.NextAttemptAt,
		models.WorkItemPending,
		now,
		now,
	).Scan(&item.Seq)

	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	return nil
}

// NextDueItem 选取下一条到期任务
// FIFO 规则：location_ping / contact_notify 任务在同一事件内存在更早的未完结
// 有序任务时不会被选中；evidence_upload 不受顺序约束
// 没有到期任务时返回 (nil, nil)
func (r *QueueRepository) NextDueItem(ctx context.Context, now time.Time) (*models.QueuedWorkItem, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM queue_items qi
		WHERE qi.status = 'pending'
		  AND qi.next_attempt_at <= $1
		  AND (
			qi.kind = 'evidence_upload'
			OR NOT EXISTS (
				SELECT 1
				FROM queue_items prior
				WHERE prior.episode_id = qi.episode_id
				  AND prior.kind IN ('location_ping', 'contact_notify')
				  AND prior.seq < qi.seq
				  AND prior.status IN ('pending', 'in_flight')
			)
		  )
		ORDER BY qi.next_attempt_at ASC, qi.seq ASC
		LIMIT 1
	`, queueItemColumns)

	item, err := scanQueueItem(r.db.QueryRowContext(ctx, query, now))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 没有到期任务
		}
		return nil, fmt.Errorf("failed to query next due item: %w", err)
	}

	return item, nil
}

// GetItem 根据 item_id 获取任务
func (r *QueueRepository) GetItem(ctx context.Context, itemID string) (*models.QueuedWorkItem, error) {
	if itemID == "" {
		return nil, fmt.Errorf("item_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM queue_items
		WHERE item_id = $1
	`, queueItemColumns)

	item, err := scanQueueItem(r.db.QueryRowContext(ctx, query, itemID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("queue item not found: item_id=%s", itemID)
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}

	return item, nil
}

// MarkInFlight 标记任务开始投递
func (r *QueueRepository) MarkInFlight(ctx context.Context, itemID string) error {
	return r.updateStatus(ctx, itemID, models.WorkItemInFlight, models.WorkItemPending)
}

// MarkDelivered 标记任务投递成功
func (r *QueueRepository) MarkDelivered(ctx context.Context, itemID string) error {
	return r.updateStatus(ctx, itemID, models.WorkItemDelivered, models.WorkItemInFlight)
}

// updateStatus 状态迁移（校验前置状态，防止非法跃迁）
func (r *QueueRepository) updateStatus(ctx context.Context, itemID string, to, from models.WorkItemStatus) error {
	if itemID == "" {
		return fmt.Errorf("item_id is required")
	}

	query := `
		UPDATE queue_items
		SET status = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE item_id = $2
		  AND status = $3
	`

	result, err := r.db.ExecContext(ctx, query, to, itemID, from)
	if err != nil {
		return fmt.Errorf("failed to update queue item status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("queue item not in expected status: item_id=%s, expected=%s", itemID, from)
	}

	return nil
}

// MarkFailed 记录一次失败的投递尝试，任务回到 pending 等待重试
// attempt_count 只增不减
func (r *QueueRepository) MarkFailed(ctx context.Context, itemID string, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	if itemID == "" {
		return fmt.Errorf("item_id is required")
	}

	query := `
		UPDATE queue_items
		SET status = $1,
		    attempt_count = $2,
		    next_attempt_at = $3,
		    last_error = $4,
		    updated_at = CURRENT_TIMESTAMP
		WHERE item_id = $5
		  AND attempt_count < $2
	`

	result, err := r.db.ExecContext(ctx, query,
		models.WorkItemPending,
		attemptCount,
		nextAttemptAt,
		lastError,
		itemID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue item failed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("queue item not found or attempt_count not increased: item_id=%s", itemID)
	}

	return nil
}

// MarkAbandoned 标记任务放弃（超过最大尝试次数）
func (r *QueueRepository) MarkAbandoned(ctx context.Context, itemID string, attemptCount int, lastError string) error {
	if itemID == "" {
		return fmt.Errorf("item_id is required")
	}

	query := `
		UPDATE queue_items
		SET status = $1,
		    attempt_count = $2,
		    last_error = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE item_id = $4
	`

	result, err := r.db.ExecContext(ctx, query,
		models.WorkItemAbandoned,
		attemptCount,
		lastError,
		itemID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue item abandoned: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("queue item not found: item_id=%s", itemID)
	}

	return nil
}

// ResetStaleInFlight 重启恢复：把滞留的 in_flight 任务重置为 pending
// 投递是 at-least-once 的，重复投递由 item_id 幂等键在后端去重
func (r *QueueRepository) ResetStaleInFlight(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE queue_items
		SET status = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE status = $2
		  AND updated_at < $3
	`

	threshold := time.Now().Add(-olderThan)
	result, err := r.db.ExecContext(ctx, query, models.WorkItemPending, models.WorkItemInFlight, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale in-flight items: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// CountUnfinishedByEpisode 统计事件的未完结任务数（pending + in_flight）
func (r *QueueRepository) CountUnfinishedByEpisode(ctx context.Context, episodeID string) (int, error) {
	if episodeID == "" {
		return 0, fmt.Errorf("episode_id is required")
	}

	query := `
		SELECT COUNT(*)
		FROM queue_items
		WHERE episode_id = $1
		  AND status IN ('pending', 'in_flight')
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, episodeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unfinished items: %w", err)
	}

	return count, nil
}
