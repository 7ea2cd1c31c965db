package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sos-guardian/internal/events"
	"sos-guardian/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 队列持久化存储（由 repository.QueueRepository 实现）
type Store interface {
	EnqueueItem(ctx context.Context, item *models.QueuedWorkItem) error
	NextDueItem(ctx context.Context, now time.Time) (*models.QueuedWorkItem, error)
	MarkInFlight(ctx context.Context, itemID string) error
	MarkDelivered(ctx context.Context, itemID string) error
	MarkFailed(ctx context.Context, itemID string, attemptCount int, nextAttemptAt time.Time, lastError string) error
	MarkAbandoned(ctx context.Context, itemID string, attemptCount int, lastError string) error
	ResetStaleInFlight(ctx context.Context, olderThan time.Duration) (int64, error)
	CountUnfinishedByEpisode(ctx context.Context, episodeID string) (int, error)
}

// Transport 投递传输层（由 transport.Router 实现）
type Transport interface {
	Deliver(ctx context.Context, item *models.QueuedWorkItem) error
}

// ResultHandler 投递结果回调（用于更新分段状态、投递记录等）
type ResultHandler interface {
	HandleDelivered(ctx context.Context, item *models.QueuedWorkItem)
	HandleAbandoned(ctx context.Context, item *models.QueuedWorkItem)
}

// Options 队列运行参数
type Options struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	StaleInFlight  time.Duration
}

// Queue 持久化上传队列
// 投递语义是 at-least-once：item_id 作为幂等键随每次请求发送，后端按它去重。
// 生产者只 Enqueue；状态迁移全部由投递循环完成
type Queue struct {
	store     Store
	transport Transport
	results   ResultHandler
	sink      events.Sink
	opts      Options
	logger    *zap.Logger
	wake      chan struct{}
}

// NewQueue 创建上传队列
func NewQueue(store Store, transport Transport, sink events.Sink, opts Options, logger *zap.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 60 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StaleInFlight <= 0 {
		opts.StaleInFlight = 5 * time.Minute
	}

	return &Queue{
		store:     store,
		transport: transport,
		sink:      sink,
		opts:      opts,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

// SetResultHandler 设置投递结果回调（在 Start 之前调用）
func (q *Queue) SetResultHandler(handler ResultHandler) {
	q.results = handler
}

// NewItem 构建一条队列任务（payload 序列化为 JSONB）
func NewItem(episodeID string, kind models.WorkItemKind, payload interface{}) (*models.QueuedWorkItem, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal work item payload: %w", err)
	}

	now := time.Now()
	return &models.QueuedWorkItem{
		ItemID:        uuid.New().String(),
		EpisodeID:     episodeID,
		Kind:          kind,
		Payload:       data,
		AttemptCount:  0,
		NextAttemptAt: now,
		Status:        models.WorkItemPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Enqueue 入队（持久化后立即返回，从不等待网络）
func (q *Queue) Enqueue(ctx context.Context, item *models.QueuedWorkItem) error {
	if item == nil {
		return fmt.Errorf("item is required")
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = time.Now()
	}

	if err := q.store.EnqueueItem(ctx, item); err != nil {
		return fmt.Errorf("failed to enqueue work item: %w", err)
	}

	q.logger.Debug("Work item enqueued",
		zap.String("item_id", item.ItemID),
		zap.String("episode_id", item.EpisodeID),
		zap.String("kind", string(item.Kind)),
		zap.Int64("seq", item.Seq),
	)

	// 唤醒投递循环（非阻塞）
	select {
	case q.wake <- struct{}{}:
	default:
	}

	return nil
}

// UnfinishedCount 事件的未完结任务数（pending + in_flight）
func (q *Queue) UnfinishedCount(ctx context.Context, episodeID string) (int, error) {
	return q.store.CountUnfinishedByEpisode(ctx, episodeID)
}

// Start 启动投递循环（阻塞直到 ctx 取消）
func (q *Queue) Start(ctx context.Context) error {
	// 重启恢复：上一个进程可能在投递中途被杀
	reset, err := q.store.ResetStaleInFlight(ctx, q.opts.StaleInFlight)
	if err != nil {
		return fmt.Errorf("failed to recover stale in-flight items: %w", err)
	}
	if reset > 0 {
		q.logger.Info("Recovered stale in-flight items",
			zap.Int64("count", reset),
		)
	}

	q.logger.Info("Upload queue started",
		zap.Int("max_attempts", q.opts.MaxAttempts),
		zap.Duration("backoff_base", q.opts.BackoffBase),
		zap.Duration("backoff_cap", q.opts.BackoffCap),
	)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Upload queue stopped")
			return nil
		default:
		}

		item, err := q.store.NextDueItem(ctx, time.Now())
		if err != nil {
			q.logger.Error("Failed to query next due item",
				zap.Error(err),
			)
			q.waitForWork(ctx)
			continue
		}

		if item == nil {
			q.waitForWork(ctx)
			continue
		}

		q.deliver(ctx, item)
	}
}

// waitForWork 等待新任务入队或轮询间隔到期
func (q *Queue) waitForWork(ctx context.Context) {
	timer := time.NewTimer(q.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-q.wake:
	case <-timer.C:
	}
}

// deliver 投递单个任务并记录结果
func (q *Queue) deliver(ctx context.Context, item *models.QueuedWorkItem) {
	if err := q.store.MarkInFlight(ctx, item.ItemID); err != nil {
		q.logger.Error("Failed to mark item in-flight",
			zap.String("item_id", item.ItemID),
			zap.Error(err),
		)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, q.opts.AttemptTimeout)
	err := q.transport.Deliver(attemptCtx, item)
	cancel()

	if err == nil {
		q.finishDelivered(item)
		return
	}

	q.finishFailed(item, err)
}

// finishDelivered 投递成功
// 状态写回使用独立上下文：关停过程中也要把结果落盘
func (q *Queue) finishDelivered(item *models.QueuedWorkItem) {
	ctx := context.Background()

	if err := q.store.MarkDelivered(ctx, item.ItemID); err != nil {
		q.logger.Error("Failed to mark item delivered",
			zap.String("item_id", item.ItemID),
			zap.Error(err),
		)
		return
	}

	q.logger.Info("Work item delivered",
		zap.String("item_id", item.ItemID),
		zap.String("episode_id", item.EpisodeID),
		zap.String("kind", string(item.Kind)),
		zap.Int("attempt_count", item.AttemptCount+1),
	)

	if q.results != nil {
		q.results.HandleDelivered(ctx, item)
	}
}

// finishFailed 投递失败：重试或放弃
func (q *Queue) finishFailed(item *models.QueuedWorkItem, deliverErr error) {
	ctx := context.Background()
	attempts := item.AttemptCount + 1

	if attempts >= q.opts.MaxAttempts {
		if err := q.store.MarkAbandoned(ctx, item.ItemID, attempts, deliverErr.Error()); err != nil {
			q.logger.Error("Failed to mark item abandoned",
				zap.String("item_id", item.ItemID),
				zap.Error(err),
			)
			return
		}

		q.logger.Warn("Work item abandoned after max attempts",
			zap.String("item_id", item.ItemID),
			zap.String("episode_id", item.EpisodeID),
			zap.String("kind", string(item.Kind)),
			zap.Int("attempt_count", attempts),
			zap.Error(deliverErr),
		)

		// 放弃必须可观测，不允许静默丢弃
		q.publishAbandoned(ctx, item, deliverErr)

		if q.results != nil {
			q.results.HandleAbandoned(ctx, item)
		}
		return
	}

	delay := NextDelay(q.opts.BackoffBase, q.opts.BackoffCap, attempts)
	nextAttemptAt := time.Now().Add(delay)

	if err := q.store.MarkFailed(ctx, item.ItemID, attempts, nextAttemptAt, deliverErr.Error()); err != nil {
		q.logger.Error("Failed to schedule item retry",
			zap.String("item_id", item.ItemID),
			zap.Error(err),
		)
		return
	}

	q.logger.Warn("Work item delivery failed, retry scheduled",
		zap.String("item_id", item.ItemID),
		zap.String("kind", string(item.Kind)),
		zap.Int("attempt_count", attempts),
		zap.Duration("retry_in", delay),
		zap.Error(deliverErr),
	)
}

// publishAbandoned 发布放弃事件
func (q *Queue) publishAbandoned(ctx context.Context, item *models.QueuedWorkItem, deliverErr error) {
	if q.sink == nil {
		return
	}

	event := events.Event{
		Type:      events.TypeItemAbandoned,
		EpisodeID: item.EpisodeID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"item_id":       item.ItemID,
			"kind":          string(item.Kind),
			"attempt_count": item.AttemptCount + 1,
			"last_error":    deliverErr.Error(),
		},
	}

	if err := q.sink.Publish(ctx, event); err != nil {
		q.logger.Error("Failed to publish abandonment event",
			zap.String("item_id", item.ItemID),
			zap.Error(err),
		)
	}
}
