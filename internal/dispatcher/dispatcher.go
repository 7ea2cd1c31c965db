package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sos-guardian/internal/models"
	"sos-guardian/internal/queue"
	redisx "sos-guardian/internal/redis"

	"go.uber.org/zap"
)

// ContactSource 联系人来源（由 repository.ContactsRepository 实现）
type ContactSource interface {
	ListTrustedContacts(ctx context.Context, tenantID, ownerID string) ([]*models.TrustedContact, error)
}

// DeliveryStore 投递记录存储（由 repository.DeliveryRepository 实现）
type DeliveryStore interface {
	CreateDeliveryRecord(ctx context.Context, record *models.ContactDeliveryRecord) error
	UpdateDeliveryStatus(ctx context.Context, episodeID, recipientID string, channel models.NotifyChannel, status models.DeliveryStatus) error
	ListDeliveryRecords(ctx context.Context, episodeID string) ([]models.ContactDeliveryRecord, error)
}

// Enqueuer 上传队列入队接口
type Enqueuer interface {
	Enqueue(ctx context.Context, item *models.QueuedWorkItem) error
}

// Options 分发参数
type Options struct {
	SnapshotTTL time.Duration // 投递状态快照缓存时长
	Authorities []string      // 额外通知的机构接收方 ID
}

const snapshotKeyPrefix = "guardian:delivery:"

// Dispatcher 通知分发器
// 把一次告警按（接收方，渠道）展开成独立的队列任务：
// 每个任务单独重试、单独记账，单个接收方失败不影响其余接收方。
// 实际发送走上传队列，这里只负责 fan-out 和投递记录
type Dispatcher struct {
	tenantID string
	contacts ContactSource
	records  DeliveryStore
	queue    Enqueuer
	redis    *redisx.Client
	opts     Options
	logger   *zap.Logger
}

// NewDispatcher 创建通知分发器
func NewDispatcher(tenantID string, contacts ContactSource, records DeliveryStore, enqueuer Enqueuer, redisClient *redisx.Client, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 5 * time.Second
	}

	return &Dispatcher{
		tenantID: tenantID,
		contacts: contacts,
		records:  records,
		queue:    enqueuer,
		redis:    redisClient,
		opts:     opts,
		logger:   logger,
	}
}

type recipient struct {
	id      string
	channel models.NotifyChannel
	phone   string
}

// Notify 向 owner 的全部联系人和配置的机构发出通知
// 返回成功入队的任务数。单个接收方入队失败只记日志，不中断其余接收方
func (d *Dispatcher) Notify(ctx context.Context, episode *models.EmergencyEpisode, message string) (int, error) {
	if episode == nil {
		return 0, fmt.Errorf("episode is required")
	}

	contacts, err := d.contacts.ListTrustedContacts(ctx, d.tenantID, episode.OwnerID)
	if err != nil {
		return 0, fmt.Errorf("failed to list trusted contacts: %w", err)
	}

	var recipients []recipient
	for _, contact := range contacts {
		for _, channel := range contact.Channels {
			recipients = append(recipients, recipient{
				id:      contact.ContactID,
				channel: channel,
				phone:   contact.Phone,
			})
		}
	}
	for _, authority := range d.opts.Authorities {
		recipients = append(recipients, recipient{
			id:      authority,
			channel: models.ChannelAuthorityAPI,
		})
	}

	if len(recipients) == 0 {
		d.logger.Warn("No notification recipients configured",
			zap.String("episode_id", episode.EpisodeID),
			zap.String("owner_id", episode.OwnerID),
		)
		return 0, nil
	}

	enqueued := 0
	for _, rcpt := range recipients {
		if err := d.enqueueOne(ctx, episode.EpisodeID, rcpt, message); err != nil {
			d.logger.Error("Failed to enqueue notification",
				zap.String("episode_id", episode.EpisodeID),
				zap.String("recipient_id", rcpt.id),
				zap.String("channel", string(rcpt.channel)),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	d.invalidateSnapshot(ctx, episode.EpisodeID)

	d.logger.Info("Notification fan-out enqueued",
		zap.String("episode_id", episode.EpisodeID),
		zap.Int("recipients", len(recipients)),
		zap.Int("enqueued", enqueued),
	)
	return enqueued, nil
}

func (d *Dispatcher) enqueueOne(ctx context.Context, episodeID string, rcpt recipient, message string) error {
	record := &models.ContactDeliveryRecord{
		EpisodeID:      episodeID,
		RecipientID:    rcpt.id,
		Channel:        rcpt.channel,
		DeliveryStatus: models.DeliveryNotSent,
	}
	if err := d.records.CreateDeliveryRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to create delivery record: %w", err)
	}

	item, err := queue.NewItem(episodeID, models.WorkItemContactNotify, &models.ContactNotifyPayload{
		RecipientID: rcpt.id,
		Channel:     rcpt.channel,
		Phone:       rcpt.phone,
		Message:     message,
	})
	if err != nil {
		return err
	}
	return d.queue.Enqueue(ctx, item)
}

// DeliveryStatus 事件的投递状态汇总
// 高频轮询场景走 Redis 快照缓存，快照过期后回源数据库
func (d *Dispatcher) DeliveryStatus(ctx context.Context, episodeID string) (*models.DeliverySummary, error) {
	key := snapshotKeyPrefix + episodeID

	if d.redis != nil {
		cached, err := d.redis.Get(ctx, key).Bytes()
		if err == nil {
			var summary models.DeliverySummary
			if err := json.Unmarshal(cached, &summary); err == nil {
				return &summary, nil
			}
		} else if err != redisx.Nil {
			d.logger.Warn("Failed to read delivery snapshot cache",
				zap.String("episode_id", episodeID),
				zap.Error(err),
			)
		}
	}

	records, err := d.records.ListDeliveryRecords(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery records: %w", err)
	}

	summary := &models.DeliverySummary{
		EpisodeID: episodeID,
		Records:   records,
		Total:     len(records),
	}
	for _, record := range records {
		switch record.DeliveryStatus {
		case models.DeliverySent, models.DeliveryConfirmedReceived:
			summary.Notified++
		case models.DeliveryFailed:
			summary.Failed++
		}
	}

	if d.redis != nil {
		if data, err := json.Marshal(summary); err == nil {
			if err := d.redis.Set(ctx, key, data, d.opts.SnapshotTTL).Err(); err != nil {
				d.logger.Warn("Failed to cache delivery snapshot",
					zap.String("episode_id", episodeID),
					zap.Error(err),
				)
			}
		}
	}
	return summary, nil
}

// HandleDelivered 队列回调：通知任务投递成功
// 非通知类任务忽略
func (d *Dispatcher) HandleDelivered(ctx context.Context, item *models.QueuedWorkItem) {
	d.updateFromItem(ctx, item, models.DeliverySent)
}

// HandleAbandoned 队列回调：通知任务被放弃
func (d *Dispatcher) HandleAbandoned(ctx context.Context, item *models.QueuedWorkItem) {
	d.updateFromItem(ctx, item, models.DeliveryFailed)
}

func (d *Dispatcher) updateFromItem(ctx context.Context, item *models.QueuedWorkItem, status models.DeliveryStatus) {
	if item == nil || item.Kind != models.WorkItemContactNotify {
		return
	}

	var payload models.ContactNotifyPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		d.logger.Error("Failed to parse contact notify payload",
			zap.String("item_id", item.ItemID),
			zap.Error(err),
		)
		return
	}

	if err := d.records.UpdateDeliveryStatus(ctx, item.EpisodeID, payload.RecipientID, payload.Channel, status); err != nil {
		d.logger.Error("Failed to update delivery status",
			zap.String("episode_id", item.EpisodeID),
			zap.String("recipient_id", payload.RecipientID),
			zap.Error(err),
		)
		return
	}

	d.invalidateSnapshot(ctx, item.EpisodeID)
}

// ConfirmReceived 接收方回执确认
func (d *Dispatcher) ConfirmReceived(ctx context.Context, episodeID, recipientID string, channel models.NotifyChannel) error {
	if err := d.records.UpdateDeliveryStatus(ctx, episodeID, recipientID, channel, models.DeliveryConfirmedReceived); err != nil {
		return fmt.Errorf("failed to confirm delivery: %w", err)
	}
	d.invalidateSnapshot(ctx, episodeID)
	return nil
}

func (d *Dispatcher) invalidateSnapshot(ctx context.Context, episodeID string) {
	if d.redis == nil {
		return
	}
	if err := d.redis.Del(ctx, snapshotKeyPrefix+episodeID).Err(); err != nil {
		d.logger.Warn("Failed to invalidate delivery snapshot",
			zap.String("episode_id", episodeID),
			zap.Error(err),
		)
	}
}
