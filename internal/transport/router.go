package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"sos-guardian/internal/models"

	"go.uber.org/zap"
)

// Publisher push 渠道发布端（生产实现为 MQTT 客户端）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// pushMessage push 渠道消息体
type pushMessage struct {
	EpisodeID   string `json:"episode_id"`
	RecipientID string `json:"recipient_id"`
	Message     string `json:"message"`
}

// Router 按任务类型分发投递
// location_ping / evidence_upload / contact_notify(sms, authority_api) 走平台后端 HTTP，
// contact_notify(push) 发布到接收方的 MQTT 主题
type Router struct {
	api             *Client
	push            Publisher
	pushTopicPrefix string
	qos             byte
	logger          *zap.Logger
}

// NewRouter 创建投递路由
func NewRouter(api *Client, push Publisher, pushTopicPrefix string, qos byte, logger *zap.Logger) *Router {
	return &Router{
		api:             api,
		push:            push,
		pushTopicPrefix: pushTopicPrefix,
		qos:             qos,
		logger:          logger,
	}
}

// Deliver 投递单个队列任务
func (r *Router) Deliver(ctx context.Context, item *models.QueuedWorkItem) error {
	switch item.Kind {
	case models.WorkItemLocationPing:
		var payload models.LocationPingPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal location ping payload: %w", err)
		}
		return r.api.PostActivation(ctx, item.ItemID, item.EpisodeID, &payload)

	case models.WorkItemEvidenceUpload:
		var payload models.EvidenceUploadPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal evidence upload payload: %w", err)
		}
		// 密文按 storage_path 读取，分段写盘后不可变
		content, err := os.ReadFile(payload.StoragePath)
		if err != nil {
			return fmt.Errorf("failed to read segment file: %w", err)
		}
		return r.api.UploadSegment(ctx, item.ItemID, item.EpisodeID, &payload, content)

	case models.WorkItemContactNotify:
		var payload models.ContactNotifyPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal contact notify payload: %w", err)
		}
		if payload.Channel == models.ChannelPush {
			return r.deliverPush(item.EpisodeID, &payload)
		}
		return r.api.NotifyContact(ctx, item.ItemID, item.EpisodeID, &payload)

	default:
		return fmt.Errorf("unknown work item kind: %s", item.Kind)
	}
}

// deliverPush 通过 MQTT 投递 push 通知
func (r *Router) deliverPush(episodeID string, payload *models.ContactNotifyPayload) error {
	if r.push == nil {
		return fmt.Errorf("push channel not configured")
	}

	message, err := json.Marshal(pushMessage{
		EpisodeID:   episodeID,
		RecipientID: payload.RecipientID,
		Message:     payload.Message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	topic := r.pushTopicPrefix + payload.RecipientID
	if err := r.push.Publish(topic, r.qos, false, message); err != nil {
		return fmt.Errorf("failed to publish push notification: %w", err)
	}

	return nil
}
