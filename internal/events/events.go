package events

import (
	"context"
	"time"

	redisx "sos-guardian/internal/redis"

	"go.uber.org/zap"
)

// 事件类型
const (
	TypeEpisodeStateChanged   = "episode_state_changed"
	TypeItemAbandoned         = "item_abandoned"
	TypeCapabilityUnavailable = "capability_unavailable"
	TypeSegmentCaptured       = "segment_captured"
)

// Event 协调器对外可观测事件（UI 层订阅事件流展示状态）
type Event struct {
	Type      string                 `json:"type"`
	EpisodeID string                 `json:"episode_id"`
	OwnerID   string                 `json:"owner_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Sink 事件接收端
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// StreamSink 把事件发布到 Redis Streams
type StreamSink struct {
	client *redisx.Client
	stream string
	logger *zap.Logger
}

// NewStreamSink 创建 Redis Streams 事件接收端
func NewStreamSink(client *redisx.Client, stream string, logger *zap.Logger) *StreamSink {
	return &StreamSink{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Publish 发布事件
// 事件流是旁路观测通道，发布失败只记录日志，不影响协调器主流程
func (s *StreamSink) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	_, err := redisx.PublishJSONToStream(ctx, s.client, s.stream, event)
	if err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("type", event.Type),
			zap.String("episode_id", event.EpisodeID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// NopSink 丢弃全部事件（事件流未配置时使用）
type NopSink struct{}

// Publish 丢弃事件
func (NopSink) Publish(ctx context.Context, event Event) error {
	return nil
}
