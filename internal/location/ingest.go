package location

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sos-guardian/internal/models"
	mqttx "sos-guardian/internal/mqtt"

	"go.uber.org/zap"
)

// Ingest 定位上报接收器
// 手机端随时向 guardian/<owner_id>/location 上报定位，
// 这里只负责解析并刷进缓存，坏消息丢弃不中断订阅
type Ingest struct {
	client *mqttx.Client
	cache  *Cache
	topic  string
	logger *zap.Logger

	// OnFix 每次定位上报的回调（在 Start 之前设置）
	OnFix func(ownerID string, fix *models.Location)
}

// NewIngest 创建定位接收器
func NewIngest(client *mqttx.Client, cache *Cache, topic string, logger *zap.Logger) *Ingest {
	return &Ingest{
		client: client,
		cache:  cache,
		topic:  topic,
		logger: logger,
	}
}

// Start 订阅定位上报话题
func (i *Ingest) Start() error {
	if err := i.client.Subscribe(i.topic, 1, i.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe location topic: %w", err)
	}

	i.logger.Info("Location ingest started",
		zap.String("topic", i.topic),
	)
	return nil
}

// Stop 退订定位上报话题
func (i *Ingest) Stop() {
	if err := i.client.Unsubscribe(i.topic); err != nil {
		i.logger.Warn("Failed to unsubscribe location topic",
			zap.String("topic", i.topic),
			zap.Error(err),
		)
	}
}

func (i *Ingest) handleMessage(topic string, payload []byte) error {
	ownerID, err := ownerFromTopic(topic)
	if err != nil {
		i.logger.Warn("Location message on unexpected topic",
			zap.String("topic", topic),
		)
		return nil
	}

	var fix models.Location
	if err := json.Unmarshal(payload, &fix); err != nil {
		i.logger.Warn("Failed to parse location message",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return nil
	}

	if err := i.cache.Set(context.Background(), ownerID, &fix); err != nil {
		i.logger.Error("Failed to cache location fix",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}

	if i.OnFix != nil {
		i.OnFix(ownerID, &fix)
	}
	return nil
}

// ownerFromTopic 从 guardian/<owner_id>/location 取 owner_id
func ownerFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" {
		return "", fmt.Errorf("malformed location topic: %s", topic)
	}
	return parts[1], nil
}
