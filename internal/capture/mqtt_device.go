package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sos-guardian/internal/models"
	mqttx "sos-guardian/internal/mqtt"

	"go.uber.org/zap"
)

// MQTTDevice 通过 MQTT 接收手机端推流的采集设备
// 话题模式形如 guardian/%s/audio，%s 为 owner_id。
// 手机端离线或从未推流时设备本身不报错，只是收不到数据
type MQTTDevice struct {
	client       *mqttx.Client
	mediaType    models.MediaType
	topicPattern string
	logger       *zap.Logger
}

// NewMQTTDevice 创建 MQTT 采集设备
func NewMQTTDevice(client *mqttx.Client, mediaType models.MediaType, topicPattern string, logger *zap.Logger) *MQTTDevice {
	return &MQTTDevice{
		client:       client,
		mediaType:    mediaType,
		topicPattern: topicPattern,
		logger:       logger,
	}
}

// MediaType 该路设备的媒体类型
func (d *MQTTDevice) MediaType() models.MediaType {
	return d.mediaType
}

// Open 订阅该 owner 的推流话题
// ctx 取消后退订并关闭通道
func (d *MQTTDevice) Open(ctx context.Context, ownerID string) (<-chan Chunk, error) {
	if !d.client.IsConnected() {
		return nil, fmt.Errorf("mqtt broker not connected")
	}

	topic := fmt.Sprintf(d.topicPattern, ownerID)
	ch := make(chan Chunk, 64)

	var mu sync.Mutex
	closed := false

	err := d.client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		data := make([]byte, len(payload))
		copy(data, payload)

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}

		select {
		case ch <- Chunk{Data: data, At: time.Now()}:
		default:
			// 消费方跟不上时丢最新帧，不阻塞 MQTT 回调
			d.logger.Warn("Capture chunk dropped, consumer too slow",
				zap.String("topic", topic),
			)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe capture topic: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := d.client.Unsubscribe(topic); err != nil {
			d.logger.Warn("Failed to unsubscribe capture topic",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()

	return ch, nil
}

// Close MQTT 连接由服务层统一管理，这里无需额外清理
func (d *MQTTDevice) Close() error {
	return nil
}
