package capture

import (
	"context"
	"time"

	"sos-guardian/internal/models"
)

// Chunk 采集设备产出的一帧原始数据
type Chunk struct {
	Data []byte
	At   time.Time
}

// CaptureDevice 一路采集能力（音频或视频）
// Open 失败表示该能力当前不可用，不影响其他设备
// 返回的通道在设备关闭或 ctx 取消后关闭
type CaptureDevice interface {
	MediaType() models.MediaType
	Open(ctx context.Context, ownerID string) (<-chan Chunk, error)
	Close() error
}
