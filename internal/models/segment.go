package models

import (
	"time"
)

// MediaType 证据媒体类型
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
)

// SegmentStatus 分段上传状态
type SegmentStatus string

const (
	SegmentPending         SegmentStatus = "pending"
	SegmentInFlight        SegmentStatus = "in_flight"
	SegmentDelivered       SegmentStatus = "delivered"
	SegmentFailedPermanent SegmentStatus = "failed_permanent"
)

// EvidenceSegment 一段完成的音频/视频证据（对应 evidence_segments 表）
// capture_ended_at 写入后分段内容不可变，之后只有 upload_status 由上传队列更新
type EvidenceSegment struct {
	SegmentID        string        `json:"segment_id" db:"segment_id"`
	EpisodeID        string        `json:"episode_id" db:"episode_id"`
	MediaType        MediaType     `json:"media_type" db:"media_type"`
	CaptureStartedAt time.Time     `json:"capture_started_at" db:"capture_started_at"`
	CaptureEndedAt   *time.Time    `json:"capture_ended_at,omitempty" db:"capture_ended_at"`
	StoragePath      string        `json:"storage_path" db:"storage_path"` // 加密后的本地文件路径
	SizeBytes        int64         `json:"size_bytes" db:"size_bytes"`     // 密文大小
	SHA256           string        `json:"sha256" db:"sha256"`             // 密文摘要
	UploadStatus     SegmentStatus `json:"upload_status" db:"upload_status"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}
