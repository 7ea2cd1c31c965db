package models

import (
	"encoding/json"
	"time"
)

// WorkItemKind 队列任务类型
type WorkItemKind string

const (
	WorkItemLocationPing  WorkItemKind = "location_ping"
	WorkItemEvidenceUpload WorkItemKind = "evidence_upload"
	WorkItemContactNotify WorkItemKind = "contact_notify"
)

// Ordered 该类型是否参与单事件内的 FIFO 顺序保证
// LocationPing 和 ContactNotify 按入队顺序投递；EvidenceUpload 不要求顺序
func (k WorkItemKind) Ordered() bool {
	return k == WorkItemLocationPing || k == WorkItemContactNotify
}

// WorkItemStatus 队列任务状态
type WorkItemStatus string

const (
	WorkItemPending   WorkItemStatus = "pending"
	WorkItemInFlight  WorkItemStatus = "in_flight"
	WorkItemDelivered WorkItemStatus = "delivered"
	WorkItemAbandoned WorkItemStatus = "abandoned"
)

// QueuedWorkItem 持久化的出站任务（对应 queue_items 表）
// item_id 同时作为投递幂等键；attempt_count 只在投递失败后递增
// seq 为事件内单调递增序号，用于 FIFO 顺序保证
type QueuedWorkItem struct {
	ItemID        string          `json:"item_id" db:"item_id"`
	EpisodeID     string          `json:"episode_id" db:"episode_id"`
	Kind          WorkItemKind    `json:"kind" db:"kind"`
	Seq           int64           `json:"seq" db:"seq"`
	Payload       json.RawMessage `json:"payload" db:"payload"` // JSONB
	AttemptCount  int             `json:"attempt_count" db:"attempt_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	Status        WorkItemStatus  `json:"status" db:"status"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LocationPingPayload 位置上报 / 激活记录 payload
type LocationPingPayload struct {
	OwnerID          string           `json:"owner_id"`
	ActivationMethod ActivationMethod `json:"activation_method"`
	StealthMode      bool             `json:"stealth_mode"`
	Location         *Location        `json:"location"` // 定位失败时为 null
	DeviceInfo       *DeviceInfo      `json:"device_info,omitempty"`
	Phase            string           `json:"phase"` // activation, ping, closure
}

// EvidenceUploadPayload 证据分段上传 payload
// 二进制内容不进 payload，投递时按 storage_path 读取
type EvidenceUploadPayload struct {
	SegmentID   string    `json:"segment_id"`
	MediaType   MediaType `json:"media_type"`
	StoragePath string    `json:"storage_path"`
	SizeBytes   int64     `json:"size_bytes"`
	SHA256      string    `json:"sha256"`
}

// ContactNotifyPayload 联系人通知 payload
type ContactNotifyPayload struct {
	RecipientID string        `json:"recipient_id"`
	Channel     NotifyChannel `json:"channel"`
	Phone       string        `json:"phone,omitempty"`
	Message     string        `json:"message"`
}

// Payload phase 常量
const (
	PingPhaseActivation = "activation"
	PingPhasePing       = "ping"
	PingPhaseClosure    = "closure"
)
