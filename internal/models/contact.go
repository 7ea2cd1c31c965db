package models

import (
	"time"
)

// NotifyChannel 通知渠道
type NotifyChannel string

const (
	ChannelSMS          NotifyChannel = "sms"
	ChannelPush         NotifyChannel = "push"
	ChannelAuthorityAPI NotifyChannel = "authority_api"
)

// ValidNotifyChannel 校验通知渠道
func ValidNotifyChannel(channel NotifyChannel) bool {
	switch channel {
	case ChannelSMS, ChannelPush, ChannelAuthorityAPI:
		return true
	}
	return false
}

// DeliveryStatus 单个接收方的投递状态
type DeliveryStatus string

const (
	DeliveryNotSent           DeliveryStatus = "not_sent"
	DeliverySent              DeliveryStatus = "sent"
	DeliveryConfirmedReceived DeliveryStatus = "confirmed_received"
	DeliveryFailed            DeliveryStatus = "failed"
)

// TrustedContact 紧急联系人（对应 trusted_contacts 表）
type TrustedContact struct {
	ContactID    string    `json:"contact_id" db:"contact_id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	Name         string    `json:"name" db:"name"`
	Phone        string    `json:"phone" db:"phone"`
	Relationship string    `json:"relationship" db:"relationship"`
	IsPrimary    bool      `json:"is_primary" db:"is_primary"`
	Channels     []NotifyChannel `json:"channels" db:"channels"` // JSONB，如 ["sms","push"]
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ContactDeliveryRecord 一次 fan-out 中单个（接收方，渠道）的投递记录
// （对应 delivery_records 表），只由 Notification Dispatcher 更新
type ContactDeliveryRecord struct {
	EpisodeID      string         `json:"episode_id" db:"episode_id"`
	RecipientID    string         `json:"recipient_id" db:"recipient_id"`
	Channel        NotifyChannel  `json:"channel" db:"channel"`
	DeliveryStatus DeliveryStatus `json:"delivery_status" db:"delivery_status"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// DeliverySummary 投递状态汇总（用于 UI 展示 "3 of 5 contacts notified"）
type DeliverySummary struct {
	EpisodeID string                  `json:"episode_id"`
	Records   []ContactDeliveryRecord `json:"records"`
	Total     int                     `json:"total"`
	Notified  int                     `json:"notified"` // sent 或 confirmed_received
	Failed    int                     `json:"failed"`
}
