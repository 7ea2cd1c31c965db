package models

import (
	"encoding/json"
	"time"
)

// EpisodeState 紧急事件生命周期状态
type EpisodeState string

const (
	EpisodeStateIdle        EpisodeState = "idle"
	EpisodeStateArming      EpisodeState = "arming"
	EpisodeStateActive      EpisodeState = "active"
	EpisodeStateWindingDown EpisodeState = "winding_down"
)

// ActivationMethod 触发方式
type ActivationMethod string

const (
	ActivationManualButton   ActivationMethod = "manual_button"
	ActivationShakeGesture   ActivationMethod = "shake_gesture"
	ActivationHardwareButton ActivationMethod = "hardware_button_sequence"
)

// ValidActivationMethod 检查触发方式是否合法
func ValidActivationMethod(m ActivationMethod) bool {
	switch m {
	case ActivationManualButton, ActivationShakeGesture, ActivationHardwareButton:
		return true
	}
	return false
}

// Location 位置信息（手机端上报的最新定位）
type Location struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"` // 精度（米）
	Address    *string   `json:"address,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// EmergencyEpisode 一次紧急事件（对应 sos_episodes 表）
// 不变量：同一 owner_id 同时最多只有一条 state != 'idle' 的记录
type EmergencyEpisode struct {
	EpisodeID        string           `json:"episode_id" db:"episode_id"`
	TenantID         string           `json:"tenant_id" db:"tenant_id"`
	OwnerID          string           `json:"owner_id" db:"owner_id"`
	State            EpisodeState     `json:"state" db:"state"`
	ActivationMethod ActivationMethod `json:"activation_method" db:"activation_method"`
	StealthMode      bool             `json:"stealth_mode" db:"stealth_mode"` // 触发时确定，事件期间不可变
	Location         *Location        `json:"location,omitempty" db:"location"`
	StartedAt        time.Time        `json:"started_at" db:"started_at"`
	EndedAt          *time.Time       `json:"ended_at,omitempty" db:"ended_at"`
	Metadata         json.RawMessage  `json:"metadata" db:"metadata"` // JSONB
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// Closed 事件是否已结束
func (e *EmergencyEpisode) Closed() bool {
	return e.State == EpisodeStateIdle
}

// DeviceInfo 触发设备信息（原样透传给后端激活接口）
type DeviceInfo struct {
	Platform   string `json:"platform,omitempty"`
	Model      string `json:"model,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}
