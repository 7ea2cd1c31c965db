package transport

import (
	"context"
	"fmt"
	"time"

	"sos-guardian/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// 幂等键请求头，值为 QueuedWorkItem 的 item_id，后端按它去重
const idempotencyKeyHeader = "X-Idempotency-Key"

// APIResponse 平台后端统一响应
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client 平台后端 API 客户端
// 重试由上传队列统筹，这里不做传输层重试（避免 attempt_count 与实际请求数脱节）
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建平台后端客户端
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// activationRequest 激活/位置上报请求体
type activationRequest struct {
	EpisodeID        string                  `json:"episode_id"`
	OwnerID          string                  `json:"owner_id"`
	ActivationMethod models.ActivationMethod `json:"activation_method"`
	StealthMode      bool                    `json:"stealth_mode"`
	Location         *models.Location        `json:"location"`
	DeviceInfo       *models.DeviceInfo      `json:"device_info,omitempty"`
	Phase            string                  `json:"phase"`
}

// PostActivation 投递激活记录 / 位置上报
func (c *Client) PostActivation(ctx context.Context, itemID, episodeID string, payload *models.LocationPingPayload) error {
	request := activationRequest{
		EpisodeID:        episodeID,
		OwnerID:          payload.OwnerID,
		ActivationMethod: payload.ActivationMethod,
		StealthMode:      payload.StealthMode,
		Location:         payload.Location,
		DeviceInfo:       payload.DeviceInfo,
		Phase:            payload.Phase,
	}

	return c.post(ctx, "/sos/activate", itemID, request)
}

// mediaRequest 分段上传请求体（密文随 JSON base64 传输）
type mediaRequest struct {
	EpisodeID string           `json:"episode_id"`
	SegmentID string           `json:"segment_id"`
	MediaType models.MediaType `json:"media_type"`
	SizeBytes int64            `json:"size_bytes"`
	SHA256    string           `json:"sha256"`
	Content   []byte           `json:"content"`
}

// UploadSegment 投递证据分段
// 同一 segment_id 重复上传在后端是安全的（不产生重复记录）
func (c *Client) UploadSegment(ctx context.Context, itemID, episodeID string, payload *models.EvidenceUploadPayload, content []byte) error {
	request := mediaRequest{
		EpisodeID: episodeID,
		SegmentID: payload.SegmentID,
		MediaType: payload.MediaType,
		SizeBytes: payload.SizeBytes,
		SHA256:    payload.SHA256,
		Content:   content,
	}

	return c.post(ctx, "/sos/media", itemID, request)
}

// notifyRequest 联系人通知请求体
type notifyRequest struct {
	EpisodeID   string               `json:"episode_id"`
	RecipientID string               `json:"recipient_id"`
	Channel     models.NotifyChannel `json:"channel"`
	Phone       string               `json:"phone,omitempty"`
	Message     string               `json:"message"`
}

// NotifyContact 投递单个接收方的通知（sms / authority_api 渠道）
// 返回的是单次调用确认，不是端到端送达确认
func (c *Client) NotifyContact(ctx context.Context, itemID, episodeID string, payload *models.ContactNotifyPayload) error {
	request := notifyRequest{
		EpisodeID:   episodeID,
		RecipientID: payload.RecipientID,
		Channel:     payload.Channel,
		Phone:       payload.Phone,
		Message:     payload.Message,
	}

	return c.post(ctx, "/sos/notify", itemID, request)
}

// post 统一请求处理
func (c *Client) post(ctx context.Context, path, itemID string, body interface{}) error {
	var response APIResponse

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader(idempotencyKeyHeader, itemID).
		SetBody(body).
		SetResult(&response).
		Post(path)

	if err != nil {
		return fmt.Errorf("failed to call backend %s: %w", path, err)
	}

	if resp.IsError() {
		return fmt.Errorf("backend %s returned status %d", path, resp.StatusCode())
	}

	if !response.Success {
		return fmt.Errorf("backend %s rejected request: %s", path, response.Message)
	}

	return nil
}
