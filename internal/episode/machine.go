package episode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sos-guardian/internal/events"
	"sos-guardian/internal/location"
	"sos-guardian/internal/models"
	"sos-guardian/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyActive 该 owner 已有进行中的紧急事件
	ErrAlreadyActive = errors.New("an emergency episode is already active")
	// ErrNotActive 该 owner 没有进行中的紧急事件
	ErrNotActive = errors.New("no active emergency episode")
	// ErrConfirmationRequired 解除必须带安全确认，防误触
	ErrConfirmationRequired = errors.New("deactivation requires safety confirmation")
	// ErrInvalidActivationMethod 未知触发方式
	ErrInvalidActivationMethod = errors.New("invalid activation method")
	// ErrEpisodeNotFound 查无此事件
	ErrEpisodeNotFound = errors.New("episode not found")
)

// EpisodeStore 事件持久化（由 repository.EpisodesRepository 实现）
type EpisodeStore interface {
	CreateEpisode(ctx context.Context, tenantID string, episode *models.EmergencyEpisode) error
	GetEpisode(ctx context.Context, tenantID, episodeID string) (*models.EmergencyEpisode, error)
	GetActiveEpisode(ctx context.Context, tenantID, ownerID string) (*models.EmergencyEpisode, error)
	UpdateEpisodeState(ctx context.Context, tenantID, episodeID string, from, to models.EpisodeState, endedAt *time.Time) error
	UpdateEpisodeLocation(ctx context.Context, tenantID, episodeID string, location *models.Location) error
	ListEpisodes(ctx context.Context, tenantID, ownerID string, limit int) ([]*models.EmergencyEpisode, error)
}

// CaptureManager 证据采集（由 capture.Manager 实现）
type CaptureManager interface {
	Start(episodeID, ownerID string) error
	Stop(episodeID string)
}

// Notifier 通知分发（由 dispatcher.Dispatcher 实现）
type Notifier interface {
	Notify(ctx context.Context, episode *models.EmergencyEpisode, message string) (int, error)
}

// WorkQueue 上传队列（由 queue.Queue 实现）
type WorkQueue interface {
	Enqueue(ctx context.Context, item *models.QueuedWorkItem) error
	UnfinishedCount(ctx context.Context, episodeID string) (int, error)
}

// Options 状态机参数
type Options struct {
	LocationTimeout time.Duration // Arming 阶段等定位的时间上限
	HistoryLimit    int           // History 返回的最大条数
}

// TriggerRequest 一次触发请求
type TriggerRequest struct {
	OwnerID     string                  `json:"owner_id"`
	Method      models.ActivationMethod `json:"activation_method"`
	StealthMode bool                    `json:"stealth_mode"`
	DeviceInfo  *models.DeviceInfo      `json:"device_info,omitempty"`
}

// Machine 紧急事件状态机
// 生命周期：idle -> arming -> active -> winding_down -> idle。
// 同一 owner 同时最多一个事件：重复触发并入当前事件而不是另开一个。
// 触发路径上只有"事件记录落库"是硬依赖，定位、采集、通知任何一步
// 失败都不回滚激活
type Machine struct {
	tenantID  string
	store     EpisodeStore
	capture   CaptureManager
	notifier  Notifier
	queue     WorkQueue
	locations location.Provider
	sink      events.Sink
	opts      Options
	logger    *zap.Logger

	// 串行化同 owner 的并发触发（check-then-create 窗口）
	mu sync.Mutex
}

// NewMachine 创建状态机
func NewMachine(tenantID string, store EpisodeStore, capture CaptureManager, notifier Notifier, workQueue WorkQueue, locations location.Provider, sink events.Sink, opts Options, logger *zap.Logger) *Machine {
	if opts.LocationTimeout <= 0 {
		opts.LocationTimeout = 5 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}

	return &Machine{
		tenantID:  tenantID,
		store:     store,
		capture:   capture,
		notifier:  notifier,
		queue:     workQueue,
		locations: locations,
		sink:      sink,
		opts:      opts,
		logger:    logger,
	}
}

// Trigger 触发一次紧急事件
// 已有进行中事件时返回该事件和 ErrAlreadyActive，调用方并入即可。
// 事件记录落库失败是唯一的硬失败；之后定位超时、采集能力缺失、
// 通知入队失败都只降级，不终止激活
func (m *Machine) Trigger(ctx context.Context, req *TriggerRequest) (*models.EmergencyEpisode, error) {
	if req == nil || req.OwnerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}
	if !models.ValidActivationMethod(req.Method) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidActivationMethod, req.Method)
	}

	episode, err := m.createArming(ctx, req)
	if err != nil {
		return episode, err
	}

	// Arming：有限时间内等一个可用定位，拿不到就不带定位继续
	locCtx, cancel := context.WithTimeout(ctx, m.opts.LocationTimeout)
	fix, err := m.locations.Current(locCtx, req.OwnerID)
	cancel()
	if err != nil {
		m.logger.Warn("Location lookup failed during arming",
			zap.String("episode_id", episode.EpisodeID),
			zap.Error(err),
		)
		fix = nil
	}
	if fix != nil {
		episode.Location = fix
		if err := m.store.UpdateEpisodeLocation(ctx, m.tenantID, episode.EpisodeID, fix); err != nil {
			m.logger.Error("Failed to record episode location",
				zap.String("episode_id", episode.EpisodeID),
				zap.Error(err),
			)
		}
	} else {
		m.logger.Warn("No location fix available, episode continues without location",
			zap.String("episode_id", episode.EpisodeID),
			zap.String("owner_id", req.OwnerID),
		)
	}

	if err := m.transition(ctx, episode, models.EpisodeStateActive, nil); err != nil {
		// arming 窗口内事件已被解除：激活中止，不启动采集也不通知
		m.logger.Warn("Activation aborted, episode left arming state concurrently",
			zap.String("episode_id", episode.EpisodeID),
			zap.String("owner_id", req.OwnerID),
			zap.Error(err),
		)
		return nil, err
	}

	if err := m.capture.Start(episode.EpisodeID, req.OwnerID); err != nil {
		m.logger.Error("Failed to start evidence capture",
			zap.String("episode_id", episode.EpisodeID),
			zap.Error(err),
		)
	}

	m.enqueuePing(ctx, episode, models.PingPhaseActivation, req.DeviceInfo)

	if _, err := m.notifier.Notify(ctx, episode, activationMessage(episode)); err != nil {
		m.logger.Error("Failed to fan out activation notifications",
			zap.String("episode_id", episode.EpisodeID),
			zap.Error(err),
		)
	}

	m.logger.Info("Emergency episode activated",
		zap.String("episode_id", episode.EpisodeID),
		zap.String("owner_id", req.OwnerID),
		zap.String("activation_method", string(req.Method)),
		zap.Bool("stealth_mode", req.StealthMode),
		zap.Bool("has_location", episode.Location != nil),
	)
	return episode, nil
}

// createArming 查重并创建 arming 状态的事件记录
func (m *Machine) createArming(ctx context.Context, req *TriggerRequest) (*models.EmergencyEpisode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.GetActiveEpisode(ctx, m.tenantID, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active episode: %w", err)
	}
	if existing != nil {
		m.logger.Info("Trigger merged into existing episode",
			zap.String("episode_id", existing.EpisodeID),
			zap.String("owner_id", req.OwnerID),
		)
		return existing, ErrAlreadyActive
	}

	now := time.Now()
	episode := &models.EmergencyEpisode{
		EpisodeID:        uuid.New().String(),
		TenantID:         m.tenantID,
		OwnerID:          req.OwnerID,
		State:            models.EpisodeStateArming,
		ActivationMethod: req.Method,
		StealthMode:      req.StealthMode,
		StartedAt:        now,
		Metadata:         json.RawMessage(`{}`),
	}
	if err := m.store.CreateEpisode(ctx, m.tenantID, episode); err != nil {
		return nil, fmt.Errorf("failed to create episode: %w", err)
	}

	m.publishStateChange(ctx, episode, models.EpisodeStateIdle, models.EpisodeStateArming)
	return episode, nil
}

// Deactivate 解除 owner 当前的紧急事件
// 必须带安全确认。关闭不等待队列排空：未投递的任务在事件结束后
// 继续按原顺序投递
func (m *Machine) Deactivate(ctx context.Context, ownerID string, confirmedSafe bool) (*models.EmergencyEpisode, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}
	if !confirmedSafe {
		return nil, ErrConfirmationRequired
	}

	episode, err := m.store.GetActiveEpisode(ctx, m.tenantID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active episode: %w", err)
	}
	if episode == nil {
		return nil, ErrNotActive
	}

	if err := m.transition(ctx, episode, models.EpisodeStateWindingDown, nil); err != nil {
		return nil, err
	}

	m.capture.Stop(episode.EpisodeID)
	m.enqueuePing(ctx, episode, models.PingPhaseClosure, nil)

	if _, err := m.notifier.Notify(ctx, episode, closureMessage(episode)); err != nil {
		m.logger.Error("Failed to fan out closure notifications",
			zap.String("episode_id", episode.EpisodeID),
			zap.Error(err),
		)
	}

	now := time.Now()
	if err := m.transition(ctx, episode, models.EpisodeStateIdle, &now); err != nil {
		return nil, err
	}

	unfinished, err := m.queue.UnfinishedCount(ctx, episode.EpisodeID)
	if err != nil {
		m.logger.Warn("Failed to count unfinished work items",
			zap.String("episode_id", episode.EpisodeID),
			zap.Error(err),
		)
		unfinished = -1
	}

	m.logger.Info("Emergency episode closed",
		zap.String("episode_id", episode.EpisodeID),
		zap.String("owner_id", ownerID),
		zap.Int("unfinished_items", unfinished),
	)
	return episode, nil
}

// Get 按 ID 查事件，查不到返回 ErrEpisodeNotFound
func (m *Machine) Get(ctx context.Context, episodeID string) (*models.EmergencyEpisode, error) {
	episode, err := m.store.GetEpisode(ctx, m.tenantID, episodeID)
	if err != nil {
		return nil, err
	}
	if episode == nil {
		return nil, ErrEpisodeNotFound
	}
	return episode, nil
}

// ActiveFor owner 当前进行中的事件，没有则返回 ErrNotActive
func (m *Machine) ActiveFor(ctx context.Context, ownerID string) (*models.EmergencyEpisode, error) {
	episode, err := m.store.GetActiveEpisode(ctx, m.tenantID, ownerID)
	if err != nil {
		return nil, err
	}
	if episode == nil {
		return nil, ErrNotActive
	}
	return episode, nil
}

// History owner 的历史事件，新的在前
func (m *Machine) History(ctx context.Context, ownerID string) ([]*models.EmergencyEpisode, error) {
	return m.store.ListEpisodes(ctx, m.tenantID, ownerID, m.opts.HistoryLimit)
}

// HandleLocationFix 活动事件期间的持续位置上报
// owner 没有活动事件时静默忽略（手机端平时也在上报定位）
func (m *Machine) HandleLocationFix(ctx context.Context, ownerID string, fix *models.Location) {
	episode, err := m.store.GetActiveEpisode(ctx, m.tenantID, ownerID)
	if err != nil {
		m.logger.Error("Failed to look up episode for location fix",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return
	}
	if episode == nil || episode.State != models.EpisodeStateActive {
		return
	}

	episode.Location = fix
	if err := m.store.UpdateEpisodeLocation(ctx, m.tenantID, episode.EpisodeID, fix); err != nil {
		m.logger.Error("Failed to update episode location",
			zap.String("episode_id", episode.EpisodeID),
			zap.Error(err),
		)
	}

	m.enqueuePing(ctx, episode, models.PingPhasePing, nil)
}

// transition 状态迁移并发布事件
// 前置状态守卫在存储层：当前状态已被并发迁移改掉时这里失败，调用方中止
func (m *Machine) transition(ctx context.Context, episode *models.EmergencyEpisode, to models.EpisodeState, endedAt *time.Time) error {
	from := episode.State
	if err := m.store.UpdateEpisodeState(ctx, m.tenantID, episode.EpisodeID, from, to, endedAt); err != nil {
		return fmt.Errorf("failed to transition episode %s to %s: %w", episode.EpisodeID, to, err)
	}

	episode.State = to
	if endedAt != nil {
		episode.EndedAt = endedAt
	}

	m.publishStateChange(ctx, episode, from, to)
	return nil
}

func (m *Machine) publishStateChange(ctx context.Context, episode *models.EmergencyEpisode, from, to models.EpisodeState) {
	if m.sink == nil {
		return
	}

	event := events.Event{
		Type:      events.TypeEpisodeStateChanged,
		EpisodeID: episode.EpisodeID,
		OwnerID:   episode.OwnerID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		},
	}
	if err := m.sink.Publish(ctx, event); err != nil {
		m.logger.Error("Failed to publish state change event",
			zap.String("episode_id", episode.EpisodeID),
			zap.Error(err),
		)
	}
}

// enqueuePing 入队一条位置上报任务，失败只记日志
func (m *Machine) enqueuePing(ctx context.Context, episode *models.EmergencyEpisode, phase string, device *models.DeviceInfo) {
	item, err := queue.NewItem(episode.EpisodeID, models.WorkItemLocationPing, &models.LocationPingPayload{
		OwnerID:          episode.OwnerID,
		ActivationMethod: episode.ActivationMethod,
		StealthMode:      episode.StealthMode,
		Location:         episode.Location,
		DeviceInfo:       device,
		Phase:            phase,
	})
	if err != nil {
		m.logger.Error("Failed to build location ping item",
			zap.String("episode_id", episode.EpisodeID),
			zap.Error(err),
		)
		return
	}
	if err := m.queue.Enqueue(ctx, item); err != nil {
		m.logger.Error("Failed to enqueue location ping",
			zap.String("episode_id", episode.EpisodeID),
			zap.String("phase", phase),
			zap.Error(err),
		)
	}
}

func activationMessage(episode *models.EmergencyEpisode) string {
	if episode.Location != nil {
		return fmt.Sprintf("SOS activated at %.5f,%.5f", episode.Location.Latitude, episode.Location.Longitude)
	}
	return "SOS activated, location unavailable"
}

func closureMessage(episode *models.EmergencyEpisode) string {
	return "SOS resolved, owner confirmed safe"
}
