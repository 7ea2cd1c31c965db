package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sos-guardian/internal/events"
	"sos-guardian/internal/models"
	"sos-guardian/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SegmentWriter 分段元数据持久化（由 repository.SegmentsRepository 实现）
type SegmentWriter interface {
	CreateSegment(ctx context.Context, segment *models.EvidenceSegment) error
}

// Enqueuer 上传队列入队接口
type Enqueuer interface {
	Enqueue(ctx context.Context, item *models.QueuedWorkItem) error
}

// Options 采集参数
type Options struct {
	SegmentMaxDuration time.Duration
	SegmentMaxBytes    int64
}

// Manager 证据采集管理器
// 每个事件一个采集会话：各路设备独立打开，单路失败不影响其余路。
// 滚动分段：到达时长或字节上限即切段，加密落盘后交给上传队列，
// 采集过程中任一分段丢失只影响该段本身
type Manager struct {
	devices  []CaptureDevice
	store    *SegmentStore
	segments SegmentWriter
	queue    Enqueuer
	sink     events.Sink
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*captureSession
}

type captureSession struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建采集管理器
func NewManager(devices []CaptureDevice, store *SegmentStore, segments SegmentWriter, enqueuer Enqueuer, sink events.Sink, opts Options, logger *zap.Logger) *Manager {
	if opts.SegmentMaxDuration <= 0 {
		opts.SegmentMaxDuration = 60 * time.Second
	}
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = 8 * 1024 * 1024
	}

	return &Manager{
		devices:  devices,
		store:    store,
		segments: segments,
		queue:    enqueuer,
		sink:     sink,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*captureSession),
	}
}

// Start 为一个事件启动证据采集
// 采集会话使用独立上下文，不随触发请求的上下文结束。
// 部分设备打开失败不算错误：发布 capability_unavailable 事件后继续
func (m *Manager) Start(episodeID, ownerID string) error {
	if episodeID == "" {
		return fmt.Errorf("episode ID is required")
	}

	m.mu.Lock()
	if _, exists := m.sessions[episodeID]; exists {
		m.mu.Unlock()
		return nil
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &captureSession{cancel: cancel}
	m.sessions[episodeID] = sess
	m.mu.Unlock()

	opened := 0
	for _, device := range m.devices {
		ch, err := device.Open(sessCtx, ownerID)
		if err != nil {
			m.logger.Warn("Capture capability unavailable",
				zap.String("episode_id", episodeID),
				zap.String("media_type", string(device.MediaType())),
				zap.Error(err),
			)
			m.publishCapabilityUnavailable(episodeID, ownerID, device.MediaType(), err)
			continue
		}

		opened++
		sess.wg.Add(1)
		go m.run(sessCtx, sess, episodeID, device.MediaType(), ch)
	}

	if opened == 0 {
		m.logger.Warn("No capture capability available, episode continues without evidence",
			zap.String("episode_id", episodeID),
		)
		return nil
	}

	m.logger.Info("Evidence capture started",
		zap.String("episode_id", episodeID),
		zap.Int("devices", opened),
	)
	return nil
}

// Stop 结束一个事件的采集并刷出未满的尾段
// 幂等：重复调用或对未知事件调用都是空操作
func (m *Manager) Stop(episodeID string) {
	m.mu.Lock()
	sess, exists := m.sessions[episodeID]
	if exists {
		delete(m.sessions, episodeID)
	}
	m.mu.Unlock()

	if !exists {
		return
	}

	sess.cancel()
	sess.wg.Wait()

	m.logger.Info("Evidence capture stopped",
		zap.String("episode_id", episodeID),
	)
}

// Active 该事件是否有采集会话在运行
func (m *Manager) Active(episodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.sessions[episodeID]
	return exists
}

// Close 关闭全部设备（服务关停时调用）
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*captureSession)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
		sess.wg.Wait()
	}

	for _, device := range m.devices {
		if err := device.Close(); err != nil {
			m.logger.Warn("Failed to close capture device",
				zap.String("media_type", string(device.MediaType())),
				zap.Error(err),
			)
		}
	}
}

// run 单路设备的滚动分段循环
func (m *Manager) run(ctx context.Context, sess *captureSession, episodeID string, mediaType models.MediaType, ch <-chan Chunk) {
	defer sess.wg.Done()

	var buf []byte
	startedAt := time.Now()

	timer := time.NewTimer(m.opts.SegmentMaxDuration)
	defer timer.Stop()

	cut := func() {
		if len(buf) > 0 {
			m.finalize(episodeID, mediaType, buf, startedAt)
			buf = nil
		}
		startedAt = time.Now()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.opts.SegmentMaxDuration)
	}

	for {
		select {
		case <-ctx.Done():
			cut()
			return

		case chunk, ok := <-ch:
			if !ok {
				cut()
				return
			}
			if len(buf) == 0 {
				startedAt = chunk.At
			}
			buf = append(buf, chunk.Data...)
			if int64(len(buf)) >= m.opts.SegmentMaxBytes {
				cut()
			}

		case <-timer.C:
			cut()
		}
	}
}

// finalize 加密落盘一个分段，写入元数据并交给上传队列
// 任一步失败只丢这一段，不中断采集
func (m *Manager) finalize(episodeID string, mediaType models.MediaType, data []byte, startedAt time.Time) {
	ctx := context.Background()
	segmentID := uuid.New().String()
	endedAt := time.Now()

	blob, err := m.store.Save(episodeID, segmentID, mediaType, data)
	if err != nil {
		m.logger.Error("Failed to persist evidence segment",
			zap.String("episode_id", episodeID),
			zap.String("segment_id", segmentID),
			zap.String("media_type", string(mediaType)),
			zap.Error(err),
		)
		return
	}

	segment := &models.EvidenceSegment{
		SegmentID:        segmentID,
		EpisodeID:        episodeID,
		MediaType:        mediaType,
		CaptureStartedAt: startedAt,
		CaptureEndedAt:   &endedAt,
		StoragePath:      blob.Path,
		SizeBytes:        blob.SizeBytes,
		SHA256:           blob.SHA256,
		UploadStatus:     models.SegmentPending,
	}
	if err := m.segments.CreateSegment(ctx, segment); err != nil {
		m.logger.Error("Failed to record evidence segment",
			zap.String("segment_id", segmentID),
			zap.Error(err),
		)
		return
	}

	item, err := queue.NewItem(episodeID, models.WorkItemEvidenceUpload, &models.EvidenceUploadPayload{
		SegmentID:   segmentID,
		MediaType:   mediaType,
		StoragePath: blob.Path,
		SizeBytes:   blob.SizeBytes,
		SHA256:      blob.SHA256,
	})
	if err != nil {
		m.logger.Error("Failed to build evidence upload item",
			zap.String("segment_id", segmentID),
			zap.Error(err),
		)
		return
	}
	if err := m.queue.Enqueue(ctx, item); err != nil {
		m.logger.Error("Failed to enqueue evidence upload",
			zap.String("segment_id", segmentID),
			zap.Error(err),
		)
		return
	}

	m.logger.Info("Evidence segment captured",
		zap.String("episode_id", episodeID),
		zap.String("segment_id", segmentID),
		zap.String("media_type", string(mediaType)),
		zap.Int64("size_bytes", blob.SizeBytes),
		zap.Duration("duration", endedAt.Sub(startedAt)),
	)

	if m.sink != nil {
		event := events.Event{
			Type:      events.TypeSegmentCaptured,
			EpisodeID: episodeID,
			Timestamp: endedAt,
			Data: map[string]interface{}{
				"segment_id": segmentID,
				"media_type": string(mediaType),
				"size_bytes": blob.SizeBytes,
			},
		}
		if err := m.sink.Publish(ctx, event); err != nil {
			m.logger.Error("Failed to publish segment event",
				zap.String("segment_id", segmentID),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) publishCapabilityUnavailable(episodeID, ownerID string, mediaType models.MediaType, cause error) {
	if m.sink == nil {
		return
	}

	event := events.Event{
		Type:      events.TypeCapabilityUnavailable,
		EpisodeID: episodeID,
		OwnerID:   ownerID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"media_type": string(mediaType),
			"error":      cause.Error(),
		},
	}
	if err := m.sink.Publish(context.Background(), event); err != nil {
		m.logger.Error("Failed to publish capability event",
			zap.String("episode_id", episodeID),
			zap.Error(err),
		)
	}
}
