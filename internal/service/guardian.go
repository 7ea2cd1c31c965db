package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sos-guardian/internal/api"
	"sos-guardian/internal/capture"
	"sos-guardian/internal/config"
	"sos-guardian/internal/database"
	"sos-guardian/internal/dispatcher"
	"sos-guardian/internal/episode"
	"sos-guardian/internal/events"
	"sos-guardian/internal/location"
	"sos-guardian/internal/models"
	mqttx "sos-guardian/internal/mqtt"
	"sos-guardian/internal/queue"
	redisx "sos-guardian/internal/redis"
	"sos-guardian/internal/repository"
	"sos-guardian/internal/transport"

	"go.uber.org/zap"
)

// GuardianService SOS 协调服务（整合各层）
type GuardianService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redisx.Client
	mqttClient  *mqttx.Client
	logger      *zap.Logger
	tenantID    string

	// 各层组件
	episodeRepo  *repository.EpisodesRepository
	queueRepo    *repository.QueueRepository
	segmentRepo  *repository.SegmentsRepository
	contactRepo  *repository.ContactsRepository
	deliveryRepo *repository.DeliveryRepository

	sink        events.Sink
	uploadQueue *queue.Queue
	dispatcher  *dispatcher.Dispatcher
	capture     *capture.Manager
	ingest      *location.Ingest
	machine     *episode.Machine
	apiServer   *api.Server
}

// NewGuardianService 创建 SOS 协调服务
func NewGuardianService(cfg *config.Config, logger *zap.Logger, tenantID string) (*GuardianService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisx.NewRedisClient(&cfg.Redis)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT（手机端推流与定位上报的入口）
	mqttClient, err := mqttx.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mqtt broker: %w", err)
	}

	// 4. 创建 Repository 层
	episodeRepo := repository.NewEpisodesRepository(db, logger)
	queueRepo := repository.NewQueueRepository(db, logger)
	segmentRepo := repository.NewSegmentsRepository(db, logger)
	contactRepo := repository.NewContactsRepository(db, logger)
	deliveryRepo := repository.NewDeliveryRepository(db, logger)

	// 5. 事件流
	sink := events.NewStreamSink(redisClient, cfg.Events.Stream, logger)

	// 6. 上传队列：resty 客户端投 HTTP，push 渠道走 MQTT
	apiClient := transport.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Queue.AttemptTimeout, logger)
	router := transport.NewRouter(apiClient, mqttClient, cfg.Dispatcher.PushTopicPrefix, 1, logger)
	uploadQueue := queue.NewQueue(queueRepo, router, sink, queue.Options{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BackoffBase:    cfg.Queue.BackoffBase,
		BackoffCap:     cfg.Queue.BackoffCap,
		AttemptTimeout: cfg.Queue.AttemptTimeout,
		PollInterval:   cfg.Queue.PollInterval,
		StaleInFlight:  cfg.Queue.StaleInFlight,
	}, logger)

	// 7. 通知分发
	dispatch := dispatcher.NewDispatcher(tenantID, contactRepo, deliveryRepo, uploadQueue, redisClient, dispatcher.Options{
		SnapshotTTL: cfg.Dispatcher.SnapshotTTL,
		Authorities: cfg.Dispatcher.Authorities,
	}, logger)

	// 8. 投递结果回调：分段状态 + 投递记录
	uploadQueue.SetResultHandler(&resultHandler{
		segments:   segmentRepo,
		dispatcher: dispatch,
		logger:     logger,
	})

	// 9. 证据采集：音视频都从 MQTT 推流接入
	cipher, err := capture.NewCipher(cfg.Capture.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init segment cipher: %w", err)
	}
	segmentStore, err := capture.NewSegmentStore(cfg.Capture.EvidenceDir, cipher)
	if err != nil {
		return nil, fmt.Errorf("failed to init segment store: %w", err)
	}
	devices := []capture.CaptureDevice{
		capture.NewMQTTDevice(mqttClient, models.MediaTypeAudio, cfg.Ingest.AudioTopic, logger),
		capture.NewMQTTDevice(mqttClient, models.MediaTypeVideo, cfg.Ingest.VideoTopic, logger),
	}
	captureManager := capture.NewManager(devices, segmentStore, segmentRepo, uploadQueue, sink, capture.Options{
		SegmentMaxDuration: cfg.Capture.SegmentMaxDuration,
		SegmentMaxBytes:    cfg.Capture.SegmentMaxBytes,
	}, logger)

	// 10. 定位缓存与上报接入
	locationCache := location.NewCache(redisClient, cfg.Ingest.LocationKeyPrefix, cfg.Episode.LocationMaxAge, logger)
	locationProvider := location.NewCachedProvider(locationCache)
	ingest := location.NewIngest(mqttClient, locationCache, cfg.Ingest.LocationTopic, logger)

	// 11. 状态机
	machine := episode.NewMachine(tenantID, episodeRepo, captureManager, dispatch, uploadQueue, locationProvider, sink, episode.Options{
		LocationTimeout: cfg.Episode.LocationTimeout,
		HistoryLimit:    cfg.Episode.HistoryLimit,
	}, logger)

	// 12. 活动事件期间的位置上报转入状态机
	ingest.OnFix = func(ownerID string, fix *models.Location) {
		machine.HandleLocationFix(context.Background(), ownerID, fix)
	}

	// 13. HTTP API
	apiServer := api.NewServer(cfg.HTTP.Addr, tenantID, machine, dispatch, uploadQueue, contactRepo, logger)

	return &GuardianService{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		logger:       logger,
		tenantID:     tenantID,
		episodeRepo:  episodeRepo,
		queueRepo:    queueRepo,
		segmentRepo:  segmentRepo,
		contactRepo:  contactRepo,
		deliveryRepo: deliveryRepo,
		sink:         sink,
		uploadQueue:  uploadQueue,
		dispatcher:   dispatch,
		capture:      captureManager,
		ingest:       ingest,
		machine:      machine,
		apiServer:    apiServer,
	}, nil
}

// Start 启动服务（阻塞直到 ctx 取消或某个组件出错）
func (s *GuardianService) Start(ctx context.Context) error {
	s.logger.Info("Starting guardian service",
		zap.String("tenant_id", s.tenantID),
		zap.String("http_addr", s.config.HTTP.Addr),
	)

	if err := s.ingest.Start(); err != nil {
		return fmt.Errorf("failed to start location ingest: %w", err)
	}

	errChan := make(chan error, 2)

	go func() {
		if err := s.uploadQueue.Start(ctx); err != nil {
			errChan <- fmt.Errorf("upload queue error: %w", err)
		}
	}()

	go func() {
		if err := s.apiServer.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 停止服务
func (s *GuardianService) Stop() error {
	s.logger.Info("Stopping guardian service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.apiServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shut down HTTP server",
			zap.Error(err),
		)
	}

	s.ingest.Stop()
	s.capture.Close()
	s.mqttClient.Disconnect()

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}
