package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"sos-guardian/internal/episode"
	"sos-guardian/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Coordinator 状态机操作（由 episode.Machine 实现）
type Coordinator interface {
	Trigger(ctx context.Context, req *episode.TriggerRequest) (*models.EmergencyEpisode, error)
	Deactivate(ctx context.Context, ownerID string, confirmedSafe bool) (*models.EmergencyEpisode, error)
	Get(ctx context.Context, episodeID string) (*models.EmergencyEpisode, error)
	History(ctx context.Context, ownerID string) ([]*models.EmergencyEpisode, error)
}

// DeliveryReader 投递状态查询（由 dispatcher.Dispatcher 实现）
type DeliveryReader interface {
	DeliveryStatus(ctx context.Context, episodeID string) (*models.DeliverySummary, error)
}

// QueueReader 队列深度查询（由 queue.Queue 实现）
type QueueReader interface {
	UnfinishedCount(ctx context.Context, episodeID string) (int, error)
}

// ContactDirectory 紧急联系人管理（由 repository.ContactsRepository 实现）
type ContactDirectory interface {
	AddTrustedContact(ctx context.Context, tenantID string, contact *models.TrustedContact) error
	RemoveTrustedContact(ctx context.Context, tenantID, contactID string) error
}

// Server 对手机端暴露的 HTTP API
type Server struct {
	tenantID    string
	coordinator Coordinator
	delivery    DeliveryReader
	queue       QueueReader
	contacts    ContactDirectory
	logger      *zap.Logger
	httpServer  *http.Server
}

// NewServer 创建 API 服务
func NewServer(addr, tenantID string, coordinator Coordinator, delivery DeliveryReader, queue QueueReader, contacts ContactDirectory, logger *zap.Logger) *Server {
	s := &Server{
		tenantID:    tenantID,
		coordinator: coordinator,
		delivery:    delivery,
		queue:       queue,
		contacts:    contacts,
		logger:      logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	s.registerRoutes(engine)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api")
	{
		sos := api.Group("/sos")
		{
			sos.POST("/activate", s.handleActivate)
			sos.POST("/deactivate", s.handleDeactivate)
			sos.GET("/episodes/:owner_id", s.handleEpisodeHistory)
			sos.GET("/status/:episode_id", s.handleEpisodeStatus)
			sos.POST("/contacts", s.handleAddContact)
			sos.DELETE("/contacts/:contact_id", s.handleRemoveContact)
		}
	}
}

// Start 启动 HTTP 服务（阻塞）
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening",
		zap.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown 优雅关停
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler 暴露路由（测试用）
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
