package api

import (
	"errors"
	"net/http"

	"sos-guardian/internal/episode"
	"sos-guardian/internal/models"
	"sos-guardian/internal/repository"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type activateRequest struct {
	OwnerID     string                  `json:"owner_id" binding:"required"`
	Method      models.ActivationMethod `json:"activation_method" binding:"required"`
	StealthMode bool                    `json:"stealth_mode"`
	DeviceInfo  *models.DeviceInfo      `json:"device_info"`
}

type deactivateRequest struct {
	OwnerID       string `json:"owner_id" binding:"required"`
	ConfirmedSafe bool   `json:"confirmed_safe"`
}

// handleActivate 触发紧急事件
// 已有进行中事件返回 409 和该事件，手机端并入即可
func (s *Server) handleActivate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := s.coordinator.Trigger(c.Request.Context(), &episode.TriggerRequest{
		OwnerID:     req.OwnerID,
		Method:      req.Method,
		StealthMode: req.StealthMode,
		DeviceInfo:  req.DeviceInfo,
	})

	switch {
	case errors.Is(err, episode.ErrAlreadyActive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "an emergency episode is already active",
			"episode": ep,
		})
	case errors.Is(err, episode.ErrInvalidActivationMethod):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error("Activation failed",
			zap.String("owner_id", req.OwnerID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activation failed"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"episode": ep})
	}
}

// handleDeactivate 解除紧急事件（需安全确认）
func (s *Server) handleDeactivate(c *gin.Context) {
	var req deactivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ep, err := s.coordinator.Deactivate(c.Request.Context(), req.OwnerID, req.ConfirmedSafe)

	switch {
	case errors.Is(err, episode.ErrConfirmationRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, episode.ErrNotActive):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error("Deactivation failed",
			zap.String("owner_id", req.OwnerID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deactivation failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"episode": ep})
	}
}

// handleEpisodeHistory owner 的历史事件，新的在前
func (s *Server) handleEpisodeHistory(c *gin.Context) {
	ownerID := c.Param("owner_id")

	episodes, err := s.coordinator.History(c.Request.Context(), ownerID)
	if err != nil {
		s.logger.Error("Failed to list episodes",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list episodes"})
		return
	}

	if episodes == nil {
		episodes = []*models.EmergencyEpisode{}
	}
	c.JSON(http.StatusOK, gin.H{"episodes": episodes})
}

// handleEpisodeStatus 事件状态 + 投递汇总 + 队列深度
func (s *Server) handleEpisodeStatus(c *gin.Context) {
	episodeID := c.Param("episode_id")
	ctx := c.Request.Context()

	ep, err := s.coordinator.Get(ctx, episodeID)
	if errors.Is(err, episode.ErrEpisodeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("Failed to get episode",
			zap.String("episode_id", episodeID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get episode"})
		return
	}

	delivery, err := s.delivery.DeliveryStatus(ctx, episodeID)
	if err != nil {
		s.logger.Error("Failed to get delivery status",
			zap.String("episode_id", episodeID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get delivery status"})
		return
	}

	unfinished, err := s.queue.UnfinishedCount(ctx, episodeID)
	if err != nil {
		s.logger.Error("Failed to count queue items",
			zap.String("episode_id", episodeID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count queue items"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"episode":          ep,
		"delivery":         delivery,
		"unfinished_items": unfinished,
	})
}

type addContactRequest struct {
	OwnerID      string                 `json:"owner_id" binding:"required"`
	Name         string                 `json:"name" binding:"required"`
	Phone        string                 `json:"phone" binding:"required"`
	Relationship string                 `json:"relationship"`
	IsPrimary    bool                   `json:"is_primary"`
	Channels     []models.NotifyChannel `json:"channels"`
}

// handleAddContact 新增紧急联系人（fan-out 的收件人来源）
func (s *Server) handleAddContact(c *gin.Context) {
	var req addContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, channel := range req.Channels {
		if !models.ValidNotifyChannel(channel) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notify channel: " + string(channel)})
			return
		}
	}

	contact := &models.TrustedContact{
		TenantID:     s.tenantID,
		OwnerID:      req.OwnerID,
		Name:         req.Name,
		Phone:        req.Phone,
		Relationship: req.Relationship,
		IsPrimary:    req.IsPrimary,
		Channels:     req.Channels,
	}
	if err := s.contacts.AddTrustedContact(c.Request.Context(), s.tenantID, contact); err != nil {
		s.logger.Error("Failed to add trusted contact",
			zap.String("owner_id", req.OwnerID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add trusted contact"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contact": contact})
}

// handleRemoveContact 删除紧急联系人
func (s *Server) handleRemoveContact(c *gin.Context) {
	contactID := c.Param("contact_id")

	err := s.contacts.RemoveTrustedContact(c.Request.Context(), s.tenantID, contactID)
	switch {
	case errors.Is(err, repository.ErrContactNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error("Failed to remove trusted contact",
			zap.String("contact_id", contactID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove trusted contact"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
