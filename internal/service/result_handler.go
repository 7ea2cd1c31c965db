package service

import (
	"context"
	"encoding/json"

	"sos-guardian/internal/dispatcher"
	"sos-guardian/internal/models"
	"sos-guardian/internal/repository"

	"go.uber.org/zap"
)

// resultHandler 队列投递结果的分发
// 证据上传结果写回分段状态，通知结果交给 dispatcher 记账
type resultHandler struct {
	segments   *repository.SegmentsRepository
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

func (h *resultHandler) HandleDelivered(ctx context.Context, item *models.QueuedWorkItem) {
	switch item.Kind {
	case models.WorkItemEvidenceUpload:
		h.updateSegment(ctx, item, models.SegmentDelivered)
	case models.WorkItemContactNotify:
		h.dispatcher.HandleDelivered(ctx, item)
	}
}

func (h *resultHandler) HandleAbandoned(ctx context.Context, item *models.QueuedWorkItem) {
	switch item.Kind {
	case models.WorkItemEvidenceUpload:
		// 本地密文保留，后续可人工补传
		h.updateSegment(ctx, item, models.SegmentFailedPermanent)
	case models.WorkItemContactNotify:
		h.dispatcher.HandleAbandoned(ctx, item)
	}
}

func (h *resultHandler) updateSegment(ctx context.Context, item *models.QueuedWorkItem, status models.SegmentStatus) {
	var payload models.EvidenceUploadPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		h.logger.Error("Failed to parse evidence upload payload",
			zap.String("item_id", item.ItemID),
			zap.Error(err),
		)
		return
	}

	if err := h.segments.UpdateSegmentStatus(ctx, payload.SegmentID, status); err != nil {
		h.logger.Error("Failed to update segment status",
			zap.String("segment_id", payload.SegmentID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
