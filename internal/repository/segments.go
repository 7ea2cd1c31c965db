package repository

import (
	"context"
	"database/sql"
	"fmt"

	"sos-guardian/internal/models"

	"go.uber.org/zap"
)

// SegmentsRepository 证据分段仓库
type SegmentsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSegmentsRepository 创建证据分段仓库
func NewSegmentsRepository(db *sql.DB, logger *zap.Logger) *SegmentsRepository {
	return &SegmentsRepository{
		db:     db,
		logger: logger,
	}
}

const segmentColumns = `
	segment_id,
	episode_id,
	media_type,
	capture_started_at,
	capture_ended_at,
	storage_path,
	size_bytes,
	sha256,
	upload_status,
	created_at,
	updated_at
`

// scanSegment 扫描单行分段记录
func scanSegment(row rowScanner) (*models.EvidenceSegment, error) {
	var segment models.EvidenceSegment
	var capturedEndedAt sql.NullTime

	err := row.Scan(
		&segment.SegmentID,
		&segment.EpisodeID,
		&segment.MediaType,
		&segment.CaptureStartedAt,
		&capturedEndedAt,
		&segment.StoragePath,
		&segment.SizeBytes,
		&segment.SHA256,
		&segment.UploadStatus,
		&segment.CreatedAt,
		&segment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if capturedEndedAt.Valid {
		segment.CaptureEndedAt = &capturedEndedAt.Time
	}

	return &segment, nil
}

// CreateSegment 写入一条已完成的分段（capture_ended_at 已定，内容不可变）
func (r *SegmentsRepository) CreateSegment(ctx context.Context, segment *models.EvidenceSegment) error {
	if segment == nil {
		return fmt.Errorf("segment is required")
	}
	if segment.SegmentID == "" {
		return fmt.Errorf("segment_id is required")
	}
	if segment.EpisodeID == "" {
		return fmt.Errorf("episode_id is required")
	}
	if segment.CaptureEndedAt == nil {
		return fmt.Errorf("capture_ended_at is required")
	}

	query := `
		INSERT INTO evidence_segments (
			segment_id,
			episode_id,
			media_type,
			capture_started_at,
			capture_ended_at,
			storage_path,
			size_bytes,
			sha256,
			upload_status,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		segment.SegmentID,
		segment.EpisodeID,
		segment.MediaType,
		segment.CaptureStartedAt,
		segment.CaptureEndedAt,
		segment.StoragePath,
		segment.SizeBytes,
		segment.SHA256,
		segment.UploadStatus,
		segment.CreatedAt,
		segment.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}

	return nil
}

// UpdateSegmentStatus 更新分段的上传状态（只有 upload_status 可变）
func (r *SegmentsRepository) UpdateSegmentStatus(ctx context.Context, segmentID string, status models.SegmentStatus) error {
	if segmentID == "" {
		return fmt.Errorf("segment_id is required")
	}

	query := `
		UPDATE evidence_segments
		SET upload_status = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE segment_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, status, segmentID)
	if err != nil {
		return fmt.Errorf("failed to update segment status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("segment not found: segment_id=%s", segmentID)
	}

	return nil
}

// GetSegment 根据 segment_id 获取分段
func (r *SegmentsRepository) GetSegment(ctx context.Context, segmentID string) (*models.EvidenceSegment, error) {
	if segmentID == "" {
		return nil, fmt.Errorf("segment_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM evidence_segments
		WHERE segment_id = $1
	`, segmentColumns)

	segment, err := scanSegment(r.db.QueryRowContext(ctx, query, segmentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("segment not found: segment_id=%s", segmentID)
		}
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}

	return segment, nil
}

// ListSegmentsByEpisode 查询事件的全部分段（按采集开始时间）
func (r *SegmentsRepository) ListSegmentsByEpisode(ctx context.Context, episodeID string) ([]*models.EvidenceSegment, error) {
	if episodeID == "" {
		return nil, fmt.Errorf("episode_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM evidence_segments
		WHERE episode_id = $1
		ORDER BY capture_started_at ASC
	`, segmentColumns)

	rows, err := r.db.QueryContext(ctx, query, episodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	segments := []*models.EvidenceSegment{}
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, segment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate segments: %w", err)
	}

	return segments, nil
}
