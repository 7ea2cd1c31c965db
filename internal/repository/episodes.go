package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sos-guardian/internal/models"

	"go.uber.org/zap"
)

// EpisodesRepository 紧急事件仓库
type EpisodesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEpisodesRepository 创建紧急事件仓库
func NewEpisodesRepository(db *sql.DB, logger *zap.Logger) *EpisodesRepository {
	return &EpisodesRepository{
		db:     db,
		logger: logger,
	}
}

const episodeColumns = `
	episode_id,
	tenant_id,
	owner_id,
	state,
	activation_method,
	stealth_mode,
	location,
	started_at,
	ended_at,
	metadata,
	created_at,
	updated_at
`

// rowScanner 兼容 *sql.Row 和 *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEpisode 扫描单行事件记录
func scanEpisode(row rowScanner) (*models.EmergencyEpisode, error) {
	var episode models.EmergencyEpisode
	var location []byte
	var endedAt sql.NullTime
	var metadata []byte

	err := row.Scan(
		&episode.EpisodeID,
		&episode.TenantID,
		&episode.OwnerID,
		&episode.State,
		&episode.ActivationMethod,
		&episode.StealthMode,
		&location,
		&episode.StartedAt,
		&endedAt,
		&metadata,
		&episode.CreatedAt,
		&episode.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if endedAt.Valid {
		episode.EndedAt = &endedAt.Time
	}
	if len(location) > 0 {
		var loc models.Location
		if err := json.Unmarshal(location, &loc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal episode location: %w", err)
		}
		episode.Location = &loc
	}

	// 处理 JSONB 字段
	if len(metadata) > 0 {
		episode.Metadata = metadata
	} else {
		episode.Metadata = json.RawMessage("{}")
	}

	return &episode, nil
}

// CreateEpisode 创建紧急事件记录（需验证 tenant_id）
func (r *EpisodesRepository) CreateEpisode(ctx context.Context, tenantID string, episode *models.EmergencyEpisode) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if episode == nil {
		return fmt.Errorf("episode is required")
	}
	if episode.TenantID != tenantID {
		return fmt.Errorf("episode.tenant_id must match tenant_id parameter")
	}
	if episode.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}

	var locationJSON interface{}
	if episode.Location != nil {
		data, err := json.Marshal(episode.Location)
		if err != nil {
			return fmt.Errorf("failed to marshal episode location: %w", err)
		}
		locationJSON = data
	}

	metadata := episode.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	query := `
		INSERT INTO sos_episodes (
			episode_id,
			tenant_id,
			owner_id,
			state,
			activation_method,
			stealth_mode,
			location,
			started_at,
			ended_at,
			metadata,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		episode.EpisodeID,
		episode.TenantID,
		episode.OwnerID,
		episode.State,
		episode.ActivationMethod,
		episode.StealthMode,
		locationJSON,
		episode.StartedAt,
		episode.EndedAt,
		[]byte(metadata),
		episode.CreatedAt,
		episode.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create episode: %w", err)
	}

	return nil
}

// GetEpisode 根据 episode_id 获取单个事件（需验证 tenant_id）
// 没有该事件时返回 (nil, nil)
func (r *EpisodesRepository) GetEpisode(ctx context.Context, tenantID, episodeID string) (*models.EmergencyEpisode, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if episodeID == "" {
		return nil, fmt.Errorf("episode_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM sos_episodes
		WHERE episode_id = $1
		  AND tenant_id = $2
	`, episodeColumns)

	episode, err := scanEpisode(r.db.QueryRowContext(ctx, query, episodeID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 没有该事件
		}
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}

	return episode, nil
}

// GetActiveEpisode 获取 owner 当前的非 idle 事件
// 没有活跃事件时返回 (nil, nil)
func (r *EpisodesRepository) GetActiveEpisode(ctx context.Context, tenantID, ownerID string) (*models.EmergencyEpisode, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM sos_episodes
		WHERE tenant_id = $1
		  AND owner_id = $2
		  AND state != 'idle'
		ORDER BY started_at DESC
		LIMIT 1
	`, episodeColumns)

	episode, err := scanEpisode(r.db.QueryRowContext(ctx, query, tenantID, ownerID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 没有活跃事件
		}
		return nil, fmt.Errorf("failed to query active episode: %w", err)
	}

	return episode, nil
}

// UpdateEpisodeState 状态迁移（endedAt 非 nil 时一并写入）
// 带前置状态守卫：并发迁移只有一方生效，落空的一方收到错误
func (r *EpisodesRepository) UpdateEpisodeState(ctx context.Context, tenantID, episodeID string, from, to models.EpisodeState, endedAt *time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if episodeID == "" {
		return fmt.Errorf("episode_id is required")
	}

	query := `
		UPDATE sos_episodes
		SET state = $1,
		    ended_at = COALESCE($2, ended_at),
		    updated_at = CURRENT_TIMESTAMP
		WHERE episode_id = $3
		  AND tenant_id = $4
		  AND state = $5
	`

	result, err := r.db.ExecContext(ctx, query, to, endedAt, episodeID, tenantID, from)
	if err != nil {
		return fmt.Errorf("failed to update episode state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("episode %s not in state %s", episodeID, from)
	}

	return nil
}

// UpdateEpisodeLocation 写入 Arming 阶段获取到的定位
func (r *EpisodesRepository) UpdateEpisodeLocation(ctx context.Context, tenantID, episodeID string, location *models.Location) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if episodeID == "" {
		return fmt.Errorf("episode_id is required")
	}
	if location == nil {
		return fmt.Errorf("location is required")
	}

	locationJSON, err := json.Marshal(location)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	query := `
		UPDATE sos_episodes
		SET location = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE episode_id = $2
		  AND tenant_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, locationJSON, episodeID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to update episode location: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("episode not found: episode_id=%s, tenant_id=%s", episodeID, tenantID)
	}

	return nil
}

// ListEpisodes 查询 owner 的历史事件（新到旧）
func (r *EpisodesRepository) ListEpisodes(ctx context.Context, tenantID, ownerID string, limit int) ([]*models.EmergencyEpisode, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM sos_episodes
		WHERE tenant_id = $1
		  AND owner_id = $2
		ORDER BY started_at DESC
		LIMIT $3
	`, episodeColumns)

	rows, err := r.db.QueryContext(ctx, query, tenantID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	episodes := []*models.EmergencyEpisode{}
	for rows.Next() {
		episode, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		episodes = append(episodes, episode)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate episodes: %w", err)
	}

	return episodes, nil
}
