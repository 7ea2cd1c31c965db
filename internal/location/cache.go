package location

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sos-guardian/internal/models"
	redisx "sos-guardian/internal/redis"

	"go.uber.org/zap"
)

// Cache 最近定位缓存（Redis）
// 每个 owner 只保留最新一次定位，键 TTL 即失效时长：
// 超过 maxAge 的定位自动过期，读不到就是没有可用定位
type Cache struct {
	client    *redisx.Client
	keyPrefix string
	maxAge    time.Duration
	logger    *zap.Logger
}

// NewCache 创建定位缓存
func NewCache(client *redisx.Client, keyPrefix string, maxAge time.Duration, logger *zap.Logger) *Cache {
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &Cache{
		client:    client,
		keyPrefix: keyPrefix,
		maxAge:    maxAge,
		logger:    logger,
	}
}

// Set 写入 owner 的最新定位
func (c *Cache) Set(ctx context.Context, ownerID string, fix *models.Location) error {
	if ownerID == "" {
		return fmt.Errorf("owner ID is required")
	}
	if fix == nil {
		return fmt.Errorf("location is required")
	}

	data, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	key := c.keyPrefix + ownerID
	if err := c.client.Set(ctx, key, data, c.maxAge).Err(); err != nil {
		return fmt.Errorf("failed to cache location: %w", err)
	}
	return nil
}

// Get 读取 owner 的最新定位
// 无缓存或已过期返回 (nil, nil)
func (c *Cache) Get(ctx context.Context, ownerID string) (*models.Location, error) {
	key := c.keyPrefix + ownerID

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redisx.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached location: %w", err)
	}

	var fix models.Location
	if err := json.Unmarshal(data, &fix); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached location: %w", err)
	}

	// TTL 之外再按采集时间兜底，防止写入方带了过旧的时间戳
	if time.Since(fix.CapturedAt) > c.maxAge {
		return nil, nil
	}
	return &fix, nil
}
