package location

import (
	"context"
	"time"

	"sos-guardian/internal/models"
)

// Provider 事件触发时的定位来源
// Current 阻塞直到拿到可用定位或 ctx 超时；
// 超时且无任何可用定位时返回 (nil, nil)，调用方按无定位继续
type Provider interface {
	Current(ctx context.Context, ownerID string) (*models.Location, error)
}

// CachedProvider 基于缓存的定位来源
// 缓存里已有新鲜定位立即返回；否则轮询等待手机端上报，
// 等到 ctx 截止为止
type CachedProvider struct {
	cache        *Cache
	pollInterval time.Duration
}

// NewCachedProvider 创建缓存定位来源
func NewCachedProvider(cache *Cache) *CachedProvider {
	return &CachedProvider{
		cache:        cache,
		pollInterval: 200 * time.Millisecond,
	}
}

// Current 取 owner 的当前定位
func (p *CachedProvider) Current(ctx context.Context, ownerID string) (*models.Location, error) {
	for {
		fix, err := p.cache.Get(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if fix != nil {
			return fix, nil
		}

		timer := time.NewTimer(p.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			// 定位拿不到不阻止事件继续
			return nil, nil
		case <-timer.C:
		}
	}
}
