package location

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sos-guardian/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCache(t *testing.T, maxAge time.Duration) (*miniredis.Miniredis, *Cache) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewCache(client, "guardian:location:", maxAge, zap.NewNop())
}

func TestCache_SetAndGet(t *testing.T) {
	_, cache := setupCache(t, 2*time.Minute)
	ctx := context.Background()

	fix := &models.Location{
		Latitude:   18.5204,
		Longitude:  73.8567,
		CapturedAt: time.Now(),
	}
	require.NoError(t, cache.Set(ctx, "owner-1", fix))

	got, err := cache.Get(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fix.Latitude, got.Latitude)
	assert.Equal(t, fix.Longitude, got.Longitude)
}

func TestCache_GetMissing(t *testing.T) {
	_, cache := setupCache(t, 2*time.Minute)

	got, err := cache.Get(context.Background(), "owner-unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// 过旧的定位视为不可用
func TestCache_StaleFixRejected(t *testing.T) {
	_, cache := setupCache(t, 2*time.Minute)
	ctx := context.Background()

	fix := &models.Location{
		Latitude:   18.5204,
		Longitude:  73.8567,
		CapturedAt: time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, cache.Set(ctx, "owner-1", fix))

	got, err := cache.Get(ctx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_KeyExpires(t *testing.T) {
	mr, cache := setupCache(t, time.Minute)
	ctx := context.Background()

	fix := &models.Location{Latitude: 1, Longitude: 2, CapturedAt: time.Now()}
	require.NoError(t, cache.Set(ctx, "owner-1", fix))

	mr.FastForward(2 * time.Minute)

	got, err := cache.Get(ctx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_SetValidation(t *testing.T) {
	_, cache := setupCache(t, time.Minute)
	ctx := context.Background()

	assert.Error(t, cache.Set(ctx, "", &models.Location{}))
	assert.Error(t, cache.Set(ctx, "owner-1", nil))
}

func TestOwnerFromTopic(t *testing.T) {
	owner, err := ownerFromTopic("guardian/owner-42/location")
	require.NoError(t, err)
	assert.Equal(t, "owner-42", owner)

	_, err = ownerFromTopic("guardian/location")
	assert.Error(t, err)

	_, err = ownerFromTopic("guardian//location")
	assert.Error(t, err)
}

func TestCachedProvider_ReturnsFreshFix(t *testing.T) {
	_, cache := setupCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "owner-1", &models.Location{
		Latitude: 18.52, Longitude: 73.85, CapturedAt: time.Now(),
	}))

	provider := NewCachedProvider(cache)
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	fix, err := provider.Current(waitCtx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.Equal(t, 18.52, fix.Latitude)
}

// 超时拿不到定位时返回 nil 而非错误，事件继续
func TestCachedProvider_TimeoutWithoutFix(t *testing.T) {
	_, cache := setupCache(t, time.Minute)
	provider := NewCachedProvider(cache)

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	fix, err := provider.Current(waitCtx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, fix)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

// 等待期间定位到达
func TestCachedProvider_FixArrivesWhileWaiting(t *testing.T) {
	_, cache := setupCache(t, time.Minute)
	provider := NewCachedProvider(cache)
	provider.pollInterval = 10 * time.Millisecond

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = cache.Set(context.Background(), "owner-1", &models.Location{
			Latitude: 1, Longitude: 2, CapturedAt: time.Now(),
		})
	}()

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fix, err := provider.Current(waitCtx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, fix)
}

// 缓存里存的是 JSON，字段名稳定
func TestCache_StoredAsJSON(t *testing.T) {
	mr, cache := setupCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "owner-1", &models.Location{
		Latitude: 1.5, Longitude: 2.5, CapturedAt: time.Now(),
	}))

	raw, err := mr.Get("guardian:location:owner-1")
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, 1.5, decoded["latitude"])
	assert.Equal(t, 2.5, decoded["longitude"])
}
