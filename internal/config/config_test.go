package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "postgres", cfg.Database.Password)
	assert.Equal(t, "aaisaheb", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "sos-guardian", cfg.MQTT.ClientID)

	assert.Equal(t, 10, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Queue.BackoffCap)
	assert.Equal(t, 10*time.Second, cfg.Queue.AttemptTimeout)

	assert.Equal(t, 5*time.Second, cfg.Episode.LocationTimeout)
	assert.Equal(t, 50, cfg.Episode.HistoryLimit)

	assert.Equal(t, 60*time.Second, cfg.Capture.SegmentMaxDuration)
	assert.Equal(t, int64(8*1024*1024), cfg.Capture.SegmentMaxBytes)

	assert.Equal(t, "guardian/contacts/", cfg.Dispatcher.PushTopicPrefix)
	assert.Empty(t, cfg.Dispatcher.Authorities)

	assert.Equal(t, "guardian:events", cfg.Events.Stream)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_USER", "test-user")
	os.Setenv("DB_PASSWORD", "test-password")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("QUEUE_MAX_ATTEMPTS", "3")
	os.Setenv("QUEUE_BACKOFF_BASE", "500ms")
	os.Setenv("EPISODE_LOCATION_TIMEOUT", "2s")
	os.Setenv("DISPATCH_AUTHORITIES", "police-108, helpline-1091")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证环境变量覆盖
	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-user", cfg.Database.User)
	assert.Equal(t, "test-password", cfg.Database.Password)
	assert.Equal(t, "test-db", cfg.Database.Database)

	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)

	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase)
	assert.Equal(t, 2*time.Second, cfg.Episode.LocationTimeout)
	assert.Equal(t, []string{"police-108", "helpline-1091"}, cfg.Dispatcher.Authorities)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	// 清理环境变量
	os.Clearenv()
}

func TestGetEnv(t *testing.T) {
	// 测试默认值
	os.Clearenv()
	value := getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "default-value", value)

	// 测试环境变量存在
	os.Setenv("TEST_KEY", "env-value")
	value = getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "env-value", value)

	// 清理
	os.Unsetenv("TEST_KEY")
}

func TestGetEnvDuration_Invalid(t *testing.T) {
	os.Setenv("TEST_DURATION", "not-a-duration")
	value := getEnvDuration("TEST_DURATION", 7*time.Second)
	assert.Equal(t, 7*time.Second, value)
	os.Unsetenv("TEST_DURATION")
}
