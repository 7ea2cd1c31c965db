package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 守护服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// HTTP API
	HTTP struct {
		Addr string
	}

	// 平台后端（激活/媒体/通知接口）
	Backend struct {
		BaseURL string
		APIKey  string
	}

	// 上传队列配置
	Queue struct {
		MaxAttempts    int           // 超过后任务转为 abandoned，默认 10
		BackoffBase    time.Duration // 退避基数，默认 2s
		BackoffCap     time.Duration // 退避上限，默认 60s
		AttemptTimeout time.Duration // 单次投递超时，默认 10s
		PollInterval   time.Duration // 无到期任务时的轮询间隔，默认 1s
		StaleInFlight  time.Duration // 重启后视为滞留的 in_flight 阈值，默认 5m
	}

	// 事件生命周期配置
	Episode struct {
		LocationTimeout time.Duration // Arming 阶段定位等待上限，默认 5s
		LocationMaxAge  time.Duration // 超过该时长的定位视为失效，默认 2m
		HistoryLimit    int           // 历史查询条数上限，默认 50
	}

	// 证据采集配置
	Capture struct {
		SegmentMaxDuration time.Duration // 滚动分段时长上限，默认 60s
		SegmentMaxBytes    int64         // 单段字节上限，默认 8MB
		EvidenceDir        string        // 加密分段落盘目录
		EncryptionKey      string        // AES-256 密钥（hex，64 字符）
	}

	// 通知分发配置
	Dispatcher struct {
		SnapshotTTL     time.Duration // 投递状态快照缓存 TTL，默认 5s
		Authorities     []string      // 机构接收方ID列表（authority_api 渠道）
		PushTopicPrefix string        // push 渠道 MQTT 主题前缀
	}

	// 手机端上报主题
	Ingest struct {
		LocationTopic     string // 如 "guardian/+/location"
		AudioTopic        string // 如 "guardian/%s/audio"（%s 为 owner_id）
		VideoTopic        string // 如 "guardian/%s/video"
		LocationKeyPrefix string // Redis 定位缓存键前缀
	}

	// 可观测事件流
	Events struct {
		Stream string // Redis Streams 键名
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "aaisaheb")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "sos-guardian")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8087")

	cfg.Backend.BaseURL = getEnv("BACKEND_BASE_URL", "http://localhost:8000/api")
	cfg.Backend.APIKey = getEnv("BACKEND_API_KEY", "")

	cfg.Queue.MaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", 10)
	cfg.Queue.BackoffBase = getEnvDuration("QUEUE_BACKOFF_BASE", 2*time.Second)
	cfg.Queue.BackoffCap = getEnvDuration("QUEUE_BACKOFF_CAP", 60*time.Second)
	cfg.Queue.AttemptTimeout = getEnvDuration("QUEUE_ATTEMPT_TIMEOUT", 10*time.Second)
	cfg.Queue.PollInterval = getEnvDuration("QUEUE_POLL_INTERVAL", time.Second)
	cfg.Queue.StaleInFlight = getEnvDuration("QUEUE_STALE_IN_FLIGHT", 5*time.Minute)

	cfg.Episode.LocationTimeout = getEnvDuration("EPISODE_LOCATION_TIMEOUT", 5*time.Second)
	cfg.Episode.LocationMaxAge = getEnvDuration("EPISODE_LOCATION_MAX_AGE", 2*time.Minute)
	cfg.Episode.HistoryLimit = getEnvInt("EPISODE_HISTORY_LIMIT", 50)

	cfg.Capture.SegmentMaxDuration = getEnvDuration("CAPTURE_SEGMENT_MAX_DURATION", 60*time.Second)
	cfg.Capture.SegmentMaxBytes = int64(getEnvInt("CAPTURE_SEGMENT_MAX_BYTES", 8*1024*1024))
	cfg.Capture.EvidenceDir = getEnv("CAPTURE_EVIDENCE_DIR", "/var/lib/sos-guardian/evidence")
	cfg.Capture.EncryptionKey = getEnv("CAPTURE_ENCRYPTION_KEY", "")

	cfg.Dispatcher.SnapshotTTL = getEnvDuration("DISPATCH_SNAPSHOT_TTL", 5*time.Second)
	cfg.Dispatcher.Authorities = splitList(getEnv("DISPATCH_AUTHORITIES", ""))
	cfg.Dispatcher.PushTopicPrefix = getEnv("DISPATCH_PUSH_TOPIC_PREFIX", "guardian/contacts/")

	cfg.Ingest.LocationTopic = getEnv("INGEST_LOCATION_TOPIC", "guardian/+/location")
	cfg.Ingest.AudioTopic = getEnv("INGEST_AUDIO_TOPIC", "guardian/%s/audio")
	cfg.Ingest.VideoTopic = getEnv("INGEST_VIDEO_TOPIC", "guardian/%s/video")
	cfg.Ingest.LocationKeyPrefix = getEnv("INGEST_LOCATION_KEY_PREFIX", "guardian:location:")

	cfg.Events.Stream = getEnv("EVENTS_STREAM", "guardian:events")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitList 解析逗号分隔的列表（忽略空项）
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
