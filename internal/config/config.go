package config

import (
	"time"

	"github.com/spf13/viper"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/hub"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/store"
	pkgconfig "github.com/weiawesome/wes-io-live/discussion-service/pkg/config"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	PubSub    pubsub.Config `mapstructure:"pubsub"`
	Chat      ChatConfig
	Presence  PresenceConfig
	Window    WindowConfig
	Overlay   OverlayConfig
	WebSocket hub.Config `mapstructure:"websocket"`
	Log       log.Config
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver         string
	Redis          store.RedisConfig
	PresenceRedis  store.RedisConfig `mapstructure:"presence_redis"`
	CloseWhenIdle  bool              `mapstructure:"close_when_idle"`
	ConnectTimeout time.Duration     `mapstructure:"connect_timeout"`
	InstanceID     string            `mapstructure:"instance_id"`
}

type ChatConfig struct {
	HistoryLimit int           `mapstructure:"history_limit"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	SendRate     float64       `mapstructure:"send_rate"`
	SendBurst    int           `mapstructure:"send_burst"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	LeaveTimeout      time.Duration `mapstructure:"leave_timeout"`
}

type WindowConfig struct {
	MinWidth          float64 `mapstructure:"min_width"`
	MinHeight         float64 `mapstructure:"min_height"`
	MaxWidthFraction  float64 `mapstructure:"max_width_fraction"`
	MaxHeightFraction float64 `mapstructure:"max_height_fraction"`
}

type OverlayConfig struct {
	DefaultWidth  float64       `mapstructure:"default_width"`
	DefaultHeight float64       `mapstructure:"default_height"`
	NoticeTTL     time.Duration `mapstructure:"notice_ttl"`
}

func Load() (*Config, error) {
	return LoadFrom("./config")
}

// LoadFrom reads config.yaml from dir, applying defaults and env overrides.
func LoadFrom(dir string) (*Config, error) {
	v, err := pkgconfig.Load(dir, "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8095)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.redis.address", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.pool_size", 10)
	v.SetDefault("store.presence_redis.address", "")
	v.SetDefault("store.close_when_idle", false)
	v.SetDefault("store.connect_timeout", "10s")
	v.SetDefault("store.instance_id", "")
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.redis.address", "")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.topic", "discussion-events")
	v.SetDefault("pubsub.kafka.group_id", "discussion-service")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("chat.history_limit", 100)
	v.SetDefault("chat.send_timeout", "0s")
	v.SetDefault("chat.send_rate", 5)
	v.SetDefault("chat.send_burst", 10)
	v.SetDefault("presence.heartbeat_interval", "30s")
	v.SetDefault("presence.sweep_interval", "60s")
	v.SetDefault("presence.stale_after", "60s")
	v.SetDefault("presence.leave_timeout", "5s")
	v.SetDefault("window.min_width", 300)
	v.SetDefault("window.min_height", 400)
	v.SetDefault("window.max_width_fraction", 0.95)
	v.SetDefault("window.max_height_fraction", 0.90)
	v.SetDefault("overlay.default_width", 500)
	v.SetDefault("overlay.default_height", 600)
	v.SetDefault("overlay.notice_ttl", "5s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "discussion-service")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("store.redis.address", "REDIS_ADDRESS")
	v.BindEnv("store.redis.password", "REDIS_PASSWORD")
	v.BindEnv("store.presence_redis.address", "PRESENCE_REDIS_ADDRESS")
	v.BindEnv("store.presence_redis.password", "PRESENCE_REDIS_PASSWORD")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 10*time.Second)
	cfg.Store.ConnectTimeout = parseDuration(v, "store.connect_timeout", 10*time.Second)
	cfg.Chat.SendTimeout = parseDuration(v, "chat.send_timeout", 0)
	cfg.Presence.HeartbeatInterval = parseDuration(v, "presence.heartbeat_interval", 30*time.Second)
	cfg.Presence.SweepInterval = parseDuration(v, "presence.sweep_interval", 60*time.Second)
	cfg.Presence.StaleAfter = parseDuration(v, "presence.stale_after", 60*time.Second)
	cfg.Presence.LeaveTimeout = parseDuration(v, "presence.leave_timeout", 5*time.Second)
	cfg.Overlay.NoticeTTL = parseDuration(v, "overlay.notice_ttl", 5*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
