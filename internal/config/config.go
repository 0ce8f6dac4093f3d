// Package config loads runtime configuration for the core server.
//
// Grounded on go-server-3/internal/config/config.go: spf13/viper with
// defaults via SetDefault, environment overrides via SetEnvPrefix+
// AutomaticEnv, and an optional config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the core server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Core      CoreConfig      `mapstructure:"core"`
}

// ServerConfig contains network-level settings for the HTTP/WebSocket listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// WebSocketConfig controls the transport's per-connection behavior.
type WebSocketConfig struct {
	Path              string        `mapstructure:"path"`
	MaxConnections    int           `mapstructure:"max_connections"`
	SendChannelSize   int           `mapstructure:"send_channel_size"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	RateLimitPerSec   float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
}

// NATSConfig controls the storage and cluster-state plugins' shared NATS
// connection (pkg/nats style config in the original teacher).
type NATSConfig struct {
	URL               string        `mapstructure:"url"`
	StorageBucket     string        `mapstructure:"storage_bucket"`
	ClusterBucket     string        `mapstructure:"cluster_bucket"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	ReconnectWait     time.Duration `mapstructure:"reconnect_wait"`
	ReconnectJitter   time.Duration `mapstructure:"reconnect_jitter"`
	MaxPingsOut       int           `mapstructure:"max_pings_out"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// AuthConfig controls JWT verification for incoming connections.
type AuthConfig struct {
	RequireAuth   bool          `mapstructure:"require_auth"`
	SecretKey     string        `mapstructure:"secret_key"`
	TokenDuration time.Duration `mapstructure:"token_duration"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// CoreConfig covers the options spec.md §6 lists directly: cache sizing,
// the storage write-through exclusion pattern, and the core's timeouts.
type CoreConfig struct {
	ServerName            string        `mapstructure:"server_name"`
	CacheSize             int           `mapstructure:"cache_size"`
	StorageExclusion      string        `mapstructure:"storage_exclusion"`
	BroadcastTimeout      time.Duration `mapstructure:"broadcast_timeout"`
	RPCAckTimeout         time.Duration `mapstructure:"rpc_ack_timeout"`
	RPCResponseTimeout    time.Duration `mapstructure:"rpc_response_timeout"`
	ListenResponseTimeout time.Duration `mapstructure:"listen_response_timeout"`
}

// Load reads configuration from environment variables, an optional dsc.yaml
// config file, and built-in defaults, in that precedence order.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.max_connections", 100000)
	v.SetDefault("websocket.send_channel_size", 256)
	v.SetDefault("websocket.read_buffer_size", 16<<10)
	v.SetDefault("websocket.write_buffer_size", 16<<10)
	v.SetDefault("websocket.enable_compression", false)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.pong_timeout", 60*time.Second)
	v.SetDefault("websocket.rate_limit_per_sec", 200.0)
	v.SetDefault("websocket.rate_limit_burst", 400)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.storage_bucket", "dsc_records")
	v.SetDefault("nats.cluster_bucket", "dsc_listeners")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.reconnect_jitter", time.Second)
	v.SetDefault("nats.max_pings_out", 2)
	v.SetDefault("nats.ping_interval", 20*time.Second)
	v.SetDefault("nats.heartbeat_interval", 5*time.Second)

	v.SetDefault("auth.require_auth", false)
	v.SetDefault("auth.secret_key", "dev-secret-change-me")
	v.SetDefault("auth.token_duration", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("core.server_name", "dsc-1")
	v.SetDefault("core.cache_size", 10000)
	v.SetDefault("core.storage_exclusion", "")
	v.SetDefault("core.broadcast_timeout", 50*time.Millisecond)
	v.SetDefault("core.rpc_ack_timeout", 6*time.Second)
	v.SetDefault("core.rpc_response_timeout", 10*time.Second)
	v.SetDefault("core.listen_response_timeout", 2*time.Second)

	v.SetConfigName("dsc")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("DSC")
	v.AutomaticEnv()

	_ = v.ReadInConfig() // config file is optional; defaults + env cover a bare environment

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Core.CacheSize <= 0 {
		cfg.Core.CacheSize = 10000
	}
	if cfg.WebSocket.SendChannelSize <= 0 {
		cfg.WebSocket.SendChannelSize = 256
	}

	return cfg, nil
}
