package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/bridge"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/engine"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/hub"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/lifecycle"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/provision"
	"github.com/weiawesome/wes-io-live/stream-status-service/internal/streamkey"
	pkgconfig "github.com/weiawesome/wes-io-live/stream-status-service/pkg/config"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	WebSocket hub.Config       `mapstructure:"websocket"`
	StreamKey streamkey.Config `mapstructure:"streamkey"`
	Ingest    bridge.Config    `mapstructure:"ingest"`
	Engine    engine.Config    `mapstructure:"engine"`
	Provision provision.Config `mapstructure:"provision"`
	Lifecycle lifecycle.Config `mapstructure:"lifecycle"`
	PubSub    pubsub.Config    `mapstructure:"pubsub"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Log       log.Config       `mapstructure:"log"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// IngestBaseURL is returned with issued keys, e.g. rtmp://host:1935/live.
	IngestBaseURL string `mapstructure:"ingest_base_url"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig enables bearer tokens on key issuance when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

var defaults = map[string]interface{}{
	"server.host":            "0.0.0.0",
	"server.port":            8090,
	"server.read_timeout":    "15s",
	"server.write_timeout":   "15s",
	"server.idle_timeout":    "60s",
	"server.ingest_base_url": "rtmp://localhost:1935/live",

	"websocket.ping_interval":    "30s",
	"websocket.pong_wait":        "60s",
	"websocket.write_wait":       "10s",
	"websocket.max_message_size": 512,
	"websocket.send_buffer":      64,
	"websocket.queue_size":       1024,

	"streamkey.prefix":        streamkey.DefaultPrefix,
	"streamkey.suffix_length": streamkey.DefaultSuffixLength,
	"streamkey.rate_window":   "10s",
	"streamkey.max_age":       "24h",

	"ingest.app":            "live",
	"ingest.reject_expired": false,
	"ingest.evict_denied":   false,
	"ingest.gate_playback":  false,
	"ingest.event_timeout":  "5s",

	"engine.hook_address":         "127.0.0.1:8091",
	"engine.process.stop_timeout": "5s",

	"provision.enabled":    false,
	"provision.output_dir": "/tmp/hls",
	"provision.watch":      true,

	"lifecycle.profile":          lifecycle.ProfileNominal,
	"lifecycle.shutdown_timeout": "9s",

	"pubsub.driver":              pubsub.DriverNone,
	"pubsub.redis.address":       "localhost:6379",
	"pubsub.redis.pool_size":     10,
	"pubsub.redis.read_timeout":  "3s",
	"pubsub.redis.write_timeout": "3s",
	"pubsub.kafka.brokers":       "localhost:9092",
	"pubsub.kafka.partitions":    4,
	"pubsub.kafka.topics":        []string{"stream-lifecycle"},

	"log.level":        "info",
	"log.pretty":       false,
	"log.service_name": "stream-status-service",
}

var envBindings = map[string]string{
	"server.port":            "PORT",
	"server.ingest_base_url": "INGEST_BASE_URL",
	"engine.hook_address":    "ENGINE_HOOK_ADDRESS",
	"engine.process.command": "ENGINE_COMMAND",
	"provision.output_dir":   "OUTPUT_DIR",
	"lifecycle.profile":      "HEARTBEAT_PROFILE",
	"pubsub.driver":          "PUBSUB_DRIVER",
	"pubsub.redis.address":   "REDIS_ADDRESS",
	"pubsub.redis.password":  "REDIS_PASSWORD",
	"pubsub.kafka.brokers":   "KAFKA_BROKERS",
	"auth.jwt_secret":        "JWT_SECRET",
	"log.level":              "LOG_LEVEL",
}

// Load reads ./config/config.yaml, the environment and defaults.
func Load() (*Config, error) {
	return LoadFrom("./config")
}

// LoadFrom reads config.yaml from dir.
func LoadFrom(dir string) (*Config, error) {
	v, err := pkgconfig.Load(dir, "config")
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	pkgconfig.SetDefaults(v, defaults)
	if err := pkgconfig.BindEnvs(v, envBindings); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Ingest.MaxAge <= 0 {
		cfg.Ingest.MaxAge = cfg.StreamKey.MaxAge
	}

	return &cfg, nil
}
