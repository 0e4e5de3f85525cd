package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/huddle/internal/app/broker"
	"github.com/dkeye/huddle/internal/app/room"
	"github.com/dkeye/huddle/internal/domain"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Room     RoomConfig     `mapstructure:"room"`
	Presence PresenceConfig `mapstructure:"presence"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Actors   ActorsConfig   `mapstructure:"actors"`
}

type StorageConfig struct {
	// Driver is memory or redis.
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig selects the chat message store. An empty URL keeps
// messages in memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RoomConfig struct {
	CleanupGrace           time.Duration `mapstructure:"cleanup_grace"`
	DefaultMaxParticipants int           `mapstructure:"default_max_participants"`
	MaxParticipantsLimit   int           `mapstructure:"max_participants_limit"`
	ICEServers             []string      `mapstructure:"ice_servers"`
	ICETTL                 time.Duration `mapstructure:"ice_ttl"`
}

type PresenceConfig struct {
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold"`
}

type BrokerConfig struct {
	HeartbeatMin    time.Duration `mapstructure:"heartbeat_min"`
	ExternalTimeout time.Duration `mapstructure:"external_timeout"`
	SendRate        float64       `mapstructure:"send_rate"`
	SendBurst       int           `mapstructure:"send_burst"`
}

type ActorsConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

func setDefaults(v *viper.Viper) {
	rc := room.DefaultConfig()
	bc := broker.DefaultConfig()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("database.url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("room.cleanup_grace", rc.CleanupGrace)
	v.SetDefault("room.default_max_participants", rc.DefaultMaxParticipants)
	v.SetDefault("room.max_participants_limit", rc.MaxParticipantsLimit)
	v.SetDefault("room.ice_servers", rc.ICEServers[0].URLs)
	v.SetDefault("room.ice_ttl", rc.ICETTL)
	v.SetDefault("presence.inactivity_threshold", "15m")
	v.SetDefault("broker.heartbeat_min", bc.HeartbeatMin)
	v.SetDefault("broker.external_timeout", bc.ExternalTimeout)
	v.SetDefault("broker.send_rate", bc.SendRate)
	v.SetDefault("broker.send_burst", bc.SendBurst)
	v.SetDefault("actors.idle_timeout", "5m")
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults.
// HUDDLE_* environment variables override both, e.g. HUDDLE_REDIS_URL.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Str("module", "config").Msg("loaded .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("storage", cfg.Storage.Driver).
		Bool("postgres", cfg.Database.URL != "").
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("storage.driver must be memory or redis, got %q", c.Storage.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Room.DefaultMaxParticipants < 1 || c.Room.DefaultMaxParticipants > c.Room.MaxParticipantsLimit {
		return fmt.Errorf("room.default_max_participants must be between 1 and room.max_participants_limit")
	}
	if c.Actors.IdleTimeout <= 0 || c.Presence.InactivityThreshold <= 0 {
		return fmt.Errorf("actors.idle_timeout and presence.inactivity_threshold must be positive")
	}
	if err := domain.ValidateICEServers(c.RoomService().ICEServers); err != nil {
		return fmt.Errorf("room.ice_servers: %w", err)
	}
	return nil
}

// RoomService converts the room section into the service config.
func (c *Config) RoomService() room.Config {
	rc := room.DefaultConfig()
	rc.CleanupGrace = c.Room.CleanupGrace
	rc.DefaultMaxParticipants = c.Room.DefaultMaxParticipants
	rc.MaxParticipantsLimit = c.Room.MaxParticipantsLimit
	rc.ICETTL = c.Room.ICETTL
	if len(c.Room.ICEServers) > 0 {
		rc.ICEServers[0].URLs = c.Room.ICEServers
	}
	return rc
}

func (c *Config) BrokerService() broker.Config {
	return broker.Config{
		HeartbeatMin:    c.Broker.HeartbeatMin,
		ExternalTimeout: c.Broker.ExternalTimeout,
		SendRate:        c.Broker.SendRate,
		SendBurst:       c.Broker.SendBurst,
	}
}
