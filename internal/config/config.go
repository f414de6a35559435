// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TRIVIA_REDIS_ADDR.
const EnvPrefix = "TRIVIA"

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig holds the shared store connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig configures the logrus logger.
type LoggingConfig struct {
	// Level is any level understood by logrus.ParseLevel.
	Level string `mapstructure:"level"`
	// Format is "text" or "json".
	Format string `mapstructure:"format"`
}

// LobbyConfig holds lobby expiration settings.
type LobbyConfig struct {
	// TTL is the sliding inactivity window after which a lobby is reaped by the store.
	TTL time.Duration `mapstructure:"ttl"`
}

// GameConfig holds game persistence and cache settings.
type GameConfig struct {
	StateTTL         time.Duration `mapstructure:"state_ttl"`
	Expiry           time.Duration `mapstructure:"expiry"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	DrainDelay       time.Duration `mapstructure:"drain_delay"`
}

// TaskConfig controls how supervised background tasks back off after a failure.
type TaskConfig struct {
	Cooldown    time.Duration `mapstructure:"cooldown"`
	MaxCooldown time.Duration `mapstructure:"max_cooldown"`
}

// PubSubConfig holds router listener settings.
type PubSubConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	DefaultChannel string        `mapstructure:"default_channel"`
}

// DatabaseConfig holds the optional results archive connection. An empty URL disables it.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Lobby    LobbyConfig    `mapstructure:"lobby"`
	Game     GameConfig     `mapstructure:"game"`
	Tasks    TaskConfig     `mapstructure:"tasks"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Database DatabaseConfig `mapstructure:"database"`
}

// Validate checks every invariant and reports all violations at once.
func (c Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr must not be empty")
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", c.Redis.DB))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level is invalid: %v", err))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format must be one of [text, json], got %q", c.Logging.Format))
	}

	positive := map[string]time.Duration{
		"lobby.ttl":              c.Lobby.TTL,
		"game.state_ttl":         c.Game.StateTTL,
		"game.expiry":            c.Game.Expiry,
		"game.sweep_interval":    c.Game.SweepInterval,
		"game.idle_timeout":      c.Game.IdleTimeout,
		"game.eviction_interval": c.Game.EvictionInterval,
		"tasks.cooldown":         c.Tasks.Cooldown,
		"pubsub.poll_interval":   c.PubSub.PollInterval,
		"pubsub.retry_backoff":   c.PubSub.RetryBackoff,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive, got %s", key, positive[key]))
		}
	}
	if c.Game.DrainDelay < 0 {
		errs = append(errs, "game.drain_delay must not be negative")
	}
	if c.Tasks.MaxCooldown < c.Tasks.Cooldown {
		errs = append(errs, "tasks.max_cooldown must not be less than tasks.cooldown")
	}
	if c.PubSub.MaxBackoff < c.PubSub.RetryBackoff {
		errs = append(errs, "pubsub.max_backoff must not be less than pubsub.retry_backoff")
	}
	if c.PubSub.DefaultChannel == "" {
		errs = append(errs, "pubsub.default_channel must not be empty")
	}

	if len(errs) > 0 {
		return errors.New("configuration validation failed: " + strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from path (optional), applies TRIVIA_* environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers a default for every known key. AutomaticEnv only
// resolves keys viper already knows about, so every key needs one.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("lobby.ttl", "15m")

	v.SetDefault("game.state_ttl", "24h")
	v.SetDefault("game.expiry", "24h")
	v.SetDefault("game.sweep_interval", "1h")
	v.SetDefault("game.idle_timeout", "1h")
	v.SetDefault("game.eviction_interval", "5m")
	v.SetDefault("game.drain_delay", "2s")

	v.SetDefault("tasks.cooldown", "30s")
	v.SetDefault("tasks.max_cooldown", "10m")

	v.SetDefault("pubsub.poll_interval", "1s")
	v.SetDefault("pubsub.retry_backoff", "500ms")
	v.SetDefault("pubsub.max_backoff", "30s")
	v.SetDefault("pubsub.default_channel", "events")

	v.SetDefault("database.url", "")
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
