package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func defaultConfig(t *testing.T) Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadFromViper(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Lobby.TTL)
	assert.Equal(t, 24*time.Hour, cfg.Game.StateTTL)
	assert.Equal(t, 24*time.Hour, cfg.Game.Expiry)
	assert.Equal(t, time.Hour, cfg.Game.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Game.IdleTimeout)
	assert.Equal(t, "events", cfg.PubSub.DefaultChannel)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trivia.yaml")
	err := os.WriteFile(path, []byte(`
server:
  addr: ":9090"
redis:
  addr: "redis:6379"
  db: 2
lobby:
  ttl: 5m
game:
  idle_timeout: 30m
`), 0o644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 5*time.Minute, cfg.Lobby.TTL)
	assert.Equal(t, 30*time.Minute, cfg.Game.IdleTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.PubSub.PollInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRIVIA_REDIS_ADDR", "cache.internal:6380")
	t.Setenv("TRIVIA_GAME_SWEEP_INTERVAL", "10m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Game.SweepInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Server.Addr = ""
	cfg.Logging.Format = "xml"
	cfg.Lobby.TTL = 0
	cfg.PubSub.DefaultChannel = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.addr")
	assert.Contains(t, err.Error(), "logging.format")
	assert.Contains(t, err.Error(), "lobby.ttl")
	assert.Contains(t, err.Error(), "pubsub.default_channel")
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Logging.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestProperty_NonPositiveDurationsRejected(t *testing.T) {
	base := defaultConfig(t)
	rapid.Check(t, func(t *rapid.T) {
		cfg := base
		d := time.Duration(rapid.Int64Range(-int64(time.Hour), 0).Draw(t, "duration"))
		switch rapid.IntRange(0, 3).Draw(t, "field") {
		case 0:
			cfg.Lobby.TTL = d
		case 1:
			cfg.Game.SweepInterval = d
		case 2:
			cfg.Game.IdleTimeout = d
		case 3:
			cfg.PubSub.PollInterval = d
		}
		if cfg.Validate() == nil {
			t.Fatalf("expected validation error for duration %s", d)
		}
	})
}
