package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jason-s-yu/trivia/internal/config"
	"github.com/jason-s-yu/trivia/internal/game"
	"github.com/jason-s-yu/trivia/internal/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger, err = newLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	_, err = newLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "sweep"}, names)
}

func TestLogLevelFlagOverridesConfig(t *testing.T) {
	t.Setenv("TRIVIA_LOGGING_LEVEL", "info")
	_, logger, err := loadConfig(&rootFlags{logLevel: "trace"})
	require.NoError(t, err)
	assert.Equal(t, logrus.TraceLevel, logger.GetLevel())
}

func TestSweepCommand(t *testing.T) {
	srv := testutil.NewRedis(t)
	t.Setenv("TRIVIA_REDIS_ADDR", srv.Mini.Addr())

	states := game.NewGameStateStore(srv.Store, nil, testutil.Logger(t), 0, 0)
	stale := game.NewGameState(game.TypeTrivia, "stale", "host", nil)
	stale.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.True(t, states.Save(context.Background(), stale))
	require.True(t, states.Save(context.Background(), game.NewGameState(game.TypeTrivia, "fresh", "host", nil)))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"sweep", "--log-level", "error"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "removed 1 expired game(s)\n", out.String())
	assert.False(t, srv.Mini.Exists("game:state:stale"))
	assert.True(t, srv.Mini.Exists("game:state:fresh"))
}
