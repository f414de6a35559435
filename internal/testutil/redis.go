// Package testutil provides shared test fixtures: an in-process Redis and a
// throwaway PostgreSQL container.
package testutil

import (
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jason-s-yu/trivia/internal/cache"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisServer wraps an in-process miniredis instance and a Store connected to it.
type RedisServer struct {
	Mini  *miniredis.Miniredis
	Store *cache.Store
}

// NewRedis starts miniredis for the duration of the test.
func NewRedis(t *testing.T) *RedisServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &RedisServer{Mini: mr, Store: cache.NewStore(rdb)}
}

// Logger returns a logger that discards output unless the test runs verbose.
func Logger(t *testing.T) *logrus.Logger {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	if !testing.Verbose() {
		logger.SetOutput(io.Discard)
	}
	return logger
}
