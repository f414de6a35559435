// Package database archives finished games in PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id          TEXT        PRIMARY KEY,
	game_type   TEXT        NOT NULL,
	host_id     TEXT        NOT NULL,
	questions   INTEGER     NOT NULL,
	status      TEXT        NOT NULL DEFAULT 'completed',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS game_results (
	game_id   TEXT    NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	player_id TEXT    NOT NULL,
	score     INTEGER NOT NULL,
	did_win   BOOLEAN NOT NULL,
	PRIMARY KEY (game_id, player_id)
);
`

// ResultsArchive stores final scores of finished games.
type ResultsArchive struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewResultsArchive wraps an existing pool.
func NewResultsArchive(pool *pgxpool.Pool, logger *logrus.Logger) *ResultsArchive {
	return &ResultsArchive{pool: pool, logger: logger}
}

// Connect opens a pool for url, pings it and makes sure the schema exists.
func Connect(ctx context.Context, url string, logger *logrus.Logger) (*ResultsArchive, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	archive := NewResultsArchive(pool, logger)
	if err := archive.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Infof("Connected to results database at %s:%d", config.ConnConfig.Host, config.ConnConfig.Port)
	return archive, nil
}

// EnsureSchema creates the archive tables when missing.
func (a *ResultsArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create results schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (a *ResultsArchive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases the pool.
func (a *ResultsArchive) Close() {
	a.pool.Close()
}
