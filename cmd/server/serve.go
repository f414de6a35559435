package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jason-s-yu/trivia/internal/cache"
	"github.com/jason-s-yu/trivia/internal/config"
	"github.com/jason-s-yu/trivia/internal/database"
	"github.com/jason-s-yu/trivia/internal/game"
	"github.com/jason-s-yu/trivia/internal/handlers"
	"github.com/jason-s-yu/trivia/internal/lobby"
	"github.com/jason-s-yu/trivia/internal/middleware"
	"github.com/jason-s-yu/trivia/internal/pubsub"
	"github.com/jason-s-yu/trivia/internal/server"
	"github.com/jason-s-yu/trivia/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func loadConfig(flags *rootFlags) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func runServe(ctx context.Context, flags *rootFlags) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}

	store, err := cache.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer store.Close()
	logger.Infof("Connected to Redis at %s", cfg.Redis.Addr)

	router := pubsub.NewRouter(store, logger, pubsub.Options{
		PollInterval:   cfg.PubSub.PollInterval,
		RetryBackoff:   cfg.PubSub.RetryBackoff,
		MaxBackoff:     cfg.PubSub.MaxBackoff,
		DefaultChannel: cfg.PubSub.DefaultChannel,
	})

	lobbies := lobby.NewLobbyManager(store, cfg.Lobby.TTL, logger).WithPublisher(router)
	states := game.NewGameStateStore(store, router, logger, cfg.Game.StateTTL, cfg.Game.Expiry)
	director := game.NewDirector(logger, states, router, game.DirectorOptions{
		IdleTimeout: cfg.Game.IdleTimeout,
		DrainDelay:  cfg.Game.DrainDelay,
	})

	health := map[string]handlers.Pinger{"redis": store}
	var archive *database.ResultsArchive
	if cfg.Database.URL != "" {
		archive, err = database.Connect(ctx, cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		defer archive.Close()
		director.WithRecorder(archive)
		health["postgres"] = archive
	}

	registry, err := session.NewRegistry(logger, director.Handlers(), router, director)
	if err != nil {
		return err
	}

	wsRoot, closeSockets := context.WithCancel(context.Background())
	defer closeSockets()

	logged := middleware.LogMiddleware(logger)
	mux := http.NewServeMux()
	mux.Handle("GET /ws", logged(handlers.GameWSHandler(wsRoot, logger, registry, handlers.WSOptions{
		WriteTimeout: cfg.Server.WriteTimeout,
	})))
	mux.Handle("GET /healthz", handlers.HealthHandler(health))
	handlers.NewLobbyAPI(lobbies, logger).Register(mux, logged)
	if archive != nil {
		mux.Handle("GET /games/{id}/results", logged(handlers.ResultsHandler(archive, logger)))
	}

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	lc := server.NewLifecycle(logger)
	lc.Add("director", blockingService(
		func() error { return director.Start(ctx) },
		func() {
			director.Stop()
			router.Stop()
		},
	))
	lc.Add("state-sweeper", server.NewTaskService(logger,
		states.SweepTask(cfg.Game.SweepInterval, cfg.Tasks.Cooldown, cfg.Tasks.MaxCooldown)))
	lc.Add("game-evictor", server.NewTaskService(logger,
		director.EvictionTask(cfg.Game.EvictionInterval, cfg.Tasks.Cooldown, cfg.Tasks.MaxCooldown)))
	lc.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Infof("Running on %s", cfg.Server.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			closeSockets()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("http shutdown: %v", err)
			}
		},
	})

	return lc.Run(ctx)
}

// blockingService runs start and then blocks until the lifecycle stops it.
func blockingService(start func() error, stop func()) *server.FuncService {
	done := make(chan struct{})
	return &server.FuncService{
		StartFn: func() error {
			if err := start(); err != nil {
				return err
			}
			<-done
			return nil
		},
		StopFn: func() {
			stop()
			close(done)
		},
	}
}

func runSweep(ctx context.Context, cmd *cobra.Command, flags *rootFlags) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}
	store, err := cache.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer store.Close()

	router := pubsub.NewRouter(store, logger, pubsub.Options{DefaultChannel: cfg.PubSub.DefaultChannel})
	defer router.Stop()

	removed, err := game.NewGameStateStore(store, router, logger, cfg.Game.StateTTL, cfg.Game.Expiry).Sweep(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired game(s)\n", removed)
	return err
}
