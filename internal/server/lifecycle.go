// Package server provides application lifecycle management including
// graceful startup and shutdown with signal handling, and supervision of
// periodic background tasks.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start begins the service. It should block until the service is stopped
	// or an error occurs.
	Start() error
	// Stop gracefully stops the service.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger   *logrus.Logger
	services []namedService
	mu       sync.Mutex
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager.
func NewLifecycle(logger *logrus.Logger) *Lifecycle {
	return &Lifecycle{
		logger: logger,
	}
}

// Add registers a named service. Services are started in the order they are added.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts all services and blocks until SIGINT/SIGTERM, a service
// failure, or ctx cancellation. Services are then stopped in reverse order.
// The first service failure, if any, is returned.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		go func(ns namedService) {
			l.logger.WithField("service", ns.name).Info("starting service")
			svcStart := time.Now()
			if err := ns.service.Start(); err != nil {
				l.logger.WithError(err).WithFields(logrus.Fields{
					"service": ns.name,
					"uptime":  time.Since(svcStart),
				}).Error("service failed")
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
				cancel()
			}
		}(ns)
	}

	l.logger.WithFields(logrus.Fields{
		"count":   len(services),
		"startup": time.Since(start),
	}).Info("all services started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.WithField("signal", sig.String()).Info("received signal, shutting down")
	case runErr = <-errCh:
		l.logger.WithError(runErr).Error("service error, shutting down")
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.shutdown(services)

	l.logger.WithField("total_uptime", time.Since(start)).Info("shutdown complete")
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.WithField("service", ns.name).Info("stopping service")
		ns.service.Stop()
		l.logger.WithFields(logrus.Fields{
			"service": ns.name,
			"elapsed": time.Since(svcStart),
		}).Info("service stopped")
	}
	l.logger.WithField("shutdown_elapsed", time.Since(shutdownStart)).Info("all services stopped")
}
