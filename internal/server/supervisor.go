package server

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a unit of periodic background work.
type Task struct {
	Name     string
	Interval time.Duration
	// Cooldown is the wait after a failed run. It doubles on each consecutive
	// failure up to MaxCooldown and resets after a success.
	Cooldown    time.Duration
	MaxCooldown time.Duration
	Run         func(ctx context.Context) error
}

func (t Task) withDefaults() Task {
	if t.Interval <= 0 {
		t.Interval = time.Minute
	}
	if t.Cooldown <= 0 {
		t.Cooldown = 30 * time.Second
	}
	if t.MaxCooldown < t.Cooldown {
		t.MaxCooldown = t.Cooldown
	}
	return t
}

// Supervise runs task every Interval until ctx is cancelled. A failing or
// panicking run is logged and never ends the loop.
func Supervise(ctx context.Context, logger *logrus.Logger, task Task) {
	task = task.withDefaults()
	log := logger.WithField("task", task.Name)
	log.WithField("interval", task.Interval).Info("task scheduled")

	cooldown := task.Cooldown
	wait := task.Interval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("task stopped")
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := runOnce(ctx, task); err != nil {
			if ctx.Err() != nil {
				log.Info("task stopped")
				return
			}
			log.WithError(err).WithField("cooldown", cooldown).Error("task run failed")
			wait = cooldown
			cooldown *= 2
			if cooldown > task.MaxCooldown {
				cooldown = task.MaxCooldown
			}
			continue
		}
		log.WithField("elapsed", time.Since(start)).Debug("task run complete")
		cooldown = task.Cooldown
		wait = task.Interval
	}
}

func runOnce(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return task.Run(ctx)
}

// TaskService runs a supervised task as a lifecycle Service.
type TaskService struct {
	logger *logrus.Logger
	task   Task
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTaskService wraps task for use with Lifecycle.
func NewTaskService(logger *logrus.Logger, task Task) *TaskService {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskService{logger: logger, task: task, ctx: ctx, cancel: cancel}
}

// Start blocks until Stop is called.
func (s *TaskService) Start() error {
	Supervise(s.ctx, s.logger, s.task)
	return nil
}

// Stop cancels the task.
func (s *TaskService) Stop() { s.cancel() }
