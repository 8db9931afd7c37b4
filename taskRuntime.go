package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// applyTaskRetryEnv overrides the processor retry knobs:
//   - TASK_MAX_ATTEMPTS (default 10)
//   - TASK_BASE_BACKOFF_SECONDS (default 5)
//   - TASK_MAX_BACKOFF_SECONDS (default 600)
func applyTaskRetryEnv(p *tasks.Processor) {
	if v := os.Getenv("TASK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.MaxAttempts = n
		}
	}
	if v := os.Getenv("TASK_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.BaseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TASK_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.MaxBackoff = time.Duration(n) * time.Second
		}
	}
}

// startTasks runs the outbox in the configured mode. In direct mode the
// processor claims due tasks itself; in pubsub mode the dispatcher publishes
// them and the push subscription executes them through /pubsub/tasks.
func startTasks(ctx context.Context, s config.Settings, db *gorm.DB, p *tasks.Processor, logger *logrus.Logger) {
	switch s.TaskMode {
	case config.TaskModePubSub:
		d := tasks.NewDispatcher(db, logger, tasks.PubSubPublisher{}, s.TaskTopic)
		go d.Run(ctx)
		logger.WithFields(logrus.Fields{"field": "tasks", "topic": s.TaskTopic}).Info("task dispatcher started")
	default:
		go p.Run(ctx)
		logger.WithFields(logrus.Fields{"field": "tasks", "worker": p.WorkerID}).Info("task processor started")
	}
}
