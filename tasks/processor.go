package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler runs one task. Returning an error wrapped with Permanent marks the
// task DEAD; any other error schedules a retry.
type Handler func(ctx context.Context, t models.ScheduledTask) error

// Processor claims due tasks and runs the handler registered for their kind.
type Processor struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	WorkerID string

	BatchSize   int
	Interval    time.Duration
	LockTTL     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	handlers map[models.TaskKind]Handler
	now      func() time.Time
}

func NewProcessor(db *gorm.DB, logger *logrus.Logger) *Processor {
	return &Processor{
		DB:          db,
		Logger:      logger,
		WorkerID:    "tasks-" + uuid.NewString()[:8],
		BatchSize:   50,
		Interval:    2 * time.Second,
		LockTTL:     2 * time.Minute,
		MaxAttempts: 10,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
		handlers:    map[models.TaskKind]Handler{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle registers h for kind.
func (p *Processor) Handle(kind models.TaskKind, h Handler) {
	p.handlers[kind] = h
}

// Run polls for due tasks until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			p.Logger.WithFields(logrus.Fields{"field": "tasks.Processor", "worker": p.WorkerID}).Error("claim failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// ProcessOnce claims one batch of due tasks and runs them. It returns how
// many tasks were run.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	now := p.now()
	var claimed []models.ScheduledTask
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := skipLocked(tx.
			Where(`(status IN ? AND run_after <= ?) OR (status = ? AND locked_at <= ?)`,
				[]string{models.TaskStatusPending, models.TaskStatusFailed}, now,
				models.TaskStatusProcessing, now.Add(-p.LockTTL)).
			Order("run_after ASC, id ASC").
			Limit(p.BatchSize))
		var due []models.ScheduledTask
		if err := q.Find(&due).Error; err != nil {
			return err
		}
		for _, t := range due {
			ok, err := p.claim(tx, t, now)
			if err != nil {
				return err
			}
			if ok {
				t.Status = models.TaskStatusProcessing
				t.Attempts++
				claimed = append(claimed, t)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, t := range claimed {
		p.run(ctx, t)
	}
	return len(claimed), nil
}

// Execute claims and runs a single task, as Pub/Sub push delivery does. A task
// that is already finished or held by another worker is a no-op. The error is
// only for infrastructure failures.
func (p *Processor) Execute(ctx context.Context, id int) error {
	var t models.ScheduledTask
	if err := p.DB.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	now := p.now()
	ok, err := p.claim(p.DB.WithContext(ctx), t, now)
	if err != nil || !ok {
		return err
	}
	t.Status = models.TaskStatusProcessing
	t.Attempts++
	p.run(ctx, t)
	return nil
}

// claim moves t to PROCESSING if it is still in the state it was read in.
func (p *Processor) claim(tx *gorm.DB, t models.ScheduledTask, now time.Time) (bool, error) {
	q := tx.Model(&models.ScheduledTask{}).Where("id = ?", t.ID)
	switch t.Status {
	case models.TaskStatusPending, models.TaskStatusFailed, models.TaskStatusPublished:
		q = q.Where("status = ?", t.Status)
	case models.TaskStatusProcessing:
		q = q.Where("status = ? AND locked_at <= ?", t.Status, now.Add(-p.LockTTL))
	default:
		return false, nil
	}
	res := q.Updates(map[string]interface{}{
		"status":    models.TaskStatusProcessing,
		"locked_at": now,
		"locked_by": p.WorkerID,
		"attempts":  gorm.Expr("attempts + 1"),
	})
	return res.RowsAffected == 1, res.Error
}

func (p *Processor) run(ctx context.Context, t models.ScheduledTask) {
	ctx = appctx.Set(ctx, appctx.ContextKeyCorrelationId, t.CorrelationID)
	ctx = appctx.Set(ctx, appctx.ContextKeyActor, appctx.SystemActor)
	fields := logrus.Fields{
		"field":       "tasks.Processor",
		"task_id":     t.ID,
		"kind":        t.Kind,
		"contract_id": t.ContractID,
		"attempt":     t.Attempts,
	}

	h, ok := p.handlers[t.Kind]
	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler for %s", t.Kind))
	} else {
		err = safeCall(ctx, h, t)
	}

	// the outcome must be written even when ctx was cancelled mid-run
	store := p.DB.WithContext(context.WithoutCancel(ctx))
	now := p.now()
	switch {
	case err == nil:
		p.settle(store, t, "succeeded", map[string]interface{}{
			"status":       models.TaskStatusSucceeded,
			"processed_at": now,
			"locked_at":    nil,
			"locked_by":    nil,
			"last_error":   nil,
		})
	case errors.Is(err, ErrPermanent) || t.Attempts >= p.MaxAttempts:
		msg := err.Error()
		p.settle(store, t, "dead", map[string]interface{}{
			"status":     models.TaskStatusDead,
			"locked_at":  nil,
			"locked_by":  nil,
			"last_error": &msg,
		})
		p.Logger.WithFields(fields).Error("task is dead: " + msg)
	default:
		msg := err.Error()
		p.settle(store, t, "failed", map[string]interface{}{
			"status":     models.TaskStatusFailed,
			"run_after":  now.Add(p.backoff(t.Attempts)),
			"locked_at":  nil,
			"locked_by":  nil,
			"last_error": &msg,
		})
		p.Logger.WithFields(fields).Warn("task failed, will retry: " + msg)
	}
}

// settle writes the outcome of a run. A lost write leaves the row PROCESSING
// and the lock expiry hands it out again, so it is logged as an error.
func (p *Processor) settle(store *gorm.DB, t models.ScheduledTask, outcome string, values map[string]interface{}) {
	err := store.Model(&models.ScheduledTask{}).Where("id = ?", t.ID).Updates(values).Error
	if err != nil {
		config.LogError(p.Logger, "tasks/processor.go", "run", "mark task "+outcome, logrus.Fields{
			"task_id":     t.ID,
			"kind":        t.Kind,
			"contract_id": t.ContractID,
		}, err)
	}
}

// backoff is base * 2^(attempt-1), capped at MaxBackoff.
func (p *Processor) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseBackoff
	}
	delay := time.Duration(float64(p.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > p.MaxBackoff || delay <= 0 {
		return p.MaxBackoff
	}
	return delay
}

func safeCall(ctx context.Context, h Handler, t models.ScheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t)
}
