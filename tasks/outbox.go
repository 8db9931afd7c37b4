// Package tasks is the transactional outbox for scheduled work. Tasks are
// written inside the transaction that makes them necessary and are executed
// at least once after commit, either by a direct polling processor or by
// Pub/Sub push delivery.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPermanent marks a handler failure that must not be retried; the task
// goes straight to DEAD.
var ErrPermanent = errors.New("permanent task failure")

// Permanent wraps err so the processor marks the task DEAD.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Enqueue inserts t within tx. A task whose dedupe key already exists is
// silently dropped; the returned bool reports whether a row was written.
func Enqueue(ctx context.Context, tx *gorm.DB, t models.ScheduledTask) (bool, error) {
	if t.DedupeKey == "" {
		return false, errors.New("scheduled task needs a dedupe key")
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	if t.RunAfter.IsZero() {
		t.RunAfter = time.Now().UTC()
	}
	if t.CorrelationID == "" {
		t.CorrelationID = appctx.CorrelationID(ctx)
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(&t)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// EnqueueFollowUp schedules the single financial follow-up of rec.
func EnqueueFollowUp(ctx context.Context, tx *gorm.DB, rec models.ProductRecord) (bool, error) {
	return Enqueue(ctx, tx, models.ScheduledTask{
		Kind:            models.TaskFinancialFollowUp,
		ContractID:      rec.ContractID,
		ProductRecordID: rec.ID,
		DedupeKey:       models.FollowUpKey(rec.ID),
	})
}

// EnqueueSettlementPoll schedules poll number retry of the given round.
func EnqueueSettlementPoll(ctx context.Context, tx *gorm.DB, rec models.ProductRecord, round, retry int, runAfter time.Time) (bool, error) {
	return Enqueue(ctx, tx, models.ScheduledTask{
		Kind:            models.TaskSettlementPoll,
		ContractID:      rec.ContractID,
		ProductRecordID: rec.ID,
		Round:           round,
		RetryCount:      retry,
		RunAfter:        runAfter,
		DedupeKey:       models.SettlementPollKey(rec.ID, round, retry),
	})
}

// Replay moves a DEAD task back to PENDING so it runs again.
func Replay(ctx context.Context, db *gorm.DB, id int) (models.ScheduledTask, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ?", id, models.TaskStatusDead).
		Updates(map[string]interface{}{
			"status":     models.TaskStatusPending,
			"run_after":  now,
			"attempts":   0,
			"locked_at":  nil,
			"locked_by":  nil,
			"last_error": nil,
		})
	if res.Error != nil {
		return models.ScheduledTask{}, res.Error
	}
	var t models.ScheduledTask
	if err := db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return t, fmt.Errorf("%w: task %d", models.ErrRecordNotFound, id)
		}
		return t, err
	}
	if res.RowsAffected == 0 {
		return t, fmt.Errorf("%w: task %d is %s, only DEAD tasks can be replayed", models.ErrConflict, id, t.Status)
	}
	return t, nil
}

// Dead lists tasks waiting for manual reconciliation.
func Dead(ctx context.Context, db *gorm.DB, limit int) ([]models.ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.ScheduledTask
	err := db.WithContext(ctx).
		Where("status = ?", models.TaskStatusDead).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// skipLocked adds FOR UPDATE SKIP LOCKED where the dialect supports it.
func skipLocked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}
