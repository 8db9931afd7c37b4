// Package ledger owns every status change of a contract: it validates the
// edge, bumps the product record version with a compare-and-swap, appends the
// status ledger entry and refreshes the coarse status, all in one transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("credit_backend/ledger")

// Request describes one status change.
type Request struct {
	ContractID      int
	ProductRecordID int
	// ExpectedVersion is the version the caller read. Zero means "the version
	// read inside the transaction"; the CAS still guards the write.
	ExpectedVersion int
	// TargetCoarse is optional; when set it must match CoarseFor(TargetFine).
	TargetCoarse *models.CoarseStatus
	TargetFine   models.Status
	Actor        string
	Reason       string
	// Effects runs inside the same transaction after the ledger append, with
	// the updated record. Returning an error rolls the transition back.
	Effects func(tx *gorm.DB, rec *models.ProductRecord) error
}

type Engine struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewEngine(db *gorm.DB, logger *logrus.Logger) *Engine {
	return &Engine{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (e *Engine) DB() *gorm.DB { return e.db }

// Transition applies req atomically and returns the updated product record.
func (e *Engine) Transition(ctx context.Context, req Request) (*models.ProductRecord, error) {
	ctx, span := tracer.Start(ctx, "ledger.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.Int("contract_id", req.ContractID),
		attribute.String("target_status", req.TargetFine.String()),
	)

	var out models.ProductRecord
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := e.apply(ctx, tx, req)
		if err != nil {
			return err
		}
		out = *rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrConflict) {
			e.logger.WithFields(logrus.Fields{
				"contract_id":    req.ContractID,
				"target_status":  req.TargetFine.String(),
				"actor":          req.Actor,
				"correlation_id": appctx.CorrelationID(ctx),
			}).Warn(err.Error())
		}
		return nil, err
	}
	return &out, nil
}

// TransitionTx applies req inside a transaction owned by the caller.
func (e *Engine) TransitionTx(ctx context.Context, tx *gorm.DB, req Request) (*models.ProductRecord, error) {
	return e.apply(ctx, tx, req)
}

func (e *Engine) apply(ctx context.Context, tx *gorm.DB, req Request) (*models.ProductRecord, error) {
	var rec models.ProductRecord
	if err := tx.Where("id = ? AND contract_id = ?", req.ProductRecordID, req.ContractID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("product record %d of contract %d: %w", req.ProductRecordID, req.ContractID, models.ErrRecordNotFound)
		}
		return nil, err
	}
	if req.ExpectedVersion != 0 && rec.Version != req.ExpectedVersion {
		return nil, fmt.Errorf("contract %d at version %d, expected %d: %w", req.ContractID, rec.Version, req.ExpectedVersion, models.ErrConflict)
	}
	if !models.CanTransition(rec.Kind, rec.Status, req.TargetFine) {
		return nil, &models.TransitionError{Kind: rec.Kind, From: rec.Status, To: req.TargetFine}
	}
	coarse := models.CoarseFor(req.TargetFine)
	if req.TargetCoarse != nil && *req.TargetCoarse != coarse {
		return nil, &models.TransitionError{
			Kind: rec.Kind, From: rec.Status, To: req.TargetFine,
			Reason: fmt.Sprintf("coarse status %s does not match %s", req.TargetCoarse, coarse),
		}
	}

	now := e.now()
	res := tx.Model(&models.ProductRecord{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Updates(map[string]interface{}{
			"status":     req.TargetFine,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("contract %d version %d: %w", req.ContractID, rec.Version, models.ErrConflict)
	}
	rec.Status = req.TargetFine
	rec.Version++
	rec.UpdatedAt = now

	actor := req.Actor
	if actor == "" {
		actor = appctx.Actor(ctx)
	}
	entry := models.StatusLedgerEntry{
		ContractID:      rec.ContractID,
		ProductRecordID: rec.ID,
		Status:          req.TargetFine,
		CoarseStatus:    coarse,
		Reason:          req.Reason,
		Actor:           actor,
		CorrelationID:   appctx.CorrelationID(ctx),
		CreatedAt:       now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&models.Contract{}).Where("id = ?", rec.ContractID).
		Updates(map[string]interface{}{"coarse_status": coarse, "updated_at": now}).Error; err != nil {
		return nil, err
	}

	if req.Effects != nil {
		if err := req.Effects(tx, &rec); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// TransitionLatest retries req on ErrConflict with fresh state, at most
// attempts times. Meant for system callers whose decision does not depend on
// the exact version they read.
func (e *Engine) TransitionLatest(ctx context.Context, req Request, attempts int) (*models.ProductRecord, error) {
	if attempts <= 0 {
		attempts = 1
	}
	req.ExpectedVersion = 0
	var lastErr error
	for i := 0; i < attempts; i++ {
		rec, err := e.Transition(ctx, req)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// History returns the contract's ledger ordered by (created_at, id).
func (e *Engine) History(ctx context.Context, contractID int) ([]models.StatusLedgerEntry, error) {
	var out []models.StatusLedgerEntry
	err := e.db.WithContext(ctx).
		Where("contract_id = ?", contractID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
