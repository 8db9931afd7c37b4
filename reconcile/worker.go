// Package reconcile confirms withdrawals whose settlement is asynchronous,
// either by polling the provider or by processing its webhook.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/credit_backend/alerts"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/ledger"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/providers"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("credit_backend/reconcile")

// Worker polls settlement for providers that never call back.
type Worker struct {
	engine     *ledger.Engine
	poller     providers.SettlementPoller
	notifier   alerts.Notifier
	logger     *logrus.Logger
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
}

// NewWorker fails with ErrConfiguration when the adapter cannot be polled.
func NewWorker(engine *ledger.Engine, adapter providers.Adapter, notifier alerts.Notifier, maxRetries int, backoff time.Duration, logger *logrus.Logger) (*Worker, error) {
	poller, ok := providers.Poller(adapter)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not expose settlement polling", models.ErrConfiguration, adapter.Kind())
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 30 * time.Minute
	}
	return &Worker{
		engine:     engine,
		poller:     poller,
		notifier:   notifier,
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    backoff,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Poll is the tasks.Handler for SETTLEMENT_POLL. Each evaluation either
// settles the record, schedules the next poll, or gives up with an alert.
func (w *Worker) Poll(ctx context.Context, t models.ScheduledTask) error {
	ctx, span := tracer.Start(ctx, "reconcile.Poll")
	defer span.End()
	span.SetAttributes(attribute.Int("contract_id", t.ContractID), attribute.Int("retry", t.RetryCount))

	db := w.engine.DB().WithContext(ctx)
	c, rec, err := models.LoadContractRecord(db, t.ContractID)
	if err != nil {
		return tasks.Permanent(err)
	}
	fields := logrus.Fields{
		"field":       "reconcile.Poll",
		"contract_id": c.ID,
		"round":       t.Round,
		"retry":       t.RetryCount,
	}
	// a newer round (resubmission) or a webhook already took over
	if rec.ID != t.ProductRecordID || rec.Version != t.Round || !models.AwaitingSettlement(rec.Status) {
		w.logger.WithFields(fields).WithField("status", rec.Status.String()).Info("settlement no longer awaited; stopping")
		return nil
	}

	s := w.poller.PollSettlement(ctx, providers.Subject{Contract: c, Record: rec})
	span.SetAttributes(attribute.String("settlement", s.State.String()))
	fields["provider_code"] = s.Outcome.ProviderCode

	switch s.State {
	case providers.SettlementConfirmed:
		_, err := w.engine.Transition(ctx, ledger.Request{
			ContractID:      c.ID,
			ProductRecordID: rec.ID,
			ExpectedVersion: rec.Version,
			TargetFine:      models.StatusWithdrawalCompleted,
			Reason:          "settlement confirmed: " + s.Outcome.ProviderCode,
			Effects: func(tx *gorm.DB, r *models.ProductRecord) error {
				if err := models.UpsertValidation(tx, c.ID, models.RuleSettlementConfirmed, true, s.Outcome.ProviderCode); err != nil {
					return err
				}
				_, err := tasks.EnqueueFollowUp(ctx, tx, *r)
				return err
			},
		})
		if err != nil {
			return err
		}
		w.logger.WithFields(fields).Info("settlement confirmed")
		return nil

	case providers.SettlementFailed:
		detail := fmt.Sprintf("%s %s", s.Outcome.ProviderCode, s.Outcome.Detail)
		_, err := w.engine.Transition(ctx, ledger.Request{
			ContractID:      c.ID,
			ProductRecordID: rec.ID,
			ExpectedVersion: rec.Version,
			TargetFine:      models.StatusPaymentRefused,
			Reason:          "settlement failed: " + detail,
			Effects: func(tx *gorm.DB, _ *models.ProductRecord) error {
				return models.UpsertValidation(tx, c.ID, models.RuleSettlementConfirmed, false, detail)
			},
		})
		if err != nil {
			return err
		}
		w.notifier.Notify(ctx, alerts.Alert{Reason: alerts.ReasonSettlementFailed, ContractID: c.ID, Detail: detail})
		w.logger.WithFields(fields).Warn("settlement failed: " + detail)
		return nil
	}

	// awaiting, including transport failures
	if t.RetryCount >= w.maxRetries {
		w.notifier.Notify(ctx, alerts.Alert{
			Reason:     alerts.ReasonSettlementUnconfirmed,
			ContractID: c.ID,
			Detail:     fmt.Sprintf("no settlement after %d polls: %s %s", t.RetryCount+1, s.Outcome.ProviderCode, s.Outcome.Detail),
			Attributes: map[string]string{"task": t.DedupeKey},
		})
		w.logger.WithFields(fields).Error("settlement still unconfirmed; giving up")
		return nil
	}
	if _, err := tasks.EnqueueSettlementPoll(ctx, db, rec, t.Round, t.RetryCount+1, w.now().Add(w.backoff)); err != nil {
		config.LogError(w.logger, "reconcile", "Poll", "reschedule poll", t.DedupeKey, err)
		return err
	}
	w.logger.WithFields(fields).Info("settlement pending; poll rescheduled")
	return nil
}
