// Package followup books the accounting entries of a settled disbursement.
package followup

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/credit_backend/alerts"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/dock"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Accounting receives the postings; dock.Client implements it.
type Accounting interface {
	PostInstallmentPlanInvoice(ctx context.Context, p dock.Posting) error
	PostSingleAdjustment(ctx context.Context, p dock.Posting) error
}

type Dispatcher struct {
	db         *gorm.DB
	accounting Accounting
	notifier   alerts.Notifier
	logger     *logrus.Logger
}

func NewDispatcher(db *gorm.DB, accounting Accounting, notifier alerts.Notifier, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{db: db, accounting: accounting, notifier: notifier, logger: logger}
}

// Dispatch posts exactly one entry: an installment-plan invoice when the
// withdrawal is paid in installments, a single adjustment otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, contractID, productRecordID int) error {
	c, rec, err := models.LoadContractRecord(d.db.WithContext(ctx), contractID)
	if err != nil {
		return err
	}
	if rec.ID != productRecordID {
		return fmt.Errorf("%w: product record %d does not belong to contract %d", models.ErrRecordNotFound, productRecordID, contractID)
	}
	p := dock.Posting{
		ContractID:       c.ID,
		ProductRecordID:  rec.ID,
		AccountID:        c.CardAccountID,
		Amount:           rec.RequestedAmount(),
		InstallmentCount: rec.InstallmentCount,
		ProposalRef:      rec.ProposalRef,
	}
	if rec.IsInstallmentPlan {
		return d.accounting.PostInstallmentPlanInvoice(ctx, p)
	}
	p.InstallmentCount = 0
	return d.accounting.PostSingleAdjustment(ctx, p)
}

// HandleTask is the tasks.Handler for FINANCIAL_FOLLOW_UP. Failures are not
// retried: the task goes DEAD and an operator reconciles it.
func (d *Dispatcher) HandleTask(ctx context.Context, t models.ScheduledTask) error {
	err := d.Dispatch(ctx, t.ContractID, t.ProductRecordID)
	if err == nil {
		d.logger.WithFields(logrus.Fields{
			"field":             "followup.Dispatcher",
			"contract_id":       t.ContractID,
			"product_record_id": t.ProductRecordID,
		}).Info("financial follow-up posted")
		return nil
	}
	config.LogError(d.logger, "followup", "HandleTask", "post follow-up", t.DedupeKey, err)
	d.notifier.Notify(ctx, alerts.Alert{
		Reason:     alerts.ReasonFollowUpFailed,
		ContractID: t.ContractID,
		Detail:     err.Error(),
		Attributes: map[string]string{"task": t.DedupeKey},
	})
	return tasks.Permanent(err)
}
