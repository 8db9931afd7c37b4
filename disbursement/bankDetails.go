package disbursement

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/ledger"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/providers"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var validate = validator.New()

type BankDetailsInput struct {
	ContractID int
	// ProposalRef defaults to the one stored on the product record.
	ProposalRef string
	Account     models.BankAccount
	Actor       string
}

// UpdateBankDetails resends a payment refused for bad bank data. It only runs
// from PENDENTE_CORRECAO_DADOS_BANCARIOS and never goes back through Disburse.
func (o *Orchestrator) UpdateBankDetails(ctx context.Context, in BankDetailsInput) (Result, error) {
	ctx, span := tracer.Start(ctx, "disbursement.UpdateBankDetails")
	defer span.End()
	if in.Actor == "" {
		in.Actor = appctx.Actor(ctx)
	}
	if err := validate.Struct(in.Account); err != nil {
		return Result{}, fmt.Errorf("invalid bank account: %w", err)
	}

	c, rec, err := models.LoadContractRecord(o.db.WithContext(ctx), in.ContractID)
	if err != nil {
		return Result{}, err
	}
	if rec.Status != models.StatusPendingBankCorrection {
		return Result{}, &models.TransitionError{
			Kind: rec.Kind, From: rec.Status, To: models.StatusWithdrawalResubmission,
			Reason: "bank details can only be corrected while pending correction",
		}
	}
	ref := in.ProposalRef
	if ref == "" {
		ref = rec.ProposalRef
	}

	out := o.adapter.UpdateBankDetails(ctx, providers.BankDetails{ContractID: c.ID, ProposalRef: ref, Account: in.Account})
	fields := logrus.Fields{
		"field":       "disbursement.UpdateBankDetails",
		"contract_id": c.ID,
		"provider":    o.adapter.Kind(),
		"actor":       in.Actor,
	}

	if !out.OK() {
		updated, err := o.engine.Transition(ctx, ledger.Request{
			ContractID:      c.ID,
			ProductRecordID: rec.ID,
			ExpectedVersion: rec.Version,
			TargetFine:      models.StatusWithdrawalRequestError,
			Actor:           in.Actor,
			Reason:          fmt.Sprintf("bank details update %s: %s %s", out.Kind, out.ProviderCode, out.Detail),
		})
		if err != nil {
			return Result{}, err
		}
		o.logger.WithFields(fields).Warn("bank details update failed: " + out.Detail)
		res := result(*updated)
		res.Outcome = &out
		res.Rejection = out.Err()
		return res, nil
	}

	mode := o.adapter.Settlement()
	now := o.now()
	updated, err := o.engine.Transition(ctx, ledger.Request{
		ContractID:      c.ID,
		ProductRecordID: rec.ID,
		ExpectedVersion: rec.Version,
		TargetFine:      models.StatusWithdrawalResubmission,
		Actor:           in.Actor,
		Reason:          "bank details corrected and payment resubmitted",
		Effects: func(tx *gorm.DB, r *models.ProductRecord) error {
			if err := tx.Model(&models.Contract{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
				"bank_bank_code":      in.Account.BankCode,
				"bank_ispb":           in.Account.ISPB,
				"bank_branch":         in.Account.Branch,
				"bank_account_number": in.Account.AccountNumber,
				"bank_account_digit":  in.Account.AccountDigit,
				"bank_account_type":   in.Account.AccountType,
			}).Error; err != nil {
				return err
			}
			if err := models.UpsertValidation(tx, c.ID, models.RuleBankAccountAccepted, true, "resubmitted"); err != nil {
				return err
			}
			if mode == providers.SettlementPoll {
				_, err := tasks.EnqueueSettlementPoll(ctx, tx, *r, r.Version, 0, now.Add(o.opts.ReconcileBackoff))
				return err
			}
			return nil
		},
	})
	if err != nil {
		return Result{}, err
	}
	o.logger.WithFields(fields).Info("payment resubmitted with corrected bank details")
	res := result(*updated)
	res.Outcome = &out
	return res, nil
}
