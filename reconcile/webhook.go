package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/credit_backend/ledger"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatusRejected is the provider status for a payment refused over bank data.
const StatusRejected = "REJECTED"

var validate = validator.New()

var ErrInvalidPayload = errors.New("invalid webhook payload")

type PayloadAccount struct {
	Branch        string `json:"branch"`
	AccountNumber string `json:"account_number"`
	AccountType   string `json:"account_type"`
	CPF           string `json:"cpf"`
	Status        string `json:"status"`
}

// Payload is the settlement callback body. idCrontract is the partner's
// spelling.
type Payload struct {
	ContractID    int             `json:"idCrontract" validate:"required,gt=0"`
	Status        string          `json:"status" validate:"required"`
	ReceiverTaxID string          `json:"receiverTaxId"`
	Value         decimal.Decimal `json:"value"`
	Bank          string          `json:"bank"`
	Account       PayloadAccount  `json:"account"`
}

func (p Payload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.Value.IsNegative() {
		return errors.New("value must not be negative")
	}
	return nil
}

type WebhookResult struct {
	ContractID int           `json:"contract_id"`
	Status     models.Status `json:"status"`
	// Duplicate is set when the callback was already processed.
	Duplicate bool `json:"duplicate"`
}

type WebhookProcessor struct {
	engine *ledger.Engine
	logger *logrus.Logger
}

func NewWebhookProcessor(engine *ledger.Engine, logger *logrus.Logger) *WebhookProcessor {
	return &WebhookProcessor{engine: engine, logger: logger}
}

// Process applies one callback. A REJECTED payment waits for corrected bank
// details; any other status settles the withdrawal once per
// (contract, proposal), and redelivery changes nothing. A callback that
// arrives before the withdrawal request committed is refused with
// ErrConflict so the partner redelivers it.
func (w *WebhookProcessor) Process(ctx context.Context, p Payload) (WebhookResult, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Webhook")
	defer span.End()
	if err := p.Validate(); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	status := strings.ToUpper(strings.TrimSpace(p.Status))
	fields := logrus.Fields{
		"field":           "reconcile.Webhook",
		"contract_id":     p.ContractID,
		"provider_status": status,
	}

	var out WebhookResult
	err := w.engine.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, rec, err := models.LoadContractRecord(tx, p.ContractID)
		if err != nil {
			return err
		}
		out = WebhookResult{ContractID: p.ContractID, Status: rec.Status}

		if !models.AwaitingSettlement(rec.Status) && !models.DisbursementSettled(rec.Status) {
			return fmt.Errorf("%w: settlement callback while contract is %s", models.ErrConflict, rec.Status)
		}

		if status == StatusRejected {
			if !models.AwaitingSettlement(rec.Status) {
				out.Duplicate = true
				return nil
			}
			updated, err := w.engine.TransitionTx(ctx, tx, ledger.Request{
				ContractID:      rec.ContractID,
				ProductRecordID: rec.ID,
				ExpectedVersion: rec.Version,
				TargetFine:      models.StatusPendingBankCorrection,
				Reason:          "payment rejected: " + p.Account.Status,
				Effects: func(tx *gorm.DB, _ *models.ProductRecord) error {
					return models.UpsertValidation(tx, rec.ContractID, models.RuleBankAccountAccepted, false, p.Account.Status)
				},
			})
			if err != nil {
				return err
			}
			out.Status = updated.Status
			return nil
		}

		ref := p.ReceiverTaxID
		if ref == "" {
			ref = rec.ProposalRef
		}
		if !models.AwaitingSettlement(rec.Status) {
			// already settled by poll or an earlier callback
			out.Duplicate = true
			w.logger.WithFields(fields).WithField("status", rec.Status.String()).Warn("settlement callback for a record not awaiting settlement")
			return nil
		}
		ret := models.WithdrawalReturn{
			ContractID:     rec.ContractID,
			ProposalRef:    ref,
			ProviderStatus: status,
			Amount:         p.Value,
			Bank:           p.Bank,
			Branch:         p.Account.Branch,
			AccountNumber:  p.Account.AccountNumber,
			AccountType:    p.Account.AccountType,
			TaxID:          p.Account.CPF,
			AccountStatus:  p.Account.Status,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contract_id"}, {Name: "proposal_ref"}},
			DoNothing: true,
		}).Create(&ret)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			out.Duplicate = true
			return nil
		}
		updated, err := w.engine.TransitionTx(ctx, tx, ledger.Request{
			ContractID:      rec.ContractID,
			ProductRecordID: rec.ID,
			ExpectedVersion: rec.Version,
			TargetFine:      models.StatusWithdrawalCompleted,
			Reason:          "settlement callback: " + status,
			Effects: func(tx *gorm.DB, r *models.ProductRecord) error {
				if err := models.UpsertValidation(tx, rec.ContractID, models.RuleSettlementConfirmed, true, status); err != nil {
					return err
				}
				_, err := tasks.EnqueueFollowUp(ctx, tx, *r)
				return err
			},
		})
		if err != nil {
			return err
		}
		out.Status = updated.Status
		return nil
	})
	if err != nil {
		return WebhookResult{}, err
	}
	w.logger.WithFields(fields).WithField("duplicate", out.Duplicate).Info("settlement callback processed")
	return out, nil
}
