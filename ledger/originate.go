package ledger

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var validate = validator.New()

// NewContract is the input of Originate.
type NewContract struct {
	ProductType       models.ProductType `json:"product_type" validate:"required"`
	AgreementCode     string             `json:"agreement_code"`
	CardAccountID     string             `json:"card_account_id"`
	BorrowerName      string             `json:"borrower_name" validate:"required"`
	BorrowerTaxID     string             `json:"borrower_tax_id" validate:"required,len=11|len=14,numeric"`
	BenefitNumber     string             `json:"benefit_number"`
	BankAccount       models.BankAccount `json:"bank_account" validate:"-"`
	HasWithdrawal     bool               `json:"has_withdrawal"`
	IsInstallmentPlan bool               `json:"is_installment_plan"`
	InstallmentCount  int                `json:"installment_count" validate:"gte=0"`
	WithdrawalAmount  decimal.Decimal    `json:"withdrawal_amount"`
	FinancedAmount    decimal.Decimal    `json:"financed_amount"`
	// InitialStatus defaults to simulation. Contracts migrated from another
	// system can start at their current status.
	InitialStatus models.Status `json:"initial_status"`
	Actor         string        `json:"-"`
}

// Originate creates a contract, its product record and the first ledger entry
// in one transaction.
func (e *Engine) Originate(ctx context.Context, in NewContract) (models.Contract, models.ProductRecord, error) {
	if err := validate.Struct(in); err != nil {
		return models.Contract{}, models.ProductRecord{}, err
	}
	kind, err := in.ProductType.Kind()
	if err != nil {
		return models.Contract{}, models.ProductRecord{}, err
	}
	status := in.InitialStatus
	if status == 0 {
		status = models.StatusSimulation
	}
	if !status.IsValid() {
		return models.Contract{}, models.ProductRecord{}, fmt.Errorf("initial status %d: %w", int(status), models.ErrInvalidTransition)
	}
	if in.WithdrawalAmount.IsNegative() || in.FinancedAmount.IsNegative() {
		return models.Contract{}, models.ProductRecord{}, fmt.Errorf("amounts must not be negative")
	}

	c := models.Contract{
		ProductType:   in.ProductType,
		CoarseStatus:  models.CoarseFor(status),
		AgreementCode: in.AgreementCode,
		CardAccountID: in.CardAccountID,
		BorrowerName:  in.BorrowerName,
		BorrowerTaxID: in.BorrowerTaxID,
		BenefitNumber: in.BenefitNumber,
		BankAccount:   in.BankAccount,
	}
	r := models.ProductRecord{
		Kind:              kind,
		Status:            status,
		Version:           1,
		HasWithdrawal:     in.HasWithdrawal,
		IsInstallmentPlan: in.IsInstallmentPlan,
		InstallmentCount:  in.InstallmentCount,
		WithdrawalAmount:  in.WithdrawalAmount,
		FinancedAmount:    in.FinancedAmount,
	}
	actor := in.Actor
	if actor == "" {
		actor = appctx.Actor(ctx)
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
		r.ContractID = c.ID
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		return tx.Create(&models.StatusLedgerEntry{
			ContractID:      c.ID,
			ProductRecordID: r.ID,
			Status:          status,
			CoarseStatus:    c.CoarseStatus,
			Reason:          "contract originated",
			Actor:           actor,
			CorrelationID:   appctx.CorrelationID(ctx),
			CreatedAt:       e.now(),
		}).Error
	})
	if err != nil {
		return models.Contract{}, models.ProductRecord{}, err
	}
	return c, r, nil
}
