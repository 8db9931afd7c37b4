package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BankAccount is the borrower's destination account for the withdrawal.
type BankAccount struct {
	BankCode      string `gorm:"size:10" json:"bank_code" validate:"required"`
	ISPB          string `gorm:"size:8" json:"ispb"`
	Branch        string `gorm:"size:10" json:"branch" validate:"required"`
	AccountNumber string `gorm:"size:20" json:"account_number" validate:"required"`
	AccountDigit  string `gorm:"size:2" json:"account_digit"`
	AccountType   string `gorm:"size:20" json:"account_type" validate:"required"`
}

type Contract struct {
	ID            int          `gorm:"primary_key" json:"id"`
	ProductType   ProductType  `gorm:"not null;index" json:"product_type"`
	CoarseStatus  CoarseStatus `gorm:"not null;index" json:"coarse_status"`
	AgreementCode string       `gorm:"size:50;index" json:"agreement_code"`
	CardAccountID string       `gorm:"size:64" json:"card_account_id"`
	BorrowerName  string       `gorm:"size:255" json:"borrower_name"`
	BorrowerTaxID string       `gorm:"size:14;index" json:"borrower_tax_id"`
	BenefitNumber string       `gorm:"size:32" json:"benefit_number"`
	BankAccount   BankAccount  `gorm:"embedded;embeddedPrefix:bank_" json:"bank_account"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductRecord is the product-specific half of a contract. Status and
// Version change only through the transition engine.
type ProductRecord struct {
	ID                     int             `gorm:"primary_key" json:"id"`
	ContractID             int             `gorm:"not null;uniqueIndex" json:"contract_id"`
	Kind                   RecordKind      `gorm:"size:32;not null;index" json:"kind"`
	Status                 Status          `gorm:"not null;index" json:"status"`
	Version                int             `gorm:"not null;default:1" json:"version"`
	HasWithdrawal          bool            `gorm:"not null;default:false" json:"has_withdrawal"`
	IsInstallmentPlan      bool            `gorm:"not null;default:false" json:"is_installment_plan"`
	InstallmentCount       int             `gorm:"not null;default:0" json:"installment_count"`
	WithdrawalAmount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"withdrawal_amount"`
	FinancedAmount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"financed_amount"`
	ProposalRef            string          `gorm:"size:64;index" json:"proposal_ref"`
	ProviderMessage        string          `gorm:"type:text" json:"provider_message"`
	RequestedAt            *time.Time      `json:"requested_at"`
	DisbursementClaimedAt  *time.Time      `gorm:"index" json:"-"`
	DisbursementClaimToken *string         `gorm:"size:64" json:"-"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// RequestedAmount is the value the borrower asked to receive.
func (r ProductRecord) RequestedAmount() decimal.Decimal {
	if r.Kind == KindFreeMargin && r.WithdrawalAmount.IsZero() {
		return r.FinancedAmount
	}
	return r.WithdrawalAmount
}

// WantsWithdrawal is false only for benefit cards issued without a withdrawal.
func (r ProductRecord) WantsWithdrawal() bool {
	if r.Kind == KindBenefitCard {
		return r.HasWithdrawal || r.IsInstallmentPlan
	}
	return true
}

// ProductParameter is the back-office profile per product type.
type ProductParameter struct {
	ID             int         `gorm:"primary_key" json:"id"`
	ProductType    ProductType `gorm:"not null;uniqueIndex" json:"product_type"`
	SendCommission bool        `gorm:"not null;default:false" json:"send_commission"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}
