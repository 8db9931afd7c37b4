package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalReturn records the settlement of one proposal. The unique key on
// (contract, proposal) makes redelivery, and a later status for the same
// proposal, a no-op.
type WithdrawalReturn struct {
	ID             int             `gorm:"primary_key" json:"id"`
	ContractID     int             `gorm:"not null;uniqueIndex:uniq_withdrawal_return_proposal,priority:1" json:"contract_id"`
	ProposalRef    string          `gorm:"size:64;not null;uniqueIndex:uniq_withdrawal_return_proposal,priority:2" json:"proposal_ref"`
	ProviderStatus string          `gorm:"size:40;not null" json:"provider_status"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Bank           string          `gorm:"size:10" json:"bank"`
	Branch         string          `gorm:"size:10" json:"branch"`
	AccountNumber  string          `gorm:"size:20" json:"account_number"`
	AccountType    string          `gorm:"size:20" json:"account_type"`
	TaxID          string          `gorm:"size:14" json:"tax_id"`
	AccountStatus  string          `gorm:"size:40" json:"account_status"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Business rules tracked per contract.
const (
	RuleWithdrawalLimit     = "withdrawal_limit"
	RuleBankAccountAccepted = "bank_account_accepted"
	RuleSettlementConfirmed = "settlement_confirmed"
)

// ValidationRecord holds the latest outcome of a rule; upserted on (contract_id, rule_name).
type ValidationRecord struct {
	ID         int       `gorm:"primary_key" json:"id"`
	ContractID int       `gorm:"not null;uniqueIndex:uniq_validation,priority:1" json:"contract_id"`
	RuleName   string    `gorm:"size:64;not null;uniqueIndex:uniq_validation,priority:2" json:"rule_name"`
	Checked    bool      `gorm:"not null" json:"checked"`
	Detail     string    `gorm:"type:text" json:"detail"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProviderExchange is the raw request/response log of a provider call.
type ProviderExchange struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ContractID    int       `gorm:"index" json:"contract_id"`
	Provider      string    `gorm:"size:20;not null;index" json:"provider"`
	Operation     string    `gorm:"size:40;not null" json:"operation"`
	StatusCode    int       `json:"status_code"`
	Outcome       string    `gorm:"size:20" json:"outcome"`
	RequestBody   string    `gorm:"type:text" json:"request_body"`
	ResponseBody  string    `gorm:"type:text" json:"response_body"`
	ArchiveObject string    `gorm:"size:255" json:"archive_object"`
	CorrelationID string    `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
