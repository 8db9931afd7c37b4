package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// StatusLedgerEntry is one accepted transition. The latest entry of a
// contract always carries the product record's current status.
type StatusLedgerEntry struct {
	ID              int          `gorm:"primary_key;index:idx_ledger_order,priority:3" json:"id"`
	ContractID      int          `gorm:"not null;index:idx_ledger_order,priority:1" json:"contract_id"`
	ProductRecordID int          `gorm:"not null;index" json:"product_record_id"`
	Status          Status       `gorm:"not null" json:"status"`
	CoarseStatus    CoarseStatus `gorm:"not null" json:"coarse_status"`
	Reason          string       `gorm:"type:text" json:"reason"`
	Actor           string       `gorm:"size:100" json:"actor"`
	CorrelationID   string       `gorm:"size:64" json:"correlation_id"`
	CreatedAt       time.Time    `gorm:"not null;index:idx_ledger_order,priority:2" json:"created_at"`
}

func (StatusLedgerEntry) AppendOnlyTable() string { return "status_ledger_entries" }

// Ledger immutability guardrails: rows are append-only.

func (e *StatusLedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: status_ledger_entries cannot be updated")
}

func (e *StatusLedgerEntry) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: status_ledger_entries cannot be deleted")
}
