package models

import (
	"fmt"
	"time"
)

type TaskKind string

const (
	TaskSettlementPoll    TaskKind = "SETTLEMENT_POLL"
	TaskFinancialFollowUp TaskKind = "FINANCIAL_FOLLOW_UP"
)

// Task statuses. Keep these as strings (DB values).
const (
	TaskStatusPending    = "PENDING"
	TaskStatusProcessing = "PROCESSING"
	TaskStatusPublished  = "PUBLISHED"
	TaskStatusSucceeded  = "SUCCEEDED"
	TaskStatusFailed     = "FAILED"
	TaskStatusDead       = "DEAD"
)

// ScheduledTask is the transactional outbox for asynchronous work. Rows are
// written in the same DB transaction as the status change that caused them
// and are delivered after commit, at least once.
type ScheduledTask struct {
	ID              int        `gorm:"primary_key;index:idx_task_dispatch,priority:3" json:"id"`
	Kind            TaskKind   `gorm:"size:40;not null" json:"kind"`
	ContractID      int        `gorm:"not null;index" json:"contract_id"`
	ProductRecordID int        `gorm:"not null" json:"product_record_id"`
	RetryCount      int        `gorm:"not null;default:0" json:"retry_count"`
	// Round separates the settlement poll chains of one record; a bank
	// details resubmission starts a new round.
	Round           int        `gorm:"not null;default:0" json:"round"`
	DedupeKey       string     `gorm:"size:191;not null;uniqueIndex" json:"dedupe_key"`
	Status          string     `gorm:"size:20;not null;default:'PENDING';index:idx_task_dispatch,priority:1" json:"status"` // PENDING|PROCESSING|PUBLISHED|SUCCEEDED|FAILED|DEAD
	RunAfter        time.Time  `gorm:"not null;index:idx_task_dispatch,priority:2" json:"run_after"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	LockedAt        *time.Time `gorm:"index" json:"locked_at"`
	LockedBy        *string    `gorm:"size:100" json:"locked_by"`
	LastError       *string    `gorm:"type:text" json:"last_error"`
	PubSubMessageID *string    `gorm:"column:pubsub_message_id;size:255" json:"pubsub_message_id"`
	CorrelationID   string     `gorm:"size:64;index" json:"correlation_id"`
	ProcessedAt     *time.Time `json:"processed_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SettlementPollKey dedupes one poll per record, round and retry step.
func SettlementPollKey(productRecordID, round, retryCount int) string {
	return fmt.Sprintf("poll:%d:%d:%d", productRecordID, round, retryCount)
}

// FollowUpKey allows a single financial follow-up per product record.
func FollowUpKey(productRecordID int) string {
	return fmt.Sprintf("followup:%d", productRecordID)
}
