// Package testutil wires in-memory databases for package tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenDB returns a per-test in-memory sqlite database with every table migrated
// and the ledger guard installed.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection keeps the shared-cache database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Use(config.NewLedgerGuardPlugin(models.StatusLedgerEntry{})))
	require.NoError(t, models.MigrateTable(db))
	return db
}

// ContractSeed describes a seeded contract.
type ContractSeed struct {
	ProductType       models.ProductType
	Status            models.Status
	HasWithdrawal     bool
	IsInstallmentPlan bool
	Amount            string
	AgreementCode     string
}

// SeedContract inserts a contract, its product record and the first ledger
// entry directly, bypassing the engine.
func SeedContract(t *testing.T, db *gorm.DB, seed ContractSeed) (models.Contract, models.ProductRecord) {
	t.Helper()
	if seed.ProductType == 0 {
		seed.ProductType = models.ProductBenefitCard
	}
	if seed.Status == 0 {
		seed.Status = models.StatusRegistrationApproved
	}
	if seed.Amount == "" {
		seed.Amount = "150.00"
	}
	kind, err := seed.ProductType.Kind()
	require.NoError(t, err)

	c := models.Contract{
		ProductType:   seed.ProductType,
		CoarseStatus:  models.CoarseFor(seed.Status),
		AgreementCode: seed.AgreementCode,
		CardAccountID: "acc-1",
		BorrowerName:  "Maria Souza",
		BorrowerTaxID: "12345678909",
		BankAccount: models.BankAccount{
			BankCode: "001", ISPB: "00000000", Branch: "1234", AccountNumber: "556677", AccountDigit: "8", AccountType: "checking",
		},
	}
	require.NoError(t, db.Create(&c).Error)
	r := models.ProductRecord{
		ContractID:        c.ID,
		Kind:              kind,
		Status:            seed.Status,
		Version:           1,
		HasWithdrawal:     seed.HasWithdrawal,
		IsInstallmentPlan: seed.IsInstallmentPlan,
		InstallmentCount:  12,
		WithdrawalAmount:  decimal.RequireFromString(seed.Amount),
		ProposalRef:       fmt.Sprintf("P-%d", c.ID),
	}
	require.NoError(t, db.Create(&r).Error)
	require.NoError(t, db.Create(&models.StatusLedgerEntry{
		ContractID:      c.ID,
		ProductRecordID: r.ID,
		Status:          seed.Status,
		CoarseStatus:    models.CoarseFor(seed.Status),
		Actor:           "seed",
		CreatedAt:       time.Now().UTC(),
	}).Error)
	return c, r
}

// Record reloads the product record of a contract.
func Record(t *testing.T, db *gorm.DB, contractID int) models.ProductRecord {
	t.Helper()
	var r models.ProductRecord
	require.NoError(t, db.Where("contract_id = ?", contractID).First(&r).Error)
	return r
}

// Ledger returns the contract's ledger in order.
func Ledger(t *testing.T, db *gorm.DB, contractID int) []models.StatusLedgerEntry {
	t.Helper()
	var out []models.StatusLedgerEntry
	require.NoError(t, db.Where("contract_id = ?", contractID).Order("created_at, id").Find(&out).Error)
	return out
}
