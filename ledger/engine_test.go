package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	return NewEngine(db, config.GetLogger()), db
}

func TestTransitionAppendsOneEntryPerAcceptedTransition(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()
	c, r := testutil.SeedContract(t, db, testutil.ContractSeed{Status: models.StatusDeskFormalizationApproved})

	path := []models.Status{
		models.StatusInRegistration,
		models.StatusRegistrationApproved,
		models.StatusWithdrawalInProgress,
		models.StatusWithdrawalCompleted,
	}
	for i, target := range path {
		before := len(testutil.Ledger(t, db, c.ID))
		rec, err := e.Transition(ctx, Request{ContractID: c.ID, ProductRecordID: r.ID, TargetFine: target, Actor: "op", Reason: "step"})
		require.NoError(t, err, "step %d", i)

		entries := testutil.Ledger(t, db, c.ID)
		require.Len(t, entries, before+1)
		require.Equal(t, rec.Status, entries[len(entries)-1].Status)
		require.Equal(t, testutil.Record(t, db, c.ID).Status, entries[len(entries)-1].Status)
	}

	var contract models.Contract
	require.NoError(t, db.First(&contract, c.ID).Error)
	require.Equal(t, models.CoarsePaid, contract.CoarseStatus)
	require.Equal(t, 1+len(path), testutil.Record(t, db, c.ID).Version)
}

func TestInvalidTransitionLeavesLedgerUnchanged(t *testing.T) {
	e, db := newEngine(t)
	c, r := testutil.SeedContract(t, db, testutil.ContractSeed{Status: models.StatusSimulation})
	before := testutil.Ledger(t, db, c.ID)

	_, err := e.Transition(context.Background(), Request{ContractID: c.ID, ProductRecordID: r.ID, TargetFine: models.StatusWithdrawalCompleted})
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	var te *models.TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, models.StatusSimulation, te.From)

	require.Len(t, testutil.Ledger(t, db, c.ID), len(before))
	require.Equal(t, models.StatusSimulation, testutil.Record(t, db, c.ID).Status)
}

func TestTransitionRejectsMismatchedCoarseStatus(t *testing.T) {
	e, db := newEngine(t)
	c, r := testutil.SeedContract(t, db, testutil.ContractSeed{})
	coarse := models.CoarseDesk

	_, err := e.Transition(context.Background(), Request{
		ContractID: c.ID, ProductRecordID: r.ID,
		TargetCoarse: &coarse, TargetFine: models.StatusWithdrawalInProgress,
	})
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	require.Len(t, testutil.Ledger(t, db, c.ID), 1)
}

func TestTransitionStaleVersionConflicts(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()
	c, r := testutil.SeedContract(t, db, testutil.ContractSeed{})

	_, err := e.Transition(ctx, Request{ContractID: c.ID, ProductRecordID: r.ID, ExpectedVersion: r.Version, TargetFine: models.StatusWithdrawalRequestError})
	require.NoError(t, err)

	// a second writer still holding version 1
	_, err = e.Transition(ctx, Request{ContractID: c.ID, ProductRecordID: r.ID, ExpectedVersion: r.Version, TargetFine: models.StatusWithdrawalRequestError})
	require.ErrorIs(t, err, models.ErrConflict)
	require.Len(t, testutil.Ledger(t, db, c.ID), 2)

	rec, err := e.TransitionLatest(ctx, Request{ContractID: c.ID, ProductRecordID: r.ID, ExpectedVersion: r.Version, TargetFine: models.StatusWithdrawalRequestError}, 3)
	require.NoError(t, err)
	require.Equal(t, 3, rec.Version)
}

func TestWithdrawalRequestErrorMayRepeat(t *testing.T) {
	e, db := newEngine(t)
	ctx := context.Background()
	c, r := testutil.SeedContract(t, db, testutil.ContractSeed{})
	for i := 0; i < 3; i++ {
		_, err := e.Transition(ctx, Request{ContractID: c.ID, ProductRecordID: r.ID, TargetFine: models.StatusWithdrawalRequestError, Reason: "provider 500"})
		require.NoError(t, err)
	}
	require.Len(t, testutil.Ledger(t, db, c.ID), 4)
}

func TestEffectsErrorRollsBack(t *testing.T) {
	e, db := newEngine(t)
	c, r := testutil.SeedContract(t, db, testutil.ContractSeed{})
	boom := errors.New("enqueue failed")

	_, err := e.Transition(context.Background(), Request{
		ContractID: c.ID, ProductRecordID: r.ID, TargetFine: models.StatusWithdrawalInProgress,
		Effects: func(tx *gorm.DB, rec *models.ProductRecord) error { return boom },
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, models.StatusRegistrationApproved, testutil.Record(t, db, c.ID).Status)
	require.Len(t, testutil.Ledger(t, db, c.ID), 1)
}

func TestActorAndCorrelationComeFromContext(t *testing.T) {
	e, db := newEngine(t)
	c, r := testutil.SeedContract(t, db, testutil.ContractSeed{})
	ctx := appctx.Set(context.Background(), appctx.ContextKeyActor, "ana.ops")
	ctx = appctx.Set(ctx, appctx.ContextKeyCorrelationId, "corr-1")

	_, err := e.Transition(ctx, Request{ContractID: c.ID, ProductRecordID: r.ID, TargetFine: models.StatusCardIssued})
	require.NoError(t, err)
	entries := testutil.Ledger(t, db, c.ID)
	last := entries[len(entries)-1]
	require.Equal(t, "ana.ops", last.Actor)
	require.Equal(t, "corr-1", last.CorrelationID)
}

func TestLedgerRowsAreImmutable(t *testing.T) {
	_, db := newEngine(t)
	c, _ := testutil.SeedContract(t, db, testutil.ContractSeed{})
	entry := testutil.Ledger(t, db, c.ID)[0]

	require.Error(t, db.Model(&entry).Update("reason", "rewritten").Error)
	require.Error(t, db.Table("status_ledger_entries").Where("id = ?", entry.ID).Update("reason", "x").Error)
	require.Error(t, db.Delete(&entry).Error)
	require.Len(t, testutil.Ledger(t, db, c.ID), 1)
}

func TestOriginateWritesFirstEntry(t *testing.T) {
	e, db := newEngine(t)
	c, r, err := e.Originate(context.Background(), NewContract{
		ProductType:      models.ProductFreeMargin,
		BorrowerName:     "Joao Lima",
		BorrowerTaxID:    "98765432100",
		FinancedAmount:   decimal.RequireFromString("2500.00"),
		InstallmentCount: 24,
		Actor:            "seller",
	})
	require.NoError(t, err)
	require.Equal(t, models.KindFreeMargin, r.Kind)
	require.Equal(t, models.CoarseDigitation, c.CoarseStatus)

	history, err := e.History(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, r.Status, history[0].Status)
	require.Equal(t, "seller", history[0].Actor)
	stored := testutil.Record(t, db, c.ID)
	require.Equal(t, r.ID, stored.ID)
	require.Equal(t, r.Status, stored.Status)

	_, _, err = e.Originate(context.Background(), NewContract{ProductType: models.ProductType(99), BorrowerName: "x", BorrowerTaxID: "98765432100"})
	require.Error(t, err)
}
