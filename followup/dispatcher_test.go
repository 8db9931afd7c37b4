package followup

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/credit_backend/alerts"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/dock"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/mmdatafocus/credit_backend/testutil"
	"github.com/stretchr/testify/require"
)

type fakeAccounting struct {
	invoices    []dock.Posting
	adjustments []dock.Posting
	err         error
}

func (f *fakeAccounting) PostInstallmentPlanInvoice(_ context.Context, p dock.Posting) error {
	if f.err != nil {
		return f.err
	}
	f.invoices = append(f.invoices, p)
	return nil
}

func (f *fakeAccounting) PostSingleAdjustment(_ context.Context, p dock.Posting) error {
	if f.err != nil {
		return f.err
	}
	f.adjustments = append(f.adjustments, p)
	return nil
}

func TestDispatchRoutesOnInstallmentPlan(t *testing.T) {
	db := testutil.OpenDB(t)
	acc := &fakeAccounting{}
	d := NewDispatcher(db, acc, &alerts.Recorder{}, config.GetLogger())

	single, singleRec := testutil.SeedContract(t, db, testutil.ContractSeed{HasWithdrawal: true, Status: models.StatusWithdrawalCompleted})
	plan, planRec := testutil.SeedContract(t, db, testutil.ContractSeed{IsInstallmentPlan: true, Status: models.StatusWithdrawalCompleted})

	require.NoError(t, d.Dispatch(context.Background(), single.ID, singleRec.ID))
	require.NoError(t, d.Dispatch(context.Background(), plan.ID, planRec.ID))

	require.Len(t, acc.adjustments, 1)
	require.Equal(t, single.ID, acc.adjustments[0].ContractID)
	require.Equal(t, "150", acc.adjustments[0].Amount.String())
	require.Len(t, acc.invoices, 1)
	require.Equal(t, plan.ID, acc.invoices[0].ContractID)
	require.Equal(t, 12, acc.invoices[0].InstallmentCount)
}

func TestHandleTaskFailureIsPermanentAndAlerts(t *testing.T) {
	db := testutil.OpenDB(t)
	rec := &alerts.Recorder{}
	d := NewDispatcher(db, &fakeAccounting{err: errors.New("ledger closed")}, rec, config.GetLogger())
	c, r := testutil.SeedContract(t, db, testutil.ContractSeed{HasWithdrawal: true})

	err := d.HandleTask(context.Background(), models.ScheduledTask{ContractID: c.ID, ProductRecordID: r.ID, DedupeKey: models.FollowUpKey(r.ID)})
	require.ErrorIs(t, err, tasks.ErrPermanent)
	require.Len(t, rec.Alerts(), 1)
	require.Equal(t, alerts.ReasonFollowUpFailed, rec.Alerts()[0].Reason)
}

func TestDispatchUnknownContract(t *testing.T) {
	db := testutil.OpenDB(t)
	d := NewDispatcher(db, &fakeAccounting{}, &alerts.Recorder{}, config.GetLogger())
	require.ErrorIs(t, d.Dispatch(context.Background(), 404, 1), models.ErrRecordNotFound)
}
