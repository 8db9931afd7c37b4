package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/testutil"
	"github.com/mmdatafocus/credit_backend/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func run(t *testing.T, db *gorm.DB, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func() (*gorm.DB, error) { return db, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTransitionAndHistory(t *testing.T) {
	db := testutil.OpenDB(t)
	c, _ := testutil.SeedContract(t, db, testutil.ContractSeed{ProductType: models.ProductBenefitCard})
	id := itoa(c.ID)

	out, err := run(t, db, "next", id)
	require.NoError(t, err)
	require.Contains(t, out, "FINALIZADA_EMISSAO_CARTAO")
	require.Contains(t, out, "ANDAMENTO_LIBERACAO_SAQUE")
	require.Contains(t, out, `"label"`)

	_, err = run(t, db, "transition", id, "--status", "FINALIZADA_EMISSAO_CARTAO", "--expected-version", "7", "--reason", "paid manually")
	require.ErrorIs(t, err, models.ErrConflict)

	out, err = run(t, db, "transition", id, "--status", "FINALIZADA_EMISSAO_CARTAO", "--expected-version", "1", "--reason", "paid manually", "--actor", "ana")
	require.NoError(t, err)
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "FINALIZADA_EMISSAO_CARTAO", res["status"])
	require.Equal(t, "PAID", res["coarse_status"])
	require.EqualValues(t, 2, res["version"])

	out, err = run(t, db, "history", id)
	require.NoError(t, err)
	var entries []models.StatusLedgerEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	require.Equal(t, "ana", entries[1].Actor)
	require.Equal(t, "paid manually", entries[1].Reason)

	_, err = run(t, db, "history", "999")
	require.ErrorIs(t, err, models.ErrRecordNotFound)

	_, err = run(t, db, "transition", id, "--status", "NOPE", "--reason", "x")
	require.Error(t, err)
	_, err = run(t, db, "history", "abc")
	require.Error(t, err)
}

func TestReplayTask(t *testing.T) {
	db := testutil.OpenDB(t)
	dead := models.ScheduledTask{
		Kind:       models.TaskFinancialFollowUp,
		ContractID: 1,
		Status:     models.TaskStatusDead,
		DedupeKey:  "followup:1",
		RunAfter:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(&dead).Error)

	out, err := run(t, db, "dead-tasks")
	require.NoError(t, err)
	require.Contains(t, out, "followup:1")

	_, err = run(t, db, "replay-task", itoa(dead.ID))
	require.NoError(t, err)
	var got models.ScheduledTask
	require.NoError(t, db.First(&got, dead.ID).Error)
	require.Equal(t, models.TaskStatusPending, got.Status)

	_, err = run(t, db, "replay-task", itoa(dead.ID))
	require.True(t, errors.Is(err, models.ErrConflict))
}

func TestHashKey(t *testing.T) {
	out, err := run(t, nil, "hash-key", "partner-key")
	require.NoError(t, err)
	hash := string(bytes.TrimSpace([]byte(out)))
	require.NoError(t, utils.CompareSecret(hash, "partner-key"))
}

func TestIssueTokenNeedsSecret(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "banksoft")
	t.Setenv("BANKSOFT_URL", "https://banksoft.example")
	t.Setenv("BANKSOFT_USER", "u")
	t.Setenv("BANKSOFT_PASSWORD", "p")
	t.Setenv("DOCK_URL", "https://dock.example")
	t.Setenv("DOCK_API_KEY", "k")
	t.Setenv("AGREEMENTS_FILE", "")
	t.Setenv("JWT_SECRET", "")

	_, err := run(t, nil, "issue-token", "--username", "ana")
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "s3cret")
	out, err := run(t, nil, "issue-token", "--username", "ana")
	require.NoError(t, err)
	claim, err := utils.JwtValidate([]byte("s3cret"), string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	require.Equal(t, "ana", claim.Username)

	out, err = run(t, nil, "check-config")
	require.NoError(t, err)
	require.Contains(t, out, `"payment_provider": "banksoft"`)
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
