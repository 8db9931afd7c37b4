package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func task(key string) models.ScheduledTask {
	return models.ScheduledTask{
		Kind:            models.TaskFinancialFollowUp,
		ContractID:      1,
		ProductRecordID: 1,
		DedupeKey:       key,
	}
}

func load(t *testing.T, db *gorm.DB, key string) models.ScheduledTask {
	t.Helper()
	var out models.ScheduledTask
	require.NoError(t, db.Where("dedupe_key = ?", key).First(&out).Error)
	return out
}

func TestEnqueueDedupes(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()

	ok, err := Enqueue(ctx, db, task("followup:1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Enqueue(ctx, db, task("followup:1"))
	require.NoError(t, err)
	require.False(t, ok)

	var n int64
	require.NoError(t, db.Model(&models.ScheduledTask{}).Count(&n).Error)
	require.EqualValues(t, 1, n)

	_, err = Enqueue(ctx, db, task(""))
	require.Error(t, err)
}

func TestEnqueueRollsBackWithTransaction(t *testing.T) {
	db := testutil.OpenDB(t)
	boom := errors.New("boom")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := Enqueue(context.Background(), tx, task("followup:2")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	var n int64
	require.NoError(t, db.Model(&models.ScheduledTask{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestProcessorOutcomes(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	p := NewProcessor(db, config.GetLogger())
	p.MaxAttempts = 2

	calls := map[string]int{}
	var mu sync.Mutex
	p.Handle(models.TaskFinancialFollowUp, func(ctx context.Context, tk models.ScheduledTask) error {
		mu.Lock()
		calls[tk.DedupeKey]++
		mu.Unlock()
		switch tk.DedupeKey {
		case "ok":
			return nil
		case "flaky":
			return errors.New("dock unavailable")
		case "fatal":
			return Permanent(errors.New("invoice rejected"))
		}
		panic("unexpected")
	})
	for _, k := range []string{"ok", "flaky", "fatal", "boom"} {
		_, err := Enqueue(ctx, db, task(k))
		require.NoError(t, err)
	}

	n, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	require.Equal(t, models.TaskStatusSucceeded, load(t, db, "ok").Status)
	require.NotNil(t, load(t, db, "ok").ProcessedAt)
	require.Equal(t, models.TaskStatusDead, load(t, db, "fatal").Status)

	flaky := load(t, db, "flaky")
	require.Equal(t, models.TaskStatusFailed, flaky.Status)
	require.Equal(t, 1, flaky.Attempts)
	require.True(t, flaky.RunAfter.After(time.Now().UTC()))

	boom := load(t, db, "boom")
	require.Equal(t, models.TaskStatusFailed, boom.Status)
	require.Contains(t, *boom.LastError, "handler panic")

	// not due yet
	n, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	p.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, models.TaskStatusDead, load(t, db, "flaky").Status)
	require.Equal(t, 2, calls["flaky"])
	require.Equal(t, 1, calls["ok"])
}

func TestProcessorLogsLostOutcome(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:refuse_dead", func(tx *gorm.DB) {
		if values, ok := tx.Statement.Dest.(map[string]interface{}); ok && values["status"] == models.TaskStatusDead {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	logger, hook := logtest.NewNullLogger()
	p := NewProcessor(db, logger)
	p.Handle(models.TaskFinancialFollowUp, func(context.Context, models.ScheduledTask) error {
		return Permanent(errors.New("invoice rejected"))
	})
	_, err := Enqueue(ctx, db, task("followup:9"))
	require.NoError(t, err)

	n, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.TaskStatusProcessing, load(t, db, "followup:9").Status)

	var lost *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Data["context"] == "mark task dead" {
			lost = e
		}
	}
	require.NotNil(t, lost)
	require.Equal(t, logrus.ErrorLevel, lost.Level)
	require.Equal(t, "disk full", lost.Message)
}

func TestProcessorWithoutHandlerMarksDead(t *testing.T) {
	db := testutil.OpenDB(t)
	p := NewProcessor(db, config.GetLogger())
	_, err := Enqueue(context.Background(), db, models.ScheduledTask{Kind: models.TaskSettlementPoll, ContractID: 1, ProductRecordID: 1, DedupeKey: "poll:1:0"})
	require.NoError(t, err)

	_, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusDead, load(t, db, "poll:1:0").Status)
}

func TestExecuteRunsOnce(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	p := NewProcessor(db, config.GetLogger())
	var runs int
	p.Handle(models.TaskFinancialFollowUp, func(context.Context, models.ScheduledTask) error {
		runs++
		return nil
	})
	_, err := Enqueue(ctx, db, task("followup:9"))
	require.NoError(t, err)
	id := load(t, db, "followup:9").ID

	require.NoError(t, p.Execute(ctx, id))
	require.NoError(t, p.Execute(ctx, id))
	require.NoError(t, p.Execute(ctx, 9999))
	require.Equal(t, 1, runs)
}

func TestReplay(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	p := NewProcessor(db, config.GetLogger())
	fail := true
	p.Handle(models.TaskFinancialFollowUp, func(context.Context, models.ScheduledTask) error {
		if fail {
			return Permanent(errors.New("no invoice"))
		}
		return nil
	})
	_, err := Enqueue(ctx, db, task("followup:3"))
	require.NoError(t, err)
	_, err = p.ProcessOnce(ctx)
	require.NoError(t, err)

	dead, err := Dead(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	_, err = Replay(ctx, db, dead[0].ID)
	require.NoError(t, err)
	_, err = Replay(ctx, db, dead[0].ID)
	require.ErrorIs(t, err, models.ErrConflict)
	_, err = Replay(ctx, db, 4242)
	require.ErrorIs(t, err, models.ErrRecordNotFound)

	fail = false
	_, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusSucceeded, load(t, db, "followup:3").Status)
}

type fakePublisher struct {
	sent []Message
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, msg Message, _ map[string]string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "msg-" + string(msg.Kind), nil
}

func TestDispatcherPublishesDueTasks(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	pub := &fakePublisher{}
	d := NewDispatcher(db, config.GetLogger(), pub, "credit-tasks")

	_, err := Enqueue(ctx, db, task("followup:1"))
	require.NoError(t, err)
	later := task("followup:2")
	later.RunAfter = time.Now().UTC().Add(time.Hour)
	_, err = Enqueue(ctx, db, later)
	require.NoError(t, err)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, pub.sent, 1)
	first := load(t, db, "followup:1")
	require.Equal(t, models.TaskStatusPublished, first.Status)
	require.Equal(t, first.ID, pub.sent[0].TaskID)
	require.NotNil(t, first.PubSubMessageID)
	require.Equal(t, "msg-"+string(models.TaskFinancialFollowUp), *first.PubSubMessageID)

	// published rows are not sent again until RepublishAfter passes
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// a published task is executable through the push path
	p := NewProcessor(db, config.GetLogger())
	p.Handle(models.TaskFinancialFollowUp, func(context.Context, models.ScheduledTask) error { return nil })
	require.NoError(t, p.Execute(ctx, first.ID))
	require.Equal(t, models.TaskStatusSucceeded, load(t, db, "followup:1").Status)
}

func TestDispatcherPublishFailureReschedules(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	d := NewDispatcher(db, config.GetLogger(), &fakePublisher{err: errors.New("topic missing")}, "credit-tasks")

	_, err := Enqueue(ctx, db, task("followup:5"))
	require.NoError(t, err)
	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got := load(t, db, "followup:5")
	require.Equal(t, models.TaskStatusFailed, got.Status)
	require.Equal(t, "topic missing", *got.LastError)
}
