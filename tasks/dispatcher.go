package tasks

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Message is the Pub/Sub payload of a task delivery.
type Message struct {
	TaskID        int             `json:"task_id"`
	Kind          models.TaskKind `json:"kind"`
	ContractID    int             `json:"contract_id"`
	CorrelationID string          `json:"correlation_id"`
}

// Publisher sends one message and returns the server-assigned id.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message, attrs map[string]string) (string, error)
}

// PubSubPublisher publishes through the shared Pub/Sub client.
type PubSubPublisher struct{}

func (PubSubPublisher) Publish(ctx context.Context, topic string, msg Message, attrs map[string]string) (string, error) {
	return config.PublishJSON(ctx, topic, msg, attrs)
}

// Dispatcher publishes due tasks after commit. Execution happens when the push
// subscription calls back into Processor.Execute.
type Dispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publisher    Publisher
	Topic        string
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	RepublishAfter time.Duration
	RetryBackoff   time.Duration

	now func() time.Time
}

func NewDispatcher(db *gorm.DB, logger *logrus.Logger, pub Publisher, topic string) *Dispatcher {
	return &Dispatcher{
		DB:             db,
		Logger:         logger,
		Publisher:      pub,
		Topic:          topic,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		RepublishAfter: 10 * time.Minute,
		RetryBackoff:   5 * time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.Logger.WithFields(logrus.Fields{"field": "tasks.Dispatcher"}).Error("dispatch failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce publishes one batch. Rows published long ago without being
// executed are published again; the push handler tolerates duplicates.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.now()
	var claimed []models.ScheduledTask
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := skipLocked(tx.
			Where(`(status IN ? AND run_after <= ?) OR (status IN ? AND locked_at <= ?)`,
				[]string{models.TaskStatusPending, models.TaskStatusFailed}, now,
				[]string{models.TaskStatusPublished, models.TaskStatusProcessing}, now.Add(-d.RepublishAfter)).
			Order("run_after ASC, id ASC").
			Limit(d.BatchSize))
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for _, t := range claimed {
			if err := tx.Model(&models.ScheduledTask{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
				"locked_at": now,
				"locked_by": d.DispatcherID,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	published := 0
	for _, t := range claimed {
		msg := Message{TaskID: t.ID, Kind: t.Kind, ContractID: t.ContractID, CorrelationID: t.CorrelationID}
		id, err := d.Publisher.Publish(ctx, d.Topic, msg, map[string]string{
			"kind":    string(t.Kind),
			"task_id": strconv.Itoa(t.ID),
		})
		if err != nil {
			errMsg := err.Error()
			if err := d.DB.WithContext(ctx).Model(&models.ScheduledTask{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
				"status":     models.TaskStatusFailed,
				"run_after":  d.now().Add(d.RetryBackoff),
				"locked_at":  nil,
				"locked_by":  nil,
				"last_error": &errMsg,
			}).Error; err != nil {
				config.LogError(d.Logger, "tasks/dispatcher.go", "DispatchOnce", "mark task failed", t.ID, err)
			}
			d.Logger.WithFields(logrus.Fields{
				"field":   "tasks.Dispatcher",
				"task_id": t.ID,
				"kind":    t.Kind,
			}).Warn("publish failed: " + errMsg)
			continue
		}
		if err := d.DB.WithContext(ctx).Model(&models.ScheduledTask{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
			"status":            models.TaskStatusPublished,
			"pubsub_message_id": id,
			"locked_at":         d.now(),
		}).Error; err != nil {
			// the message is out; the lock expiry republishes it and the push path dedupes
			config.LogError(d.Logger, "tasks/dispatcher.go", "DispatchOnce", "mark task published", t.ID, err)
			continue
		}
		published++
	}
	return published, nil
}
