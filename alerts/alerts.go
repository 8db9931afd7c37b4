// Package alerts raises operator alerts for contracts that need manual work.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Reasons carried in alerts.
const (
	ReasonSettlementUnconfirmed = "SETTLEMENT_UNCONFIRMED"
	ReasonSettlementFailed      = "SETTLEMENT_FAILED"
	ReasonFollowUpFailed        = "FOLLOW_UP_FAILED"
	ReasonReservationFailed     = "RESERVATION_FAILED"
)

type Alert struct {
	Reason        string            `json:"reason"`
	ContractID    int               `json:"contract_id"`
	Detail        string            `json:"detail"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	TraceID       string            `json:"trace_id,omitempty"`
	RaisedAt      time.Time         `json:"raised_at"`
}

// Notifier delivers alerts. Delivery problems are the notifier's to log; the
// caller's work is never failed by an alert.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

func fill(ctx context.Context, a *Alert) {
	if a.CorrelationID == "" {
		a.CorrelationID = appctx.CorrelationID(ctx)
	}
	if sc := trace.SpanContextFromContext(ctx); a.TraceID == "" && sc.HasTraceID() {
		a.TraceID = sc.TraceID().String()
	}
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(ctx context.Context, a Alert) {
	fill(ctx, &a)
	n.Logger.WithFields(logrus.Fields{
		"field":          "alert",
		"reason":         a.Reason,
		"contract_id":    a.ContractID,
		"correlation_id": a.CorrelationID,
		"trace_id":       a.TraceID,
		"attributes":     a.Attributes,
	}).Error(a.Detail)
}

// PubSubNotifier publishes alerts on a topic and also logs them.
type PubSubNotifier struct {
	Topic  string
	Logger *logrus.Logger
}

func (n PubSubNotifier) Notify(ctx context.Context, a Alert) {
	fill(ctx, &a)
	LogNotifier{Logger: n.Logger}.Notify(ctx, a)
	attrs := map[string]string{"reason": a.Reason}
	if _, err := config.PublishJSON(context.WithoutCancel(ctx), n.Topic, a, attrs); err != nil {
		config.LogError(n.Logger, "alerts", "PubSubNotifier.Notify", "publish alert", a, err)
	}
}

// New picks the Pub/Sub notifier when a topic is configured.
func New(topic string, logger *logrus.Logger) Notifier {
	if topic == "" {
		return LogNotifier{Logger: logger}
	}
	return PubSubNotifier{Topic: topic, Logger: logger}
}

// Recorder keeps alerts in memory; for tests and dry runs.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Notify(ctx context.Context, a Alert) {
	fill(ctx, &a)
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
