package alerts

import (
	"bytes"
	"context"
	"testing"

	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewPicksNotifierByTopic(t *testing.T) {
	require.IsType(t, LogNotifier{}, New("", logrus.New()))
	require.IsType(t, PubSubNotifier{}, New("credit-alerts", logrus.New()))
}

func TestLogNotifierWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(&buf)

	ctx := appctx.Set(context.Background(), appctx.ContextKeyCorrelationId, "c-77")
	LogNotifier{Logger: logger}.Notify(ctx, Alert{Reason: ReasonSettlementUnconfirmed, ContractID: 12, Detail: "no confirmation after 5 polls"})

	out := buf.String()
	require.Contains(t, out, `"reason":"SETTLEMENT_UNCONFIRMED"`)
	require.Contains(t, out, `"contract_id":12`)
	require.Contains(t, out, `"correlation_id":"c-77"`)
	require.Contains(t, out, "no confirmation after 5 polls")
}

func TestRecorderFillsDefaults(t *testing.T) {
	r := &Recorder{}
	r.Notify(context.Background(), Alert{Reason: ReasonFollowUpFailed, ContractID: 1})
	got := r.Alerts()
	require.Len(t, got, 1)
	require.False(t, got[0].RaisedAt.IsZero())
}

func TestRecorderCarriesTraceID(t *testing.T) {
	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid}))

	r := &Recorder{}
	r.Notify(ctx, Alert{Reason: ReasonSettlementFailed, ContractID: 3})
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", r.Alerts()[0].TraceID)
}
