package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("credit_backend/providers")

// guarded bounds every call of the wrapped adapter by a deadline. A call that
// is still running when the deadline passes, or that panics, is reported as a
// transport outcome.
type guarded struct {
	inner   Adapter
	timeout time.Duration
	logger  *logrus.Logger
}

// Guard wraps a with a per-call deadline of timeout.
func Guard(a Adapter, timeout time.Duration, logger *logrus.Logger) Adapter {
	if g, ok := a.(*guarded); ok {
		a = g.inner
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &guarded{inner: a, timeout: timeout, logger: logger}
}

func (g *guarded) Unwrap() Adapter            { return g.inner }
func (g *guarded) Kind() Kind                 { return g.inner.Kind() }
func (g *guarded) Settlement() SettlementMode { return g.inner.Settlement() }

func (g *guarded) Reserve(ctx context.Context, s Subject) Outcome {
	return g.call(ctx, "reserve", s.Contract.ID, func(ctx context.Context) Outcome { return g.inner.Reserve(ctx, s) })
}

func (g *guarded) Cancel(ctx context.Context, s Subject) Outcome {
	return g.call(ctx, "cancel", s.Contract.ID, func(ctx context.Context) Outcome { return g.inner.Cancel(ctx, s) })
}

func (g *guarded) RequestWithdrawal(ctx context.Context, s Subject) Outcome {
	return g.call(ctx, "request_withdrawal", s.Contract.ID, func(ctx context.Context) Outcome { return g.inner.RequestWithdrawal(ctx, s) })
}

func (g *guarded) UpdateBankDetails(ctx context.Context, d BankDetails) Outcome {
	return g.call(ctx, "update_bank_details", d.ContractID, func(ctx context.Context) Outcome { return g.inner.UpdateBankDetails(ctx, d) })
}

func (g *guarded) Commission(ctx context.Context, s Subject) Outcome {
	return g.call(ctx, "commission", s.Contract.ID, func(ctx context.Context) Outcome { return g.inner.Commission(ctx, s) })
}

func (g *guarded) PollSettlement(ctx context.Context, s Subject) Settlement {
	p, ok := g.inner.(SettlementPoller)
	if !ok {
		return Settlement{State: SettlementAwaiting, Outcome: Unsupported(g.inner.Kind(), "settlement polling")}
	}
	return run(g, ctx, "poll_settlement", s.Contract.ID,
		func(ctx context.Context) Settlement { return p.PollSettlement(ctx, s) },
		func(st Settlement) Outcome { return st.Outcome },
		func(o Outcome) Settlement { return Settlement{State: SettlementAwaiting, Outcome: o} },
	)
}

func (g *guarded) call(ctx context.Context, op string, contractID int, fn func(context.Context) Outcome) Outcome {
	identity := func(o Outcome) Outcome { return o }
	return run(g, ctx, op, contractID, fn, identity, identity)
}

// run executes fn under the deadline. outcomeOf extracts the outcome for
// tracing; failed builds the result when fn times out or panics.
func run[T any](g *guarded, ctx context.Context, op string, contractID int, fn func(context.Context) T, outcomeOf func(T) Outcome, failed func(Outcome) T) T {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "provider."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", string(g.inner.Kind())),
		attribute.Int("contract_id", contractID),
	)

	done := make(chan T, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- failed(Transport(fmt.Sprintf("panic: %v", r)))
			}
		}()
		done <- fn(ctx)
	}()

	var res T
	select {
	case res = <-done:
	case <-ctx.Done():
		res = failed(Transport(fmt.Sprintf("%s: %v", op, ctx.Err())))
	}

	out := outcomeOf(res)
	span.SetAttributes(
		attribute.String("outcome", out.Kind.String()),
		attribute.String("provider_code", out.ProviderCode),
	)
	if !out.OK() {
		span.SetStatus(codes.Error, out.Detail)
		g.logger.WithFields(logrus.Fields{
			"provider":      g.inner.Kind(),
			"operation":     op,
			"contract_id":   contractID,
			"outcome":       out.Kind.String(),
			"provider_code": out.ProviderCode,
		}).Warn(out.Detail)
	}
	return res
}
