package disbursement

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/credit_backend/alerts"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/ledger"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/providers"
	"github.com/sirupsen/logrus"
)

// Registries resolves the averbadora of a payroll agreement; *providers.Set
// implements it.
type Registries interface {
	Registry(agreement string) (providers.Adapter, error)
}

// Reserver reserves and releases payroll margin with the registry of the
// contract's agreement.
type Reserver struct {
	engine     *ledger.Engine
	registries Registries
	notifier   alerts.Notifier
	logger     *logrus.Logger
}

func NewReserver(engine *ledger.Engine, registries Registries, notifier alerts.Notifier, logger *logrus.Logger) *Reserver {
	return &Reserver{engine: engine, registries: registries, notifier: notifier, logger: logger}
}

// ReserveMargin runs from EM_AVERBACAO. Approval and refusal are recorded;
// a transport failure leaves the status untouched and is returned.
func (r *Reserver) ReserveMargin(ctx context.Context, contractID int, actor string) (Result, error) {
	ctx, span := tracer.Start(ctx, "disbursement.ReserveMargin")
	defer span.End()
	return r.run(ctx, contractID, actor, models.StatusInRegistration, models.StatusRegistrationApproved, models.StatusRegistrationRefused,
		func(a providers.Adapter, s providers.Subject) providers.Outcome { return a.Reserve(ctx, s) })
}

// CancelReservation releases an approved reservation and finishes the
// contract as rejected.
func (r *Reserver) CancelReservation(ctx context.Context, contractID int, actor string) (Result, error) {
	ctx, span := tracer.Start(ctx, "disbursement.CancelReservation")
	defer span.End()
	return r.run(ctx, contractID, actor, models.StatusRegistrationApproved, models.StatusRejectedFinished, 0,
		func(a providers.Adapter, s providers.Subject) providers.Outcome { return a.Cancel(ctx, s) })
}

// run calls the registry from the from status. On success the record moves to
// ok; on a business rejection to refused, or nowhere when refused is zero.
func (r *Reserver) run(ctx context.Context, contractID int, actor string, from, ok, refused models.Status, call func(providers.Adapter, providers.Subject) providers.Outcome) (Result, error) {
	if actor == "" {
		actor = appctx.Actor(ctx)
	}
	c, rec, err := models.LoadContractRecord(r.engine.DB().WithContext(ctx), contractID)
	if err != nil {
		return Result{}, err
	}
	if rec.Status != from || !models.CanTransition(rec.Kind, rec.Status, ok) {
		return Result{}, &models.TransitionError{Kind: rec.Kind, From: rec.Status, To: ok, Reason: fmt.Sprintf("registry call needs %s", from)}
	}
	registry, err := r.registries.Registry(c.AgreementCode)
	if err != nil {
		return Result{}, err
	}

	out := call(registry, providers.Subject{Contract: c, Record: rec})
	fields := logrus.Fields{
		"field":         "disbursement.Reserver",
		"contract_id":   c.ID,
		"provider":      registry.Kind(),
		"agreement":     c.AgreementCode,
		"provider_code": out.ProviderCode,
	}

	var target models.Status
	switch {
	case out.OK():
		target = ok
	case out.Retryable():
		r.logger.WithFields(fields).Warn("registry unavailable: " + out.Detail)
		return result(rec), out.Err()
	case refused == 0:
		r.notifier.Notify(ctx, alerts.Alert{
			Reason:     alerts.ReasonReservationFailed,
			ContractID: c.ID,
			Detail:     fmt.Sprintf("%s refused: %s %s", registry.Kind(), out.ProviderCode, out.Detail),
		})
		res := result(rec)
		res.Outcome = &out
		res.Rejection = out.Err()
		return res, nil
	default:
		target = refused
	}

	updated, err := r.engine.Transition(ctx, ledger.Request{
		ContractID:      c.ID,
		ProductRecordID: rec.ID,
		ExpectedVersion: rec.Version,
		TargetFine:      target,
		Actor:           actor,
		Reason:          fmt.Sprintf("%s %s: %s %s", registry.Kind(), out.Kind, out.ProviderCode, out.Detail),
	})
	if err != nil {
		return Result{}, err
	}
	r.logger.WithFields(fields).Info("registry answered: " + target.String())
	res := result(*updated)
	res.Outcome = &out
	res.Rejection = out.Err()
	return res, nil
}
