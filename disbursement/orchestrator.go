// Package disbursement drives the withdrawal of an approved contract through
// the configured settlement partner.
package disbursement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/ledger"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/providers"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("credit_backend/disbursement")

// BalanceInquiry answers the available withdrawal limit of a card account.
type BalanceInquiry interface {
	AvailableWithdrawalLimit(ctx context.Context, accountID string) (decimal.Decimal, error)
}

type Options struct {
	ClaimLease       time.Duration
	SendCommission   bool
	ReconcileBackoff time.Duration
	// TransitionAttempts bounds the conflict retries after a provider answered.
	TransitionAttempts int
}

// OptionsFrom takes the orchestrator knobs out of the deployment settings.
func OptionsFrom(s config.Settings) Options {
	return Options{
		ClaimLease:         s.ClaimLease,
		SendCommission:     s.SendCommission,
		ReconcileBackoff:   s.ReconcileBackoff,
		TransitionAttempts: s.TransitionAttempts,
	}
}

type Orchestrator struct {
	engine  *ledger.Engine
	db      *gorm.DB
	adapter providers.Adapter
	balance BalanceInquiry
	locker  *redislock.Client
	opts    Options
	logger  *logrus.Logger
	now     func() time.Time
}

// NewOrchestrator wires the orchestrator. balance and locker may be nil: the
// limit must then come with the input, and only the database claim
// serializes disbursements.
func NewOrchestrator(engine *ledger.Engine, adapter providers.Adapter, balance BalanceInquiry, locker *redislock.Client, opts Options, logger *logrus.Logger) *Orchestrator {
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 5 * time.Minute
	}
	if opts.ReconcileBackoff <= 0 {
		opts.ReconcileBackoff = 30 * time.Minute
	}
	if opts.TransitionAttempts <= 0 {
		opts.TransitionAttempts = 3
	}
	return &Orchestrator{
		engine:  engine,
		db:      engine.DB(),
		adapter: adapter,
		balance: balance,
		locker:  locker,
		opts:    opts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type Input struct {
	ContractID int
	Actor      string
	// AvailableLimit skips the balance inquiry when set.
	AvailableLimit *decimal.Decimal
}

type Result struct {
	ContractID   int                 `json:"contract_id"`
	Status       models.Status       `json:"status"`
	CoarseStatus models.CoarseStatus `json:"coarse_status"`
	// Skipped is set when nothing was sent because the contract is already
	// disbursed or another disbursement holds the claim.
	Skipped     bool               `json:"skipped"`
	ProposalRef string             `json:"proposal_ref,omitempty"`
	Outcome     *providers.Outcome `json:"-"`
	// Rejection explains a terminal non-success: ErrInsufficientLimit or the
	// provider outcome mapped onto the error taxonomy.
	Rejection error `json:"-"`
}

func result(rec models.ProductRecord) Result {
	return Result{
		ContractID:   rec.ContractID,
		Status:       rec.Status,
		CoarseStatus: models.CoarseFor(rec.Status),
		ProposalRef:  rec.ProposalRef,
	}
}

// Disburse requests the withdrawal at most once per contract.
func (o *Orchestrator) Disburse(ctx context.Context, in Input) (Result, error) {
	ctx, span := tracer.Start(ctx, "disbursement.Disburse")
	defer span.End()
	span.SetAttributes(attribute.Int("contract_id", in.ContractID))
	if in.Actor == "" {
		in.Actor = appctx.Actor(ctx)
	}

	c, rec, err := models.LoadContractRecord(o.db.WithContext(ctx), in.ContractID)
	if err != nil {
		return Result{}, err
	}
	if models.DisbursementSettled(rec.Status) {
		res := result(rec)
		res.Skipped = true
		return res, nil
	}
	target := models.StatusWithdrawalInProgress
	if !rec.WantsWithdrawal() {
		target = models.StatusCardIssued
	}
	if !models.CanTransition(rec.Kind, rec.Status, target) {
		return Result{}, &models.TransitionError{Kind: rec.Kind, From: rec.Status, To: target, Reason: "contract is not ready for disbursement"}
	}

	if lock := o.lock(ctx, c.ID); lock != nil {
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}

	token, ok, err := o.claim(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		_, fresh, err := models.LoadContractRecord(o.db.WithContext(ctx), c.ID)
		if err != nil {
			return Result{}, err
		}
		res := result(fresh)
		res.Skipped = true
		return res, nil
	}

	fields := logrus.Fields{
		"field":       "disbursement.Disburse",
		"contract_id": c.ID,
		"provider":    o.adapter.Kind(),
		"actor":       in.Actor,
	}

	if rec.WantsWithdrawal() {
		limit, err := o.availableLimit(ctx, c, in.AvailableLimit)
		if err != nil {
			o.release(ctx, rec.ID, token)
			return Result{}, err
		}
		requested := rec.RequestedAmount()
		if requested.GreaterThan(limit) {
			detail := fmt.Sprintf("requested %s exceeds available limit %s", requested.StringFixed(2), limit.StringFixed(2))
			updated, err := o.engine.TransitionLatest(ctx, ledger.Request{
				ContractID:      c.ID,
				ProductRecordID: rec.ID,
				TargetFine:      models.StatusInsufficientLimit,
				Actor:           in.Actor,
				Reason:          detail,
				Effects: func(tx *gorm.DB, r *models.ProductRecord) error {
					if err := clearClaim(tx, r.ID, token); err != nil {
						return err
					}
					return models.UpsertValidation(tx, c.ID, models.RuleWithdrawalLimit, false, detail)
				},
			}, o.opts.TransitionAttempts)
			if err != nil {
				o.release(ctx, rec.ID, token)
				return Result{}, err
			}
			o.logger.WithFields(fields).Info(detail)
			res := result(*updated)
			res.Rejection = fmt.Errorf("%w: %s", models.ErrInsufficientLimit, detail)
			return res, nil
		}
	}

	subject := providers.Subject{Contract: c, Record: rec}
	out := o.adapter.RequestWithdrawal(ctx, subject)
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))

	if !out.OK() {
		reason := fmt.Sprintf("%s: %s %s", out.Kind, out.ProviderCode, out.Detail)
		updated, err := o.engine.TransitionLatest(ctx, ledger.Request{
			ContractID:      c.ID,
			ProductRecordID: rec.ID,
			TargetFine:      models.StatusWithdrawalRequestError,
			Actor:           in.Actor,
			Reason:          reason,
			Effects: func(tx *gorm.DB, r *models.ProductRecord) error {
				if err := clearClaim(tx, r.ID, token); err != nil {
					return err
				}
				return tx.Model(&models.ProductRecord{}).Where("id = ?", r.ID).
					Update("provider_message", out.Detail).Error
			},
		}, o.opts.TransitionAttempts)
		if err != nil {
			o.release(ctx, rec.ID, token)
			return Result{}, err
		}
		o.logger.WithFields(fields).Warn("withdrawal request failed: " + reason)
		res := result(*updated)
		res.Outcome = &out
		res.Rejection = out.Err()
		return res, nil
	}

	proposalRef := out.ProposalRef
	if proposalRef == "" {
		proposalRef = rec.ProposalRef
	}
	mode := o.adapter.Settlement()
	requestedAt := o.now()
	updated, err := o.engine.TransitionLatest(ctx, ledger.Request{
		ContractID:      c.ID,
		ProductRecordID: rec.ID,
		TargetFine:      target,
		Actor:           in.Actor,
		Reason:          fmt.Sprintf("%s accepted the request (%s)", o.adapter.Kind(), out.ProviderCode),
		Effects: func(tx *gorm.DB, r *models.ProductRecord) error {
			if err := tx.Model(&models.ProductRecord{}).Where("id = ?", r.ID).Updates(map[string]interface{}{
				"proposal_ref":             proposalRef,
				"requested_at":             requestedAt,
				"provider_message":         out.Detail,
				"disbursement_claimed_at":  nil,
				"disbursement_claim_token": nil,
			}).Error; err != nil {
				return err
			}
			r.ProposalRef = proposalRef
			r.RequestedAt = &requestedAt
			if !r.WantsWithdrawal() {
				return nil
			}
			if err := models.UpsertValidation(tx, c.ID, models.RuleWithdrawalLimit, true, ""); err != nil {
				return err
			}
			switch mode {
			case providers.SettlementSync:
				_, err := tasks.EnqueueFollowUp(ctx, tx, *r)
				return err
			case providers.SettlementPoll:
				_, err := tasks.EnqueueSettlementPoll(ctx, tx, *r, r.Version, 0, requestedAt.Add(o.opts.ReconcileBackoff))
				return err
			}
			return nil
		},
	}, o.opts.TransitionAttempts)
	if err != nil {
		// the partner already accepted; keep the claim so the lease blocks a
		// second request until an operator looks at it
		config.LogError(o.logger, "disbursement", "Disburse", "record accepted withdrawal", c.ID, err)
		return Result{}, err
	}
	o.logger.WithFields(fields).WithField("proposal_ref", proposalRef).Info("withdrawal requested")

	o.commission(ctx, c, *updated)

	res := result(*updated)
	res.Outcome = &out
	return res, nil
}

// claim takes the disbursement claim with a CAS: free, or held past the lease.
func (o *Orchestrator) claim(ctx context.Context, rec models.ProductRecord) (string, bool, error) {
	now := o.now()
	token := uuid.NewString()
	res := o.db.WithContext(ctx).Model(&models.ProductRecord{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Where("disbursement_claimed_at IS NULL OR disbursement_claimed_at < ?", now.Add(-o.opts.ClaimLease)).
		Updates(map[string]interface{}{
			"disbursement_claimed_at":  now,
			"disbursement_claim_token": token,
		})
	if res.Error != nil {
		return "", false, res.Error
	}
	return token, res.RowsAffected == 1, nil
}

func (o *Orchestrator) release(ctx context.Context, recordID int, token string) {
	if err := clearClaim(o.db.WithContext(context.WithoutCancel(ctx)), recordID, token); err != nil {
		config.LogError(o.logger, "disbursement", "release", "release claim", recordID, err)
	}
}

func clearClaim(tx *gorm.DB, recordID int, token string) error {
	return tx.Model(&models.ProductRecord{}).
		Where("id = ? AND disbursement_claim_token = ?", recordID, token).
		Updates(map[string]interface{}{
			"disbursement_claimed_at":  nil,
			"disbursement_claim_token": nil,
		}).Error
}

// lock is a best-effort Redis lock; the database claim is what guarantees a
// single provider call.
func (o *Orchestrator) lock(ctx context.Context, contractID int) *redislock.Lock {
	if o.locker == nil {
		return nil
	}
	lock, err := o.locker.Obtain(ctx, fmt.Sprintf("lock:contract:%d", contractID), o.opts.ClaimLease, nil)
	if err != nil {
		if !errors.Is(err, redislock.ErrNotObtained) {
			o.logger.WithFields(logrus.Fields{"field": "disbursement.lock", "contract_id": contractID}).
				Warn("redis lock unavailable; relying on database claim: " + err.Error())
		}
		return nil
	}
	return lock
}

func (o *Orchestrator) availableLimit(ctx context.Context, c models.Contract, given *decimal.Decimal) (decimal.Decimal, error) {
	if given != nil {
		return *given, nil
	}
	if o.balance == nil {
		return decimal.Zero, fmt.Errorf("%w: no balance inquiry configured and no limit given", models.ErrConfiguration)
	}
	return o.balance.AvailableWithdrawalLimit(ctx, c.CardAccountID)
}

// commission is an independent outcome: failures are logged and never undo
// the disbursement.
func (o *Orchestrator) commission(ctx context.Context, c models.Contract, rec models.ProductRecord) {
	if !o.opts.SendCommission {
		return
	}
	var param models.ProductParameter
	err := o.db.WithContext(ctx).Where("product_type = ?", c.ProductType).First(&param).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			config.LogError(o.logger, "disbursement", "commission", "load product parameter", c.ProductType, err)
		}
		return
	}
	if !param.SendCommission {
		return
	}
	out := o.adapter.Commission(ctx, providers.Subject{Contract: c, Record: rec})
	fields := logrus.Fields{
		"field":         "disbursement.commission",
		"contract_id":   c.ID,
		"provider":      o.adapter.Kind(),
		"provider_code": out.ProviderCode,
	}
	if !out.OK() {
		o.logger.WithFields(fields).Error("commission failed: " + out.Detail)
		return
	}
	o.logger.WithFields(fields).Info("commission sent")
}
