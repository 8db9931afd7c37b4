// Package providers talks to the external settlement and payroll-registry
// partners. Every call returns an Outcome value; business rejections are never
// Go errors.
package providers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mmdatafocus/credit_backend/models"
)

// Kind is the closed set of supported partners.
type Kind string

const (
	KindBanksoft Kind = "banksoft"
	KindBRB      Kind = "brb"
	KindWhitePay Kind = "whitepay"
	KindQuantum  Kind = "quantum"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBanksoft, KindBRB, KindWhitePay, KindQuantum:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: unknown provider %q", models.ErrConfiguration, s)
}

// SettlementMode says how a successful withdrawal request gets confirmed.
type SettlementMode int

const (
	// SettlementSync: the request response is the settlement.
	SettlementSync SettlementMode = iota
	// SettlementPoll: confirmation is fetched through SettlementPoller.
	SettlementPoll
	// SettlementWebhook: the partner pushes the confirmation.
	SettlementWebhook
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRejected
	OutcomeTransport
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransport:
		return "transport"
	}
	return "unknown"
}

// Outcome is the normalized result of a provider call.
type Outcome struct {
	Kind         OutcomeKind
	ProviderCode string
	Detail       string
	ProposalRef  string
}

func (o Outcome) OK() bool        { return o.Kind == OutcomeSuccess }
func (o Outcome) Retryable() bool { return o.Kind == OutcomeTransport }

// Err maps the outcome onto the error taxonomy; nil on success.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeTransport:
		return fmt.Errorf("%w: %s %s", models.ErrProviderTransport, o.ProviderCode, o.Detail)
	}
	return fmt.Errorf("%w: %s %s", models.ErrProviderRejection, o.ProviderCode, o.Detail)
}

func Success(code, ref string) Outcome {
	return Outcome{Kind: OutcomeSuccess, ProviderCode: code, ProposalRef: ref}
}

func Rejected(code, detail string) Outcome {
	return Outcome{Kind: OutcomeRejected, ProviderCode: code, Detail: detail}
}

func Transport(detail string) Outcome {
	return Outcome{Kind: OutcomeTransport, ProviderCode: "TRANSPORT", Detail: detail}
}

// Unsupported is the rejection returned for capabilities a partner does not offer.
func Unsupported(k Kind, op string) Outcome {
	return Rejected("UNSUPPORTED", fmt.Sprintf("%s does not support %s", k, op))
}

// HTTPOutcome maps a status code: 200/201/202 succeed, 5xx/408/429 are
// transport problems, everything else is a business rejection.
func HTTPOutcome(code int, detail string) Outcome {
	switch {
	case code == 200 || code == 201 || code == 202:
		return Outcome{Kind: OutcomeSuccess, ProviderCode: strconv.Itoa(code)}
	case code >= 500 || code == 408 || code == 429:
		return Outcome{Kind: OutcomeTransport, ProviderCode: strconv.Itoa(code), Detail: detail}
	}
	return Outcome{Kind: OutcomeRejected, ProviderCode: strconv.Itoa(code), Detail: detail}
}

// Subject is the contract a call is about.
type Subject struct {
	Contract models.Contract
	Record   models.ProductRecord
}

type BankDetails struct {
	ContractID  int
	ProposalRef string
	Account     models.BankAccount
}

// Adapter is the capability set every partner exposes. Partners that lack a
// capability answer with Unsupported.
type Adapter interface {
	Kind() Kind
	Settlement() SettlementMode
	Reserve(ctx context.Context, s Subject) Outcome
	Cancel(ctx context.Context, s Subject) Outcome
	RequestWithdrawal(ctx context.Context, s Subject) Outcome
	UpdateBankDetails(ctx context.Context, d BankDetails) Outcome
	Commission(ctx context.Context, s Subject) Outcome
}

type SettlementState int

const (
	SettlementAwaiting SettlementState = iota
	SettlementConfirmed
	SettlementFailed
)

func (s SettlementState) String() string {
	switch s {
	case SettlementAwaiting:
		return "awaiting"
	case SettlementConfirmed:
		return "confirmed"
	case SettlementFailed:
		return "failed"
	}
	return "unknown"
}

// Settlement is the answer of a settlement poll. A transport failure comes
// back as SettlementAwaiting with a transport Outcome.
type Settlement struct {
	State   SettlementState
	Outcome Outcome
}

type SettlementPoller interface {
	PollSettlement(ctx context.Context, s Subject) Settlement
}

// Poller returns the settlement poller behind a (possibly guarded) adapter.
func Poller(a Adapter) (SettlementPoller, bool) {
	if g, ok := a.(*guarded); ok {
		if _, ok := g.inner.(SettlementPoller); !ok {
			return nil, false
		}
		return g, true
	}
	p, ok := a.(SettlementPoller)
	return p, ok
}
