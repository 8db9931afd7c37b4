package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BRB settles asynchronously: a successful transfer request must be
// confirmed by polling the contract status.
type BRB struct {
	t      httpTransport
	cfg    config.BRBSettings
	tokens *tokenCache
}

func NewBRB(cfg config.BRBSettings, client *http.Client, rdb *redis.Client, rec Recorder) *BRB {
	return &BRB{
		t:      newHTTPTransport(KindBRB, cfg.URL, client, rec),
		cfg:    cfg,
		tokens: newTokenCache(rdb, "provider:brb:token"),
	}
}

func (b *BRB) Kind() Kind                 { return KindBRB }
func (b *BRB) Settlement() SettlementMode { return SettlementPoll }

func (b *BRB) Reserve(ctx context.Context, s Subject) Outcome {
	return Unsupported(KindBRB, "margin reservation")
}

func (b *BRB) Cancel(ctx context.Context, s Subject) Outcome {
	return Unsupported(KindBRB, "reservation cancel")
}

func (b *BRB) Commission(ctx context.Context, s Subject) Outcome {
	return Unsupported(KindBRB, "commissioning")
}

type brbTransferRequest struct {
	TaxID              string          `json:"cpf"`
	ContractNumber     string          `json:"numeroContrato"`
	FinancedAmount     decimal.Decimal `json:"valorFinanciado"`
	InstallmentCount   int             `json:"quantidadeParcelas"`
	BankCode           string          `json:"banco"`
	Branch             string          `json:"agencia"`
	AccountNumber      string          `json:"conta"`
	AccountDigit       string          `json:"digitoConta"`
	AccountType        string          `json:"tipoConta"`
	InstallmentPayment bool            `json:"saqueParcelado"`
}

type brbTransferResponse struct {
	ContractID string `json:"idContrato"`
	Message    string `json:"mensagem"`
}

type brbStatusResponse struct {
	ContractStatus struct {
		Situation string `json:"situacao"`
		Detail    string `json:"descricao"`
	} `json:"statusContrato"`
}

type brbBankDetailsRequest struct {
	BankCode      string `json:"banco"`
	Branch        string `json:"agencia"`
	AccountNumber string `json:"conta"`
	AccountDigit  string `json:"digitoConta"`
	AccountType   string `json:"tipoConta"`
}

type brbTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (b *BRB) RequestWithdrawal(ctx context.Context, s Subject) Outcome {
	c, r := s.Contract, s.Record
	body, _ := json.Marshal(brbTransferRequest{
		TaxID:              c.BorrowerTaxID,
		ContractNumber:     strconv.Itoa(c.ID),
		FinancedAmount:     r.RequestedAmount(),
		InstallmentCount:   r.InstallmentCount,
		BankCode:           c.BankAccount.BankCode,
		Branch:             c.BankAccount.Branch,
		AccountNumber:      c.BankAccount.AccountNumber,
		AccountDigit:       c.BankAccount.AccountDigit,
		AccountType:        c.BankAccount.AccountType,
		InstallmentPayment: r.IsInstallmentPlan,
	})
	out, raw := b.authorized(ctx, call{
		contractID: c.ID,
		operation:  "transfer",
		method:     http.MethodPost,
		path:       "/consignado/margem-livre/v2",
		body:       body,
	})
	if !out.OK() {
		return out
	}
	var resp brbTransferResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ContractID != "" {
		out.ProposalRef = resp.ContractID
	} else {
		out.ProposalRef = strconv.Itoa(c.ID)
	}
	return out
}

// PollSettlement reads statusContrato.situacao: "PAGO" confirms, the refusal
// states fail, anything else is still awaiting payment.
func (b *BRB) PollSettlement(ctx context.Context, s Subject) Settlement {
	ref := s.Record.ProposalRef
	if ref == "" {
		ref = strconv.Itoa(s.Contract.ID)
	}
	out, raw := b.authorized(ctx, call{
		contractID: s.Contract.ID,
		operation:  "contract_status",
		method:     http.MethodGet,
		path:       "/v3/contratos/" + url.PathEscape(ref) + "/status",
	})
	if !out.OK() {
		if out.Kind == OutcomeTransport {
			return Settlement{State: SettlementAwaiting, Outcome: out}
		}
		return Settlement{State: SettlementFailed, Outcome: out}
	}
	var resp brbStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Settlement{State: SettlementAwaiting, Outcome: Transport("malformed status response: " + err.Error())}
	}
	situation := strings.ToUpper(strings.TrimSpace(resp.ContractStatus.Situation))
	out.ProviderCode = situation
	out.Detail = resp.ContractStatus.Detail
	switch situation {
	case "PAGO":
		return Settlement{State: SettlementConfirmed, Outcome: out}
	case "CANCELADO", "RECUSADO", "DEVOLVIDO", "ESTORNADO":
		return Settlement{State: SettlementFailed, Outcome: Rejected(situation, resp.ContractStatus.Detail)}
	}
	return Settlement{State: SettlementAwaiting, Outcome: out}
}

func (b *BRB) UpdateBankDetails(ctx context.Context, d BankDetails) Outcome {
	body, _ := json.Marshal(brbBankDetailsRequest{
		BankCode:      d.Account.BankCode,
		Branch:        d.Account.Branch,
		AccountNumber: d.Account.AccountNumber,
		AccountDigit:  d.Account.AccountDigit,
		AccountType:   d.Account.AccountType,
	})
	out, _ := b.authorized(ctx, call{
		contractID: d.ContractID,
		operation:  "update_bank_details",
		method:     http.MethodPut,
		path:       "/v3/contratos/" + url.PathEscape(d.ProposalRef) + "/dados-bancarios",
		body:       body,
	})
	return out
}

// authorized runs c with a bearer token, logging in once more on a 401.
func (b *BRB) authorized(ctx context.Context, c call) (Outcome, []byte) {
	for attempt := 0; attempt < 2; attempt++ {
		token, out := b.token(ctx)
		if !out.OK() {
			return out, nil
		}
		c.headers = map[string]string{
			"Authorization": "Bearer " + token,
			"Content-Type":  "application/json",
			"Accept":        "application/json",
		}
		var unauthorized bool
		c.classify = func(code int, body []byte) Outcome {
			unauthorized = code == http.StatusUnauthorized
			return HTTPOutcome(code, strings.TrimSpace(string(body)))
		}
		res, raw := b.t.do(ctx, c)
		if !unauthorized {
			return res, raw
		}
		b.tokens.drop(ctx)
	}
	return Rejected("401", "unauthorized after token refresh"), nil
}

func (b *BRB) token(ctx context.Context) (string, Outcome) {
	if tok, ok := b.tokens.get(ctx); ok {
		return tok, Success("200", "")
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", b.cfg.ClientID)
	form.Set("client_secret", b.cfg.Secret)
	out, raw := b.t.do(ctx, call{
		operation: "token",
		method:    http.MethodPost,
		path:      "/oauth/token",
		body:      []byte(form.Encode()),
		headers:   map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		redact:    []string{url.QueryEscape(b.cfg.Secret)},
	})
	if !out.OK() {
		return "", out
	}
	var resp brbTokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.AccessToken == "" {
		return "", Transport(fmt.Sprintf("malformed token response: %v", err))
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	b.tokens.put(ctx, resp.AccessToken, ttl)
	return resp.AccessToken, Success("200", "")
}
