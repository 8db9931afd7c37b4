package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// WhitePay confirms payments through the payment webhook.
type WhitePay struct {
	t      httpTransport
	cfg    config.WhitePaySettings
	tokens *tokenCache
}

func NewWhitePay(cfg config.WhitePaySettings, client *http.Client, rdb *redis.Client, rec Recorder) *WhitePay {
	return &WhitePay{
		t:      newHTTPTransport(KindWhitePay, cfg.URL, client, rec),
		cfg:    cfg,
		tokens: newTokenCache(rdb, "provider:whitepay:token"),
	}
}

func (w *WhitePay) Kind() Kind                 { return KindWhitePay }
func (w *WhitePay) Settlement() SettlementMode { return SettlementWebhook }

func (w *WhitePay) Reserve(ctx context.Context, s Subject) Outcome {
	return Unsupported(KindWhitePay, "margin reservation")
}

func (w *WhitePay) Cancel(ctx context.Context, s Subject) Outcome {
	return Unsupported(KindWhitePay, "reservation cancel")
}

type whitePayLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type whitePayToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// whitePayPayment mirrors the partner's payment request, including its
// misspelled contract id field.
type whitePayPayment struct {
	TaxID         string          `json:"cpf"`
	Branch        string          `json:"branch"`
	AccountNumber string          `json:"account_number"`
	AccountType   string          `json:"account_type"`
	ISPB          string          `json:"ispb"`
	Value         decimal.Decimal `json:"value"`
	ContractID    string          `json:"id_crontract"`
	Name          string          `json:"name"`
	DockID        string          `json:"dock_id"`
}

type whitePayPaymentResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type whitePayCommission struct {
	ContractID  string          `json:"id_contract"`
	ProposalRef string          `json:"proposal"`
	BaseAmount  decimal.Decimal `json:"base_amount"`
}

func (w *WhitePay) payment(c Subject) whitePayPayment {
	acc := c.Contract.BankAccount
	number := acc.AccountNumber
	if acc.AccountDigit != "" {
		number += "-" + acc.AccountDigit
	}
	return whitePayPayment{
		TaxID:         c.Contract.BorrowerTaxID,
		Branch:        acc.Branch,
		AccountNumber: number,
		AccountType:   acc.AccountType,
		ISPB:          acc.ISPB,
		Value:         c.Record.RequestedAmount(),
		ContractID:    strconv.Itoa(c.Contract.ID),
		Name:          c.Contract.BorrowerName,
		DockID:        c.Contract.CardAccountID,
	}
}

func (w *WhitePay) RequestWithdrawal(ctx context.Context, s Subject) Outcome {
	body, _ := json.Marshal(w.payment(s))
	out, raw := w.authorized(ctx, call{
		contractID: s.Contract.ID,
		operation:  "pay",
		method:     http.MethodPost,
		path:       "/api/pay",
		body:       body,
	})
	if !out.OK() {
		return out
	}
	var resp whitePayPaymentResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ID != "" {
		out.ProposalRef = resp.ID
	} else {
		out.ProposalRef = strconv.Itoa(s.Contract.ID)
	}
	return out
}

// UpdateBankDetails resubmits the payment with the corrected account.
func (w *WhitePay) UpdateBankDetails(ctx context.Context, d BankDetails) Outcome {
	acc := d.Account
	number := acc.AccountNumber
	if acc.AccountDigit != "" {
		number += "-" + acc.AccountDigit
	}
	body, _ := json.Marshal(map[string]string{
		"id_crontract":   strconv.Itoa(d.ContractID),
		"payment_id":     d.ProposalRef,
		"branch":         acc.Branch,
		"account_number": number,
		"account_type":   acc.AccountType,
		"ispb":           acc.ISPB,
	})
	out, _ := w.authorized(ctx, call{
		contractID: d.ContractID,
		operation:  "pay_resubmit",
		method:     http.MethodPost,
		path:       "/api/pay/resubmit",
		body:       body,
	})
	return out
}

func (w *WhitePay) Commission(ctx context.Context, s Subject) Outcome {
	body, _ := json.Marshal(whitePayCommission{
		ContractID:  strconv.Itoa(s.Contract.ID),
		ProposalRef: s.Record.ProposalRef,
		BaseAmount:  s.Record.RequestedAmount(),
	})
	out, _ := w.authorized(ctx, call{
		contractID: s.Contract.ID,
		operation:  "commission",
		method:     http.MethodPost,
		path:       "/api/commission",
		body:       body,
	})
	return out
}

func (w *WhitePay) authorized(ctx context.Context, c call) (Outcome, []byte) {
	for attempt := 0; attempt < 2; attempt++ {
		token, out := w.token(ctx)
		if !out.OK() {
			return out, nil
		}
		c.headers = map[string]string{
			"Authorization": "Bearer " + token,
			"Content-Type":  "application/json",
		}
		var unauthorized bool
		c.classify = func(code int, body []byte) Outcome {
			unauthorized = code == http.StatusUnauthorized
			return HTTPOutcome(code, strings.TrimSpace(string(body)))
		}
		res, raw := w.t.do(ctx, c)
		if !unauthorized {
			return res, raw
		}
		w.tokens.drop(ctx)
	}
	return Rejected("401", "unauthorized after token refresh"), nil
}

func (w *WhitePay) token(ctx context.Context) (string, Outcome) {
	if tok, ok := w.tokens.get(ctx); ok {
		return tok, Success("200", "")
	}
	body, _ := json.Marshal(whitePayLogin{Username: w.cfg.Username, Password: w.cfg.Password})
	out, raw := w.t.do(ctx, call{
		operation: "login",
		method:    http.MethodPost,
		path:      "/auth/login",
		body:      body,
		headers:   map[string]string{"Content-Type": "application/json"},
		redact:    []string{w.cfg.Password},
	})
	if !out.OK() {
		return "", out
	}
	var resp whitePayToken
	if err := json.Unmarshal(raw, &resp); err != nil || resp.AccessToken == "" {
		return "", Transport(fmt.Sprintf("malformed login response: %v", err))
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	w.tokens.put(ctx, resp.AccessToken, ttl)
	return resp.AccessToken, Success("200", "")
}
