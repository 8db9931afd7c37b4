// Package dock is the client of the card processor that answers balance
// inquiries and takes the accounting postings of a disbursement.
package dock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("credit_backend/dock")

// Posting is one accounting entry for a disbursed contract.
type Posting struct {
	ContractID       int             `json:"contract_id"`
	ProductRecordID  int             `json:"product_record_id"`
	AccountID        string          `json:"account_id"`
	Amount           decimal.Decimal `json:"amount"`
	InstallmentCount int             `json:"installment_count,omitempty"`
	ProposalRef      string          `json:"proposal_ref,omitempty"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg config.DockSettings, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(cfg.URL, "/"), apiKey: cfg.APIKey, http: client}
}

type limitsResponse struct {
	AvailableWithdrawalLimit decimal.Decimal `json:"available_withdrawal_limit"`
}

// AvailableWithdrawalLimit is the amount the card account can still withdraw.
func (c *Client) AvailableWithdrawalLimit(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var resp limitsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID)+"/limits", "", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.AvailableWithdrawalLimit, nil
}

// PostInstallmentPlanInvoice books a withdrawal paid back in installments.
func (c *Client) PostInstallmentPlanInvoice(ctx context.Context, p Posting) error {
	return c.do(ctx, http.MethodPost, "/v1/installment-plans", idempotencyKey(p), p, nil)
}

// PostSingleAdjustment books a one-off withdrawal debit.
func (c *Client) PostSingleAdjustment(ctx context.Context, p Posting) error {
	body := struct {
		Posting
		Type string `json:"type"`
	}{Posting: p, Type: "WITHDRAWAL_DEBIT"}
	return c.do(ctx, http.MethodPost, "/v1/adjustments", idempotencyKey(p), body, nil)
}

// The follow-up runs at least once; the key lets Dock drop repeats.
func idempotencyKey(p Posting) string {
	return models.FollowUpKey(p.ProductRecordID)
}

func (c *Client) do(ctx context.Context, method, path, idemKey string, in, out interface{}) error {
	ctx, span := tracer.Start(ctx, "dock"+path)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method))

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: dock %s: %v", models.ErrProviderTransport, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: dock %s: read body: %v", models.ErrProviderTransport, path, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: dock %s: %d %s", models.ErrProviderTransport, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: dock %s: %d %s", models.ErrProviderRejection, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: dock %s: malformed body: %v", models.ErrProviderTransport, path, err)
	}
	return nil
}
