package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/shopspring/decimal"
)

// Quantum is a payroll registry (averbadora). It only reserves and releases
// margin; money movement goes through the settlement partner.
type Quantum struct {
	t   httpTransport
	cfg config.QuantumSettings
}

func NewQuantum(cfg config.QuantumSettings, client *http.Client, rec Recorder) *Quantum {
	return &Quantum{t: newHTTPTransport(KindQuantum, cfg.URL, client, rec), cfg: cfg}
}

func (q *Quantum) Kind() Kind                 { return KindQuantum }
func (q *Quantum) Settlement() SettlementMode { return SettlementSync }

type quantumReservation struct {
	TaxID            string          `json:"cpf"`
	BenefitNumber    string          `json:"matricula"`
	AgreementCode    string          `json:"convenio"`
	ContractNumber   string          `json:"contrato"`
	InstallmentValue decimal.Decimal `json:"valorParcela"`
	InstallmentCount int             `json:"prazo"`
}

type quantumResponse struct {
	ReservationID string `json:"idAverbacao"`
	Message       string `json:"mensagem"`
}

func (q *Quantum) body(s Subject) []byte {
	count := s.Record.InstallmentCount
	value := s.Record.RequestedAmount()
	if count > 0 {
		value = value.DivRound(decimal.NewFromInt(int64(count)), 2)
	}
	raw, _ := json.Marshal(quantumReservation{
		TaxID:            s.Contract.BorrowerTaxID,
		BenefitNumber:    s.Contract.BenefitNumber,
		AgreementCode:    s.Contract.AgreementCode,
		ContractNumber:   strconv.Itoa(s.Contract.ID),
		InstallmentValue: value,
		InstallmentCount: count,
	})
	return raw
}

func (q *Quantum) Reserve(ctx context.Context, s Subject) Outcome {
	return q.post(ctx, s, "reserve", "/averbacao/reservar")
}

func (q *Quantum) Cancel(ctx context.Context, s Subject) Outcome {
	return q.post(ctx, s, "cancel", "/averbacao/cancelar")
}

func (q *Quantum) post(ctx context.Context, s Subject, op, path string) Outcome {
	out, raw := q.t.do(ctx, call{
		contractID: s.Contract.ID,
		operation:  op,
		method:     http.MethodPost,
		path:       path,
		body:       q.body(s),
		headers: map[string]string{
			"Authorization": "Bearer " + q.cfg.Token,
			"Content-Type":  "application/json",
		},
	})
	if !out.OK() {
		return out
	}
	var resp quantumResponse
	if err := json.Unmarshal(raw, &resp); err == nil {
		out.ProposalRef = resp.ReservationID
		out.Detail = resp.Message
	}
	return out
}

func (q *Quantum) RequestWithdrawal(ctx context.Context, s Subject) Outcome {
	return Unsupported(KindQuantum, "withdrawal")
}

func (q *Quantum) UpdateBankDetails(ctx context.Context, d BankDetails) Outcome {
	return Unsupported(KindQuantum, "bank details")
}

func (q *Quantum) Commission(ctx context.Context, s Subject) Outcome {
	return Unsupported(KindQuantum, "commissioning")
}
