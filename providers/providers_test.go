package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func subject() Subject {
	return Subject{
		Contract: models.Contract{
			ID:            42,
			AgreementCode: "GOV-SP",
			CardAccountID: "acc-9",
			BorrowerName:  "Maria Souza",
			BorrowerTaxID: "12345678909",
			BenefitNumber: "998877",
			BankAccount: models.BankAccount{
				BankCode: "001", ISPB: "00000000", Branch: "1234", AccountNumber: "556677", AccountDigit: "8", AccountType: "checking",
			},
		},
		Record: models.ProductRecord{
			ID:               7,
			ContractID:       42,
			Kind:             models.KindBenefitCard,
			HasWithdrawal:    true,
			InstallmentCount: 12,
			WithdrawalAmount: decimal.RequireFromString("150.00"),
			ProposalRef:      "P-42",
		},
	}
}

type memRecorder struct {
	mu  sync.Mutex
	exs []Exchange
}

func (m *memRecorder) Record(_ context.Context, ex Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exs = append(m.exs, ex)
}

func (m *memRecorder) all() []Exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Exchange(nil), m.exs...)
}

func TestHTTPOutcome(t *testing.T) {
	cases := []struct {
		code int
		kind OutcomeKind
	}{
		{200, OutcomeSuccess},
		{201, OutcomeSuccess},
		{202, OutcomeSuccess},
		{204, OutcomeRejected},
		{400, OutcomeRejected},
		{404, OutcomeRejected},
		{408, OutcomeTransport},
		{429, OutcomeTransport},
		{500, OutcomeTransport},
		{503, OutcomeTransport},
	}
	for _, c := range cases {
		require.Equal(t, c.kind, HTTPOutcome(c.code, "").Kind, "code %d", c.code)
	}
}

func TestOutcomeErrMapsTaxonomy(t *testing.T) {
	require.NoError(t, Success("200", "x").Err())
	require.ErrorIs(t, Rejected("E1", "no").Err(), models.ErrProviderRejection)
	require.ErrorIs(t, Transport("timeout").Err(), models.ErrProviderTransport)
	require.True(t, Transport("x").Retryable())
	require.False(t, Rejected("x", "y").Retryable())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("brb")
	require.NoError(t, err)
	require.Equal(t, KindBRB, k)

	_, err = ParseKind("acme")
	require.ErrorIs(t, err, models.ErrConfiguration)
}

const banksoftOK = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <IncluirPropostaCartaoCompletoResponse xmlns="http://tempuri.org/">
      <IncluirPropostaCartaoCompletoResult>
        <NumeroProposta>BS-1001</NumeroProposta>
        <StatusProcessamento><Status>true</Status><MensagemErro></MensagemErro></StatusProcessamento>
      </IncluirPropostaCartaoCompletoResult>
    </IncluirPropostaCartaoCompletoResponse>
  </soap:Body>
</soap:Envelope>`

const banksoftRefused = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <IncluirPropostaCartaoCompletoResponse xmlns="http://tempuri.org/">
      <IncluirPropostaCartaoCompletoResult>
        <StatusProcessamento><Status>false</Status><MensagemErro>CPF bloqueado</MensagemErro></StatusProcessamento>
      </IncluirPropostaCartaoCompletoResult>
    </IncluirPropostaCartaoCompletoResponse>
  </soap:Body>
</soap:Envelope>`

func TestBanksoftRequestWithdrawal(t *testing.T) {
	var gotBody, gotAction string
	reply := banksoftOK
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotAction = r.Header.Get("SOAPAction")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	defer srv.Close()

	rec := &memRecorder{}
	b := NewBanksoft(config.BanksoftSettings{URL: srv.URL, User: "u", Password: "s3cret", Product: "CARD"}, srv.Client(), rec)

	out := b.RequestWithdrawal(context.Background(), subject())
	require.True(t, out.OK(), out.Detail)
	require.Equal(t, "BS-1001", out.ProposalRef)
	require.Equal(t, "http://tempuri.org/IService/IncluirPropostaCartaoCompleto", gotAction)
	require.Contains(t, gotBody, "<tem:pValorSaque>150.00</tem:pValorSaque>")
	require.Contains(t, gotBody, "<tem:pTipoConta>1</tem:pTipoConta>")

	exs := rec.all()
	require.Len(t, exs, 1)
	require.NotContains(t, string(exs[0].Request), "s3cret")
	require.Equal(t, 200, exs[0].StatusCode)

	t.Run("processing refused", func(t *testing.T) {
		reply = banksoftRefused
		out := b.RequestWithdrawal(context.Background(), subject())
		require.Equal(t, OutcomeRejected, out.Kind)
		require.Equal(t, "PROCESSING_FALSE", out.ProviderCode)
		require.Equal(t, "CPF bloqueado", out.Detail)
	})

	t.Run("server error", func(t *testing.T) {
		status = http.StatusBadGateway
		reply = "upstream down"
		out := b.RequestWithdrawal(context.Background(), subject())
		require.Equal(t, OutcomeTransport, out.Kind)
		require.Equal(t, "502", out.ProviderCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		status = http.StatusOK
		reply = "<not-soap"
		out := b.RequestWithdrawal(context.Background(), subject())
		require.Equal(t, OutcomeTransport, out.Kind)
	})

	t.Run("no margin reservation", func(t *testing.T) {
		out := b.Reserve(context.Background(), subject())
		require.Equal(t, "UNSUPPORTED", out.ProviderCode)
	})
}

func TestBRBTokenIsReusedAndRefreshedOn401(t *testing.T) {
	var logins, transfers int32
	var rejectNext atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			n := atomic.AddInt32(&logins, 1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok-" + string(rune('0'+n)), "expires_in": 3600})
		case "/consignado/margem-livre/v2":
			atomic.AddInt32(&transfers, 1)
			if rejectNext.CompareAndSwap(true, false) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-"))
			_ = json.NewEncoder(w).Encode(map[string]string{"idContrato": "BRB-77"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := NewBRB(config.BRBSettings{URL: srv.URL, ClientID: "id", Secret: "sec"}, srv.Client(), nil, nil)
	ctx := context.Background()

	out := b.RequestWithdrawal(ctx, subject())
	require.True(t, out.OK(), out.Detail)
	require.Equal(t, "BRB-77", out.ProposalRef)
	out = b.RequestWithdrawal(ctx, subject())
	require.True(t, out.OK())
	require.EqualValues(t, 1, atomic.LoadInt32(&logins))

	rejectNext.Store(true)
	out = b.RequestWithdrawal(ctx, subject())
	require.True(t, out.OK(), out.Detail)
	require.EqualValues(t, 2, atomic.LoadInt32(&logins))
	require.EqualValues(t, 4, atomic.LoadInt32(&transfers))
}

func TestBRBPollSettlement(t *testing.T) {
	situation := "EM_PROCESSAMENTO"
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "t", "expires_in": 3600})
			return
		}
		require.Equal(t, "/v3/contratos/P-42/status", r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"statusContrato":{"situacao":"` + situation + `","descricao":"d"}}`))
	}))
	defer srv.Close()

	b := NewBRB(config.BRBSettings{URL: srv.URL, ClientID: "id", Secret: "sec"}, srv.Client(), nil, nil)
	ctx := context.Background()

	require.Equal(t, SettlementAwaiting, b.PollSettlement(ctx, subject()).State)

	situation = "PAGO"
	require.Equal(t, SettlementConfirmed, b.PollSettlement(ctx, subject()).State)

	situation = "RECUSADO"
	st := b.PollSettlement(ctx, subject())
	require.Equal(t, SettlementFailed, st.State)
	require.Equal(t, OutcomeRejected, st.Outcome.Kind)

	status = http.StatusServiceUnavailable
	st = b.PollSettlement(ctx, subject())
	require.Equal(t, SettlementAwaiting, st.State)
	require.Equal(t, OutcomeTransport, st.Outcome.Kind)
}

func TestWhitePayPayment(t *testing.T) {
	var payment map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "wp", "expires_in": 600})
		case "/api/pay":
			require.Equal(t, "Bearer wp", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payment))
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "WP-5", "status": "PROCESSING"})
		case "/api/pay/resubmit":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"invalid branch"}`))
		}
	}))
	defer srv.Close()

	rec := &memRecorder{}
	wp := NewWhitePay(config.WhitePaySettings{URL: srv.URL, Username: "u", Password: "pw-123"}, srv.Client(), nil, rec)
	require.Equal(t, SettlementWebhook, wp.Settlement())

	out := wp.RequestWithdrawal(context.Background(), subject())
	require.True(t, out.OK(), out.Detail)
	require.Equal(t, "WP-5", out.ProposalRef)
	require.Equal(t, "42", payment["id_crontract"])
	require.Equal(t, "556677-8", payment["account_number"])
	require.Equal(t, "acc-9", payment["dock_id"])

	for _, ex := range rec.all() {
		require.NotContains(t, string(ex.Request), "pw-123")
	}

	out = wp.UpdateBankDetails(context.Background(), BankDetails{ContractID: 42, ProposalRef: "WP-5", Account: subject().Contract.BankAccount})
	require.Equal(t, OutcomeRejected, out.Kind)
	require.Equal(t, "422", out.ProviderCode)
}

func TestQuantumReserveAndCancel(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer qt", r.Header.Get("Authorization"))
		var body quantumReservation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "12.50", body.InstallmentValue.StringFixed(2))
		paths = append(paths, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"idAverbacao": "AV-1"})
	}))
	defer srv.Close()

	q := NewQuantum(config.QuantumSettings{URL: srv.URL, Token: "qt"}, srv.Client(), nil)
	out := q.Reserve(context.Background(), subject())
	require.True(t, out.OK(), out.Detail)
	require.Equal(t, "AV-1", out.ProposalRef)
	require.True(t, q.Cancel(context.Background(), subject()).OK())
	require.Equal(t, []string{"/averbacao/reservar", "/averbacao/cancelar"}, paths)

	require.Equal(t, "UNSUPPORTED", q.RequestWithdrawal(context.Background(), subject()).ProviderCode)
}

type stubAdapter struct {
	withdraw func(ctx context.Context) Outcome
}

func (s stubAdapter) Kind() Kind                 { return KindBanksoft }
func (s stubAdapter) Settlement() SettlementMode { return SettlementSync }
func (s stubAdapter) Reserve(context.Context, Subject) Outcome {
	return Unsupported(KindBanksoft, "reserve")
}
func (s stubAdapter) Cancel(context.Context, Subject) Outcome {
	return Unsupported(KindBanksoft, "cancel")
}
func (s stubAdapter) RequestWithdrawal(ctx context.Context, _ Subject) Outcome {
	return s.withdraw(ctx)
}
func (s stubAdapter) UpdateBankDetails(context.Context, BankDetails) Outcome {
	return Success("200", "")
}
func (s stubAdapter) Commission(context.Context, Subject) Outcome { return Success("200", "") }

func TestGuardDeadlineBecomesTransport(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := stubAdapter{withdraw: func(ctx context.Context) Outcome {
		<-release
		return Success("200", "late")
	}}
	g := Guard(slow, 20*time.Millisecond, config.GetLogger())

	start := time.Now()
	out := g.RequestWithdrawal(context.Background(), subject())
	require.Equal(t, OutcomeTransport, out.Kind)
	require.Less(t, time.Since(start), time.Second)
}

func TestGuardRecoversPanics(t *testing.T) {
	boom := stubAdapter{withdraw: func(context.Context) Outcome { panic("nil map") }}
	out := Guard(boom, time.Second, nil).RequestWithdrawal(context.Background(), subject())
	require.Equal(t, OutcomeTransport, out.Kind)
	require.Contains(t, out.Detail, "nil map")
}

func TestPollerUnwrapsGuard(t *testing.T) {
	_, ok := Poller(Guard(stubAdapter{}, time.Second, nil))
	require.False(t, ok)

	brb := NewBRB(config.BRBSettings{URL: "http://brb.invalid"}, nil, nil, nil)
	p, ok := Poller(Guard(brb, time.Second, nil))
	require.True(t, ok)
	require.NotNil(t, p)
}

func TestNewSet(t *testing.T) {
	s := config.Settings{
		PaymentProvider: "brb",
		ProviderTimeout: time.Second,
		BRB:             config.BRBSettings{URL: "http://brb.invalid", ClientID: "c", Secret: "s"},
		Quantum:         config.QuantumSettings{URL: "http://quantum.invalid", Token: "t"},
		Agreements:      map[string]string{"GOV-SP": "quantum", "GOV-RJ": "quantum"},
	}
	set, err := NewSet(s, nil, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, KindBRB, set.Settlement().Kind())
	require.Equal(t, SettlementPoll, set.Settlement().Settlement())

	reg, err := set.Registry("GOV-SP")
	require.NoError(t, err)
	require.Equal(t, KindQuantum, reg.Kind())

	_, err = set.Registry("GOV-MG")
	require.ErrorIs(t, err, models.ErrConfiguration)

	s.PaymentProvider = "quantum"
	_, err = NewSet(s, nil, nil, nil, nil)
	require.ErrorIs(t, err, models.ErrConfiguration)
}
