package providers

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mmdatafocus/credit_backend/config"
)

const banksoftNS = "http://tempuri.org/"

// Banksoft is the SOAP settlement partner. Its withdrawal response is the
// settlement itself.
type Banksoft struct {
	t   httpTransport
	cfg config.BanksoftSettings
}

func NewBanksoft(cfg config.BanksoftSettings, client *http.Client, rec Recorder) *Banksoft {
	return &Banksoft{t: newHTTPTransport(KindBanksoft, cfg.URL, client, rec), cfg: cfg}
}

func (b *Banksoft) Kind() Kind                 { return KindBanksoft }
func (b *Banksoft) Settlement() SettlementMode { return SettlementSync }

func (b *Banksoft) Reserve(ctx context.Context, s Subject) Outcome {
	return Unsupported(KindBanksoft, "margin reservation")
}

func (b *Banksoft) Cancel(ctx context.Context, s Subject) Outcome {
	return Unsupported(KindBanksoft, "reservation cancel")
}

type soapEnvelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	Soap    string   `xml:"xmlns:soap,attr"`
	Tem     string   `xml:"xmlns:tem,attr"`
	Body    soapBody `xml:"soap:Body"`
}

type soapBody struct {
	Content interface{}
}

type includeProposal struct {
	XMLName            xml.Name `xml:"tem:IncluirPropostaCartaoCompleto"`
	User               string   `xml:"tem:pUsuario"`
	Password           string   `xml:"tem:pSenha"`
	Product            string   `xml:"tem:pCodigoProduto"`
	ContractNumber     string   `xml:"tem:pNumeroContrato"`
	TaxID              string   `xml:"tem:pCPF"`
	Name               string   `xml:"tem:pNomeCliente"`
	BenefitNumber      string   `xml:"tem:pNumeroBeneficio"`
	WithdrawalAmount   string   `xml:"tem:pValorSaque"`
	InstallmentPlan    bool     `xml:"tem:pSaqueParcelado"`
	InstallmentCount   int      `xml:"tem:pQuantidadeParcelas"`
	BankNumber         string   `xml:"tem:pNumeroBanco"`
	BranchNumber       string   `xml:"tem:pNumeroAgencia"`
	AccountNumber      string   `xml:"tem:pNumeroConta"`
	AccountDigit       string   `xml:"tem:pNumeroDVConta"`
	AccountType        string   `xml:"tem:pTipoConta"`
	IncludeWithdrawals bool     `xml:"tem:pPossuiSaque"`
}

type updateBankData struct {
	XMLName       xml.Name `xml:"tem:AtualizarDadosBancarios"`
	User          string   `xml:"tem:pUsuario"`
	Password      string   `xml:"tem:pSenha"`
	ProposalRef   string   `xml:"tem:pNumeroProposta"`
	AccountType   string   `xml:"tem:pTipoConta"`
	BankNumber    string   `xml:"tem:pNumeroBanco"`
	BranchNumber  string   `xml:"tem:pNumeroAgencia"`
	AccountNumber string   `xml:"tem:pNumeroConta"`
	AccountDigit  string   `xml:"tem:pNumeroDVConta"`
}

type includeCommission struct {
	XMLName     xml.Name `xml:"tem:IncluirComissionamento"`
	User        string   `xml:"tem:pUsuario"`
	Password    string   `xml:"tem:pSenha"`
	ProposalRef string   `xml:"tem:pNumeroProposta"`
	BaseAmount  string   `xml:"tem:pValorBase"`
}

type processingStatus struct {
	Status       string `xml:"Status"`
	ErrorMessage string `xml:"MensagemErro"`
}

type soapResult struct {
	ProposalRef string           `xml:"NumeroProposta"`
	Processing  processingStatus `xml:"StatusProcessamento"`
}

// The response element is named after the operation, so each operation gets
// its own path.
type includeProposalResponse struct {
	Result soapResult `xml:"Body>IncluirPropostaCartaoCompletoResponse>IncluirPropostaCartaoCompletoResult"`
}

type updateBankDataResponse struct {
	Result soapResult `xml:"Body>AtualizarDadosBancariosResponse>AtualizarDadosBancariosResult"`
}

type includeCommissionResponse struct {
	Result soapResult `xml:"Body>IncluirComissionamentoResponse>IncluirComissionamentoResult"`
}

func (b *Banksoft) RequestWithdrawal(ctx context.Context, s Subject) Outcome {
	c, r := s.Contract, s.Record
	payload := includeProposal{
		User:               b.cfg.User,
		Password:           b.cfg.Password,
		Product:            b.cfg.Product,
		ContractNumber:     strconv.Itoa(c.ID),
		TaxID:              c.BorrowerTaxID,
		Name:               c.BorrowerName,
		BenefitNumber:      c.BenefitNumber,
		WithdrawalAmount:   r.RequestedAmount().StringFixed(2),
		InstallmentPlan:    r.IsInstallmentPlan,
		InstallmentCount:   r.InstallmentCount,
		BankNumber:         c.BankAccount.BankCode,
		BranchNumber:       c.BankAccount.Branch,
		AccountNumber:      c.BankAccount.AccountNumber,
		AccountDigit:       c.BankAccount.AccountDigit,
		AccountType:        banksoftAccountType(c.BankAccount.AccountType),
		IncludeWithdrawals: r.WantsWithdrawal(),
	}
	var resp includeProposalResponse
	return b.soap(ctx, c.ID, "IncluirPropostaCartaoCompleto", payload, &resp, func() soapResult { return resp.Result })
}

func (b *Banksoft) UpdateBankDetails(ctx context.Context, d BankDetails) Outcome {
	payload := updateBankData{
		User:          b.cfg.User,
		Password:      b.cfg.Password,
		ProposalRef:   d.ProposalRef,
		AccountType:   banksoftAccountType(d.Account.AccountType),
		BankNumber:    d.Account.BankCode,
		BranchNumber:  d.Account.Branch,
		AccountNumber: d.Account.AccountNumber,
		AccountDigit:  d.Account.AccountDigit,
	}
	var resp updateBankDataResponse
	return b.soap(ctx, d.ContractID, "AtualizarDadosBancarios", payload, &resp, func() soapResult { return resp.Result })
}

func (b *Banksoft) Commission(ctx context.Context, s Subject) Outcome {
	payload := includeCommission{
		User:        b.cfg.User,
		Password:    b.cfg.Password,
		ProposalRef: s.Record.ProposalRef,
		BaseAmount:  s.Record.RequestedAmount().StringFixed(2),
	}
	var resp includeCommissionResponse
	return b.soap(ctx, s.Contract.ID, "IncluirComissionamento", payload, &resp, func() soapResult { return resp.Result })
}

// soap posts one envelope. The HTTP status must be 200 and the processing
// status "true"; any other processing status is a business rejection.
func (b *Banksoft) soap(ctx context.Context, contractID int, action string, payload interface{}, into interface{}, result func() soapResult) Outcome {
	env := soapEnvelope{
		Soap: "http://schemas.xmlsoap.org/soap/envelope/",
		Tem:  banksoftNS,
		Body: soapBody{Content: payload},
	}
	body, err := xml.Marshal(env)
	if err != nil {
		return Transport("encode envelope: " + err.Error())
	}
	body = append([]byte(xml.Header), body...)

	out, _ := b.t.do(ctx, call{
		contractID: contractID,
		operation:  action,
		method:     http.MethodPost,
		body:       body,
		headers: map[string]string{
			"Content-Type": "text/xml; charset=utf-8",
			"SOAPAction":   banksoftNS + "IService/" + action,
		},
		redact: []string{b.cfg.Password},
		classify: func(code int, raw []byte) Outcome {
			if code != http.StatusOK {
				return HTTPOutcome(code, strings.TrimSpace(string(raw)))
			}
			if err := xml.Unmarshal(raw, into); err != nil {
				return Transport("malformed soap response: " + err.Error())
			}
			res := result()
			if !strings.EqualFold(strings.TrimSpace(res.Processing.Status), "true") {
				detail := strings.TrimSpace(res.Processing.ErrorMessage)
				if detail == "" {
					detail = fmt.Sprintf("processing status %q", res.Processing.Status)
				}
				return Rejected("PROCESSING_"+strings.ToUpper(strings.TrimSpace(res.Processing.Status)), detail)
			}
			return Success("200", strings.TrimSpace(res.ProposalRef))
		},
	})
	return out
}

func banksoftAccountType(t string) string {
	switch strings.ToLower(t) {
	case "checking", "corrente":
		return "1"
	case "savings", "poupanca":
		return "2"
	}
	return t
}
