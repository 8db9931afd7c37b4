package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the fine-grained, product-specific contract status. The set is
// closed: anything outside statusCatalog is rejected on input.
type Status int

const (
	StatusSimulation Status = iota + 1
	StatusFormalization
	StatusClientFormalized
	StatusAutomaticValidation
	StatusCreditAnalysis
	StatusDivergentData
	StatusInternalPolicyRejected
	StatusPendingDocuments
	StatusDeskFormalizationCheck
	StatusDeskFormalizationApproved
	StatusDeskFormalizationRejected
	StatusApprovedFinished
	StatusRejectedFinished
	StatusInRegistration
	StatusRegistrationApproved
	StatusRegistrationRefused
	StatusCardIssuing
	StatusCardIssued
	StatusCardCreationError
	StatusWithdrawalInProgress
	StatusWithdrawalCompleted
	StatusPendingBankCorrection
	StatusWithdrawalRequestError
	StatusWithdrawalResubmission
	StatusInsufficientLimit
	StatusPaymentRefused
	StatusAwaitingBalance
	StatusBalanceReturned
	StatusBalanceRejected
	StatusConfirmPayment
	StatusPaymentReturned
	StatusAwaitingRegistration
	StatusRegistrationPending
	StatusIntegrationFinished
	StatusAwaitingPortFinish
	StatusAwaitingRefinRegistration
	StatusAwaitingRefinDisbursement
	StatusRefinFinished
	StatusRejected
)

type statusInfo struct {
	code   string
	label  string
	coarse CoarseStatus
}

var statusCatalog = map[Status]statusInfo{
	StatusSimulation:                {"ANDAMENTO_SIMULACAO", "Simulation", CoarseDigitation},
	StatusFormalization:             {"ANDAMENTO_FORMALIZACAO", "Formalization (client)", CoarseDigitation},
	StatusClientFormalized:          {"FINALIZADA_FORMALIZACAO_CLIENTE", "Formalization finished (client)", CoarseDigitation},
	StatusAutomaticValidation:       {"VALIDACOES_AUTOMATICAS", "Automatic validations", CoarseDigitation},
	StatusCreditAnalysis:            {"ANALISE_DE_CREDITO", "Credit analysis", CoarseDigitation},
	StatusDivergentData:             {"PENDENTE_DADOS_DIVERGENTES", "Pending - divergent data", CoarseDigitation},
	StatusInternalPolicyRejected:    {"REPROVADA_POLITICA_INTERNA", "Rejected - internal policy", CoarseCanceled},
	StatusPendingDocuments:          {"PENDENTE_DOCUMENTACAO", "Pending documents", CoarseDigitation},
	StatusDeskFormalizationCheck:    {"CHECAGEM_MESA_FORMALIZACAO", "Formalization desk check", CoarseDesk},
	StatusDeskFormalizationApproved: {"APROVADA_MESA_FORMALIZACAO", "Approved - formalization desk", CoarseDesk},
	StatusDeskFormalizationRejected: {"REPROVADA_MESA_FORMALIZACAO", "Rejected - formalization desk", CoarseCanceled},
	StatusApprovedFinished:          {"APROVADA_FINALIZADA", "Approved - finished", CoarsePaid},
	StatusRejectedFinished:          {"REPROVADA_FINALIZADA", "Rejected - finished", CoarseCanceled},
	StatusInRegistration:            {"EM_AVERBACAO", "Margin registration", CoarseInRegistration},
	StatusRegistrationApproved:      {"APROVADA_AVERBACAO", "Approved - margin registration", CoarseInRegistration},
	StatusRegistrationRefused:       {"RECUSADA_AVERBACAO", "Refused - margin registration", CoarseCanceled},
	StatusCardIssuing:               {"ANDAMENTO_EMISSAO_CARTAO", "Card issuing", CoarseInRegistration},
	StatusCardIssued:                {"FINALIZADA_EMISSAO_CARTAO", "Card issued", CoarsePaid},
	StatusCardCreationError:         {"ERRO_CRIACAO_CARTAO", "Error - card creation", CoarseDesk},
	StatusWithdrawalInProgress:      {"ANDAMENTO_LIBERACAO_SAQUE", "Withdrawal in progress", CoarsePaid},
	StatusWithdrawalCompleted:       {"FINALIZADA_LIBERACAO_SAQUE", "Withdrawal completed", CoarsePaid},
	StatusPendingBankCorrection:     {"PENDENTE_CORRECAO_DADOS_BANCARIOS", "Pending - bank details correction", CoarseError},
	StatusWithdrawalRequestError:    {"ERRO_SOLICITACAO_SAQUE", "Error - withdrawal request", CoarseDesk},
	StatusWithdrawalResubmission:    {"ANDAMENTO_REAPRESENTACAO_DO_PAGAMENTO_DE_SAQUE", "Withdrawal resubmission in progress", CoarseDigitation},
	StatusInsufficientLimit:         {"SAQUE_CANCELADO_LIMITE_DISPONIVEL_INSUFICIENTE", "Withdrawal canceled - insufficient limit", CoarseCanceled},
	StatusPaymentRefused:            {"SAQUE_RECUSADO_PROBLEMA_PAGAMENTO", "Withdrawal refused - payment problem", CoarseError},
	StatusAwaitingBalance:           {"AGUARDA_RETORNO_SALDO", "Awaiting balance return", CoarseInRegistration},
	StatusBalanceReturned:           {"SALDO_RETORNADO", "Balance returned", CoarseInRegistration},
	StatusBalanceRejected:           {"SALDO_REPROVADO", "Balance rejected", CoarseCanceled},
	StatusConfirmPayment:            {"INT_CONFIRMA_PAGAMENTO", "Confirm payment", CoarseInRegistration},
	StatusPaymentReturned:           {"REPROVADA_PAGAMENTO_DEVOLVIDO", "Rejected - payment returned", CoarseCanceled},
	StatusAwaitingRegistration:      {"INT_AGUARDA_AVERBACAO", "Awaiting registration", CoarseInRegistration},
	StatusRegistrationPending:       {"INT_AVERBACAO_PENDENTE", "Registration pending", CoarseInRegistration},
	StatusIntegrationFinished:       {"INT_FINALIZADO", "Finished", CoarsePaid},
	StatusAwaitingPortFinish:        {"AGUARDANDO_FINALIZAR_PORT", "Awaiting portability finish", CoarseInRegistration},
	StatusAwaitingRefinRegistration: {"AGUARDANDO_AVERBACAO_REFIN", "Awaiting refinancing registration", CoarseInRegistration},
	StatusAwaitingRefinDisbursement: {"AGUARDANDO_DESEMBOLSO_REFIN", "Awaiting refinancing disbursement", CoarseInRegistration},
	StatusRefinFinished:             {"INT_FINALIZADO_DO_REFIN", "Refinancing finished", CoarsePaid},
	StatusRejected:                  {"REPROVADO", "Rejected", CoarseCanceled},
}

var statusByCode = func() map[string]Status {
	m := make(map[string]Status, len(statusCatalog))
	for s, info := range statusCatalog {
		m[info.code] = s
	}
	return m
}()

func (s Status) IsValid() bool {
	_, ok := statusCatalog[s]
	return ok
}

// String returns the persisted status code, e.g. ANDAMENTO_LIBERACAO_SAQUE.
func (s Status) String() string {
	if info, ok := statusCatalog[s]; ok {
		return info.code
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) Label() string {
	return statusCatalog[s].label
}

// CoarseFor is the pure projection from fine to coarse status.
func CoarseFor(s Status) CoarseStatus {
	if info, ok := statusCatalog[s]; ok {
		return info.coarse
	}
	return CoarseError
}

func ParseStatus(code string) (Status, error) {
	if s, ok := statusByCode[code]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown status code %q", code)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var code string
	if err := json.Unmarshal(b, &code); err != nil {
		return errors.New("status must be string")
	}
	v, err := ParseStatus(code)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DisbursementSettled reports whether a withdrawal was already requested or
// finished for the record, so a new provider request must not be issued.
func DisbursementSettled(s Status) bool {
	switch s {
	case StatusWithdrawalInProgress, StatusWithdrawalCompleted, StatusPendingBankCorrection,
		StatusWithdrawalResubmission, StatusCardIssued:
		return true
	}
	return false
}

// AwaitingSettlement reports whether provider confirmation is still pending.
func AwaitingSettlement(s Status) bool {
	return s == StatusWithdrawalInProgress || s == StatusWithdrawalResubmission
}
