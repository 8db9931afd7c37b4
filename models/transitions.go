package models

import "sort"

type edges map[Status][]Status

var formalizationEdges = edges{
	StatusSimulation:             {StatusFormalization, StatusRejectedFinished},
	StatusFormalization:          {StatusClientFormalized, StatusPendingDocuments, StatusRejectedFinished},
	StatusClientFormalized:       {StatusAutomaticValidation, StatusCreditAnalysis, StatusDeskFormalizationCheck},
	StatusAutomaticValidation:    {StatusDeskFormalizationCheck, StatusDivergentData, StatusInternalPolicyRejected},
	StatusCreditAnalysis:         {StatusDeskFormalizationCheck, StatusInternalPolicyRejected},
	StatusDivergentData:          {StatusDeskFormalizationCheck, StatusRejectedFinished},
	StatusPendingDocuments:       {StatusDeskFormalizationCheck, StatusRejectedFinished},
	StatusDeskFormalizationCheck: {StatusDeskFormalizationApproved, StatusDeskFormalizationRejected, StatusPendingDocuments},
}

var withdrawalEdges = edges{
	StatusDeskFormalizationApproved: {StatusInRegistration},
	StatusInRegistration:            {StatusRegistrationApproved, StatusRegistrationRefused},
	StatusRegistrationApproved:      {StatusWithdrawalInProgress, StatusWithdrawalRequestError, StatusInsufficientLimit, StatusRejectedFinished},
	StatusWithdrawalInProgress:      {StatusWithdrawalCompleted, StatusPendingBankCorrection, StatusPaymentRefused},
	StatusPendingBankCorrection:     {StatusWithdrawalResubmission, StatusWithdrawalRequestError},
	StatusWithdrawalResubmission:    {StatusWithdrawalCompleted, StatusPendingBankCorrection, StatusPaymentRefused},
	// repeated request errors are all recorded
	StatusWithdrawalRequestError: {StatusWithdrawalRequestError, StatusWithdrawalInProgress, StatusInsufficientLimit, StatusRejectedFinished},
}

var benefitCardEdges = edges{
	StatusRegistrationApproved:   {StatusCardIssuing, StatusCardIssued},
	StatusCardIssuing:            {StatusCardIssued, StatusCardCreationError, StatusWithdrawalInProgress, StatusWithdrawalRequestError, StatusInsufficientLimit},
	StatusCardCreationError:      {StatusCardIssuing, StatusRejectedFinished},
	StatusWithdrawalRequestError: {StatusCardIssued},
}

var portabilityEdges = edges{
	StatusDeskFormalizationApproved: {StatusAwaitingBalance},
	StatusAwaitingBalance:           {StatusBalanceReturned, StatusBalanceRejected},
	StatusBalanceReturned:           {StatusConfirmPayment, StatusRejected},
	StatusConfirmPayment:            {StatusAwaitingRegistration, StatusPaymentReturned},
	StatusAwaitingRegistration:      {StatusRegistrationPending, StatusIntegrationFinished, StatusRejected},
	StatusRegistrationPending:       {StatusIntegrationFinished, StatusRejected},
}

var refinancingEdges = edges{
	StatusDeskFormalizationApproved: {StatusAwaitingPortFinish},
	StatusAwaitingPortFinish:        {StatusAwaitingRefinRegistration, StatusRejected},
	StatusAwaitingRefinRegistration: {StatusAwaitingRefinDisbursement, StatusRejected},
	StatusAwaitingRefinDisbursement: {StatusRefinFinished, StatusRejected},
}

// reachability is keyed by record kind; built once from the edge sets above.
var reachability = map[RecordKind]map[Status]map[Status]bool{
	KindBenefitCard:             build(formalizationEdges, withdrawalEdges, benefitCardEdges),
	KindComplementaryWithdrawal: build(formalizationEdges, withdrawalEdges),
	KindFreeMargin:              build(formalizationEdges, withdrawalEdges),
	KindPortability:             build(formalizationEdges, portabilityEdges),
	KindRefinancing:             build(formalizationEdges, refinancingEdges),
}

func build(sets ...edges) map[Status]map[Status]bool {
	out := map[Status]map[Status]bool{}
	for _, set := range sets {
		for from, tos := range set {
			if out[from] == nil {
				out[from] = map[Status]bool{}
			}
			for _, to := range tos {
				out[from][to] = true
			}
		}
	}
	return out
}

// CanTransition reports whether to is reachable from from for a record of the given kind.
// Unknown kinds and statuses fail closed.
func CanTransition(kind RecordKind, from, to Status) bool {
	table, ok := reachability[kind]
	if !ok || !to.IsValid() {
		return false
	}
	return table[from][to]
}

// NextStatuses lists the statuses reachable from s, for operator tooling.
func NextStatuses(kind RecordKind, s Status) []Status {
	var out []Status
	for to := range reachability[kind][s] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
