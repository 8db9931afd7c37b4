package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/disbursement"
	"github.com/mmdatafocus/credit_backend/exchangelog"
	"github.com/mmdatafocus/credit_backend/ledger"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/shopspring/decimal"
)

// resultBody is a disbursement result plus the rejection, if any.
type resultBody struct {
	disbursement.Result
	Rejection string `json:"rejection,omitempty"`
}

func body(res disbursement.Result) resultBody {
	out := resultBody{Result: res}
	if res.Rejection != nil {
		out.Rejection = res.Rejection.Error()
	}
	return out
}

func (a *API) originate(c *gin.Context) {
	var in ledger.NewContract
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contract, rec, err := a.Engine.Originate(c.Request.Context(), in)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contract": contract, "product_record": rec})
}

type disburseRequest struct {
	AvailableLimit *decimal.Decimal `json:"available_limit"`
}

func (a *API) disburse(c *gin.Context) {
	id, ok := contractID(c)
	if !ok {
		return
	}
	var req disburseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res, err := a.Orchestrator.Disburse(c.Request.Context(), disbursement.Input{
		ContractID:     id,
		Actor:          appctx.Actor(c.Request.Context()),
		AvailableLimit: req.AvailableLimit,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, body(res))
}

type bankDetailsRequest struct {
	ProposalRef string             `json:"proposal_ref"`
	BankAccount models.BankAccount `json:"bank_account"`
}

func (a *API) updateBankDetails(c *gin.Context) {
	id, ok := contractID(c)
	if !ok {
		return
	}
	var req bankDetailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := a.Orchestrator.UpdateBankDetails(c.Request.Context(), disbursement.BankDetailsInput{
		ContractID:  id,
		ProposalRef: req.ProposalRef,
		Account:     req.BankAccount,
		Actor:       appctx.Actor(c.Request.Context()),
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, body(res))
}

func (a *API) reserveMargin(c *gin.Context) {
	a.registry(c, (*disbursement.Reserver).ReserveMargin)
}

func (a *API) cancelReservation(c *gin.Context) {
	a.registry(c, (*disbursement.Reserver).CancelReservation)
}

func (a *API) registry(c *gin.Context, call func(*disbursement.Reserver, context.Context, int, string) (disbursement.Result, error)) {
	if a.Reserver == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no payroll registry configured"})
		return
	}
	id, ok := contractID(c)
	if !ok {
		return
	}
	res, err := call(a.Reserver, c.Request.Context(), id, appctx.Actor(c.Request.Context()))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, body(res))
}

type transitionRequest struct {
	Status          models.Status        `json:"status" binding:"required"`
	CoarseStatus    *models.CoarseStatus `json:"coarse_status"`
	ExpectedVersion int                  `json:"expected_version"`
	Reason          string               `json:"reason"`
}

// transition is the manual status change of the back office.
func (a *API) transition(c *gin.Context) {
	id, ok := contractID(c)
	if !ok {
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	_, rec, err := models.LoadContractRecord(a.DB.WithContext(c.Request.Context()), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	updated, err := a.Engine.Transition(c.Request.Context(), ledger.Request{
		ContractID:      id,
		ProductRecordID: rec.ID,
		ExpectedVersion: req.ExpectedVersion,
		TargetCoarse:    req.CoarseStatus,
		TargetFine:      req.Status,
		Actor:           appctx.Actor(c.Request.Context()),
		Reason:          req.Reason,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contract_id":   id,
		"status":        updated.Status,
		"coarse_status": models.CoarseFor(updated.Status),
		"version":       updated.Version,
	})
}

func (a *API) history(c *gin.Context) {
	id, ok := contractID(c)
	if !ok {
		return
	}
	entries, err := a.Engine.History(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": models.ErrRecordNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract_id": id, "entries": entries})
}

func (a *API) exchanges(c *gin.Context) {
	id, ok := contractID(c)
	if !ok {
		return
	}
	list, err := exchangelog.ForContract(c.Request.Context(), a.DB, id, 100)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract_id": id, "exchanges": list})
}

// exchangeArchive answers a short-lived link to the full archived exchange.
func (a *API) exchangeArchive(c *gin.Context) {
	id, ok := contractID(c)
	if !ok {
		return
	}
	if a.Archive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "exchange archive is not configured"})
		return
	}
	exID, err := strconv.Atoi(c.Param("exchange_id"))
	if err != nil || exID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exchange id"})
		return
	}
	ex, err := exchangelog.Find(c.Request.Context(), a.DB, id, exID)
	if err != nil {
		a.fail(c, err)
		return
	}
	if ex.ArchiveObject == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "exchange was not archived"})
		return
	}
	u, expires, err := a.Archive.SignedURL(c.Request.Context(), ex.ArchiveObject)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange_id": ex.ID, "url": u, "expires_at": expires})
}
