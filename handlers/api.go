// Package handlers is the HTTP surface: operator actions, the partner
// settlement webhook and the Pub/Sub push endpoint of the task outbox.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/credit_backend/disbursement"
	"github.com/mmdatafocus/credit_backend/exchangelog"
	"github.com/mmdatafocus/credit_backend/ledger"
	"github.com/mmdatafocus/credit_backend/models"
	"github.com/mmdatafocus/credit_backend/reconcile"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// API holds the collaborators of every route. Reserver may be nil when no
// payroll agreement is configured; its routes then answer 501.
type API struct {
	DB           *gorm.DB
	Engine       *ledger.Engine
	Orchestrator *disbursement.Orchestrator
	Reserver     *disbursement.Reserver
	Webhooks     *reconcile.WebhookProcessor
	Tasks        *tasks.Processor
	Locker       *redislock.Client

	// Archive signs download links for archived exchanges; nil answers 501.
	Archive exchangelog.URLSigner
	Logger  *logrus.Logger
}

// Register mounts the routes. operator guards back-office routes and webhook
// guards the partner callback.
func (a *API) Register(r *gin.Engine, operator, webhook []gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	ops := r.Group("/", operator...)
	ops.POST("/contracts", a.originate)
	ops.POST("/contracts/:id/disburse", a.disburse)
	ops.POST("/contracts/:id/bank-details", a.updateBankDetails)
	ops.POST("/contracts/:id/margin-reservation", a.reserveMargin)
	ops.DELETE("/contracts/:id/margin-reservation", a.cancelReservation)
	ops.POST("/contracts/:id/transitions", a.transition)
	ops.GET("/contracts/:id/status-history", a.history)
	ops.GET("/contracts/:id/exchanges", a.exchanges)
	ops.GET("/contracts/:id/exchanges/:exchange_id/archive", a.exchangeArchive)
	ops.POST("/internal/ops/tasks/replay", a.replayTask)
	ops.GET("/internal/ops/tasks/dead", a.deadTasks)

	hooks := r.Group("/webhooks", webhook...)
	hooks.POST("/payments", a.paymentWebhook)

	r.POST("/pubsub/tasks", a.taskPush)
	r.NoRoute(func(c *gin.Context) { c.JSON(http.StatusNotFound, gin.H{"error": "route not found"}) })
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	var ve validator.ValidationErrors
	switch {
	case errors.Is(err, models.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrProviderTransport):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrProviderRejection), errors.Is(err, models.ErrInsufficientLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reconcile.ErrInvalidPayload), errors.As(err, &ve):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func contractID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract id"})
		return 0, false
	}
	return id, true
}
