package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/reconcile"
	"github.com/sirupsen/logrus"
)

// paymentWebhook answers 200 for every processed callback, duplicates
// included, so the partner stops retrying.
func (a *API) paymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	var p reconcile.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		config.LogError(a.Logger, "handlers", "paymentWebhook", "Unmarshal body", string(raw), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lock := a.obtain(c, fmt.Sprintf("lock:contract:%d", p.ContractID), logrus.Fields{
		"field":       "paymentWebhook",
		"contract_id": p.ContractID,
	})
	defer a.release(c, lock)

	res, err := a.Webhooks.Process(c.Request.Context(), p)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// obtain is a best-effort Redis lock; correctness rests on the version CAS.
func (a *API) obtain(c *gin.Context, key string, fields logrus.Fields) *redislock.Lock {
	if a.Locker == nil {
		return nil
	}
	lock, err := a.Locker.Obtain(c.Request.Context(), key, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		a.Logger.WithFields(fields).Warn("could not obtain redis lock; proceeding without redis lock")
		return nil
	} else if err != nil {
		a.Logger.WithFields(fields).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
		return nil
	}
	return lock
}

func (a *API) release(c *gin.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(c.Request.Context()); err != nil {
		a.Logger.WithFields(logrus.Fields{"field": "handlers.release", "key": lock.Key()}).Warn("failed to release redis lock: " + err.Error())
	}
}
