package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/tasks"
	"github.com/sirupsen/logrus"
)

// pushEnvelope is the body of a Pub/Sub push delivery.
type pushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// taskPush executes the task named by a push delivery. Poison messages are
// acked with 204; a non-2xx answer makes Pub/Sub redeliver.
func (a *API) taskPush(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(a.Logger, "handlers", "taskPush", "io.ReadAll", nil, err)
		c.Status(http.StatusNoContent)
		return
	}
	var env pushEnvelope
	// byte slice unmarshalling handles base64 decoding.
	if err := json.Unmarshal(body, &env); err != nil {
		config.LogError(a.Logger, "handlers", "taskPush", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	var m tasks.Message
	if err := json.Unmarshal(env.Message.Data, &m); err != nil || m.TaskID <= 0 {
		config.LogError(a.Logger, "handlers", "taskPush", "Unmarshal task message", string(env.Message.Data), fmt.Errorf("task_id required: %v", err))
		c.Status(http.StatusNoContent)
		return
	}

	fields := logrus.Fields{
		"field":          "taskPush",
		"task_id":        m.TaskID,
		"kind":           m.Kind,
		"contract_id":    m.ContractID,
		"message_id":     env.Message.ID,
		"correlation_id": m.CorrelationID,
	}
	lock := a.obtain(c, fmt.Sprintf("lock:contract:%d", m.ContractID), fields)
	defer a.release(c, lock)

	if err := a.Tasks.Execute(c.Request.Context(), m.TaskID); err != nil {
		a.Logger.WithFields(fields).Error("task execution failed: " + err.Error())
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

type replayRequest struct {
	TaskID int `json:"task_id" binding:"required,gt=0"`
}

func (a *API) replayTask(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}
	t, err := tasks.Replay(c.Request.Context(), a.DB, req.TaskID)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.Logger.WithFields(logrus.Fields{"field": "replayTask", "task_id": t.ID, "kind": t.Kind}).Info("task replayed")
	c.JSON(http.StatusOK, t)
}

func (a *API) deadTasks(c *gin.Context) {
	list, err := tasks.Dead(c.Request.Context(), a.DB, 100)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list})
}
