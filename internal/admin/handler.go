// Package admin exposes direct broker manipulation for operational
// recovery: cancelling and requeuing jobs by queue and id.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"aurum_backend/internal/followups/tasks"
	"aurum_backend/platform/httpkit"
	"aurum_backend/platform/validator"
)

// JobBroker is the broker surface admin operations need.
type JobBroker interface {
	Remove(ctx context.Context, queue, id string) error
	Requeue(ctx context.Context, queue, id, taskType string, data []byte) error
	Inspect(ctx context.Context, queue, id string) (*asynq.TaskInfo, error)
}

var knownQueues = map[string]struct{}{
	tasks.QueuePing:      {},
	tasks.QueueReminders: {},
	tasks.QueueOps:       {},
}

type Handler struct {
	broker JobBroker
	val    *validator.Validator
}

func NewHandler(broker JobBroker, val *validator.Validator) *Handler {
	return &Handler{broker: broker, val: val}
}

// JobRequest addresses one broker job.
type JobRequest struct {
	Queue string `json:"queue" validate:"required"`
	JobID string `json:"jobId" validate:"required"`
}

// RequeueRequest optionally carries a replacement payload for jobs the
// broker no longer holds.
type RequeueRequest struct {
	JobRequest
	TaskType string          `json:"taskType"`
	Data     json.RawMessage `json:"data"`
}

// HandleCancel removes a pending broker job.
// POST /api/v1/admin/jobs/cancel
func (h *Handler) HandleCancel(c *gin.Context) {
	var req JobRequest
	if !h.bindJob(c, &req) {
		return
	}

	if err := h.broker.Remove(c.Request.Context(), req.Queue, req.JobID); httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"ok": true})
}

// HandleRequeue re-enqueues a job for immediate processing, preserving the
// at-most-one-live-handle rule for its identity.
// POST /api/v1/admin/jobs/requeue
func (h *Handler) HandleRequeue(c *gin.Context) {
	var req RequeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.val.Struct(req.JobRequest); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return
	}
	if !h.queueKnown(c, req.Queue) {
		return
	}

	err := h.broker.Requeue(c.Request.Context(), req.Queue, req.JobID, req.TaskType, req.Data)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		httpkit.Error(c, http.StatusNotFound, "job not found and no replacement data provided", nil)
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"ok": true})
}

// HandleInspect reports the broker's view of one job.
// GET /api/v1/admin/jobs/:queue/:id
func (h *Handler) HandleInspect(c *gin.Context) {
	queue := c.Param("queue")
	if !h.queueKnown(c, queue) {
		return
	}

	info, err := h.broker.Inspect(c.Request.Context(), queue, c.Param("id"))
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		httpkit.Error(c, http.StatusNotFound, "job not found", nil)
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, gin.H{
		"id":           info.ID,
		"queue":        info.Queue,
		"type":         info.Type,
		"state":        info.State.String(),
		"retried":      info.Retried,
		"max_retry":    info.MaxRetry,
		"next_process": info.NextProcessAt,
		"last_err":     info.LastErr,
	})
}

func (h *Handler) bindJob(c *gin.Context, req *JobRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	if err := h.val.Struct(*req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return false
	}
	return h.queueKnown(c, req.Queue)
}

func (h *Handler) queueKnown(c *gin.Context, queue string) bool {
	if _, ok := knownQueues[queue]; !ok {
		httpkit.Error(c, http.StatusBadRequest, "unknown queue", gin.H{"queue": queue})
		return false
	}
	return true
}
