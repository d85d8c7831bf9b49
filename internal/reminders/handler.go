// Package reminders exposes the independent-reminder API: list, create,
// cancel.
package reminders

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"aurum_backend/internal/conversations"
	"aurum_backend/internal/followups/repository"
	"aurum_backend/internal/followups/scheduler"
	"aurum_backend/platform/httpkit"
	"aurum_backend/platform/validator"
)

// Followups is the scheduler surface the reminder API drives.
type Followups interface {
	ScheduleIndependentReminder(ctx context.Context, key conversations.Key, params scheduler.IndependentParams) (repository.Job, error)
	CancelReminderByID(ctx context.Context, key conversations.Key, id int64) (bool, error)
}

type Handler struct {
	followups Followups
	ledger    repository.LedgerReader
	val       *validator.Validator
}

func NewHandler(followups Followups, ledger repository.LedgerReader, val *validator.Validator) *Handler {
	return &Handler{followups: followups, ledger: ledger, val: val}
}

// conversationQuery identifies the conversation in query or body form.
type conversationQuery struct {
	TenantID        int64  `form:"tenant_id" json:"tenant_id" validate:"required,gt=0"`
	Phone           string `form:"phone" json:"phone" validate:"required"`
	ChannelInstance string `form:"channel_instance" json:"channel_instance" validate:"required"`
	Domain          string `form:"domain" json:"domain" validate:"required"`
}

func (q conversationQuery) key() (conversations.Key, error) {
	return conversations.NewKey(q.TenantID, q.Phone, q.ChannelInstance, q.Domain)
}

// ReminderView is one ledger row as reported by the API.
type ReminderView struct {
	ID                  int64      `json:"id"`
	Kind                string     `json:"kind"`
	ScheduledAt         time.Time  `json:"scheduled_at"`
	Status              string     `json:"status"`
	CancelOnNewActivity bool       `json:"cancel_on_new_activity"`
	DeliveredAt         *time.Time `json:"delivered_at,omitempty"`
	CorrelationID       string     `json:"correlation_id"`
	CreatedAt           time.Time  `json:"created_at"`
}

func toView(job repository.Job) ReminderView {
	return ReminderView{
		ID:                  job.ID,
		Kind:                job.Kind,
		ScheduledAt:         job.ScheduledAt,
		Status:              job.Status,
		CancelOnNewActivity: job.CancelOnNewActivity,
		DeliveredAt:         job.DeliveredAt,
		CorrelationID:       job.CorrelationID.String(),
		CreatedAt:           job.CreatedAt,
	}
}

// HandleList lists the follow-up ledger rows of a conversation, optionally
// filtered by CSV status and kind lists.
// GET /api/v1/reminders
func (h *Handler) HandleList(c *gin.Context) {
	var query conversationQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	if err := h.val.Struct(query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	key, err := query.key()
	if httpkit.HandleError(c, err) {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	jobs, err := h.ledger.List(c.Request.Context(), key, repository.ListFilter{
		Statuses: splitCSV(c.Query("status")),
		Kinds:    splitCSV(c.Query("kind")),
		Limit:    limit,
	})
	if httpkit.HandleError(c, err) {
		return
	}

	views := make([]ReminderView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, toView(job))
	}
	httpkit.OK(c, gin.H{"reminders": views})
}

// CreateReminderRequest schedules an independent reminder. due_at wins over
// days_offset; with neither the reminder is due immediately. kind defaults
// to reminder_custom.
type CreateReminderRequest struct {
	conversationQuery
	DueAt      *time.Time `json:"due_at"`
	DaysOffset *int       `json:"days_offset"`
	Kind       string     `json:"kind"`
	Timezone   string     `json:"timezone"`
}

// HandleCreate schedules an independent reminder.
// POST /api/v1/reminders
func (h *Handler) HandleCreate(c *gin.Context) {
	var req CreateReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.val.Struct(req.conversationQuery); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	key, err := req.key()
	if httpkit.HandleError(c, err) {
		return
	}

	job, err := h.followups.ScheduleIndependentReminder(c.Request.Context(), key, scheduler.IndependentParams{
		DueAt:      req.DueAt,
		DaysOffset: req.DaysOffset,
		Kind:       req.Kind,
		Timezone:   req.Timezone,
	})
	if httpkit.HandleError(c, err) {
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reminder_id": job.ID,
		"reminder":    toView(job),
		"trace_id":    httpkit.TraceIDFrom(c),
	})
}

// HandleCancel cancels one scheduled reminder.
// PATCH /api/v1/reminders/:id/cancel
func (h *Handler) HandleCancel(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid reminder id", nil)
		return
	}

	var query conversationQuery
	if err := c.ShouldBindJSON(&query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.val.Struct(query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	key, err := query.key()
	if httpkit.HandleError(c, err) {
		return
	}

	ok, err := h.followups.CancelReminderByID(c.Request.Context(), key, id)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, gin.H{"ok": ok})
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}
