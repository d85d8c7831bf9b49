package webhooks

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aurum_backend/internal/conversations"
	"aurum_backend/platform/httpkit"
	"aurum_backend/platform/validator"
)

// Handler handles inbound message webhooks.
type Handler struct {
	service *Service
	val     *validator.Validator
}

func NewHandler(service *Service, val *validator.Validator) *Handler {
	return &Handler{service: service, val: val}
}

// IngestMessageRequest is the inbound message webhook body.
type IngestMessageRequest struct {
	TenantID        int64          `json:"tenant_id" validate:"required,gt=0"`
	Phone           string         `json:"phone" validate:"required"`
	ChannelInstance string         `json:"channel_instance" validate:"required"`
	Domain          string         `json:"domain" validate:"required"`
	MsgID           string         `json:"msg_id"`
	Timestamp       string         `json:"ts"`
	FirstName       *string        `json:"first_name"`
	LastName        *string        `json:"last_name"`
	Timezone        *string        `json:"timezone"`
	Payload         map[string]any `json:"payload"`
	Marketing       map[string]any `json:"marketing"`
}

// IngestMessageResponse reports what ingestion did.
type IngestMessageResponse struct {
	OK                 bool    `json:"ok"`
	Deduped            bool    `json:"deduped"`
	ReprogrammedPing10 bool    `json:"reprogrammed_ping10"`
	CancelledReminders int64   `json:"cancelled_reminders"`
	PingDueAt          *string `json:"ping_due_at,omitempty"`
	TraceID            string  `json:"trace_id"`
}

// HandleIngestMessage processes an inbound channel message.
// POST /api/v1/webhooks/message
func (h *Handler) HandleIngestMessage(c *gin.Context) {
	var req IngestMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	key, err := conversations.NewKey(req.TenantID, req.Phone, req.ChannelInstance, req.Domain)
	if httpkit.HandleError(c, err) {
		return
	}

	result, err := h.service.IngestMessage(c.Request.Context(), key, IngestParams{
		MsgID:     req.MsgID,
		Timestamp: req.Timestamp,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Timezone:  req.Timezone,
		Payload:   req.Payload,
		Marketing: req.Marketing,
	})
	if httpkit.HandleError(c, err) {
		return
	}

	resp := IngestMessageResponse{
		OK:                 true,
		Deduped:            result.Deduped,
		ReprogrammedPing10: result.PingDueAt != nil,
		CancelledReminders: result.CancelledReminders,
		TraceID:            httpkit.TraceIDFrom(c),
	}
	if result.PingDueAt != nil {
		due := result.PingDueAt.Format("2006-01-02T15:04:05Z07:00")
		resp.PingDueAt = &due
	}

	httpkit.OK(c, resp)
}
