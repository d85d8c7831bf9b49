// Package handler exposes the lead state API.
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"aurum_backend/internal/conversations"
	convrepo "aurum_backend/internal/conversations/repository"
	"aurum_backend/internal/leadstate/repository"
	"aurum_backend/internal/leadstate/service"
	"aurum_backend/platform/httpkit"
	"aurum_backend/platform/validator"
)

type Handler struct {
	service *service.Service
	val     *validator.Validator
}

func New(service *service.Service, val *validator.Validator) *Handler {
	return &Handler{service: service, val: val}
}

// SetStateRequest is a requested lead state change.
type SetStateRequest struct {
	TenantID          int64   `json:"tenant_id" validate:"required,gt=0"`
	Phone             string  `json:"phone" validate:"required"`
	ChannelInstance   string  `json:"channel_instance" validate:"required"`
	Domain            string  `json:"domain" validate:"required"`
	OperationalStatus string  `json:"operational_status"`
	BusinessStatus    *string `json:"business_status"`
	PausedUntil       string  `json:"paused_until"`
	ReasonCode        *string `json:"reason_code"`
	Note              *string `json:"note"`
	ForceReopen       bool    `json:"force_reopen"`
	FirstName         *string `json:"first_name"`
	LastName          *string `json:"last_name"`
	Timezone          *string `json:"timezone"`
}

// StateResponse reports the lead's current state.
type StateResponse struct {
	OK           bool               `json:"ok"`
	Lead         LeadView           `json:"lead"`
	LatestEntry  *StateEntryView    `json:"latest_entry,omitempty"`
	Conversation *ConversationView  `json:"conversation,omitempty"`
	TraceID      string             `json:"trace_id"`
}

type LeadView struct {
	FirstName         *string `json:"first_name"`
	LastName          *string `json:"last_name"`
	Timezone          *string `json:"timezone"`
	OperationalStatus string  `json:"operational_status"`
	BusinessStatus    *string `json:"business_status"`
}

type StateEntryView struct {
	OperationalStatus *string    `json:"operational_status"`
	BusinessStatus    *string    `json:"business_status"`
	ReasonCode        *string    `json:"reason_code,omitempty"`
	Note              *string    `json:"note,omitempty"`
	PausedUntil       *time.Time `json:"paused_until,omitempty"`
	EffectiveAt       time.Time  `json:"effective_at"`
	Source            string     `json:"source"`
}

type ConversationView struct {
	LastActivityAt     *time.Time `json:"last_activity_at"`
	LastPingAt         *time.Time `json:"last_ping_at"`
	WindowMessageCount int        `json:"window_message_count"`
	EffectiveTimezone  string     `json:"effective_timezone"`
}

// HandleSetState applies a lead state change.
// POST /api/v1/leads/state
func (h *Handler) HandleSetState(c *gin.Context) {
	var req SetStateRequest
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

	view, err := h.service.SetState(c.Request.Context(), key, service.SetStateParams{
		Operational: req.OperationalStatus,
		Business:    req.BusinessStatus,
		PausedUntil: req.PausedUntil,
		ReasonCode:  req.ReasonCode,
		Note:        req.Note,
		ForceReopen: req.ForceReopen,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Timezone:    req.Timezone,
	})
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, toResponse(view, httpkit.TraceIDFrom(c)))
}

// HandleGetState reports the current lead state.
// GET /api/v1/leads/state
func (h *Handler) HandleGetState(c *gin.Context) {
	var query struct {
		TenantID        int64  `form:"tenant_id" validate:"required,gt=0"`
		Phone           string `form:"phone" validate:"required"`
		ChannelInstance string `form:"channel_instance" validate:"required"`
		Domain          string `form:"domain" validate:"required"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	if err := h.val.Struct(query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	key, err := conversations.NewKey(query.TenantID, query.Phone, query.ChannelInstance, query.Domain)
	if httpkit.HandleError(c, err) {
		return
	}

	view, err := h.service.GetState(c.Request.Context(), key)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, toResponse(view, httpkit.TraceIDFrom(c)))
}

func toResponse(view service.StateView, traceID string) StateResponse {
	resp := StateResponse{
		OK:      true,
		Lead:    toLeadView(view.Lead),
		TraceID: traceID,
	}
	if view.LatestEntry != nil {
		resp.LatestEntry = toEntryView(*view.LatestEntry)
	}
	if view.Conversation != nil {
		resp.Conversation = toConversationView(*view.Conversation)
	}
	return resp
}

func toLeadView(lead repository.Lead) LeadView {
	return LeadView{
		FirstName:         lead.FirstName,
		LastName:          lead.LastName,
		Timezone:          lead.Timezone,
		OperationalStatus: lead.OperationalStatus,
		BusinessStatus:    lead.BusinessStatus,
	}
}

func toEntryView(entry repository.StateEntry) *StateEntryView {
	return &StateEntryView{
		OperationalStatus: entry.OperationalStatus,
		BusinessStatus:    entry.BusinessStatus,
		ReasonCode:        entry.ReasonCode,
		Note:              entry.Note,
		PausedUntil:       entry.PausedUntil,
		EffectiveAt:       entry.EffectiveAt,
		Source:            entry.Source,
	}
}

func toConversationView(conv convrepo.Conversation) *ConversationView {
	return &ConversationView{
		LastActivityAt:     conv.LastActivityAt,
		LastPingAt:         conv.LastPingAt,
		WindowMessageCount: conv.WindowMessageCount,
		EffectiveTimezone:  conv.EffectiveTimezone,
	}
}
