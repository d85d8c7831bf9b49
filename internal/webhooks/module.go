// Package webhooks provides the inbound message ingestion module.
package webhooks

import (
	apphttp "aurum_backend/internal/http"
	"aurum_backend/platform/validator"
)

// Module is the message ingestion module implementing http.Module.
type Module struct {
	handler *Handler
}

func NewModule(service *Service, val *validator.Validator) *Module {
	return &Module{handler: NewHandler(service, val)}
}

func (m *Module) Name() string {
	return "webhooks"
}

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/webhooks")
	group.Use(ctx.IngestRateLimiter.RateLimit())
	group.POST("/message", m.handler.HandleIngestMessage)
}
