package admin

import (
	apphttp "aurum_backend/internal/http"
	"aurum_backend/platform/validator"
)

// Module is the operational recovery module implementing http.Module.
type Module struct {
	handler *Handler
}

func NewModule(broker JobBroker, val *validator.Validator) *Module {
	return &Module{handler: NewHandler(broker, val)}
}

func (m *Module) Name() string {
	return "admin"
}

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.Admin.Group("/jobs")
	group.POST("/cancel", m.handler.HandleCancel)
	group.POST("/requeue", m.handler.HandleRequeue)
	group.GET("/:queue/:id", m.handler.HandleInspect)
}
