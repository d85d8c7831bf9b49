package reminders

import (
	"aurum_backend/internal/followups/repository"
	apphttp "aurum_backend/internal/http"
	"aurum_backend/platform/validator"
)

// Module is the reminder API module implementing http.Module.
type Module struct {
	handler *Handler
}

func NewModule(followups Followups, ledger repository.LedgerReader, val *validator.Validator) *Module {
	return &Module{handler: NewHandler(followups, ledger, val)}
}

func (m *Module) Name() string {
	return "reminders"
}

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/reminders")
	group.GET("", m.handler.HandleList)
	group.POST("", m.handler.HandleCreate)
	group.PATCH("/:id/cancel", m.handler.HandleCancel)
}
