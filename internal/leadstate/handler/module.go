package handler

import (
	"github.com/jackc/pgx/v5/pgxpool"

	apphttp "aurum_backend/internal/http"
	"aurum_backend/internal/leadstate/repository"
	"aurum_backend/internal/leadstate/service"
	"aurum_backend/platform/logger"
	"aurum_backend/platform/validator"
)

// Module is the lead state bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	repo    *repository.Repository
	service *service.Service
}

func NewModule(
	pool *pgxpool.Pool,
	convs service.ConversationStore,
	cascade service.Cascade,
	defaultTimezone string,
	val *validator.Validator,
	log *logger.Logger,
) *Module {
	repo := repository.New(pool)
	svc := service.New(repo, convs, cascade, defaultTimezone, log)

	return &Module{
		handler: New(svc, val),
		repo:    repo,
		service: svc,
	}
}

func (m *Module) Name() string {
	return "leadstate"
}

// Repository exposes the lead store for the worker composition root.
func (m *Module) Repository() *repository.Repository {
	return m.repo
}

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/leads")
	group.GET("/state", m.handler.HandleGetState)
	group.POST("/state", m.handler.HandleSetState)
}
