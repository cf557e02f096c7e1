package catalog

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tienda-erp/tienda-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the catalog hierarchy.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the catalog handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/family-groups/tree", h.handleTree)
	r.Post("/family-groups", h.handleCreate)
}

type createGroupRequest struct {
	Name     string `json:"name" validate:"required"`
	ParentID *int64 `json:"parent_id"`
	ActorID  int64  `json:"actor_id"`
}

func (h *Handler) handleTree(w http.ResponseWriter, r *http.Request) {
	forest, err := h.service.Forest(r.Context())
	if err != nil {
		h.logger.Error("family group tree", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, forest)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	g, err := h.service.CreateGroup(r.Context(), req.Name, req.ParentID, req.ActorID)
	if err != nil {
		h.logger.Error("create family group", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, g)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidHierarchy):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Hierarchy", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
