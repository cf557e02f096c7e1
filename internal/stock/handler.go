package stock

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tienda-erp/tienda-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/branches/{branchID}/stock", h.handleBranchStock)
	r.Get("/products/{productID}/stock", h.handleProductSummary)
	r.Put("/stock", h.handleSetQuantity)
	r.Post("/movements", h.handleMovement)
}

type setQuantityRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	SizeID    int64 `json:"size_id" validate:"required,gt=0"`
	ColorID   int64 `json:"color_id" validate:"required,gt=0"`
	BranchID  int64 `json:"branch_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"gte=0"`
	ActorID   int64 `json:"actor_id"`
}

type movementItemRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	SizeID    int64 `json:"size_id" validate:"required,gt=0"`
	ColorID   int64 `json:"color_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
}

type movementRequest struct {
	Reference    string                `json:"reference"`
	FromBranchID int64                 `json:"from_branch_id"`
	ToBranchID   int64                 `json:"to_branch_id" validate:"required,gt=0"`
	Items        []movementItemRequest `json:"items" validate:"required,min=1,dive"`
	Notes        string                `json:"notes"`
	ActorID      int64                 `json:"actor_id"`
}

func (h *Handler) handleBranchStock(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(chi.URLParam(r, "branchID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid branch id")
		return
	}
	variants, err := h.service.BranchStock(r.Context(), branchID)
	if err != nil {
		h.logger.Error("branch stock", slog.Int64("branch_id", branchID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, variants)
}

func (h *Handler) handleProductSummary(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	var branchID int64
	if raw := r.URL.Query().Get("branch_id"); raw != "" {
		branchID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid branch id")
			return
		}
	}
	summary, err := h.service.Summary(r.Context(), productID, branchID)
	if err != nil {
		h.logger.Error("product summary", slog.Int64("product_id", productID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ref := VariantRef{ProductID: req.ProductID, SizeID: req.SizeID, ColorID: req.ColorID, BranchID: req.BranchID}
	if err := h.service.SetQuantity(r.Context(), ref, req.Quantity, req.ActorID); err != nil {
		h.logger.Error("set quantity", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := TransferInput{
		Reference:    req.Reference,
		FromBranchID: req.FromBranchID,
		ToBranchID:   req.ToBranchID,
		Notes:        req.Notes,
		ActorID:      req.ActorID,
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, TransferItem{
			ProductID: item.ProductID,
			SizeID:    item.SizeID,
			ColorID:   item.ColorID,
			Quantity:  item.Quantity,
		})
	}
	movement, err := h.service.Transfer(r.Context(), input)
	if err != nil {
		h.logger.Error("post movement", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrDuplicateMovement):
		httpx.Problem(w, http.StatusConflict, "Duplicate Movement", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrEmptyMovement), errors.Is(err, ErrSameBranch):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrVariantNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
