package purchases

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tienda-erp/tienda-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the purchase workflow.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the purchases handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers purchase routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/branches/{branchID}/pending-shipments", h.handlePending)
	r.Post("/payments", h.handleAccountPayment)
	r.Post("/purchases", h.handleCreate)
	r.Route("/purchases/{purchaseID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/submit", h.handleTransition("submit", h.service.Submit))
		r.Post("/receive", h.handleTransition("receive", h.service.Receive))
		r.Post("/cancel", h.handleTransition("cancel", h.service.Cancel))
		r.Post("/payments", h.handlePayment)
		r.Get("/barcodes", h.handleBarcodes)
	})
}

type lineItemRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	SizeID    int64           `json:"size_id" validate:"required,gt=0"`
	ColorID   int64           `json:"color_id" validate:"required,gt=0"`
	Quantity  int64           `json:"quantity" validate:"required,gt=0"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Barcode   string          `json:"barcode"`
}

type createRequest struct {
	ProviderID          int64             `json:"provider_id" validate:"required,gt=0"`
	DestinationBranchID int64             `json:"destination_branch_id" validate:"required,gt=0"`
	Items               []lineItemRequest `json:"items" validate:"required,min=1,dive"`
	Tax                 decimal.Decimal   `json:"tax"`
	Notes               string            `json:"notes"`
	ActorID             int64             `json:"actor_id"`
}

type paymentRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method" validate:"required"`
	Note    string          `json:"note"`
	ActorID int64           `json:"actor_id"`
}

type accountPaymentRequest struct {
	ProviderID int64           `json:"provider_id" validate:"required,gt=0"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method" validate:"required"`
	Note       string          `json:"note"`
	ActorID    int64           `json:"actor_id"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := CreateInput{
		ProviderID:          req.ProviderID,
		DestinationBranchID: req.DestinationBranchID,
		Tax:                 req.Tax,
		Notes:               req.Notes,
		ActorID:             req.ActorID,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, LineItem{
			ProductID: it.ProductID,
			SizeID:    it.SizeID,
			ColorID:   it.ColorID,
			Quantity:  it.Quantity,
			UnitCost:  it.UnitCost,
			Barcode:   it.Barcode,
		})
	}
	p, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.logger.Error("create purchase", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.purchaseID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleTransition(name string, do func(ctx context.Context, id, actorID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.purchaseID(w, r)
		if !ok {
			return
		}
		var req struct {
			ActorID int64 `json:"actor_id"`
		}
		_ = httpx.DecodeJSON(r, &req)
		if err := do(r.Context(), id, req.ActorID); err != nil {
			h.logger.Error("purchase transition", slog.String("op", name), slog.Int64("purchase_id", id), slog.Any("error", err))
			h.respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.purchaseID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	payment, err := h.service.RegisterPayment(r.Context(), id, req.Amount, req.Method, req.Note, req.ActorID)
	if err != nil {
		h.logger.Error("register payment", slog.Int64("purchase_id", id), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) handleAccountPayment(w http.ResponseWriter, r *http.Request) {
	var req accountPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	payment, err := h.service.RegisterAccountPayment(r.Context(), req.ProviderID, req.Amount, req.Method, req.Note, req.ActorID)
	if err != nil {
		h.logger.Error("register account payment", slog.Int64("provider_id", req.ProviderID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) handleBarcodes(w http.ResponseWriter, r *http.Request) {
	id, ok := h.purchaseID(w, r)
	if !ok {
		return
	}
	items, err := h.service.GenerateBarcodes(r.Context(), id, 0)
	if err != nil {
		h.logger.Error("generate barcodes", slog.Int64("purchase_id", id), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(chi.URLParam(r, "branchID"), 10, 64)
	if err != nil || branchID < 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid branch id")
		return
	}
	list, err := h.service.PendingShipments(r.Context(), branchID)
	if err != nil {
		h.logger.Error("pending shipments", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) purchaseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "purchaseID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid purchase id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyReceived):
		httpx.Problem(w, http.StatusConflict, "Already Received", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
