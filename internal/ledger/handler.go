package ledger

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

// Handler wires HTTP endpoints for the provider ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/providers/{providerID}", func(r chi.Router) {
		r.Post("/debit", h.handlePost(h.service.PostDebit))
		r.Post("/credit", h.handlePost(h.service.PostCredit))
		r.Get("/balance", h.handleBalance)
		r.Get("/movements", h.handleMovements)
		r.Post("/validate", h.handleValidate)
		r.Post("/recalculate", h.handleRecalculate)
	})
}

type postRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	PurchaseID *int64          `json:"purchase_id"`
	PaymentID  *int64          `json:"payment_id"`
	Note       string          `json:"note"`
	ActorID    int64           `json:"actor_id"`
}

func (h *Handler) handlePost(post func(ctx context.Context, in PostInput) (Entry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := h.providerID(w, r)
		if !ok {
			return
		}
		var req postRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		entry, err := post(r.Context(), PostInput{
			ProviderID: providerID,
			Amount:     req.Amount,
			PurchaseID: req.PurchaseID,
			PaymentID:  req.PaymentID,
			Note:       req.Note,
			ActorID:    req.ActorID,
		})
		if err != nil {
			h.logger.Error("post ledger entry", slog.Int64("provider_id", providerID), slog.Any("error", err))
			h.respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, entry)
	}
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	providerID, ok := h.providerID(w, r)
	if !ok {
		return
	}
	balance, err := h.service.Balance(r.Context(), providerID)
	if err != nil {
		h.logger.Error("provider balance", slog.Int64("provider_id", providerID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"provider_id": providerID, "balance": balance})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	providerID, ok := h.providerID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.Movements(r.Context(), providerID)
	if err != nil {
		h.logger.Error("provider movements", slog.Int64("provider_id", providerID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	providerID, ok := h.providerID(w, r)
	if !ok {
		return
	}
	result, err := h.service.Validate(r.Context(), providerID)
	if err != nil {
		h.logger.Error("validate ledger", slog.Int64("provider_id", providerID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	providerID, ok := h.providerID(w, r)
	if !ok {
		return
	}
	var req struct {
		ActorID int64 `json:"actor_id"`
	}
	_ = httpx.DecodeJSON(r, &req)
	repaired, err := h.service.Recalculate(r.Context(), providerID, req.ActorID)
	if err != nil {
		h.logger.Error("recalculate ledger", slog.Int64("provider_id", providerID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"provider_id": providerID, "repaired": repaired})
}

func (h *Handler) providerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "providerID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid provider id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrProviderRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNoEntries):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
