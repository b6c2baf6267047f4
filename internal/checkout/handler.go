package checkout

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/balcao-pos/balcao-pos/internal/catalog"
	"github.com/balcao-pos/balcao-pos/internal/fiscal"
	"github.com/balcao-pos/balcao-pos/internal/platform/httpx"
	"github.com/balcao-pos/balcao-pos/internal/shared"
)

// Handler exposes the checkout HTTP surface.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.confirm)
	r.Get("/", h.list)
	r.Get("/stats", h.stats)
	r.Get("/{id}", h.get)
	r.Post("/{id}/void", h.void)
	r.Post("/{id}/emit", h.emit)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	result, err := h.service.Confirm(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}

	status := http.StatusCreated
	if result.EmitFailure != nil {
		// The sale exists but the document does not; 207 signals the split.
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := saleID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sale, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	from, to, err := periodParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	sales, err := h.service.ListByPeriod(r.Context(), from, to, limit)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sales": sales, "count": len(sales)})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	from, to, err := periodParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	stats, err := h.service.StatsByPeriod(r.Context(), from, to)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

type voidRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) void(w http.ResponseWriter, r *http.Request) {
	id, err := saleID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req voidRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	sale, err := h.service.Void(r.Context(), id, req.Reason)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

type emitRetryRequest struct {
	DocumentType fiscal.DocumentType `json:"document_type"`
	Customer     *fiscal.Customer    `json:"customer"`
}

func (h *Handler) emit(w http.ResponseWriter, r *http.Request) {
	id, err := saleID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req emitRetryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	doc, err := h.service.RetryEmission(r.Context(), id, req.DocumentType, req.Customer)
	if err != nil {
		httpx.RespondError(w, mapError(err))
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func saleID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid sale id", httpx.ErrValidation)
	}
	return id, nil
}

func periodParams(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	from := now.AddDate(0, 0, -1)
	to := now
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid from", httpx.ErrValidation)
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid to", httpx.ErrValidation)
		}
		to = parsed
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to precedes from", httpx.ErrValidation)
	}
	return from, to, nil
}

func mapError(err error) error {
	var emitErr *fiscal.EmitError
	switch {
	case errors.Is(err, ErrSaleNotFound), errors.Is(err, catalog.ErrProductNotFound):
		return fmt.Errorf("%w: %s", httpx.ErrNotFound, err)
	case errors.Is(err, ErrSaleAlreadyVoided), errors.Is(err, ErrDuplicateConfirm):
		return fmt.Errorf("%w: %s", httpx.ErrConflict, err)
	case errors.Is(err, catalog.ErrInsufficientStock):
		return fmt.Errorf("%w: %s", httpx.ErrConflict, err)
	case errors.Is(err, shared.ErrValidation):
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err)
	case errors.As(err, &emitErr):
		if emitErr.Kind == fiscal.KindValidation {
			return fmt.Errorf("%w: %s", httpx.ErrValidation, err)
		}
		return fmt.Errorf("%w: %s", httpx.ErrUnavailable, err)
	}
	return err
}
