package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/balcao-pos/balcao-pos/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the catalog module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the catalog handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.handleGetProduct)
	r.Get("/barcode/{code}", h.handleGetByBarcode)
	r.Get("/low-stock", h.handleLowStock)
	r.Get("/expiring", h.handleExpiring)
	r.Post("/{id}/availability", h.handleAvailability)
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "product id must be numeric")
		return
	}
	product, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, productResponse(product))
}

func (h *Handler) handleGetByBarcode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	product, err := h.service.GetProductByBarcode(r.Context(), code)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, productResponse(product))
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListLowStock(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(products))
	for i := range products {
		out = append(out, productResponse(&products[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"products": out})
}

func (h *Handler) handleExpiring(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	batches, err := h.service.ListBatchesNearExpiration(r.Context(), days)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": batches})
}

type availabilityRequest struct {
	Quantity float64 `json:"quantity"`
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "product id must be numeric")
		return
	}
	var req availabilityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	ok, detail, err := h.service.CheckAvailability(r.Context(), id, req.Quantity)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"available": ok, "detail": detail})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrProductNotFound) {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err))
		return
	}
	h.logger.Error("catalog request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}

func productResponse(p *Product) map[string]any {
	resp := map[string]any{
		"id":           p.ID,
		"sku":          p.SKU,
		"barcode":      p.Barcode,
		"name":         p.Name,
		"unit_price":   p.UnitPrice,
		"unit_cost":    p.UnitCost,
		"quantity":     p.Quantity,
		"min_quantity": p.MinQuantity,
		"track_stock":  p.TrackStock,
		"ncm":          p.NCM,
		"batches":      p.Batches,
	}
	if p.PromoPrice != nil {
		resp["promo_price"] = p.PromoPrice
	}
	return resp
}
