package fiscal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/balcao-pos/balcao-pos/internal/platform/httpx"
)

// Handler wires HTTP endpoints for fiscal documents.
type Handler struct {
	logger *slog.Logger
	repo   *Repository
	tasks  TaskEnqueuer
	usage  *UsageCounter
}

// NewHandler constructs the fiscal handler.
func NewHandler(logger *slog.Logger, repo *Repository, tasks TaskEnqueuer, usage *UsageCounter) *Handler {
	return &Handler{logger: logger, repo: repo, tasks: tasks, usage: usage}
}

// MountRoutes registers fiscal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/documents/{id}", h.handleGetDocument)
	r.Post("/documents/{id}/backup", h.handleRetryBackup)
	r.Get("/usage", h.handleUsage)
}

// handleUsage reports the issued-document counters for the current month.
func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	out := map[string]int64{}
	for _, docType := range []DocumentType{DocumentTypeConsumer, DocumentTypeBusiness} {
		count, err := h.usage.Current(r.Context(), docType, now)
		if err != nil {
			h.logger.Error("usage read failed", slog.String("type", string(docType)), slog.Any("error", err))
			httpx.RespondError(w, fmt.Errorf("%w: usage counters unreachable", httpx.ErrUnavailable))
			return
		}
		out[string(docType)] = count
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"month":  now.Format("2006-01"),
		"issued": out,
	})
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.repo.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

// handleRetryBackup re-enqueues artifact retrieval for a document whose
// backup failed or never ran.
func (h *Handler) handleRetryBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := h.repo.GetDocument(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if doc.BackupStatus == BackupComplete {
		httpx.JSON(w, http.StatusOK, map[string]any{"status": doc.BackupStatus})
		return
	}
	if err := h.tasks.EnqueueBackup(r.Context(), id); err != nil {
		h.logger.Error("re-enqueue backup failed", slog.String("document_id", id), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Enqueue Failed", "")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"status": BackupPending})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrDocumentNotFound) {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err))
		return
	}
	h.logger.Error("fiscal request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
