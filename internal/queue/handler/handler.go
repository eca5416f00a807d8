// Package handler exposes the orchestrator's operator surface: job listings,
// pipeline cancellation, and the dead-letter queue.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"covenant/internal/queue"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
	"covenant/pkg/platform/httputil"
	"covenant/pkg/requestcontext"
)

// Service defines the orchestrator operations this handler fronts.
type Service interface {
	ListByDocument(ctx context.Context, docID id.DocumentID) ([]*queue.Job, error)
	Cancel(ctx context.Context, docID id.DocumentID) (int, error)
	ListDeadLetters(ctx context.Context, tenantID id.TenantID) ([]*queue.DeadLetterEntry, error)
	RequeueDeadLetter(ctx context.Context, jobID id.JobID) (*queue.Job, error)
}

// Handler serves the orchestrator endpoints.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts orchestrator endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/documents/{documentID}/jobs", h.HandleListJobs)
	r.Post("/documents/{documentID}/cancel", h.HandleCancel)
	r.Get("/deadletters", h.HandleListDeadLetters)
	r.Post("/deadletters/{jobID}/requeue", h.HandleRequeue)
}

// HandleListJobs handles GET /documents/{documentID}/jobs.
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID, err := id.ParseDocumentID(chi.URLParam(r, "documentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	jobs, err := h.service.ListByDocument(ctx, docID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// HandleCancel handles POST /documents/{documentID}/cancel: every
// non-terminal job for the document transitions to CANCELLED.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID, err := id.ParseDocumentID(chi.URLParam(r, "documentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	n, err := h.service.Cancel(ctx, docID)
	if err != nil {
		h.logger.ErrorContext(ctx, "pipeline cancellation failed",
			"request_id", requestcontext.RequestID(ctx),
			"document_id", docID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

// HandleListDeadLetters handles GET /deadletters.
func (h *Handler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.service.ListDeadLetters(ctx, requestcontext.TenantID(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

// HandleRequeue handles POST /deadletters/{jobID}/requeue: schedules a fresh
// job for the dead-lettered document phase.
func (h *Handler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	job, err := h.service.RequeueDeadLetter(ctx, jobID)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeConflict) && !dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.logger.ErrorContext(ctx, "dead-letter requeue failed",
				"request_id", requestcontext.RequestID(ctx),
				"job_id", jobID,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, job)
}
