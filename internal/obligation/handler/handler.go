// Package handler exposes obligation and deadline reads plus deadline
// completion.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"covenant/internal/obligation"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
	"covenant/pkg/platform/httputil"
	"covenant/pkg/requestcontext"
)

// Service defines the obligation operations this handler fronts.
type Service interface {
	Get(ctx context.Context, obligationID id.ObligationID) (*obligation.Obligation, error)
	ListByTenant(ctx context.Context, tenantID id.TenantID) ([]*obligation.Obligation, error)
	ListByDocument(ctx context.Context, docID id.DocumentID) ([]*obligation.Obligation, error)
	CompleteDeadline(ctx context.Context, deadlineID id.DeadlineID, completedAt time.Time) (*obligation.Deadline, error)
}

// Handler serves the obligation endpoints.
type Handler struct {
	service Service
	logger  *slog.Logger
	clock   func() time.Time
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger, clock: time.Now}
}

// Register mounts obligation endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/obligations", h.HandleList)
	r.Get("/obligations/{obligationID}", h.HandleGet)
	r.Post("/deadlines/{deadlineID}/complete", h.HandleCompleteDeadline)
}

// HandleList handles GET /obligations, optionally scoped to one document via
// the document_id query parameter.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		obls []*obligation.Obligation
		err  error
	)
	if raw := r.URL.Query().Get("document_id"); raw != "" {
		docID, parseErr := id.ParseDocumentID(raw)
		if parseErr != nil {
			httputil.WriteError(w, parseErr)
			return
		}
		obls, err = h.service.ListByDocument(ctx, docID)
	} else {
		obls, err = h.service.ListByTenant(ctx, requestcontext.TenantID(ctx))
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"obligations": obls})
}

// HandleGet handles GET /obligations/{obligationID}. Deadline statuses are
// derived at read time.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	obligationID, err := id.ParseObligationID(chi.URLParam(r, "obligationID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	o, err := h.service.Get(ctx, obligationID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if o.TenantID != requestcontext.TenantID(ctx) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "obligation not found"))
		return
	}

	now := h.clock()
	type deadlineView struct {
		obligation.Deadline
		Status obligation.DeadlineStatus `json:"status"`
	}
	deadlines := make([]deadlineView, 0, len(o.Deadlines))
	for _, d := range o.Deadlines {
		deadlines = append(deadlines, deadlineView{Deadline: d, Status: d.StatusAt(now)})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"obligation": o,
		"deadlines":  deadlines,
	})
}

type completeRequest struct {
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HandleCompleteDeadline handles POST /deadlines/{deadlineID}/complete.
func (h *Handler) HandleCompleteDeadline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deadlineID, err := id.ParseDeadlineID(chi.URLParam(r, "deadlineID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[completeRequest](w, r)
	if !ok {
		return
	}

	completedAt := h.clock().UTC()
	if req.CompletedAt != nil {
		completedAt = *req.CompletedAt
	}

	d, err := h.service.CompleteDeadline(ctx, deadlineID, completedAt)
	if err != nil {
		h.logger.WarnContext(ctx, "deadline completion failed",
			"request_id", requestcontext.RequestID(ctx),
			"deadline_id", deadlineID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}
