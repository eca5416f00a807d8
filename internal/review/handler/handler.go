// Package handler exposes the review queue: pending items and the three
// human decisions.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"covenant/internal/review"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
	"covenant/pkg/platform/httputil"
	"covenant/pkg/requestcontext"
)

// Service defines the review operations this handler fronts.
type Service interface {
	ListPending(ctx context.Context, tenantID id.TenantID) ([]*review.Item, error)
	Confirm(ctx context.Context, itemID id.ReviewItemID, reviewerID string) (*review.Item, error)
	Edit(ctx context.Context, itemID id.ReviewItemID, reviewerID string, edited review.EditedFields) (*review.Item, error)
	Reject(ctx context.Context, itemID id.ReviewItemID, reviewerID, reason string) (*review.Item, error)
}

// Handler serves the review endpoints.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts review endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/reviews", h.HandleListPending)
	r.Post("/reviews/{itemID}/confirm", h.HandleConfirm)
	r.Post("/reviews/{itemID}/edit", h.HandleEdit)
	r.Post("/reviews/{itemID}/reject", h.HandleReject)
}

// HandleListPending handles GET /reviews: the pending queue, highest
// priority first.
func (h *Handler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	items, err := h.service.ListPending(ctx, requestcontext.TenantID(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

type decisionRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason,omitempty"`

	review.EditedFields
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request,
	decide func(ctx context.Context, itemID id.ReviewItemID, req decisionRequest) (*review.Item, error)) {

	ctx := r.Context()
	itemID, err := id.ParseReviewItemID(chi.URLParam(r, "itemID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[decisionRequest](w, r)
	if !ok {
		return
	}
	if req.ReviewerID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "reviewer_id is required"))
		return
	}

	item, err := decide(ctx, itemID, req)
	if err != nil {
		h.logger.WarnContext(ctx, "review decision failed",
			"request_id", requestcontext.RequestID(ctx),
			"item_id", itemID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, item)
}

// HandleConfirm handles POST /reviews/{itemID}/confirm.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(ctx context.Context, itemID id.ReviewItemID, req decisionRequest) (*review.Item, error) {
		return h.service.Confirm(ctx, itemID, req.ReviewerID)
	})
}

// HandleEdit handles POST /reviews/{itemID}/edit.
func (h *Handler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(ctx context.Context, itemID id.ReviewItemID, req decisionRequest) (*review.Item, error) {
		return h.service.Edit(ctx, itemID, req.ReviewerID, req.EditedFields)
	})
}

// HandleReject handles POST /reviews/{itemID}/reject.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(ctx context.Context, itemID id.ReviewItemID, req decisionRequest) (*review.Item, error) {
		if req.Reason == "" {
			return nil, dErrors.New(dErrors.CodeValidation, "reason is required")
		}
		return h.service.Reject(ctx, itemID, req.ReviewerID, req.Reason)
	})
}
