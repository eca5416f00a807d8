// Package handler wires document intake and read endpoints to the pipeline
// coordinator.
package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"covenant/internal/document"
	"covenant/internal/queue"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
	"covenant/pkg/platform/httputil"
	"covenant/pkg/requestcontext"
)

// maxUploadBytes caps document uploads at 50MB, comfortably above the
// large-document threshold.
const maxUploadBytes = 50 << 20

// Intake registers a document and starts its pipeline.
type Intake interface {
	Intake(ctx context.Context, tenantID id.TenantID, siteID id.SiteID, fileName string, fileBytes []byte) (*document.Document, *queue.Job, error)
}

// Documents is the read surface.
type Documents interface {
	Find(ctx context.Context, docID id.DocumentID) (*document.Document, error)
	ListByTenant(ctx context.Context, tenantID id.TenantID) ([]*document.Document, error)
}

// Handler serves the document endpoints.
type Handler struct {
	intake Intake
	docs   Documents
	logger *slog.Logger
}

// New constructs a document handler with its dependencies.
func New(intake Intake, docs Documents, logger *slog.Logger) *Handler {
	return &Handler{intake: intake, docs: docs, logger: logger}
}

// Register mounts document endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/documents", h.HandleUpload)
	r.Get("/documents", h.HandleList)
	r.Get("/documents/{documentID}", h.HandleGet)
}

type uploadResponse struct {
	Document *document.Document `json:"document"`
	JobID    string             `json:"job_id"`
}

// HandleUpload handles POST /documents multipart uploads.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := requestcontext.TenantID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "expected multipart form upload"))
		return
	}

	siteID, err := id.ParseSiteID(r.FormValue("site_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "file field is required"))
		return
	}
	defer file.Close()

	fileBytes, err := io.ReadAll(file)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "failed to read upload"))
		return
	}

	doc, job, err := h.intake.Intake(ctx, tenantID, siteID, header.Filename, fileBytes)
	if err != nil {
		h.logger.ErrorContext(ctx, "document intake failed",
			"request_id", requestcontext.RequestID(ctx),
			"tenant_id", tenantID,
			"file_name", header.Filename,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, uploadResponse{
		Document: doc,
		JobID:    job.ID.String(),
	})
}

// HandleGet handles GET /documents/{documentID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID, err := id.ParseDocumentID(chi.URLParam(r, "documentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	doc, err := h.docs.Find(ctx, docID)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "document not found"))
		return
	}
	if doc.TenantID != requestcontext.TenantID(ctx) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "document not found"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

// HandleList handles GET /documents.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docs, err := h.docs.ListByTenant(ctx, requestcontext.TenantID(ctx))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list documents"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"documents": docs})
}
