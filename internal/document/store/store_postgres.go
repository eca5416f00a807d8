package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"covenant/internal/document"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// Postgres persists documents. Classification re-derivation is rejected by a
// conditional UPDATE, mirroring the memory store's threshold gate.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed document store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const documentColumns = `
	id, tenant_id, site_id, file_name, doc_type, type_confidence,
	page_count, raw_text_length, size_bytes, needs_ocr, is_large,
	retired, created_at, updated_at
`

func (s *Postgres) Create(ctx context.Context, doc *document.Document) error {
	docType := doc.Type
	if docType == "" {
		docType = document.TypeUnknown
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		uuid.UUID(doc.ID),
		uuid.UUID(doc.TenantID),
		uuid.UUID(doc.SiteID),
		doc.FileName,
		string(docType),
		doc.TypeConfidence,
		doc.PageCount,
		doc.RawTextLength,
		doc.SizeBytes,
		doc.NeedsOCR,
		doc.IsLarge,
		doc.Retired,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("document %s: %w", doc.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *Postgres) Find(ctx context.Context, docID id.DocumentID) (*document.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`,
		uuid.UUID(docID),
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", docID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find document: %w", err)
	}
	return doc, nil
}

func (s *Postgres) AttachIngestMetadata(ctx context.Context, docID id.DocumentID, pageCount, rawTextLength int, needsOCR, isLarge bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET page_count = $2, raw_text_length = $3, needs_ocr = $4,
		    is_large = $5, updated_at = $6
		WHERE id = $1`,
		uuid.UUID(docID), pageCount, rawTextLength, needsOCR, isLarge, now,
	)
	if err != nil {
		return fmt.Errorf("attach ingest metadata: %w", err)
	}
	return requireRow(res, docID)
}

// AttachClassification persists the detected type. The WHERE clause rejects
// re-classification of a document whose stored confidence already clears the
// threshold.
func (s *Postgres) AttachClassification(ctx context.Context, docID id.DocumentID, docType document.Type, confidence, minConfidence float64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET doc_type = $2, type_confidence = $3, updated_at = $4
		WHERE id = $1
		  AND (doc_type = 'unknown' OR type_confidence < $5)`,
		uuid.UUID(docID), string(docType), confidence, now, minConfidence,
	)
	if err != nil {
		return fmt.Errorf("attach classification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach classification rows: %w", err)
	}
	if n == 0 {
		if _, findErr := s.Find(ctx, docID); findErr != nil {
			return findErr
		}
		return fmt.Errorf("document %s already classified: %w", docID, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *Postgres) Retire(ctx context.Context, docID id.DocumentID, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET retired = TRUE, updated_at = $2 WHERE id = $1`,
		uuid.UUID(docID), now,
	)
	if err != nil {
		return fmt.Errorf("retire document: %w", err)
	}
	return requireRow(res, docID)
}

func (s *Postgres) ListByTenant(ctx context.Context, tenantID id.TenantID) ([]*document.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE tenant_id = $1 AND retired = FALSE
		ORDER BY created_at DESC`,
		uuid.UUID(tenantID),
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []*document.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, docID id.DocumentID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", docID, sentinel.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*document.Document, error) {
	var (
		doc     document.Document
		docID   uuid.UUID
		tenant  uuid.UUID
		site    uuid.UUID
		docType string
	)
	err := row.Scan(
		&docID, &tenant, &site, &doc.FileName, &docType, &doc.TypeConfidence,
		&doc.PageCount, &doc.RawTextLength, &doc.SizeBytes, &doc.NeedsOCR,
		&doc.IsLarge, &doc.Retired, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.ID = id.DocumentID(docID)
	doc.TenantID = id.TenantID(tenant)
	doc.SiteID = id.SiteID(site)
	doc.Type = document.Type(docType)
	return &doc, nil
}
