package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"covenant/internal/pipeline"
	id "covenant/pkg/domain"
)

// PostgresReports persists extraction-run reports with the summary as JSONB.
type PostgresReports struct {
	db *sql.DB
}

func NewPostgresReports(db *sql.DB) *PostgresReports {
	return &PostgresReports{db: db}
}

func (s *PostgresReports) Create(ctx context.Context, r *pipeline.Report) error {
	payload, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("marshal report summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, tenant_id, document_id, payload, generated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.UUID(r.ID), uuid.UUID(r.TenantID), uuid.UUID(r.DocumentID),
		payload, r.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresReports) ListByDocument(ctx context.Context, docID id.DocumentID) ([]*pipeline.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, document_id, payload, generated_at
		FROM reports WHERE document_id = $1
		ORDER BY generated_at DESC`,
		uuid.UUID(docID),
	)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Report
	for rows.Next() {
		var (
			r       pipeline.Report
			rID     uuid.UUID
			tenant  uuid.UUID
			doc     uuid.UUID
			payload []byte
		)
		if err := rows.Scan(&rID, &tenant, &doc, &payload, &r.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if err := json.Unmarshal(payload, &r.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal report summary: %w", err)
		}
		r.ID = id.ReportID(rID)
		r.TenantID = id.TenantID(tenant)
		r.DocumentID = id.DocumentID(doc)
		out = append(out, &r)
	}
	return out, rows.Err()
}
