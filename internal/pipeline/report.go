package pipeline

import (
	"time"

	"covenant/internal/extraction"
	id "covenant/pkg/domain"
)

// Report summarizes one document's extraction run: what was found, where it
// went, and what it cost. Generated by the REPORT phase after obligations are
// created.
type Report struct {
	ID         id.ReportID   `json:"id"`
	TenantID   id.TenantID   `json:"tenant_id"`
	DocumentID id.DocumentID `json:"document_id"`

	Summary     ReportSummary `json:"summary"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// ReportSummary is the JSONB payload persisted with the report.
type ReportSummary struct {
	ObligationCount int `json:"obligation_count"`
	DeadlineCount   int `json:"deadline_count"`
	ReviewItemCount int `json:"review_item_count"`
	// ReviewByType counts queued review items by review type.
	ReviewByType map[string]int `json:"review_by_type,omitempty"`
	// PendingBlocking is true when unresolved blocking reviews still gate
	// the document's publication.
	PendingBlocking bool `json:"pending_blocking"`

	Usage extraction.Usage `json:"usage"`
}
