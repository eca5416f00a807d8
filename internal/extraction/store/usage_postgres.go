package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"covenant/internal/extraction"
	id "covenant/pkg/domain"
)

// PostgresUsage appends usage records to the usage_records table.
type PostgresUsage struct {
	db    *sql.DB
	clock func() time.Time
}

type PostgresUsageOption func(*PostgresUsage)

func WithPostgresUsageClock(clock func() time.Time) PostgresUsageOption {
	return func(s *PostgresUsage) {
		s.clock = clock
	}
}

func NewPostgresUsage(db *sql.DB, opts ...PostgresUsageOption) *PostgresUsage {
	s := &PostgresUsage{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *PostgresUsage) RecordUsage(ctx context.Context, docID id.DocumentID, usage extraction.Usage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (document_id, prompt_tokens, completion_tokens, total_tokens, cost_usd, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.UUID(docID), usage.PromptTokens, usage.CompletionTokens,
		usage.TotalTokens, usage.CostUSD, s.clock().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// TotalFor sums all usage recorded against a document.
func (s *PostgresUsage) TotalFor(ctx context.Context, docID id.DocumentID) (extraction.Usage, error) {
	var total extraction.Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records WHERE document_id = $1`,
		uuid.UUID(docID),
	).Scan(&total.PromptTokens, &total.CompletionTokens, &total.TotalTokens, &total.CostUSD)
	if err != nil {
		return extraction.Usage{}, fmt.Errorf("sum usage records: %w", err)
	}
	return total, nil
}
