package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"covenant/internal/review"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// Postgres persists review items. The candidate and edited payloads are
// stored as JSONB; resolution is a conditional UPDATE so the single
// PENDING -> terminal transition is enforced by the database, not the app.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed review store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Create(ctx context.Context, item *review.Item) error {
	candidate, err := json.Marshal(item.Candidate)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}

	query := `
		INSERT INTO review_items (
			id, tenant_id, document_id, candidate, review_type, is_blocking,
			priority, hallucination_risk, confidence, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.UUID(item.ID),
		uuid.UUID(item.TenantID),
		uuid.UUID(item.DocumentID),
		candidate,
		string(item.ReviewType),
		item.IsBlocking,
		item.Priority,
		item.HallucinationRisk,
		item.Confidence,
		string(item.Status),
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert review item: %w", err)
	}
	return nil
}

func (s *Postgres) Find(ctx context.Context, itemID id.ReviewItemID) (*review.Item, error) {
	query := `
		SELECT id, tenant_id, document_id, obligation_id, candidate,
		       review_type, is_blocking, priority, hallucination_risk,
		       confidence, status, reviewer_id, reason, edited,
		       created_at, resolved_at
		FROM review_items
		WHERE id = $1
	`
	return scanItem(s.db.QueryRowContext(ctx, query, uuid.UUID(itemID)))
}

// Resolve flips PENDING to a terminal state. A zero-row update against an
// existing item means it was already resolved.
func (s *Postgres) Resolve(ctx context.Context, itemID id.ReviewItemID, status review.Status, reviewerID, reason string, edited *review.EditedFields, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("resolve to %s: %w", status, sentinel.ErrInvalidState)
	}

	var editedJSON any
	if edited != nil {
		b, err := json.Marshal(edited)
		if err != nil {
			return fmt.Errorf("marshal edited fields: %w", err)
		}
		editedJSON = b
	}

	query := `
		UPDATE review_items
		SET status = $2, reviewer_id = $3, reason = $4, edited = $5,
		    resolved_at = $6
		WHERE id = $1 AND status = $7
	`
	res, err := s.db.ExecContext(ctx, query,
		uuid.UUID(itemID), string(status), reviewerID, reason,
		editedJSON, now, string(review.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("resolve review item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve review item rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.Find(ctx, itemID); err != nil {
			return err
		}
		return fmt.Errorf("review item %s: %w", itemID, sentinel.ErrAlreadyTerminal)
	}
	return nil
}

// AttachObligation records the obligation created for an accepted item.
func (s *Postgres) AttachObligation(ctx context.Context, itemID id.ReviewItemID, obligationID id.ObligationID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_items SET obligation_id = $2 WHERE id = $1`,
		uuid.UUID(itemID), uuid.UUID(obligationID),
	)
	if err != nil {
		return fmt.Errorf("attach obligation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach obligation rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("review item %s: %w", itemID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListPending(ctx context.Context, tenantID id.TenantID) ([]*review.Item, error) {
	query := `
		SELECT id, tenant_id, document_id, obligation_id, candidate,
		       review_type, is_blocking, priority, hallucination_risk,
		       confidence, status, reviewer_id, reason, edited,
		       created_at, resolved_at
		FROM review_items
		WHERE tenant_id = $1 AND status = $2
		ORDER BY priority DESC, created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(tenantID), string(review.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending review items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *Postgres) CountBlockingPending(ctx context.Context, docID id.DocumentID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM review_items
		WHERE document_id = $1 AND status = $2 AND is_blocking
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, uuid.UUID(docID), string(review.StatusPending)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count blocking review items: %w", err)
	}
	return n, nil
}

func (s *Postgres) ListByDocument(ctx context.Context, docID id.DocumentID) ([]*review.Item, error) {
	query := `
		SELECT id, tenant_id, document_id, obligation_id, candidate,
		       review_type, is_blocking, priority, hallucination_risk,
		       confidence, status, reviewer_id, reason, edited,
		       created_at, resolved_at
		FROM review_items
		WHERE document_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(docID))
	if err != nil {
		return nil, fmt.Errorf("list review items by document: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*review.Item, error) {
	var (
		item         review.Item
		itemID       uuid.UUID
		tenantID     uuid.UUID
		documentID   uuid.UUID
		obligationID sql.Null[uuid.UUID]
		candidate    []byte
		reviewType   string
		status       string
		reviewerID   sql.NullString
		reason       sql.NullString
		edited       []byte
		resolvedAt   sql.NullTime
	)
	err := row.Scan(
		&itemID, &tenantID, &documentID, &obligationID, &candidate,
		&reviewType, &item.IsBlocking, &item.Priority, &item.HallucinationRisk,
		&item.Confidence, &status, &reviewerID, &reason, &edited,
		&item.CreatedAt, &resolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review item: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan review item: %w", err)
	}

	item.ID = id.ReviewItemID(itemID)
	item.TenantID = id.TenantID(tenantID)
	item.DocumentID = id.DocumentID(documentID)
	if obligationID.Valid {
		item.ObligationID = id.ObligationID(obligationID.V)
	}
	item.ReviewType = review.Type(reviewType)
	item.Status = review.Status(status)
	item.ReviewerID = reviewerID.String
	item.Reason = reason.String
	if err := json.Unmarshal(candidate, &item.Candidate); err != nil {
		return nil, fmt.Errorf("unmarshal candidate: %w", err)
	}
	if len(edited) > 0 {
		var ef review.EditedFields
		if err := json.Unmarshal(edited, &ef); err != nil {
			return nil, fmt.Errorf("unmarshal edited fields: %w", err)
		}
		item.Edited = &ef
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		item.ResolvedAt = &t
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*review.Item, error) {
	var out []*review.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
