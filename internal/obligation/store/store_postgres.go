package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"covenant/internal/extraction"
	"covenant/internal/obligation"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// Postgres persists obligations and their deadlines. Obligation creation and
// deadline materialization happen in one transaction so no obligation is ever
// visible without its deadline series.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed obligation store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Create(ctx context.Context, o *obligation.Obligation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin obligation tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO obligations (
			id, tenant_id, document_id, title, description, category,
			frequency, condition_type, original_text, anchor_date,
			status, reviewed, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		uuid.UUID(o.ID), uuid.UUID(o.TenantID), uuid.UUID(o.DocumentID),
		o.Title, o.Description, string(o.Category), string(o.Frequency),
		string(o.Condition), o.OriginalText, o.AnchorDate,
		string(o.Status), o.Reviewed, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert obligation: %w", err)
	}

	for _, d := range o.Deadlines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO deadlines (id, obligation_id, due_at)
			VALUES ($1, $2, $3)
		`, uuid.UUID(d.ID), uuid.UUID(d.ObligationID), d.DueAt)
		if err != nil {
			return fmt.Errorf("insert deadline: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit obligation tx: %w", err)
	}
	return nil
}

func (s *Postgres) Find(ctx context.Context, obligationID id.ObligationID) (*obligation.Obligation, error) {
	o, err := s.scanOne(s.db.QueryRowContext(ctx, selectObligation+` WHERE id = $1`, uuid.UUID(obligationID)))
	if err != nil {
		return nil, err
	}
	if err := s.attachDeadlines(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Postgres) ListByDocument(ctx context.Context, docID id.DocumentID) ([]*obligation.Obligation, error) {
	return s.list(ctx, selectObligation+` WHERE document_id = $1 ORDER BY created_at ASC`, uuid.UUID(docID))
}

func (s *Postgres) ListByTenant(ctx context.Context, tenantID id.TenantID) ([]*obligation.Obligation, error) {
	return s.list(ctx, selectObligation+` WHERE tenant_id = $1 ORDER BY created_at ASC`, uuid.UUID(tenantID))
}

func (s *Postgres) ActiveTitles(ctx context.Context, docID id.DocumentID) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT title FROM obligations
		WHERE document_id = $1 AND status <> $2
	`, uuid.UUID(docID), string(obligation.StatusSuperseded))
	if err != nil {
		return nil, fmt.Errorf("list active titles: %w", err)
	}
	defer rows.Close()

	titles := make(map[string]bool)
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("scan active title: %w", err)
		}
		titles[extraction.NormalizeTitle(title)] = true
	}
	return titles, rows.Err()
}

func (s *Postgres) UpdateStatus(ctx context.Context, obligationID id.ObligationID, status obligation.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE obligations SET status = $2 WHERE id = $1
	`, uuid.UUID(obligationID), string(status))
	if err != nil {
		return fmt.Errorf("update obligation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update obligation status rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("obligation %s: %w", obligationID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Postgres) FindDeadline(ctx context.Context, deadlineID id.DeadlineID) (*obligation.Deadline, error) {
	var (
		d           obligation.Deadline
		dID, oID    uuid.UUID
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, obligation_id, due_at, completed_at FROM deadlines WHERE id = $1
	`, uuid.UUID(deadlineID)).Scan(&dID, &oID, &d.DueAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("deadline %s: %w", deadlineID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find deadline: %w", err)
	}
	d.ID = id.DeadlineID(dID)
	d.ObligationID = id.ObligationID(oID)
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

// CompleteDeadline sets the completion timestamp with a conditional UPDATE so
// a retried completion surfaces as a conflict instead of rewriting history.
func (s *Postgres) CompleteDeadline(ctx context.Context, deadlineID id.DeadlineID, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deadlines SET completed_at = $2
		WHERE id = $1 AND completed_at IS NULL
	`, uuid.UUID(deadlineID), completedAt)
	if err != nil {
		return fmt.Errorf("complete deadline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete deadline rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.FindDeadline(ctx, deadlineID); err != nil {
			return err
		}
		return fmt.Errorf("deadline %s already completed: %w", deadlineID, sentinel.ErrConflict)
	}
	return nil
}

func (s *Postgres) ListDueBetween(ctx context.Context, from, to time.Time) ([]obligation.Upcoming, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.obligation_id, d.due_at,
		       o.id, o.tenant_id, o.document_id, o.title, o.description,
		       o.category, o.frequency, o.condition_type, o.original_text,
		       o.anchor_date, o.status, o.reviewed, o.created_at
		FROM deadlines d
		JOIN obligations o ON o.id = d.obligation_id
		WHERE d.completed_at IS NULL
		  AND d.due_at >= $1 AND d.due_at < $2
		  AND o.status <> $3
		ORDER BY d.due_at ASC
	`, from, to, string(obligation.StatusSuperseded))
	if err != nil {
		return nil, fmt.Errorf("list due deadlines: %w", err)
	}
	defer rows.Close()

	var out []obligation.Upcoming
	for rows.Next() {
		var (
			up       obligation.Upcoming
			o        obligation.Obligation
			dID, oID uuid.UUID
		)
		var oblID, tenantID, docID uuid.UUID
		var category, frequency, condition, status string
		err := rows.Scan(
			&dID, &oID, &up.Deadline.DueAt,
			&oblID, &tenantID, &docID, &o.Title, &o.Description,
			&category, &frequency, &condition, &o.OriginalText,
			&o.AnchorDate, &status, &o.Reviewed, &o.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan due deadline: %w", err)
		}
		up.Deadline.ID = id.DeadlineID(dID)
		up.Deadline.ObligationID = id.ObligationID(oID)
		o.ID = id.ObligationID(oblID)
		o.TenantID = id.TenantID(tenantID)
		o.DocumentID = id.DocumentID(docID)
		o.Category = id.Category(category)
		o.Frequency = id.Frequency(frequency)
		o.Condition = id.ConditionType(condition)
		o.Status = obligation.Status(status)
		up.Obligation = &o
		out = append(out, up)
	}
	return out, rows.Err()
}

const selectObligation = `
	SELECT id, tenant_id, document_id, title, description, category,
	       frequency, condition_type, original_text, anchor_date,
	       status, reviewed, created_at
	FROM obligations`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Postgres) scanOne(row rowScanner) (*obligation.Obligation, error) {
	var (
		o                       obligation.Obligation
		oblID, tenantID, docID  uuid.UUID
		category, frequency     string
		condition, statusColumn string
	)
	err := row.Scan(
		&oblID, &tenantID, &docID, &o.Title, &o.Description, &category,
		&frequency, &condition, &o.OriginalText, &o.AnchorDate,
		&statusColumn, &o.Reviewed, &o.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("obligation: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan obligation: %w", err)
	}
	o.ID = id.ObligationID(oblID)
	o.TenantID = id.TenantID(tenantID)
	o.DocumentID = id.DocumentID(docID)
	o.Category = id.Category(category)
	o.Frequency = id.Frequency(frequency)
	o.Condition = id.ConditionType(condition)
	o.Status = obligation.Status(statusColumn)
	return &o, nil
}

func (s *Postgres) list(ctx context.Context, query string, arg any) ([]*obligation.Obligation, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list obligations: %w", err)
	}
	defer rows.Close()

	var out []*obligation.Obligation
	for rows.Next() {
		o, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range out {
		if err := s.attachDeadlines(ctx, o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Postgres) attachDeadlines(ctx context.Context, o *obligation.Obligation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, obligation_id, due_at, completed_at
		FROM deadlines
		WHERE obligation_id = $1
		ORDER BY due_at ASC
	`, uuid.UUID(o.ID))
	if err != nil {
		return fmt.Errorf("list deadlines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d           obligation.Deadline
			dID, oID    uuid.UUID
			completedAt sql.NullTime
		)
		if err := rows.Scan(&dID, &oID, &d.DueAt, &completedAt); err != nil {
			return fmt.Errorf("scan deadline: %w", err)
		}
		d.ID = id.DeadlineID(dID)
		d.ObligationID = id.ObligationID(oID)
		if completedAt.Valid {
			t := completedAt.Time
			d.CompletedAt = &t
		}
		o.Deadlines = append(o.Deadlines, d)
	}
	return rows.Err()
}
