package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"covenant/internal/queue"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// Postgres persists jobs and dead letters. Leasing uses FOR UPDATE SKIP
// LOCKED so concurrent workers never double-lease; all status transitions are
// conditional updates, never read-modify-write.
//
// The jobs table carries a partial unique index on idempotency_key for
// non-terminal rows, which enforces at-most-one-in-flight per document phase
// even across racing enqueues.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed job store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Create(ctx context.Context, job *queue.Job) error {
	failures, err := json.Marshal(job.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, tenant_id, site_id, document_id, phase, status,
			idempotency_key, params, attempt, failures,
			leased_by, last_heartbeat, run_after, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		uuid.UUID(job.ID), uuid.UUID(job.TenantID), uuid.UUID(job.SiteID),
		uuid.UUID(job.DocumentID), string(job.Phase), string(job.Status),
		job.IdempotencyKey, params, job.Attempt, failures,
		nullString(job.LeasedBy), nullTime(job.LastHeartbeat), job.RunAfter,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("idempotency key %s: %w", job.IdempotencyKey, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) Find(ctx context.Context, jobID id.JobID) (*queue.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE id = $1`, uuid.UUID(jobID)))
}

func (s *Postgres) FindActiveByKey(ctx context.Context, key string) (*queue.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, selectJob+`
		WHERE idempotency_key = $1
		  AND status NOT IN ('COMPLETED', 'CANCELLED', 'DEAD_LETTER')
	`, key))
}

// Lease picks the oldest ready job and flips it to PROCESSING in one
// statement.
func (s *Postgres) Lease(ctx context.Context, workerID string, now time.Time) (*queue.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'PROCESSING',
			attempt = attempt + 1,
			leased_by = $1,
			last_heartbeat = $2,
			updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('PENDING', 'FAILED') AND run_after <= $2
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, now,
	)
	return scanJob(row)
}

func (s *Postgres) Update(ctx context.Context, job *queue.Job, from queue.Status) error {
	failures, err := json.Marshal(job.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $2, attempt = $3, failures = $4, leased_by = $5,
			last_heartbeat = $6, run_after = $7, updated_at = $8
		WHERE id = $1 AND status = $9
	`,
		uuid.UUID(job.ID), string(job.Status), job.Attempt, failures,
		nullString(job.LeasedBy), nullTime(job.LastHeartbeat), job.RunAfter,
		job.UpdatedAt, string(from),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.Find(ctx, job.ID); err != nil {
			return err
		}
		return fmt.Errorf("job %s no longer %s: %w", job.ID, from, sentinel.ErrConflict)
	}
	return nil
}

func (s *Postgres) ListByDocument(ctx context.Context, docID id.DocumentID) ([]*queue.Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+` WHERE document_id = $1 ORDER BY created_at ASC`, uuid.UUID(docID))
	if err != nil {
		return nil, fmt.Errorf("list jobs by document: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Postgres) ListStale(ctx context.Context, cutoff time.Time) ([]*queue.Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+`
		WHERE status = 'PROCESSING'
		  AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Postgres) CreateDeadLetter(ctx context.Context, entry *queue.DeadLetterEntry) error {
	failures, err := json.Marshal(entry.Failures)
	if err != nil {
		return fmt.Errorf("marshal dead letter failures: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (job_id, tenant_id, site_id, document_id, phase, failures, dead_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		uuid.UUID(entry.JobID), uuid.UUID(entry.TenantID), uuid.UUID(entry.SiteID),
		uuid.UUID(entry.DocumentID), string(entry.Phase), failures, entry.DeadAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("dead letter %s: %w", entry.JobID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *Postgres) FindDeadLetter(ctx context.Context, jobID id.JobID) (*queue.DeadLetterEntry, error) {
	return scanDeadLetter(s.db.QueryRowContext(ctx, selectDeadLetter+` WHERE job_id = $1`, uuid.UUID(jobID)))
}

func (s *Postgres) ListDeadLetters(ctx context.Context, tenantID id.TenantID) ([]*queue.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectDeadLetter+` WHERE tenant_id = $1 ORDER BY dead_at ASC`, uuid.UUID(tenantID))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*queue.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkRequeued(ctx context.Context, jobID, newJobID id.JobID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET requeued_at = $2, requeued_as_id = $3
		WHERE job_id = $1 AND requeued_at IS NULL
	`, uuid.UUID(jobID), now, uuid.UUID(newJobID))
	if err != nil {
		return fmt.Errorf("mark dead letter requeued: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark dead letter requeued rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.FindDeadLetter(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("dead letter %s already requeued: %w", jobID, sentinel.ErrConflict)
	}
	return nil
}

const jobColumns = `id, tenant_id, site_id, document_id, phase, status,
	idempotency_key, params, attempt, failures, leased_by, last_heartbeat,
	run_after, created_at, updated_at`

const selectJob = `SELECT ` + jobColumns + ` FROM jobs`

const selectDeadLetter = `
	SELECT job_id, tenant_id, site_id, document_id, phase, failures,
	       dead_at, requeued_at, requeued_as_id
	FROM dead_letters`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*queue.Job, error) {
	var (
		job                            queue.Job
		jobID, tenantID, siteID, docID uuid.UUID
		phase, status                  string
		params, failures               []byte
		leasedBy                       sql.NullString
		lastHeartbeat                  sql.NullTime
	)
	err := row.Scan(
		&jobID, &tenantID, &siteID, &docID, &phase, &status,
		&job.IdempotencyKey, &params, &job.Attempt, &failures,
		&leasedBy, &lastHeartbeat, &job.RunAfter, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.ID = id.JobID(jobID)
	job.TenantID = id.TenantID(tenantID)
	job.SiteID = id.SiteID(siteID)
	job.DocumentID = id.DocumentID(docID)
	job.Phase = queue.Phase(phase)
	job.Status = queue.Status(status)
	job.LeasedBy = leasedBy.String
	if lastHeartbeat.Valid {
		hb := lastHeartbeat.Time
		job.LastHeartbeat = &hb
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &job.Failures); err != nil {
			return nil, fmt.Errorf("unmarshal failures: %w", err)
		}
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*queue.Job, error) {
	var out []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanDeadLetter(row rowScanner) (*queue.DeadLetterEntry, error) {
	var (
		entry                          queue.DeadLetterEntry
		jobID, tenantID, siteID, docID uuid.UUID
		phase                          string
		failures                       []byte
		requeuedAt                     sql.NullTime
		requeuedAs                     sql.Null[uuid.UUID]
	)
	err := row.Scan(
		&jobID, &tenantID, &siteID, &docID, &phase, &failures,
		&entry.DeadAt, &requeuedAt, &requeuedAs,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dead letter: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}

	entry.JobID = id.JobID(jobID)
	entry.TenantID = id.TenantID(tenantID)
	entry.SiteID = id.SiteID(siteID)
	entry.DocumentID = id.DocumentID(docID)
	entry.Phase = queue.Phase(phase)
	if requeuedAt.Valid {
		t := requeuedAt.Time
		entry.RequeuedAt = &t
	}
	if requeuedAs.Valid {
		entry.RequeuedAsID = id.JobID(requeuedAs.V)
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &entry.Failures); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter failures: %w", err)
		}
	}
	return &entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
