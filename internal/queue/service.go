package queue

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"covenant/internal/queue/metrics"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
	"covenant/pkg/platform/sentinel"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

// Store persists jobs and dead letters for the service. Update applies a job
// snapshot only while the stored status still matches the expected one, which
// is what keeps two workers from both finishing the same job.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Find(ctx context.Context, jobID id.JobID) (*Job, error)
	FindActiveByKey(ctx context.Context, key string) (*Job, error)
	Lease(ctx context.Context, workerID string, now time.Time) (*Job, error)
	Update(ctx context.Context, job *Job, from Status) error
	ListByDocument(ctx context.Context, docID id.DocumentID) ([]*Job, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*Job, error)

	CreateDeadLetter(ctx context.Context, entry *DeadLetterEntry) error
	FindDeadLetter(ctx context.Context, jobID id.JobID) (*DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, tenantID id.TenantID) ([]*DeadLetterEntry, error)
	MarkRequeued(ctx context.Context, jobID, newJobID id.JobID, now time.Time) error
}

// Publisher emits queue lifecycle events.
type Publisher interface {
	JobDeadLettered(ctx context.Context, entry *DeadLetterEntry)
}

// Config tunes retry and staleness behaviour.
type Config struct {
	// BackoffBase seeds the retry delay: base * 2^(attempt-1).
	BackoffBase time.Duration
	// MaxAttempts is the execution ceiling before dead-lettering.
	MaxAttempts int
	// LeaseWindow is how long a worker may go without a heartbeat before
	// its lease is reclaimable.
	LeaseWindow time.Duration
}

// Service is the job orchestrator. Workers lease jobs, heartbeat while they
// run, and report completion or failure; the service owns retry scheduling,
// dead-lettering, cancellation and stale-lease recovery.
type Service struct {
	store     Store
	cfg       Config
	publisher Publisher
	metrics   *metrics.Metrics
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithPublisher attaches an event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics attaches queue metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a queue service.
func New(store Store, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "queue store is required")
	}
	if cfg.BackoffBase <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "backoff base must be positive")
	}
	if cfg.MaxAttempts < 1 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "max attempts must be at least 1")
	}
	if cfg.LeaseWindow <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "lease window must be positive")
	}
	s := &Service{
		store:  store,
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue creates a job for a document phase. A second enqueue while a job
// for the same document phase is non-terminal returns the existing job and no
// error; the duplicate is rejected from the queue but is not a caller fault.
func (s *Service) Enqueue(ctx context.Context, tenantID id.TenantID, siteID id.SiteID, docID id.DocumentID, phase Phase, params map[string]string) (*Job, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant id is required")
	}
	if docID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "document id is required")
	}
	if !phase.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown phase %q", phase)
	}

	now := s.clock().UTC()
	job := &Job{
		ID:             id.NewJobID(),
		TenantID:       tenantID,
		SiteID:         siteID,
		DocumentID:     docID,
		Phase:          phase,
		Status:         StatusPending,
		IdempotencyKey: IdempotencyKey(docID, phase),
		Params:         params,
		RunAfter:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			existing, findErr := s.store.FindActiveByKey(ctx, job.IdempotencyKey)
			if findErr == nil {
				s.logger.DebugContext(ctx, "duplicate enqueue absorbed",
					slog.String("idempotency_key", job.IdempotencyKey),
					slog.String("job_id", existing.ID.String()),
				)
				return existing, nil
			}
			// Holder finished between our insert and read; retry once.
			if errors.Is(findErr, sentinel.ErrNotFound) {
				if err := s.store.Create(ctx, job); err == nil {
					s.metrics.IncrementEnqueued(phase.String())
					return job, nil
				}
			}
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "enqueue race lost")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "enqueue job")
	}

	s.metrics.IncrementEnqueued(phase.String())
	s.logger.InfoContext(ctx, "job enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("document_id", docID.String()),
		slog.String("phase", phase.String()),
	)
	return job, nil
}

// Lease hands the oldest ready job to a worker, or nil when the queue has
// nothing ready.
func (s *Service) Lease(ctx context.Context, workerID string) (*Job, error) {
	if workerID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "worker id is required")
	}
	job, err := s.store.Lease(ctx, workerID, s.clock().UTC())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "lease job")
	}
	s.logger.DebugContext(ctx, "job leased",
		slog.String("job_id", job.ID.String()),
		slog.String("worker_id", workerID),
		slog.Int("attempt", job.Attempt),
	)
	return job, nil
}

// Heartbeat extends a worker's lease. A heartbeat from a worker that no
// longer holds the job reports the lost lease so the worker can abandon the
// run.
func (s *Service) Heartbeat(ctx context.Context, jobID id.JobID, workerID string) error {
	job, err := s.find(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusProcessing || job.LeasedBy != workerID {
		return dErrors.Wrap(sentinel.ErrLeaseLost, dErrors.CodeConflict, "lease no longer held")
	}
	now := s.clock().UTC()
	job.LastHeartbeat = &now
	job.UpdatedAt = now
	if err := s.store.Update(ctx, job, StatusProcessing); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(sentinel.ErrLeaseLost, dErrors.CodeConflict, "lease no longer held")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "heartbeat job")
	}
	return nil
}

// Complete marks a job done. Completing an already-completed job is a no-op.
// Completing a job that was cancelled mid-flight succeeds but reports the
// result as discarded so the worker drops any side effects it buffered.
func (s *Service) Complete(ctx context.Context, jobID id.JobID, workerID string) (discarded bool, err error) {
	job, err := s.find(ctx, jobID)
	if err != nil {
		return false, err
	}

	switch job.Status {
	case StatusCompleted:
		return false, nil
	case StatusCancelled:
		return true, nil
	case StatusDeadLetter:
		return true, nil
	}
	if job.Status != StatusProcessing || job.LeasedBy != workerID {
		return false, dErrors.Wrap(sentinel.ErrLeaseLost, dErrors.CodeConflict, "lease no longer held")
	}

	now := s.clock().UTC()
	completed := *job
	completed.Status = StatusCompleted
	completed.LeasedBy = ""
	completed.UpdatedAt = now
	if err := s.store.Update(ctx, &completed, StatusProcessing); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// Lost the terminal race, someone else transitioned first.
			return s.Complete(ctx, jobID, workerID)
		}
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "complete job")
	}

	s.metrics.IncrementOutcome(job.Phase.String(), StatusCompleted.String())
	s.metrics.ObserveJobDuration(job.Phase.String(), now.Sub(job.CreatedAt))
	s.logger.InfoContext(ctx, "job completed",
		slog.String("job_id", jobID.String()),
		slog.String("phase", job.Phase.String()),
		slog.Int("attempt", job.Attempt),
	)
	return false, nil
}

// Fail records a failed execution. Below the attempt ceiling the job is
// rescheduled with exponential backoff; at the ceiling it moves to the dead
// letter queue. Failing an already-terminal job is a no-op.
func (s *Service) Fail(ctx context.Context, jobID id.JobID, workerID string, jobErr error) error {
	job, err := s.find(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	if job.Status != StatusProcessing || job.LeasedBy != workerID {
		return dErrors.Wrap(sentinel.ErrLeaseLost, dErrors.CodeConflict, "lease no longer held")
	}

	msg := "unknown failure"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return s.failLeased(ctx, job, msg)
}

// failLeased moves a PROCESSING job to its post-failure state. Callers have
// already verified ownership (or, for the sweeper, staleness).
func (s *Service) failLeased(ctx context.Context, job *Job, msg string) error {
	now := s.clock().UTC()
	job.Failures = append(job.Failures, Failure{Attempt: job.Attempt, Error: msg, At: now})
	job.LeasedBy = ""
	job.LastHeartbeat = nil
	job.UpdatedAt = now

	if job.Attempt >= s.cfg.MaxAttempts {
		return s.deadLetter(ctx, job, now)
	}

	job.Status = StatusFailed
	job.RunAfter = now.Add(s.backoff(job.Attempt))
	if err := s.store.Update(ctx, job, StatusProcessing); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "reschedule job")
	}

	s.metrics.IncrementRetry(job.Phase.String())
	s.logger.WarnContext(ctx, "job failed, retry scheduled",
		slog.String("job_id", job.ID.String()),
		slog.String("phase", job.Phase.String()),
		slog.Int("attempt", job.Attempt),
		slog.Time("run_after", job.RunAfter),
		slog.String("error", msg),
	)
	return nil
}

func (s *Service) deadLetter(ctx context.Context, job *Job, now time.Time) error {
	job.Status = StatusDeadLetter
	if err := s.store.Update(ctx, job, StatusProcessing); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "dead letter job")
	}

	entry := &DeadLetterEntry{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		SiteID:     job.SiteID,
		DocumentID: job.DocumentID,
		Phase:      job.Phase,
		Failures:   append([]Failure(nil), job.Failures...),
		DeadAt:     now,
	}
	if err := s.store.CreateDeadLetter(ctx, entry); err != nil && !errors.Is(err, sentinel.ErrConflict) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "record dead letter")
	}

	if s.publisher != nil {
		s.publisher.JobDeadLettered(ctx, entry)
	}
	s.metrics.IncrementOutcome(job.Phase.String(), StatusDeadLetter.String())
	s.logger.ErrorContext(ctx, "job dead lettered",
		slog.String("job_id", job.ID.String()),
		slog.String("document_id", job.DocumentID.String()),
		slog.String("phase", job.Phase.String()),
		slog.Int("attempts", job.Attempt),
	)
	return nil
}

// Cancel transitions all of a document's non-terminal jobs to CANCELLED.
// Safe to call concurrently with workers finishing the same jobs: the first
// terminal transition wins and the loser treats its own write as moot.
func (s *Service) Cancel(ctx context.Context, docID id.DocumentID) (int, error) {
	if docID.IsNil() {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "document id is required")
	}
	jobs, err := s.store.ListByDocument(ctx, docID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list document jobs")
	}

	cancelled := 0
	now := s.clock().UTC()
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		from := job.Status
		job.Status = StatusCancelled
		job.LeasedBy = ""
		job.UpdatedAt = now
		if err := s.store.Update(ctx, job, from); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				continue
			}
			return cancelled, dErrors.Wrap(err, dErrors.CodeInternal, "cancel job")
		}
		cancelled++
		s.metrics.IncrementOutcome(job.Phase.String(), StatusCancelled.String())
	}
	if cancelled > 0 {
		s.logger.InfoContext(ctx, "document jobs cancelled",
			slog.String("document_id", docID.String()),
			slog.Int("count", cancelled),
		)
	}
	return cancelled, nil
}

// SweepStale reclaims leases whose worker stopped heartbeating. Each stale
// job counts as a failed attempt, so a crash-looping job still reaches the
// dead letter ceiling instead of cycling forever.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	stale, err := s.store.ListStale(ctx, now.Add(-s.cfg.LeaseWindow))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list stale jobs")
	}

	reclaimed := 0
	for _, job := range stale {
		worker := job.LeasedBy
		if err := s.failLeased(ctx, job, "lease expired without heartbeat"); err != nil {
			return reclaimed, err
		}
		reclaimed++
		s.metrics.IncrementStaleReclaimed()
		s.logger.WarnContext(ctx, "stale lease reclaimed",
			slog.String("job_id", job.ID.String()),
			slog.String("worker_id", worker),
		)
	}
	return reclaimed, nil
}

// RequeueDeadLetter is the operator path out of the dead letter queue: it
// spawns a fresh job with a clean attempt count and links it to the entry.
// An entry can be requeued once.
func (s *Service) RequeueDeadLetter(ctx context.Context, jobID id.JobID) (*Job, error) {
	entry, err := s.store.FindDeadLetter(ctx, jobID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "dead letter not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find dead letter")
	}
	if entry.RequeuedAt != nil {
		return nil, dErrors.Newf(dErrors.CodeConflict, "dead letter %s already requeued", jobID)
	}

	job, err := s.Enqueue(ctx, entry.TenantID, entry.SiteID, entry.DocumentID, entry.Phase, nil)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	if err := s.store.MarkRequeued(ctx, jobID, job.ID, now); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "dead letter already requeued")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "mark dead letter requeued")
	}

	s.logger.InfoContext(ctx, "dead letter requeued",
		slog.String("dead_job_id", jobID.String()),
		slog.String("new_job_id", job.ID.String()),
	)
	return job, nil
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, jobID id.JobID) (*Job, error) {
	return s.find(ctx, jobID)
}

// ListByDocument returns a document's jobs oldest first.
func (s *Service) ListByDocument(ctx context.Context, docID id.DocumentID) ([]*Job, error) {
	if docID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "document id is required")
	}
	jobs, err := s.store.ListByDocument(ctx, docID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list document jobs")
	}
	return jobs, nil
}

// ListDeadLetters returns a tenant's dead letters oldest first.
func (s *Service) ListDeadLetters(ctx context.Context, tenantID id.TenantID) ([]*DeadLetterEntry, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "tenant id is required")
	}
	entries, err := s.store.ListDeadLetters(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list dead letters")
	}
	return entries, nil
}

func (s *Service) find(ctx context.Context, jobID id.JobID) (*Job, error) {
	if jobID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "job id is required")
	}
	job, err := s.store.Find(ctx, jobID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "job not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find job")
	}
	return job, nil
}

// backoff computes the retry delay after the given attempt number.
func (s *Service) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(s.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)))
}
