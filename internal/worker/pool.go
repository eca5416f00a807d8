// Package worker runs the pipeline worker pool: a fixed set of goroutines
// leasing jobs from the orchestrator, heartbeating while they work, plus a
// background sweeper for expired leases and approaching deadlines.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"covenant/internal/queue"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

//go:generate mockgen -source=pool.go -destination=mocks/mocks.go -package=mocks

// Handler processes one leased job to completion.
type Handler interface {
	HandleJob(ctx context.Context, job *queue.Job) error
}

// Queue is the orchestrator surface the pool consumes.
type Queue interface {
	Lease(ctx context.Context, workerID string) (*queue.Job, error)
	Heartbeat(ctx context.Context, jobID id.JobID, workerID string) error
	Complete(ctx context.Context, jobID id.JobID, workerID string) (discarded bool, err error)
	Fail(ctx context.Context, jobID id.JobID, workerID string, jobErr error) error
	SweepStale(ctx context.Context) (int, error)
}

// DeadlineSweeper publishes deadline.approaching events.
type DeadlineSweeper interface {
	SweepApproaching(ctx context.Context, window time.Duration) (int, error)
}

// Config tunes the pool. Zero values fall back to development defaults.
type Config struct {
	WorkerCount       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	// ApproachingWindow is how far ahead the deadline sweep looks.
	ApproachingWindow time.Duration
}

// Pool drives the workers. Independent jobs run fully concurrently; one job
// runs on exactly one worker.
type Pool struct {
	cfg      Config
	queue    Queue
	handler  Handler
	sweeper  DeadlineSweeper
	hostname string
	logger   *slog.Logger
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithDeadlineSweeper enables the approaching-deadline sweep alongside the
// stale-lease sweep.
func WithDeadlineSweeper(s DeadlineSweeper) Option {
	return func(p *Pool) {
		p.sweeper = s
	}
}

func New(q Queue, h Handler, cfg Config, opts ...Option) (*Pool, error) {
	if q == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "worker: queue is required")
	}
	if h == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "worker: handler is required")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.ApproachingWindow <= 0 {
		cfg.ApproachingWindow = 14 * 24 * time.Hour
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	p := &Pool{
		cfg:      cfg,
		queue:    q,
		handler:  h,
		hostname: host,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Run blocks until ctx is cancelled. Worker goroutines exit cleanly; a job
// in flight at shutdown is failed back to the queue so another process can
// pick it up.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", p.hostname, i)
		g.Go(func() error {
			return p.runWorker(ctx, workerID)
		})
	}
	g.Go(func() error {
		return p.runSweeper(ctx)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Pool) runWorker(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := p.queue.Lease(ctx, workerID)
		if err != nil {
			p.logger.ErrorContext(ctx, "lease failed", "worker_id", workerID, "error", err)
		}
		if job != nil {
			p.process(ctx, workerID, job)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// process runs one job under a heartbeat. Losing the lease cancels the job
// context, which propagates into any in-flight model call and releases the
// worker back to the pool.
func (p *Pool) process(ctx context.Context, workerID string, job *queue.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(jobCtx, job.ID, workerID); err != nil {
					if jobCtx.Err() != nil {
						return
					}
					if dErrors.HasCode(err, dErrors.CodeConflict) {
						p.logger.WarnContext(jobCtx, "lease lost, abandoning job",
							"job_id", job.ID, "worker_id", workerID)
						cancel()
						return
					}
					p.logger.ErrorContext(jobCtx, "heartbeat failed",
						"job_id", job.ID, "error", err)
				}
			}
		}
	}()

	err := p.handler.HandleJob(jobCtx, job)
	cancel()
	<-hbDone

	if err != nil {
		if failErr := p.queue.Fail(ctx, job.ID, workerID, err); failErr != nil {
			p.logger.ErrorContext(ctx, "failed to record job failure",
				"job_id", job.ID, "error", failErr)
		}
		p.logger.WarnContext(ctx, "job failed",
			"job_id", job.ID,
			"phase", job.Phase,
			"attempt", job.Attempt,
			"error", err,
		)
		return
	}

	discarded, err := p.queue.Complete(ctx, job.ID, workerID)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	if discarded {
		p.logger.InfoContext(ctx, "job result discarded after cancellation", "job_id", job.ID)
	}
}

func (p *Pool) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := p.queue.SweepStale(ctx); err != nil {
				p.logger.ErrorContext(ctx, "stale sweep failed", "error", err)
			} else if n > 0 {
				p.logger.InfoContext(ctx, "reclaimed stale jobs", "count", n)
			}
			if p.sweeper != nil {
				if _, err := p.sweeper.SweepApproaching(ctx, p.cfg.ApproachingWindow); err != nil {
					p.logger.ErrorContext(ctx, "deadline sweep failed", "error", err)
				}
			}
		}
	}
}
