package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"covenant/internal/queue"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// Memory is an in-memory job store for tests and local runs. Every mutation
// happens under one lock so compare-and-swap semantics hold without a
// database.
type Memory struct {
	mu          sync.Mutex
	jobs        map[id.JobID]*queue.Job
	activeKeys  map[string]id.JobID
	deadLetters map[id.JobID]*queue.DeadLetterEntry
}

// NewMemory creates an empty in-memory job store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[id.JobID]*queue.Job),
		activeKeys:  make(map[string]id.JobID),
		deadLetters: make(map[id.JobID]*queue.DeadLetterEntry),
	}
}

// Create inserts a job, rejecting a second non-terminal job for the same
// idempotency key.
func (s *Memory) Create(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, sentinel.ErrConflict)
	}
	if activeID, ok := s.activeKeys[job.IdempotencyKey]; ok {
		if existing := s.jobs[activeID]; existing != nil && !existing.Status.IsTerminal() {
			return fmt.Errorf("idempotency key %s held by job %s: %w", job.IdempotencyKey, activeID, sentinel.ErrConflict)
		}
	}
	cp := cloneJob(job)
	s.jobs[job.ID] = cp
	s.activeKeys[job.IdempotencyKey] = job.ID
	return nil
}

func (s *Memory) Find(_ context.Context, jobID id.JobID) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, sentinel.ErrNotFound)
	}
	return cloneJob(job), nil
}

// FindActiveByKey returns the non-terminal job holding an idempotency key.
func (s *Memory) FindActiveByKey(_ context.Context, key string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.activeKeys[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, sentinel.ErrNotFound)
	}
	job := s.jobs[jobID]
	if job == nil || job.Status.IsTerminal() {
		return nil, fmt.Errorf("idempotency key %s: %w", key, sentinel.ErrNotFound)
	}
	return cloneJob(job), nil
}

// Lease atomically hands the oldest ready job to a worker.
func (s *Memory) Lease(_ context.Context, workerID string, now time.Time) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidate *queue.Job
	for _, job := range s.jobs {
		if !job.Leasable(now) {
			continue
		}
		if candidate == nil || job.CreatedAt.Before(candidate.CreatedAt) {
			candidate = job
		}
	}
	if candidate == nil {
		return nil, fmt.Errorf("no leasable job: %w", sentinel.ErrNotFound)
	}

	candidate.Status = queue.StatusProcessing
	candidate.Attempt++
	candidate.LeasedBy = workerID
	hb := now
	candidate.LastHeartbeat = &hb
	candidate.UpdatedAt = now
	return cloneJob(candidate), nil
}

// Update applies the job snapshot if and only if the stored status still
// equals from. A lost swap returns ErrConflict; the caller re-reads and
// decides.
func (s *Memory) Update(_ context.Context, job *queue.Job, from queue.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, sentinel.ErrNotFound)
	}
	if stored.Status != from {
		return fmt.Errorf("job %s is %s, expected %s: %w", job.ID, stored.Status, from, sentinel.ErrConflict)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Memory) ListByDocument(_ context.Context, docID id.DocumentID) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*queue.Job
	for _, job := range s.jobs {
		if job.DocumentID == docID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListStale returns processing jobs whose last heartbeat predates cutoff.
func (s *Memory) ListStale(_ context.Context, cutoff time.Time) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*queue.Job
	for _, job := range s.jobs {
		if job.Status != queue.StatusProcessing {
			continue
		}
		if job.LastHeartbeat == nil || job.LastHeartbeat.Before(cutoff) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) CreateDeadLetter(_ context.Context, entry *queue.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[entry.JobID]; ok {
		return fmt.Errorf("dead letter %s: %w", entry.JobID, sentinel.ErrConflict)
	}
	cp := *entry
	cp.Failures = append([]queue.Failure(nil), entry.Failures...)
	s.deadLetters[entry.JobID] = &cp
	return nil
}

func (s *Memory) FindDeadLetter(_ context.Context, jobID id.JobID) (*queue.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetters[jobID]
	if !ok {
		return nil, fmt.Errorf("dead letter %s: %w", jobID, sentinel.ErrNotFound)
	}
	cp := *entry
	cp.Failures = append([]queue.Failure(nil), entry.Failures...)
	return &cp, nil
}

func (s *Memory) ListDeadLetters(_ context.Context, tenantID id.TenantID) ([]*queue.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*queue.DeadLetterEntry
	for _, entry := range s.deadLetters {
		if entry.TenantID != tenantID {
			continue
		}
		cp := *entry
		cp.Failures = append([]queue.Failure(nil), entry.Failures...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadAt.Before(out[j].DeadAt) })
	return out, nil
}

// MarkRequeued links a dead letter to its replacement job, once.
func (s *Memory) MarkRequeued(_ context.Context, jobID, newJobID id.JobID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetters[jobID]
	if !ok {
		return fmt.Errorf("dead letter %s: %w", jobID, sentinel.ErrNotFound)
	}
	if entry.RequeuedAt != nil {
		return fmt.Errorf("dead letter %s already requeued: %w", jobID, sentinel.ErrConflict)
	}
	entry.RequeuedAt = &now
	entry.RequeuedAsID = newJobID
	return nil
}

func cloneJob(job *queue.Job) *queue.Job {
	cp := *job
	if job.Params != nil {
		cp.Params = make(map[string]string, len(job.Params))
		for k, v := range job.Params {
			cp.Params[k] = v
		}
	}
	cp.Failures = append([]queue.Failure(nil), job.Failures...)
	if job.LastHeartbeat != nil {
		hb := *job.LastHeartbeat
		cp.LastHeartbeat = &hb
	}
	return &cp
}
