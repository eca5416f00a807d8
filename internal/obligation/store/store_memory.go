package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"covenant/internal/extraction"
	"covenant/internal/obligation"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// Memory is an in-memory obligation store for tests and local runs.
type Memory struct {
	mu          sync.RWMutex
	obligations map[id.ObligationID]*obligation.Obligation
	deadlines   map[id.DeadlineID]*obligation.Deadline
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		obligations: make(map[id.ObligationID]*obligation.Obligation),
		deadlines:   make(map[id.DeadlineID]*obligation.Deadline),
	}
}

func (s *Memory) Create(_ context.Context, o *obligation.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.obligations[o.ID]; ok {
		return fmt.Errorf("obligation %s: %w", o.ID, sentinel.ErrConflict)
	}
	cp := *o
	cp.Deadlines = append([]obligation.Deadline(nil), o.Deadlines...)
	s.obligations[o.ID] = &cp
	for i := range cp.Deadlines {
		d := cp.Deadlines[i]
		s.deadlines[d.ID] = &d
	}
	return nil
}

func (s *Memory) Find(_ context.Context, obligationID id.ObligationID) (*obligation.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.obligations[obligationID]
	if !ok {
		return nil, fmt.Errorf("obligation %s: %w", obligationID, sentinel.ErrNotFound)
	}
	return s.snapshot(o), nil
}

func (s *Memory) ListByDocument(_ context.Context, docID id.DocumentID) ([]*obligation.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*obligation.Obligation
	for _, o := range s.obligations {
		if o.DocumentID == docID {
			out = append(out, s.snapshot(o))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Memory) ListByTenant(_ context.Context, tenantID id.TenantID) ([]*obligation.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*obligation.Obligation
	for _, o := range s.obligations {
		if o.TenantID == tenantID {
			out = append(out, s.snapshot(o))
		}
	}
	sortByCreated(out)
	return out, nil
}

// ActiveTitles returns the normalized titles of a document's non-superseded
// obligations, the duplicate-detection input for triage.
func (s *Memory) ActiveTitles(_ context.Context, docID id.DocumentID) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	titles := make(map[string]bool)
	for _, o := range s.obligations {
		if o.DocumentID == docID && o.Status != obligation.StatusSuperseded {
			titles[extraction.NormalizeTitle(o.Title)] = true
		}
	}
	return titles, nil
}

func (s *Memory) UpdateStatus(_ context.Context, obligationID id.ObligationID, status obligation.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.obligations[obligationID]
	if !ok {
		return fmt.Errorf("obligation %s: %w", obligationID, sentinel.ErrNotFound)
	}
	o.Status = status
	return nil
}

func (s *Memory) FindDeadline(_ context.Context, deadlineID id.DeadlineID) (*obligation.Deadline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deadlines[deadlineID]
	if !ok {
		return nil, fmt.Errorf("deadline %s: %w", deadlineID, sentinel.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

// CompleteDeadline records the completion timestamp once; a second
// completion is a conflict.
func (s *Memory) CompleteDeadline(_ context.Context, deadlineID id.DeadlineID, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadlines[deadlineID]
	if !ok {
		return fmt.Errorf("deadline %s: %w", deadlineID, sentinel.ErrNotFound)
	}
	if d.CompletedAt != nil {
		return fmt.Errorf("deadline %s already completed: %w", deadlineID, sentinel.ErrConflict)
	}
	d.CompletedAt = &completedAt
	if o, ok := s.obligations[d.ObligationID]; ok {
		for i := range o.Deadlines {
			if o.Deadlines[i].ID == deadlineID {
				o.Deadlines[i].CompletedAt = &completedAt
			}
		}
	}
	return nil
}

// ListDueBetween returns open deadlines of non-superseded obligations due in
// [from, to), paired with their obligations for event payloads.
func (s *Memory) ListDueBetween(_ context.Context, from, to time.Time) ([]obligation.Upcoming, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []obligation.Upcoming
	for _, d := range s.deadlines {
		if d.CompletedAt != nil || d.DueAt.Before(from) || !d.DueAt.Before(to) {
			continue
		}
		o, ok := s.obligations[d.ObligationID]
		if !ok || o.Status == obligation.StatusSuperseded {
			continue
		}
		out = append(out, obligation.Upcoming{Deadline: *d, Obligation: s.snapshot(o)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.DueAt.Before(out[j].Deadline.DueAt) })
	return out, nil
}

func (s *Memory) snapshot(o *obligation.Obligation) *obligation.Obligation {
	cp := *o
	cp.Deadlines = append([]obligation.Deadline(nil), o.Deadlines...)
	return &cp
}

func sortByCreated(out []*obligation.Obligation) {
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
}
