package store

import (
	"context"
	"fmt"
	"sync"

	"covenant/internal/pipeline"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// MemoryReports stores reports in memory for tests/dev.
type MemoryReports struct {
	mu      sync.RWMutex
	reports map[id.ReportID]*pipeline.Report
}

func NewMemoryReports() *MemoryReports {
	return &MemoryReports{reports: make(map[id.ReportID]*pipeline.Report)}
}

func (s *MemoryReports) Create(_ context.Context, r *pipeline.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; ok {
		return fmt.Errorf("report %s: %w", r.ID, sentinel.ErrConflict)
	}
	cp := *r
	s.reports[r.ID] = &cp
	return nil
}

func (s *MemoryReports) ListByDocument(_ context.Context, docID id.DocumentID) ([]*pipeline.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pipeline.Report
	for _, r := range s.reports {
		if r.DocumentID == docID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
