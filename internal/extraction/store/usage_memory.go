package store

import (
	"context"
	"sync"
	"time"

	"covenant/internal/extraction"
	id "covenant/pkg/domain"
)

// UsageRecord is one recorded model call.
type UsageRecord struct {
	DocumentID id.DocumentID
	Usage      extraction.Usage
	RecordedAt time.Time
}

// MemoryUsage accumulates usage records in memory.
type MemoryUsage struct {
	mu      sync.Mutex
	records []UsageRecord
	clock   func() time.Time
}

type MemoryUsageOption func(*MemoryUsage)

func WithMemoryUsageClock(clock func() time.Time) MemoryUsageOption {
	return func(s *MemoryUsage) {
		s.clock = clock
	}
}

func NewMemoryUsage(opts ...MemoryUsageOption) *MemoryUsage {
	s := &MemoryUsage{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryUsage) RecordUsage(ctx context.Context, docID id.DocumentID, usage extraction.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, UsageRecord{
		DocumentID: docID,
		Usage:      usage,
		RecordedAt: s.clock().UTC(),
	})
	return nil
}

// TotalFor sums all usage recorded against a document.
func (s *MemoryUsage) TotalFor(ctx context.Context, docID id.DocumentID) (extraction.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total extraction.Usage
	for _, r := range s.records {
		if r.DocumentID == docID {
			total = total.Add(r.Usage)
		}
	}
	return total, nil
}

// Records returns a snapshot of everything recorded.
func (s *MemoryUsage) Records() []UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}
