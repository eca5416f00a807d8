package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"covenant/internal/document"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return sentinel.ErrNotFound when the requested entity does not exist
// - Return nil for successful operations
// - Return wrapped errors with context for infrastructure failures

// Memory stores documents in memory for tests/dev.
type Memory struct {
	mu   sync.RWMutex
	docs map[id.DocumentID]*document.Document
}

// NewMemory constructs an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[id.DocumentID]*document.Document)}
}

func (s *Memory) Create(_ context.Context, doc *document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("document %s: %w", doc.ID, sentinel.ErrConflict)
	}
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *Memory) Find(_ context.Context, docID id.DocumentID) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", docID, sentinel.ErrNotFound)
	}
	cp := *doc
	return &cp, nil
}

// AttachIngestMetadata records ingestion-derived fields. It is the only
// mutation allowed before classification.
func (s *Memory) AttachIngestMetadata(_ context.Context, docID id.DocumentID, pageCount, rawTextLength int, needsOCR, isLarge bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return fmt.Errorf("document %s: %w", docID, sentinel.ErrNotFound)
	}
	doc.PageCount = pageCount
	doc.RawTextLength = rawTextLength
	doc.NeedsOCR = needsOCR
	doc.IsLarge = isLarge
	doc.UpdatedAt = now
	return nil
}

// AttachClassification persists the detected type. Re-classification of a
// document whose stored confidence already clears the threshold is rejected.
func (s *Memory) AttachClassification(_ context.Context, docID id.DocumentID, docType document.Type, confidence, minConfidence float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return fmt.Errorf("document %s: %w", docID, sentinel.ErrNotFound)
	}
	if doc.Type != "" && doc.Type != document.TypeUnknown && doc.TypeConfidence >= minConfidence {
		return fmt.Errorf("document %s already classified: %w", docID, sentinel.ErrInvalidState)
	}
	doc.Type = docType
	doc.TypeConfidence = confidence
	doc.UpdatedAt = now
	return nil
}

func (s *Memory) Retire(_ context.Context, docID id.DocumentID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return fmt.Errorf("document %s: %w", docID, sentinel.ErrNotFound)
	}
	doc.Retired = true
	doc.UpdatedAt = now
	return nil
}

func (s *Memory) ListByTenant(_ context.Context, tenantID id.TenantID) ([]*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*document.Document
	for _, doc := range s.docs {
		if doc.TenantID == tenantID && !doc.Retired {
			cp := *doc
			out = append(out, &cp)
		}
	}
	return out, nil
}
