package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"covenant/internal/review"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return sentinel.ErrNotFound when the requested item does not exist
// - Return sentinel.ErrAlreadyTerminal when resolving a resolved item
// - Return nil for successful operations

// Memory keeps review items in memory for tests/dev.
type Memory struct {
	mu    sync.RWMutex
	items map[id.ReviewItemID]*review.Item
}

// NewMemory constructs an empty in-memory review store.
func NewMemory() *Memory {
	return &Memory{items: make(map[id.ReviewItemID]*review.Item)}
}

func (s *Memory) Create(_ context.Context, item *review.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("review item %s: %w", item.ID, sentinel.ErrConflict)
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *Memory) Find(_ context.Context, itemID id.ReviewItemID) (*review.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, fmt.Errorf("review item %s: %w", itemID, sentinel.ErrNotFound)
	}
	cp := *item
	return &cp, nil
}

// Resolve performs the single PENDING -> terminal transition. The check and
// write happen under one lock so two concurrent decisions cannot both win.
func (s *Memory) Resolve(_ context.Context, itemID id.ReviewItemID, status review.Status, reviewerID, reason string, edited *review.EditedFields, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("resolve to %s: %w", status, sentinel.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("review item %s: %w", itemID, sentinel.ErrNotFound)
	}
	if item.Status.IsTerminal() {
		return fmt.Errorf("review item %s is %s: %w", itemID, item.Status, sentinel.ErrAlreadyTerminal)
	}

	item.Status = status
	item.ReviewerID = reviewerID
	item.Reason = reason
	item.Edited = edited
	item.ResolvedAt = &now
	return nil
}

// AttachObligation records the obligation created for an accepted item.
func (s *Memory) AttachObligation(_ context.Context, itemID id.ReviewItemID, obligationID id.ObligationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("review item %s: %w", itemID, sentinel.ErrNotFound)
	}
	item.ObligationID = obligationID
	return nil
}

// ListPending returns unresolved items for a tenant ordered by priority
// (highest first), then age.
func (s *Memory) ListPending(_ context.Context, tenantID id.TenantID) ([]*review.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*review.Item
	for _, item := range s.items {
		if item.TenantID == tenantID && item.Status == review.StatusPending {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CountBlockingPending reports how many unresolved blocking items exist for
// a document. Publication waits on zero.
func (s *Memory) CountBlockingPending(_ context.Context, docID id.DocumentID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.items {
		if item.DocumentID == docID && item.Status == review.StatusPending && item.IsBlocking {
			n++
		}
	}
	return n, nil
}

func (s *Memory) ListByDocument(_ context.Context, docID id.DocumentID) ([]*review.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*review.Item
	for _, item := range s.items {
		if item.DocumentID == docID {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
