package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covenant/internal/extraction"
	"covenant/internal/review"
	"covenant/internal/review/store"
	domain "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
)

func newItem(tenantID domain.TenantID, docID domain.DocumentID, priority int, createdAt time.Time) *review.Item {
	return &review.Item{
		ID:         domain.NewReviewItemID(),
		TenantID:   tenantID,
		DocumentID: docID,
		Candidate: extraction.Candidate{
			DocumentID:   docID,
			Title:        "Quarterly emissions sampling",
			OriginalText: "quarterly sampling of stack emissions",
			Category:     domain.CategoryMonitoring,
			Frequency:    domain.FrequencyQuarterly,
			Confidence:   0.72,
		},
		ReviewType: review.TypeLowConfidence,
		Priority:   priority,
		Confidence: 0.72,
		Status:     review.StatusPending,
		CreatedAt:  createdAt,
	}
}

func TestMemoryResolve(t *testing.T) {
	ctx := context.Background()
	tenantID := domain.NewTenantID()
	docID := domain.NewDocumentID()
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	t.Run("pending to confirmed records reviewer and timestamp", func(t *testing.T) {
		s := store.NewMemory()
		item := newItem(tenantID, docID, 30, now)
		require.NoError(t, s.Create(ctx, item))

		err := s.Resolve(ctx, item.ID, review.StatusConfirmed, "reviewer-1", "", nil, now)
		require.NoError(t, err)

		obligationID := domain.NewObligationID()
		require.NoError(t, s.AttachObligation(ctx, item.ID, obligationID))

		got, err := s.Find(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, review.StatusConfirmed, got.Status)
		assert.Equal(t, "reviewer-1", got.ReviewerID)
		assert.Equal(t, obligationID, got.ObligationID)
		require.NotNil(t, got.ResolvedAt)
		assert.Equal(t, now, *got.ResolvedAt)
	})

	t.Run("second decision returns already terminal", func(t *testing.T) {
		s := store.NewMemory()
		item := newItem(tenantID, docID, 30, now)
		require.NoError(t, s.Create(ctx, item))

		require.NoError(t, s.Resolve(ctx, item.ID, review.StatusRejected, "reviewer-1", "out of scope", nil, now))

		err := s.Resolve(ctx, item.ID, review.StatusConfirmed, "reviewer-2", "", nil, now)
		assert.ErrorIs(t, err, sentinel.ErrAlreadyTerminal)

		got, err := s.Find(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, review.StatusRejected, got.Status)
		assert.Equal(t, "reviewer-1", got.ReviewerID)
	})

	t.Run("resolving to a non-terminal status is rejected", func(t *testing.T) {
		s := store.NewMemory()
		item := newItem(tenantID, docID, 30, now)
		require.NoError(t, s.Create(ctx, item))

		err := s.Resolve(ctx, item.ID, review.StatusPending, "reviewer-1", "", nil, now)
		assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	})

	t.Run("unknown item returns not found", func(t *testing.T) {
		s := store.NewMemory()
		err := s.Resolve(ctx, domain.NewReviewItemID(), review.StatusConfirmed, "reviewer-1", "", nil, now)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("attaching to an unknown item returns not found", func(t *testing.T) {
		s := store.NewMemory()
		err := s.AttachObligation(ctx, domain.NewReviewItemID(), domain.NewObligationID())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}

func TestMemoryListPending(t *testing.T) {
	ctx := context.Background()
	tenantID := domain.NewTenantID()
	docID := domain.NewDocumentID()
	base := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	s := store.NewMemory()
	older := newItem(tenantID, docID, 30, base)
	newer := newItem(tenantID, docID, 30, base.Add(time.Minute))
	urgent := newItem(tenantID, docID, 100, base.Add(2*time.Minute))
	resolved := newItem(tenantID, docID, 90, base)
	otherTenant := newItem(domain.NewTenantID(), docID, 100, base)

	for _, item := range []*review.Item{older, newer, urgent, resolved, otherTenant} {
		require.NoError(t, s.Create(ctx, item))
	}
	require.NoError(t, s.Resolve(ctx, resolved.ID, review.StatusConfirmed, "reviewer-1", "", nil, base))

	items, err := s.ListPending(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, urgent.ID, items[0].ID, "highest priority first")
	assert.Equal(t, older.ID, items[1].ID, "oldest first within equal priority")
	assert.Equal(t, newer.ID, items[2].ID)
}

func TestMemoryCountBlockingPending(t *testing.T) {
	ctx := context.Background()
	tenantID := domain.NewTenantID()
	docID := domain.NewDocumentID()
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	s := store.NewMemory()

	blocking := newItem(tenantID, docID, 100, now)
	blocking.ReviewType = review.TypeHallucination
	blocking.IsBlocking = true
	require.NoError(t, s.Create(ctx, blocking))

	nonBlocking := newItem(tenantID, docID, 30, now)
	require.NoError(t, s.Create(ctx, nonBlocking))

	resolvedBlocking := newItem(tenantID, docID, 90, now)
	resolvedBlocking.ReviewType = review.TypeConflict
	resolvedBlocking.IsBlocking = true
	require.NoError(t, s.Create(ctx, resolvedBlocking))
	require.NoError(t, s.Resolve(ctx, resolvedBlocking.ID, review.StatusRejected, "reviewer-1", "duplicate filing", nil, now))

	n, err := s.CountBlockingPending(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryCreateConflict(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	item := newItem(domain.NewTenantID(), domain.NewDocumentID(), 30, time.Now().UTC())
	require.NoError(t, s.Create(ctx, item))
	assert.ErrorIs(t, s.Create(ctx, item), sentinel.ErrConflict)
}
