//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covenant/internal/platform/postgres"
	"covenant/internal/queue"
	"covenant/internal/queue/store"
	domain "covenant/pkg/domain"
	"covenant/pkg/platform/sentinel"
	"covenant/pkg/testutil/containers"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	require.NoError(t, pg.Apply(ctx, postgres.Schema))
	s := store.NewPostgres(pg.DB)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	newJob := func(docID domain.DocumentID, phase queue.Phase) *queue.Job {
		return &queue.Job{
			ID:             domain.NewJobID(),
			TenantID:       domain.NewTenantID(),
			SiteID:         domain.NewSiteID(),
			DocumentID:     docID,
			Phase:          phase,
			Status:         queue.StatusPending,
			IdempotencyKey: queue.IdempotencyKey(docID, phase),
			Params:         map[string]string{"file_name": "permit.pdf"},
			RunAfter:       now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	t.Run("idempotency key enforced by partial unique index", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx, "jobs", "dead_letters"))
		docID := domain.NewDocumentID()

		first := newJob(docID, queue.PhaseExtract)
		require.NoError(t, s.Create(ctx, first))

		dup := newJob(docID, queue.PhaseExtract)
		err := s.Create(ctx, dup)
		assert.ErrorIs(t, err, sentinel.ErrConflict)

		active, err := s.FindActiveByKey(ctx, first.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, first.ID, active.ID)
	})

	t.Run("lease flips status and round-trips fields", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx, "jobs", "dead_letters"))
		created := newJob(domain.NewDocumentID(), queue.PhaseClassify)
		require.NoError(t, s.Create(ctx, created))

		leased, err := s.Lease(ctx, "worker-1", now)
		require.NoError(t, err)
		assert.Equal(t, created.ID, leased.ID)
		assert.Equal(t, queue.StatusProcessing, leased.Status)
		assert.Equal(t, 1, leased.Attempt)
		assert.Equal(t, "worker-1", leased.LeasedBy)
		assert.Equal(t, created.Params, leased.Params)

		_, err = s.Lease(ctx, "worker-2", now)
		assert.ErrorIs(t, err, sentinel.ErrNotFound, "an in-flight job is not leasable")
	})

	t.Run("conditional update loses when status moved", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx, "jobs", "dead_letters"))
		created := newJob(domain.NewDocumentID(), queue.PhaseExtract)
		require.NoError(t, s.Create(ctx, created))

		leased, err := s.Lease(ctx, "worker-1", now)
		require.NoError(t, err)

		cancelled := *leased
		cancelled.Status = queue.StatusCancelled
		cancelled.UpdatedAt = now
		require.NoError(t, s.Update(ctx, &cancelled, queue.StatusProcessing))

		completed := *leased
		completed.Status = queue.StatusCompleted
		err = s.Update(ctx, &completed, queue.StatusProcessing)
		assert.ErrorIs(t, err, sentinel.ErrConflict, "terminal race: first writer wins")
	})

	t.Run("retry delay respected by lease", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx, "jobs", "dead_letters"))
		created := newJob(domain.NewDocumentID(), queue.PhaseExtract)
		require.NoError(t, s.Create(ctx, created))

		leased, err := s.Lease(ctx, "worker-1", now)
		require.NoError(t, err)

		failed := *leased
		failed.Status = queue.StatusFailed
		failed.LeasedBy = ""
		failed.LastHeartbeat = nil
		failed.RunAfter = now.Add(4 * time.Second)
		failed.Failures = []queue.Failure{{Attempt: 1, Error: "model timeout", At: now}}
		failed.UpdatedAt = now
		require.NoError(t, s.Update(ctx, &failed, queue.StatusProcessing))

		_, err = s.Lease(ctx, "worker-2", now.Add(2*time.Second))
		assert.ErrorIs(t, err, sentinel.ErrNotFound)

		releleased, err := s.Lease(ctx, "worker-2", now.Add(5*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, releleased.Attempt)
		require.Len(t, releleased.Failures, 1)
		assert.Equal(t, "model timeout", releleased.Failures[0].Error)
	})

	t.Run("stale listing by heartbeat cutoff", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx, "jobs", "dead_letters"))
		created := newJob(domain.NewDocumentID(), queue.PhaseExtract)
		require.NoError(t, s.Create(ctx, created))
		_, err := s.Lease(ctx, "worker-1", now)
		require.NoError(t, err)

		stale, err := s.ListStale(ctx, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Empty(t, stale)

		stale, err = s.ListStale(ctx, now.Add(5*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, created.ID, stale[0].ID)
	})

	t.Run("dead letter round trip and single requeue", func(t *testing.T) {
		require.NoError(t, pg.TruncateAll(ctx, "jobs", "dead_letters"))
		docID := domain.NewDocumentID()
		tenantID := domain.NewTenantID()
		entry := &queue.DeadLetterEntry{
			JobID:      domain.NewJobID(),
			TenantID:   tenantID,
			SiteID:     domain.NewSiteID(),
			DocumentID: docID,
			Phase:      queue.PhaseExtract,
			Failures: []queue.Failure{
				{Attempt: 1, Error: "model timeout", At: now},
				{Attempt: 2, Error: "rate limited", At: now.Add(time.Minute)},
				{Attempt: 3, Error: "malformed response", At: now.Add(2 * time.Minute)},
			},
			DeadAt: now.Add(2 * time.Minute),
		}
		require.NoError(t, s.CreateDeadLetter(ctx, entry))

		listed, err := s.ListDeadLetters(ctx, tenantID)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Len(t, listed[0].Failures, 3)

		newID := domain.NewJobID()
		require.NoError(t, s.MarkRequeued(ctx, entry.JobID, newID, now.Add(time.Hour)))

		err = s.MarkRequeued(ctx, entry.JobID, domain.NewJobID(), now.Add(2*time.Hour))
		assert.ErrorIs(t, err, sentinel.ErrConflict)

		got, err := s.FindDeadLetter(ctx, entry.JobID)
		require.NoError(t, err)
		assert.Equal(t, newID, got.RequeuedAsID)
		require.NotNil(t, got.RequeuedAt)
	})
}
