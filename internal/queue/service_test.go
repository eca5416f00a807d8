package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covenant/internal/queue"
	"covenant/internal/queue/store"
	domain "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type capturingQueuePublisher struct {
	deadLettered []*queue.DeadLetterEntry
}

func (p *capturingQueuePublisher) JobDeadLettered(_ context.Context, entry *queue.DeadLetterEntry) {
	p.deadLettered = append(p.deadLettered, entry)
}

func newTestService(t *testing.T) (*queue.Service, *fakeClock, *capturingQueuePublisher) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	pub := &capturingQueuePublisher{}
	svc, err := queue.New(store.NewMemory(), queue.Config{
		BackoffBase: 2 * time.Second,
		MaxAttempts: 3,
		LeaseWindow: 5 * time.Minute,
	}, queue.WithClock(clock.Now), queue.WithPublisher(pub))
	require.NoError(t, err)
	return svc, clock, pub
}

func enqueue(t *testing.T, svc *queue.Service, docID domain.DocumentID, phase queue.Phase) *queue.Job {
	t.Helper()
	job, err := svc.Enqueue(context.Background(), domain.NewTenantID(), domain.NewSiteID(), docID, phase, nil)
	require.NoError(t, err)
	return job
}

func TestEnqueueIdempotency(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	docID := domain.NewDocumentID()

	first := enqueue(t, svc, docID, queue.PhaseExtract)

	t.Run("duplicate while non-terminal returns the existing job", func(t *testing.T) {
		again, err := svc.Enqueue(ctx, first.TenantID, first.SiteID, docID, queue.PhaseExtract, nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID, "exactly one active job per document phase")
	})

	t.Run("duplicate while leased still absorbed", func(t *testing.T) {
		leased, err := svc.Lease(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, leased)

		again, err := svc.Enqueue(ctx, first.TenantID, first.SiteID, docID, queue.PhaseExtract, nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	})

	t.Run("other phases queue independently", func(t *testing.T) {
		other, err := svc.Enqueue(ctx, first.TenantID, first.SiteID, docID, queue.PhaseClassify, nil)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other.ID)
	})

	t.Run("after terminal a fresh job is accepted", func(t *testing.T) {
		discarded, err := svc.Complete(ctx, first.ID, "worker-1")
		require.NoError(t, err)
		assert.False(t, discarded)

		fresh, err := svc.Enqueue(ctx, first.TenantID, first.SiteID, docID, queue.PhaseExtract, nil)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, fresh.ID)
	})
}

func TestLease(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue leases nothing", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		job, err := svc.Lease(ctx, "worker-1")
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("oldest ready job first, leased at most once", func(t *testing.T) {
		svc, clock, _ := newTestService(t)
		first := enqueue(t, svc, domain.NewDocumentID(), queue.PhaseClassify)
		clock.Advance(time.Second)
		enqueue(t, svc, domain.NewDocumentID(), queue.PhaseClassify)

		leased, err := svc.Lease(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, leased)
		assert.Equal(t, first.ID, leased.ID)
		assert.Equal(t, queue.StatusProcessing, leased.Status)
		assert.Equal(t, 1, leased.Attempt)

		second, err := svc.Lease(ctx, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.NotEqual(t, leased.ID, second.ID)

		third, err := svc.Lease(ctx, "worker-3")
		require.NoError(t, err)
		assert.Nil(t, third, "both jobs already held")
	})
}

func TestFailRetrySchedule(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t)
	enqueue(t, svc, domain.NewDocumentID(), queue.PhaseExtract)

	leased, err := svc.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, svc.Fail(ctx, leased.ID, "worker-1", errors.New("model timeout")))

	job, err := svc.Get(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Equal(t, clock.Now().Add(2*time.Second), job.RunAfter, "first retry after base delay")
	require.Len(t, job.Failures, 1)
	assert.Equal(t, "model timeout", job.Failures[0].Error)

	t.Run("not leasable until backoff elapses", func(t *testing.T) {
		got, err := svc.Lease(ctx, "worker-2")
		require.NoError(t, err)
		assert.Nil(t, got)

		clock.Advance(2 * time.Second)
		got, err = svc.Lease(ctx, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 2, got.Attempt)
	})

	t.Run("second failure doubles the delay", func(t *testing.T) {
		require.NoError(t, svc.Fail(ctx, leased.ID, "worker-2", errors.New("rate limited")))
		job, err := svc.Get(ctx, leased.ID)
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(4*time.Second), job.RunAfter)
	})
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()
	svc, clock, pub := newTestService(t)
	job := enqueue(t, svc, domain.NewDocumentID(), queue.PhaseExtract)

	for attempt := 1; attempt <= 3; attempt++ {
		clock.Advance(time.Minute)
		leased, err := svc.Lease(ctx, "worker-1")
		require.NoError(t, err, "attempt %d", attempt)
		require.NotNil(t, leased, "attempt %d", attempt)
		require.NoError(t, svc.Fail(ctx, leased.ID, "worker-1", errors.New("malformed model response")))
	}

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDeadLetter, got.Status)

	t.Run("never re-leased", func(t *testing.T) {
		clock.Advance(time.Hour)
		leased, err := svc.Lease(ctx, "worker-2")
		require.NoError(t, err)
		assert.Nil(t, leased)
	})

	t.Run("entry carries full failure history", func(t *testing.T) {
		entries, err := svc.ListDeadLetters(ctx, job.TenantID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, job.ID, entries[0].JobID)
		assert.Len(t, entries[0].Failures, 3)
		require.Len(t, pub.deadLettered, 1)
	})

	t.Run("requeue spawns a fresh job once", func(t *testing.T) {
		fresh, err := svc.RequeueDeadLetter(ctx, job.ID)
		require.NoError(t, err)
		assert.NotEqual(t, job.ID, fresh.ID)
		assert.Equal(t, queue.StatusPending, fresh.Status)
		assert.Zero(t, fresh.Attempt)

		_, err = svc.RequeueDeadLetter(ctx, job.ID)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func TestCompleteIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	enqueue(t, svc, domain.NewDocumentID(), queue.PhaseClassify)
	leased, err := svc.Lease(ctx, "worker-1")
	require.NoError(t, err)

	discarded, err := svc.Complete(ctx, leased.ID, "worker-1")
	require.NoError(t, err)
	assert.False(t, discarded)

	discarded, err = svc.Complete(ctx, leased.ID, "worker-1")
	require.NoError(t, err, "completing a completed job is a no-op")
	assert.False(t, discarded)

	require.NoError(t, svc.Fail(ctx, leased.ID, "worker-1", errors.New("late failure")), "failing a terminal job is a no-op")
	job, err := svc.Get(ctx, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	docID := domain.NewDocumentID()

	enqueue(t, svc, docID, queue.PhaseClassify)
	enqueue(t, svc, docID, queue.PhaseExtract)
	unrelated := enqueue(t, svc, domain.NewDocumentID(), queue.PhaseClassify)

	leased, err := svc.Lease(ctx, "worker-1")
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled, "pending and in-flight jobs both cancel")

	t.Run("worker completing a cancelled job discards its result", func(t *testing.T) {
		discarded, err := svc.Complete(ctx, leased.ID, "worker-1")
		require.NoError(t, err)
		assert.True(t, discarded)
	})

	t.Run("other documents untouched", func(t *testing.T) {
		job, err := svc.Get(ctx, unrelated.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPending, job.Status)
	})

	t.Run("cancel again is a no-op", func(t *testing.T) {
		n, err := svc.Cancel(ctx, docID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestHeartbeatAndStaleSweep(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t)
	enqueue(t, svc, domain.NewDocumentID(), queue.PhaseExtract)

	leased, err := svc.Lease(ctx, "worker-1")
	require.NoError(t, err)

	t.Run("heartbeat keeps the lease", func(t *testing.T) {
		clock.Advance(4 * time.Minute)
		require.NoError(t, svc.Heartbeat(ctx, leased.ID, "worker-1"))

		clock.Advance(4 * time.Minute)
		n, err := svc.SweepStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "heartbeat within window, nothing stale")
	})

	t.Run("missed heartbeats reclaim the lease as a failed attempt", func(t *testing.T) {
		clock.Advance(6 * time.Minute)
		n, err := svc.SweepStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		job, err := svc.Get(ctx, leased.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, job.Status)
		require.Len(t, job.Failures, 1)
	})

	t.Run("stale worker loses its lease", func(t *testing.T) {
		err := svc.Heartbeat(ctx, leased.ID, "worker-1")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		_, err = svc.Complete(ctx, leased.ID, "worker-1")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("crash looping job still dead letters", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			clock.Advance(time.Hour)
			got, err := svc.Lease(ctx, "worker-2")
			require.NoError(t, err)
			require.NotNil(t, got)
			clock.Advance(6 * time.Minute)
			_, err = svc.SweepStale(ctx)
			require.NoError(t, err)
		}
		job, err := svc.Get(ctx, leased.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusDeadLetter, job.Status)
	})
}
