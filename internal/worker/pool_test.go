package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"covenant/internal/queue"
	qstore "covenant/internal/queue/store"
	"covenant/internal/worker/mocks"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

type countingHandler struct {
	mu      sync.Mutex
	handled map[id.JobID]int
	// failFirst makes the first attempt of every job fail.
	failFirst bool
}

func newCountingHandler() *countingHandler {
	return &countingHandler{handled: make(map[id.JobID]int)}
}

func (h *countingHandler) HandleJob(_ context.Context, job *queue.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled[job.ID]++
	if h.failFirst && h.handled[job.ID] == 1 {
		return dErrors.New(dErrors.CodeTimeout, "model call timed out")
	}
	return nil
}

func (h *countingHandler) count(jobID id.JobID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled[jobID]
}

func newTestQueue(t *testing.T) *queue.Service {
	t.Helper()
	svc, err := queue.New(qstore.NewMemory(), queue.Config{
		BackoffBase: time.Millisecond,
		MaxAttempts: 3,
		LeaseWindow: time.Minute,
	})
	require.NoError(t, err)
	return svc
}

func testConfig() Config {
	return Config{
		WorkerCount:       3,
		PollInterval:      2 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		SweepInterval:     5 * time.Millisecond,
	}
}

func TestPoolProcessesJobs(t *testing.T) {
	q := newTestQueue(t)
	handler := newCountingHandler()
	pool, err := New(q, handler, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	var jobIDs []id.JobID
	docA, docB := id.NewDocumentID(), id.NewDocumentID()
	for _, docID := range []id.DocumentID{docA, docB} {
		for _, phase := range []queue.Phase{queue.PhaseClassify, queue.PhaseExtract} {
			job, err := q.Enqueue(ctx, id.NewTenantID(), id.NewSiteID(), docID, phase, nil)
			require.NoError(t, err)
			jobIDs = append(jobIDs, job.ID)
		}
	}

	require.Eventually(t, func() bool {
		for _, jobID := range jobIDs {
			job, err := q.Get(context.Background(), jobID)
			if err != nil || job.Status != queue.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	for _, jobID := range jobIDs {
		assert.Equal(t, 1, handler.count(jobID), "each job runs exactly once")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestPoolRetriesFailedJob(t *testing.T) {
	q := newTestQueue(t)
	handler := newCountingHandler()
	handler.failFirst = true
	pool, err := New(q, handler, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	job, err := q.Enqueue(ctx, id.NewTenantID(), id.NewSiteID(), id.NewDocumentID(), queue.PhaseExtract, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.Get(context.Background(), job.ID)
		return err == nil && got.Status == queue.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, handler.count(job.ID))
	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, got.Failures, 1)
	assert.Contains(t, got.Failures[0].Error, "timed out")
}

type blockingHandler struct {
	started chan id.JobID
	release chan struct{}
	aborted atomic.Bool
}

func (h *blockingHandler) HandleJob(ctx context.Context, job *queue.Job) error {
	h.started <- job.ID
	select {
	case <-ctx.Done():
		h.aborted.Store(true)
		return ctx.Err()
	case <-h.release:
		return nil
	}
}

func TestShutdownCancelsInFlightJob(t *testing.T) {
	q := newTestQueue(t)
	handler := &blockingHandler{
		started: make(chan id.JobID, 1),
		release: make(chan struct{}),
	}
	cfg := testConfig()
	cfg.WorkerCount = 1
	pool, err := New(q, handler, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	_, err = q.Enqueue(ctx, id.NewTenantID(), id.NewSiteID(), id.NewDocumentID(), queue.PhaseClassify, nil)
	require.NoError(t, err)

	select {
	case <-handler.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	cancel()
	require.NoError(t, <-done)
	assert.True(t, handler.aborted.Load(), "cancellation must propagate into the handler")
}

func TestDeadlineSweepUsesConfiguredWindow(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := mocks.NewMockQueue(ctrl)
	sweeper := mocks.NewMockDeadlineSweeper(ctrl)

	q.EXPECT().Lease(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
	q.EXPECT().SweepStale(gomock.Any()).Return(0, nil).AnyTimes()

	window := 48 * time.Hour
	swept := make(chan struct{}, 1)
	sweeper.EXPECT().SweepApproaching(gomock.Any(), window).DoAndReturn(
		func(context.Context, time.Duration) (int, error) {
			select {
			case swept <- struct{}{}:
			default:
			}
			return 1, nil
		}).MinTimes(1)

	cfg := testConfig()
	cfg.WorkerCount = 1
	cfg.ApproachingWindow = window
	pool, err := New(q, mocks.NewMockHandler(ctrl), cfg, WithDeadlineSweeper(sweeper))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		t.Fatal("deadline sweep never ran")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestConfigValidation(t *testing.T) {
	q := newTestQueue(t)

	_, err := New(nil, newCountingHandler(), Config{})
	assert.Error(t, err)

	_, err = New(q, nil, Config{})
	assert.Error(t, err)

	pool, err := New(q, newCountingHandler(), Config{})
	require.NoError(t, err)
	assert.NotNil(t, pool)
}
