package obligation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covenant/internal/extraction"
	"covenant/internal/obligation"
	"covenant/internal/obligation/store"
	domain "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

type capturingPublisher struct {
	created     []*obligation.Obligation
	approaching []obligation.Upcoming
}

func (p *capturingPublisher) ObligationCreated(_ context.Context, o *obligation.Obligation) {
	p.created = append(p.created, o)
}

func (p *capturingPublisher) DeadlineApproaching(_ context.Context, up obligation.Upcoming) {
	p.approaching = append(p.approaching, up)
}

func newTestService(t *testing.T, now time.Time) (*obligation.Service, *capturingPublisher) {
	t.Helper()
	pub := &capturingPublisher{}
	svc, err := obligation.New(store.NewMemory(),
		obligation.WithClock(func() time.Time { return now }),
		obligation.WithPublisher(pub),
	)
	require.NoError(t, err)
	return svc, pub
}

func candidate(docID domain.DocumentID, anchor time.Time) extraction.Candidate {
	return extraction.Candidate{
		DocumentID:   docID,
		Title:        "Monthly monitoring return",
		Description:  "Submit the monitoring return by the 15th of each month",
		OriginalText: "submit a monthly monitoring return",
		Category:     domain.CategoryMonitoring,
		Frequency:    domain.FrequencyMonthly,
		Condition:    domain.ConditionStandard,
		AnchorDate:   &anchor,
		Confidence:   0.95,
	}
}

func TestCreateFromCandidate(t *testing.T) {
	ctx := context.Background()
	now := date(2026, time.January, 10)
	anchor := date(2026, time.January, 15)
	tenantID := domain.NewTenantID()
	docID := domain.NewDocumentID()

	t.Run("reviewed acceptance activates with materialized deadlines", func(t *testing.T) {
		svc, pub := newTestService(t, now)
		oblID, err := svc.CreateFromCandidate(ctx, tenantID, candidate(docID, anchor), true)
		require.NoError(t, err)

		o, err := svc.Get(ctx, oblID)
		require.NoError(t, err)
		assert.Equal(t, obligation.StatusActive, o.Status)
		assert.True(t, o.Reviewed)
		assert.Len(t, o.Deadlines, 12)
		assert.Equal(t, anchor, o.Deadlines[0].DueAt)

		require.Len(t, pub.created, 1)
	})

	t.Run("provisional publication stays pending", func(t *testing.T) {
		svc, _ := newTestService(t, now)
		oblID, err := svc.CreateFromCandidate(ctx, tenantID, candidate(docID, anchor), false)
		require.NoError(t, err)

		o, err := svc.Get(ctx, oblID)
		require.NoError(t, err)
		assert.Equal(t, obligation.StatusPending, o.Status)

		require.NoError(t, svc.Activate(ctx, oblID))
		o, err = svc.Get(ctx, oblID)
		require.NoError(t, err)
		assert.Equal(t, obligation.StatusActive, o.Status)
	})

	t.Run("missing anchor date rejected synchronously", func(t *testing.T) {
		svc, pub := newTestService(t, now)
		cand := candidate(docID, anchor)
		cand.AnchorDate = nil
		_, err := svc.CreateFromCandidate(ctx, tenantID, cand, true)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		assert.Empty(t, pub.created, "nothing partially written")
	})

	t.Run("missing title rejected", func(t *testing.T) {
		svc, _ := newTestService(t, now)
		cand := candidate(docID, anchor)
		cand.Title = ""
		_, err := svc.CreateFromCandidate(ctx, tenantID, cand, true)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestActiveTitles(t *testing.T) {
	ctx := context.Background()
	now := date(2026, time.January, 10)
	anchor := date(2026, time.January, 15)
	tenantID := domain.NewTenantID()
	docID := domain.NewDocumentID()
	svc, _ := newTestService(t, now)

	oblID, err := svc.CreateFromCandidate(ctx, tenantID, candidate(docID, anchor), true)
	require.NoError(t, err)

	titles, err := svc.ActiveTitles(ctx, docID)
	require.NoError(t, err)
	assert.True(t, titles["monthly monitoring return"], "titles are normalized")

	require.NoError(t, svc.Supersede(ctx, oblID))
	titles, err = svc.ActiveTitles(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, titles, "superseded obligations leave the duplicate set")
}

func TestSupersededIsTerminal(t *testing.T) {
	ctx := context.Background()
	now := date(2026, time.January, 10)
	svc, _ := newTestService(t, now)

	oblID, err := svc.CreateFromCandidate(ctx, domain.NewTenantID(), candidate(domain.NewDocumentID(), date(2026, time.January, 15)), true)
	require.NoError(t, err)
	require.NoError(t, svc.Supersede(ctx, oblID))

	err = svc.Activate(ctx, oblID)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestCompleteDeadline(t *testing.T) {
	ctx := context.Background()
	now := date(2026, time.January, 10)
	anchor := date(2026, time.January, 15)
	svc, _ := newTestService(t, now)

	oblID, err := svc.CreateFromCandidate(ctx, domain.NewTenantID(), candidate(domain.NewDocumentID(), anchor), true)
	require.NoError(t, err)
	o, err := svc.Get(ctx, oblID)
	require.NoError(t, err)
	first := o.Deadlines[0]

	t.Run("on-time completion reads COMPLETED", func(t *testing.T) {
		d, err := svc.CompleteDeadline(ctx, first.ID, anchor.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, obligation.DeadlineCompleted, d.StatusAt(anchor.Add(48*time.Hour)))
	})

	t.Run("second completion conflicts", func(t *testing.T) {
		_, err := svc.CompleteDeadline(ctx, first.ID, anchor)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("late completion reads LATE_COMPLETE", func(t *testing.T) {
		second := o.Deadlines[1]
		d, err := svc.CompleteDeadline(ctx, second.ID, second.DueAt.Add(72*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, obligation.DeadlineLateComplete, d.StatusAt(second.DueAt.Add(96*time.Hour)))
	})

	t.Run("unknown deadline not found", func(t *testing.T) {
		_, err := svc.CompleteDeadline(ctx, domain.NewDeadlineID(), anchor)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func TestSweepApproaching(t *testing.T) {
	ctx := context.Background()
	now := date(2026, time.January, 10)
	anchor := date(2026, time.January, 15)
	window := 14 * 24 * time.Hour
	svc, pub := newTestService(t, now)

	oblID, err := svc.CreateFromCandidate(ctx, domain.NewTenantID(), candidate(domain.NewDocumentID(), anchor), true)
	require.NoError(t, err)

	t.Run("only deadlines inside the window surface", func(t *testing.T) {
		n, err := svc.SweepApproaching(ctx, window)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "jan 15 is inside, feb 15 is not")
		require.Len(t, pub.approaching, 1)
		assert.Equal(t, anchor, pub.approaching[0].Deadline.DueAt)
		assert.Equal(t, oblID, pub.approaching[0].Obligation.ID)
	})

	t.Run("completed deadlines stop surfacing", func(t *testing.T) {
		pub.approaching = nil
		_, err := svc.CompleteDeadline(ctx, pub.created[0].Deadlines[0].ID, now)
		require.NoError(t, err)
		n, err := svc.SweepApproaching(ctx, window)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("superseded obligations stop surfacing", func(t *testing.T) {
		svc2, pub2 := newTestService(t, now)
		oblID2, err := svc2.CreateFromCandidate(ctx, domain.NewTenantID(), candidate(domain.NewDocumentID(), anchor), true)
		require.NoError(t, err)
		require.NoError(t, svc2.Supersede(ctx, oblID2))
		n, err := svc2.SweepApproaching(ctx, window)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, pub2.approaching)
	})
}
