package pipeline_test

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covenant/internal/document"
	docstore "covenant/internal/document/store"
	"covenant/internal/extraction"
	extstore "covenant/internal/extraction/store"
	"covenant/internal/ingest"
	"covenant/internal/obligation"
	oblstore "covenant/internal/obligation/store"
	"covenant/internal/pipeline"
	pipestore "covenant/internal/pipeline/store"
	"covenant/internal/platform/blob"
	"covenant/internal/platform/config"
	"covenant/internal/queue"
	qstore "covenant/internal/queue/store"
	"covenant/internal/review"
	revstore "covenant/internal/review/store"
	"covenant/internal/rulelib"
	"covenant/internal/scoring"
	id "covenant/pkg/domain"
)

const permitText = `ENVIRONMENTAL PERMIT

Conditions

3.1 The operator shall sample the discharge from outlet W1 every quarter and
measure suspended solids against the limits in schedule 2. Records of each
sampling round shall be retained for six years and made available on request.

3.2 The operator shall maintain all abatement plant in good working order.
`

type fakeModel struct {
	cls        extraction.Classification
	candidates []extraction.Candidate
	extracted  []string
	served     bool
}

func (f *fakeModel) Classify(context.Context, string) (extraction.Classification, extraction.Usage, error) {
	return f.cls, extraction.Usage{PromptTokens: 120, CompletionTokens: 8, TotalTokens: 128}, nil
}

func (f *fakeModel) Extract(_ context.Context, text string, _ document.Type) ([]extraction.Candidate, extraction.Usage, error) {
	f.extracted = append(f.extracted, text)
	if f.served {
		return nil, extraction.Usage{}, nil
	}
	f.served = true
	return f.candidates, extraction.Usage{PromptTokens: 400, CompletionTokens: 80, TotalTokens: 480}, nil
}

type capturingEvents struct {
	classified []string
}

func (c *capturingEvents) DocumentClassified(_ context.Context, _ id.TenantID, _ id.DocumentID, docType string, _ float64) {
	c.classified = append(c.classified, docType)
}

type harness struct {
	coord       *pipeline.Coordinator
	jobs        *queue.Service
	reviews     *review.Service
	obligations *obligation.Service
	reports     *pipestore.MemoryReports
	events      *capturingEvents
	model       *fakeModel
}

func newHarness(t *testing.T, model *fakeModel, rules []rulelib.Rule) *harness {
	t.Helper()

	usage := extstore.NewMemoryUsage()
	extractor, err := extraction.New(model, extraction.WithUsageRecorder(usage))
	require.NoError(t, err)

	obligations, err := obligation.New(oblstore.NewMemory())
	require.NoError(t, err)
	reviews, err := review.New(revstore.NewMemory(), obligations)
	require.NoError(t, err)
	jobs, err := queue.New(qstore.NewMemory(), queue.Config{
		BackoffBase: time.Second,
		MaxAttempts: 3,
		LeaseWindow: time.Minute,
	})
	require.NoError(t, err)

	reports := pipestore.NewMemoryReports()
	events := &capturingEvents{}

	coord, err := pipeline.New(pipeline.Config{}, pipeline.Deps{
		Documents: docstore.NewMemory(),
		Blob:      blob.NewMemory(),
		Ingestor: ingest.New(config.IngestConfig{
			OCRDensityFloor:     10,
			NearEmptyPageChars:  5,
			SegmentTokenCeiling: 6000,
			CharsPerToken:       4,
		}),
		Rules:     rulelib.New(rules),
		Extractor: extractor,
		Scorer: scoring.New(config.ScoringConfig{
			PatternWeight:    0.40,
			StructuralWeight: 0.30,
			SemanticWeight:   0.20,
			OCRWeight:        0.10,
			LowBand:          0.50,
		}),
		Reviews:     reviews,
		Obligations: obligations,
		Jobs:        jobs,
		Reports:     reports,
	},
		pipeline.WithEvents(events),
		pipeline.WithUsageReader(usage),
	)
	require.NoError(t, err)

	return &harness{
		coord:       coord,
		jobs:        jobs,
		reviews:     reviews,
		obligations: obligations,
		reports:     reports,
		events:      events,
		model:       model,
	}
}

// drain runs leased jobs to completion until the queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		job, err := h.jobs.Lease(ctx, "worker-1")
		require.NoError(t, err)
		if job == nil {
			return
		}
		require.NoError(t, h.coord.HandleJob(ctx, job), "phase %s", job.Phase)
		_, err = h.jobs.Complete(ctx, job.ID, "worker-1")
		require.NoError(t, err)
	}
	t.Fatal("queue did not drain")
}

func cleanCandidate() extraction.Candidate {
	original := "3.1 The operator shall sample the discharge from outlet W1 every quarter"
	start := strings.Index(permitText, original)
	anchor := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return extraction.Candidate{
		Title:        "Quarterly discharge sampling",
		Description:  "Sample outlet W1 discharge each quarter",
		OriginalText: original,
		SpanStart:    start,
		SpanEnd:      start + len(original),
		Category:     id.CategoryMonitoring,
		Frequency:    id.FrequencyQuarterly,
		Condition:    id.ConditionStandard,
		AnchorDate:   &anchor,
		Confidence:   0.92,
	}
}

func TestCleanDocumentAutoPublishes(t *testing.T) {
	model := &fakeModel{
		cls:        extraction.Classification{Type: document.TypePermit, Confidence: 0.93},
		candidates: []extraction.Candidate{cleanCandidate()},
	}
	h := newHarness(t, model, nil)

	ctx := context.Background()
	doc, job, err := h.coord.Intake(ctx, id.NewTenantID(), id.NewSiteID(), "permit.txt", []byte(permitText))
	require.NoError(t, err)
	require.Equal(t, queue.PhaseClassify, job.Phase)

	h.drain(t)

	items, err := h.reviews.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, items, "clean extraction must bypass review")

	obls, err := h.obligations.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, obls, 1)
	assert.Equal(t, obligation.StatusActive, obls[0].Status)
	assert.Equal(t, "Quarterly discharge sampling", obls[0].Title)
	assert.NotEmpty(t, obls[0].Deadlines)

	reports, err := h.reports.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Summary.ObligationCount)
	assert.False(t, reports[0].Summary.PendingBlocking)
	assert.NotZero(t, reports[0].Summary.Usage.TotalTokens)

	assert.Equal(t, []string{"permit"}, h.events.classified)
}

func TestBlockingHallucination(t *testing.T) {
	cand := cleanCandidate()
	cand.Title = "Fabricated monitoring duty"
	cand.OriginalText = "3.9 The operator shall sample groundwater from borehole Z9 weekly"
	cand.SpanStart = 0
	cand.SpanEnd = len(cand.OriginalText)

	model := &fakeModel{
		cls:        extraction.Classification{Type: document.TypePermit, Confidence: 0.93},
		candidates: []extraction.Candidate{cand},
	}
	h := newHarness(t, model, nil)

	ctx := context.Background()
	doc, _, err := h.coord.Intake(ctx, id.NewTenantID(), id.NewSiteID(), "permit.txt", []byte(permitText))
	require.NoError(t, err)
	h.drain(t)

	items, err := h.reviews.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, review.TypeHallucination, items[0].ReviewType)
	assert.True(t, items[0].IsBlocking)
	assert.True(t, items[0].HallucinationRisk)

	obls, err := h.obligations.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, obls, "no obligation may exist before the blocking item is resolved")

	reports, err := h.reports.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Summary.PendingBlocking)

	// A reviewer confirming the item publishes the obligation.
	_, err = h.reviews.Confirm(ctx, items[0].ID, "reviewer-7")
	require.NoError(t, err)
	obls, err = h.obligations.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, obls, 1)
}

func TestUndatedCandidateRoutesToReview(t *testing.T) {
	// A confident extraction whose frequency never parsed must not
	// auto-publish: obligation creation would fail on validation every
	// retry, so the candidate goes to a reviewer instead.
	cand := cleanCandidate()
	cand.Frequency = ""
	cand.AnchorDate = nil

	model := &fakeModel{
		cls:        extraction.Classification{Type: document.TypePermit, Confidence: 0.93},
		candidates: []extraction.Candidate{cand},
	}
	h := newHarness(t, model, nil)

	ctx := context.Background()
	doc, _, err := h.coord.Intake(ctx, id.NewTenantID(), id.NewSiteID(), "permit.txt", []byte(permitText))
	require.NoError(t, err)
	h.drain(t)

	items, err := h.reviews.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, review.TypeDateFailure, items[0].ReviewType)

	obls, err := h.obligations.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, obls)

	// The reviewer supplies the missing schedule and the obligation lands.
	freq := id.FrequencyQuarterly
	anchor := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = h.reviews.Edit(ctx, items[0].ID, "reviewer-3", review.EditedFields{
		Frequency:  &freq,
		AnchorDate: &anchor,
	})
	require.NoError(t, err)
	obls, err = h.obligations.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, obls, 1)
}

func TestRejectDiscardsCandidate(t *testing.T) {
	cand := cleanCandidate()
	cand.OriginalText = "2.4 Entirely invented condition about noise barriers"
	cand.SpanStart = 0
	cand.SpanEnd = len(cand.OriginalText)

	model := &fakeModel{
		cls:        extraction.Classification{Type: document.TypePermit, Confidence: 0.93},
		candidates: []extraction.Candidate{cand},
	}
	h := newHarness(t, model, nil)

	ctx := context.Background()
	doc, _, err := h.coord.Intake(ctx, id.NewTenantID(), id.NewSiteID(), "permit.txt", []byte(permitText))
	require.NoError(t, err)
	h.drain(t)

	items, err := h.reviews.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = h.reviews.Reject(ctx, items[0].ID, "reviewer-7", "not in source document")
	require.NoError(t, err)

	obls, err := h.obligations.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, obls)
}

func TestRuleMatchSkipsModelForClaimedSpan(t *testing.T) {
	rules := []rulelib.Rule{{
		ID:        "permit-quarterly-sampling",
		Pattern:   regexp.MustCompile(`3\.1 The operator shall sample[^.]+\.`),
		Category:  id.CategoryMonitoring,
		Frequency: id.FrequencyQuarterly,
		Condition: id.ConditionStandard,
		Title:     "Quarterly discharge sampling",
	}}
	model := &fakeModel{
		cls: extraction.Classification{Type: document.TypePermit, Confidence: 0.93},
	}
	h := newHarness(t, model, rules)

	ctx := context.Background()
	doc, _, err := h.coord.Intake(ctx, id.NewTenantID(), id.NewSiteID(), "permit.txt", []byte(permitText))
	require.NoError(t, err)
	h.drain(t)

	obls, err := h.obligations.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, obls, 1)
	assert.Equal(t, "Quarterly discharge sampling", obls[0].Title)
	assert.False(t, obls[0].AnchorDate.IsZero(), "rule hits get the processing date as anchor")

	for _, text := range model.extracted {
		assert.NotContains(t, text, "3.1 The operator shall sample",
			"claimed spans must not reach the model")
	}
}

func TestEmptyExtractionQueuesNoMatch(t *testing.T) {
	model := &fakeModel{
		cls: extraction.Classification{Type: document.TypePermit, Confidence: 0.93},
	}
	h := newHarness(t, model, nil)

	ctx := context.Background()
	doc, _, err := h.coord.Intake(ctx, id.NewTenantID(), id.NewSiteID(), "permit.txt", []byte(permitText))
	require.NoError(t, err)
	h.drain(t)

	items, err := h.reviews.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, review.TypeNoMatch, items[0].ReviewType)

	obls, err := h.obligations.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, obls)
}

func TestIntakeValidation(t *testing.T) {
	h := newHarness(t, &fakeModel{}, nil)
	ctx := context.Background()

	_, _, err := h.coord.Intake(ctx, id.TenantID{}, id.NewSiteID(), "permit.txt", []byte(permitText))
	assert.Error(t, err)

	_, _, err = h.coord.Intake(ctx, id.NewTenantID(), id.NewSiteID(), "", []byte(permitText))
	assert.Error(t, err)

	_, _, err = h.coord.Intake(ctx, id.NewTenantID(), id.NewSiteID(), "permit.txt", nil)
	assert.Error(t, err)
}
