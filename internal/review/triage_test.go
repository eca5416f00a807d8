package review_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"covenant/internal/extraction"
	"covenant/internal/review"
	domain "covenant/pkg/domain"
)

func TestRoute(t *testing.T) {
	source := "The operator shall submit a monthly monitoring return to the regulator."
	anchor := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	base := func() (extraction.Candidate, review.Signals) {
		cand := extraction.Candidate{
			DocumentID:   domain.NewDocumentID(),
			Title:        "Monthly monitoring return",
			OriginalText: "submit a monthly monitoring return",
			SpanStart:    23,
			SpanEnd:      57,
			Category:     domain.CategoryMonitoring,
			Frequency:    domain.FrequencyMonthly,
			AnchorDate:   &anchor,
			Confidence:   0.92,
		}
		sig := review.Signals{
			Score:           0.92,
			SourceText:      source,
			ActiveTitles:    map[string]bool{},
			OCRConfidence:   0.95,
			OCRQualityFloor: 0.60,
		}
		return cand, sig
	}

	t.Run("clean candidate auto-publishes", func(t *testing.T) {
		cand, sig := base()
		out := review.Route(cand, sig)
		assert.False(t, out.NeedsReview)
	})

	t.Run("low score routes to LOW_CONFIDENCE", func(t *testing.T) {
		cand, sig := base()
		sig.Score = 0.69
		out := review.Route(cand, sig)
		assert.True(t, out.NeedsReview)
		assert.Equal(t, review.TypeLowConfidence, out.ReviewType)
		assert.False(t, out.IsBlocking)
	})

	t.Run("subjective condition routes to SUBJECTIVE", func(t *testing.T) {
		cand, sig := base()
		cand.Subjective = true
		out := review.Route(cand, sig)
		assert.Equal(t, review.TypeSubjective, out.ReviewType)
	})

	t.Run("missing required date routes to DATE_FAILURE", func(t *testing.T) {
		cand, sig := base()
		cand.AnchorDate = nil
		out := review.Route(cand, sig)
		assert.Equal(t, review.TypeDateFailure, out.ReviewType)
	})

	t.Run("unparseable frequency routes to DATE_FAILURE even with high score", func(t *testing.T) {
		cand, sig := base()
		cand.Frequency = ""
		out := review.Route(cand, sig)
		assert.True(t, out.NeedsReview)
		assert.Equal(t, review.TypeDateFailure, out.ReviewType)
	})

	t.Run("active title routes to DUPLICATE", func(t *testing.T) {
		cand, sig := base()
		sig.ActiveTitles[cand.NormalizedTitle()] = true
		out := review.Route(cand, sig)
		assert.Equal(t, review.TypeDuplicate, out.ReviewType)
	})

	t.Run("degraded OCR routes to OCR_QUALITY", func(t *testing.T) {
		cand, sig := base()
		sig.OCRConfidence = 0.40
		out := review.Route(cand, sig)
		assert.Equal(t, review.TypeOCRQuality, out.ReviewType)
	})

	t.Run("conflicting extraction routes to CONFLICT and blocks", func(t *testing.T) {
		cand, sig := base()
		sig.Conflicting = true
		out := review.Route(cand, sig)
		assert.Equal(t, review.TypeConflict, out.ReviewType)
		assert.True(t, out.IsBlocking)
	})

	t.Run("text absent from source routes to HALLUCINATION and blocks", func(t *testing.T) {
		cand, sig := base()
		cand.OriginalText = "a clause that is nowhere in the document"
		cand.SpanStart, cand.SpanEnd = 0, len(cand.OriginalText)
		out := review.Route(cand, sig)
		assert.Equal(t, review.TypeHallucination, out.ReviewType)
		assert.True(t, out.IsBlocking)
	})

	t.Run("first match wins when several rules apply", func(t *testing.T) {
		cand, sig := base()
		sig.Score = 0.50
		cand.Subjective = true
		sig.Conflicting = true
		out := review.Route(cand, sig)
		assert.Equal(t, review.TypeLowConfidence, out.ReviewType)
	})
}

func TestSpanContained(t *testing.T) {
	source := "Records shall be retained for six years."

	t.Run("exact span match", func(t *testing.T) {
		cand := extraction.Candidate{OriginalText: "retained for six years", SpanStart: 17, SpanEnd: 39}
		assert.True(t, review.SpanContained(cand, source))
	})

	t.Run("drifted span falls back to substring search", func(t *testing.T) {
		cand := extraction.Candidate{OriginalText: "retained for six years", SpanStart: 5, SpanEnd: 27}
		assert.True(t, review.SpanContained(cand, source))
	})

	t.Run("fabricated text is not contained", func(t *testing.T) {
		cand := extraction.Candidate{OriginalText: "retained for ten years", SpanStart: 17, SpanEnd: 39}
		assert.False(t, review.SpanContained(cand, source))
	})

	t.Run("empty original text is not contained", func(t *testing.T) {
		assert.False(t, review.SpanContained(extraction.Candidate{}, source))
	})
}

func TestBlocking(t *testing.T) {
	blocking := map[review.Type]bool{
		review.TypeHallucination: true,
		review.TypeConflict:      true,
	}
	for _, rt := range []review.Type{
		review.TypeLowConfidence, review.TypeSubjective, review.TypeNoMatch,
		review.TypeDateFailure, review.TypeDuplicate, review.TypeOCRQuality,
		review.TypeConflict, review.TypeHallucination,
	} {
		assert.Equal(t, blocking[rt], review.Blocking(rt), "type %s", rt)
	}
}
