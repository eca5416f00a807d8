package review

import (
	"strings"

	"covenant/internal/extraction"
	"covenant/internal/scoring"
)

// Signals are the per-candidate facts the router evaluates. The pipeline
// assembles them from the scorer, the rule/model streams, and the existing
// obligation set for the document.
type Signals struct {
	// Score is the blended confidence from the scorer.
	Score float64
	// SourceText is the full document text for the span-containment check.
	SourceText string
	// ActiveTitles are normalized titles of active obligations for the same
	// document, for duplicate detection.
	ActiveTitles map[string]bool
	// OCRConfidence of the source span; 1.0 for born-digital text.
	OCRConfidence float64
	// OCRQualityFloor below which the span is routed for quality review.
	OCRQualityFloor float64
	// Conflicting is set when rule and model output disagree on a material
	// field for the same span.
	Conflicting bool
}

// Outcome is the routing decision for one candidate.
type Outcome struct {
	// NeedsReview is false when no routing rule matched; the candidate
	// bypasses review and auto-publishes.
	NeedsReview bool
	ReviewType  Type
	IsBlocking  bool
	Priority    int
}

// Route applies the routing rules in order; the first match wins, so every
// candidate gets exactly one review type. HALLUCINATION and CONFLICT always
// force blocking; everything else may provisionally publish while awaiting
// review.
func Route(cand extraction.Candidate, sig Signals) Outcome {
	switch {
	case sig.Score < scoring.BandMedium:
		return outcome(TypeLowConfidence)
	case cand.Subjective:
		return outcome(TypeSubjective)
	case !cand.Frequency.IsValid(), cand.AnchorDate == nil:
		// Publication needs a recognized frequency and an anchor to
		// materialize deadlines from; anything less is a date failure the
		// reviewer fixes by editing, never a retry.
		return outcome(TypeDateFailure)
	case sig.ActiveTitles[cand.NormalizedTitle()]:
		return outcome(TypeDuplicate)
	case sig.OCRConfidence < sig.OCRQualityFloor:
		return outcome(TypeOCRQuality)
	case sig.Conflicting:
		return outcome(TypeConflict)
	case !SpanContained(cand, sig.SourceText):
		return outcome(TypeHallucination)
	}
	return Outcome{}
}

func outcome(t Type) Outcome {
	return Outcome{
		NeedsReview: true,
		ReviewType:  t,
		IsBlocking:  Blocking(t),
		Priority:    priorityFor(t),
	}
}

// Blocking reports whether the review type blocks downstream publication.
// Hallucinated or conflicting extractions must never provisionally publish.
func Blocking(t Type) bool {
	return t == TypeHallucination || t == TypeConflict
}

// priorityFor ranks the queue: blocked items first, data-quality issues
// before judgement calls.
func priorityFor(t Type) int {
	switch t {
	case TypeHallucination:
		return 100
	case TypeConflict:
		return 90
	case TypeDuplicate:
		return 70
	case TypeDateFailure:
		return 60
	case TypeNoMatch:
		return 50
	case TypeOCRQuality:
		return 40
	case TypeLowConfidence:
		return 30
	case TypeSubjective:
		return 20
	default:
		return 0
	}
}

// SpanContained checks that the candidate's claimed original text actually
// appears in the source document. Model output referencing content absent
// from the source is a hallucination.
func SpanContained(cand extraction.Candidate, sourceText string) bool {
	if cand.OriginalText == "" {
		return false
	}
	if cand.SpanStart >= 0 && cand.SpanEnd <= len(sourceText) && cand.SpanStart < cand.SpanEnd {
		if sourceText[cand.SpanStart:cand.SpanEnd] == cand.OriginalText {
			return true
		}
	}
	// Spans drift when text is normalized between extraction passes; fall
	// back to containment before declaring a hallucination.
	return strings.Contains(sourceText, cand.OriginalText)
}
