package pipeline

import (
	"regexp"
	"strings"

	"covenant/internal/extraction"
	"covenant/internal/rulelib"
	"covenant/internal/scoring"
	id "covenant/pkg/domain"
)

// numberedCondition matches the fixed condition-numbering schemes regulatory
// documents use for binding clauses.
var numberedCondition = regexp.MustCompile(`(?i)^\s*(condition\s+\d+|schedule\s+\d+|\d+(\.\d+)*[.)]\s)`)

// categoryCues maps each obligation category to vocabulary that plausibly
// accompanies it. A candidate whose text carries none of its category's cues
// scores lower on semantic plausibility.
var categoryCues = map[id.Category][]string{
	id.CategoryMonitoring:    {"monitor", "sample", "measure", "inspect"},
	id.CategoryReporting:     {"report", "submit", "provide", "return"},
	id.CategoryRecordKeeping: {"record", "register", "log", "retain"},
	id.CategoryEmissionLimit: {"emission", "discharge", "limit", "exceed", "concentration"},
	id.CategoryMaintenance:   {"maintain", "service", "repair", "calibrat", "replace"},
	id.CategoryNotification:  {"notify", "inform", "advise", "report to"},
}

// deriveSignals assembles the confidence inputs for one candidate from its
// provenance and surrounding text.
func deriveSignals(cand extraction.Candidate, sourceText string, ocrQuality float64) scoring.Signals {
	pattern := cand.Confidence
	if cand.Provenance.Kind == extraction.SourceRule {
		pattern = 1.0
	}
	return scoring.Signals{
		PatternStrength:      pattern,
		StructuralPosition:   structuralPosition(cand, sourceText),
		SemanticPlausibility: semanticPlausibility(cand),
		OCRQuality:           ocrQuality,
	}
}

// structuralPosition scores where the candidate sits: numbered conditions
// score highest, text under a conditions heading next, free text lowest.
func structuralPosition(cand extraction.Candidate, sourceText string) float64 {
	if numberedCondition.MatchString(cand.OriginalText) {
		return 1.0
	}
	if cand.SpanStart > 0 && cand.SpanStart <= len(sourceText) {
		window := strings.ToLower(sourceText[max(0, cand.SpanStart-300):cand.SpanStart])
		if strings.Contains(window, "condition") || strings.Contains(window, "schedule") {
			return 0.8
		}
	}
	return 0.5
}

// semanticPlausibility checks the candidate's text against its claimed
// category's vocabulary.
func semanticPlausibility(cand extraction.Candidate) float64 {
	cues, ok := categoryCues[cand.Category]
	if !ok {
		return 0.6
	}
	text := strings.ToLower(cand.OriginalText + " " + cand.Description)
	for _, cue := range cues {
		if strings.Contains(text, cue) {
			return 0.9
		}
	}
	return 0.4
}

// conflictsWithRules reports whether a model candidate claims text a rule
// already resolved. Model calls only ever see unclaimed spans, so an overlap
// means the two streams disagree about the same text.
func conflictsWithRules(cand extraction.Candidate, claimed []rulelib.Span) bool {
	if cand.Provenance.Kind != extraction.SourceModel {
		return false
	}
	for _, span := range claimed {
		if cand.SpanStart < span.End && span.Start < cand.SpanEnd {
			return true
		}
	}
	return false
}
