package rulelib

import (
	"regexp"
	"strings"

	"covenant/internal/document"
	"covenant/internal/extraction"
	id "covenant/pkg/domain"
)

// Rule is a deterministic matcher for well-known regulatory boilerplate.
// Rules run before the extraction engine; any span fully resolved by a rule
// is excluded from the model call, which cuts cost and hallucination surface.
type Rule struct {
	ID string
	// DocumentTypes the rule applies to; empty means all types.
	DocumentTypes []document.Type
	Pattern       *regexp.Regexp
	Category      id.Category
	Frequency     id.Frequency
	Condition     id.ConditionType
	// Title labels the obligation; the matched text becomes the description.
	Title string
}

func (r Rule) appliesTo(docType document.Type) bool {
	if len(r.DocumentTypes) == 0 {
		return true
	}
	for _, t := range r.DocumentTypes {
		if t == docType {
			return true
		}
	}
	return false
}

// Library holds an ordered set of rules. Order matters: earlier rules claim
// spans first and overlapping later matches are discarded.
type Library struct {
	rules []Rule
}

// New builds a library from the given rules. Use Default for the built-in
// regulatory boilerplate set.
func New(rules []Rule) *Library {
	return &Library{rules: rules}
}

// Rules exposes the configured rule set for diagnostics.
func (l *Library) Rules() []Rule { return l.rules }

// Span is a half-open [Start, End) byte range claimed by a rule match.
type Span struct {
	Start int
	End   int
}

// Match runs every applicable rule over the text and returns the resulting
// candidates plus the claimed spans. A rule match always carries confidence
// 1.0 and is never routed to review for confidence reasons.
func (l *Library) Match(text string, docID id.DocumentID, docType document.Type) ([]extraction.Candidate, []Span) {
	var candidates []extraction.Candidate
	var claimed []Span

	for _, rule := range l.rules {
		if !rule.appliesTo(docType) {
			continue
		}
		for _, loc := range rule.Pattern.FindAllStringIndex(text, -1) {
			span := Span{Start: loc[0], End: loc[1]}
			if overlapsAny(span, claimed) {
				continue
			}
			claimed = append(claimed, span)

			matched := text[span.Start:span.End]
			candidates = append(candidates, extraction.Candidate{
				DocumentID:   docID,
				Title:        rule.Title,
				Description:  strings.TrimSpace(matched),
				OriginalText: matched,
				SpanStart:    span.Start,
				SpanEnd:      span.End,
				Category:     rule.Category,
				Frequency:    rule.Frequency,
				Condition:    rule.Condition,
				Confidence:   1.0,
				Subjective:   rule.Condition == id.ConditionSubjective,
				Provenance: extraction.Provenance{
					Kind:   extraction.SourceRule,
					RuleID: rule.ID,
				},
			})
		}
	}
	return candidates, claimed
}

// Unclaimed returns the text regions not covered by any claimed span, in
// order, so the extraction engine can restrict the model call to them.
func Unclaimed(text string, claimed []Span) []Span {
	if len(claimed) == 0 {
		if text == "" {
			return nil
		}
		return []Span{{Start: 0, End: len(text)}}
	}

	sorted := make([]Span, len(claimed))
	copy(sorted, claimed)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Start < sorted[j-1].Start; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	var gaps []Span
	cursor := 0
	for _, s := range sorted {
		if s.Start > cursor {
			gaps = append(gaps, Span{Start: cursor, End: s.Start})
		}
		if s.End > cursor {
			cursor = s.End
		}
	}
	if cursor < len(text) {
		gaps = append(gaps, Span{Start: cursor, End: len(text)})
	}
	return gaps
}

func overlapsAny(s Span, spans []Span) bool {
	for _, other := range spans {
		if s.Start < other.End && other.Start < s.End {
			return true
		}
	}
	return false
}
