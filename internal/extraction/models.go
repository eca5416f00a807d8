package extraction

import (
	"strings"
	"time"

	"covenant/internal/document"
	id "covenant/pkg/domain"
)

// SourceKind records which extractor produced a candidate obligation.
type SourceKind string

const (
	SourceRule  SourceKind = "rule"
	SourceModel SourceKind = "model"
)

// Provenance ties a candidate back to the rule or model call that produced
// it, for audit and for conflict detection between the two streams.
type Provenance struct {
	Kind SourceKind `json:"kind"`
	// RuleID is set when Kind == SourceRule.
	RuleID string `json:"rule_id,omitempty"`
	// ModelCallID is set when Kind == SourceModel.
	ModelCallID string `json:"model_call_id,omitempty"`
}

// Candidate is an obligation candidate before acceptance: created here,
// scored by the confidence scorer, consumed by review triage. Read-only once
// scored.
type Candidate struct {
	DocumentID   id.DocumentID    `json:"document_id"`
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	OriginalText string           `json:"original_text"`
	SpanStart    int              `json:"span_start"`
	SpanEnd      int              `json:"span_end"`
	Category     id.Category      `json:"category"`
	Frequency    id.Frequency     `json:"frequency"`
	Condition    id.ConditionType `json:"condition_type"`
	// AnchorDate anchors the recurrence rule; nil when the source text
	// carries no parseable date.
	AnchorDate *time.Time `json:"anchor_date,omitempty"`

	Confidence float64    `json:"confidence"`
	Subjective bool       `json:"subjective"`
	Provenance Provenance `json:"provenance"`
}

// NormalizedTitle is the duplicate-collapse key for this candidate.
func (c Candidate) NormalizedTitle() string {
	return NormalizeTitle(c.Title)
}

// NormalizeTitle lowercases a title and folds interior whitespace. Duplicate
// detection across extraction passes and stored obligations keys on this.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// Overlaps reports whether the two candidates' source spans intersect.
func (c Candidate) Overlaps(other Candidate) bool {
	return c.SpanStart < other.SpanEnd && other.SpanStart < c.SpanEnd
}

// Usage is the per-call token/cost record handed to the accounting
// collaborator. This pipeline produces the record; it does not bill.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		CostUSD:          u.CostUSD + other.CostUSD,
	}
}

// Classification is the result of the document-type model call.
type Classification struct {
	Type       document.Type `json:"type"`
	Confidence float64       `json:"confidence"`
}

// Result is the merged output of one extraction pass over a document.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	Usage      Usage       `json:"usage"`
	UsedLLM    bool        `json:"used_llm"`
}
