package review

import (
	"time"

	"covenant/internal/extraction"
	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

// Type names why an extracted obligation needs human confirmation. The
// values are wire vocabulary shared with the review-queue consumer.
type Type string

const (
	TypeLowConfidence Type = "LOW_CONFIDENCE"
	TypeSubjective    Type = "SUBJECTIVE"
	TypeNoMatch       Type = "NO_MATCH"
	TypeDateFailure   Type = "DATE_FAILURE"
	TypeDuplicate     Type = "DUPLICATE"
	TypeOCRQuality    Type = "OCR_QUALITY"
	TypeConflict      Type = "CONFLICT"
	TypeHallucination Type = "HALLUCINATION"
)

// IsValid checks if the review type is one of the supported enum values.
func (t Type) IsValid() bool {
	switch t {
	case TypeLowConfidence, TypeSubjective, TypeNoMatch, TypeDateFailure,
		TypeDuplicate, TypeOCRQuality, TypeConflict, TypeHallucination:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// Status is the review item state machine: PENDING transitions exactly once
// to CONFIRMED, EDITED or REJECTED; terminal states are immutable.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusEdited    Status = "EDITED"
	StatusRejected  Status = "REJECTED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusEdited || s == StatusRejected
}

func (s Status) String() string { return string(s) }

// EditedFields carries reviewer overrides. Nil fields keep the extracted
// value; the original extraction is preserved beside them for audit.
type EditedFields struct {
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Category    *id.Category  `json:"category,omitempty"`
	Frequency   *id.Frequency `json:"frequency,omitempty"`
	AnchorDate  *time.Time    `json:"anchor_date,omitempty"`
}

// Validate rejects overrides that would produce an invalid obligation.
func (e EditedFields) Validate() error {
	if e.Title != nil && *e.Title == "" {
		return dErrors.New(dErrors.CodeValidation, "edited title cannot be empty")
	}
	if e.Category != nil && !e.Category.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "edited category is not a known category")
	}
	if e.Frequency != nil && !e.Frequency.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "edited frequency is not a known frequency")
	}
	return nil
}

// Apply overlays the overrides on an extracted candidate, returning the
// corrected candidate the obligation is built from.
func (e EditedFields) Apply(cand extraction.Candidate) extraction.Candidate {
	if e.Title != nil {
		cand.Title = *e.Title
	}
	if e.Description != nil {
		cand.Description = *e.Description
	}
	if e.Category != nil {
		cand.Category = *e.Category
	}
	if e.Frequency != nil {
		cand.Frequency = *e.Frequency
	}
	if e.AnchorDate != nil {
		cand.AnchorDate = e.AnchorDate
	}
	return cand
}

// Item is the triage record for one extracted obligation. Created at triage
// time, mutated exactly once by a human decision, immutable after
// resolution.
type Item struct {
	ID         id.ReviewItemID `json:"id"`
	TenantID   id.TenantID     `json:"tenant_id"`
	DocumentID id.DocumentID   `json:"document_id"`
	// ObligationID links the created obligation once the item is resolved
	// (or immediately for non-blocking provisional publications).
	ObligationID id.ObligationID `json:"obligation_id,omitempty"`

	Candidate extraction.Candidate `json:"candidate"`

	ReviewType        Type    `json:"review_type"`
	IsBlocking        bool    `json:"is_blocking"`
	Priority          int     `json:"priority"`
	HallucinationRisk bool    `json:"hallucination_risk"`
	Confidence        float64 `json:"confidence"`

	Status     Status        `json:"status"`
	ReviewerID string        `json:"reviewer_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Edited     *EditedFields `json:"edited,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
