package obligation

import (
	"time"

	id "covenant/pkg/domain"
)

// Status is the obligation's own lifecycle, distinct from review status.
type Status string

const (
	// StatusPending marks provisionally published obligations still awaiting
	// a review decision.
	StatusPending Status = "pending"
	// StatusActive marks obligations accepted by review or auto-published.
	StatusActive Status = "active"
	// StatusSuperseded marks obligations replaced by a newer extraction of
	// the same document, kept for audit.
	StatusSuperseded Status = "superseded"
)

var validStatus = map[Status]bool{
	StatusPending:    true,
	StatusActive:     true,
	StatusSuperseded: true,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool { return validStatus[s] }

func (s Status) String() string { return string(s) }

// Obligation is the durable compliance record derived from a document. It
// holds the accepted fields after review, plus the extraction provenance so
// the original text remains traceable.
type Obligation struct {
	ID         id.ObligationID `json:"id"`
	TenantID   id.TenantID     `json:"tenant_id"`
	DocumentID id.DocumentID   `json:"document_id"`

	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	Category     id.Category      `json:"category"`
	Frequency    id.Frequency     `json:"frequency"`
	Condition    id.ConditionType `json:"condition"`
	OriginalText string           `json:"original_text,omitempty"`
	AnchorDate   time.Time        `json:"anchor_date"`

	Status    Status    `json:"status"`
	Reviewed  bool      `json:"reviewed"`
	CreatedAt time.Time `json:"created_at"`

	Deadlines []Deadline `json:"deadlines,omitempty"`
}

// DeadlineStatus is derived from the clock on every read, never stored.
type DeadlineStatus string

const (
	DeadlinePending      DeadlineStatus = "PENDING"
	DeadlineCompleted    DeadlineStatus = "COMPLETED"
	DeadlineLateComplete DeadlineStatus = "LATE_COMPLETE"
	DeadlineOverdue      DeadlineStatus = "OVERDUE"
)

// Deadline is one due-date instance from an obligation's recurrence rule.
// Only the due date and the completion timestamp persist; status is computed.
type Deadline struct {
	ID           id.DeadlineID   `json:"id"`
	ObligationID id.ObligationID `json:"obligation_id"`
	DueAt        time.Time       `json:"due_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Upcoming pairs an open deadline with its obligation, the payload for
// approaching-deadline notifications.
type Upcoming struct {
	Deadline   Deadline    `json:"deadline"`
	Obligation *Obligation `json:"obligation"`
}

// StatusAt derives the deadline state from the wall clock. Completion before
// or on the due date is COMPLETED; completion after it is LATE_COMPLETE; an
// open deadline past due is OVERDUE.
func (d Deadline) StatusAt(now time.Time) DeadlineStatus {
	if d.CompletedAt != nil {
		if d.CompletedAt.After(d.DueAt) {
			return DeadlineLateComplete
		}
		return DeadlineCompleted
	}
	if now.After(d.DueAt) {
		return DeadlineOverdue
	}
	return DeadlinePending
}
