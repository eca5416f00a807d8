package queue

import (
	"fmt"
	"time"

	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

// Phase is a pipeline stage for one document. Phases within a document are
// strictly ordered; the idempotency key gates each phase independently.
type Phase string

const (
	PhaseClassify   Phase = "CLASSIFY"
	PhaseExtract    Phase = "EXTRACT"
	PhaseBulkCreate Phase = "BULK_CREATE"
	PhaseReport     Phase = "REPORT"
)

var validPhase = map[Phase]bool{
	PhaseClassify:   true,
	PhaseExtract:    true,
	PhaseBulkCreate: true,
	PhaseReport:     true,
}

// ParsePhase validates a raw phase string.
func ParsePhase(raw string) (Phase, error) {
	p := Phase(raw)
	if !validPhase[p] {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown phase %q", raw)
	}
	return p, nil
}

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool { return validPhase[p] }

func (p Phase) String() string { return string(p) }

// Status is the job state machine. FAILED is a retry-scheduled state, not a
// terminal one; DEAD_LETTER, COMPLETED and CANCELLED are terminal.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDeadLetter
}

func (s Status) String() string { return string(s) }

// IdempotencyKey derives the at-most-one-in-flight key for a document phase.
func IdempotencyKey(docID id.DocumentID, phase Phase) string {
	return fmt.Sprintf("%s:%s", docID, phase)
}

// Failure is one recorded execution failure, kept on the job so the dead
// letter carries the full history.
type Failure struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// Job is one unit of pipeline work, leased to exactly one worker at a time.
type Job struct {
	ID         id.JobID      `json:"id"`
	TenantID   id.TenantID   `json:"tenant_id"`
	SiteID     id.SiteID     `json:"site_id"`
	DocumentID id.DocumentID `json:"document_id"`
	Phase      Phase         `json:"phase"`
	Status     Status        `json:"status"`

	IdempotencyKey string            `json:"idempotency_key"`
	Params         map[string]string `json:"params,omitempty"`

	// Attempt counts executions that have started; backoff for the next
	// retry derives from it.
	Attempt  int       `json:"attempt"`
	Failures []Failure `json:"failures,omitempty"`

	LeasedBy      string     `json:"leased_by,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	// RunAfter delays retry leasing; zero means immediately leasable.
	RunAfter time.Time `json:"run_after"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leasable reports whether the job may be handed to a worker at now.
func (j *Job) Leasable(now time.Time) bool {
	if j.Status != StatusPending && j.Status != StatusFailed {
		return false
	}
	return !j.RunAfter.After(now)
}

// DeadLetterEntry is the terminal, manually-actionable record of a job that
// exhausted its retries. Requeueing is an operator action that spawns a fresh
// job; the entry itself is never re-leased.
type DeadLetterEntry struct {
	JobID      id.JobID      `json:"job_id"`
	TenantID   id.TenantID   `json:"tenant_id"`
	SiteID     id.SiteID     `json:"site_id"`
	DocumentID id.DocumentID `json:"document_id"`
	Phase      Phase         `json:"phase"`

	Failures     []Failure  `json:"failures"`
	DeadAt       time.Time  `json:"dead_at"`
	RequeuedAt   *time.Time `json:"requeued_at,omitempty"`
	RequeuedAsID id.JobID   `json:"requeued_as_id,omitempty"`
}
