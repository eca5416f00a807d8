package events

import (
	"context"
	"time"

	"covenant/internal/obligation"
	"covenant/internal/queue"
	"covenant/internal/review"
	id "covenant/pkg/domain"
)

// Emitter adapts the bus to the publisher interfaces the domain services
// accept, translating domain objects into event payloads.
type Emitter struct {
	bus *Bus
}

// NewEmitter wraps a bus.
func NewEmitter(bus *Bus) *Emitter {
	return &Emitter{bus: bus}
}

// DocumentClassified reports a persisted classification.
func (e *Emitter) DocumentClassified(_ context.Context, tenantID id.TenantID, docID id.DocumentID, docType string, confidence float64) {
	e.bus.Emit(New(TypeDocumentClassified, tenantID, docID, time.Time{}, map[string]any{
		"document_type": docType,
		"confidence":    confidence,
	}))
}

// ReviewQueued implements review.Publisher.
func (e *Emitter) ReviewQueued(_ context.Context, item *review.Item) {
	e.bus.Emit(New(TypeReviewQueued, item.TenantID, item.DocumentID, time.Time{}, map[string]any{
		"item_id":     item.ID.String(),
		"review_type": string(item.ReviewType),
		"is_blocking": item.IsBlocking,
		"priority":    item.Priority,
	}))
}

// ReviewResolved implements review.Publisher.
func (e *Emitter) ReviewResolved(_ context.Context, item *review.Item, outcome review.Status) {
	e.bus.Emit(New(TypeReviewResolved, item.TenantID, item.DocumentID, time.Time{}, map[string]any{
		"item_id":       item.ID.String(),
		"outcome":       string(outcome),
		"reviewer_id":   item.ReviewerID,
		"obligation_id": item.ObligationID.String(),
	}))
}

// ObligationCreated implements obligation.Publisher.
func (e *Emitter) ObligationCreated(_ context.Context, o *obligation.Obligation) {
	e.bus.Emit(New(TypeObligationExtracted, o.TenantID, o.DocumentID, time.Time{}, map[string]any{
		"obligation_id": o.ID.String(),
		"title":         o.Title,
		"frequency":     o.Frequency.String(),
		"deadlines":     len(o.Deadlines),
	}))
}

// DeadlineApproaching implements obligation.Publisher.
func (e *Emitter) DeadlineApproaching(_ context.Context, up obligation.Upcoming) {
	e.bus.Emit(New(TypeDeadlineApproaching, up.Obligation.TenantID, up.Obligation.DocumentID, time.Time{}, map[string]any{
		"deadline_id":   up.Deadline.ID.String(),
		"obligation_id": up.Obligation.ID.String(),
		"title":         up.Obligation.Title,
		"due_at":        up.Deadline.DueAt,
	}))
}

// JobDeadLettered implements queue.Publisher.
func (e *Emitter) JobDeadLettered(_ context.Context, entry *queue.DeadLetterEntry) {
	e.bus.Emit(New(TypeJobDeadLettered, entry.TenantID, entry.DocumentID, time.Time{}, map[string]any{
		"job_id":   entry.JobID.String(),
		"phase":    entry.Phase.String(),
		"attempts": len(entry.Failures),
	}))
}
