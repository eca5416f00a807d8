// Package events carries the pipeline's domain events. The pipeline emits
// but does not deliver: events go to a sink (Kafka in production, memory in
// tests) for an external notification consumer.
package events

import (
	"encoding/json"
	"time"

	id "covenant/pkg/domain"
)

// Type names a domain event.
type Type string

const (
	TypeDocumentClassified  Type = "document.classified"
	TypeObligationExtracted Type = "obligation.extracted"
	TypeReviewQueued        Type = "review.queued"
	TypeReviewResolved      Type = "review.resolved"
	TypeJobDeadLettered     Type = "job.dead_lettered"
	TypeDeadlineApproaching Type = "deadline.approaching"
)

// Event is one emitted domain event. Payload is the event-specific body,
// already marshalled so sinks need no knowledge of domain types.
type Event struct {
	Type       Type            `json:"type"`
	TenantID   id.TenantID     `json:"tenant_id"`
	DocumentID id.DocumentID   `json:"document_id,omitempty"`
	At         time.Time       `json:"at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New builds an event, marshalling the payload. Marshal failures degrade to
// an empty payload rather than losing the event.
func New(t Type, tenantID id.TenantID, docID id.DocumentID, at time.Time, payload any) Event {
	var body json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			body = b
		}
	}
	return Event{
		Type:       t,
		TenantID:   tenantID,
		DocumentID: docID,
		At:         at,
		Payload:    body,
	}
}
