package domain

import (
	"github.com/google/uuid"

	dErrors "covenant/pkg/domain-errors"
)

// Typed UUID identifiers. Distinct types make cross-entity assignment a
// compile error; parsing enforces the invariant that IDs are valid, non-nil
// UUIDs at trust boundaries.
type (
	TenantID     uuid.UUID
	SiteID       uuid.UUID
	DocumentID   uuid.UUID
	JobID        uuid.UUID
	ObligationID uuid.UUID
	ReviewItemID uuid.UUID
	DeadlineID   uuid.UUID
	ReportID     uuid.UUID
)

func NewTenantID() TenantID         { return TenantID(uuid.New()) }
func NewSiteID() SiteID             { return SiteID(uuid.New()) }
func NewDocumentID() DocumentID     { return DocumentID(uuid.New()) }
func NewJobID() JobID               { return JobID(uuid.New()) }
func NewObligationID() ObligationID { return ObligationID(uuid.New()) }
func NewReviewItemID() ReviewItemID { return ReviewItemID(uuid.New()) }
func NewDeadlineID() DeadlineID     { return DeadlineID(uuid.New()) }
func NewReportID() ReportID         { return ReportID(uuid.New()) }

func (id TenantID) String() string     { return uuid.UUID(id).String() }
func (id SiteID) String() string       { return uuid.UUID(id).String() }
func (id DocumentID) String() string   { return uuid.UUID(id).String() }
func (id JobID) String() string        { return uuid.UUID(id).String() }
func (id ObligationID) String() string { return uuid.UUID(id).String() }
func (id ReviewItemID) String() string { return uuid.UUID(id).String() }
func (id DeadlineID) String() string   { return uuid.UUID(id).String() }
func (id ReportID) String() string     { return uuid.UUID(id).String() }

func (id TenantID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id SiteID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id DocumentID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id JobID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id ObligationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ReviewItemID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id DeadlineID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id ReportID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must be a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be the nil UUID")
	}
	return u, nil
}

func ParseTenantID(s string) (TenantID, error) {
	u, err := parseUUID(s)
	return TenantID(u), err
}

func ParseSiteID(s string) (SiteID, error) {
	u, err := parseUUID(s)
	return SiteID(u), err
}

func ParseDocumentID(s string) (DocumentID, error) {
	u, err := parseUUID(s)
	return DocumentID(u), err
}

func ParseJobID(s string) (JobID, error) {
	u, err := parseUUID(s)
	return JobID(u), err
}

func ParseObligationID(s string) (ObligationID, error) {
	u, err := parseUUID(s)
	return ObligationID(u), err
}

func ParseReviewItemID(s string) (ReviewItemID, error) {
	u, err := parseUUID(s)
	return ReviewItemID(u), err
}

func ParseDeadlineID(s string) (DeadlineID, error) {
	u, err := parseUUID(s)
	return DeadlineID(u), err
}
