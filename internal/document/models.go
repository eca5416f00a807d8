package document

import (
	"time"

	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
)

// Type enumerates the regulatory document kinds the pipeline understands.
// Classification writes one of these onto the Document; routing and the rule
// library branch on it exhaustively.
type Type string

const (
	TypePermit      Type = "permit"
	TypeConsent     Type = "consent"
	TypeCertificate Type = "certificate"
	TypeStatement   Type = "statement"
	TypeLicence     Type = "licence"
	TypeUnknown     Type = "unknown"
)

// IsValid checks if the document type is one of the supported enum values.
func (t Type) IsValid() bool {
	switch t {
	case TypePermit, TypeConsent, TypeCertificate, TypeStatement, TypeLicence, TypeUnknown:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// ParseType validates a document type received over the wire.
func ParseType(s string) (Type, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "document type cannot be empty")
	}
	t := Type(s)
	if !t.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown document type %q", s)
	}
	return t, nil
}

// Document is the immutable input descriptor. Ingestion attaches derived
// metadata (page count, OCR flag, raw text length); classification attaches
// the detected type. Documents are never deleted, only soft-retired.
type Document struct {
	ID        id.DocumentID `json:"id"`
	TenantID  id.TenantID   `json:"tenant_id"`
	SiteID    id.SiteID     `json:"site_id"`
	FileName  string        `json:"file_name"`
	SizeBytes int64         `json:"size_bytes"`

	// Derived after ingestion.
	PageCount     int  `json:"page_count"`
	RawTextLength int  `json:"raw_text_length"`
	NeedsOCR      bool `json:"needs_ocr"`
	IsLarge       bool `json:"is_large"`

	// Derived after classification. TypeConfidence gates re-derivation:
	// once it clears the minimum threshold the type is never recomputed.
	Type           Type    `json:"type"`
	TypeConfidence float64 `json:"type_confidence"`

	Retired   bool      `json:"retired"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
