package domain

import dErrors "covenant/pkg/domain-errors"

// Frequency is the recurrence vocabulary shared between extraction, review,
// and the lifecycle manager. Collaborators rendering deadlines consume the
// same strings.
//
// Usage: construct via ParseFrequency at trust boundaries to enforce the
// allowlist; direct casting bypasses validation.
type Frequency string

const (
	FrequencyOneOff    Frequency = "one_off"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnual    Frequency = "annual"
)

// validFrequencies is the single source of truth for valid frequencies.
var validFrequencies = map[Frequency]bool{
	FrequencyOneOff:    true,
	FrequencyWeekly:    true,
	FrequencyMonthly:   true,
	FrequencyQuarterly: true,
	FrequencyAnnual:    true,
}

// ParseFrequency constructs a Frequency from external input.
//
// Errors: returns CodeInvalidInput when the value is empty or unsupported.
func ParseFrequency(s string) (Frequency, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "frequency cannot be empty")
	}
	f := Frequency(s)
	if !f.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid frequency %q", s)
	}
	return f, nil
}

// IsValid checks if the frequency is one of the supported enum values.
func (f Frequency) IsValid() bool {
	return validFrequencies[f]
}

// String returns the string representation of the frequency.
func (f Frequency) String() string {
	return string(f)
}

// Category buckets obligations by the kind of compliance action they
// require.
type Category string

const (
	CategoryMonitoring    Category = "monitoring"
	CategoryReporting     Category = "reporting"
	CategoryRecordKeeping Category = "record_keeping"
	CategoryEmissionLimit Category = "emission_limit"
	CategoryMaintenance   Category = "maintenance"
	CategoryNotification  Category = "notification"
	CategoryGeneral       Category = "general"
)

var validCategories = map[Category]bool{
	CategoryMonitoring:    true,
	CategoryReporting:     true,
	CategoryRecordKeeping: true,
	CategoryEmissionLimit: true,
	CategoryMaintenance:   true,
	CategoryNotification:  true,
	CategoryGeneral:       true,
}

// ParseCategory constructs a Category from external input; model output that
// names an unknown category falls back to CategoryGeneral rather than
// failing the extraction.
func ParseCategory(s string) Category {
	c := Category(s)
	if validCategories[c] {
		return c
	}
	return CategoryGeneral
}

// IsValid checks if the category is one of the supported enum values.
func (c Category) IsValid() bool {
	return validCategories[c]
}

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// ConditionType tags how an obligation's condition is judged: standard
// conditions have an objective completion test, subjective ones require
// professional judgement and always pass through human review.
type ConditionType string

const (
	ConditionStandard   ConditionType = "standard"
	ConditionSubjective ConditionType = "subjective"
)

// IsValid checks if the condition type is one of the supported values.
func (c ConditionType) IsValid() bool {
	return c == ConditionStandard || c == ConditionSubjective
}

// String returns the string representation.
func (c ConditionType) String() string {
	return string(c)
}
