package rulelib

import (
	"regexp"

	"covenant/internal/document"
	id "covenant/pkg/domain"
)

// Default returns the built-in rule set for common regulatory boilerplate.
// Patterns are anchored on the fixed condition-numbering schemes and stock
// phrasing that recur across permits and consents.
func Default() *Library {
	return New([]Rule{
		{
			ID:        "RL-001-monthly-monitoring-return",
			Pattern:   regexp.MustCompile(`(?i)Condition\s+\d+(\.\d+)*[:.]?\s+The (?:permit holder|operator|consent holder) shall submit (?:a )?monthly monitoring returns? to the (?:regulator|agency|authority)[^.]*\.`),
			Category:  id.CategoryReporting,
			Frequency: id.FrequencyMonthly,
			Condition: id.ConditionStandard,
			Title:     "Submit monthly monitoring return",
		},
		{
			ID:        "RL-002-annual-compliance-report",
			Pattern:   regexp.MustCompile(`(?i)Condition\s+\d+(\.\d+)*[:.]?\s+(?:An|The) annual (?:compliance|performance) report shall be (?:submitted|provided)[^.]*\.`),
			Category:  id.CategoryReporting,
			Frequency: id.FrequencyAnnual,
			Condition: id.ConditionStandard,
			Title:     "Submit annual compliance report",
		},
		{
			ID:        "RL-003-record-retention",
			Pattern:   regexp.MustCompile(`(?i)(?:All )?records (?:required by|made under) this (?:permit|consent|certificate) shall be (?:retained|kept) for (?:a period of )?(?:not less than )?\w+ years?[^.]*\.`),
			Category:  id.CategoryRecordKeeping,
			Frequency: id.FrequencyOneOff,
			Condition: id.ConditionStandard,
			Title:     "Retain compliance records",
		},
		{
			ID:            "RL-004-quarterly-emissions-sampling",
			DocumentTypes: []document.Type{document.TypePermit, document.TypeConsent},
			Pattern:       regexp.MustCompile(`(?i)(?:Emissions?|Discharges?) (?:to (?:air|water|land) )?shall be (?:sampled|monitored|measured) (?:at least )?quarterly[^.]*\.`),
			Category:      id.CategoryMonitoring,
			Frequency:     id.FrequencyQuarterly,
			Condition:     id.ConditionStandard,
			Title:         "Quarterly emissions sampling",
		},
		{
			ID:        "RL-005-incident-notification",
			Pattern:   regexp.MustCompile(`(?i)The (?:permit holder|operator|consent holder) shall notify the (?:regulator|agency|authority) (?:without delay|immediately|within \d+ (?:hours|days)) (?:of|following) any (?:incident|breach|non-compliance)[^.]*\.`),
			Category:  id.CategoryNotification,
			Frequency: id.FrequencyOneOff,
			Condition: id.ConditionStandard,
			Title:     "Notify regulator of incidents",
		},
		{
			ID:        "RL-006-calibration",
			Pattern:   regexp.MustCompile(`(?i)(?:All )?(?:monitoring )?(?:equipment|instruments?) shall be (?:calibrated|maintained) (?:and calibrated )?in accordance with (?:the )?manufacturer'?s? (?:instructions|specifications)[^.]*\.`),
			Category:  id.CategoryMaintenance,
			Frequency: id.FrequencyAnnual,
			Condition: id.ConditionStandard,
			Title:     "Calibrate monitoring equipment",
		},
	})
}
