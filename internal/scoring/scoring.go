package scoring

import (
	"covenant/internal/platform/config"
)

// Confidence band thresholds. These are wire constants consumed by both
// scoring and UI-facing collaborators; they must not be inlined or changed
// independently of the consumers.
const (
	BandHigh   = 0.85
	BandMedium = 0.70
)

// Band names the confidence bracket an obligation's score falls into.
type Band string

const (
	High    Band = "HIGH"
	Medium  Band = "MEDIUM"
	Low     Band = "LOW"
	VeryLow Band = "VERY_LOW"
)

// Signals are the inputs to the confidence blend, each in [0,1].
type Signals struct {
	// PatternStrength: how closely the candidate matched a known pattern.
	// Rule-library hits carry 1.0 by construction.
	PatternStrength float64
	// StructuralPosition: plausibility of where the text sits in the
	// document (numbered condition under a conditions heading scores high).
	StructuralPosition float64
	// SemanticPlausibility: does the text semantically match its claimed
	// category.
	SemanticPlausibility float64
	// OCRQuality of the source span; 1.0 for born-digital text.
	OCRQuality float64
}

// Scorer blends signals into a 0-1 confidence using configured weights.
// The weights are configuration, not constants; deployments tune them.
type Scorer struct {
	cfg config.ScoringConfig
}

// New constructs a Scorer. Weights are normalized so a config whose weights
// do not sum to 1 still produces scores in [0,1].
func New(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score derives a 0-1 confidence from the weighted blend of signals.
func (s *Scorer) Score(sig Signals) float64 {
	sum := s.cfg.PatternWeight + s.cfg.StructuralWeight + s.cfg.SemanticWeight + s.cfg.OCRWeight
	if sum <= 0 {
		return 0
	}

	raw := s.cfg.PatternWeight*clamp01(sig.PatternStrength) +
		s.cfg.StructuralWeight*clamp01(sig.StructuralPosition) +
		s.cfg.SemanticWeight*clamp01(sig.SemanticPlausibility) +
		s.cfg.OCRWeight*clamp01(sig.OCRQuality)

	return clamp01(raw / sum)
}

// BandFor maps a score to its confidence band. The HIGH and MEDIUM
// boundaries are fixed; the LOW boundary is the configured band floor.
func (s *Scorer) BandFor(score float64) Band {
	switch {
	case score >= BandHigh:
		return High
	case score >= BandMedium:
		return Medium
	case score >= s.cfg.LowBand:
		return Low
	default:
		return VeryLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
