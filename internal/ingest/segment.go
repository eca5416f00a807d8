package ingest

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates the model token count of text using the
// configured characters-per-token divisor.
func (s *Service) EstimateTokens(text string) int {
	return estimateTokens(text, s.cfg.CharsPerToken)
}

func estimateTokens(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Segment splits text into pieces of at most maxTokens estimated tokens,
// preferring paragraph breaks, then line breaks, then a hard cut. The pieces
// concatenate back to the original text with no loss.
func (s *Service) Segment(text string, maxTokens int) []string {
	return Segment(text, maxTokens, s.cfg.CharsPerToken)
}

// Segment is the pure form used by callers that carry their own config.
func Segment(text string, maxTokens, charsPerToken int) []string {
	if text == "" {
		return nil
	}
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	maxChars := maxTokens * charsPerToken
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}

	var segments []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, current.String())
			current.Reset()
		}
	}

	for _, piece := range splitRetaining(text, "\n\n") {
		if len(piece) > maxChars {
			// Oversized paragraph: fall back to line breaks, then hard cuts.
			for _, line := range splitRetaining(piece, "\n") {
				for len(line) > maxChars {
					flush()
					cut := hardCut(line, maxChars)
					segments = append(segments, line[:cut])
					line = line[cut:]
				}
				if current.Len()+len(line) > maxChars {
					flush()
				}
				current.WriteString(line)
			}
			continue
		}
		if current.Len()+len(piece) > maxChars {
			flush()
		}
		current.WriteString(piece)
	}
	flush()

	return segments
}

// hardCut finds the largest prefix of at most max bytes that ends on a rune
// boundary, so a forced cut never splits a multi-byte character between
// segments.
func hardCut(s string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		// Not UTF-8; cut at the byte limit rather than not at all.
		return max
	}
	return cut
}

// splitRetaining splits s on sep keeping the separator attached to the
// preceding piece, so that strings.Join(pieces, "") == s.
func splitRetaining(s, sep string) []string {
	if s == "" {
		return nil
	}
	var pieces []string
	for {
		i := strings.Index(s, sep)
		if i < 0 {
			pieces = append(pieces, s)
			return pieces
		}
		pieces = append(pieces, s[:i+len(sep)])
		s = s[i+len(sep):]
		if s == "" {
			return pieces
		}
	}
}
