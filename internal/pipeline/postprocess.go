// Package pipeline orchestrates the Map-Reduce evidence flow: translate,
// search, per-paper analysis, synthesis, and back-translation.
package pipeline

import "strings"

// PostProcessor cleans raw model output before it is interpreted or shown.
type PostProcessor interface {
	Clean(text string) string
}

// Cleaner is the default PostProcessor: it strips a leading reasoning
// preamble and truncates degenerate repetition.
type Cleaner struct {
	// ShortLineThreshold is the minimum rune length for a line to count as
	// answer content rather than preamble chatter.
	ShortLineThreshold int
	// MaxSkipLines bounds how many leading lines preamble stripping may drop.
	MaxSkipLines int
}

// NewCleaner returns a Cleaner with the production thresholds.
func NewCleaner() *Cleaner {
	return &Cleaner{ShortLineThreshold: 40, MaxSkipLines: 6}
}

// Clean applies preamble stripping then repetition truncation.
func (c *Cleaner) Clean(text string) string {
	return strings.TrimSpace(c.TruncateRepetition(c.StripPreamble(text)))
}

// StripPreamble drops a leading run of short "reasoning" lines the model may
// emit before its actual answer. Skipping is bounded: if no substantial line
// appears within MaxSkipLines, the text is returned unchanged.
func (c *Cleaner) StripPreamble(text string) string {
	lines := strings.Split(text, "\n")

	skipped := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if len([]rune(trimmed)) >= c.ShortLineThreshold {
			if skipped == 0 {
				return text
			}
			return strings.Join(lines[i:], "\n")
		}
		skipped++
		if skipped > c.MaxSkipLines {
			return text
		}
	}
	return text
}

// TruncateRepetition cuts the text at the first non-empty line that repeats
// an earlier line verbatim. Decoder loops tend to re-emit whole lines, so
// everything from the first repeat onward is discarded.
func (c *Cleaner) TruncateRepetition(text string) string {
	lines := strings.Split(text, "\n")
	seen := make(map[string]bool, len(lines))

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if seen[trimmed] {
			return strings.TrimRight(strings.Join(lines[:i], "\n"), "\n")
		}
		seen[trimmed] = true
	}
	return text
}
