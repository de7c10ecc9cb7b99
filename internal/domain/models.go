// Package domain defines the core data model of the evidence pipeline:
// queries, papers, atomic facts, findings, and answers. All values are
// request-scoped and immutable after creation.
package domain

import "strings"

// Language is the detected language of a user query.
type Language string

const (
	// LanguageEnglish marks an English query.
	LanguageEnglish Language = "en"
	// LanguageJapanese marks a Japanese query.
	LanguageJapanese Language = "ja"
)

// Query is a normalized user question. SearchText is always English when
// translation succeeded; it falls back to the raw text otherwise.
type Query struct {
	// Raw is the user's input, untouched.
	Raw string
	// Language is the detected language of Raw.
	Language Language
	// SearchText is the English text used for search and prompting.
	SearchText string
}

// PICO holds the four-field clinical-evidence summary of a paper.
type PICO struct {
	Patient      string `json:"patient"`
	Intervention string `json:"intervention"`
	Comparison   string `json:"comparison"`
	Outcome      string `json:"outcome"`
}

// PaperMetadata holds bibliographic fields carried in the vector store payload.
type PaperMetadata struct {
	Title           string `json:"title"`
	Journal         string `json:"journal"`
	PublicationYear string `json:"publication_year"`
}

// Paper is one retrieved paper with its relevance score decomposition.
// Papers are produced fresh per search call and never mutated afterwards.
type Paper struct {
	// ID is the opaque corpus identifier (e.g. a PubMed accession).
	ID string
	// PICO is the structured evidence summary.
	PICO PICO
	// Metadata holds bibliographic fields.
	Metadata PaperMetadata
	// Score is the final relevance score (BaseScore + Bonus).
	Score float64
	// BaseScore is the cosine similarity before reranking.
	BaseScore float64
	// Bonus is the keyword rerank bonus, capped by the search engine.
	Bonus float64
}

// SearchableText returns the combined title and PICO text used for
// keyword matching, lowercased.
func (p Paper) SearchableText() string {
	return strings.ToLower(strings.Join([]string{
		p.Metadata.Title,
		p.PICO.Patient,
		p.PICO.Intervention,
		p.PICO.Outcome,
	}, " "))
}

// AtomicFact is one short, self-contained evidentiary sentence scoped to a
// single paper.
type AtomicFact struct {
	// PaperID is the owning paper's identifier.
	PaperID string
	// Index disambiguates multiple facts from one paper.
	Index int
	// Text is the fact sentence.
	Text string
	// Score is the cosine similarity against the query.
	Score float64
}

// Finding is the Map phase's output for one paper. A Paper contributes at
// most one Finding; papers whose facts were irrelevant contribute none.
type Finding struct {
	// PaperID references the paper this evidence was extracted from.
	PaperID string
	// Evidence is the extracted free-text evidence.
	Evidence string
}

// Answer is the Reduce phase's output: the terminal artifact of one request.
type Answer struct {
	// Text is the synthesized answer in the query's original language.
	Text string
	// NoEvidence is true when the answer is the fixed no-evidence sentinel
	// rather than model output.
	NoEvidence bool
}
