// Package search implements the two-stage semantic search over the paper and
// atomic-fact collections: a flat cosine scan followed by keyword reranking.
package search

import "strings"

// medicalKeywords is the fixed term list matched as substrings against the
// lowercased query.
var medicalKeywords = []string{
	"osteoarthritis", "knee", "hip", "joint", "arthritis",
	"glp1", "glp-1", "glucagon", "agonist", "semaglutide",
	"liraglutide", "tirzepatide", "metformin",
	"diabetes", "obesity", "weight", "loss",
	"cardiovascular", "heart", "stroke", "mi",
	"efficacy", "safety", "treatment", "therapy",
	"effectiveness", "clinical", "trial",
	"randomized", "controlled", "double-blind", "placebo",
	"parkinson", "alzheimer", "dementia", "liver", "nash",
}

// medicalStems catch query words the fixed list misses (e.g. "diabetic",
// "osteoarthritic").
var medicalStems = []string{"osteo", "arthr", "cardio", "diabet", "obes"}

// Importance tiers for the rerank bonus.
var (
	highImportance = map[string]bool{
		"osteoarthritis": true, "knee": true, "hip": true, "joint": true, "arthritis": true,
		"parkinson": true, "alzheimer": true, "dementia": true, "liver": true, "nash": true,
	}
	mediumImportance = map[string]bool{
		"cardiovascular": true, "heart": true, "stroke": true, "diabetes": true,
		"obesity": true, "weight": true, "metabolic": true,
	}
)

// BonusWeights configures the per-tier rerank bonus and its cap.
type BonusWeights struct {
	High   float64
	Medium float64
	Low    float64
	Cap    float64
}

// DefaultBonusWeights returns the tier weights tuned for the medical corpus.
func DefaultBonusWeights() BonusWeights {
	return BonusWeights{High: 0.05, Medium: 0.03, Low: 0.01, Cap: 0.15}
}

// ExtractKeywords returns the deduplicated bag of medical terms found in the
// English query: fixed-list substring matches plus stem-matched query words of
// at least four characters.
func ExtractKeywords(query string) []string {
	queryLower := strings.ToLower(query)

	seen := make(map[string]bool)
	var extracted []string
	add := func(kw string) {
		if !seen[kw] {
			seen[kw] = true
			extracted = append(extracted, kw)
		}
	}

	for _, kw := range medicalKeywords {
		if strings.Contains(queryLower, kw) {
			add(kw)
		}
	}

	for _, word := range strings.Fields(queryLower) {
		word = strings.Trim(word, ".,!?;:\"'-()[]{}")
		if len(word) < 4 {
			continue
		}
		for _, stem := range medicalStems {
			if strings.Contains(word, stem) {
				add(word)
				break
			}
		}
	}

	return extracted
}

// keywordBonus scores keyword hits against the paper's combined searchable
// text. The sum is capped so reranking cannot invert a large similarity gap.
func keywordBonus(searchableText string, keywords []string, weights BonusWeights) float64 {
	if len(keywords) == 0 {
		return 0
	}

	bonus := 0.0
	for _, kw := range keywords {
		if !strings.Contains(searchableText, strings.ToLower(kw)) {
			continue
		}
		switch {
		case highImportance[kw]:
			bonus += weights.High
		case mediumImportance[kw]:
			bonus += weights.Medium
		default:
			bonus += weights.Low
		}
	}

	if bonus > weights.Cap {
		bonus = weights.Cap
	}
	return bonus
}
