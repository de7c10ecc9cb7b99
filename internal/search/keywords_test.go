package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractKeywords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "fixed list hits",
			query: "What are the effects of semaglutide on weight loss?",
			want:  []string{"semaglutide", "weight", "loss"},
		},
		{
			name:  "substring match inside words",
			query: "glp-1 efficacy",
			want:  []string{"glp-1", "efficacy"},
		},
		{
			name:  "stem match catches variants",
			query: "outcomes in diabetic patients",
			want:  []string{"diabetic"},
		},
		{
			name:  "no medical terms",
			query: "hello there",
			want:  nil,
		},
		{
			name:  "stem words shorter than four chars ignored",
			query: "mi risk",
			want:  []string{"mi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExtractKeywords(tt.query))
		})
	}
}

func TestExtractKeywordsNoDuplicates(t *testing.T) {
	t.Parallel()

	got := ExtractKeywords("osteoarthritis and osteoarthritic knees")
	counts := make(map[string]int)
	for _, kw := range got {
		counts[kw]++
	}
	for kw, n := range counts {
		assert.Equal(t, 1, n, "keyword %q extracted more than once", kw)
	}
	assert.Contains(t, got, "osteoarthritis")
	assert.Contains(t, got, "knee")
	assert.Contains(t, got, "osteoarthritic")
}

func TestKeywordBonusTiers(t *testing.T) {
	t.Parallel()

	weights := DefaultBonusWeights()

	tests := []struct {
		name     string
		text     string
		keywords []string
		want     float64
	}{
		{"high tier", "knee replacement outcomes", []string{"knee"}, 0.05},
		{"medium tier", "obesity management", []string{"obesity"}, 0.03},
		{"low tier", "semaglutide trial", []string{"semaglutide"}, 0.01},
		{"mixed tiers sum", "knee pain in obesity with semaglutide", []string{"knee", "obesity", "semaglutide"}, 0.09},
		{"no match", "unrelated text", []string{"knee"}, 0},
		{"no keywords", "knee pain", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, keywordBonus(tt.text, tt.keywords, weights), 1e-9)
		})
	}
}

func TestKeywordBonusCap(t *testing.T) {
	t.Parallel()

	weights := DefaultBonusWeights()
	keywords := []string{"osteoarthritis", "knee", "hip", "joint", "arthritis", "parkinson", "liver"}
	text := "osteoarthritis knee hip joint arthritis parkinson liver"

	bonus := keywordBonus(text, keywords, weights)
	assert.InDelta(t, weights.Cap, bonus, 1e-9)
}
