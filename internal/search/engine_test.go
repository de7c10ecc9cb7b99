package search

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/embedding"
	"github.com/clinagent/evidence-service/internal/vectorstore"
)

// fakeStore serves fixed records.
type fakeStore struct {
	papers []vectorstore.PaperRecord
	facts  []vectorstore.FactRecord
	err    error
}

func (f *fakeStore) FetchPapers(context.Context) ([]vectorstore.PaperRecord, error) {
	return f.papers, f.err
}

func (f *fakeStore) FetchFacts(context.Context) ([]vectorstore.FactRecord, error) {
	return f.facts, f.err
}

func (f *fakeStore) Collections(context.Context) ([]string, error) {
	return []string{"medical_papers", "atomic_facts"}, f.err
}

func (f *fakeStore) Close() error { return nil }

// fakeEmbedder returns a fixed unit vector and records what it was asked.
type fakeEmbedder struct {
	vector    []float32
	lastText  string
	lastModel embedding.Model
	err       error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string, model embedding.Model) ([]float32, error) {
	f.lastText = text
	f.lastModel = model
	return f.vector, f.err
}

func paperRecord(id string, vector []float32, title, intervention string) vectorstore.PaperRecord {
	return vectorstore.PaperRecord{
		ID:     id,
		Vector: vector,
		PICO:   domain.PICO{Intervention: intervention},
		Metadata: domain.PaperMetadata{
			Title: title,
		},
	}
}

func TestSearchPapersRanksBySimilarity(t *testing.T) {
	t.Parallel()

	store := &fakeStore{papers: []vectorstore.PaperRecord{
		paperRecord("p1", []float32{0, 1}, "unrelated study", "placebo"),
		paperRecord("p2", []float32{1, 0}, "another study", "placebo"),
		paperRecord("p3", []float32{0.6, 0.8}, "third study", "placebo"),
	}}
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	engine := NewEngine(store, embedder, DefaultOptions(), zerolog.Nop(), nil)

	papers, err := engine.SearchPapers(context.Background(), "plain question")
	require.NoError(t, err)
	require.Len(t, papers, 3)

	assert.Equal(t, "p2", papers[0].ID)
	assert.Equal(t, "p3", papers[1].ID)
	assert.Equal(t, "p1", papers[2].ID)
	assert.InDelta(t, 1.0, papers[0].BaseScore, 1e-6)

	assert.Equal(t, embedding.QueryPrefix+"plain question", embedder.lastText)
	assert.Equal(t, embedding.ModelE5, embedder.lastModel)
}

func TestSearchPapersKeywordBonusReranks(t *testing.T) {
	t.Parallel()

	// p1 is slightly ahead on similarity but p2's title matches high-tier
	// keywords, enough to overtake within the bonus cap.
	store := &fakeStore{papers: []vectorstore.PaperRecord{
		paperRecord("p1", []float32{1, 0}, "general metabolic review", "diet"),
		paperRecord("p2", []float32{0.995, 0.0999}, "knee osteoarthritis outcomes", "semaglutide"),
	}}
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	engine := NewEngine(store, embedder, DefaultOptions(), zerolog.Nop(), nil)

	papers, err := engine.SearchPapers(context.Background(), "semaglutide for knee osteoarthritis")
	require.NoError(t, err)
	require.Len(t, papers, 2)

	assert.Equal(t, "p2", papers[0].ID)
	assert.Greater(t, papers[0].Bonus, papers[1].Bonus)
	assert.InDelta(t, papers[0].BaseScore+papers[0].Bonus, papers[0].Score, 1e-9)
}

func TestSearchPapersBonusCannotInvertLargeGap(t *testing.T) {
	t.Parallel()

	// p1 leads p2 by more than the bonus cap, so p2 must stay behind no
	// matter how many keywords it matches.
	store := &fakeStore{papers: []vectorstore.PaperRecord{
		paperRecord("p1", []float32{1, 0}, "general review", "diet"),
		paperRecord("p2", []float32{0.8, 0.6}, "knee hip joint arthritis osteoarthritis parkinson liver", "semaglutide"),
	}}
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	engine := NewEngine(store, embedder, DefaultOptions(), zerolog.Nop(), nil)

	papers, err := engine.SearchPapers(context.Background(), "knee hip joint arthritis osteoarthritis parkinson liver")
	require.NoError(t, err)
	require.Len(t, papers, 2)

	assert.Equal(t, "p1", papers[0].ID)
	assert.LessOrEqual(t, papers[1].Bonus, DefaultBonusWeights().Cap)
}

func TestSearchPapersTopK(t *testing.T) {
	t.Parallel()

	var records []vectorstore.PaperRecord
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		records = append(records, paperRecord(id, []float32{1, 0}, "study "+id, "placebo"))
	}
	store := &fakeStore{papers: records}
	engine := NewEngine(store, &fakeEmbedder{vector: []float32{1, 0}}, DefaultOptions(), zerolog.Nop(), nil)

	papers, err := engine.SearchPapers(context.Background(), "question")
	require.NoError(t, err)
	assert.Len(t, papers, 3)
}

func TestSearchPapersTieBreakIsStable(t *testing.T) {
	t.Parallel()

	// Equal similarity and no keyword hits: corpus order must be preserved.
	store := &fakeStore{papers: []vectorstore.PaperRecord{
		paperRecord("first", []float32{1, 0}, "study one", "placebo"),
		paperRecord("second", []float32{1, 0}, "study two", "placebo"),
		paperRecord("third", []float32{1, 0}, "study three", "placebo"),
	}}
	engine := NewEngine(store, &fakeEmbedder{vector: []float32{1, 0}}, DefaultOptions(), zerolog.Nop(), nil)

	papers, err := engine.SearchPapers(context.Background(), "plain question")
	require.NoError(t, err)
	require.Len(t, papers, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{papers[0].ID, papers[1].ID, papers[2].ID})
}

func TestSearchPapersEmptyCorpus(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakeStore{}, &fakeEmbedder{vector: []float32{1, 0}}, DefaultOptions(), zerolog.Nop(), nil)

	papers, err := engine.SearchPapers(context.Background(), "question")
	require.NoError(t, err)
	assert.Empty(t, papers)
	assert.NotNil(t, papers)
}

func TestSearchPapersStoreError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("qdrant down")}
	engine := NewEngine(store, &fakeEmbedder{vector: []float32{1, 0}}, DefaultOptions(), zerolog.Nop(), nil)

	_, err := engine.SearchPapers(context.Background(), "question")
	assert.ErrorContains(t, err, "qdrant down")
}

func factRecord(paperID, text string, vector []float32) vectorstore.FactRecord {
	return vectorstore.FactRecord{PaperID: paperID, Text: text, Vector: vector}
}

func TestSearchFactsStrictPaperFilter(t *testing.T) {
	t.Parallel()

	store := &fakeStore{facts: []vectorstore.FactRecord{
		factRecord("pA", "fact A1", []float32{1, 0}),
		factRecord("pB", "fact B1", []float32{1, 0}),
		factRecord("pX", "noise from unrelated paper", []float32{1, 0}),
	}}
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	engine := NewEngine(store, embedder, DefaultOptions(), zerolog.Nop(), nil)

	facts, err := engine.SearchFacts(context.Background(), "question", []string{"pA", "pB"})
	require.NoError(t, err)
	require.Len(t, facts, 2)
	for _, fact := range facts {
		assert.Contains(t, []string{"pA", "pB"}, fact.PaperID)
	}

	assert.Equal(t, "question", embedder.lastText)
	assert.Equal(t, embedding.ModelSapBERT, embedder.lastModel)
}

func TestSearchFactsFairnessCap(t *testing.T) {
	t.Parallel()

	// pA has far more facts than pB; pB must still get its own slots.
	var records []vectorstore.FactRecord
	for i := 0; i < 20; i++ {
		records = append(records, factRecord("pA", "fact A "+string(rune('a'+i)), []float32{1, 0}))
	}
	records = append(records, factRecord("pB", "fact B only", []float32{0.9, 0.1}))
	store := &fakeStore{facts: records}
	engine := NewEngine(store, &fakeEmbedder{vector: []float32{1, 0}}, DefaultOptions(), zerolog.Nop(), nil)

	facts, err := engine.SearchFacts(context.Background(), "question", []string{"pA", "pB"})
	require.NoError(t, err)

	perPaper := make(map[string]int)
	for _, fact := range facts {
		perPaper[fact.PaperID]++
	}
	assert.Equal(t, 5, perPaper["pA"])
	assert.Equal(t, 1, perPaper["pB"])
}

func TestSearchFactsDeduplicatesByText(t *testing.T) {
	t.Parallel()

	store := &fakeStore{facts: []vectorstore.FactRecord{
		factRecord("pA", "12.4% mean weight reduction", []float32{1, 0}),
		factRecord("pA", "12.4% mean weight reduction", []float32{0.99, 0.01}),
		factRecord("pA", "treatment was well tolerated", []float32{0.5, 0.5}),
	}}
	engine := NewEngine(store, &fakeEmbedder{vector: []float32{1, 0}}, DefaultOptions(), zerolog.Nop(), nil)

	facts, err := engine.SearchFacts(context.Background(), "question", []string{"pA"})
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "12.4% mean weight reduction", facts[0].Text)
	assert.Equal(t, "treatment was well tolerated", facts[1].Text)
}

func TestSearchFactsGroupedByPaperOrder(t *testing.T) {
	t.Parallel()

	store := &fakeStore{facts: []vectorstore.FactRecord{
		factRecord("pB", "fact B1", []float32{1, 0}),
		factRecord("pA", "fact A1", []float32{1, 0}),
		factRecord("pB", "fact B2", []float32{0.9, 0.1}),
	}}
	engine := NewEngine(store, &fakeEmbedder{vector: []float32{1, 0}}, DefaultOptions(), zerolog.Nop(), nil)

	facts, err := engine.SearchFacts(context.Background(), "question", []string{"pA", "pB"})
	require.NoError(t, err)
	require.Len(t, facts, 3)
	assert.Equal(t, "pA", facts[0].PaperID)
	assert.Equal(t, "pB", facts[1].PaperID)
	assert.Equal(t, "pB", facts[2].PaperID)
}

func TestSearchFactsEmptyInputs(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakeStore{}, &fakeEmbedder{vector: []float32{1, 0}}, DefaultOptions(), zerolog.Nop(), nil)

	facts, err := engine.SearchFacts(context.Background(), "question", nil)
	require.NoError(t, err)
	assert.Empty(t, facts)

	facts, err = engine.SearchFacts(context.Background(), "question", []string{"pA"})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical unit vectors", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"unnormalized inputs", []float32{2, 0}, []float32{5, 0}, 1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, cosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}
