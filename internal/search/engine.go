package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/embedding"
	"github.com/clinagent/evidence-service/internal/observability"
	"github.com/clinagent/evidence-service/internal/vectorstore"
)

// Options configures the engine's rerank window, result sizes, and bonus
// weights.
type Options struct {
	// TopK is the number of papers returned per search.
	TopK int
	// CandidateWindow bounds the rerank stage to the top similarity hits.
	CandidateWindow int
	// FactsPerPaper caps the facts attributed to any single paper.
	FactsPerPaper int
	// Weights are the keyword rerank bonus weights.
	Weights BonusWeights
}

// DefaultOptions returns the production search parameters.
func DefaultOptions() Options {
	return Options{
		TopK:            3,
		CandidateWindow: 50,
		FactsPerPaper:   5,
		Weights:         DefaultBonusWeights(),
	}
}

// Engine retrieves papers and per-paper atomic facts from the vector store.
// It owns no state beyond its injected collaborators and is safe for
// concurrent use.
type Engine struct {
	store    vectorstore.Store
	embedder embedding.Embedder
	opts     Options
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// NewEngine creates a search engine. metrics may be nil.
func NewEngine(store vectorstore.Store, embedder embedding.Embedder, opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.CandidateWindow <= 0 {
		opts.CandidateWindow = 50
	}
	if opts.FactsPerPaper <= 0 {
		opts.FactsPerPaper = 5
	}
	if opts.Weights == (BonusWeights{}) {
		opts.Weights = DefaultBonusWeights()
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		opts:     opts,
		logger:   logger.With().Str("component", "search_engine").Logger(),
		metrics:  metrics,
	}
}

// SearchPapers embeds the English query, scans the paper corpus by cosine
// similarity, reranks the top candidates with a keyword bonus, and returns
// the topK papers. An empty corpus yields an empty slice, not an error.
func (e *Engine) SearchPapers(ctx context.Context, queryEnglish string) ([]domain.Paper, error) {
	start := time.Now()

	queryVec, err := e.embedder.Embed(ctx, embedding.QueryPrefix+queryEnglish, embedding.ModelE5)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	records, err := e.store.FetchPapers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch papers: %w", err)
	}
	if len(records) == 0 {
		return []domain.Paper{}, nil
	}

	papers := make([]domain.Paper, 0, len(records))
	for _, rec := range records {
		papers = append(papers, domain.Paper{
			ID:        rec.ID,
			PICO:      rec.PICO,
			Metadata:  rec.Metadata,
			BaseScore: cosineSimilarity(queryVec, rec.Vector),
		})
	}

	// Stage 1: similarity ranking, bounded to the rerank window.
	sort.SliceStable(papers, func(i, j int) bool {
		return papers[i].BaseScore > papers[j].BaseScore
	})
	window := e.opts.CandidateWindow
	if window > len(papers) {
		window = len(papers)
	}
	candidates := papers[:window]

	// Stage 2: keyword bonus over the candidate window.
	keywords := ExtractKeywords(queryEnglish)
	for i := range candidates {
		candidates[i].Bonus = keywordBonus(candidates[i].SearchableText(), keywords, e.opts.Weights)
		candidates[i].Score = candidates[i].BaseScore + candidates[i].Bonus
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	topK := e.opts.TopK
	if topK > len(candidates) {
		topK = len(candidates)
	}
	result := append([]domain.Paper(nil), candidates[:topK]...)

	e.logger.Debug().
		Int("corpus_size", len(records)).
		Int("candidates", window).
		Strs("keywords", keywords).
		Int("returned", len(result)).
		Msg("paper search complete")
	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("papers").Observe(time.Since(start).Seconds())
		e.metrics.PapersRetrieved.Observe(float64(len(result)))
	}
	return result, nil
}

// SearchFacts retrieves atomic facts for the given papers. Facts are ranked
// by similarity to the query, strictly partitioned by paper so no paper can
// starve another's representation, deduplicated by exact text, and capped at
// FactsPerPaper per paper. Results are grouped by paperIDs order.
func (e *Engine) SearchFacts(ctx context.Context, queryEnglish string, paperIDs []string) ([]domain.AtomicFact, error) {
	if len(paperIDs) == 0 {
		return []domain.AtomicFact{}, nil
	}
	start := time.Now()

	queryVec, err := e.embedder.Embed(ctx, queryEnglish, embedding.ModelSapBERT)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	records, err := e.store.FetchFacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch facts: %w", err)
	}
	if len(records) == 0 {
		return []domain.AtomicFact{}, nil
	}

	byPaper := make(map[string][]domain.AtomicFact, len(paperIDs))
	wanted := make(map[string]bool, len(paperIDs))
	for _, id := range paperIDs {
		wanted[id] = true
	}
	for i, rec := range records {
		if !wanted[rec.PaperID] {
			continue
		}
		byPaper[rec.PaperID] = append(byPaper[rec.PaperID], domain.AtomicFact{
			PaperID: rec.PaperID,
			Index:   i,
			Text:    rec.Text,
			Score:   cosineSimilarity(queryVec, rec.Vector),
		})
	}

	var result []domain.AtomicFact
	for _, paperID := range paperIDs {
		facts := byPaper[paperID]
		sort.SliceStable(facts, func(i, j int) bool {
			return facts[i].Score > facts[j].Score
		})

		seen := make(map[string]bool, len(facts))
		kept := 0
		for _, fact := range facts {
			if seen[fact.Text] {
				continue
			}
			seen[fact.Text] = true
			result = append(result, fact)
			kept++
			if kept == e.opts.FactsPerPaper {
				break
			}
		}
		if e.metrics != nil {
			e.metrics.FactsRetrieved.Observe(float64(kept))
		}
	}

	e.logger.Debug().
		Int("corpus_size", len(records)).
		Int("papers", len(paperIDs)).
		Int("returned", len(result)).
		Msg("fact search complete")
	if e.metrics != nil {
		e.metrics.SearchDuration.WithLabelValues("facts").Observe(time.Since(start).Seconds())
	}
	return result, nil
}

// cosineSimilarity computes cosine similarity between two vectors. Vectors
// from the embedding service are already normalized, so this is effectively a
// dot product, but norms are computed anyway to tolerate raw corpus vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
