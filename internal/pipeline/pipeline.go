package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/language"
	"github.com/clinagent/evidence-service/internal/llm"
	"github.com/clinagent/evidence-service/internal/observability"
)

// noEvidenceTextJA is the Japanese rendering of the no-evidence answer, used
// directly so the empty case stays deterministic for Japanese queries too.
const noEvidenceTextJA = "インデックスされた論文から、この質問に答えるエビデンスは見つかりませんでした。"

// Translator round-trips text between the query language and English.
type Translator interface {
	ToEnglish(ctx context.Context, text string) string
	ToSource(ctx context.Context, text string, lang domain.Language) string
}

// Searcher retrieves papers and per-paper facts for an English query.
type Searcher interface {
	SearchPapers(ctx context.Context, queryEnglish string) ([]domain.Paper, error)
	SearchFacts(ctx context.Context, queryEnglish string, paperIDs []string) ([]domain.AtomicFact, error)
}

// Pipeline drives one full Map-Reduce evidence query. All collaborators are
// injected; the pipeline itself holds no per-request state and is safe for
// concurrent use.
type Pipeline struct {
	translator  Translator
	searcher    Searcher
	analyzer    *Analyzer
	synthesizer *Synthesizer
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

// New creates a pipeline. metrics may be nil.
func New(translator Translator, searcher Searcher, analyzer *Analyzer, synthesizer *Synthesizer, logger zerolog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		translator:  translator,
		searcher:    searcher,
		analyzer:    analyzer,
		synthesizer: synthesizer,
		logger:      logger.With().Str("component", "pipeline").Logger(),
		metrics:     metrics,
	}
}

// RetrievalFunc receives the retrieved papers and facts once search
// completes, before any analysis runs.
type RetrievalFunc func(papers []domain.Paper, facts []domain.AtomicFact)

// Hooks carries the optional observation callbacks for one run. Both fields
// may be nil. Callbacks are invoked from the run's goroutines; callers that
// share state with them must synchronize.
type Hooks struct {
	Progress  llm.ProgressFunc
	Retrieval RetrievalFunc
}

// RunRAG answers one free-text question. It returns the synthesized answer
// and the papers whose facts contributed to it. progress may be nil.
func (p *Pipeline) RunRAG(ctx context.Context, queryText string, progress llm.ProgressFunc) (domain.Answer, []domain.Paper, error) {
	return p.Run(ctx, queryText, Hooks{Progress: progress})
}

// Run answers one free-text question with full observation hooks.
//
// A fatal backend failure aborts the whole run; partial findings are
// discarded rather than synthesized into an incomplete answer.
func (p *Pipeline) Run(ctx context.Context, queryText string, hooks Hooks) (domain.Answer, []domain.Paper, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return domain.Answer{}, nil, domain.NewValidationError("query", "must not be empty")
	}
	progress := hooks.Progress
	if progress == nil {
		progress = func(string) {}
	}

	start := time.Now()
	if p.metrics != nil {
		p.metrics.QueriesStarted.Inc()
	}
	answer, papers, err := p.run(ctx, queryText, progress, hooks.Retrieval)
	if p.metrics != nil {
		p.metrics.QueryDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.QueriesFailed.Inc()
		} else {
			p.metrics.QueriesCompleted.Inc()
		}
	}
	return answer, papers, err
}

func (p *Pipeline) run(ctx context.Context, queryText string, progress llm.ProgressFunc, retrieval RetrievalFunc) (domain.Answer, []domain.Paper, error) {
	lang := language.Detect(queryText)
	logger := observability.WithQueryContext(p.logger, observability.RequestIDFromContext(ctx), string(lang))

	query := domain.Query{Raw: queryText, Language: lang, SearchText: queryText}
	if lang == domain.LanguageJapanese {
		progress("Translating query to English...")
		query.SearchText = p.translator.ToEnglish(ctx, queryText)
	}

	progress("Searching medical papers...")
	allPapers, err := p.searcher.SearchPapers(ctx, query.SearchText)
	if err != nil {
		return domain.Answer{}, nil, fmt.Errorf("paper search: %w", err)
	}
	logger.Info().Int("papers", len(allPapers)).Msg("paper search complete")

	if len(allPapers) == 0 {
		answer, _ := p.synthesizer.Synthesize(ctx, nil, query.SearchText, progress)
		return p.localize(answer, lang), []domain.Paper{}, nil
	}

	progress("Retrieving evidence snippets...")
	paperIDs := make([]string, 0, len(allPapers))
	for _, paper := range allPapers {
		paperIDs = append(paperIDs, paper.ID)
	}
	facts, err := p.searcher.SearchFacts(ctx, query.SearchText, paperIDs)
	if err != nil {
		return domain.Answer{}, nil, fmt.Errorf("fact search: %w", err)
	}

	if retrieval != nil {
		retrieval(allPapers, facts)
	}

	factsByPaper := make(map[string][]domain.AtomicFact, len(allPapers))
	for _, fact := range facts {
		factsByPaper[fact.PaperID] = append(factsByPaper[fact.PaperID], fact)
	}

	// Map phase: one analysis per paper, all independent. Any fatal error
	// cancels the rest and aborts the run.
	findings := make([]*domain.Finding, len(allPapers))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, paper := range allPapers {
		group.Go(func() error {
			progress(fmt.Sprintf("Analyzing paper %d of %d...", i+1, len(allPapers)))
			finding, err := p.analyzer.AnalyzePaper(groupCtx, paper, factsByPaper[paper.ID], query.SearchText, progress)
			if err != nil {
				return err
			}
			findings[i] = finding
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return domain.Answer{}, nil, err
	}

	// Findings keep paper retrieval order.
	kept := make([]domain.Finding, 0, len(allPapers))
	contributing := make([]domain.Paper, 0, len(allPapers))
	for i, finding := range findings {
		if finding == nil {
			continue
		}
		kept = append(kept, *finding)
		contributing = append(contributing, allPapers[i])
	}
	logger.Info().Int("findings", len(kept)).Msg("map phase complete")

	progress("Synthesizing the answer...")
	answer, err := p.synthesizer.Synthesize(ctx, kept, query.SearchText, progress)
	if err != nil {
		return domain.Answer{}, nil, err
	}
	if answer.NoEvidence {
		return p.localize(answer, lang), []domain.Paper{}, nil
	}

	if lang == domain.LanguageJapanese {
		progress("Translating the answer to Japanese...")
		answer.Text = p.translator.ToSource(ctx, answer.Text, lang)
	}
	return answer, contributing, nil
}

// localize swaps the fixed no-evidence text for its Japanese rendering
// without a model call.
func (p *Pipeline) localize(answer domain.Answer, lang domain.Language) domain.Answer {
	if answer.NoEvidence && lang == domain.LanguageJapanese {
		answer.Text = noEvidenceTextJA
	}
	return answer
}
