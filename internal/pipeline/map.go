package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/llm"
	"github.com/clinagent/evidence-service/internal/observability"
)

// IrrelevantSentinel is the token the model is instructed to emit when a
// paper's facts do not address the query.
const IrrelevantSentinel = "IRRELEVANT"

const mapSystemPrompt = "You are a medical evidence extractor. " +
	"Use ONLY the provided facts. Never use general knowledge."

// ProgressCompleter is a Completer that can report progress during long
// retry waits. llm.Caller satisfies it.
type ProgressCompleter interface {
	llm.Completer
	CompleteWithProgress(ctx context.Context, req llm.Request, progress llm.ProgressFunc) (string, error)
}

// Analyzer runs the Map phase: one independent evidence extraction per
// paper. It holds no mutable state and is safe for concurrent use.
type Analyzer struct {
	completer ProgressCompleter
	post      PostProcessor
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewAnalyzer creates a Map-phase analyzer. metrics may be nil.
func NewAnalyzer(completer ProgressCompleter, post PostProcessor, logger zerolog.Logger, metrics *observability.Metrics) *Analyzer {
	if post == nil {
		post = NewCleaner()
	}
	return &Analyzer{
		completer: completer,
		post:      post,
		logger:    logger.With().Str("component", "map_analyzer").Logger(),
		metrics:   metrics,
	}
}

// AnalyzePaper extracts one Finding from a paper's facts, or nil when the
// paper does not address the query. Facts not belonging to the paper are
// discarded before prompting. A paper with no usable facts yields nil
// without a model call. Model errors are returned for the caller to decide
// fatality.
func (a *Analyzer) AnalyzePaper(ctx context.Context, paper domain.Paper, facts []domain.AtomicFact, queryEnglish string, progress llm.ProgressFunc) (*domain.Finding, error) {
	logger := observability.WithPaperContext(a.logger, paper.ID)

	owned := make([]domain.AtomicFact, 0, len(facts))
	for _, fact := range facts {
		if fact.PaperID != paper.ID {
			logger.Warn().
				Str("fact_paper_id", fact.PaperID).
				Msg("dropping fact from another paper")
			continue
		}
		owned = append(owned, fact)
	}
	if len(owned) == 0 {
		a.recordOutcome("irrelevant")
		return nil, nil
	}

	out, err := a.completer.CompleteWithProgress(ctx, llm.Request{
		System:      mapSystemPrompt,
		Prompt:      buildMapPrompt(paper, owned, queryEnglish),
		Temperature: 0.1,
	}, progress)
	if err != nil {
		return nil, fmt.Errorf("analyze paper %s: %w", paper.ID, err)
	}

	cleaned := a.post.Clean(out)
	if cleaned == "" || strings.Contains(cleaned, IrrelevantSentinel) {
		a.recordOutcome("irrelevant")
		return nil, nil
	}

	a.recordOutcome("finding")
	return &domain.Finding{PaperID: paper.ID, Evidence: cleaned}, nil
}

func (a *Analyzer) recordOutcome(result string) {
	if a.metrics != nil {
		a.metrics.MapFindings.WithLabelValues(result).Inc()
	}
}

// buildMapPrompt exposes only the paper's title, intervention, and filtered
// facts. PICO comparison and outcome text stay out so the extraction cannot
// cite material the Reduce phase never sees.
func buildMapPrompt(paper domain.Paper, facts []domain.AtomicFact, queryEnglish string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Question: %s\n\n", queryEnglish)
	fmt.Fprintf(&b, "Paper: %s\n", paper.Metadata.Title)
	if paper.PICO.Intervention != "" {
		fmt.Fprintf(&b, "Intervention: %s\n", paper.PICO.Intervention)
	}
	b.WriteString("\nFacts from this paper:\n")
	for _, fact := range facts {
		fmt.Fprintf(&b, "- %s\n", fact.Text)
	}

	b.WriteString("\nTask: If these facts do not address the question, output exactly \"" +
		IrrelevantSentinel + "\".\n" +
		"Otherwise, extract the drug or intervention name and the quantitative result, " +
		"using ONLY the facts above. One or two sentences.\n\nAnswer:")
	return b.String()
}
