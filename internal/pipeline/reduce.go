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

// NoEvidenceText is the fixed answer for the empty-findings terminal state.
const NoEvidenceText = "No relevant evidence was found in the indexed papers to answer this question."

const reduceSystemPrompt = "You are a medical evidence synthesizer. " +
	"Cite ONLY the evidence provided. Do not repeat yourself."

// Synthesizer runs the Reduce phase: one synthesis over all Map findings.
type Synthesizer struct {
	completer ProgressCompleter
	post      PostProcessor
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewSynthesizer creates a Reduce-phase synthesizer. metrics may be nil.
func NewSynthesizer(completer ProgressCompleter, post PostProcessor, logger zerolog.Logger, metrics *observability.Metrics) *Synthesizer {
	if post == nil {
		post = NewCleaner()
	}
	return &Synthesizer{
		completer: completer,
		post:      post,
		logger:    logger.With().Str("component", "reduce_synthesizer").Logger(),
		metrics:   metrics,
	}
}

// Synthesize combines the findings into one answer. Empty findings return
// the fixed no-evidence answer with no model call, so the empty case is
// deterministic.
func (s *Synthesizer) Synthesize(ctx context.Context, findings []domain.Finding, queryEnglish string, progress llm.ProgressFunc) (domain.Answer, error) {
	if len(findings) == 0 {
		if s.metrics != nil {
			s.metrics.NoEvidenceAnswers.Inc()
		}
		return domain.Answer{Text: NoEvidenceText, NoEvidence: true}, nil
	}

	out, err := s.completer.CompleteWithProgress(ctx, llm.Request{
		System:      reduceSystemPrompt,
		Prompt:      buildReducePrompt(findings, queryEnglish),
		Temperature: 0.1,
	}, progress)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("synthesize findings: %w", err)
	}

	cleaned := s.post.Clean(out)
	if cleaned == "" {
		return domain.Answer{}, fmt.Errorf("synthesis produced no usable text: %w", domain.ErrInternalError)
	}

	return domain.Answer{Text: cleaned}, nil
}

// buildReducePrompt lists every finding as a flat evidentiary list.
func buildReducePrompt(findings []domain.Finding, queryEnglish string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Question: %s\n\n", queryEnglish)
	b.WriteString("Evidence extracted from individual papers:\n")
	for _, finding := range findings {
		fmt.Fprintf(&b, "- [%s] %s\n", finding.PaperID, finding.Evidence)
	}

	b.WriteString("\nTask: Answer the question using ONLY the evidence above.\n" +
		"Start with yes, no, or unclear. Reference the paper identifiers in brackets. " +
		"Give one complete answer without repeating sentences.\n\nAnswer:")
	return b.String()
}
