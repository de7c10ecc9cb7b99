package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/llm"
)

type fakeTranslator struct {
	toEnglish string
	toSource  string
}

func (f *fakeTranslator) ToEnglish(_ context.Context, text string) string {
	if f.toEnglish == "" {
		return text
	}
	return f.toEnglish
}

func (f *fakeTranslator) ToSource(_ context.Context, text string, _ domain.Language) string {
	if f.toSource == "" {
		return text
	}
	return f.toSource
}

type fakeSearcher struct {
	papers    []domain.Paper
	facts     []domain.AtomicFact
	papersErr error
	factsErr  error
	lastQuery string
}

func (f *fakeSearcher) SearchPapers(_ context.Context, queryEnglish string) ([]domain.Paper, error) {
	f.lastQuery = queryEnglish
	return f.papers, f.papersErr
}

func (f *fakeSearcher) SearchFacts(_ context.Context, _ string, _ []string) ([]domain.AtomicFact, error) {
	return f.facts, f.factsErr
}

// threadSafeCompleter answers Map prompts per their paper title and the
// Reduce prompt with a synthesis. Safe for the concurrent Map phase.
type threadSafeCompleter struct {
	mu      sync.Mutex
	calls   int
	handler func(req llm.Request) (string, error)
}

func (c *threadSafeCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	return c.CompleteWithProgress(ctx, req, nil)
}

func (c *threadSafeCompleter) CompleteWithProgress(_ context.Context, req llm.Request, _ llm.ProgressFunc) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.handler(req)
}

func newTestPipeline(translator Translator, searcher Searcher, completer ProgressCompleter) *Pipeline {
	analyzer := NewAnalyzer(completer, nil, zerolog.Nop(), nil)
	synthesizer := NewSynthesizer(completer, nil, zerolog.Nop(), nil)
	return New(translator, searcher, analyzer, synthesizer, zerolog.Nop(), nil)
}

func semaglutideFixture() (*fakeSearcher, *threadSafeCompleter) {
	searcher := &fakeSearcher{
		papers: []domain.Paper{
			testPaper("pA", "Semaglutide and body weight", "semaglutide 2.4 mg"),
			testPaper("pB", "Statins in hyperlipidemia", "atorvastatin"),
			testPaper("pC", "Aspirin in cardiovascular prevention", "aspirin"),
		},
		facts: []domain.AtomicFact{
			testFact("pA", "12.4% mean weight reduction at 68 weeks (p<0.001)"),
			testFact("pB", "LDL cholesterol decreased by 39%"),
			testFact("pC", "no significant effect on body weight was studied"),
		},
	}
	completer := &threadSafeCompleter{handler: func(req llm.Request) (string, error) {
		switch {
		case strings.Contains(req.Prompt, "Evidence extracted from individual papers"):
			return "Yes. Paper [pA] showed a 12.4% mean weight reduction at 68 weeks.", nil
		case strings.Contains(req.Prompt, "12.4% mean weight reduction"):
			return "Semaglutide achieved a 12.4% mean weight reduction at 68 weeks (p<0.001).", nil
		default:
			return "IRRELEVANT", nil
		}
	}}
	return searcher, completer
}

func TestRunRAGSemaglutideScenario(t *testing.T) {
	t.Parallel()

	searcher, completer := semaglutideFixture()
	p := newTestPipeline(&fakeTranslator{}, searcher, completer)

	var progressMu sync.Mutex
	var progress []string
	answer, papers, err := p.RunRAG(context.Background(),
		"What are the effects of semaglutide on weight loss?",
		func(msg string) {
			progressMu.Lock()
			progress = append(progress, msg)
			progressMu.Unlock()
		})
	require.NoError(t, err)

	assert.False(t, answer.NoEvidence)
	assert.Contains(t, answer.Text, "12.4%")
	assert.Contains(t, answer.Text, "pA")

	require.Len(t, papers, 1)
	assert.Equal(t, "pA", papers[0].ID)

	// Three Map calls plus one Reduce call.
	assert.Equal(t, 4, completer.calls)

	joined := strings.Join(progress, " | ")
	assert.Contains(t, joined, "Searching medical papers")
	assert.Contains(t, joined, "Synthesizing the answer")
}

func TestRunRetrievalHookSeesAllRetrievedPapers(t *testing.T) {
	t.Parallel()

	searcher, completer := semaglutideFixture()
	p := newTestPipeline(&fakeTranslator{}, searcher, completer)

	var hookPapers []domain.Paper
	var hookFacts []domain.AtomicFact
	_, _, err := p.Run(context.Background(), "semaglutide weight loss", Hooks{
		Retrieval: func(papers []domain.Paper, facts []domain.AtomicFact) {
			hookPapers, hookFacts = papers, facts
		},
	})
	require.NoError(t, err)

	// The hook reports everything retrieval found, not only the papers
	// that contributed findings.
	require.Len(t, hookPapers, 3)
	assert.Equal(t, "pA", hookPapers[0].ID)
	assert.Len(t, hookFacts, 3)
}

func TestRunRetrievalHookNotCalledWithoutPapers(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&fakeTranslator{}, &fakeSearcher{}, fixedCompleter(""))

	called := false
	answer, _, err := p.Run(context.Background(), "obscure question", Hooks{
		Retrieval: func([]domain.Paper, []domain.AtomicFact) { called = true },
	})
	require.NoError(t, err)
	assert.True(t, answer.NoEvidence)
	assert.False(t, called)
}

func TestRunRAGJapaneseQueryTranslatesBothWays(t *testing.T) {
	t.Parallel()

	searcher, completer := semaglutideFixture()
	translator := &fakeTranslator{
		toEnglish: "What are the effects of semaglutide on weight loss?",
		toSource:  "はい。セマグルチドは68週で平均12.4%の体重減少を示しました。",
	}
	p := newTestPipeline(translator, searcher, completer)

	answer, papers, err := p.RunRAG(context.Background(), "セマグルチドの減量効果は？", nil)
	require.NoError(t, err)

	assert.Equal(t, "What are the effects of semaglutide on weight loss?", searcher.lastQuery)
	assert.Contains(t, answer.Text, "12.4%")
	assert.Len(t, papers, 1)
}

func TestRunRAGJapaneseTranslationFailsOpen(t *testing.T) {
	t.Parallel()

	searcher, completer := semaglutideFixture()
	// Translator that leaves the Japanese text unchanged, as the fail-open
	// path does.
	p := newTestPipeline(&fakeTranslator{}, searcher, completer)

	_, _, err := p.RunRAG(context.Background(), "セマグルチドの減量効果は？", nil)
	require.NoError(t, err)
	assert.Equal(t, "セマグルチドの減量効果は？", searcher.lastQuery)
}

func TestRunRAGNoPapersIsNoEvidence(t *testing.T) {
	t.Parallel()

	completer := &threadSafeCompleter{handler: func(llm.Request) (string, error) {
		return "should not be called", nil
	}}
	p := newTestPipeline(&fakeTranslator{}, &fakeSearcher{}, completer)

	answer, papers, err := p.RunRAG(context.Background(), "obscure question", nil)
	require.NoError(t, err)
	assert.True(t, answer.NoEvidence)
	assert.Equal(t, NoEvidenceText, answer.Text)
	assert.Empty(t, papers)
	assert.Zero(t, completer.calls)
}

func TestRunRAGNoEvidenceJapaneseIsLocalized(t *testing.T) {
	t.Parallel()

	completer := &threadSafeCompleter{handler: func(llm.Request) (string, error) {
		return "should not be called", nil
	}}
	p := newTestPipeline(&fakeTranslator{toEnglish: "translated"}, &fakeSearcher{}, completer)

	answer, _, err := p.RunRAG(context.Background(), "未知の質問", nil)
	require.NoError(t, err)
	assert.True(t, answer.NoEvidence)
	assert.Equal(t, noEvidenceTextJA, answer.Text)
	assert.Zero(t, completer.calls)
}

func TestRunRAGAllIrrelevantIsNoEvidence(t *testing.T) {
	t.Parallel()

	searcher, _ := semaglutideFixture()
	completer := &threadSafeCompleter{handler: func(llm.Request) (string, error) {
		return "IRRELEVANT", nil
	}}
	p := newTestPipeline(&fakeTranslator{}, searcher, completer)

	answer, papers, err := p.RunRAG(context.Background(), "unrelated question", nil)
	require.NoError(t, err)
	assert.True(t, answer.NoEvidence)
	assert.Empty(t, papers)
	// Three Map calls, zero Reduce calls.
	assert.Equal(t, 3, completer.calls)
}

func TestRunRAGEmptyQueryIsValidationError(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(&fakeTranslator{}, &fakeSearcher{}, fixedCompleter(""))

	_, _, err := p.RunRAG(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRunRAGFatalMapErrorAbortsRun(t *testing.T) {
	t.Parallel()

	searcher, _ := semaglutideFixture()
	failed := domain.NewUnavailableError("completion", 4, assert.AnError)
	completer := &threadSafeCompleter{handler: func(req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "12.4% mean weight reduction") {
			return "", failed
		}
		return "IRRELEVANT", nil
	}}
	p := newTestPipeline(&fakeTranslator{}, searcher, completer)

	_, papers, err := p.RunRAG(context.Background(), "question", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Empty(t, papers)
}

func TestRunRAGSearchErrorAborts(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{papersErr: assert.AnError}
	p := newTestPipeline(&fakeTranslator{}, searcher, fixedCompleter(""))

	_, _, err := p.RunRAG(context.Background(), "question", nil)
	assert.ErrorIs(t, err, assert.AnError)
}
