package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/llm"
)

func TestSynthesizeEmptyFindingsIsDeterministic(t *testing.T) {
	t.Parallel()

	completer := fixedCompleter("should not be called")
	synth := NewSynthesizer(completer, nil, zerolog.Nop(), nil)

	for _, query := range []string{"any query", "another query", ""} {
		answer, err := synth.Synthesize(context.Background(), nil, query, nil)
		require.NoError(t, err)
		assert.True(t, answer.NoEvidence)
		assert.Equal(t, NoEvidenceText, answer.Text)
	}
	assert.Zero(t, completer.calls)
}

func TestSynthesizeBuildsEvidenceList(t *testing.T) {
	t.Parallel()

	completer := fixedCompleter("Yes. Paper [pA] reported a 12.4% mean weight reduction at 68 weeks.")
	synth := NewSynthesizer(completer, nil, zerolog.Nop(), nil)

	findings := []domain.Finding{
		{PaperID: "pA", Evidence: "12.4% mean weight reduction at 68 weeks"},
		{PaperID: "pB", Evidence: "improved glycemic control"},
	}

	answer, err := synth.Synthesize(context.Background(), findings, "effects of semaglutide on weight loss", nil)
	require.NoError(t, err)
	assert.False(t, answer.NoEvidence)
	assert.Contains(t, answer.Text, "12.4%")

	require.Len(t, completer.prompts, 1)
	assert.Contains(t, completer.prompts[0], "[pA] 12.4% mean weight reduction")
	assert.Contains(t, completer.prompts[0], "[pB] improved glycemic control")
	assert.Contains(t, completer.prompts[0], "yes, no, or unclear")
}

func TestSynthesizeTruncatesRepetition(t *testing.T) {
	t.Parallel()

	looped := "Yes, the evidence supports meaningful weight loss with semaglutide.\n" +
		"Paper [pA] reported a 12.4% reduction over 68 weeks of treatment.\n" +
		"Yes, the evidence supports meaningful weight loss with semaglutide.\n" +
		"Paper [pA] reported a 12.4% reduction over 68 weeks of treatment."
	synth := NewSynthesizer(fixedCompleter(looped), nil, zerolog.Nop(), nil)

	answer, err := synth.Synthesize(context.Background(), []domain.Finding{{PaperID: "pA", Evidence: "e"}}, "q", nil)
	require.NoError(t, err)
	assert.Equal(t,
		"Yes, the evidence supports meaningful weight loss with semaglutide.\n"+
			"Paper [pA] reported a 12.4% reduction over 68 weeks of treatment.",
		answer.Text)
}

func TestSynthesizeEmptyOutputIsError(t *testing.T) {
	t.Parallel()

	synth := NewSynthesizer(fixedCompleter("  \n "), nil, zerolog.Nop(), nil)

	_, err := synth.Synthesize(context.Background(), []domain.Finding{{PaperID: "pA", Evidence: "e"}}, "q", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInternalError)
}

func TestSynthesizePropagatesError(t *testing.T) {
	t.Parallel()

	failed := domain.NewUnavailableError("completion", 4, assert.AnError)
	completer := &fakeProgressCompleter{handler: func(llm.Request) (string, error) { return "", failed }}
	synth := NewSynthesizer(completer, nil, zerolog.Nop(), nil)

	_, err := synth.Synthesize(context.Background(), []domain.Finding{{PaperID: "pA", Evidence: "e"}}, "q", nil)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
