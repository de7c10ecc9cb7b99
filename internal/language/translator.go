package language

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/llm"
	"github.com/clinagent/evidence-service/internal/observability"
)

const (
	toEnglishSystem = "You are a translation engine for medical questions. " +
		"Output ONLY the English translation text. No explanations."
	toJapaneseSystem = "You are a translation engine for medical answers. " +
		"Output ONLY the Japanese translation text. No explanations."
)

// Translator round-trips text through the completion endpoint. Every call is
// single-shot and best-effort: on any failure the original text is returned
// unchanged so the pipeline never blocks on translation.
type Translator struct {
	completer llm.Completer
	maxTokens int
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewTranslator creates a translator. completer should be a plain client
// without retry; translation is best-effort and never waits out a cold
// start. metrics may be nil.
func NewTranslator(completer llm.Completer, maxTokens int, logger zerolog.Logger, metrics *observability.Metrics) *Translator {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Translator{
		completer: completer,
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "translator").Logger(),
		metrics:   metrics,
	}
}

// ToEnglish translates a Japanese question to English for search and
// prompting. Text already free of Japanese script passes through untouched.
// Fail-open: if the call fails or the output still contains Japanese script,
// the original text is returned.
func (t *Translator) ToEnglish(ctx context.Context, text string) string {
	if !ContainsJapanese(text) {
		return text
	}

	out, err := t.completer.Complete(ctx, llm.Request{
		System:    toEnglishSystem,
		Prompt:    "Japanese: " + text + "\nEnglish:",
		MaxTokens: t.maxTokens,
	})
	if err != nil {
		t.fallback("to_english", err)
		return text
	}

	cleaned := cleanTranslation(out)
	if cleaned == "" || ContainsJapanese(cleaned) {
		t.fallback("to_english", nil)
		return text
	}
	return cleaned
}

// ToSource translates an English answer back to the query's source language.
// English queries need no translation. Fail-open: a failed call or output
// with no Japanese script at all returns the English answer unchanged.
func (t *Translator) ToSource(ctx context.Context, text string, lang domain.Language) string {
	if lang != domain.LanguageJapanese || text == "" {
		return text
	}

	out, err := t.completer.Complete(ctx, llm.Request{
		System:    toJapaneseSystem,
		Prompt:    "English: " + text + "\nJapanese:",
		MaxTokens: t.maxTokens,
	})
	if err != nil {
		t.fallback("to_source", err)
		return text
	}

	cleaned := cleanTranslation(out)
	if cleaned == "" || !ContainsJapanese(cleaned) {
		t.fallback("to_source", nil)
		return text
	}
	return cleaned
}

func (t *Translator) fallback(direction string, err error) {
	t.logger.Warn().Str("direction", direction).Err(err).Msg("translation failed open")
	if t.metrics != nil {
		t.metrics.TranslationFallbacks.WithLabelValues(direction).Inc()
	}
}

// cleanTranslation strips model boilerplate from a translation: it keeps the
// first non-empty line, removes label prefixes, and trims surrounding quotes.
func cleanTranslation(out string) string {
	line := firstNonEmptyLine(out)
	for _, prefix := range []string{"English:", "Japanese:", "Translation:", "訳:", "翻訳:"} {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			line = strings.TrimSpace(rest)
			break
		}
	}
	line = strings.Trim(line, `"'「」“”`)
	return strings.TrimSpace(line)
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
