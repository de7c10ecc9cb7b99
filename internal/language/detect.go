// Package language detects the script of user queries and round-trips text
// through the completion endpoint for Japanese/English translation.
package language

import "github.com/clinagent/evidence-service/internal/domain"

// ContainsJapanese reports whether s contains Hiragana, Katakana, or CJK
// ideograph code points.
func ContainsJapanese(s string) bool {
	for _, r := range s {
		switch {
		case r >= 0x3040 && r <= 0x309F: // Hiragana
			return true
		case r >= 0x30A0 && r <= 0x30FF: // Katakana
			return true
		case r >= 0x4E00 && r <= 0x9FFF: // CJK ideographs
			return true
		}
	}
	return false
}

// Detect classifies text as Japanese when any Japanese script is present,
// English otherwise. Purely local, no external calls.
func Detect(text string) domain.Language {
	if ContainsJapanese(text) {
		return domain.LanguageJapanese
	}
	return domain.LanguageEnglish
}
