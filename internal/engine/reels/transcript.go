package reels

import (
	"strings"
	"unicode/utf8"
)

// minTranscriptRunes is the shortest text accepted as recognised speech.
const minTranscriptRunes = 11

// placeholderMarkers are caption credits and filler speech models emit on silent
// or music-only audio.
var placeholderMarkers = []string{
	"Субтитры делал",
	"Субтитры сделал",
	"Субтитры добавил",
	"Субтитры подготовил",
	"Спасибо за субтитры",
	"Редактор субтитров",
	"ПОДПИШИСЬ",
	"С вами был",
	"Один, два, три",
	"Фристайлер",
}

// placeholderPrefixes mark stub text written in place of a transcript.
var placeholderPrefixes = []string{
	"[Автоматически сгенерированная транскрипция",
}

// IsRealTranscript reports whether text looks like recognised speech rather than
// an empty result or a known placeholder.
func IsRealTranscript(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minTranscriptRunes {
		return false
	}
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(text, p) {
			return false
		}
	}
	for _, m := range placeholderMarkers {
		if strings.Contains(text, m) {
			return false
		}
	}
	return true
}
