// Package textutil normalises free text captured from callers before it is persisted.
package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNoteLength bounds history notes, cancel reasons and movement notes.
const MaxNoteLength = 1000

var notePolicy = bluemonday.StrictPolicy()

// SanitizeNote strips markup, collapses whitespace and truncates to MaxNoteLength runes.
func SanitizeNote(value string) string {
	cleaned := html.UnescapeString(notePolicy.Sanitize(value))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) <= MaxNoteLength {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:MaxNoteLength])
}

// NormalizeStringMap trims keys and values, removing entries with empty keys or values.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		trimmedValue := strings.TrimSpace(value)
		if trimmedKey == "" || trimmedValue == "" {
			continue
		}
		result[trimmedKey] = trimmedValue
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
