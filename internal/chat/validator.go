package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/cinematch/chat-app/internal/apperr"
)

const (
	MaxMessageBytes = 8192 // 2000 four-byte runes
	MaxTextChars    = 2000 // max character count after trimming
)

// ValidateText trims surrounding whitespace and checks the result is valid
// UTF-8 of 1 to MaxTextChars characters with no NUL bytes. It returns the trimmed text.
func ValidateText(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", apperr.Invalid("message contains invalid UTF-8")
	}
	// Postgres text columns cannot hold NUL.
	if strings.IndexByte(text, 0) >= 0 {
		return "", apperr.Invalid("message contains a NUL character")
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", apperr.Invalid("message text is empty")
	}
	if len(trimmed) > MaxMessageBytes || utf8.RuneCountInString(trimmed) > MaxTextChars {
		return "", apperr.Invalid("message exceeds %d character limit", MaxTextChars)
	}
	return trimmed, nil
}
