package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxDraftRunes bounds the length of a draft.
const MaxDraftRunes = 4000

// ValidateDraft validates draft text and its cursor.
func ValidateDraft(value string, cursor int) error {
	if !utf8.ValidString(value) {
		return errors.New("draft must be valid UTF-8")
	}
	n := utf8.RuneCountInString(value)
	if n > MaxDraftRunes {
		return errors.New("draft exceeds maximum length")
	}
	if cursor < 0 || cursor > n {
		return errors.New("cursor out of range")
	}
	return nil
}

// ValidateID validates a conversation, message or user id.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("id exceeds maximum length")
	}
	if strings.ContainsAny(id, ".*> \t\r\n") {
		return errors.New("id contains invalid characters")
	}
	return nil
}
