package domain

import (
	"fmt"
	"strings"
)

// Normalize turns a line URI or dialled number into the stored E.164 form:
// no "tel:" prefix, no separators, a leading "+", and an optional lower-case
// ";ext=" suffix. Normalizing a normalized number returns it unchanged.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 4 && strings.EqualFold(s[:4], "tel:") {
		s = s[4:]
	}

	var ext string
	if i := strings.Index(strings.ToLower(s), ";ext="); i >= 0 {
		ext = strings.TrimSpace(s[i+len(";ext="):])
		s = s[:i]
		if ext == "" || !allDigits(ext) {
			return "", fmt.Errorf("%w: bad extension in %q", ErrInvalidNumber, raw)
		}
	}

	var b strings.Builder
	b.WriteByte('+')
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ', r == '-', r == '.', r == '(', r == ')':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
		}
	}
	digits := b.Len() - 1
	if digits < 3 || digits > 15 {
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalidNumber, raw, digits)
	}
	if ext != "" {
		b.WriteString(";ext=")
		b.WriteString(ext)
	}
	return b.String(), nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
