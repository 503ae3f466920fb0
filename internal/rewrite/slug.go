package rewrite

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldAccents decomposes runes and drops combining marks ("carré" → "carre").
var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeSlug turns a size name into the slug form used in class tokens:
// lower case with accents folded. Runs of whitespace, dots and dashes
// collapse to one dash and any other rune outside [a-z0-9_] is dropped.
func NormalizeSlug(name string) string {
	s, _, err := transform.String(foldAccents, name)
	if err != nil {
		s = name
	}
	s = strings.ToLower(strings.TrimSpace(s))

	var buf strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			buf.WriteRune(r)
			lastDash = false
		case r == '-' || unicode.IsSpace(r) || r == '.':
			if !lastDash && buf.Len() > 0 {
				buf.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(buf.String(), "-")
}
