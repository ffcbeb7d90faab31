package mapper

import (
	"strings"

	"golang.org/x/text/width"
)

// NormalizePhone folds full-width characters to ASCII, strips separators and
// rewrites the +81 country prefix to a domestic leading 0. Applying it twice
// yields the same result as applying it once. Input without any digits is
// returned trimmed but otherwise untouched.
func NormalizePhone(tel string) string {
	s := strings.TrimSpace(width.Narrow.String(tel))
	if s == "" {
		return ""
	}

	var b strings.Builder
	plus := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			plus = true
		}
	}
	digits := b.String()
	if digits == "" {
		return s
	}

	if plus {
		if strings.HasPrefix(digits, "81") {
			return "0" + strings.TrimPrefix(digits[2:], "0")
		}
		return "+" + digits
	}
	return digits
}
