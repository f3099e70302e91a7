// Package hscode canonicalizes hierarchical commodity classification codes.
//
// Codes are right-padded: the leftmost digits carry the chapter, heading and
// subheading, so padding on the right keeps a short code inside its parent
// groups while padding on the left would move it into a different chapter.
// Fact codes and reference-table codes go through the same Normalize, so their
// prefixes always join.
package hscode

import (
	"strings"

	"tradeunify/internal/model"
)

const Width = model.CodeWidth

// Levels lists the hierarchy levels, most general first.
var Levels = []int{2, 4, 6, 8, 10}

// Normalize strips non-digits and leading zeros, right-pads with zeros to
// Width and truncates overflow. It never fails; unparseable input becomes all
// zeros. Leading zeros are dropped the way an integer code would lose them,
// so "0000870421" and "870421" land on the same code.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(Width)
	for _, r := range raw {
		if r < '0' || r > '9' {
			continue
		}
		if r == '0' && b.Len() == 0 {
			continue
		}
		if b.Len() == Width {
			break
		}
		b.WriteRune(r)
	}
	digits := b.String()
	if digits == "" {
		digits = "0"
	}
	if len(digits) < Width {
		digits += strings.Repeat("0", Width-len(digits))
	}
	return digits
}

// Prefix returns the first level characters of the normalized code.
func Prefix(code string, level int) string {
	code = Normalize(code)
	if level <= 0 {
		return ""
	}
	if level >= Width {
		return code
	}
	return code[:level]
}

// Prefixes returns the 2, 4, 6 and 8 character prefixes.
func Prefixes(code string) [4]string {
	code = Normalize(code)
	return [4]string{code[:2], code[:4], code[:6], code[:8]}
}

// ValidLevel reports whether level is one of Levels.
func ValidLevel(level int) bool {
	for _, l := range Levels {
		if l == level {
			return true
		}
	}
	return false
}
