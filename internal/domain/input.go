package domain

import "strings"

// TrimInput strips leading and trailing whitespace the way the browser's
// String.prototype.trim does: Unicode space separators, the ASCII controls
// \t \n \v \f \r, line and paragraph separators, and the byte order mark.
// Unlike strings.TrimSpace it keeps U+0085 and removes U+FEFF.
func TrimInput(s string) string {
	return strings.TrimFunc(s, isInputSpace)
}

func isInputSpace(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', ' ',
		'\u00a0', '\u1680', '\u2028', '\u2029', '\u202f', '\u205f', '\u3000', '\ufeff':
		return true
	}
	return r >= '\u2000' && r <= '\u200a'
}
