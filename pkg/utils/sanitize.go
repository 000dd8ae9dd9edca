package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// --- Filename Sanitization ---
var illegalNameChars = regexp.MustCompile(`[\\/:*?"<>|]`) // Characters stripped from archive and gallery names
const maxNameBytes = 251                                   // Leaves room for a 4 byte extension under the 255 byte limit

// ReplaceIllegalName removes characters that cannot appear in a filename, drops a single
// trailing dot and truncates the result to maxNameBytes without splitting a rune.
func ReplaceIllegalName(name string) string {
	cleaned := illegalNameChars.ReplaceAllString(name, "")
	if len(cleaned) > 1 && strings.HasSuffix(cleaned, ".") {
		cleaned = cleaned[:len(cleaned)-1]
	}
	return TruncateUTF8(cleaned, maxNameBytes)
}

// TruncateUTF8 cuts s to at most n bytes, backing off to the previous rune boundary.
func TruncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
