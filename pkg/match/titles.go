package match

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	bracketGroupRe   = regexp.MustCompile(`\[.+?\]\s*`)
	trailingParensRe = regexp.MustCompile(`\s+\(.+?\)$`)
	nonWordRe        = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_]`)
	spacesRe         = regexp.MustCompile(`\s+`)
)

// CleanTitle drops bracketed groups, a trailing parenthesised group and underscores
// so titles from different sources compare on their core words.
func CleanTitle(title string) string {
	t := bracketGroupRe.ReplaceAllString(title, "")
	t = trailingParensRe.ReplaceAllString(t, "")
	return strings.ReplaceAll(t, "_", "")
}

// TitleFromPath turns "dir/Some_Title.zip" into "Some Title".
func TitleFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(base, "_", " ")
}

// FormatTitleToWantedSearch reduces a title to words separated by single spaces.
func FormatTitleToWantedSearch(title string) string {
	t := nonWordRe.ReplaceAllString(title, " ")
	return spacesRe.ReplaceAllString(t, " ")
}

var scopeFixups = strings.NewReplacer(
	"characters:", "character:",
	"artists:", "artist:",
	"groups:", "group:",
	"parodies:", "parody:",
	"languages:", "language:",
)

// TranslateTag normalizes a provider tag string into "scope:name" form.
func TranslateTag(tag string) string {
	tag = strings.ReplaceAll(strings.ToLower(tag), " ", "_")
	return scopeFixups.Replace(tag)
}

// TranslateTags applies TranslateTag to every element, in place.
func TranslateTags(tags []string) []string {
	for i := range tags {
		tags[i] = TranslateTag(tags[i])
	}
	return tags
}

// ArtistFromTitle returns the leading "[...]" group of a title, if any.
func ArtistFromTitle(title string) string {
	if loc := bracketGroupRe.FindStringIndex(title); loc != nil && loc[0] == 0 {
		inner := strings.TrimSpace(title[loc[0]:loc[1]])
		return strings.TrimSuffix(strings.TrimPrefix(inner, "["), "]")
	}
	return ""
}
