package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanTitle(t *testing.T) {
	tests := []struct{ in, want string }{
		{"[Artist] Title (English)", "Title"},
		{"[Circle (Artist)] Some Title [Digital]", "Some Title "},
		{"My_Title", "MyTitle"},
		{"(C99) Title", "(C99) Title"},
		{"Plain", "Plain"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanTitle(tt.in))
		})
	}
}

func TestTitleFromPath(t *testing.T) {
	assert.Equal(t, "Some Title", TitleFromPath("galleries/dir/Some_Title.zip"))
	assert.Equal(t, "no ext", TitleFromPath("no_ext"))
	assert.Equal(t, "a.b", TitleFromPath("/x/a.b.cbz"))
}

func TestFormatTitleToWantedSearch(t *testing.T) {
	assert.Equal(t, "Comic Foo Bar 2024", FormatTitleToWantedSearch("Comic  Foo-Bar! 2024"))
	assert.Equal(t, "コミック快楽天 2024年5月号", FormatTitleToWantedSearch("コミック快楽天・2024年5月号"))
}

func TestTranslateTag(t *testing.T) {
	assert.Equal(t, "artist:foo_bar", TranslateTag("Artists:Foo Bar"))
	assert.Equal(t, "parody:original", TranslateTag("parodies:original"))
	assert.Equal(t, []string{"language:english", "group:x"}, TranslateTags([]string{"Languages:English", "groups:x"}))
}

func TestArtistFromTitle(t *testing.T) {
	assert.Equal(t, "Circle (Artist)", ArtistFromTitle("[Circle (Artist)] Title"))
	assert.Equal(t, "", ArtistFromTitle("Title [Tag]"))
}

func TestLikeMatch(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{LikePattern("foo bar"), "foo XYZ bar baz", true},
		{LikePattern("foo bar"), "bar foo", false},
		{LikePattern("foo bar"), "FOO BAR", true},
		{LikePattern("foo bar"), "foobar", true},
		{LikePattern("a"), "", false},
		{"abc", "abc", true},
		{"abc", "abcd", false},
		{"a%c", "abbbc", true},
		{"a%c", "abbbcd", false},
		{"%a_b%", "xa_bx", true},
		{"%a_b%", "xacbx", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.s, func(t *testing.T) {
			assert.Equal(t, tt.want, LikeMatch(tt.pattern, tt.s))
		})
	}
}
