package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandabackup/panda-match/pkg/utils"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
  <title>Announcements</title>
  <item>
    <title>【2/25発売】『Comic Example 4月号』は＜Artist A/Artist B＞</title>
    <link>https://news.example/post/1</link>
    <guid>post-1</guid>
    <pubDate>Tue, 20 Feb 2024 10:00:00 +0900</pubDate>
    <category>comic</category>
    <enclosure url="https://news.example/cover1.jpg" type="image/jpeg"/>
  </item>
  <item>
    <title>No guid &amp; no date</title>
    <link>https://news.example/post/2</link>
  </item>
</channel></rss>`

func TestParseRSS(t *testing.T) {
	doc, err := ParseRSS([]byte(sampleFeed))
	require.NoError(t, err)
	require.Len(t, doc.Channel.Items, 2)

	first := doc.Channel.Items[0]
	assert.Equal(t, "post-1", first.SourceID())
	assert.Equal(t, "https://news.example/cover1.jpg", first.Enclosure.URL)
	assert.Equal(t, []string{"comic"}, first.Categories)
	require.NotNil(t, first.Published())
	assert.Equal(t, time.Date(2024, 2, 20, 1, 0, 0, 0, time.UTC), first.Published().UTC())

	second := doc.Channel.Items[1]
	assert.Equal(t, "No guid & no date", second.Title)
	assert.Equal(t, "https://news.example/post/2", second.SourceID())
	assert.Nil(t, second.Published())
}

func TestParseRSS_Garbage(t *testing.T) {
	_, err := ParseRSS([]byte("not xml at all"))
	assert.ErrorIs(t, err, utils.ErrParsing)
}

const sampleBooks = `<?xml version="1.0" encoding="UTF-8"?>
<LIST>
  <BOOK ID="B1234">
    <NAME_EN>Summer Story</NAME_EN>
    <NAME_JP>夏の物語</NAME_JP>
    <DATA_PAGES>28</DATA_PAGES>
    <DATE_RELEASED>2024-08-11</DATE_RELEASED>
    <DATA_LANGUAGE>3</DATA_LANGUAGE>
    <LINKS>
      <ITEM TYPE="author"><NAME_EN>Some Artist</NAME_EN></ITEM>
      <ITEM TYPE="type"><NAME_EN>Doujinshi</NAME_EN></ITEM>
      <ITEM TYPE=""><NAME_EN>Swimsuit</NAME_EN></ITEM>
    </LINKS>
  </BOOK>
  <BOOK ID="B99">
    <NAME_EN></NAME_EN>
    <NAME_JP>未定</NAME_JP>
    <DATA_PAGES></DATA_PAGES>
    <DATE_RELEASED>2024-00-00</DATE_RELEASED>
  </BOOK>
  <USER id="U1"><Queries>187</Queries></USER>
</LIST>`

func TestParseBookList(t *testing.T) {
	doc, err := ParseBookList([]byte(sampleBooks))
	require.NoError(t, err)
	require.Len(t, doc.Books, 2)

	remaining, ok := doc.RemainingQueries()
	assert.True(t, ok)
	assert.Equal(t, 187, remaining)

	b := doc.Books[0]
	id, ok := b.NumericID()
	assert.True(t, ok)
	assert.Equal(t, 1234, id)
	assert.Equal(t, 28, b.Pages())
	require.NotNil(t, b.Released())
	assert.Equal(t, "2024-08-11", b.Released().Format("2006-01-02"))
	require.Len(t, b.Links, 3)
	assert.Equal(t, "author", b.Links[0].Type)
	assert.Equal(t, "", b.Links[2].Type)

	undated := doc.Books[1]
	assert.Nil(t, undated.Released())
	assert.Equal(t, 0, undated.Pages())
}

func TestParseBookList_Error(t *testing.T) {
	doc, err := ParseBookList([]byte(`<LIST><ERROR code="2">Wrong key</ERROR></LIST>`))
	assert.ErrorIs(t, err, utils.ErrParsing)
	require.NotNil(t, doc)
	assert.Empty(t, doc.Books)
	_, ok := doc.RemainingQueries()
	assert.False(t, ok)
}
