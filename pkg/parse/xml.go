package parse

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pandabackup/panda-match/pkg/utils"
)

// --- RSS 2.0 ---

// RSS is an <rss> document.
type RSS struct {
	XMLName xml.Name   `xml:"rss"`
	Channel RSSChannel `xml:"channel"`
}

// RSSChannel is the <channel> element.
type RSSChannel struct {
	Title string    `xml:"title"`
	Link  string    `xml:"link"`
	Items []RSSItem `xml:"item"`
}

// RSSItem is one <item> of a channel.
type RSSItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	GUID        string   `xml:"guid"`
	PubDate     string   `xml:"pubDate"`
	Description string   `xml:"description"`
	Categories  []string `xml:"category"`
	Enclosure   struct {
		URL  string `xml:"url,attr"`
		Type string `xml:"type,attr"`
	} `xml:"enclosure"`
}

var rssDateLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC3339, "Mon, 2 Jan 2006 15:04:05 -0700", "2006-01-02 15:04:05"}

// Published parses pubDate, returning nil when it is missing or malformed.
func (i RSSItem) Published() *time.Time {
	raw := strings.TrimSpace(i.PubDate)
	if raw == "" {
		return nil
	}
	for _, layout := range rssDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

// SourceID identifies the post: its guid, else its link.
func (i RSSItem) SourceID() string {
	if id := strings.TrimSpace(i.GUID); id != "" {
		return id
	}
	return strings.TrimSpace(i.Link)
}

// ParseRSS decodes an RSS 2.0 document.
func ParseRSS(data []byte) (*RSS, error) {
	var doc RSS
	if err := decodeXML(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: rss: %w", utils.ErrParsing, err)
	}
	return &doc, nil
}

// --- Book API ---

// BookList is the <LIST> answer of the book search API.
type BookList struct {
	XMLName xml.Name  `xml:"LIST"`
	Books   []Book    `xml:"BOOK"`
	User    *BookUser `xml:"USER"`
	Error   *struct {
		Code string `xml:"code,attr"`
		Text string `xml:",chardata"`
	} `xml:"ERROR"`
}

// BookUser carries the account state returned with each answer.
type BookUser struct {
	ID      string `xml:"id,attr"`
	Queries string `xml:"Queries"`
}

// RemainingQueries returns the server reported quota, ok false when absent.
func (l *BookList) RemainingQueries() (int, bool) {
	if l.User == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(l.User.Queries))
	return n, err == nil
}

// Book is one <BOOK> record.
type Book struct {
	ID           string     `xml:"ID,attr"`
	NameEN       string     `xml:"NAME_EN"`
	NameJP       string     `xml:"NAME_JP"`
	DataPages    string     `xml:"DATA_PAGES"`
	DateReleased string     `xml:"DATE_RELEASED"`
	DataLanguage string     `xml:"DATA_LANGUAGE"`
	Links        []BookLink `xml:"LINKS>ITEM"`
}

// BookLink is one linked object (author, circle, parody, content...) of a book.
type BookLink struct {
	Type   string `xml:"TYPE,attr"`
	NameEN string `xml:"NAME_EN"`
	NameJP string `xml:"NAME_JP"`
}

// NumericID strips the type prefix from the book id ("B1234" -> 1234).
func (b Book) NumericID() (int, bool) {
	n, err := strconv.Atoi(strings.TrimLeft(b.ID, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	return n, err == nil
}

// Pages returns DATA_PAGES, 0 when missing.
func (b Book) Pages() int {
	n, _ := strconv.Atoi(strings.TrimSpace(b.DataPages))
	return n
}

// Released parses DATE_RELEASED, treating any zero component as unknown.
func (b Book) Released() *time.Time {
	parts := strings.Split(strings.TrimSpace(b.DateReleased), "-")
	if len(parts) != 3 || parts[0] == "0000" || parts[1] == "00" || parts[2] == "00" {
		return nil
	}
	t, err := time.Parse("2006-01-02", strings.Join(parts, "-"))
	if err != nil {
		return nil
	}
	return &t
}

// ParseBookList decodes a book API answer. An <ERROR> element is reported as ErrParsing.
func ParseBookList(data []byte) (*BookList, error) {
	var doc BookList
	if err := decodeXML(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: book list: %w", utils.ErrParsing, err)
	}
	if doc.Error != nil {
		return &doc, fmt.Errorf("%w: book api error %s: %s", utils.ErrParsing, doc.Error.Code, strings.TrimSpace(doc.Error.Text))
	}
	return &doc, nil
}

// decodeXML is lenient: HTML entities are known and declared charsets are read as is.
func decodeXML(data []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	return dec.Decode(v)
}
