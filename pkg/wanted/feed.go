package wanted

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/parse"
	"github.com/pandabackup/panda-match/pkg/utils"
)

var (
	headerRe       = regexp.MustCompile(`(?s)【(.+)】(.*)`)
	headerDateRe   = regexp.MustCompile(`(\d+)/(\d+)`)
	titleArtistsRe = regexp.MustCompile(`(?s)^『(.+?)』は＜(.+)＞`)
	artistTitleRe  = regexp.MustCompile(`(?s)^(.+?)『(.+?)』`)
	artistHandleRe = regexp.MustCompile(`(?s)^(.+?)（@(.+?)）`)
)

// Book types announced by the artist『title』 form, keyed by their marker.
var announcedBookTypes = []struct {
	marker   string
	bookType string
}{
	{"最新刊", "new_publication"},
	{"初単行本", "first_book"},
	{"表紙が目印の", "magazine"},
}

// Announcement is a release announcement read from a feed post.
type Announcement struct {
	Title       string
	Artists     []models.Artist
	BookType    string
	Type        models.MentionType
	ReleaseDate *time.Time
}

// ParseAnnouncement reads a post of the form 【type】『title』は＜artist/artist＞ or
// 【type】artist『title』. The header decides the mention type: "M/D" is a release
// date (midnight UTC) in the posted year, 新刊情報 a new publication, 本日発売 out today and
// 明日発売 out tomorrow, later markers taking precedence.
func ParseAnnouncement(text string, posted time.Time) (*Announcement, bool) {
	m := headerRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	header, body := m[1], strings.TrimSpace(m[2])

	a := &Announcement{}
	if d := headerDateRe.FindStringSubmatch(header); d != nil {
		month, _ := strconv.Atoi(d[1])
		day, _ := strconv.Atoi(d[2])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			rd := time.Date(posted.Year(), time.Month(month), day, 0, 0, 0, 0, time.UTC)
			a.Type, a.ReleaseDate = models.MentionTypeReleaseDate, &rd
		}
	}
	if strings.Contains(header, "新刊情報") {
		rd := posted
		a.Type, a.ReleaseDate = models.MentionTypeNewPublication, &rd
	}
	if strings.Contains(header, "本日発売") {
		rd := posted
		a.Type, a.ReleaseDate = models.MentionTypeOutToday, &rd
	}
	if strings.Contains(header, "明日発売") {
		rd := posted.AddDate(0, 0, 1)
		a.Type, a.ReleaseDate = models.MentionTypeOutTomorrow, &rd
	}
	if a.Type == "" {
		return nil, false
	}

	if ta := titleArtistsRe.FindStringSubmatch(body); ta != nil {
		a.Title = fixTitle(ta[1])
		seen := make(map[string]bool)
		for _, raw := range strings.Split(strings.ReplaceAll(ta[2], "ほか", ""), "/") {
			raw = strings.TrimSpace(raw)
			if raw == "" || seen[raw] {
				continue
			}
			seen[raw] = true
			a.Artists = append(a.Artists, parseArtist(raw))
		}
		if len(a.Artists) > 1 {
			a.BookType = "magazine"
		}
		return a, true
	}

	if at := artistTitleRe.FindStringSubmatch(body); at != nil {
		artist := at[1]
		for _, bt := range announcedBookTypes {
			if !strings.Contains(artist, bt.marker) {
				continue
			}
			a.BookType = bt.bookType
			artist = strings.TrimSpace(strings.ReplaceAll(artist, bt.marker, ""))
			break
		}
		if a.BookType == "" {
			return nil, false
		}
		a.Title = fixTitle(at[2])
		if artist != "" {
			a.Artists = []models.Artist{parseArtist(artist)}
		}
		return a, true
	}
	return nil, false
}

func fixTitle(t string) string {
	return strings.TrimSpace(strings.ReplaceAll(t, "X-EROS#", "X-EROS #"))
}

// parseArtist splits "name（@handle）".
func parseArtist(raw string) models.Artist {
	if m := artistHandleRe.FindStringSubmatch(raw); m != nil {
		name := strings.TrimSpace(m[1])
		return models.Artist{Name: name, NameJpn: name, TwitterHandle: strings.TrimSpace(m[2])}
	}
	return models.Artist{Name: raw, NameJpn: raw}
}

// ProcessedStore records consumed feed posts.
type ProcessedStore interface {
	AttributeReader
	ProcessedSourceIDs(ctx context.Context, provider string, ids []string) (map[string]bool, error)
}

// FeedSource reads release announcements from an RSS feed.
type FeedSource struct {
	name      string
	cfg       config.ProviderConfig
	userAgent string
	fetcher   *fetch.Fetcher
	store     ProcessedStore
	log       *logrus.Entry
	now       func() time.Time
}

// NewFeedSource creates the source for the feed provider configured under key.
func NewFeedSource(key string, appCfg *config.AppConfig, f *fetch.Fetcher, store ProcessedStore, log *logrus.Entry) *FeedSource {
	p := appCfg.Providers[key]
	return &FeedSource{
		name:      key,
		cfg:       p,
		userAgent: config.GetEffectiveUserAgent(p, *appCfg),
		fetcher:   f,
		store:     store,
		log:       log.WithFields(logrus.Fields{"component": "wanted_feed", "provider": key}),
		now:       time.Now,
	}
}

func (s *FeedSource) Name() string { return s.name }

func (s *FeedSource) Queries(ctx context.Context) ([]*Query, error) {
	return LoadQueries(ctx, s.store, s.name)
}

// FeedURL resolves the query's subpath against base_url.
func (s *FeedSource) FeedURL(q *Query) string {
	return fetch.ResolveURL(strings.TrimRight(s.cfg.BaseURL, "/")+"/", strings.TrimLeft(q.Param("subpath"), "/"))
}

// Seen reports posts already recorded as processed links.
func (s *FeedSource) Seen(ctx context.Context, ids []string) (map[string]bool, error) {
	return s.store.ProcessedSourceIDs(ctx, s.name, ids)
}

func (s *FeedSource) FetchPage(ctx context.Context, q *Query) (*Page, error) {
	if q.Param("subpath") == "" {
		return nil, fmt.Errorf("%w: query %s has no subpath", utils.ErrConfigValidation, q.Name)
	}
	link := s.FeedURL(q)
	resp := s.fetcher.Get(ctx, link, fetch.UserAgentHeader(s.userAgent))
	if resp == nil {
		return nil, fmt.Errorf("%w: %s", utils.ErrRetryFailed, link)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %s: status %d", utils.ErrClientHTTPError, link, resp.StatusCode)
	}
	doc, err := parse.ParseRSS(resp.Body)
	if err != nil {
		return nil, err
	}

	fetched := s.now()
	page := &Page{Number: q.Page, URL: link, Posts: make(map[string]*Post, len(doc.Channel.Items))}
	for _, it := range doc.Channel.Items {
		id := it.SourceID()
		if id == "" {
			continue
		}
		if _, dup := page.Posts[id]; dup {
			continue
		}
		post := &Post{
			SourceID: id,
			Link:     strings.TrimSpace(it.Link),
			Title:    strings.TrimSpace(it.Title),
			Content:  strings.TrimSpace(it.Description),
			Posted:   fetched,
		}
		if p := it.Published(); p != nil {
			post.Posted = *p
		}
		page.IDs = append(page.IDs, id)
		page.Posts[id] = post
	}
	return page, nil
}

// Resolve turns new posts into announcement items. Posts that are not
// announcements are still returned so they get recorded as processed.
func (s *FeedSource) Resolve(_ context.Context, q *Query, page *Page, unseen []string) ([]Item, error) {
	publisher := q.Param("publisher")
	if publisher == "" {
		publisher = s.name
	}
	items := make([]Item, 0, len(unseen))
	for _, id := range unseen {
		post, ok := page.Posts[id]
		if !ok {
			continue
		}
		posted := post.Posted
		item := Item{
			ID: id,
			Processed: &models.ProcessedLink{
				SourceID: id,
				Provider: s.name,
				URL:      post.Link,
				Title:    post.Title,
				LinkDate: &posted,
				Content:  post.Content,
			},
		}
		a, ok := ParseAnnouncement(post.Title, post.Posted)
		if !ok {
			a, ok = ParseAnnouncement(post.Content, post.Posted)
		}
		if !ok {
			s.log.WithField("post", id).Debug("Post did not match an announcement pattern")
			items = append(items, item)
			continue
		}
		item.Title = a.Title
		item.TitleJpn = a.Title
		item.Publisher = publisher
		item.MatchPublisher = true
		item.BookType = a.BookType
		item.Artists = a.Artists
		item.Mention = models.Mention{
			MentionDate: post.Posted,
			ReleaseDate: a.ReleaseDate,
			Type:        a.Type,
			Source:      s.name,
			Comment:     post.Link,
		}
		items = append(items, item)
	}
	return items, nil
}

// NextPage is always false: a feed is a single page.
func (s *FeedSource) NextPage(*Query, *Page) bool { return false }
