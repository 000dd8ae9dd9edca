package wanted

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/parse"
	"github.com/pandabackup/panda-match/pkg/utils"
)

var digitsRe = regexp.MustCompile(`\d+`)

// listingRules is the parsed form of an html query's parameters.
type listingRules struct {
	subpath        string
	containerTag   string
	containerAttr  string
	containerValue *regexp.Regexp
	textLinks      bool
	linkTag        string
	linkAttr       string
	linkValue      *regexp.Regexp
	urlAttr        string
}

func parseListingRules(q *Query) (*listingRules, error) {
	r := &listingRules{
		subpath:       strings.Trim(q.Param("subpath"), "/"),
		containerTag:  q.Param("container_tag"),
		containerAttr: q.Param("container_attribute_name"),
		linkTag:       q.Param("link_tag"),
		linkAttr:      q.Param("link_attribute_name"),
		urlAttr:       q.Param("url_attribute_name"),
	}
	r.textLinks, _ = strconv.ParseBool(q.Param("link_attribute_get_text"))

	if r.subpath == "" {
		return nil, fmt.Errorf("%w: query %s has no subpath", utils.ErrConfigValidation, q.Name)
	}
	if r.containerTag == "" || r.containerAttr == "" || q.Param("container_attribute_value") == "" {
		return nil, fmt.Errorf("%w: query %s has no html container definition", utils.ErrConfigValidation, q.Name)
	}
	var err error
	if r.containerValue, err = regexp.Compile(q.Param("container_attribute_value")); err != nil {
		return nil, fmt.Errorf("%w: container_attribute_value: %w", utils.ErrInvalidPattern, err)
	}
	if r.textLinks {
		return r, nil
	}
	if r.linkTag == "" || r.linkAttr == "" || r.urlAttr == "" {
		return nil, fmt.Errorf("%w: query %s has no link container definition", utils.ErrConfigValidation, q.Name)
	}
	if r.linkValue, err = regexp.Compile(q.Param("link_attribute_value")); err != nil {
		return nil, fmt.Errorf("%w: link_attribute_value: %w", utils.ErrInvalidPattern, err)
	}
	return r, nil
}

// attrMatches tests an attribute against re. class is matched per class name.
func attrMatches(s *goquery.Selection, name string, re *regexp.Regexp) bool {
	v, ok := s.Attr(name)
	if !ok {
		return false
	}
	if name == "class" {
		for _, c := range strings.Fields(v) {
			if re.MatchString(c) {
				return true
			}
		}
		return false
	}
	return re.MatchString(v)
}

// HTMLSource scrapes paginated listing pages and the detail page of every new gallery.
type HTMLSource struct {
	name      string
	cfg       config.ProviderConfig
	userAgent string
	fetcher   *fetch.Fetcher
	robots    *fetch.RobotsHandler
	attrs     AttributeReader
	log       *logrus.Entry
}

// NewHTMLSource creates the source for the html provider configured under key.
// robots may be nil to skip robots.txt checks.
func NewHTMLSource(key string, appCfg *config.AppConfig, f *fetch.Fetcher, robots *fetch.RobotsHandler, attrs AttributeReader, log *logrus.Entry) *HTMLSource {
	p := appCfg.Providers[key]
	if !config.GetEffectiveRespectRobots(p) {
		robots = nil
	}
	return &HTMLSource{
		name:      key,
		cfg:       p,
		userAgent: config.GetEffectiveUserAgent(p, *appCfg),
		fetcher:   f,
		robots:    robots,
		attrs:     attrs,
		log:       log.WithFields(logrus.Fields{"component": "wanted_html", "provider": key}),
	}
}

func (s *HTMLSource) Name() string { return s.name }

func (s *HTMLSource) Queries(ctx context.Context) ([]*Query, error) {
	return LoadQueries(ctx, s.attrs, s.name)
}

// ListingURL returns <base_url>/<subpath>/page/<n>.
func (s *HTMLSource) ListingURL(subpath string, page int) string {
	return fmt.Sprintf("%s/%s/page/%d", strings.TrimRight(s.cfg.BaseURL, "/"), strings.Trim(subpath, "/"), page)
}

// get fetches a page after the robots.txt check.
func (s *HTMLSource) get(ctx context.Context, link string) (*fetch.Response, error) {
	if s.robots != nil {
		u, err := url.Parse(link)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", utils.ErrParsing, link, err)
		}
		if !s.robots.Allowed(ctx, u, s.userAgent) {
			return nil, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, link)
		}
	}
	resp := s.fetcher.Get(ctx, link, fetch.UserAgentHeader(s.userAgent))
	if resp == nil {
		return nil, fmt.Errorf("%w: %s", utils.ErrRetryFailed, link)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %s: status %d", utils.ErrClientHTTPError, link, resp.StatusCode)
	}
	return resp, nil
}

// FetchPage reads one listing page and extracts gallery ids from its containers.
func (s *HTMLSource) FetchPage(ctx context.Context, q *Query) (*Page, error) {
	rules, err := parseListingRules(q)
	if err != nil {
		return nil, err
	}
	link := s.ListingURL(rules.subpath, q.Page)
	resp, err := s.get(ctx, link)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", utils.ErrParsing, link, err)
	}

	page := &Page{Number: q.Page, URL: link}
	seen := make(map[string]bool)
	doc.Find(rules.containerTag).Each(func(_ int, container *goquery.Selection) {
		if !attrMatches(container, rules.containerAttr, rules.containerValue) {
			return
		}
		var href string
		if rules.textLinks {
			href = strings.TrimSpace(container.Text())
		} else {
			linkSel := container.Find(rules.linkTag).FilterFunction(func(_ int, sel *goquery.Selection) bool {
				return attrMatches(sel, rules.linkAttr, rules.linkValue)
			}).First()
			v, ok := linkSel.Attr(rules.urlAttr)
			if !ok {
				return
			}
			href = v
		}
		gid := parse.GIDFromLink(link, href)
		if gid == "" || seen[gid] {
			return
		}
		seen[gid] = true
		page.IDs = append(page.IDs, gid)
	})
	return page, nil
}

// Resolve fetches the detail page of each unseen gallery. Galleries that fail are
// logged and skipped; an error is returned only when none could be read.
func (s *HTMLSource) Resolve(ctx context.Context, _ *Query, page *Page, unseen []string) ([]Item, error) {
	var items []Item
	var lastErr error
	for _, gid := range unseen {
		if ctx.Err() != nil {
			return items, ctx.Err()
		}
		link := parse.DetailLink(s.cfg.BaseURL, gid)
		rec, err := s.fetchDetail(ctx, gid, link)
		if err != nil {
			s.log.WithField("url", link).Warnf("Could not read gallery: %v", err)
			lastErr = err
			continue
		}
		items = append(items, recordItem(rec))
	}
	if len(items) == 0 && lastErr != nil {
		return nil, fmt.Errorf("%w: page %d: no gallery could be read: %w", utils.ErrParsing, page.Number, lastErr)
	}
	return items, nil
}

func (s *HTMLSource) fetchDetail(ctx context.Context, gid, link string) (*models.GalleryRecord, error) {
	resp, err := s.get(ctx, link)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrParsing, err)
	}
	return ParseDetail(doc, s.cfg.DetailSelectors, gid, s.name, link)
}

// ParseDetail reads a gallery record from a detail page with the configured selectors.
func ParseDetail(doc *goquery.Document, sel config.DetailSelectors, gid, provider, link string) (*models.GalleryRecord, error) {
	text := func(selector string) string {
		if selector == "" {
			return ""
		}
		return strings.TrimSpace(doc.Find(selector).First().Text())
	}
	rec := &models.GalleryRecord{
		GID:      gid,
		Provider: provider,
		Link:     link,
		Title:    text(sel.Title),
		TitleJpn: text(sel.TitleJpn),
		Category: text(sel.Category),
	}
	if rec.Title == "" {
		return nil, fmt.Errorf("%w: title selector %q", utils.ErrSelectorNotFound, sel.Title)
	}
	if n := digitsRe.FindString(text(sel.Pages)); n != "" {
		rec.Filecount, _ = strconv.Atoi(n)
	}
	if raw := text(sel.Posted); raw != "" {
		layout := sel.PostedLayout
		if layout == "" {
			layout = "2006-01-02"
		}
		if t, err := time.Parse(layout, raw); err == nil {
			rec.Posted = &t
		}
	}
	if sel.Artists != "" {
		doc.Find(sel.Artists).Each(func(_ int, a *goquery.Selection) {
			if name := strings.TrimSpace(a.Text()); name != "" {
				rec.Tags = append(rec.Tags, match.TranslateTag("artist:"+name))
			}
		})
	}
	if sel.Tags != "" {
		doc.Find(sel.Tags).Each(func(_ int, t *goquery.Selection) {
			if tag := strings.TrimSpace(t.Text()); tag != "" {
				rec.Tags = append(rec.Tags, match.TranslateTag(tag))
			}
		})
	}
	if sel.Thumbnail != "" {
		img := doc.Find(sel.Thumbnail).First()
		src, ok := img.Attr("src")
		if !ok || src == "" {
			src, _ = img.Attr("data-src")
		}
		if src != "" {
			rec.ThumbnailURL = fetch.ResolveURL(link, src)
		}
	}
	return rec, nil
}

// NextPage keeps paging until stop_page, an empty page or a fully known page.
func (s *HTMLSource) NextPage(q *Query, _ *Page) bool {
	if s.cfg.StopPage > 0 && q.Page >= s.cfg.StopPage {
		return false
	}
	q.Page++
	return true
}
