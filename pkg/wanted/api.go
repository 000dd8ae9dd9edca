package wanted

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/parse"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// Parameters sent with every book search unless the query overrides them.
var defaultAPIParams = map[string]string{
	"S":     "objectSearch",
	"match": "0",
	"order": "added",
	"flow":  "DESC",
}

// Language codes of DATA_LANGUAGE.
var bookLanguages = map[string]string{
	"1":  "unknown",
	"2":  "english",
	"3":  "japanese",
	"4":  "chinese",
	"5":  "korean",
	"6":  "french",
	"7":  "german",
	"8":  "spanish",
	"9":  "italian",
	"10": "russian",
}

// Scopes for LINKS item types; unlisted types keep their own name as scope.
var bookLinkScopes = map[string]string{
	"author": "artist",
	"circle": "group",
	"type":   "category",
	"":       "",
}

// QuotaStore keeps the daily query counter.
type QuotaStore interface {
	AttributeReader
	GetAttribute(ctx context.Context, provider, name string) (models.Attribute, bool, error)
	SetAttribute(ctx context.Context, attr models.Attribute) error
	GetOrCreateAttribute(ctx context.Context, def models.Attribute) (models.Attribute, error)
}

// APISource queries an XML book search API with a daily request quota.
type APISource struct {
	name      string
	cfg       config.ProviderConfig
	userAgent string
	fetcher   *fetch.Fetcher
	store     QuotaStore
	log       *logrus.Entry
	now       func() time.Time
}

// NewAPISource creates the source for the api provider configured under key.
func NewAPISource(key string, appCfg *config.AppConfig, f *fetch.Fetcher, store QuotaStore, log *logrus.Entry) *APISource {
	p := appCfg.Providers[key]
	return &APISource{
		name:      key,
		cfg:       p,
		userAgent: config.GetEffectiveUserAgent(p, *appCfg),
		fetcher:   f,
		store:     store,
		log:       log.WithFields(logrus.Fields{"component": "wanted_api", "provider": key}),
		now:       time.Now,
	}
}

func (s *APISource) Name() string { return s.name }

func (s *APISource) Queries(ctx context.Context) ([]*Query, error) {
	return LoadQueries(ctx, s.store, s.name)
}

// QueryURL builds <base>/api/<key>/?<params>. slist_<x> parameters are folded
// into a single "slist" value of x:value pairs joined with '|'.
func (s *APISource) QueryURL(q *Query) string {
	values := url.Values{}
	for k, v := range defaultAPIParams {
		values.Set(k, v)
	}
	var slist []string
	for k, v := range q.Params {
		if sub, ok := strings.CutPrefix(k, "slist_"); ok {
			slist = append(slist, sub+":"+v)
			continue
		}
		values.Set(k, v)
	}
	if len(slist) > 0 {
		sort.Strings(slist)
		values.Set("slist", strings.Join(slist, "|"))
	}
	values.Set("page", strconv.Itoa(q.Page))
	return fmt.Sprintf("%s/api/%s/?%s", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.APIKey, values.Encode())
}

// FetchPage spends one query of the daily quota and parses the answer.
func (s *APISource) FetchPage(ctx context.Context, q *Query) (*Page, error) {
	if err := s.takeQuota(ctx); err != nil {
		return nil, err
	}

	link := s.QueryURL(q)
	resp := s.fetcher.Get(ctx, link, fetch.UserAgentHeader(s.userAgent))
	if resp == nil {
		return nil, fmt.Errorf("%w: %s", utils.ErrRetryFailed, s.cfg.BaseURL)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: status %d", utils.ErrClientHTTPError, resp.StatusCode)
	}

	doc, err := parse.ParseBookList(resp.Body)
	if doc != nil {
		if remaining, ok := doc.RemainingQueries(); ok {
			if setErr := s.store.SetAttribute(ctx, models.NewIntAttribute(s.name, AttrRemainingQueries, remaining)); setErr != nil {
				return nil, setErr
			}
		}
	}
	if err != nil {
		return nil, err
	}

	page := &Page{Number: q.Page, URL: link, Records: make(map[string]*models.GalleryRecord, len(doc.Books))}
	for _, b := range doc.Books {
		rec := s.bookRecord(b)
		if _, dup := page.Records[rec.GID]; dup {
			continue
		}
		page.IDs = append(page.IDs, rec.GID)
		page.Records[rec.GID] = rec
	}
	return page, nil
}

// takeQuota resets the counter once a day and consumes one request from it.
func (s *APISource) takeQuota(ctx context.Context) error {
	now := s.now()
	remainingAttr, err := s.store.GetOrCreateAttribute(ctx, models.NewIntAttribute(s.name, AttrRemainingQueries, s.cfg.DailyRequests))
	if err != nil {
		return err
	}
	remaining := remainingAttr.Int(s.cfg.DailyRequests)

	last, found, err := s.store.GetAttribute(ctx, s.name, AttrLastQueryDate)
	if err != nil {
		return err
	}
	if found {
		if lastDate, ok := last.Time(); ok && QuotaResetDue(lastDate, now, s.cfg.QuotaResetUTCOffsetHours) {
			s.log.Infof("Quota reset passed since last query, restoring %d daily requests", s.cfg.DailyRequests)
			remaining = s.cfg.DailyRequests
		}
	}

	if remaining <= 0 {
		return fmt.Errorf("%w: %s", utils.ErrQuotaExhausted, s.name)
	}
	remaining--
	if err := s.store.SetAttribute(ctx, models.NewIntAttribute(s.name, AttrRemainingQueries, remaining)); err != nil {
		return err
	}
	return s.store.SetAttribute(ctx, models.NewDateAttribute(s.name, AttrLastQueryDate, now))
}

// QuotaResetDue reports whether the daily reset, midnight at the given UTC
// offset, happened after last and no later than now.
func QuotaResetDue(last, now time.Time, offsetHours int) bool {
	loc := time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*3600)
	local := now.In(loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return last.Before(cutoff) && !now.Before(cutoff)
}

func (s *APISource) Resolve(_ context.Context, _ *Query, page *Page, unseen []string) ([]Item, error) {
	items := make([]Item, 0, len(unseen))
	for _, id := range unseen {
		rec, ok := page.Records[id]
		if !ok {
			continue
		}
		items = append(items, recordItem(rec))
	}
	return items, nil
}

// NextPage advances while pages come back full.
func (s *APISource) NextPage(q *Query, page *Page) bool {
	if len(page.IDs) < s.cfg.PageSize {
		return false
	}
	if s.cfg.StopPage > 0 && q.Page >= s.cfg.StopPage {
		return false
	}
	q.Page++
	return true
}

func (s *APISource) bookRecord(b parse.Book) *models.GalleryRecord {
	rec := &models.GalleryRecord{
		GID:       b.ID,
		Provider:  s.name,
		Title:     strings.TrimSpace(b.NameEN),
		TitleJpn:  strings.TrimSpace(b.NameJP),
		Filecount: b.Pages(),
		Posted:    b.Released(),
	}
	if id, ok := b.NumericID(); ok {
		rec.Link = fmt.Sprintf("%s/book/%d", strings.TrimRight(s.cfg.BaseURL, "/"), id)
	}
	for _, l := range b.Links {
		name := strings.TrimSpace(l.NameEN)
		if name == "" {
			name = strings.TrimSpace(l.NameJP)
		}
		if name == "" {
			continue
		}
		scope, known := bookLinkScopes[l.Type]
		if !known {
			scope = l.Type
		}
		tag := name
		if scope != "" {
			tag = scope + ":" + name
		}
		if scope == "category" && rec.Category == "" {
			rec.Category = name
		}
		rec.Tags = append(rec.Tags, match.TranslateTag(tag))
	}
	if lang, ok := bookLanguages[strings.TrimSpace(b.DataLanguage)]; ok {
		rec.Tags = append(rec.Tags, "language:"+lang)
	}
	return rec
}
