// Package wanted crawls external providers for titles worth watching and turns
// them into wanted galleries and mentions in the catalog.
package wanted

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pandabackup/panda-match/pkg/models"
)

// Attribute name prefixes of the per-query settings stored for each provider.
const (
	ParamsPrefix          = "wanted_params_"
	ReasonPrefix          = "wanted_reason_"
	PublicPrefix          = "wanted_public_"
	ShouldSearchPrefix    = "wanted_should_search_"
	KeepSearchingPrefix   = "wanted_keep_searching_"
	NotifyWhenFoundPrefix = "wanted_notify_when_found_"
	ProviderPrefix        = "wanted_provider_"
	ProvidersPrefix       = "wanted_providers_"
	CategoryPrefix        = "wanted_category_"

	AttrForceProcess     = "force_process"
	AttrRemainingQueries = "remaining_queries"
	AttrLastQueryDate    = "last_query_date"
)

// Stop reasons reported per query in RunSummary and the crawl_stops metric.
const (
	StopLastPage   = "last_page"
	StopProcessed  = "already_processed"
	StopNoResponse = "no_response"
	StopEmpty      = "empty_page"
	StopParse      = "parse_error"
	StopQuota      = "quota_exhausted"
	StopConfig     = "bad_query"
	StopCancelled  = "cancelled"
	StopRobots     = "robots_disallowed"
)

// Query is one named search of a provider with its parameters and page cursor.
type Query struct {
	Name   string
	Params map[string]string
	Page   int
}

// Param returns a query parameter, "" when unset.
func (q *Query) Param(key string) string {
	if q.Params == nil {
		return ""
	}
	return q.Params[key]
}

// Page is one fetched listing page. IDs are in page order; Records holds whatever
// the listing already carried in full (api and feed sources).
type Page struct {
	Number  int
	URL     string
	IDs     []string
	Records map[string]*models.GalleryRecord
	Posts   map[string]*Post
}

// Post is a feed entry kept on the page until it is resolved.
type Post struct {
	SourceID string
	Link     string
	Title    string
	Content  string
	Posted   time.Time
}

// Item is one resolved element of a page, ready to be stored.
type Item struct {
	ID string
	// Record is upserted as a gallery when set.
	Record *models.GalleryRecord

	Title     string
	TitleJpn  string
	Publisher string
	// MatchPublisher narrows the wanted lookup to Publisher as well.
	MatchPublisher bool
	BookType       string
	PageCount      int
	Artists        []models.Artist

	Mention models.Mention
	// Processed is recorded once the item is stored.
	Processed *models.ProcessedLink
}

// Source is a provider adapter. Implementations only fetch and parse; the Crawler
// owns deduplication, storage and pacing.
type Source interface {
	Name() string
	Queries(ctx context.Context) ([]*Query, error)
	FetchPage(ctx context.Context, q *Query) (*Page, error)
	Resolve(ctx context.Context, q *Query, page *Page, unseen []string) ([]Item, error)
	NextPage(q *Query, page *Page) bool
}

// SeenChecker is implemented by sources that track known ids somewhere other than
// the provider's galleries.
type SeenChecker interface {
	Seen(ctx context.Context, ids []string) (map[string]bool, error)
}

// AttributeReader is the attribute part of the catalog sources read their queries from.
type AttributeReader interface {
	AttributesWithPrefix(ctx context.Context, provider, prefix string) ([]models.Attribute, error)
}

// RunSummary reports what one crawl of a source did.
type RunSummary struct {
	Provider      string            `json:"provider"`
	Pages         int               `json:"pages"`
	Galleries     int               `json:"galleries"`
	WantedCreated int               `json:"wanted_created"`
	Mentions      int               `json:"mentions_created"`
	Stops         map[string]string `json:"stops"` // query name -> stop reason
	Duration      time.Duration     `json:"duration"`
}

// LoadQueries groups wanted_params_<query>_<key> attributes into queries ordered
// by name, each starting at page 1 unless a "page" parameter says otherwise.
func LoadQueries(ctx context.Context, attrs AttributeReader, provider string) ([]*Query, error) {
	list, err := attrs.AttributesWithPrefix(ctx, provider, ParamsPrefix)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Query)
	for _, a := range list {
		rest := strings.TrimPrefix(a.Name, ParamsPrefix)
		name, key, ok := strings.Cut(rest, "_")
		if !ok || name == "" || key == "" {
			continue
		}
		q, exists := byName[name]
		if !exists {
			q = &Query{Name: name, Params: make(map[string]string), Page: 1}
			byName[name] = q
		}
		if key == "page" {
			if n := a.Int(1); n > 0 {
				q.Page = n
			}
			continue
		}
		q.Params[key] = a.Value
	}

	out := make([]*Query, 0, len(byName))
	for _, q := range byName {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// recordItem builds the item for a gallery-backed listing entry: the wanted
// gallery mirrors the record and the mention is dated by its posted date, so
// crawling the same gallery again never adds a second mention.
func recordItem(rec *models.GalleryRecord) Item {
	item := Item{
		ID:        rec.GID,
		Record:    rec,
		Title:     rec.Title,
		TitleJpn:  rec.TitleJpn,
		BookType:  rec.Category,
		PageCount: rec.Filecount,
		Mention: models.Mention{
			ReleaseDate: rec.Posted,
			Type:        models.MentionTypeReleaseDate,
			Source:      rec.Provider,
		},
	}
	if rec.Posted != nil {
		item.Mention.MentionDate = *rec.Posted
	}
	for _, raw := range rec.Tags {
		t := models.ParseTag(raw)
		if t.Scope == "publisher" && item.Publisher == "" {
			item.Publisher = t.Name
		}
	}
	for _, name := range rec.Artists() {
		item.Artists = append(item.Artists, models.Artist{Name: name})
	}
	return item
}
