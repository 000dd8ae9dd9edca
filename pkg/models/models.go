package models

import (
	"strconv"
	"strings"
	"time"
)

// Tag is a (scope, name) descriptor. Its string form is "scope:name", or just "name"
// when the scope is empty.
type Tag struct {
	Scope string `json:"scope" yaml:"scope"`
	Name  string `json:"name" yaml:"name"`
}

func (t Tag) String() string {
	if t.Scope == "" {
		return t.Name
	}
	return t.Scope + ":" + t.Name
}

// ParseTag splits "scope:name" on the first colon.
func ParseTag(s string) Tag {
	s = strings.TrimSpace(s)
	if scope, name, ok := strings.Cut(s, ":"); ok {
		return Tag{Scope: scope, Name: name}
	}
	return Tag{Name: s}
}

// TagStrings renders tags in their "scope:name" form.
func TagStrings(tags []Tag) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.String())
	}
	return out
}

// Gallery is a remote catalog entry, unique by (GID, Provider).
type Gallery struct {
	ID            int64         `json:"id"`
	GID           string        `json:"gid"`
	Provider      string        `json:"provider"`
	Title         string        `json:"title"`
	TitleJpn      string        `json:"title_jpn"`
	Category      string        `json:"category"`
	Filecount     int           `json:"filecount"`
	Filesize      int64         `json:"filesize"`
	Posted        *time.Time    `json:"posted,omitempty"`
	Tags          []Tag         `json:"tags"`
	Status        GalleryStatus `json:"status"`
	Origin        GalleryOrigin `json:"origin"`
	Public        bool          `json:"public"`
	Hidden        bool          `json:"hidden"`
	Link          string        `json:"link"`
	ThumbnailURL  string        `json:"thumbnail_url"`
	ThumbnailPath string        `json:"thumbnail_path"`
	CreateDate    time.Time     `json:"create_date"`
}

// Archive is a locally held backup file, optionally linked to a Gallery.
type Archive struct {
	ID            int64     `json:"id"`
	Path          string    `json:"path"`
	Title         string    `json:"title"`
	CRC32         string    `json:"crc32"`
	Filesize      int64     `json:"filesize"`
	Filecount     int       `json:"filecount"`
	MatchType     string    `json:"match_type"`
	GalleryID     *int64    `json:"gallery_id,omitempty"`
	Public        bool      `json:"public"`
	ThumbnailPath string    `json:"thumbnail_path"`
	CreateDate    time.Time `json:"create_date"`
}

// Image is one page inside an Archive. Position is 1-based.
type Image struct {
	ID        int64  `json:"id"`
	ArchiveID int64  `json:"archive_id"`
	Position  int    `json:"position"`
	Name      string `json:"name"`
	SHA1      string `json:"sha1"`
}

// Provider identifies a content source by slug.
type Provider struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Artist struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	NameJpn       string `json:"name_jpn"`
	TwitterHandle string `json:"twitter_handle"`
}

// WantedGallery is a standing search filter plus the tracking state of a title
// the system is looking for.
type WantedGallery struct {
	ID                          int64         `json:"id"`
	Title                       string        `json:"title"`
	TitleJpn                    string        `json:"title_jpn"`
	SearchTitle                 string        `json:"search_title"`
	UnwantedTitle               string        `json:"unwanted_title"`
	RegexpSearchTitle           bool          `json:"regexp_search_title"`
	RegexpSearchTitleIcase      bool          `json:"regexp_search_title_icase"`
	RegexpUnwantedTitle         bool          `json:"regexp_unwanted_title"`
	RegexpUnwantedTitleIcase    bool          `json:"regexp_unwanted_title_icase"`
	WantedTags                  []Tag         `json:"wanted_tags"`
	UnwantedTags                []Tag         `json:"unwanted_tags"`
	WantedTagsExclusiveScope    bool          `json:"wanted_tags_exclusive_scope"`
	ExclusiveScopeName          string        `json:"exclusive_scope_name"`
	WantedTagsAcceptIfNoneScope string        `json:"wanted_tags_accept_if_none_scope"`
	WantedPageCountLower        int           `json:"wanted_page_count_lower"`
	WantedPageCountUpper        int           `json:"wanted_page_count_upper"`
	Category                    string        `json:"category"`
	Categories                  []string      `json:"categories"`
	Provider                    string        `json:"provider"`
	WantedProviders             []string      `json:"wanted_providers"`
	UnwantedProviders           []string      `json:"unwanted_providers"`
	WaitForTime                 time.Duration `json:"wait_for_time"`
	ShouldSearch                bool          `json:"should_search"`
	KeepSearching               bool          `json:"keep_searching"`
	Found                       bool          `json:"found"`
	DateFound                   *time.Time    `json:"date_found,omitempty"`
	ReleaseDate                 *time.Time    `json:"release_date,omitempty"`
	RestrictedToLinks           bool          `json:"restricted_to_links"`
	NotifyWhenFound             bool          `json:"notify_when_found"`
	Public                      bool          `json:"public"`
	Reason                      string        `json:"reason"`
	BookType                    string        `json:"book_type"`
	Publisher                   string        `json:"publisher"`
	PageCount                   int           `json:"page_count"`
	Artists                     []Artist      `json:"artists"`
	CreateDate                  time.Time     `json:"create_date"`
}

// State reports where the wanted gallery sits in its search lifecycle.
func (w *WantedGallery) State() WantedState {
	switch {
	case w.Found && w.KeepSearching:
		return WantedStateFoundKeepSearching
	case w.Found:
		return WantedStateFoundDone
	case w.ShouldSearch:
		return WantedStateSearching
	}
	return WantedStateIdle
}

// EligibleToSearch mirrors the catalog's eligible_to_search filter for a single row.
func (w *WantedGallery) EligibleToSearch(now time.Time) bool {
	if w.ReleaseDate != nil && w.ReleaseDate.After(now) {
		return false
	}
	if !w.ShouldSearch || w.RestrictedToLinks {
		return false
	}
	return !w.Found || w.KeepSearching
}

// GalleryMatch is a candidate, unconfirmed association between a wanted entry and a gallery.
type GalleryMatch struct {
	WantedID  int64   `json:"wanted_id"`
	GalleryID int64   `json:"gallery_id"`
	Accuracy  float64 `json:"match_accuracy"`
}

// FoundGallery is a confirmed association between a wanted entry and a gallery.
type FoundGallery struct {
	ID         int64     `json:"id"`
	WantedID   int64     `json:"wanted_id"`
	GalleryID  int64     `json:"gallery_id"`
	CreateDate time.Time `json:"create_date"`
}

// Mention is an external reference to a wanted title.
type Mention struct {
	ID            int64       `json:"id"`
	WantedID      int64       `json:"wanted_id"`
	MentionDate   time.Time   `json:"mention_date"`
	ReleaseDate   *time.Time  `json:"release_date,omitempty"`
	Type          MentionType `json:"type"`
	Source        string      `json:"source"`
	Comment       string      `json:"comment"`
	ThumbnailPath string      `json:"thumbnail_path"`
}

// ArchiveMatch is a candidate association between an archive and a gallery.
type ArchiveMatch struct {
	ArchiveID int64   `json:"archive_id"`
	GalleryID int64   `json:"gallery_id"`
	MatchType string  `json:"match_type"`
	Accuracy  float64 `json:"match_accuracy"`
}

// Attribute is a provider scoped key/value record holding query parameters and
// crawl cursors. Value is kept in its text form; Kind records how to read it.
type Attribute struct {
	Provider string        `json:"provider"`
	Name     string        `json:"name"`
	Kind     AttributeKind `json:"kind"`
	Value    string        `json:"value"`
}

// GalleryRecord is the normalized shape every scraping adapter produces.
type GalleryRecord struct {
	GID          string     `json:"gid"`
	Provider     string     `json:"provider"`
	Title        string     `json:"title"`
	TitleJpn     string     `json:"title_jpn"`
	Link         string     `json:"link"`
	Posted       *time.Time `json:"pub_date,omitempty"`
	ThumbnailURL string     `json:"image_url"`
	Tags         []string   `json:"tags"`
	Category     string     `json:"category"`
	Filecount    int        `json:"page_count"`
	Filesize     int64      `json:"filesize"`
	Comment      string     `json:"comment"`
}

// Artists returns the names of the record's artist-scoped tags.
func (r *GalleryRecord) Artists() []string {
	var out []string
	for _, raw := range r.Tags {
		t := ParseTag(raw)
		if t.Scope == "artist" && t.Name != "" {
			out = append(out, t.Name)
		}
	}
	return out
}

// ToGallery converts a scraped record into a catalog gallery with normal status.
func (r *GalleryRecord) ToGallery() *Gallery {
	tags := make([]Tag, 0, len(r.Tags))
	for _, raw := range r.Tags {
		if raw == "" {
			continue
		}
		tags = append(tags, ParseTag(raw))
	}
	return &Gallery{
		GID:          r.GID,
		Provider:     r.Provider,
		Title:        r.Title,
		TitleJpn:     r.TitleJpn,
		Category:     r.Category,
		Filecount:    r.Filecount,
		Filesize:     r.Filesize,
		Posted:       r.Posted,
		Tags:         tags,
		Status:       GalleryStatusNormal,
		Origin:       GalleryOriginNormal,
		Link:         r.Link,
		ThumbnailURL: r.ThumbnailURL,
	}
}

// ProcessedLink records a feed post that has already been consumed.
type ProcessedLink struct {
	SourceID string     `json:"source_id"`
	Provider string     `json:"provider"`
	URL      string     `json:"url"`
	Title    string     `json:"title"`
	LinkDate *time.Time `json:"link_date,omitempty"`
	Content  string     `json:"content"`
}

// Int reads the attribute as an integer, returning def when it does not parse.
func (a Attribute) Int(def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(a.Value))
	if err != nil {
		return def
	}
	return n
}

// Bool reads the attribute as a boolean, returning def when it does not parse.
func (a Attribute) Bool(def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(a.Value))
	if err != nil {
		return def
	}
	return b
}

// Time reads a date attribute stored in RFC 3339 form.
func (a Attribute) Time() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(a.Value))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// NewIntAttribute builds an int attribute.
func NewIntAttribute(provider, name string, v int) Attribute {
	return Attribute{Provider: provider, Name: name, Kind: AttributeKindInt, Value: strconv.Itoa(v)}
}

// NewBoolAttribute builds a bool attribute.
func NewBoolAttribute(provider, name string, v bool) Attribute {
	return Attribute{Provider: provider, Name: name, Kind: AttributeKindBool, Value: strconv.FormatBool(v)}
}

// NewDateAttribute builds a date attribute in UTC.
func NewDateAttribute(provider, name string, v time.Time) Attribute {
	return Attribute{Provider: provider, Name: name, Kind: AttributeKindDate, Value: v.UTC().Format(time.RFC3339Nano)}
}

// NewStringAttribute builds a string attribute.
func NewStringAttribute(provider, name, v string) Attribute {
	return Attribute{Provider: provider, Name: name, Kind: AttributeKindString, Value: v}
}
