package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// importFile is the YAML layout accepted by the import subcommand.
type importFile struct {
	Galleries []importGallery `yaml:"galleries"`
	Archives  []importArchive `yaml:"archives"`
	Wanted    []importWanted  `yaml:"wanted"`
}

type importGallery struct {
	GID          string   `yaml:"gid"`
	Provider     string   `yaml:"provider"`
	Title        string   `yaml:"title"`
	TitleJpn     string   `yaml:"title_jpn"`
	Link         string   `yaml:"link"`
	Posted       string   `yaml:"posted"` // YYYY-MM-DD
	ThumbnailURL string   `yaml:"thumbnail_url"`
	Tags         []string `yaml:"tags"`
	Category     string   `yaml:"category"`
	Filecount    int      `yaml:"filecount"`
	Filesize     int64    `yaml:"filesize"`
	Comment      string   `yaml:"comment"`
}

type importArchive struct {
	Path   string `yaml:"path"`
	Title  string `yaml:"title"`
	Public bool   `yaml:"public"`
}

type importWanted struct {
	Title                    string   `yaml:"title"`
	TitleJpn                 string   `yaml:"title_jpn"`
	SearchTitle              string   `yaml:"search_title"`
	RegexpSearchTitle        bool     `yaml:"regexp_search_title"`
	RegexpSearchTitleIcase   bool     `yaml:"regexp_search_title_icase"`
	UnwantedTitle            string   `yaml:"unwanted_title"`
	RegexpUnwantedTitle      bool     `yaml:"regexp_unwanted_title"`
	RegexpUnwantedTitleIcase bool     `yaml:"regexp_unwanted_title_icase"`
	WantedTags               []string `yaml:"wanted_tags"`
	UnwantedTags             []string `yaml:"unwanted_tags"`
	ExclusiveScope           bool     `yaml:"wanted_tags_exclusive_scope"`
	ExclusiveScopeName       string   `yaml:"exclusive_scope_name"`
	AcceptIfNoneScope        string   `yaml:"wanted_tags_accept_if_none_scope"`
	PageCountLower           int      `yaml:"wanted_page_count_lower"`
	PageCountUpper           int      `yaml:"wanted_page_count_upper"`
	Category                 string   `yaml:"category"`
	Categories               []string `yaml:"categories"`
	Provider                 string   `yaml:"provider"`
	WantedProviders          []string `yaml:"wanted_providers"`
	UnwantedProviders        []string `yaml:"unwanted_providers"`
	WaitForTime              string   `yaml:"wait_for_time"`
	ShouldSearch             *bool    `yaml:"should_search"`
	KeepSearching            bool     `yaml:"keep_searching"`
	ReleaseDate              string   `yaml:"release_date"` // YYYY-MM-DD
	NotifyWhenFound          bool     `yaml:"notify_when_found"`
	Public                   bool     `yaml:"public"`
	Reason                   string   `yaml:"reason"`
	BookType                 string   `yaml:"book_type"`
	Publisher                string   `yaml:"publisher"`
	PageCount                int      `yaml:"page_count"`
	Artists                  []string `yaml:"artists"`
}

// ImportReport counts what an import created.
type ImportReport struct {
	GalleriesCreated int
	GalleriesUpdated int
	ArchivesCreated  int
	WantedCreated    int
	WantedExisting   int
}

const dateLayout = "2006-01-02"

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("%w: date '%s': %w", utils.ErrParsing, s, err)
	}
	return &t, nil
}

func parseTags(raw []string) []models.Tag {
	var tags []models.Tag
	for _, s := range raw {
		if strings.TrimSpace(s) == "" {
			continue
		}
		tags = append(tags, models.ParseTag(s))
	}
	return tags
}

func (g importGallery) record() (*models.GalleryRecord, error) {
	posted, err := parseDate(g.Posted)
	if err != nil {
		return nil, err
	}
	return &models.GalleryRecord{
		GID:          g.GID,
		Provider:     g.Provider,
		Title:        g.Title,
		TitleJpn:     g.TitleJpn,
		Link:         g.Link,
		Posted:       posted,
		ThumbnailURL: g.ThumbnailURL,
		Tags:         g.Tags,
		Category:     g.Category,
		Filecount:    g.Filecount,
		Filesize:     g.Filesize,
		Comment:      g.Comment,
	}, nil
}

// wanted builds the wanted gallery and the key it is deduplicated on. A missing
// search_title is derived from the title.
func (w importWanted) wanted() (*models.WantedGallery, catalog.WantedKey, error) {
	var key catalog.WantedKey
	if w.Title == "" && w.TitleJpn == "" {
		return nil, key, fmt.Errorf("%w: wanted entry needs title or title_jpn", utils.ErrConfigValidation)
	}
	release, err := parseDate(w.ReleaseDate)
	if err != nil {
		return nil, key, err
	}
	var wait time.Duration
	if w.WaitForTime != "" {
		if wait, err = time.ParseDuration(w.WaitForTime); err != nil {
			return nil, key, fmt.Errorf("%w: wait_for_time '%s': %w", utils.ErrParsing, w.WaitForTime, err)
		}
	}

	searchTitle := w.SearchTitle
	if searchTitle == "" {
		title := w.Title
		if title == "" {
			title = w.TitleJpn
		}
		searchTitle = match.FormatTitleToWantedSearch(title)
	}
	shouldSearch := true
	if w.ShouldSearch != nil {
		shouldSearch = *w.ShouldSearch
	}

	wg := &models.WantedGallery{
		Title:                       w.Title,
		TitleJpn:                    w.TitleJpn,
		SearchTitle:                 searchTitle,
		RegexpSearchTitle:           w.RegexpSearchTitle,
		RegexpSearchTitleIcase:      w.RegexpSearchTitleIcase,
		UnwantedTitle:               w.UnwantedTitle,
		RegexpUnwantedTitle:         w.RegexpUnwantedTitle,
		RegexpUnwantedTitleIcase:    w.RegexpUnwantedTitleIcase,
		WantedTags:                  parseTags(w.WantedTags),
		UnwantedTags:                parseTags(w.UnwantedTags),
		WantedTagsExclusiveScope:    w.ExclusiveScope,
		ExclusiveScopeName:          w.ExclusiveScopeName,
		WantedTagsAcceptIfNoneScope: w.AcceptIfNoneScope,
		WantedPageCountLower:        w.PageCountLower,
		WantedPageCountUpper:        w.PageCountUpper,
		Category:                    w.Category,
		Categories:                  w.Categories,
		Provider:                    w.Provider,
		WantedProviders:             w.WantedProviders,
		UnwantedProviders:           w.UnwantedProviders,
		WaitForTime:                 wait,
		ShouldSearch:                shouldSearch,
		KeepSearching:               w.KeepSearching,
		ReleaseDate:                 release,
		NotifyWhenFound:             w.NotifyWhenFound,
		Public:                      w.Public,
		Reason:                      w.Reason,
		BookType:                    w.BookType,
		Publisher:                   w.Publisher,
		PageCount:                   w.PageCount,
	}
	for _, name := range w.Artists {
		if name = strings.TrimSpace(name); name != "" {
			wg.Artists = append(wg.Artists, models.Artist{Name: name})
		}
	}

	key = catalog.WantedKey{Field: "title", Value: w.Title, SearchTitle: searchTitle, Publisher: w.Publisher, MatchPublisher: w.Publisher != ""}
	if w.Title == "" {
		key.Field, key.Value = "title_jpn", w.TitleJpn
	}
	return wg, key, nil
}

// importCatalog loads data into the catalog. Entries are applied in file order and
// the first failing entry aborts the import.
func importCatalog(ctx context.Context, store *catalog.Store, data importFile) (ImportReport, error) {
	var report ImportReport
	for i, g := range data.Galleries {
		rec, err := g.record()
		if err != nil {
			return report, fmt.Errorf("gallery %d: %w", i, err)
		}
		if rec.GID == "" || rec.Provider == "" {
			return report, fmt.Errorf("%w: gallery %d needs gid and provider", utils.ErrConfigValidation, i)
		}
		_, created, err := store.UpsertGallery(ctx, rec.ToGallery())
		if err != nil {
			return report, fmt.Errorf("gallery '%s': %w", rec.GID, err)
		}
		if created {
			report.GalleriesCreated++
		} else {
			report.GalleriesUpdated++
		}
	}

	for i, a := range data.Archives {
		if a.Path == "" {
			return report, fmt.Errorf("%w: archive %d needs a path", utils.ErrConfigValidation, i)
		}
		title := a.Title
		if title == "" {
			title = match.TitleFromPath(a.Path)
		}
		_, created, err := store.CreateArchive(ctx, &models.Archive{Path: a.Path, Title: title, Public: a.Public})
		if err != nil {
			return report, fmt.Errorf("archive '%s': %w", a.Path, err)
		}
		if created {
			report.ArchivesCreated++
		}
	}

	for i, w := range data.Wanted {
		wg, key, err := w.wanted()
		if err != nil {
			return report, fmt.Errorf("wanted %d: %w", i, err)
		}
		_, created, err := store.FindOrCreateWanted(ctx, key, wg)
		if err != nil {
			return report, fmt.Errorf("wanted '%s': %w", key.Value, err)
		}
		if created {
			report.WantedCreated++
		} else {
			report.WantedExisting++
		}
	}
	return report, nil
}

// runImport handles the import subcommand
func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	file := fs.String("file", "", "YAML file with galleries, archives and wanted galleries (required)")
	usageFor(fs, "import", "  panda-match import -file seed.yaml")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		fs.Usage()
		os.Exit(1)
	}
	os.Exit(doImport(*configFile, *logLevel, *file, os.Stdout, os.Stderr))
}

func doImport(configPath, logLevel, file string, stdout, stderr io.Writer) int {
	raw, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(stderr, "Error: read import file: %v\n", err)
		return 1
	}
	var data importFile
	if err := yaml.Unmarshal(raw, &data); err != nil {
		fmt.Fprintf(stderr, "Error: parse import file: %v\n", err)
		return 1
	}

	return withServices(configPath, logLevel, stderr, func(ctx context.Context, svc *services) int {
		report, err := importCatalog(ctx, svc.catalog, data)
		fmt.Fprintf(stdout, "Galleries: %d created, %d updated\n", report.GalleriesCreated, report.GalleriesUpdated)
		fmt.Fprintf(stdout, "Archives: %d created\n", report.ArchivesCreated)
		fmt.Fprintf(stdout, "Wanted: %d created, %d already present\n", report.WantedCreated, report.WantedExisting)
		if err != nil {
			return commandError(svc, "Import", err)
		}
		return 0
	})
}
