package wanted

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type testEnv struct {
	store   *catalog.Store
	cfg     *config.AppConfig
	fetcher *fetch.Fetcher
	log     *logrus.Entry
}

func newTestEnv(t *testing.T, providers map[string]config.ProviderConfig) *testEnv {
	t.Helper()
	log := testLogger()
	cfg := &config.AppConfig{
		StateDir:         t.TempDir(),
		DefaultUserAgent: "panda-match-test",
		Providers:        providers,
	}
	_, err := cfg.Validate()
	require.NoError(t, err)
	cfg.InitialRetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 10 * time.Millisecond

	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &testEnv{
		store:   store,
		cfg:     cfg,
		fetcher: fetch.NewFetcher(&http.Client{Timeout: 5 * time.Second}, cfg, log),
		log:     log,
	}
}

// crawl seeds and runs one crawl of provider key.
func (e *testEnv) crawl(t *testing.T, key string) RunSummary {
	t.Helper()
	ctx := context.Background()
	c := NewCrawler(e.store, match.NewReconciler(e.store, e.log), key, e.cfg, e.log)
	require.NoError(t, c.Seed(ctx))
	src, err := NewSource(key, e.cfg, e.fetcher, fetch.NewRobotsHandler(e.fetcher, e.log), e.store, e.log)
	require.NoError(t, err)
	summary, err := c.Run(ctx, src)
	require.NoError(t, err)
	return summary
}

func (e *testEnv) wanted(t *testing.T) []*models.WantedGallery {
	t.Helper()
	list, err := e.store.ListWantedGalleries(context.Background(), catalog.WantedFilter{})
	require.NoError(t, err)
	return list
}

func boolPtr(b bool) *bool { return &b }

func TestLoadQueries(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, a := range []models.Attribute{
		models.NewStringAttribute("p", "wanted_params_beta_subpath", "books"),
		models.NewStringAttribute("p", "wanted_params_alpha_slist_type", "Doujinshi"),
		models.NewIntAttribute("p", "wanted_params_alpha_page", 3),
		models.NewStringAttribute("p", "wanted_params_broken", "ignored"),
		models.NewStringAttribute("other", "wanted_params_gamma_subpath", "elsewhere"),
		models.NewStringAttribute("p", "wanted_reason_alpha", "not a param"),
	} {
		require.NoError(t, env.store.SetAttribute(ctx, a))
	}

	queries, err := LoadQueries(ctx, env.store, "p")
	require.NoError(t, err)
	require.Len(t, queries, 2)

	assert.Equal(t, "alpha", queries[0].Name)
	assert.Equal(t, 3, queries[0].Page)
	assert.Equal(t, map[string]string{"slist_type": "Doujinshi"}, queries[0].Params)

	assert.Equal(t, "beta", queries[1].Name)
	assert.Equal(t, 1, queries[1].Page)
	assert.Equal(t, "books", queries[1].Param("subpath"))
	assert.Equal(t, "", queries[1].Param("missing"))
}

func TestSeedWritesQueryAttributes(t *testing.T) {
	env := newTestEnv(t, map[string]config.ProviderConfig{
		"mugi": {
			Kind: config.ProviderKindAPI, BaseURL: "http://books.invalid", APIKey: "k", ForceProcess: true,
			Queries: map[string]config.QueryConfig{
				"new": {
					Params:          map[string]string{"sort": "date"},
					Reason:          "new releases",
					Public:          boolPtr(true),
					WantedProviders: []string{"panda", "fakku"},
				},
			},
		},
	})
	ctx := context.Background()
	c := NewCrawler(env.store, match.NewReconciler(env.store, env.log), "mugi", env.cfg, env.log)
	require.NoError(t, c.Seed(ctx))

	read := func(name string) string {
		a, found, err := env.store.GetAttribute(ctx, "mugi", name)
		require.NoError(t, err)
		require.True(t, found, name)
		return a.Value
	}
	assert.Equal(t, "date", read("wanted_params_new_sort"))
	assert.Equal(t, "new releases", read("wanted_reason_new"))
	assert.Equal(t, "true", read("wanted_public_new"))
	assert.Equal(t, "panda fakku", read("wanted_providers_new"))
	assert.Equal(t, "true", read("force_process"))

	_, found, err := env.store.GetAttribute(ctx, "mugi", "wanted_should_search_new")
	require.NoError(t, err)
	assert.False(t, found, "unset flags are not written")

	providers, err := env.store.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "mugi", providers[0].Slug)
}

func TestQueryDefaultsKeepKnownProviders(t *testing.T) {
	env := newTestEnv(t, map[string]config.ProviderConfig{
		"mugi": {Kind: config.ProviderKindAPI, BaseURL: "http://books.invalid", APIKey: "k"},
	})
	ctx := context.Background()
	_, err := env.store.EnsureProvider(ctx, "panda", "Panda")
	require.NoError(t, err)
	require.NoError(t, env.store.SetAttribute(ctx, models.NewStringAttribute("mugi", "wanted_provider_q", "panda")))
	require.NoError(t, env.store.SetAttribute(ctx, models.NewStringAttribute("mugi", "wanted_providers_q", "panda, unknown")))
	require.NoError(t, env.store.SetAttribute(ctx, models.NewBoolAttribute("mugi", "wanted_keep_searching_q", false)))

	c := NewCrawler(env.store, match.NewReconciler(env.store, env.log), "mugi", env.cfg, env.log)
	w, err := c.queryDefaults(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"panda"}, w.WantedProviders)
	assert.True(t, w.ShouldSearch)
	assert.False(t, w.KeepSearching)
	assert.Equal(t, "Manga", w.Category)
}

// fakeSource replays fixed pages for crawler loop tests.
type fakeSource struct {
	pages   []*Page
	items   map[string]Item
	fetched int
	err     error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Queries(context.Context) ([]*Query, error) {
	return []*Query{{Name: "only", Page: 1}}, nil
}

func (f *fakeSource) FetchPage(_ context.Context, q *Query) (*Page, error) {
	f.fetched++
	if f.err != nil {
		return nil, f.err
	}
	if q.Page > len(f.pages) {
		return &Page{Number: q.Page}, nil
	}
	return f.pages[q.Page-1], nil
}

func (f *fakeSource) Resolve(_ context.Context, _ *Query, _ *Page, unseen []string) ([]Item, error) {
	var out []Item
	for _, id := range unseen {
		out = append(out, f.items[id])
	}
	return out, nil
}

func (f *fakeSource) NextPage(q *Query, _ *Page) bool {
	q.Page++
	return true
}

func TestCrawlerStopsOnKnownPage(t *testing.T) {
	env := newTestEnv(t, map[string]config.ProviderConfig{
		"fake": {Kind: config.ProviderKindAPI, BaseURL: "http://books.invalid", APIKey: "k", WantedKey: config.WantedKeyTitle},
	})
	posted := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	rec := func(gid, title string) Item {
		return recordItem(&models.GalleryRecord{GID: gid, Provider: "fake", Title: title, Posted: &posted})
	}
	src := &fakeSource{
		pages: []*Page{{Number: 1, IDs: []string{"a", "b"}}, {Number: 2, IDs: []string{"a"}}},
		items: map[string]Item{"a": rec("a", "First Title"), "b": rec("b", "Second Title")},
	}

	summary := env.crawlWith(t, "fake", src)
	assert.Equal(t, 2, summary.Pages)
	assert.Equal(t, 2, summary.WantedCreated)
	assert.Equal(t, 2, summary.Mentions)
	assert.Equal(t, StopProcessed, summary.Stops["only"])
	assert.Equal(t, 2, src.fetched)

	for _, w := range env.wanted(t) {
		require.NotNil(t, w.ReleaseDate)
		assert.True(t, posted.Equal(*w.ReleaseDate), "release date %v", w.ReleaseDate)
	}
}

func TestCrawlerForceProcessSkipsKnownGalleries(t *testing.T) {
	env := newTestEnv(t, map[string]config.ProviderConfig{
		"fake": {Kind: config.ProviderKindAPI, BaseURL: "http://books.invalid", APIKey: "k",
			WantedKey: config.WantedKeyTitle, ForceProcess: true},
	})
	posted := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := func(gid, title string) Item {
		return recordItem(&models.GalleryRecord{GID: gid, Provider: "fake", Title: title, Posted: &posted})
	}
	src := &fakeSource{
		pages: []*Page{{Number: 1, IDs: []string{"a"}}, {Number: 2, IDs: []string{"a", "b"}}},
		items: map[string]Item{"a": rec("a", "First Title"), "b": rec("b", "Second Title")},
	}
	ctx := context.Background()
	c := NewCrawler(env.store, match.NewReconciler(env.store, env.log), "fake", env.cfg, env.log)
	require.NoError(t, c.Seed(ctx))

	for run := 1; run <= 3; run++ {
		src.fetched = 0
		summary := env.crawlWith(t, "fake", src)
		assert.Equal(t, StopEmpty, summary.Stops["only"], "run %d", run)
		assert.Equal(t, 3, src.fetched, "known pages are walked past, run %d", run)
		if run == 1 {
			assert.Equal(t, 2, summary.Mentions)
			continue
		}
		assert.Zero(t, summary.WantedCreated, "run %d", run)
		assert.Zero(t, summary.Mentions, "run %d", run)
	}

	wanted := env.wanted(t)
	require.Len(t, wanted, 2)
	for _, w := range wanted {
		mentions, err := env.store.Mentions(ctx, w.ID)
		require.NoError(t, err)
		require.Len(t, mentions, 1)
		assert.True(t, posted.Equal(mentions[0].MentionDate), "mention date %v", mentions[0].MentionDate)
	}
}

func TestCrawlerStopsOnEmptyPage(t *testing.T) {
	env := newTestEnv(t, map[string]config.ProviderConfig{
		"fake": {Kind: config.ProviderKindAPI, BaseURL: "http://books.invalid", APIKey: "k"},
	})
	src := &fakeSource{}
	summary := env.crawlWith(t, "fake", src)
	assert.Equal(t, StopEmpty, summary.Stops["only"])
	assert.Equal(t, 1, summary.Pages)
}

func TestCrawlerReportsNoResponse(t *testing.T) {
	env := newTestEnv(t, map[string]config.ProviderConfig{
		"fake": {Kind: config.ProviderKindAPI, BaseURL: "http://books.invalid", APIKey: "k"},
	})
	src := &fakeSource{err: io.ErrUnexpectedEOF}
	summary := env.crawlWith(t, "fake", src)
	assert.Equal(t, StopNoResponse, summary.Stops["only"])
	assert.Equal(t, 0, summary.Pages)
}

func TestCrawlerCancelledDuringWait(t *testing.T) {
	env := newTestEnv(t, map[string]config.ProviderConfig{
		"fake": {Kind: config.ProviderKindAPI, BaseURL: "http://books.invalid", APIKey: "k", WaitTimer: time.Hour},
	})
	src := &fakeSource{
		pages: []*Page{{Number: 1, IDs: []string{"a"}}},
		items: map[string]Item{"a": {ID: "a"}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewCrawler(env.store, match.NewReconciler(env.store, env.log), "fake", env.cfg, env.log)
	start := time.Now()
	summary, err := c.Run(ctx, src)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StopCancelled, summary.Stops["only"])
	assert.Equal(t, 1, src.fetched)
}

func (e *testEnv) crawlWith(t *testing.T, key string, src Source) RunSummary {
	t.Helper()
	c := NewCrawler(e.store, match.NewReconciler(e.store, e.log), key, e.cfg, e.log)
	summary, err := c.Run(context.Background(), src)
	require.NoError(t, err)
	return summary
}
