package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/jobs"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

const feedBody = `<?xml version="1.0"?><rss version="2.0"><channel>
<item><title>【本日発売】『本の題名 %[1]s』は＜作家＞</title><guid>%[1]s-1</guid><link>https://news.example/1</link></item>
</channel></rss>`

func feedProvider(srvURL, path string) config.ProviderConfig {
	return config.ProviderConfig{
		Kind:    config.ProviderKindFeed,
		BaseURL: srvURL,
		Queries: map[string]config.QueryConfig{
			"news": {Params: map[string]string{"subpath": path}},
		},
	}
}

type fixture struct {
	cfg      *config.AppConfig
	store    *catalog.Store
	registry *jobs.Registry
	orch     func(keys ...string) *Orchestrator
}

func newFixture(t *testing.T, providers map[string]config.ProviderConfig) *fixture {
	t.Helper()
	log := testLogger()
	cfg := &config.AppConfig{StateDir: t.TempDir(), Providers: providers}
	_, err := cfg.Validate()
	require.NoError(t, err)

	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := jobs.NewRegistry(context.Background(), log)
	fetcher := fetch.NewFetcher(&http.Client{Timeout: 5 * time.Second}, cfg, log)
	fx := &fixture{cfg: cfg, store: store, registry: registry}
	fx.orch = func(keys ...string) *Orchestrator {
		return NewOrchestrator(cfg, store, match.NewReconciler(store, log), fetcher, registry, keys, log)
	}
	return fx
}

func TestRunCrawlsProvidersInParallel(t *testing.T) {
	mux := http.NewServeMux()
	for _, name := range []string{"a", "b"} {
		body := []byte(fmt.Sprintf(feedBody, name))
		mux.HandleFunc("/"+name+".xml", func(w http.ResponseWriter, r *http.Request) { w.Write(body) })
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fx := newFixture(t, map[string]config.ProviderConfig{
		"alpha": feedProvider(srv.URL, "a.xml"),
		"beta":  feedProvider(srv.URL, "b.xml"),
	})

	results := fx.orch(fx.cfg.ProviderKeys()...).Run(context.Background())
	require.Len(t, results, 2)
	for i, key := range []string{"alpha", "beta"} {
		r := results[i]
		assert.Equal(t, key, r.Provider)
		assert.True(t, r.Success, r.Error)
		assert.NotEmpty(t, r.JobID)
		require.NotNil(t, r.Summary)
		assert.Equal(t, 1, r.Summary.WantedCreated)
	}

	list, err := fx.store.ListWantedGalleries(context.Background(), catalog.WantedFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Len(t, fx.registry.List(), 2)
}

func TestRunProviderSkipsRunningCrawl(t *testing.T) {
	fx := newFixture(t, map[string]config.ProviderConfig{
		"alpha": feedProvider("http://feeds.invalid", "a.xml"),
	})
	release := make(chan struct{})
	defer close(release)
	_, err := fx.registry.Start(jobs.AutoWantedKey("alpha"), func(context.Context, *jobs.Job) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	r := fx.orch("alpha").RunProvider(context.Background(), "alpha")
	assert.True(t, r.Skipped)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "already running")
}

func TestRunProviderUnknownKey(t *testing.T) {
	fx := newFixture(t, nil)
	r := fx.orch("ghost").RunProvider(context.Background(), "ghost")
	assert.False(t, r.Success)
	assert.False(t, r.Skipped)
	assert.NotEmpty(t, r.Error)
}

func TestValidateProviderKeys(t *testing.T) {
	cfg := &config.AppConfig{Providers: map[string]config.ProviderConfig{"docs": {}, "blog": {}}}

	t.Run("all valid", func(t *testing.T) {
		assert.NoError(t, ValidateProviderKeys(cfg, []string{"docs", "blog"}))
	})
	t.Run("one invalid", func(t *testing.T) {
		err := ValidateProviderKeys(cfg, []string{"docs", "missing"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, utils.ErrNotFound))
		assert.Contains(t, err.Error(), "missing")
	})
	t.Run("empty keys", func(t *testing.T) {
		assert.NoError(t, ValidateProviderKeys(cfg, nil))
	})
}
