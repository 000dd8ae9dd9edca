package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pandabackup/panda-match/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppConfig_Validate_Defaults(t *testing.T) {
	cfg := AppConfig{} // Zero value
	warnings, err := cfg.Validate()

	require.NoError(t, err)

	assert.Equal(t, 4, cfg.NumWorkers)
	assert.Equal(t, 10, cfg.MaxRequests)
	assert.Equal(t, 2, cfg.MaxRequestsPerHost)
	assert.Equal(t, "./panda_state", cfg.StateDir)
	assert.Equal(t, filepath.Join("./panda_state", "catalog.db"), cfg.DatabasePath)
	assert.Equal(t, filepath.Join("./panda_state", "hash_cache"), cfg.HashCacheDir)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 1*time.Second, cfg.InitialRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.SemaphoreAcquireTimeout)

	assert.Equal(t, 45*time.Second, cfg.HTTPClientSettings.Timeout)
	assert.Equal(t, 100, cfg.HTTPClientSettings.MaxIdleConns)
	assert.Equal(t, 2, cfg.HTTPClientSettings.MaxIdleConnsPerHost)
	assert.Equal(t, 15*time.Second, cfg.HTTPClientSettings.DialerTimeout)

	assert.InDelta(t, 0.4, cfg.Matching.Cutoff, 1e-9)
	assert.Equal(t, 20, cfg.Matching.MaxMatches)
	assert.Equal(t, []string{"phash", "sha1"}, cfg.Hashing.Algorithms)
	assert.Equal(t, 200, cfg.Hashing.ThumbnailWidth)
	assert.Equal(t, "Manga", cfg.AutoWanted.DefaultCategory)
	assert.Equal(t, 2, cfg.AutoWanted.MaxParallelProviders)

	assert.True(t, containsWarning(warnings, "num_workers should be > 0"))
	assert.True(t, containsWarning(warnings, "max_requests should be > 0"))
	assert.True(t, containsWarning(warnings, "state_dir is empty"))
}

func TestAppConfig_Validate_ValidConfig(t *testing.T) {
	cfg := AppConfig{
		NumWorkers:         8,
		MaxRequests:        100,
		MaxRequestsPerHost: 10,
		StateDir:           "/state",
		DatabasePath:       "/data/panda.db",
		MaxRetries:         5,
		InitialRetryDelay:  2 * time.Second,
		MaxRetryDelay:      60 * time.Second,
		Matching:           MatchingConfig{Cutoff: 0.7, MaxMatches: 5},
		Hashing:            HashingConfig{Algorithms: []string{"PHash", "crc32"}},
	}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 8, cfg.NumWorkers)
	assert.Equal(t, "/data/panda.db", cfg.DatabasePath)
	assert.InDelta(t, 0.7, cfg.Matching.Cutoff, 1e-9)
	assert.Equal(t, 5, cfg.Matching.MaxMatches)
	assert.Equal(t, []string{"phash", "crc32"}, cfg.Hashing.Algorithms)
}

func TestAppConfig_Validate_NegativeValues(t *testing.T) {
	tests := []struct {
		name        string
		cfg         AppConfig
		wantWarning string
		check       func(t *testing.T, cfg AppConfig)
	}{
		{
			name:        "NegativeRetries",
			cfg:         AppConfig{MaxRetries: -1, InitialRetryDelay: time.Second},
			wantWarning: "max_retries cannot be negative",
			check: func(t *testing.T, cfg AppConfig) {
				assert.Equal(t, 0, cfg.MaxRetries)
			},
		},
		{
			name:        "CutoffOutOfRange",
			cfg:         AppConfig{Matching: MatchingConfig{Cutoff: 1.5}},
			wantWarning: "matching.cutoff",
			check: func(t *testing.T, cfg AppConfig) {
				assert.InDelta(t, 0.4, cfg.Matching.Cutoff, 1e-9)
			},
		},
		{
			name:        "NegativeMaxMatches",
			cfg:         AppConfig{Matching: MatchingConfig{MaxMatches: -3}},
			wantWarning: "matching.max_matches cannot be negative",
			check: func(t *testing.T, cfg AppConfig) {
				assert.Equal(t, 20, cfg.Matching.MaxMatches)
			},
		},
		{
			name:        "UnknownAlgorithm",
			cfg:         AppConfig{Hashing: HashingConfig{Algorithms: []string{"md5", "dhash"}}},
			wantWarning: "unknown algorithm 'md5'",
			check: func(t *testing.T, cfg AppConfig) {
				assert.Equal(t, []string{"dhash"}, cfg.Hashing.Algorithms)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			warnings, err := cfg.Validate()
			require.NoError(t, err)
			assert.True(t, containsWarning(warnings, tt.wantWarning), "warnings: %v", warnings)
			tt.check(t, cfg)
		})
	}
}

func TestAppConfig_Validate_RetryDelayInversion(t *testing.T) {
	cfg := AppConfig{
		MaxRetries:        3,
		InitialRetryDelay: 60 * time.Second,
		MaxRetryDelay:     10 * time.Second,
	}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.InitialRetryDelay)
	assert.True(t, containsWarning(warnings, "initial_retry_delay"))
}

func TestAppConfig_Validate_InvalidUnwantedRegex(t *testing.T) {
	cfg := AppConfig{AutoWanted: AutoWantedConfig{UnwantedTitle: "(unclosed", RegexpUnwantedTitle: true}}

	_, err := cfg.Validate()

	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
	assert.ErrorIs(t, err, utils.ErrInvalidPattern)
}

func TestAppConfig_Validate_ProviderErrorIsNamed(t *testing.T) {
	cfg := AppConfig{Providers: map[string]ProviderConfig{
		"fakku": {Kind: "ftp", BaseURL: "https://example.com"},
	}}

	_, err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider 'fakku'")
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestProviderConfig_Validate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr string
	}{
		{"MissingKind", ProviderConfig{BaseURL: "https://x"}, "needs kind"},
		{"UnknownKind", ProviderConfig{Kind: "ftp", BaseURL: "https://x"}, "unknown provider kind"},
		{"MissingBaseURL", ProviderConfig{Kind: ProviderKindFeed}, "needs base_url"},
		{"APIWithoutKey", ProviderConfig{Kind: ProviderKindAPI, BaseURL: "https://x"}, "needs api_key"},
		{"HTMLWithoutTitleSelector", ProviderConfig{Kind: ProviderKindHTML, BaseURL: "https://x"}, "detail_selectors.title"},
		{
			"HTMLQueryMissingParam",
			ProviderConfig{
				Kind:            ProviderKindHTML,
				BaseURL:         "https://x",
				DetailSelectors: DetailSelectors{Title: "h1"},
				Queries:         map[string]QueryConfig{"new": {Params: map[string]string{"subpath": "new"}}},
			},
			"needs params.container_tag",
		},
		{
			"FeedQueryMissingSubpath",
			ProviderConfig{Kind: ProviderKindFeed, BaseURL: "https://x", Queries: map[string]QueryConfig{"main": {}}},
			"needs params.subpath",
		},
		{
			"QueryNameWithUnderscore",
			ProviderConfig{Kind: ProviderKindFeed, BaseURL: "https://x", Queries: map[string]QueryConfig{"new_books": {}}},
			"contain no underscore",
		},
		{"BadWantedKey", ProviderConfig{Kind: ProviderKindFeed, BaseURL: "https://x", WantedKey: "gid"}, "wanted_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			_, err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrConfigValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProviderConfig_Validate_APIDefaults(t *testing.T) {
	cfg := ProviderConfig{
		Kind:    ProviderKindAPI,
		BaseURL: "https://www.doujinshi.org",
		APIKey:  "key",
		Queries: map[string]QueryConfig{"artists": {Params: map[string]string{"slist_1": "a:1"}}},
	}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Equal(t, 24, cfg.DailyRequests)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, WantedKeyTitleJpn, cfg.WantedKey)
	assert.True(t, containsWarning(warnings, "daily_requests should be > 0"))
}

func TestProviderConfig_Validate_HTMLDefaults(t *testing.T) {
	cfg := ProviderConfig{
		Kind:            ProviderKindHTML,
		BaseURL:         "https://www.fakku.net",
		DetailSelectors: DetailSelectors{Title: "h1"},
		Queries: map[string]QueryConfig{"latest": {Params: map[string]string{
			"subpath":                   "hentai",
			"container_tag":             "div",
			"container_attribute_name":  "class",
			"container_attribute_value": "book-title",
			"link_tag":                  "a",
			"url_attribute_name":        "href",
		}}},
	}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, WantedKeyTitle, cfg.WantedKey)
	assert.Equal(t, "2006-01-02", cfg.DetailSelectors.PostedLayout)
}

func TestProviderConfig_Validate_NoQueriesWarns(t *testing.T) {
	cfg := ProviderConfig{Kind: ProviderKindFeed, BaseURL: "https://x", WaitTimer: -time.Second}

	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.WaitTimer)
	assert.True(t, containsWarning(warnings, "no queries configured"))
	assert.True(t, containsWarning(warnings, "wait_timer cannot be negative"))
}

func TestAppConfig_ProviderKeys_Sorted(t *testing.T) {
	cfg := AppConfig{Providers: map[string]ProviderConfig{"b": {}, "a": {}, "c": {}}}
	assert.Equal(t, []string{"a", "b", "c"}, cfg.ProviderKeys())
}

func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
