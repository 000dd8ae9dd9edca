package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestProviderEffectiveSettings(t *testing.T) {
	app := AppConfig{
		DefaultUserAgent:    "panda-match/1.0",
		DefaultDelayPerHost: time.Second,
		AutoWanted:          AutoWantedConfig{UnwantedTitle: "english"},
	}
	tests := []struct {
		name     string
		p        ProviderConfig
		ua       string
		delay    time.Duration
		unwanted string
		robots   bool
		display  string
	}{
		{
			name: "html inherits globals", p: ProviderConfig{Kind: ProviderKindHTML},
			ua: "panda-match/1.0", delay: time.Second, unwanted: "english", robots: true, display: "books",
		},
		{
			name: "api overrides everything",
			p: ProviderConfig{Kind: ProviderKindAPI, Name: "Doujinshi.org", UserAgent: "own", DelayPerHost: 3 * time.Second,
				UnwantedTitle: "digital", RespectRobots: boolPtr(true)},
			ua: "own", delay: 3 * time.Second, unwanted: "digital", robots: true, display: "Doujinshi.org",
		},
		{
			name: "feed skips robots by default", p: ProviderConfig{Kind: ProviderKindFeed},
			ua: "panda-match/1.0", delay: time.Second, unwanted: "english", robots: false, display: "books",
		},
		{
			name: "html robots switched off", p: ProviderConfig{Kind: ProviderKindHTML, RespectRobots: boolPtr(false)},
			ua: "panda-match/1.0", delay: time.Second, unwanted: "english", robots: false, display: "books",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ua, GetEffectiveUserAgent(tt.p, app))
			assert.Equal(t, tt.delay, GetEffectiveDelayPerHost(tt.p, app))
			assert.Equal(t, tt.unwanted, GetEffectiveUnwantedTitle(tt.p, app))
			assert.Equal(t, tt.robots, GetEffectiveRespectRobots(tt.p))
			assert.Equal(t, tt.display, tt.p.DisplayName("books"))
		})
	}
}

const providerYAML = `
default_user_agent: panda-match/1.0
default_delay_per_host: 2s
providers:
  members:
    kind: html
    base_url: https://members.example
    wait_timer: 1500ms
    cookies:
      member_id: "42"
      pass_hash: abc
    detail_selectors:
      title: h1
      posted_layout: "2006/01/02"
    queries:
      latest:
        params:
          subpath: list
          container_tag: div
        reason: new releases
        public: false
        wanted_providers: [members, archive]
watch:
  schedules:
    match_wanted: 6h
`

func TestAppConfigFromYAML(t *testing.T) {
	var cfg AppConfig
	require.NoError(t, yaml.Unmarshal([]byte(providerYAML), &cfg))

	assert.Equal(t, 2*time.Second, cfg.DefaultDelayPerHost)
	require.Contains(t, cfg.Providers, "members")
	p := cfg.Providers["members"]
	assert.Equal(t, ProviderKindHTML, p.Kind)
	assert.Equal(t, 1500*time.Millisecond, p.WaitTimer)
	assert.Equal(t, map[string]string{"member_id": "42", "pass_hash": "abc"}, p.Cookies)
	assert.Equal(t, "2006/01/02", p.DetailSelectors.PostedLayout)

	q := p.Queries["latest"]
	assert.Equal(t, "list", q.Params["subpath"])
	assert.Equal(t, "new releases", q.Reason)
	require.NotNil(t, q.Public)
	assert.False(t, *q.Public)
	assert.Nil(t, q.ShouldSearch, "unset flags stay nil")
	assert.Equal(t, []string{"members", "archive"}, q.WantedProviders)
	assert.Equal(t, "6h", cfg.Watch.Schedules["match_wanted"])
}
