package config

import "time"

// Provider kinds understood by the auto-wanted crawler.
const (
	ProviderKindHTML = "html" // Paginated listing pages scraped with CSS selectors
	ProviderKindAPI  = "api"  // XML book API with a daily query quota
	ProviderKindFeed = "feed" // RSS announcement feed
)

// Values for ProviderConfig.WantedKey.
const (
	WantedKeyTitle    = "title"
	WantedKeyTitleJpn = "title_jpn"
)

// QueryConfig describes one named auto-wanted query of a provider. Every entry is
// stored as a provider Attribute so crawls can be tuned at runtime.
type QueryConfig struct {
	Params          map[string]string `yaml:"params"`                      // Stored as wanted_params_<query>_<key>
	Reason          string            `yaml:"reason,omitempty"`            // wanted_reason_<query>
	Public          *bool             `yaml:"public,omitempty"`            // wanted_public_<query>
	ShouldSearch    *bool             `yaml:"should_search,omitempty"`     // wanted_should_search_<query>
	KeepSearching   *bool             `yaml:"keep_searching,omitempty"`    // wanted_keep_searching_<query>
	NotifyWhenFound *bool             `yaml:"notify_when_found,omitempty"` // wanted_notify_when_found_<query>
	WantedProvider  string            `yaml:"wanted_provider,omitempty"`   // wanted_provider_<query>
	WantedProviders []string          `yaml:"wanted_providers,omitempty"`  // wanted_providers_<query>, space joined
	Category        string            `yaml:"category,omitempty"`          // wanted_category_<query>
}

// DetailSelectors locate gallery fields on a provider detail page (html kind).
type DetailSelectors struct {
	Title        string `yaml:"title"`
	TitleJpn     string `yaml:"title_jpn,omitempty"`
	Category     string `yaml:"category,omitempty"`
	Pages        string `yaml:"pages,omitempty"`
	Posted       string `yaml:"posted,omitempty"`
	PostedLayout string `yaml:"posted_layout,omitempty"` // Go time layout for Posted, default 2006-01-02
	Artists      string `yaml:"artists,omitempty"`
	Tags         string `yaml:"tags,omitempty"`
	Thumbnail    string `yaml:"thumbnail,omitempty"` // Selector for an <img>, src is used
}

// ProviderConfig holds configuration specific to a single auto-wanted source
type ProviderConfig struct {
	Kind                     string                 `yaml:"kind"`
	Name                     string                 `yaml:"name,omitempty"`
	BaseURL                  string                 `yaml:"base_url"`
	APIKey                   string                 `yaml:"api_key,omitempty"`
	UserAgent                string                 `yaml:"user_agent,omitempty"`
	Cookies                  map[string]string      `yaml:"cookies,omitempty"` // Session cookies sent to base_url's host
	WaitTimer                time.Duration          `yaml:"wait_timer,omitempty"`
	DelayPerHost             time.Duration          `yaml:"delay_per_host,omitempty"`
	DailyRequests            int                    `yaml:"daily_requests,omitempty"`
	QuotaResetUTCOffsetHours int                    `yaml:"quota_reset_utc_offset_hours,omitempty"`
	PageSize                 int                    `yaml:"page_size,omitempty"`
	StopPage                 int                    `yaml:"stop_page,omitempty"`
	WantedKey                string                 `yaml:"wanted_key,omitempty"`
	RespectRobots            *bool                  `yaml:"respect_robots,omitempty"`
	ForceProcess             bool                   `yaml:"force_process,omitempty"`
	UnwantedTitle            string                 `yaml:"unwanted_title,omitempty"`
	DetailSelectors          DetailSelectors        `yaml:"detail_selectors,omitempty"`
	Queries                  map[string]QueryConfig `yaml:"queries"`
}

// MatchingConfig holds defaults for fuzzy title matching
type MatchingConfig struct {
	Cutoff     float64 `yaml:"cutoff,omitempty"`
	MaxMatches int     `yaml:"max_matches,omitempty"`
	MustBeUsed bool    `yaml:"must_be_used,omitempty"` // Only galleries that already have an archive
}

// HashingConfig holds settings for the content-hash comparison service
type HashingConfig struct {
	Algorithms      []string `yaml:"algorithms,omitempty"`
	AutoPhashImages bool     `yaml:"auto_phash_images,omitempty"`
	ThumbnailWidth  int      `yaml:"thumbnail_width,omitempty"`
	ThumbnailDir    string   `yaml:"thumbnail_dir,omitempty"`
}

// AutoWantedConfig holds defaults applied to wanted galleries created by crawlers
type AutoWantedConfig struct {
	UnwantedTitle            string `yaml:"unwanted_title,omitempty"`
	RegexpUnwantedTitle      bool   `yaml:"regexp_unwanted_title,omitempty"`
	RegexpUnwantedTitleIcase bool   `yaml:"regexp_unwanted_title_icase,omitempty"`
	DefaultCategory          string `yaml:"default_category,omitempty"`
	MaxParallelProviders     int    `yaml:"max_parallel_providers,omitempty"`
}

// WatchConfig maps job names to cron specs or plain intervals ("6h", "1d").
type WatchConfig struct {
	Schedules map[string]string `yaml:"schedules"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	LogLevel                string                    `yaml:"log_level,omitempty"`
	DefaultUserAgent        string                    `yaml:"default_user_agent"`
	DefaultDelayPerHost     time.Duration             `yaml:"default_delay_per_host"`
	NumWorkers              int                       `yaml:"num_workers"`
	MaxRequests             int                       `yaml:"max_requests"`
	MaxRequestsPerHost      int                       `yaml:"max_requests_per_host"`
	StateDir                string                    `yaml:"state_dir"`
	DatabasePath            string                    `yaml:"database_path,omitempty"`
	HashCacheDir            string                    `yaml:"hash_cache_dir,omitempty"`
	MediaRoot               string                    `yaml:"media_root,omitempty"`
	MaxRetries              int                       `yaml:"max_retries,omitempty"`
	InitialRetryDelay       time.Duration             `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay           time.Duration             `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout time.Duration             `yaml:"semaphore_acquire_timeout,omitempty"`
	HTTPClientSettings      HTTPClientConfig          `yaml:"http_client_settings,omitempty"`
	Matching                MatchingConfig            `yaml:"matching,omitempty"`
	Hashing                 HashingConfig             `yaml:"hashing,omitempty"`
	AutoWanted              AutoWantedConfig          `yaml:"auto_wanted,omitempty"`
	Providers               map[string]ProviderConfig `yaml:"providers"`
	Watch                   WatchConfig               `yaml:"watch,omitempty"`
	MetricsAddr             string                    `yaml:"metrics_addr,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// GetEffectiveUserAgent returns the provider user agent, falling back to the global one
func GetEffectiveUserAgent(p ProviderConfig, appCfg AppConfig) string {
	if p.UserAgent != "" {
		return p.UserAgent
	}
	return appCfg.DefaultUserAgent
}

// GetEffectiveDelayPerHost returns the provider delay, falling back to the global one
func GetEffectiveDelayPerHost(p ProviderConfig, appCfg AppConfig) time.Duration {
	if p.DelayPerHost > 0 {
		return p.DelayPerHost
	}
	return appCfg.DefaultDelayPerHost
}

// GetEffectiveUnwantedTitle returns the unwanted title applied to crawler-created wanted galleries
func GetEffectiveUnwantedTitle(p ProviderConfig, appCfg AppConfig) string {
	if p.UnwantedTitle != "" {
		return p.UnwantedTitle
	}
	return appCfg.AutoWanted.UnwantedTitle
}

// GetEffectiveRespectRobots defaults to true for html providers and false otherwise
func GetEffectiveRespectRobots(p ProviderConfig) bool {
	if p.RespectRobots != nil {
		return *p.RespectRobots
	}
	return p.Kind == ProviderKindHTML
}

// DisplayName returns the provider's configured name or its key
func (p ProviderConfig) DisplayName(key string) string {
	if p.Name != "" {
		return p.Name
	}
	return key
}
