package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pandabackup/panda-match/pkg/utils"
)

// Hash algorithms accepted in hashing.algorithms.
var knownAlgorithms = map[string]bool{
	"phash": true,
	"ahash": true,
	"dhash": true,
	"sha1":  true,
	"crc32": true,
}

// Listing parameters every html provider query needs.
var requiredHTMLParams = []string{"subpath", "container_tag", "container_attribute_name", "container_attribute_value", "link_tag"}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	// MaxRequests
	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 10")
		c.MaxRequests = 10
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		c.MaxRequestsPerHost = 2
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './panda_state'")
		c.StateDir = "./panda_state"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.StateDir, "catalog.db")
	}
	if c.HashCacheDir == "" {
		c.HashCacheDir = filepath.Join(c.StateDir, "hash_cache")
	}
	if c.MediaRoot == "" {
		c.MediaRoot = "."
	}

	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = "panda-match/1.0"
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 2 // three attempts in total
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}

	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}

	c.validateHTTPClientSettings()
	warnings = append(warnings, c.validateMatching()...)
	warnings = append(warnings, c.validateHashing()...)

	if c.AutoWanted.DefaultCategory == "" {
		c.AutoWanted.DefaultCategory = "Manga"
	}
	if c.AutoWanted.MaxParallelProviders <= 0 {
		c.AutoWanted.MaxParallelProviders = 2
	}
	if c.AutoWanted.RegexpUnwantedTitle && c.AutoWanted.UnwantedTitle != "" {
		if _, reErr := utils.CompileRegex(c.AutoWanted.UnwantedTitle, c.AutoWanted.RegexpUnwantedTitleIcase); reErr != nil {
			return warnings, fmt.Errorf("%w: auto_wanted.unwanted_title: %w", utils.ErrConfigValidation, reErr)
		}
	}

	for _, name := range c.ProviderKeys() {
		p := c.Providers[name]
		pWarnings, pErr := p.Validate()
		for _, w := range pWarnings {
			warnings = append(warnings, fmt.Sprintf("provider '%s': %s", name, w))
		}
		if pErr != nil {
			return warnings, fmt.Errorf("provider '%s': %w", name, pErr)
		}
		c.Providers[name] = p
	}

	return warnings, nil
}

// ProviderKeys returns configured provider keys in a stable order.
func (c *AppConfig) ProviderKeys() []string {
	keys := make([]string, 0, len(c.Providers))
	for k := range c.Providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (c *AppConfig) validateMatching() (warnings []string) {
	m := &c.Matching
	if m.Cutoff < 0 || m.Cutoff > 1 {
		warnings = append(warnings, fmt.Sprintf("matching.cutoff %.2f outside [0,1], defaulting to 0.4", m.Cutoff))
		m.Cutoff = 0.4
	} else if m.Cutoff == 0 {
		m.Cutoff = 0.4
	}
	if m.MaxMatches < 0 {
		warnings = append(warnings, "matching.max_matches cannot be negative, defaulting to 20")
		m.MaxMatches = 20
	} else if m.MaxMatches == 0 {
		m.MaxMatches = 20
	}
	return warnings
}

func (c *AppConfig) validateHashing() (warnings []string) {
	h := &c.Hashing
	if len(h.Algorithms) == 0 {
		h.Algorithms = []string{"phash", "sha1"}
	}
	kept := h.Algorithms[:0]
	for _, alg := range h.Algorithms {
		alg = strings.ToLower(strings.TrimSpace(alg))
		if !knownAlgorithms[alg] {
			warnings = append(warnings, fmt.Sprintf("hashing.algorithms: unknown algorithm '%s' ignored", alg))
			continue
		}
		kept = append(kept, alg)
	}
	h.Algorithms = kept
	if h.ThumbnailWidth <= 0 {
		h.ThumbnailWidth = 200
	}
	if h.ThumbnailDir == "" {
		h.ThumbnailDir = filepath.Join(c.StateDir, "thumbnails")
	}
	return warnings
}

// Validate checks ProviderConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
func (c *ProviderConfig) Validate() (warnings []string, err error) {
	switch c.Kind {
	case ProviderKindHTML, ProviderKindAPI, ProviderKindFeed:
	case "":
		return nil, fmt.Errorf("%w: provider needs kind (html, api or feed)", utils.ErrConfigValidation)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind '%s'", utils.ErrConfigValidation, c.Kind)
	}

	if c.BaseURL == "" {
		return nil, fmt.Errorf("%w: provider needs base_url", utils.ErrConfigValidation)
	}

	if c.WaitTimer < 0 {
		warnings = append(warnings, "wait_timer cannot be negative, setting to 0")
		c.WaitTimer = 0
	}

	if c.WantedKey == "" {
		if c.Kind == ProviderKindHTML {
			c.WantedKey = WantedKeyTitle
		} else {
			c.WantedKey = WantedKeyTitleJpn
		}
	}
	if c.WantedKey != WantedKeyTitle && c.WantedKey != WantedKeyTitleJpn {
		return nil, fmt.Errorf("%w: wanted_key must be 'title' or 'title_jpn', got '%s'", utils.ErrConfigValidation, c.WantedKey)
	}

	for qName := range c.Queries {
		if qName == "" || strings.Contains(qName, "_") {
			return nil, fmt.Errorf("%w: query name '%s' must be non-empty and contain no underscore", utils.ErrConfigValidation, qName)
		}
	}

	switch c.Kind {
	case ProviderKindAPI:
		if c.APIKey == "" {
			return nil, fmt.Errorf("%w: api provider needs api_key", utils.ErrConfigValidation)
		}
		if c.DailyRequests <= 0 {
			warnings = append(warnings, "daily_requests should be > 0, defaulting to 24")
			c.DailyRequests = 24
		}
		if c.QuotaResetUTCOffsetHours < -12 || c.QuotaResetUTCOffsetHours > 14 {
			return nil, fmt.Errorf("%w: quota_reset_utc_offset_hours out of range", utils.ErrConfigValidation)
		}
		if c.PageSize <= 0 {
			c.PageSize = 50
		}
	case ProviderKindHTML:
		if c.DetailSelectors.Title == "" {
			return nil, fmt.Errorf("%w: html provider needs detail_selectors.title", utils.ErrConfigValidation)
		}
		if c.DetailSelectors.PostedLayout == "" {
			c.DetailSelectors.PostedLayout = "2006-01-02"
		}
		for qName, q := range c.Queries {
			for _, key := range requiredHTMLParams {
				if q.Params[key] == "" {
					return nil, fmt.Errorf("%w: query '%s' needs params.%s", utils.ErrConfigValidation, qName, key)
				}
			}
			if q.Params["url_attribute_name"] == "" && q.Params["link_attribute_get_text"] == "" {
				return nil, fmt.Errorf("%w: query '%s' needs params.url_attribute_name or params.link_attribute_get_text", utils.ErrConfigValidation, qName)
			}
		}
	case ProviderKindFeed:
		for qName, q := range c.Queries {
			if q.Params["subpath"] == "" {
				return nil, fmt.Errorf("%w: query '%s' needs params.subpath", utils.ErrConfigValidation, qName)
			}
		}
	}

	if len(c.Queries) == 0 {
		warnings = append(warnings, "no queries configured, crawls will do nothing")
	}
	return warnings, nil
}
