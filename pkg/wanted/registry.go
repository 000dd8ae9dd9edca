package wanted

import (
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// NewSource builds the source matching the kind of the provider configured under
// key and applies its per-host delay and concurrency to the fetcher.
func NewSource(key string, appCfg *config.AppConfig, f *fetch.Fetcher, robots *fetch.RobotsHandler, store Catalog, log *logrus.Entry) (Source, error) {
	p, ok := appCfg.Providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: provider '%s'", utils.ErrNotFound, key)
	}
	if u, err := url.Parse(p.BaseURL); err == nil && u.Hostname() != "" {
		if d := config.GetEffectiveDelayPerHost(p, *appCfg); d > 0 {
			f.SetHostDelay(u.Hostname(), d)
		}
		if p.Kind == config.ProviderKindAPI {
			// every API request spends daily quota
			f.SetHostLimit(u.Hostname(), 1)
		}
	}

	if err := f.SetCookies(p.BaseURL, p.Cookies); err != nil {
		return nil, fmt.Errorf("provider '%s': %w", key, err)
	}

	switch p.Kind {
	case config.ProviderKindHTML:
		return NewHTMLSource(key, appCfg, f, robots, store, log), nil
	case config.ProviderKindAPI:
		return NewAPISource(key, appCfg, f, store, log), nil
	case config.ProviderKindFeed:
		return NewFeedSource(key, appCfg, f, store, log), nil
	}
	return nil, fmt.Errorf("%w: provider '%s' has unknown kind '%s'", utils.ErrConfigValidation, key, p.Kind)
}
