package wanted

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/metrics"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// Catalog is what the crawler reads and writes while storing crawl results.
type Catalog interface {
	AttributeReader
	GetAttribute(ctx context.Context, provider, name string) (models.Attribute, bool, error)
	SetAttribute(ctx context.Context, attr models.Attribute) error
	GetOrCreateAttribute(ctx context.Context, def models.Attribute) (models.Attribute, error)
	EnsureProvider(ctx context.Context, slug, name string) (*models.Provider, error)
	ListProviders(ctx context.Context) ([]models.Provider, error)
	UpsertGallery(ctx context.Context, g *models.Gallery) (int64, bool, error)
	ExistingGIDs(ctx context.Context, provider string, gids []string) (map[string]bool, error)
	FindOrCreateWanted(ctx context.Context, key catalog.WantedKey, defaults *models.WantedGallery) ([]*models.WantedGallery, bool, error)
	GetOrCreateMention(ctx context.Context, m *models.Mention) (bool, error)
	ProcessedSourceIDs(ctx context.Context, provider string, ids []string) (map[string]bool, error)
	CreateProcessedLink(ctx context.Context, l models.ProcessedLink) (bool, error)
}

// ReleaseDater recomputes a wanted gallery's release date from its mentions.
type ReleaseDater interface {
	CalculateNearestReleaseDate(ctx context.Context, wantedID int64) (*time.Time, error)
}

var _ ReleaseDater = (*match.Reconciler)(nil)

// Crawler drives one provider's source through its queries and stores what it finds.
type Crawler struct {
	store    Catalog
	releases ReleaseDater
	provider string
	cfg      config.ProviderConfig
	auto     config.AutoWantedConfig
	unwanted string
	log      *logrus.Entry
	now      func() time.Time

	rounds int
}

// NewCrawler creates a crawler for the provider configured under key.
func NewCrawler(store Catalog, releases ReleaseDater, key string, appCfg *config.AppConfig, log *logrus.Entry) *Crawler {
	return &Crawler{
		store:    store,
		releases: releases,
		provider: key,
		cfg:      appCfg.Providers[key],
		auto:     appCfg.AutoWanted,
		unwanted: config.GetEffectiveUnwantedTitle(appCfg.Providers[key], *appCfg),
		log:      log.WithFields(logrus.Fields{"component": "wanted_crawler", "provider": key}),
		now:      time.Now,
	}
}

// Seed registers the provider and writes its configured queries into attributes.
// Configured values overwrite what is stored; attributes not named in the config
// are left alone.
func (c *Crawler) Seed(ctx context.Context) error {
	if _, err := c.store.EnsureProvider(ctx, c.provider, c.cfg.DisplayName(c.provider)); err != nil {
		return err
	}
	set := func(a models.Attribute) error { return c.store.SetAttribute(ctx, a) }
	if err := set(models.NewBoolAttribute(c.provider, AttrForceProcess, c.cfg.ForceProcess)); err != nil {
		return err
	}
	for name, q := range c.cfg.Queries {
		for k, v := range q.Params {
			if err := set(models.NewStringAttribute(c.provider, ParamsPrefix+name+"_"+k, v)); err != nil {
				return err
			}
		}
		strs := map[string]string{
			ReasonPrefix:    q.Reason,
			ProviderPrefix:  q.WantedProvider,
			CategoryPrefix:  q.Category,
			ProvidersPrefix: strings.Join(q.WantedProviders, " "),
		}
		for prefix, v := range strs {
			if v == "" {
				continue
			}
			if err := set(models.NewStringAttribute(c.provider, prefix+name, v)); err != nil {
				return err
			}
		}
		bools := map[string]*bool{
			PublicPrefix:          q.Public,
			ShouldSearchPrefix:    q.ShouldSearch,
			KeepSearchingPrefix:   q.KeepSearching,
			NotifyWhenFoundPrefix: q.NotifyWhenFound,
		}
		for prefix, v := range bools {
			if v == nil {
				continue
			}
			if err := set(models.NewBoolAttribute(c.provider, prefix+name, *v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run crawls every query of src. Network and parse trouble ends the affected
// query and is reported in the summary; only catalog failures are returned.
func (c *Crawler) Run(ctx context.Context, src Source) (RunSummary, error) {
	start := c.now()
	summary := RunSummary{Provider: c.provider, Stops: make(map[string]string)}
	defer func() { summary.Duration = c.now().Sub(start) }()

	queries, err := src.Queries(ctx)
	if err != nil {
		return summary, err
	}
	if len(queries) == 0 {
		c.log.Warn("No queries stored for provider, nothing to crawl")
		return summary, nil
	}

	for _, q := range queries {
		reason, err := c.runQuery(ctx, src, q, &summary)
		if err != nil {
			return summary, err
		}
		summary.Stops[q.Name] = reason
		metrics.CrawlStops.WithLabelValues(c.provider, reason).Inc()
		if reason == StopQuota || reason == StopCancelled {
			break
		}
	}
	c.log.WithFields(logrus.Fields{
		"pages":    summary.Pages,
		"created":  summary.WantedCreated,
		"mentions": summary.Mentions,
	}).Info("Auto wanted crawl finished")
	return summary, nil
}

func (c *Crawler) runQuery(ctx context.Context, src Source, q *Query, summary *RunSummary) (string, error) {
	qLog := c.log.WithField("query", q.Name)
	defaults, err := c.queryDefaults(ctx, q.Name)
	if err != nil {
		return "", err
	}

	for {
		if !c.pause(ctx) {
			return StopCancelled, nil
		}
		qLog.WithFields(logrus.Fields{"page": q.Page, "params": q.Params}).Info("Querying provider for auto wanted galleries")

		page, err := src.FetchPage(ctx, q)
		switch {
		case errors.Is(err, utils.ErrDatabase):
			return "", err
		case errors.Is(err, utils.ErrQuotaExhausted):
			qLog.Warn("Daily query quota used up, stopping crawl")
			return StopQuota, nil
		case errors.Is(err, utils.ErrConfigValidation):
			qLog.Errorf("Cannot run query: %v", err)
			return StopConfig, nil
		case errors.Is(err, utils.ErrRobotsDisallowed):
			qLog.Warnf("Listing is disallowed by robots.txt: %v", err)
			return StopRobots, nil
		case ctx.Err() != nil:
			return StopCancelled, nil
		case errors.Is(err, utils.ErrParsing):
			qLog.Errorf("Got to page %d, but could not parse the response: %v", q.Page, err)
			return StopParse, nil
		case err != nil || page == nil:
			qLog.Errorf("Got to page %d, but did not get a response, stopping: %v", q.Page, err)
			return StopNoResponse, nil
		}
		summary.Pages++
		metrics.CrawlPages.WithLabelValues(c.provider).Inc()

		if len(page.IDs) == 0 {
			qLog.Errorf("Got to page %d, but it listed no galleries, stopping", q.Page)
			return StopEmpty, nil
		}

		used, err := c.seen(ctx, src, page.IDs)
		if err != nil {
			return "", err
		}
		force, err := c.forceProcess(ctx)
		if err != nil {
			return "", err
		}
		usedCount := 0
		var unseen []string
		for _, id := range page.IDs {
			if used[id] {
				usedCount++
				continue
			}
			unseen = append(unseen, id)
		}
		qLog.Infof("Page has %d entries, from which %d are already known", len(page.IDs), usedCount)
		if usedCount == len(page.IDs) {
			if !force {
				qLog.Infof("Got to page %d, it has already been processed entirely, stopping", q.Page)
				return StopProcessed, nil
			}
			if !src.NextPage(q, page) {
				return StopLastPage, nil
			}
			continue
		}

		items, err := src.Resolve(ctx, q, page, unseen)
		if errors.Is(err, utils.ErrDatabase) {
			return "", err
		}
		if err != nil {
			qLog.Errorf("Could not resolve entries of page %d: %v", q.Page, err)
			return StopParse, nil
		}
		for i := range items {
			if err := c.storeItem(ctx, qLog, defaults, &items[i], summary); err != nil {
				return "", err
			}
		}

		if !src.NextPage(q, page) {
			return StopLastPage, nil
		}
	}
}

// pause sleeps wait_timer before every request but the first of a run.
func (c *Crawler) pause(ctx context.Context) bool {
	c.rounds++
	if c.rounds == 1 || c.cfg.WaitTimer <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(c.cfg.WaitTimer)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Crawler) seen(ctx context.Context, src Source, ids []string) (map[string]bool, error) {
	if sc, ok := src.(SeenChecker); ok {
		return sc.Seen(ctx, ids)
	}
	return c.store.ExistingGIDs(ctx, c.provider, ids)
}

func (c *Crawler) forceProcess(ctx context.Context) (bool, error) {
	attr, err := c.store.GetOrCreateAttribute(ctx, models.NewBoolAttribute(c.provider, AttrForceProcess, false))
	if err != nil {
		return false, err
	}
	return attr.Bool(false), nil
}

// storeItem writes one item: gallery, wanted gallery, mention and processed link.
func (c *Crawler) storeItem(ctx context.Context, qLog *logrus.Entry, defaults models.WantedGallery, item *Item, summary *RunSummary) error {
	if item.Record != nil {
		if item.Record.Provider == "" {
			item.Record.Provider = c.provider
		}
		if _, _, err := c.store.UpsertGallery(ctx, item.Record.ToGallery()); err != nil {
			return err
		}
		summary.Galleries++
	}

	value := item.TitleJpn
	if c.cfg.WantedKey == config.WantedKeyTitle {
		value = item.Title
	}
	if strings.TrimSpace(value) == "" {
		qLog.WithField("id", item.ID).Debugf("Entry has no %s, not creating a wanted gallery", c.cfg.WantedKey)
		return c.markProcessed(ctx, item)
	}
	searchTitle := match.FormatTitleToWantedSearch(value)

	w := defaults
	w.Title = item.Title
	if w.Title == "" {
		w.Title = item.TitleJpn
	}
	w.TitleJpn = item.TitleJpn
	w.SearchTitle = searchTitle
	w.BookType = item.BookType
	w.PageCount = item.PageCount
	w.Publisher = item.Publisher
	w.Artists = item.Artists
	w.CreateDate = c.now()

	key := catalog.WantedKey{
		Field:          c.cfg.WantedKey,
		Value:          value,
		SearchTitle:    searchTitle,
		Publisher:      item.Publisher,
		MatchPublisher: item.MatchPublisher,
	}
	wanteds, created, err := c.store.FindOrCreateWanted(ctx, key, &w)
	if err != nil {
		return err
	}
	if created {
		summary.WantedCreated++
		metrics.WantedCreated.Inc()
		qLog.WithField("title", w.Title).Info("Created wanted gallery")
	}

	for _, wg := range wanteds {
		m := item.Mention
		m.WantedID = wg.ID
		if m.Source == "" {
			m.Source = c.provider
		}
		if m.MentionDate.IsZero() {
			m.MentionDate = c.now()
		}
		mCreated, err := c.store.GetOrCreateMention(ctx, &m)
		if err != nil {
			return err
		}
		if !mCreated {
			continue
		}
		summary.Mentions++
		metrics.MentionsCreated.Inc()
		if _, err := c.releases.CalculateNearestReleaseDate(ctx, wg.ID); err != nil {
			return err
		}
	}
	return c.markProcessed(ctx, item)
}

func (c *Crawler) markProcessed(ctx context.Context, item *Item) error {
	if item.Processed == nil {
		return nil
	}
	link := *item.Processed
	if link.Provider == "" {
		link.Provider = c.provider
	}
	_, err := c.store.CreateProcessedLink(ctx, link)
	return err
}

// queryDefaults builds the template for wanted galleries created by query name.
func (c *Crawler) queryDefaults(ctx context.Context, name string) (models.WantedGallery, error) {
	w := models.WantedGallery{
		ShouldSearch:             true,
		KeepSearching:            true,
		Category:                 c.auto.DefaultCategory,
		UnwantedTitle:            c.unwanted,
		RegexpUnwantedTitle:      c.auto.RegexpUnwantedTitle,
		RegexpUnwantedTitleIcase: c.auto.RegexpUnwantedTitleIcase,
	}

	get := func(prefix string) (models.Attribute, bool, error) {
		return c.store.GetAttribute(ctx, c.provider, prefix+name)
	}
	var firstErr error
	str := func(prefix string, dst *string) {
		if a, ok, err := get(prefix); err != nil {
			firstErr = errors.Join(firstErr, err)
		} else if ok && a.Value != "" {
			*dst = a.Value
		}
	}
	flag := func(prefix string, dst *bool) {
		if a, ok, err := get(prefix); err != nil {
			firstErr = errors.Join(firstErr, err)
		} else if ok {
			*dst = a.Bool(*dst)
		}
	}
	str(ReasonPrefix, &w.Reason)
	str(CategoryPrefix, &w.Category)
	flag(PublicPrefix, &w.Public)
	flag(ShouldSearchPrefix, &w.ShouldSearch)
	flag(KeepSearchingPrefix, &w.KeepSearching)
	flag(NotifyWhenFoundPrefix, &w.NotifyWhenFound)

	var single, multi string
	str(ProviderPrefix, &single)
	str(ProvidersPrefix, &multi)
	if firstErr != nil {
		return w, firstErr
	}

	wantedProviders, err := c.knownProviders(ctx, append([]string{single}, strings.FieldsFunc(multi, isListSep)...))
	if err != nil {
		return w, err
	}
	w.WantedProviders = wantedProviders
	return w, nil
}

func isListSep(r rune) bool { return r == ' ' || r == ',' || r == '\t' || r == '\n' }

// knownProviders keeps the slugs registered in the catalog, logging the rest.
func (c *Crawler) knownProviders(ctx context.Context, slugs []string) ([]string, error) {
	var wanted []string
	for _, s := range slugs {
		if s = strings.TrimSpace(s); s != "" {
			wanted = append(wanted, s)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}
	providers, err := c.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(providers))
	for _, p := range providers {
		known[p.Slug] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, s := range wanted {
		if seen[s] {
			continue
		}
		seen[s] = true
		if !known[s] {
			c.log.Warnf("Wanted provider '%s' is not registered, ignoring", s)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
