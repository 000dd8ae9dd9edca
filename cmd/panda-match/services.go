package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/hashing"
	"github.com/pandabackup/panda-match/pkg/jobs"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/metrics"
	"github.com/pandabackup/panda-match/pkg/orchestrate"
	"github.com/pandabackup/panda-match/pkg/storage"
)

// services holds the components every catalog command shares.
type services struct {
	cfg        *config.AppConfig
	log        *logrus.Logger
	entry      *logrus.Entry
	catalog    *catalog.Store
	cache      *storage.BadgerStore
	fetcher    *fetch.Fetcher
	registry   *jobs.Registry
	hasher     *hashing.Service
	reconciler *match.Reconciler
	archives   *match.ArchiveMatcher
}

// openServices opens the catalog and hash cache and wires the matching services.
// Jobs started through the registry derive their context from ctx.
func openServices(ctx context.Context, appCfg *config.AppConfig, log *logrus.Logger) (*services, error) {
	entry := log.WithField("component", "main")

	store, err := catalog.Open(appCfg.DatabasePath, entry)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	cache, err := storage.NewBadgerStore(appCfg.HashCacheDir, entry)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open hash cache: %w", err)
	}

	fetcher := fetch.NewFetcher(fetch.NewClient(appCfg.HTTPClientSettings, entry), appCfg, entry)
	reconciler := match.NewReconciler(store, entry)
	return &services{
		cfg:        appCfg,
		log:        log,
		entry:      entry,
		catalog:    store,
		cache:      cache,
		fetcher:    fetcher,
		registry:   jobs.NewRegistry(ctx, entry),
		hasher:     hashing.NewService(store, cache, appCfg.MediaRoot, entry),
		reconciler: reconciler,
		archives:   match.NewArchiveMatcher(store, cache, entry),
	}, nil
}

// orchestrator builds a crawl orchestrator for the given provider keys.
func (s *services) orchestrator(keys []string) *orchestrate.Orchestrator {
	return orchestrate.NewOrchestrator(s.cfg, s.catalog, s.reconciler, s.fetcher, s.registry, keys, s.entry)
}

// startBackground runs the maintenance loops of long-lived modes: badger value log
// GC, idle host semaphore eviction and the metrics endpoint.
func (s *services) startBackground(ctx context.Context) {
	go s.cache.RunGC(ctx, 10*time.Minute)
	go s.fetcher.Hosts().RunEviction(ctx, 5*time.Minute)
	if s.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, s.cfg.MetricsAddr, s.entry); err != nil {
				s.log.Errorf("Metrics server error: %v", err)
			}
		}()
	}
}

// Close cancels running jobs and closes the stores.
func (s *services) Close() {
	s.registry.CancelAll()
	if err := s.cache.Close(); err != nil {
		s.log.Errorf("Error closing hash cache: %v", err)
	}
	if err := s.catalog.Close(); err != nil {
		s.log.Errorf("Error closing catalog: %v", err)
	}
}
