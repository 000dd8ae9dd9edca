package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/jobs"
	"github.com/pandabackup/panda-match/pkg/utils"
	"github.com/pandabackup/panda-match/pkg/wanted"
)

// ProviderResult contains the result of crawling a single provider
type ProviderResult struct {
	Provider string             `json:"provider"`
	JobID    string             `json:"job_id,omitempty"`
	Success  bool               `json:"success"`
	Skipped  bool               `json:"skipped,omitempty"` // A crawl of the provider was already running
	Error    string             `json:"error,omitempty"`
	Summary  *wanted.RunSummary `json:"summary,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Orchestrator runs auto-wanted crawls of several providers in parallel. Each
// crawl is a job under the provider's auto_wanted key.
type Orchestrator struct {
	appCfg    *config.AppConfig
	store     wanted.Catalog
	releases  wanted.ReleaseDater
	fetcher   *fetch.Fetcher
	robots    *fetch.RobotsHandler
	registry  *jobs.Registry
	log       *logrus.Entry
	providers []string

	results   []ProviderResult
	resultsMu sync.Mutex
}

// NewOrchestrator creates an orchestrator for the given provider keys. The fetcher
// is shared so per-host limits hold across providers.
func NewOrchestrator(appCfg *config.AppConfig, store wanted.Catalog, releases wanted.ReleaseDater, fetcher *fetch.Fetcher,
	registry *jobs.Registry, providers []string, log *logrus.Entry) *Orchestrator {
	log = log.WithField("component", "orchestrator")
	return &Orchestrator{
		appCfg:    appCfg,
		store:     store,
		releases:  releases,
		fetcher:   fetcher,
		robots:    fetch.NewRobotsHandler(fetcher, log),
		registry:  registry,
		log:       log,
		providers: providers,
		results:   make([]ProviderResult, 0, len(providers)),
	}
}

// Run crawls every provider, at most auto_wanted.max_parallel_providers at a time,
// and returns one result per provider ordered by key.
func (o *Orchestrator) Run(ctx context.Context) []ProviderResult {
	startTime := time.Now()
	o.log.Infof("Starting auto-wanted crawl of %d providers: %v", len(o.providers), o.providers)

	g := new(errgroup.Group)
	limit := o.appCfg.AutoWanted.MaxParallelProviders
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, key := range o.providers {
		g.Go(func() error {
			result := o.RunProvider(ctx, key)
			o.resultsMu.Lock()
			o.results = append(o.results, result)
			o.resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.resultsMu.Lock()
	sort.Slice(o.results, func(i, j int) bool { return o.results[i].Provider < o.results[j].Provider })
	out := append([]ProviderResult(nil), o.results...)
	o.resultsMu.Unlock()

	o.logSummary(out, time.Since(startTime))
	return out
}

// RunProvider crawls one provider through the job registry and waits for it.
func (o *Orchestrator) RunProvider(ctx context.Context, key string) ProviderResult {
	startTime := time.Now()
	result := ProviderResult{Provider: key}
	log := o.log.WithField("provider", key)

	job, err := o.Start(key)
	if err != nil {
		result.Error = err.Error()
		if errors.Is(err, utils.ErrJobRunning) {
			result.Skipped = true
			log.Warn("Crawl already running, skipping")
		} else {
			log.Errorf("Could not start crawl: %v", err)
		}
		return result
	}
	result.JobID = job.ID

	done, err := o.registry.Wait(ctx, job.ID)
	if err != nil {
		o.registry.Cancel(job.ID)
		done, _ = o.registry.Wait(context.Background(), job.ID)
	}
	result.Duration = time.Since(startTime)
	if done == nil {
		result.Error = "job disappeared"
		return result
	}
	if summary, ok := done.Result.(wanted.RunSummary); ok {
		result.Summary = &summary
	}
	result.Success = done.Status == jobs.StatusCompleted
	result.Error = done.Error
	return result
}

// Start launches the crawl of one provider as a background job and returns at once.
func (o *Orchestrator) Start(key string) (*jobs.Job, error) {
	if _, ok := o.appCfg.Providers[key]; !ok {
		return nil, fmt.Errorf("%w: provider '%s'", utils.ErrNotFound, key)
	}
	return o.registry.Start(jobs.AutoWantedKey(key), func(ctx context.Context, job *jobs.Job) (any, error) {
		crawler := wanted.NewCrawler(o.store, o.releases, key, o.appCfg, o.log)
		if err := crawler.Seed(ctx); err != nil {
			return nil, err
		}
		src, err := wanted.NewSource(key, o.appCfg, o.fetcher, o.robots, o.store, o.log)
		if err != nil {
			return nil, err
		}
		summary, err := crawler.Run(ctx, src)
		o.registry.SetProgress(job.ID, fmt.Sprintf("%d pages, %d wanted created", summary.Pages, summary.WantedCreated))
		return summary, err
	})
}

// logSummary logs a summary of all crawl results
func (o *Orchestrator) logSummary(results []ProviderResult, totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Auto-wanted crawl completed in %v", totalDuration)

	var created, mentions int
	successCount, failCount := 0, 0
	for _, r := range results {
		status := "SUCCESS"
		switch {
		case r.Skipped:
			status = "SKIPPED"
		case !r.Success:
			status = "FAILED"
			failCount++
		default:
			successCount++
		}
		if r.Summary != nil {
			created += r.Summary.WantedCreated
			mentions += r.Summary.Mentions
			o.log.Infof("  %s: %s - %d pages, %d wanted created in %v", r.Provider, status, r.Summary.Pages, r.Summary.WantedCreated, r.Duration)
		} else {
			o.log.Infof("  %s: %s", r.Provider, status)
		}
		if r.Error != "" {
			o.log.Infof("    Error: %s", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d providers (%d success, %d failed), %d wanted galleries and %d mentions created",
		len(results), successCount, failCount, created, mentions)
	o.log.Info("============================================")
}

// ValidateProviderKeys checks that all provided keys exist in the config
func ValidateProviderKeys(appCfg *config.AppConfig, keys []string) error {
	for _, key := range keys {
		if _, exists := appCfg.Providers[key]; !exists {
			return fmt.Errorf("%w: provider '%s' not found. Available providers: %v", utils.ErrNotFound, key, appCfg.ProviderKeys())
		}
	}
	return nil
}
