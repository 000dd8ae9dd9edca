package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pandabackup/panda-match/pkg/jobs"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/utils"
	"github.com/pandabackup/panda-match/pkg/watch"
)

// Job names accepted under watch.schedules besides "auto_wanted:<provider>".
const (
	watchAutoWanted    = "auto_wanted"
	watchMatchWanted   = "match_wanted"
	watchSearchMatches = "search_matches"
	watchMatchArchives = "match_archives"
	watchHash          = "hash"
)

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	usageFor(fs, "watch", `  # config.yaml
  watch:
    schedules:
      auto_wanted: "6h"
      match_wanted: "0 * * * *"
      hash: "1d"`)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doWatch(*configFile, *logLevel, os.Stdout, os.Stderr))
}

func doWatch(configPath, logLevel string, stdout, stderr io.Writer) int {
	return withServices(configPath, logLevel, stderr, func(ctx context.Context, svc *services) int {
		scheduler, err := buildScheduler(svc)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		svc.startBackground(ctx)
		if err := scheduler.Run(ctx); err != nil {
			return commandError(svc, "Watch", err)
		}
		return 0
	})
}

// buildScheduler registers one runner per configured schedule.
func buildScheduler(svc *services) (*watch.Scheduler, error) {
	if len(svc.cfg.Watch.Schedules) == 0 {
		return nil, fmt.Errorf("%w: watch.schedules is empty", utils.ErrConfigValidation)
	}
	names := make([]string, 0, len(svc.cfg.Watch.Schedules))
	for name := range svc.cfg.Watch.Schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	scheduler := watch.NewScheduler(svc.cfg.StateDir, svc.entry)
	for _, name := range names {
		run, err := watchRunner(svc, name)
		if err != nil {
			return nil, err
		}
		if err := scheduler.Add(name, svc.cfg.Watch.Schedules[name], run); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

// watchRunner maps a schedule name to the work it runs.
func watchRunner(svc *services, name string) (watch.Runner, error) {
	if provider, ok := strings.CutPrefix(name, watchAutoWanted+":"); ok {
		if _, exists := svc.cfg.Providers[provider]; !exists {
			return nil, fmt.Errorf("%w: watch job '%s': unknown provider", utils.ErrNotFound, name)
		}
		return crawlRunner(svc, []string{provider}), nil
	}

	matching := svc.cfg.Matching
	switch name {
	case watchAutoWanted:
		return crawlRunner(svc, svc.cfg.ProviderKeys()), nil
	case watchMatchWanted:
		return watch.JobRunner(svc.registry, jobs.KeyWebMatch, func(ctx context.Context, _ *jobs.Job) (any, error) {
			return svc.reconciler.MatchEligibleWanted(ctx, "")
		}), nil
	case watchSearchMatches:
		return watch.JobRunner(svc.registry, jobs.KeyWebSearch, func(ctx context.Context, _ *jobs.Job) (any, error) {
			return svc.reconciler.SearchGalleryTitleInternalMatches(ctx, nil, match.SearchOptions{
				Cutoff:     matching.Cutoff,
				MaxMatches: matching.MaxMatches,
				MustBeUsed: matching.MustBeUsed,
			})
		}), nil
	case watchMatchArchives:
		return watch.JobRunner(svc.registry, jobs.KeyMatchUnmatched, func(ctx context.Context, _ *jobs.Job) (any, error) {
			return svc.archives.MatchInternal(ctx, nil, match.InternalOptions{
				Cutoff:     matching.Cutoff,
				MaxMatches: matching.MaxMatches,
				ByFilesize: true,
			})
		}), nil
	case watchHash:
		return watch.JobRunner(svc.registry, jobs.KeyHash, func(ctx context.Context, _ *jobs.Job) (any, error) {
			results, err := svc.hasher.HashArchives(ctx, nil, svc.cfg.Hashing.Algorithms, true, true)
			count := 0
			for _, r := range results {
				count += len(r.Archives) + len(r.Images)
			}
			return count, err
		}), nil
	}
	return nil, fmt.Errorf("%w: unknown watch job '%s'", utils.ErrConfigValidation, name)
}

// crawlRunner crawls providers through the orchestrator, which holds each
// provider's auto_wanted job key itself. It counts created wanted galleries.
func crawlRunner(svc *services, providers []string) watch.Runner {
	return func(ctx context.Context) (int64, error) {
		var created int64
		var errs []error
		skipped := 0
		for _, r := range svc.orchestrator(providers).Run(ctx) {
			if r.Summary != nil {
				created += int64(r.Summary.WantedCreated)
			}
			switch {
			case r.Skipped:
				skipped++
			case !r.Success:
				errs = append(errs, fmt.Errorf("provider '%s': %s", r.Provider, r.Error))
			}
		}
		if len(providers) > 0 && skipped == len(providers) {
			return 0, utils.ErrJobRunning
		}
		return created, errors.Join(errs...)
	}
}
