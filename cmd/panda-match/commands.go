package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/jobs"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/models"
	"github.com/pandabackup/panda-match/pkg/orchestrate"
	"github.com/pandabackup/panda-match/pkg/utils"
	"github.com/pandabackup/panda-match/pkg/worker"
)

// withServices loads the config, opens the catalog and runs fn. Returns the exit code.
func withServices(configPath, logLevel string, stderr io.Writer, fn func(ctx context.Context, svc *services) int) int {
	appCfg, log, err := loadAndValidateConfig(configPath, logLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logAppConfig(appCfg, log)

	ctx, stop := signalContext(log)
	defer stop()

	svc, err := openServices(ctx, appCfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Close()
	return fn(ctx, svc)
}

// commandError reports err and maps it to an exit code. Cancellation is a clean exit.
func commandError(svc *services, what string, err error) int {
	if errors.Is(err, context.Canceled) {
		svc.log.Warnf("%s cancelled gracefully.", what)
		return 0
	}
	svc.log.Errorf("%s failed [%s]: %v", what, utils.CategorizeError(err), err)
	return 1
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range splitKeys(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id '%s'", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	providerKey := fs.String("provider", "", "Provider key to validate (optional, validates all if empty)")
	usageFor(fs, "validate", "")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, *providerKey, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath, providerKey string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Providers are checked one by one below so every broken entry is reported.
	providers := appCfg.Providers
	appCfg.Providers = nil
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	appCfg.Providers = providers

	keys := appCfg.ProviderKeys()
	if providerKey != "" {
		if _, ok := providers[providerKey]; !ok {
			fmt.Fprintf(stderr, "Error: provider '%s' not found in config\n", providerKey)
			return 1
		}
		keys = []string{providerKey}
	}

	hasError := false
	for _, key := range keys {
		p := providers[key]
		pWarnings, err := p.Validate()
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", key, err)
			hasError = true
			continue
		}
		for _, w := range pWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", key, w)
		}
		fmt.Fprintf(stdout, "OK: [%s]\n", key)
	}
	if hasError {
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListProviders handles the list-providers subcommand
func runListProviders(args []string) {
	fs := flag.NewFlagSet("list-providers", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	usageFor(fs, "list-providers", "")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doListProviders(*configFile, os.Stdout, os.Stderr))
}

// doListProviders lists providers and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doListProviders(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Providers in %s:\n\n", configPath)
	for _, key := range appCfg.ProviderKeys() {
		p := appCfg.Providers[key]
		fmt.Fprintf(stdout, "  %s\n", key)
		if p.Name != "" {
			fmt.Fprintf(stdout, "    Name: %s\n", p.Name)
		}
		fmt.Fprintf(stdout, "    Kind: %s\n", p.Kind)
		fmt.Fprintf(stdout, "    Base URL: %s\n", p.BaseURL)
		fmt.Fprintf(stdout, "    Queries: %d\n", len(p.Queries))
		fmt.Fprintln(stdout)
	}
	return 0
}

// runAutoWanted handles the auto-wanted subcommand
func runAutoWanted(args []string) {
	fs := flag.NewFlagSet("auto-wanted", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	provider := fs.String("provider", "", "Provider key from config (single provider)")
	providers := fs.String("providers", "", "Comma-separated provider keys crawled in parallel")
	allProviders := fs.Bool("all-providers", false, "Crawl all configured providers in parallel")
	usageFor(fs, "auto-wanted", `  panda-match auto-wanted -provider announcements
  panda-match auto-wanted -providers announcements,books
  panda-match auto-wanted --all-providers`)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var keys []string
	switch {
	case *allProviders:
	case *providers != "":
		keys = splitKeys(*providers)
	case *provider != "":
		keys = []string{*provider}
	default:
		fmt.Fprintln(os.Stderr, "Error: one of -provider, -providers, or --all-providers is required")
		fs.Usage()
		os.Exit(1)
	}
	os.Exit(doAutoWanted(*configFile, *logLevel, keys, *allProviders, os.Stdout, os.Stderr))
}

// doAutoWanted crawls the given providers (all when allProviders) and prints one
// line per provider. A provider whose crawl was already running counts as success.
func doAutoWanted(configPath, logLevel string, keys []string, allProviders bool, stdout, stderr io.Writer) int {
	return withServices(configPath, logLevel, stderr, func(ctx context.Context, svc *services) int {
		if allProviders {
			keys = svc.cfg.ProviderKeys()
		}
		if len(keys) == 0 {
			fmt.Fprintln(stderr, "Error: no providers configured")
			return 1
		}
		if err := orchestrate.ValidateProviderKeys(svc.cfg, keys); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}

		results := svc.orchestrator(keys).Run(ctx)
		exit := 0
		for _, r := range results {
			switch {
			case r.Skipped:
				fmt.Fprintf(stdout, "SKIPPED: [%s] %s\n", r.Provider, r.Error)
			case !r.Success:
				fmt.Fprintf(stdout, "FAILED: [%s] %s\n", r.Provider, r.Error)
				exit = 1
			default:
				fmt.Fprintf(stdout, "OK: [%s] %d pages, %d wanted created, %d mentions\n",
					r.Provider, r.Summary.Pages, r.Summary.WantedCreated, r.Summary.Mentions)
			}
		}
		return exit
	})
}

// runMatchWanted handles the match-wanted subcommand
func runMatchWanted(args []string) {
	fs := flag.NewFlagSet("match-wanted", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	providerFilter := fs.String("provider-filter", "", "Only consider galleries of this provider")
	wantedID := fs.Int64("wanted", 0, "Match a single wanted gallery instead of every eligible one")
	usageFor(fs, "match-wanted", "")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doMatchWanted(*configFile, *logLevel, *wantedID, *providerFilter, os.Stdout, os.Stderr))
}

func doMatchWanted(configPath, logLevel string, wantedID int64, providerFilter string, stdout, stderr io.Writer) int {
	return withServices(configPath, logLevel, stderr, func(ctx context.Context, svc *services) int {
		if wantedID > 0 {
			found, err := svc.reconciler.MatchAgainstGalleries(ctx, wantedID, providerFilter)
			if err != nil {
				return commandError(svc, "Matching", err)
			}
			fmt.Fprintf(stdout, "Wanted gallery %d: %d galleries found %v\n", wantedID, len(found), found)
			return 0
		}
		total, err := svc.reconciler.MatchEligibleWanted(ctx, providerFilter)
		if err != nil {
			return commandError(svc, "Matching", err)
		}
		fmt.Fprintf(stdout, "Matched %d galleries\n", total)
		return 0
	})
}

// runSearchMatches handles the search-matches subcommand
func runSearchMatches(args []string) {
	fs := flag.NewFlagSet("search-matches", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	opts := searchOpts{}
	fs.StringVar(&opts.wantedIDs, "wanted", "", "Comma-separated wanted gallery ids (default: all eligible)")
	fs.StringVar(&opts.providerFilter, "provider-filter", "", "Substring of the gallery provider")
	fs.Float64Var(&opts.cutoff, "cutoff", 0, "Minimum similarity ratio (default: matching.cutoff)")
	fs.IntVar(&opts.maxMatches, "max-matches", 0, "Maximum matches per wanted gallery (default: matching.max_matches)")
	fs.BoolVar(&opts.mustBeUsed, "must-be-used", false, "Only galleries that already have an archive")
	fs.BoolVar(&opts.internal, "create-found", false, "Also confirm galleries accepted by each wanted gallery's filter")
	usageFor(fs, "search-matches", "")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doSearchMatches(*configFile, *logLevel, opts, os.Stdout, os.Stderr))
}

type searchOpts struct {
	wantedIDs      string
	providerFilter string
	cutoff         float64
	maxMatches     int
	mustBeUsed     bool
	internal       bool
}

func doSearchMatches(configPath, logLevel string, opts searchOpts, stdout, stderr io.Writer) int {
	ids, err := parseIDList(opts.wantedIDs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return withServices(configPath, logLevel, stderr, func(ctx context.Context, svc *services) int {
		search := match.SearchOptions{
			ProviderFilter: opts.providerFilter,
			Cutoff:         opts.cutoff,
			MaxMatches:     opts.maxMatches,
			MustBeUsed:     opts.mustBeUsed || svc.cfg.Matching.MustBeUsed,
		}
		if search.Cutoff <= 0 {
			search.Cutoff = svc.cfg.Matching.Cutoff
		}
		if search.MaxMatches <= 0 {
			search.MaxMatches = svc.cfg.Matching.MaxMatches
		}
		staged, err := svc.reconciler.SearchGalleryTitleInternalMatches(ctx, ids, search)
		if err != nil {
			return commandError(svc, "Title search", err)
		}
		fmt.Fprintf(stdout, "Staged %d gallery matches\n", staged)

		if opts.internal {
			for _, id := range ids {
				found, err := svc.reconciler.CreateGalleryMatchesInternally(ctx, id, opts.providerFilter)
				if err != nil {
					return commandError(svc, "Internal matching", err)
				}
				fmt.Fprintf(stdout, "Wanted gallery %d: %d galleries found\n", id, len(found))
			}
		}
		return 0
	})
}

// runMatchArchives handles the match-archives subcommand
func runMatchArchives(args []string) {
	fs := flag.NewFlagSet("match-archives", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	opts := archiveOpts{}
	fs.StringVar(&opts.archiveIDs, "archives", "", "Comma-separated archive ids (default: all unmatched)")
	fs.StringVar(&opts.providers, "providers", "", "Comma-separated provider substrings, each matched as its own group")
	fs.Float64Var(&opts.cutoff, "cutoff", 0, "Minimum similarity ratio (default: matching.cutoff)")
	fs.IntVar(&opts.maxMatches, "max-matches", 0, "Maximum title matches per archive (default: matching.max_matches)")
	fs.BoolVar(&opts.byFilesize, "by-filesize", true, "Also match on identical file size")
	fs.BoolVar(&opts.byThumbnail, "by-thumbnail", false, "Also match on cached thumbnail and page hashes")
	fs.BoolVar(&opts.replace, "replace", false, "Replace existing candidates with fresh title matches instead of adding")
	fs.Int64Var(&opts.confirmArchive, "confirm-archive", 0, "Archive id to link to -confirm-gallery")
	fs.Int64Var(&opts.confirmGallery, "confirm-gallery", 0, "Gallery id to link to -confirm-archive")
	usageFor(fs, "match-archives", `  panda-match match-archives -providers books,news -by-thumbnail
  panda-match match-archives -confirm-archive 12 -confirm-gallery 340`)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doMatchArchives(*configFile, *logLevel, opts, os.Stdout, os.Stderr))
}

type archiveOpts struct {
	archiveIDs     string
	providers      string
	cutoff         float64
	maxMatches     int
	byFilesize     bool
	byThumbnail    bool
	replace        bool
	confirmArchive int64
	confirmGallery int64
}

func doMatchArchives(configPath, logLevel string, opts archiveOpts, stdout, stderr io.Writer) int {
	ids, err := parseIDList(opts.archiveIDs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if (opts.confirmArchive > 0) != (opts.confirmGallery > 0) {
		fmt.Fprintln(stderr, "Error: -confirm-archive and -confirm-gallery must be given together")
		return 1
	}
	return withServices(configPath, logLevel, stderr, func(ctx context.Context, svc *services) int {
		if opts.confirmArchive > 0 {
			if err := svc.archives.ConfirmArchiveMatch(ctx, opts.confirmArchive, opts.confirmGallery, models.MatchTypeManual); err != nil {
				return commandError(svc, "Confirming match", err)
			}
			fmt.Fprintf(stdout, "Archive %d linked to gallery %d\n", opts.confirmArchive, opts.confirmGallery)
			return 0
		}

		cutoff, maxMatches := opts.cutoff, opts.maxMatches
		if cutoff <= 0 {
			cutoff = svc.cfg.Matching.Cutoff
		}
		if maxMatches <= 0 {
			maxMatches = svc.cfg.Matching.MaxMatches
		}

		var written int
		if opts.replace {
			provider := ""
			if ps := splitKeys(opts.providers); len(ps) > 0 {
				provider = ps[0]
			}
			written, err = svc.archives.MatchArchivesFromGalleryTitles(ctx, ids, cutoff, maxMatches, provider)
		} else {
			written, err = svc.archives.MatchInternal(ctx, ids, match.InternalOptions{
				Providers:   splitKeys(opts.providers),
				Cutoff:      cutoff,
				MaxMatches:  maxMatches,
				ByFilesize:  opts.byFilesize,
				ByThumbnail: opts.byThumbnail,
			})
		}
		if err != nil {
			return commandError(svc, "Archive matching", err)
		}
		fmt.Fprintf(stdout, "Wrote %d archive matches\n", written)
		return 0
	})
}

// runHash handles the hash subcommand
func runHash(args []string) {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	opts := hashOpts{}
	fs.StringVar(&opts.archiveIDs, "archives", "", "Comma-separated archive ids (default: all)")
	fs.StringVar(&opts.galleryIDs, "galleries", "", "Comma-separated gallery ids whose thumbnails to hash")
	fs.BoolVar(&opts.allGalleries, "all-galleries", false, "Hash thumbnails of every eligible gallery")
	fs.StringVar(&opts.algorithms, "algorithms", "", "Comma-separated algorithms (default: hashing.algorithms)")
	fs.BoolVar(&opts.thumbnails, "thumbnails", false, "Hash archive thumbnails")
	fs.BoolVar(&opts.images, "images", true, "Hash archive pages")
	fs.StringVar(&opts.dump, "dump", "", "Write every cached hash to this file after hashing")
	usageFor(fs, "hash", "")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doHash(*configFile, *logLevel, opts, os.Stdout, os.Stderr))
}

type hashOpts struct {
	archiveIDs   string
	galleryIDs   string
	allGalleries bool
	algorithms   string
	thumbnails   bool
	images       bool
	dump         string
}

func doHash(configPath, logLevel string, opts hashOpts, stdout, stderr io.Writer) int {
	archiveIDs, err := parseIDList(opts.archiveIDs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	galleryIDs, err := parseIDList(opts.galleryIDs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return withServices(configPath, logLevel, stderr, func(ctx context.Context, svc *services) int {
		algorithms := splitKeys(opts.algorithms)
		if len(algorithms) == 0 {
			algorithms = svc.cfg.Hashing.Algorithms
		}

		out := map[string]any{}
		if opts.thumbnails || opts.images {
			results, err := svc.hasher.HashArchives(ctx, archiveIDs, algorithms, opts.thumbnails, opts.images)
			if err != nil {
				return commandError(svc, "Hashing archives", err)
			}
			out["archives"] = results
		}
		if len(galleryIDs) > 0 || opts.allGalleries {
			thumbs, err := svc.hasher.HashGalleryThumbnails(ctx, galleryIDs, algorithms)
			if err != nil {
				return commandError(svc, "Hashing gallery thumbnails", err)
			}
			out["galleries"] = thumbs
		}
		if err := writeJSON(stdout, out); err != nil {
			return commandError(svc, "Writing results", err)
		}

		if opts.dump != "" {
			if err := svc.cache.WriteIndexLog(ctx, opts.dump); err != nil {
				return commandError(svc, "Writing hash dump", err)
			}
		}
		return 0
	})
}

// runImageSearch handles the image-search subcommand
func runImageSearch(args []string) {
	fs := flag.NewFlagSet("image-search", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	imagePath := fs.String("image", "", "Image file to search for (required)")
	authenticated := fs.Bool("authenticated", false, "Include pages of non-public archives")
	usageFor(fs, "image-search", "")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "Error: -image is required")
		fs.Usage()
		os.Exit(1)
	}
	os.Exit(doImageSearch(*configFile, *logLevel, *imagePath, *authenticated, os.Stdout, os.Stderr))
}

func doImageSearch(configPath, logLevel, imagePath string, authenticated bool, stdout, stderr io.Writer) int {
	f, err := os.Open(imagePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer f.Close()

	return withServices(configPath, logLevel, stderr, func(ctx context.Context, svc *services) int {
		res, err := svc.hasher.ReverseImageSearch(ctx, f, authenticated)
		if err != nil {
			return commandError(svc, "Image search", err)
		}
		if err := writeJSON(stdout, res); err != nil {
			return commandError(svc, "Writing results", err)
		}
		return 0
	})
}

// runRecalc handles the recalc subcommand
func runRecalc(args []string) {
	fs := flag.NewFlagSet("recalc", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	opts := recalcOpts{}
	fs.StringVar(&opts.archiveIDs, "archives", "", "Comma-separated archive ids (default: all)")
	fs.BoolVar(&opts.missingOnly, "missing-only", false, "Only archives without file info yet")
	fs.BoolVar(&opts.thumbnails, "thumbnails", false, "Also regenerate archive thumbnails")
	usageFor(fs, "recalc", "")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doRecalc(*configFile, *logLevel, opts, os.Stdout, os.Stderr))
}

type recalcOpts struct {
	archiveIDs  string
	missingOnly bool
	thumbnails  bool
}

// doRecalc queues every selected archive on the archive worker: file info always,
// thumbnails on request and page phashes when hashing.auto_phash_images is set.
func doRecalc(configPath, logLevel string, opts recalcOpts, stdout, stderr io.Writer) int {
	ids, err := parseIDList(opts.archiveIDs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return withServices(configPath, logLevel, stderr, func(ctx context.Context, svc *services) int {
		archives, err := svc.catalog.ListArchives(ctx, catalog.ArchiveFilter{IDs: ids, MissingHash: opts.missingOnly})
		if err != nil {
			return commandError(svc, "Listing archives", err)
		}
		ids = ids[:0]
		for _, a := range archives {
			ids = append(ids, a.ID)
		}

		w := worker.New(svc.catalog, svc.cfg.NumWorkers, svc.entry)
		w.Register(worker.RecalcTask{Store: svc.catalog, Paths: svc.hasher})
		w.Register(worker.ThumbnailTask{Store: svc.catalog, Paths: svc.hasher,
			Dir: svc.cfg.Hashing.ThumbnailDir, Width: svc.cfg.Hashing.ThumbnailWidth})
		w.Register(worker.PhashTask{Hasher: svc.hasher})

		tasks := []string{worker.TaskRecalc}
		if opts.thumbnails {
			tasks = append(tasks, worker.TaskThumbnail)
		}
		if svc.cfg.Hashing.AutoPhashImages {
			tasks = append(tasks, worker.TaskPhash)
		}
		for _, task := range tasks {
			if err := w.Enqueue(task, ids...); err != nil {
				return commandError(svc, "Queueing archives", err)
			}
		}

		job, err := svc.registry.Start(jobs.KeyRecalc, func(ctx context.Context, _ *jobs.Job) (any, error) {
			return w.Run(ctx)
		})
		if err != nil {
			return commandError(svc, "Recalc", err)
		}
		done, err := svc.registry.Wait(ctx, job.ID)
		if err != nil {
			svc.registry.Cancel(job.ID)
			return commandError(svc, "Recalc", err)
		}
		report, _ := done.Result.(worker.Report)
		fmt.Fprintf(stdout, "Processed %d archive tasks, %d failed\n", report.Processed, report.Failed)
		switch done.Status {
		case jobs.StatusCompleted:
		case jobs.StatusCancelled:
			return commandError(svc, "Recalc", context.Canceled)
		default:
			return commandError(svc, "Recalc", fmt.Errorf("job %s %s: %s", jobs.KeyRecalc, done.Status, done.Error))
		}
		return 0
	})
}
