package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pandabackup/panda-match/pkg/config"
	applog "github.com/pandabackup/panda-match/pkg/log"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "import":
		runImport(args)
	case "auto-wanted":
		runAutoWanted(args)
	case "match-wanted":
		runMatchWanted(args)
	case "search-matches":
		runSearchMatches(args)
	case "match-archives":
		runMatchArchives(args)
	case "hash":
		runHash(args)
	case "image-search":
		runImageSearch(args)
	case "recalc":
		runRecalc(args)
	case "watch":
		runWatch(args)
	case "validate":
		runValidate(args)
	case "list-providers":
		runListProviders(args)
	case "mcp-server":
		runMcpServer(args)
	case "version":
		fmt.Printf("panda-match %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `panda-match - Wanted gallery matching and reconciliation

Usage:
  panda-match <command> [options]

Commands:
  import          Load galleries, archives and wanted galleries from a YAML file
  auto-wanted     Crawl providers and merge announced titles into the wanted list
  match-wanted    Confirm catalog galleries accepted by eligible wanted galleries
  search-matches  Stage fuzzy title matches for wanted galleries
  match-archives  Propose or confirm galleries for local archives
  hash            Compute and cache archive hashes
  image-search    Find archive pages matching an image
  recalc          Recompute archive file info, thumbnails and page hashes
  watch           Run crawls and matching passes on schedule
  validate        Validate configuration file
  list-providers  List configured provider keys
  mcp-server      Start MCP server for AI tool integration
  version         Show version info

Run 'panda-match <command> -h' for command-specific help.`)
}

// commonFlags registers the flags every catalog command takes.
func commonFlags(fs *flag.FlagSet) (configFile, logLevel *string) {
	configFile = fs.String("config", "config.yaml", "Path to config file")
	logLevel = fs.String("loglevel", "", "Log level (debug, info, warn, error); defaults to log_level in config")
	return configFile, logLevel
}

func usageFor(fs *flag.FlagSet, name, examples string) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: panda-match %s [options]\n\nOptions:\n", name)
		fs.PrintDefaults()
		if examples != "" {
			fmt.Fprintf(os.Stderr, "\nExamples:\n%s\n", examples)
		}
	}
}

// loadConfig loads and parses the config file
func loadConfig(path string) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg config.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// loadAndValidateConfig loads the config file, applies defaults and builds the
// logger. The -loglevel flag wins over log_level in the file.
func loadAndValidateConfig(configPath, logLevel string, stderr io.Writer) (*config.AppConfig, *logrus.Logger, error) {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel == "" {
		logLevel = appCfg.LogLevel
	}
	log := applog.New(logLevel, stderr)

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, nil, err
	}
	return appCfg, log, nil
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Global Config: Workers:%d, MaxReqs:%d, MaxReqPerHost:%d, DefaultDelay:%v",
		appCfg.NumWorkers, appCfg.MaxRequests, appCfg.MaxRequestsPerHost, appCfg.DefaultDelayPerHost)
	log.Infof("Global Config Paths: StateDir:%s, Database:%s, HashCache:%s, MediaRoot:%s",
		appCfg.StateDir, appCfg.DatabasePath, appCfg.HashCacheDir, appCfg.MediaRoot)
	log.Infof("Global Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay)
	log.Infof("Global Config Matching: Cutoff:%.2f, MaxMatches:%d, MustBeUsed:%t",
		appCfg.Matching.Cutoff, appCfg.Matching.MaxMatches, appCfg.Matching.MustBeUsed)
	log.Infof("Global Config Hashing: Algorithms:%v, AutoPhash:%t, ThumbnailWidth:%d",
		appCfg.Hashing.Algorithms, appCfg.Hashing.AutoPhashImages, appCfg.Hashing.ThumbnailWidth)
	log.Infof("Global Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM. A second signal,
// or a shutdown that takes longer than 30s, forces exit.
func signalContext(log *logrus.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// splitKeys parses a comma separated list, dropping blanks.
func splitKeys(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
