package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pandabackup/panda-match/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile, logLevel := commonFlags(fs)
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	usageFor(fs, "mcp-server", `  # Start with stdio transport
  panda-match mcp-server -config config.yaml

  # Start with SSE transport on port 8080
  panda-match mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  list_providers         List configured auto-wanted providers
  run_auto_wanted        Start a background crawl of one provider
  match_wanted           Match eligible wanted galleries against the catalog
  search_wanted_matches  Fuzzy search gallery titles for wanted galleries
  match_archives         Match unmatched archives to galleries
  hash_archives          Hash archive pages and thumbnails
  image_search           Find archive pages matching an image
  get_job_status         Status of a background job
  list_jobs              List background jobs`)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doMcpServer(*configFile, *transport, *port, *logLevel, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doMcpServer is the testable implementation of the MCP server. The protocol owns
// stdout, so every log line goes to stderr.
func doMcpServer(configPath, transport string, port int, logLevel string, stdout, stderr io.Writer) int {
	appCfg, log, err := loadAndValidateConfig(configPath, logLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}

	ctx, stop := signalContext(log)
	defer stop()

	svc, err := openServices(ctx, appCfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Close()
	svc.startBackground(ctx)

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig:  appCfg,
		ConfigPath: configPath,
		Transport:  transport,
		Port:       port,
		Logger:     log,
		Catalog:    svc.catalog,
		Cache:      svc.cache,
		Fetcher:    svc.fetcher,
		Registry:   svc.registry,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}
	defer server.Shutdown(context.Background())

	log.Infof("Starting MCP server (transport: %s)", transport)
	if err := server.Run(); err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}
