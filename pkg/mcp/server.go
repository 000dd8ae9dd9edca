// Package mcp exposes matching, crawling and hashing jobs as MCP tools.
package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/hashing"
	"github.com/pandabackup/panda-match/pkg/jobs"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/orchestrate"
	"github.com/pandabackup/panda-match/pkg/storage"
)

const (
	serverName    = "panda-match"
	serverVersion = "0.4.0"
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger

	Catalog  *catalog.Store
	Cache    *storage.BadgerStore
	Fetcher  *fetch.Fetcher
	Registry *jobs.Registry
}

// Server wraps the MCP server with the matching services its tools call
type Server struct {
	mcpServer *server.MCPServer
	cfg       *ServerConfig
	log       *logrus.Entry

	registry   *jobs.Registry
	reconciler *match.Reconciler
	archives   *match.ArchiveMatcher
	hasher     *hashing.Service
	crawls     *orchestrate.Orchestrator
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Catalog == nil || cfg.Cache == nil || cfg.Fetcher == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("catalog, hash cache, fetcher and job registry are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	log := cfg.Logger.WithField("component", "mcp")

	reconciler := match.NewReconciler(cfg.Catalog, log)
	s := &Server{
		mcpServer:  server.NewMCPServer(serverName, serverVersion, server.WithLogging()),
		cfg:        cfg,
		log:        log,
		registry:   cfg.Registry,
		reconciler: reconciler,
		archives:   match.NewArchiveMatcher(cfg.Catalog, cfg.Cache, log),
		hasher:     hashing.NewService(cfg.Catalog, cfg.Cache, cfg.AppConfig.MediaRoot, log),
		crawls: orchestrate.NewOrchestrator(cfg.AppConfig, cfg.Catalog, reconciler, cfg.Fetcher,
			cfg.Registry, cfg.AppConfig.ProviderKeys(), log),
	}

	s.registerTools()
	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	tools := []server.ServerTool{
		{
			Tool: mcp.NewTool("list_providers",
				mcp.WithDescription("List configured auto-wanted providers and whether a crawl is running"),
			),
			Handler: s.handleListProviders,
		},
		{
			Tool: mcp.NewTool("run_auto_wanted",
				mcp.WithDescription("Start a background auto-wanted crawl of one provider. Returns immediately with a job ID."),
				mcp.WithString("provider", mcp.Required(), mcp.Description("Provider key from the config file")),
			),
			Handler: s.handleRunAutoWanted,
		},
		{
			Tool: mcp.NewTool("match_wanted",
				mcp.WithDescription("Confirm catalog galleries accepted by every wanted gallery eligible to search"),
				mcp.WithString("provider_filter", mcp.Description("Only consider galleries of this provider")),
			),
			Handler: s.handleMatchWanted,
		},
		{
			Tool: mcp.NewTool("search_wanted_matches",
				mcp.WithDescription("Stage fuzzy title matches between wanted galleries and catalog galleries"),
				mcp.WithString("wanted_ids", mcp.Description("Comma separated wanted gallery ids (default: all eligible)")),
				mcp.WithString("provider_filter", mcp.Description("Substring of the gallery provider")),
				mcp.WithNumber("cutoff", mcp.Description("Minimum similarity ratio, 0 to 1")),
				mcp.WithNumber("max_matches", mcp.Description("Maximum matches per wanted gallery")),
				mcp.WithBoolean("must_be_used", mcp.Description("Only galleries that already have an archive")),
			),
			Handler: s.handleSearchWantedMatches,
		},
		{
			Tool: mcp.NewTool("match_archives",
				mcp.WithDescription("Propose galleries for archives by title, file size and hashes"),
				mcp.WithString("archive_ids", mcp.Description("Comma separated archive ids (default: all unmatched)")),
				mcp.WithString("providers", mcp.Description("Comma separated provider substrings, each matched as its own group")),
				mcp.WithNumber("cutoff", mcp.Description("Minimum similarity ratio, 0 to 1")),
				mcp.WithNumber("max_matches", mcp.Description("Maximum title matches per archive")),
				mcp.WithBoolean("by_filesize", mcp.Description("Also match on identical file size")),
				mcp.WithBoolean("by_thumbnail", mcp.Description("Also match on thumbnail and page hashes")),
			),
			Handler: s.handleMatchArchives,
		},
		{
			Tool: mcp.NewTool("hash_archives",
				mcp.WithDescription("Compute and cache hashes of archive thumbnails and pages"),
				mcp.WithString("archive_ids", mcp.Description("Comma separated archive ids (default: all)")),
				mcp.WithString("algorithms", mcp.Description("Comma separated algorithms (default: configured)")),
				mcp.WithBoolean("thumbnails", mcp.Description("Hash archive thumbnails")),
				mcp.WithBoolean("images", mcp.Description("Hash archive pages")),
			),
			Handler: s.handleHashArchives,
		},
		{
			Tool: mcp.NewTool("image_search",
				mcp.WithDescription("Find archive pages whose perceptual hash equals an image's"),
				mcp.WithString("path", mcp.Description("Local image file")),
				mcp.WithString("data", mcp.Description("Base64 encoded image, used when path is empty")),
				mcp.WithBoolean("authenticated", mcp.Description("Include pages of non-public archives")),
			),
			Handler: s.handleImageSearch,
		},
		{
			Tool: mcp.NewTool("get_job_status",
				mcp.WithDescription("Get the status and result of a background job"),
				mcp.WithString("job_id", mcp.Required(), mcp.Description("The job ID returned when the job started")),
			),
			Handler: s.handleGetJobStatus,
		},
		{
			Tool: mcp.NewTool("list_jobs",
				mcp.WithDescription("List background jobs, newest first"),
				mcp.WithBoolean("active_only", mcp.Description("Only pending and running jobs")),
			),
			Handler: s.handleListJobs,
		},
	}
	s.mcpServer.AddTools(tools...)
	s.log.Infof("Registered %d MCP tools", len(tools))
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels every running job
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.registry.CancelAll()
	return nil
}
