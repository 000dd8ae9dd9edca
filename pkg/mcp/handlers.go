package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pandabackup/panda-match/pkg/jobs"
	"github.com/pandabackup/panda-match/pkg/match"
	"github.com/pandabackup/panda-match/pkg/utils"
)

// handleListProviders handles the list_providers tool
func (s *Server) handleListProviders(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys := s.cfg.AppConfig.ProviderKeys()
	providers := make([]map[string]interface{}, 0, len(keys))
	for _, key := range keys {
		p := s.cfg.AppConfig.Providers[key]
		info := map[string]interface{}{
			"key":      key,
			"name":     p.DisplayName(key),
			"kind":     p.Kind,
			"base_url": p.BaseURL,
			"queries":  len(p.Queries),
		}
		if s.registry.IsRunning(jobs.AutoWantedKey(key)) {
			info["status"] = "running"
		}
		providers = append(providers, info)
	}

	result := map[string]interface{}{
		"providers":       providers,
		"config_path":     s.cfg.ConfigPath,
		"total_providers": len(providers),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleRunAutoWanted handles the run_auto_wanted tool
func (s *Server) handleRunAutoWanted(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider := request.GetString("provider", "")
	if provider == "" {
		return mcp.NewToolResultError("provider parameter is required"), nil
	}
	if _, ok := s.cfg.AppConfig.Providers[provider]; !ok {
		return mcp.NewToolResultError(fmt.Sprintf("provider '%s' not found. Available providers: %v",
			provider, s.cfg.AppConfig.ProviderKeys())), nil
	}
	job, err := s.crawls.Start(provider)
	return s.startedResult(job, err, map[string]interface{}{"provider": provider})
}

// handleMatchWanted handles the match_wanted tool
func (s *Server) handleMatchWanted(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := request.GetString("provider_filter", "")
	job, err := s.registry.Start(jobs.KeyWebMatch, func(ctx context.Context, _ *jobs.Job) (any, error) {
		return s.reconciler.MatchEligibleWanted(ctx, filter)
	})
	return s.startedResult(job, err, map[string]interface{}{"provider_filter": filter})
}

// handleSearchWantedMatches handles the search_wanted_matches tool
func (s *Server) handleSearchWantedMatches(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := parseIDs(request.GetString("wanted_ids", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := match.SearchOptions{
		ProviderFilter: request.GetString("provider_filter", ""),
		Cutoff:         clampCutoff(request.GetFloat("cutoff", s.cfg.AppConfig.Matching.Cutoff)),
		MaxMatches:     clampMaxMatches(request.GetInt("max_matches", s.cfg.AppConfig.Matching.MaxMatches)),
		MustBeUsed:     request.GetBool("must_be_used", s.cfg.AppConfig.Matching.MustBeUsed),
	}
	job, err := s.registry.Start(jobs.KeyWebSearch, func(ctx context.Context, _ *jobs.Job) (any, error) {
		return s.reconciler.SearchGalleryTitleInternalMatches(ctx, ids, opts)
	})
	return s.startedResult(job, err, map[string]interface{}{"wanted_ids": ids, "cutoff": opts.Cutoff, "max_matches": opts.MaxMatches})
}

// handleMatchArchives handles the match_archives tool
func (s *Server) handleMatchArchives(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := parseIDs(request.GetString("archive_ids", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := match.InternalOptions{
		Providers:   splitList(request.GetString("providers", "")),
		Cutoff:      clampCutoff(request.GetFloat("cutoff", s.cfg.AppConfig.Matching.Cutoff)),
		MaxMatches:  clampMaxMatches(request.GetInt("max_matches", s.cfg.AppConfig.Matching.MaxMatches)),
		ByFilesize:  request.GetBool("by_filesize", true),
		ByThumbnail: request.GetBool("by_thumbnail", false),
	}
	job, err := s.registry.Start(jobs.KeyMatchUnmatched, func(ctx context.Context, _ *jobs.Job) (any, error) {
		return s.archives.MatchInternal(ctx, ids, opts)
	})
	return s.startedResult(job, err, map[string]interface{}{"archive_ids": ids, "providers": opts.Providers})
}

// handleHashArchives handles the hash_archives tool
func (s *Server) handleHashArchives(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := parseIDs(request.GetString("archive_ids", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	algorithms := splitList(request.GetString("algorithms", ""))
	if len(algorithms) == 0 {
		algorithms = s.cfg.AppConfig.Hashing.Algorithms
	}
	thumbnails := request.GetBool("thumbnails", false)
	images := request.GetBool("images", true)
	if !thumbnails && !images {
		return mcp.NewToolResultError("at least one of thumbnails or images must be true"), nil
	}
	job, err := s.registry.Start(jobs.KeyHash, func(ctx context.Context, _ *jobs.Job) (any, error) {
		return s.hasher.HashArchives(ctx, ids, algorithms, thumbnails, images)
	})
	return s.startedResult(job, err, map[string]interface{}{"archive_ids": ids, "algorithms": algorithms})
}

// handleImageSearch handles the image_search tool. It runs inline since a single
// image hash and lookup is fast.
func (s *Server) handleImageSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var r io.Reader
	switch path, data := request.GetString("path", ""), request.GetString("data", ""); {
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to open image: %v", err)), nil
		}
		defer f.Close()
		r = f
	case data != "":
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid base64 image data: %v", err)), nil
		}
		r = bytes.NewReader(raw)
	default:
		return mcp.NewToolResultError("path or data parameter is required"), nil
	}

	startTime := time.Now()
	res, err := s.hasher.ReverseImageSearch(ctx, r, request.GetBool("authenticated", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image search failed [%s]: %v", utils.CategorizeError(err), err)), nil
	}

	matches := make([]map[string]interface{}, 0, len(res.Matches))
	for _, m := range res.Matches {
		matches = append(matches, map[string]interface{}{
			"archive_id":    m.Archive.ID,
			"archive_title": m.Archive.Title,
			"archive_path":  m.Archive.Path,
			"position":      m.Image.Position,
			"image_name":    m.Image.Name,
		})
	}
	result := map[string]interface{}{
		"phash":         res.Hash,
		"matches":       matches,
		"total_matches": len(matches),
		"search_ms":     time.Since(startTime).Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.registry.Get(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	return mcp.NewToolResultText(formatJSON(jobView(job, true))), nil
}

// handleListJobs handles the list_jobs tool
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeOnly := request.GetBool("active_only", false)
	list := make([]map[string]interface{}, 0)
	for _, job := range s.registry.List() {
		if activeOnly && !job.Status.Active() {
			continue
		}
		list = append(list, jobView(job, false))
	}
	result := map[string]interface{}{
		"jobs":       list,
		"total_jobs": len(list),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// startedResult reports a job that was started, or the job already holding its key.
func (s *Server) startedResult(job *jobs.Job, err error, extra map[string]interface{}) (*mcp.CallToolResult, error) {
	result := map[string]interface{}{}
	for k, v := range extra {
		result[k] = v
	}
	switch {
	case errors.Is(err, utils.ErrJobRunning):
		result["status"] = "already_running"
		result["message"] = "A job of this kind is already in progress"
		if job != nil {
			result["job_id"] = job.ID
			result["job_key"] = job.Key
		}
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("failed to start job: %v", err)), nil
	default:
		result["status"] = "started"
		result["message"] = "Job started successfully"
		result["job_id"] = job.ID
		result["job_key"] = job.Key
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

func jobView(job *jobs.Job, withResult bool) map[string]interface{} {
	view := map[string]interface{}{
		"job_id":     job.ID,
		"job_key":    job.Key,
		"status":     job.Status,
		"started_at": job.StartedAt.Format(time.RFC3339),
	}
	if job.Progress != "" {
		view["progress"] = job.Progress
	}
	if !job.CompletedAt.IsZero() {
		view["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		view["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.Error != "" {
		view["error_message"] = job.Error
	}
	if withResult && job.Result != nil {
		view["result"] = job.Result
	}
	return view
}

// parseIDs parses a comma separated list of positive ids.
func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id '%s'", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func clampCutoff(c float64) float64 {
	if c <= 0 || c > 1 {
		return match.DefaultCutoff
	}
	return c
}

func clampMaxMatches(n int) int {
	if n <= 0 {
		return match.DefaultMaxMatches
	}
	if n > 100 {
		return 100
	}
	return n
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
