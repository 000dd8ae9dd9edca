package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandabackup/panda-match/pkg/catalog"
	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/fetch"
	"github.com/pandabackup/panda-match/pkg/jobs"
	"github.com/pandabackup/panda-match/pkg/storage"
	"github.com/pandabackup/panda-match/pkg/utils"
)

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	log := logrus.NewEntry(logger)

	dir := t.TempDir()
	appCfg := &config.AppConfig{
		StateDir: dir,
		Providers: map[string]config.ProviderConfig{
			"news":  {Kind: config.ProviderKindFeed, BaseURL: "http://feeds.invalid"},
			"books": {Kind: config.ProviderKindAPI, BaseURL: "http://api.invalid", APIKey: "k", Name: "Book API"},
		},
	}
	_, err := appCfg.Validate()
	require.NoError(t, err)

	store, err := catalog.Open(filepath.Join(dir, "catalog.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cache, err := storage.NewBadgerStore(filepath.Join(dir, "hashes"), log)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	registry := jobs.NewRegistry(context.Background(), log)
	t.Cleanup(registry.CancelAll)

	s, err := NewServer(&ServerConfig{
		AppConfig:  appCfg,
		ConfigPath: "config.yaml",
		Transport:  "stdio",
		Logger:     logger,
		Catalog:    store,
		Cache:      cache,
		Fetcher:    fetch.NewFetcher(fetch.NewClient(appCfg.HTTPClientSettings, log), appCfg, log),
		Registry:   registry,
	})
	require.NoError(t, err)
	return s
}

func call(t *testing.T, h toolHandler, args map[string]any) (*mcp.CallToolResult, map[string]any) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	if res.IsError {
		return res, map[string]any{"error": text.Text}
	}
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &body))
	return res, body
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(&ServerConfig{})
	assert.Error(t, err)
	_, err = NewServer(&ServerConfig{AppConfig: &config.AppConfig{}})
	assert.Error(t, err)
}

func TestListProviders(t *testing.T) {
	s := newTestServer(t)
	_, body := call(t, s.handleListProviders, nil)

	assert.Equal(t, float64(2), body["total_providers"])
	providers := body["providers"].([]any)
	require.Len(t, providers, 2)
	first := providers[0].(map[string]any)
	assert.Equal(t, "books", first["key"])
	assert.Equal(t, "Book API", first["name"])
	assert.Equal(t, config.ProviderKindAPI, first["kind"])
	assert.NotContains(t, first, "status")
}

func TestRunAutoWantedUnknownProvider(t *testing.T) {
	s := newTestServer(t)
	res, body := call(t, s.handleRunAutoWanted, map[string]any{"provider": "ghost"})
	assert.True(t, res.IsError)
	assert.Contains(t, body["error"], "ghost")

	res, _ = call(t, s.handleRunAutoWanted, nil)
	assert.True(t, res.IsError)
}

func TestMatchWantedRunsAsJob(t *testing.T) {
	s := newTestServer(t)
	_, body := call(t, s.handleMatchWanted, map[string]any{"provider_filter": "news"})
	require.Equal(t, "started", body["status"])
	assert.Equal(t, jobs.KeyWebMatch, body["job_key"])

	jobID := body["job_id"].(string)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := s.registry.Wait(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)

	_, status := call(t, s.handleGetJobStatus, map[string]any{"job_id": jobID})
	assert.Equal(t, string(jobs.StatusCompleted), status["status"])
	assert.Equal(t, float64(0), status["result"])
	assert.Contains(t, status, "completed_at")

	_, list := call(t, s.handleListJobs, nil)
	assert.Equal(t, float64(1), list["total_jobs"])
	_, active := call(t, s.handleListJobs, map[string]any{"active_only": true})
	assert.Equal(t, float64(0), active["total_jobs"])
}

func TestJobAlreadyRunning(t *testing.T) {
	s := newTestServer(t)
	release := make(chan struct{})
	defer close(release)
	held, err := s.registry.Start(jobs.KeyWebSearch, func(context.Context, *jobs.Job) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	res, body := call(t, s.handleSearchWantedMatches, map[string]any{"cutoff": 0.7})
	assert.False(t, res.IsError)
	assert.Equal(t, "already_running", body["status"])
	assert.Equal(t, held.ID, body["job_id"])
}

func TestStartedResultFailure(t *testing.T) {
	s := newTestServer(t)
	res, err := s.startedResult(nil, errors.New("boom"), nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.startedResult(nil, utils.ErrJobRunning, map[string]interface{}{"provider": "news"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestInvalidArguments(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		h    toolHandler
		args map[string]any
	}{
		{"bad wanted ids", s.handleSearchWantedMatches, map[string]any{"wanted_ids": "1,x"}},
		{"bad archive ids", s.handleMatchArchives, map[string]any{"archive_ids": "-3"}},
		{"nothing to hash", s.handleHashArchives, map[string]any{"thumbnails": false, "images": false}},
		{"image without input", s.handleImageSearch, nil},
		{"image bad base64", s.handleImageSearch, map[string]any{"data": "%%%"}},
		{"image missing file", s.handleImageSearch, map[string]any{"path": "/nonexistent/page.png"}},
		{"job without id", s.handleGetJobStatus, nil},
		{"unknown job", s.handleGetJobStatus, map[string]any{"job_id": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := call(t, tt.h, tt.args)
			assert.True(t, res.IsError)
		})
	}
}

func TestParseIDs(t *testing.T) {
	tests := []struct {
		input   string
		want    []int64
		wantErr bool
	}{
		{"", nil, false},
		{"1", []int64{1}, false},
		{" 3, 1 ,2,", []int64{3, 1, 2}, false},
		{"0", nil, true},
		{"a", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseIDs(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClamps(t *testing.T) {
	assert.Equal(t, 0.4, clampCutoff(0))
	assert.Equal(t, 0.4, clampCutoff(1.5))
	assert.Equal(t, 0.8, clampCutoff(0.8))
	assert.Equal(t, 20, clampMaxMatches(-1))
	assert.Equal(t, 100, clampMaxMatches(500))
	assert.Equal(t, 7, clampMaxMatches(7))
}
