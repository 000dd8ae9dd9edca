package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/utils"
)

func testConfig(maxRetries int) *config.AppConfig {
	return &config.AppConfig{
		DefaultUserAgent:        "panda-match-test",
		MaxRetries:              maxRetries,
		InitialRetryDelay:       10 * time.Millisecond,
		MaxRetryDelay:           50 * time.Millisecond,
		MaxRequestsPerHost:      4,
		SemaphoreAcquireTimeout: time.Second,
	}
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testFetcher(maxRetries int) *Fetcher {
	return NewFetcher(&http.Client{Timeout: 10 * time.Second}, testConfig(maxRetries), testLogger())
}

// sequenceServer answers with statusCodes in order, repeating the last one.
func sequenceServer(t *testing.T, statusCodes []int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	attempts := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(attempts.Add(1)) - 1
		if idx >= len(statusCodes) {
			idx = len(statusCodes) - 1
		}
		w.WriteHeader(statusCodes[idx])
		io.WriteString(w, "body")
	}))
	t.Cleanup(server.Close)
	return server, attempts
}

func TestFetchWithRetry(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		maxRetries   int
		wantAttempts int32
		wantStatus   int // 0 means no response
		wantErr      []error
	}{
		{name: "ok", statuses: []int{200}, maxRetries: 2, wantAttempts: 1, wantStatus: 200},
		{name: "5xx then ok", statuses: []int{500, 502, 200}, maxRetries: 3, wantAttempts: 3, wantStatus: 200},
		{name: "429 then ok", statuses: []int{429, 200}, maxRetries: 2, wantAttempts: 2, wantStatus: 200},
		{
			name: "5xx exhausted", statuses: []int{503}, maxRetries: 2, wantAttempts: 3,
			wantErr: []error{utils.ErrRetryFailed, utils.ErrServerHTTPError},
		},
		{
			name: "429 exhausted", statuses: []int{429}, maxRetries: 1, wantAttempts: 2,
			wantErr: []error{utils.ErrRetryFailed, utils.ErrClientHTTPError},
		},
		{
			name: "404 not retried", statuses: []int{404}, maxRetries: 3, wantAttempts: 1, wantStatus: 404,
			wantErr: []error{utils.ErrClientHTTPError},
		},
		{
			name: "304 not retried", statuses: []int{304}, maxRetries: 3, wantAttempts: 1, wantStatus: 304,
			wantErr: []error{utils.ErrOtherHTTPError},
		},
		{
			name: "zero retries", statuses: []int{500}, maxRetries: 0, wantAttempts: 1,
			wantErr: []error{utils.ErrRetryFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, attempts := sequenceServer(t, tt.statuses)
			req, err := http.NewRequest(http.MethodGet, server.URL, nil)
			require.NoError(t, err)

			resp, err := testFetcher(tt.maxRetries).FetchWithRetry(context.Background(), req)
			if resp != nil {
				defer resp.Body.Close()
			}

			assert.Equal(t, tt.wantAttempts, attempts.Load())
			if tt.wantStatus == 0 {
				assert.Nil(t, resp)
			} else {
				require.NotNil(t, resp)
				assert.Equal(t, tt.wantStatus, resp.StatusCode)
			}
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
			}
			for _, want := range tt.wantErr {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestFetchWithRetry_ContextCancelledBeforeAttempt(t *testing.T) {
	server, attempts := sequenceServer(t, []int{200})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := testFetcher(2).FetchWithRetry(ctx, req)

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), attempts.Load())
}

func TestFetchWithRetry_ContextTimeoutDuringBackoff(t *testing.T) {
	server, attempts := sequenceServer(t, []int{500})
	cfg := testConfig(3)
	cfg.InitialRetryDelay = 2 * time.Second
	cfg.MaxRetryDelay = 2 * time.Second
	f := NewFetcher(&http.Client{Timeout: 5 * time.Second}, cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	start := time.Now()
	resp, err := f.FetchWithRetry(ctx, req)

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, utils.ErrServerHTTPError, "last attempt's error is kept")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetchWithRetry_NetworkErrorExhausts(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	deadURL := server.URL
	server.Close()

	req, _ := http.NewRequest(http.MethodGet, deadURL, nil)
	resp, err := testFetcher(1).FetchWithRetry(context.Background(), req)

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, utils.ErrRetryFailed)
}

func TestGet(t *testing.T) {
	var gotAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent.Store(r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/ok":
			io.WriteString(w, "<html>listing</html>")
		case "/missing":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()
	f := testFetcher(1)

	t.Run("body and default agent", func(t *testing.T) {
		resp := f.Get(context.Background(), server.URL+"/ok", nil)
		require.NotNil(t, resp)
		assert.True(t, resp.OK())
		assert.Equal(t, "<html>listing</html>", string(resp.Body))
		assert.Equal(t, "panda-match-test", gotAgent.Load())
	})

	t.Run("caller agent wins", func(t *testing.T) {
		resp := f.Get(context.Background(), server.URL+"/ok", UserAgentHeader("provider-agent"))
		require.NotNil(t, resp)
		assert.Equal(t, "provider-agent", gotAgent.Load())
	})

	t.Run("4xx is returned", func(t *testing.T) {
		resp := f.Get(context.Background(), server.URL+"/missing", nil)
		require.NotNil(t, resp)
		assert.False(t, resp.OK())
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("exhausted retries give nil", func(t *testing.T) {
		assert.Nil(t, f.Get(context.Background(), server.URL+"/broken", nil))
	})

	t.Run("bad url gives nil", func(t *testing.T) {
		assert.Nil(t, f.Get(context.Background(), "://nope", nil))
	})
}

func TestGet_AppliesHostDelay(t *testing.T) {
	server, attempts := sequenceServer(t, []int{200})
	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	f := testFetcher(0)
	f.SetHostDelay(u.Hostname(), 150*time.Millisecond)

	start := time.Now()
	require.NotNil(t, f.Get(context.Background(), server.URL, nil))
	require.NotNil(t, f.Get(context.Background(), server.URL, nil))

	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"https://books.example/list/page/2", "/g/123", "https://books.example/g/123"},
		{"https://books.example/list/", "detail?id=9", "https://books.example/list/detail?id=9"},
		{"https://books.example/", "https://cdn.example/t.jpg", "https://cdn.example/t.jpg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveURL(tt.base, tt.ref))
	}
}

func TestUserAgentHeader(t *testing.T) {
	assert.Nil(t, UserAgentHeader(""))
	assert.Equal(t, "ua", UserAgentHeader("ua").Get("User-Agent"))
}
