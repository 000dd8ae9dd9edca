package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRobotsHandler_Allowed(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fetches.Add(1)
			io.WriteString(w, "User-agent: *\nDisallow: /private/\n\nUser-agent: blocked-bot\nDisallow: /\n")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rh := NewRobotsHandler(testFetcher(0), testLogger())
	tests := []struct {
		path  string
		agent string
		want  bool
	}{
		{"/list/page/1", "panda-match", true},
		{"/private/x", "panda-match", false},
		{"/list/page/1", "blocked-bot", false},
	}
	for _, tt := range tests {
		u, err := url.Parse(server.URL + tt.path)
		require.NoError(t, err)
		assert.Equal(t, tt.want, rh.Allowed(context.Background(), u, tt.agent), "%s as %s", tt.path, tt.agent)
	}
	assert.Equal(t, int32(1), fetches.Load(), "robots.txt is cached per host")
}

func TestRobotsHandler_MissingAllowsAll(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	rh := NewRobotsHandler(testFetcher(0), testLogger())
	u, _ := url.Parse(server.URL + "/anything")
	assert.True(t, rh.Allowed(context.Background(), u, "panda-match"))
}

func TestRobotsHandler_UnreachableAllowsAll(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	dead := server.URL
	server.Close()

	rh := NewRobotsHandler(testFetcher(0), testLogger())
	u, _ := url.Parse(dead + "/anything")
	assert.True(t, rh.Allowed(context.Background(), u, "panda-match"))
	assert.Nil(t, rh.Data(context.Background(), u, "panda-match"))
}

func TestRobotsHandler_CrawlDelayRaisesGap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "User-agent: *\nCrawl-delay: 2\nDisallow: /private/\n")
	}))
	defer server.Close()

	f := testFetcher(0)
	rh := NewRobotsHandler(f, testLogger())
	u, err := url.Parse(server.URL + "/list/page/1")
	require.NoError(t, err)

	assert.True(t, rh.Allowed(context.Background(), u, "panda-match"))
	assert.Equal(t, 2*time.Second, f.pacer.Gap(u.Hostname()))
}

func TestRobotsHandler_ConcurrentLookupsShareFetch(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		time.Sleep(30 * time.Millisecond)
		io.WriteString(w, "User-agent: *\nDisallow: /private/\n")
	}))
	defer server.Close()

	rh := NewRobotsHandler(testFetcher(0), testLogger())
	u, err := url.Parse(server.URL + "/private/a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.False(t, rh.Allowed(context.Background(), u, "panda-match"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fetches.Load())
}
