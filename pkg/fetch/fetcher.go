// Package fetch wraps the shared HTTP client with retries, per-host politeness
// and robots.txt checks for the auto-wanted sources.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/utils"
)

const maxBodyBytes = 32 << 20

// Response is a fully read HTTP response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher performs requests with retry, backoff and per-host limits.
type Fetcher struct {
	client *http.Client
	cfg    *config.AppConfig
	pacer  *Pacer
	hosts  *HostSemaphorePool
	log    *logrus.Entry
}

// NewFetcher creates a Fetcher. Retry settings, the default per-host delay and the
// per-host concurrency limit come from cfg.
func NewFetcher(client *http.Client, cfg *config.AppConfig, log *logrus.Entry) *Fetcher {
	log = log.WithField("component", "fetch")
	return &Fetcher{
		client: client,
		cfg:    cfg,
		pacer:  NewPacer(cfg.DefaultDelayPerHost, log),
		hosts:  NewHostSemaphorePool(cfg.MaxRequestsPerHost, log),
		log:    log,
	}
}

// SetHostDelay overrides the minimum delay between requests to host.
func (f *Fetcher) SetHostDelay(host string, d time.Duration) { f.pacer.SetGap(host, d) }

// SetCookies adds session cookies for baseURL's host to the client's jar.
func (f *Fetcher) SetCookies(baseURL string, cookies map[string]string) error {
	return SetCookies(f.client, baseURL, cookies)
}

// SetHostLimit overrides how many requests to host may be in flight at once.
func (f *Fetcher) SetHostLimit(host string, n int) { f.hosts.SetLimit(host, n) }

// Hosts exposes the per-host semaphore pool so long running modes can evict idle hosts.
func (f *Fetcher) Hosts() *HostSemaphorePool { return f.hosts }

// Get fetches rawURL and reads the whole body. Any HTTP response, including 4xx,
// is returned; nil means the request could not be built or every attempt failed
// at the network or 5xx level. Failures are logged, never returned.
func (f *Fetcher) Get(ctx context.Context, rawURL string, headers http.Header) *Response {
	reqLog := f.log.WithField("url", rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		reqLog.Errorf("%v", fmt.Errorf("%w: %w", utils.ErrRequestCreation, err))
		return nil
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && f.cfg.DefaultUserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.DefaultUserAgent)
	}

	host := req.URL.Hostname()
	acquireCtx, cancel := context.WithTimeout(ctx, f.semaphoreTimeout())
	release, err := f.hosts.Acquire(acquireCtx, host)
	cancel()
	if err != nil {
		reqLog.Warnf("%v", fmt.Errorf("%w: host %s: %w", utils.ErrSemaphoreTimeout, host, err))
		return nil
	}
	defer release()

	if err := f.pacer.Wait(ctx, host); err != nil {
		return nil
	}
	resp, err := f.FetchWithRetry(ctx, req)
	if resp == nil {
		reqLog.Warnf("Request failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		reqLog.Warnf("%v", fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err))
		return nil
	}
	return &Response{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
}

func (f *Fetcher) semaphoreTimeout() time.Duration {
	if f.cfg.SemaphoreAcquireTimeout > 0 {
		return f.cfg.SemaphoreAcquireTimeout
	}
	return 30 * time.Second
}

// FetchWithRetry performs req with exponential backoff and jitter. Network errors,
// 5xx and 429 are retried up to MaxRetries times; other 4xx and unexpected statuses
// return the response together with a wrapped error and the caller must close the body.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	reqLog := f.log.WithField("url", req.URL.String())
	maxRetries := f.cfg.MaxRetries
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoff(attempt)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries, "delay": delay}).Warn("Retrying request...")
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) after error: %w", err, lastErr)
			}
			return nil, err
		}

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			reqLog.WithField("attempt", attempt).Errorf("Network error: %v", err)
			lastErr = err
			continue
		}

		code := resp.StatusCode
		switch {
		case code >= 200 && code < 300:
			return resp, nil
		case code >= 500:
			lastErr = fmt.Errorf("%w: status %d", utils.ErrServerHTTPError, code)
		case code == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: status %d", utils.ErrClientHTTPError, code)
		case code >= 400:
			reqLog.WithField("status_code", code).Warn("Client error (4xx), not retrying")
			return resp, fmt.Errorf("%w: status %d", utils.ErrClientHTTPError, code)
		default:
			return resp, fmt.Errorf("%w: status %d", utils.ErrOtherHTTPError, code)
		}
		reqLog.WithFields(logrus.Fields{"status_code": code, "attempt": attempt}).Warn("Retryable status")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	reqLog.Errorf("All %d attempts failed. Last error: %v", maxRetries+1, lastErr)
	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

// backoff is initial * 2^(attempt-1), capped at MaxRetryDelay, +/- 10% jitter.
func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(f.cfg.InitialRetryDelay) * math.Pow(2, float64(attempt-1)))
	if ceiling := f.cfg.MaxRetryDelay; ceiling > 0 && (delay <= 0 || delay > ceiling) {
		delay = ceiling
	}
	if delay < 0 {
		return 0
	}
	return jitter(delay)
}

// ResolveURL joins ref onto base, returning ref unchanged when either fails to parse.
func ResolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// UserAgentHeader returns headers carrying only ua, or nil when ua is empty.
func UserAgentHeader(ua string) http.Header {
	if ua == "" {
		return nil
	}
	return http.Header{"User-Agent": {ua}}
}
