package fetch

import (
	"context"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// RobotsHandler answers robots.txt questions for html providers. Each host's
// file is fetched once; concurrent first lookups share one request.
type RobotsHandler struct {
	fetcher *Fetcher
	log     *logrus.Entry

	inflight singleflight.Group
	mu       sync.RWMutex
	byHost   map[string]*robotstxt.RobotsData // nil value: fetched, nothing usable
}

func NewRobotsHandler(f *Fetcher, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		fetcher: f,
		log:     log.WithField("component", "robots"),
		byHost:  make(map[string]*robotstxt.RobotsData),
	}
}

// Data returns the parsed robots.txt for target's host or nil when none could be
// read. A 4xx response parses to allow-all.
func (rh *RobotsHandler) Data(ctx context.Context, target *url.URL, userAgent string) *robotstxt.RobotsData {
	host := target.Host
	rh.mu.RLock()
	data, seen := rh.byHost[host]
	rh.mu.RUnlock()
	if seen {
		return data
	}

	v, _, _ := rh.inflight.Do(host, func() (any, error) {
		rh.mu.RLock()
		data, seen := rh.byHost[host]
		rh.mu.RUnlock()
		if seen {
			return data, nil
		}
		data = rh.load(ctx, target, userAgent)
		rh.mu.Lock()
		rh.byHost[host] = data
		rh.mu.Unlock()
		return data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (rh *RobotsHandler) load(ctx context.Context, target *url.URL, userAgent string) *robotstxt.RobotsData {
	scheme := target.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	robotsURL := (&url.URL{Scheme: scheme, Host: target.Host, Path: "/robots.txt"}).String()
	log := rh.log.WithField("robots_url", robotsURL)

	resp := rh.fetcher.Get(ctx, robotsURL, UserAgentHeader(userAgent))
	if resp == nil {
		log.Warn("robots.txt unreachable, allowing everything")
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
	if err != nil {
		log.Warnf("Unparseable robots.txt: %v", err)
		return nil
	}
	return data
}

// Allowed reports whether userAgent may fetch target. A Crawl-delay for the
// agent's group raises the host's pacing gap when it is longer.
func (rh *RobotsHandler) Allowed(ctx context.Context, target *url.URL, userAgent string) bool {
	data := rh.Data(ctx, target, userAgent)
	if data == nil {
		return true
	}
	group := data.FindGroup(userAgent)
	if group == nil {
		return true
	}
	host := target.Hostname()
	if group.CrawlDelay > rh.fetcher.pacer.Gap(host) {
		rh.log.WithFields(logrus.Fields{"host": host, "crawl_delay": group.CrawlDelay}).Info("Honouring robots.txt Crawl-delay")
		rh.fetcher.SetHostDelay(host, group.CrawlDelay)
	}
	return group.Test(target.RequestURI())
}
