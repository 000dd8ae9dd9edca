package fetch

import (
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pandabackup/panda-match/pkg/config"
	"github.com/pandabackup/panda-match/pkg/utils"
)

const maxRedirects = 10

// NewClient builds the HTTP client shared by every provider. It carries a
// cookie jar so providers with session cookies stay logged in across pages.
func NewClient(cfg config.HTTPClientConfig, log *logrus.Entry) *http.Client {
	jar, _ := cookiejar.New(nil) // only fails on a bad PublicSuffixList
	return &http.Client{
		Timeout:       orDefault(cfg.Timeout, 45*time.Second),
		Transport:     newTransport(cfg),
		Jar:           jar,
		CheckRedirect: redirectPolicy(log.WithField("component", "http_client")),
	}
}

func newTransport(cfg config.HTTPClientConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   orDefault(cfg.DialerTimeout, 15*time.Second),
		KeepAlive: orDefault(cfg.DialerKeepAlive, 30*time.Second),
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = dialer.DialContext
	t.TLSHandshakeTimeout = orDefault(cfg.TLSHandshakeTimeout, 10*time.Second)
	t.MaxResponseHeaderBytes = 1 << 20
	if cfg.MaxIdleConns > 0 {
		t.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		t.IdleConnTimeout = cfg.IdleConnTimeout
	}
	if cfg.ExpectContinueTimeout > 0 {
		t.ExpectContinueTimeout = cfg.ExpectContinueTimeout
	}
	if cfg.ForceAttemptHTTP2 != nil {
		t.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}
	return t
}

// redirectPolicy follows at most maxRedirects hops and only to http(s) targets.
func redirectPolicy(log *logrus.Entry) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: stopped after %d redirects", utils.ErrRedirectRefused, maxRedirects)
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return fmt.Errorf("%w: non-http target %s", utils.ErrRedirectRefused, req.URL)
		}
		log.Debugf("Redirect %d: %s -> %s", len(via), via[len(via)-1].URL, req.URL)
		return nil
	}
}

// SetCookies stores cookies for baseURL's host in client's jar. Clients without
// a jar are left alone.
func SetCookies(client *http.Client, baseURL string, cookies map[string]string) error {
	if client.Jar == nil || len(cookies) == 0 {
		return nil
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %s", utils.ErrInvalidURL, baseURL)
	}
	jar := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		jar = append(jar, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	client.Jar.SetCookies(u, jar)
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
