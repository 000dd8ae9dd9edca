package parse

import (
	"net"
	"net/url"
	"path"
	"strings"
)

// canonicalHost lowercases host and drops the scheme's default port.
func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			return h
		}
	}
	return host
}

// GIDFromLink turns a gallery link found on a listing page into the provider's
// gallery id: the cleaned path of the resolved link without surrounding slashes.
// Links that are not http(s), point at another host or resolve to the site root
// give "".
func GIDFromLink(pageURL, link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	page, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(link)
	if err != nil {
		return ""
	}
	u := page.ResolveReference(ref)
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	if canonicalHost(scheme, u.Host) != canonicalHost(strings.ToLower(page.Scheme), page.Host) {
		return ""
	}
	gid := strings.Trim(path.Clean("/"+u.Path), "/")
	if gid == "." {
		return ""
	}
	return gid
}

// DetailLink is the inverse of GIDFromLink for a provider rooted at baseURL.
func DetailLink(baseURL, gid string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(gid, "/")
}
