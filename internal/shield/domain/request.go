package domain

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/haukened/rr-shield/internal/shield/common/utils"
)

// RequestDescriptor holds the request facts the engines need. It is derived
// once per request and never mutated; the URL fields must be treated as
// read-only by every consumer.
type RequestDescriptor struct {
	URL             *url.URL
	MainDocumentURL *url.URL // nil for a top-level navigation without context
	AcceptHeader    string
	HTTPMethod      string
	Cookie          string // raw Cookie header, used by per-host workarounds
}

// NewRequestDescriptor parses rawURL and mainDocumentURL into a descriptor.
// An empty mainDocumentURL means the request is the main document itself.
// Only http and https URLs are accepted.
func NewRequestDescriptor(rawURL, mainDocumentURL, accept, method string) (RequestDescriptor, error) {
	u, err := parseHTTPURL(rawURL)
	if err != nil {
		return RequestDescriptor{}, fmt.Errorf("request url: %w", err)
	}

	var main *url.URL
	if mainDocumentURL != "" {
		main, err = parseHTTPURL(mainDocumentURL)
		if err != nil {
			return RequestDescriptor{}, fmt.Errorf("main document url: %w", err)
		}
	}

	if method == "" {
		method = http.MethodGet
	}

	return RequestDescriptor{
		URL:             u,
		MainDocumentURL: main,
		AcceptHeader:    accept,
		HTTPMethod:      strings.ToUpper(method),
	}, nil
}

// WithCookie returns a copy of r carrying the raw Cookie header.
func (r RequestDescriptor) WithCookie(cookie string) RequestDescriptor {
	r.Cookie = cookie
	return r
}

// Host returns the canonical host of the request URL.
func (r RequestDescriptor) Host() string {
	if r.URL == nil {
		return ""
	}
	return utils.CanonicalHost(r.URL.Hostname())
}

// MainDocumentHost returns the canonical host of the main document, falling
// back to the request host for top-level navigations.
func (r RequestDescriptor) MainDocumentHost() string {
	if r.MainDocumentURL == nil {
		return r.Host()
	}
	return utils.CanonicalHost(r.MainDocumentURL.Hostname())
}

// IsMainDocument reports whether the request is the top-level document load.
func (r RequestDescriptor) IsMainDocument() bool {
	if r.MainDocumentURL == nil {
		return true
	}
	return NormalizeURL(r.URL) == NormalizeURL(r.MainDocumentURL)
}

// HasCookie reports whether the raw Cookie header carries a cookie named name.
func (r RequestDescriptor) HasCookie(name string) bool {
	if r.Cookie == "" {
		return false
	}
	cookies, err := http.ParseCookie(r.Cookie)
	if err != nil {
		return false
	}
	for _, c := range cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Key returns the decision-cache key of the request.
func (r RequestDescriptor) Key() DecisionKey {
	return NewDecisionKey(r.MainDocumentHost(), r.URL)
}

// DecisionKey is mainDocumentHost + "_" + normalizedURL. Two requests with the
// same key receive the same decision as long as rule data has not changed.
type DecisionKey string

// NewDecisionKey builds the cache key for u issued from mainDocumentHost.
func NewDecisionKey(mainDocumentHost string, u *url.URL) DecisionKey {
	return DecisionKey(utils.CanonicalHost(mainDocumentHost) + "_" + NormalizeURL(u))
}

// NormalizeURL lowercases scheme and host, drops default ports and the
// fragment. Path and query are kept verbatim.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	host := strings.ToLower(n.Hostname())
	port := n.Port()
	if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	n.Host = host
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	if n.Path == "" {
		n.Path = "/"
	}
	return n.String()
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	u.Scheme = scheme
	return u, nil
}
