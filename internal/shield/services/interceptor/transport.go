package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/haukened/rr-shield/internal/shield/domain"
)

const scriptCSP = "script-src 'none'"

type mainDocumentKey struct{}

// WithMainDocument attaches the URL of the page a request was issued from.
// Without it, navigations (Sec-Fetch-Mode: navigate) are main-document
// loads and other requests use their Referer.
func WithMainDocument(ctx context.Context, mainDocumentURL string) context.Context {
	return context.WithValue(ctx, mainDocumentKey{}, mainDocumentURL)
}

// mainDocumentFrom returns the main document URL of r, or "" for top-level
// navigations.
func mainDocumentFrom(r *http.Request) string {
	if v, ok := r.Context().Value(mainDocumentKey{}).(string); ok && v != "" {
		return v
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return ""
	}
	return r.Header.Get("Referer")
}

// Transport applies interception decisions to outgoing requests.
type Transport struct {
	interceptor *Interceptor
	next        http.RoundTripper
}

// Transport wraps next. A nil next uses http.DefaultTransport.
func (i *Interceptor) Transport(next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{interceptor: i, next: next}
}

// RoundTrip implements http.RoundTripper. Requests that are not http(s)
// pass through untouched.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	req, err := describe(r)
	if err != nil {
		return t.next.RoundTrip(r)
	}

	ctx := r.Context()
	d, shields := t.interceptor.Decide(ctx, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch d.Kind {
	case domain.DecisionBlockEmpty:
		return synthetic(r, http.StatusOK, "text/html", nil), nil
	case domain.DecisionBlockPixel:
		return synthetic(r, http.StatusOK, "image/jpeg", pixelJPEG), nil
	case domain.DecisionBlockPage:
		return synthetic(r, http.StatusOK, "text/html; charset=utf-8", d.Page), nil
	case domain.DecisionRedirect:
		return t.redirect(r, req, d)
	}

	resp, err := t.next.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if shields.ScriptBlockingEnabled && looksLikeScript(req) {
		resp.Header.Set("Content-Security-Policy", scriptCSP)
	}
	return resp, nil
}

// redirect sends main-document loads and cookie workarounds back to the
// browser as a 302; sub-resources are fetched from the target in place.
func (t *Transport) redirect(r *http.Request, req domain.RequestDescriptor, d domain.Decision) (*http.Response, error) {
	if req.IsMainDocument() || d.SetCookie != "" {
		resp := synthetic(r, http.StatusFound, "text/html", nil)
		resp.Header.Set("Location", d.RedirectURL)
		if d.SetCookie != "" {
			resp.Header.Set("Set-Cookie", d.SetCookie)
		}
		return resp, nil
	}

	target, err := url.Parse(d.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("interceptor: redirect target %q: %w", d.RedirectURL, err)
	}
	out := r.Clone(r.Context())
	out.URL = target
	out.Host = ""
	return t.next.RoundTrip(out)
}

func describe(r *http.Request) (domain.RequestDescriptor, error) {
	if r.URL == nil {
		return domain.RequestDescriptor{}, fmt.Errorf("interceptor: request without url")
	}
	raw, accept := r.URL.String(), r.Header.Get("Accept")
	req, err := domain.NewRequestDescriptor(raw, mainDocumentFrom(r), accept, r.Method)
	if err != nil {
		// Unusable Referer: classify as a top-level load.
		req, err = domain.NewRequestDescriptor(raw, "", accept, r.Method)
		if err != nil {
			return domain.RequestDescriptor{}, err
		}
	}
	return req.WithCookie(r.Header.Get("Cookie")), nil
}

func synthetic(r *http.Request, status int, contentType string, body []byte) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-store")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
