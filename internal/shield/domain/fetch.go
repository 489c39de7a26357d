package domain

import "net/http"

// FetchRequest is a request for the generic HTTP transport used by the rule
// sync manager.
type FetchRequest struct {
	Method string // http.MethodGet or http.MethodHead
	URL    string
	ETag   string // sent as If-None-Match when non-empty
}

// FetchResponse is the transport's answer. Body is empty for HEAD requests
// and for 304 Not Modified.
type FetchResponse struct {
	Status int
	Body   []byte
	ETag   string
	Header http.Header
}

// IsSuccess reports a 2xx status.
func (r FetchResponse) IsSuccess() bool { return r.Status >= 200 && r.Status < 300 }

// IsNotModified reports a 304 status.
func (r FetchResponse) IsNotModified() bool { return r.Status == http.StatusNotModified }
