package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/domain"
)

// Error message constants for consistent error handling
const (
	errUnsupportedMethod = "unsupported method %q"
	errBuildRequest      = "building request: %w"
	errDo                = "%s %s: %w"
	errReadBody          = "reading body of %s: %w"
	errBodyTooLarge      = "body of %s exceeds %s"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultMaxSize = 64 * datasize.MB
	userAgent      = "rr-shield/1"
)

// HTTPDoer is the subset of *http.Client the fetcher needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	MaxSize datasize.ByteSize
	Logger  log.Logger
	// options to inject for testing purposes
	HTTP HTTPDoer
}

// Client performs the GET and HEAD requests of the rule sync manager. Every
// transport-level failure, including a body over MaxSize, is wrapped in
// domain.ErrNetworkFailure.
type Client struct {
	http    HTTPDoer
	maxSize datasize.ByteSize
	logger  log.Logger
}

// New returns a Client. Zero options take the defaults.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		http:    opts.HTTP,
		maxSize: opts.MaxSize,
		logger:  opts.Logger,
	}
}

// Fetch performs req. Non-2xx statuses are returned as responses, not
// errors; the caller decides what a 304 or a 404 means.
func (c *Client) Fetch(ctx context.Context, req domain.FetchRequest) (domain.FetchResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodHead {
		return domain.FetchResponse{}, fmt.Errorf(errUnsupportedMethod, method)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return domain.FetchResponse{}, fmt.Errorf("%w: "+errBuildRequest, domain.ErrNetworkFailure, err)
	}
	hreq.Header.Set("User-Agent", userAgent)
	if req.ETag != "" && method == http.MethodGet {
		hreq.Header.Set("If-None-Match", req.ETag)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return domain.FetchResponse{}, fmt.Errorf("%w: "+errDo, domain.ErrNetworkFailure, method, req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := domain.FetchResponse{
		Status: resp.StatusCode,
		ETag:   resp.Header.Get("ETag"),
		Header: resp.Header,
	}
	if method == http.MethodHead || resp.StatusCode == http.StatusNotModified {
		return out, nil
	}

	limit := int64(c.maxSize.Bytes())
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return domain.FetchResponse{}, fmt.Errorf("%w: "+errReadBody, domain.ErrNetworkFailure, req.URL, err)
	}
	if int64(len(body)) > limit {
		return domain.FetchResponse{}, fmt.Errorf("%w: "+errBodyTooLarge, domain.ErrNetworkFailure, req.URL, c.maxSize.HumanReadable())
	}
	out.Body = body

	c.logger.Debug(map[string]any{"url": req.URL, "status": out.Status, "bytes": len(body)}, "fetch_done")
	return out, nil
}
