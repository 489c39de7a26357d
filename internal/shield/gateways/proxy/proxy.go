// Package proxy is the daemon's plain-HTTP forward proxy. Every forwarded
// request goes through the interception transport; CONNECT tunnels are
// refused since encrypted traffic cannot be inspected.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/haukened/rr-shield/internal/shield/common/log"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server is a forward proxy bound to one address.
type Server struct {
	addr      string
	transport http.RoundTripper
	logger    log.Logger

	mu       sync.RWMutex
	running  bool
	listener net.Listener
	srv      *http.Server
	done     chan struct{}
}

// New returns a proxy that forwards requests through transport.
func New(addr string, transport http.RoundTripper, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Server{addr: addr, transport: transport, logger: logger}
}

// Handler returns the proxy handler.
func (s *Server) Handler() http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// Forward requests carry an absolute URL; keep it as is.
			pr.Out.Host = pr.In.Host
		},
		Transport: s.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn(map[string]any{"url": r.URL.String(), "error": err.Error()}, "proxy_upstream_failed")
			http.Error(w, "upstream request failed", http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodConnect:
			http.Error(w, "CONNECT is not supported", http.StatusMethodNotAllowed)
			return
		case !r.URL.IsAbs() || (r.URL.Scheme != "http" && r.URL.Scheme != "https"):
			http.Error(w, "absolute http URL required", http.StatusBadRequest)
			return
		}
		rp.ServeHTTP(w, r)
	})
}

// Start binds the listen address and serves until Stop or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("proxy already running")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.running = true
	s.done = make(chan struct{})

	s.logger.Info(map[string]any{"address": ln.Addr().String()}, "proxy started")

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(map[string]any{"error": err.Error()}, "proxy serve failed")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.done:
		}
	}()
	return nil
}

// Stop shuts the proxy down, waiting briefly for in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	<-s.done
	s.logger.Info(map[string]any{"address": s.listener.Addr().String()}, "proxy stopped")
	return err
}

// Address returns the bound address once started, else the configured one.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
