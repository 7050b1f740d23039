package stats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HTTPServer serves the metrics endpoint and any other handler mounted on it
type HTTPServer struct {
	server *http.Server
	mux    *http.ServeMux
	logger *slog.Logger
	addr   net.Addr
	done   chan error
}

func WithHTTPLogger(logger *slog.Logger) func(h *HTTPServer) {
	return func(h *HTTPServer) {
		h.logger = logger
	}
}

func NewHTTPServer(addr string, options ...func(h *HTTPServer)) *HTTPServer {
	mux := http.NewServeMux()

	h := HTTPServer{
		mux:    mux,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}

	for _, option := range options {
		option(&h)
	}

	return &h
}

// Handle mounts a handler. It must be called before Start.
func (h *HTTPServer) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

// Start binds the address and serves in the background. A bind failure is
// returned immediately.
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}

	h.addr = ln.Addr()
	h.logger.Info("starting HTTP server", slog.String("address", h.addr.String()))

	h.done = make(chan error, 1)
	go func() {
		defer close(h.done)
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("err", err.Error()))
			h.done <- err
		}
	}()

	return nil
}

// Addr returns the bound address, nil before Start
func (h *HTTPServer) Addr() net.Addr {
	return h.addr
}

// Stop gracefully stops the server
func (h *HTTPServer) Stop(ctx context.Context) error {
	if h.done == nil {
		return nil
	}

	h.logger.Info("stopping HTTP server...")

	err := h.server.Shutdown(ctx)
	<-h.done
	return err
}
