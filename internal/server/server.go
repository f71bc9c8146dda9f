// Package server wires the HTTP/WS front door: device WebSocket upgrade,
// OTA enrollment, health/readiness, and Prometheus scrape endpoints, all
// behind one *http.Server whose lifecycle this package owns.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaozhi-go/xiaozhi-server/internal/activation"
	"github.com/xiaozhi-go/xiaozhi-server/internal/health"
	"github.com/xiaozhi-go/xiaozhi-server/internal/observe"
	"github.com/xiaozhi-go/xiaozhi-server/internal/session"
)

// wsReadLimit bounds the size of a single inbound WebSocket message. Opus
// frames are small (under 1KB at 60ms/16kHz); this is generous headroom
// against a misbehaving device.
const wsReadLimit = 1 << 20

// SessionFactory builds the per-connection Deps for a newly accepted
// device. deviceID is taken from the Device-Id header. Implementations
// typically close over shared providers and a store.
type SessionFactory func(deviceID string) session.Deps

// Config holds the front door's network settings.
type Config struct {
	ListenAddr string
}

// Server owns the HTTP listener and every subsystem reachable through it.
type Server struct {
	cfg     Config
	newDeps SessionFactory
	metrics *observe.Metrics
	logger  *slog.Logger

	httpSrv *http.Server

	stopOnce sync.Once
}

// New builds a Server. activationHandler and healthHandler may be nil, in
// which case their routes are not registered.
func New(cfg Config, newDeps SessionFactory, metrics *observe.Metrics, logger *slog.Logger, activationHandler *activation.Handler, healthHandler *health.Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		newDeps: newDeps,
		metrics: metrics,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /xiaozhi/v1/ws", s.handleWS)
	if activationHandler != nil {
		activationHandler.Register(mux)
	}
	if healthHandler != nil {
		healthHandler.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	if metrics != nil {
		handler = observe.Middleware(metrics)(mux)
	}

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}
	return s
}

// handleWS upgrades the request to a WebSocket, constructs a Session for
// it, and runs the Session Loop to completion — one goroutine (the request
// goroutine net/http already gave us) owns the connection for its entire
// lifetime.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("Device-Id")
	if deviceID == "" {
		http.Error(w, "missing Device-Id header", http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Warn("server: websocket accept failed", "device", deviceID, "error", err)
		return
	}
	c.SetReadLimit(wsReadLimit)

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(r.Context(), 1)
		defer s.metrics.ActiveSessions.Add(r.Context(), -1)
	}

	deps := s.newDeps(deviceID)
	sess := session.NewSession(&wsConn{c: c}, deviceID, deps)

	s.logger.Info("server: session accepted", "device", deviceID)
	if err := sess.Run(r.Context()); err != nil {
		s.logger.Info("server: session ended", "device", deviceID, "error", err)
	} else {
		s.logger.Info("server: session ended", "device", deviceID)
	}
}

// Handler returns the assembled http.Handler, for tests that want to front
// it with httptest.Server rather than binding a real listener via Run.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts the HTTP listener and blocks until it stops, either because
// Shutdown was called (returns nil) or the listener failed (returns the
// error).
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("server: listening", "addr", s.cfg.ListenAddr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight requests
// (including live device WebSocket connections) to finish or for ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server: http shutdown: %w", err)
		}
	})
	return shutdownErr
}
