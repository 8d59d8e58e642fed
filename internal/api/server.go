// Package api serves the change-history and sync engine over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"flippio/internal/engine"
	"flippio/internal/health"
	"flippio/internal/metrics"
)

// Config controls the HTTP listener.
type Config struct {
	Listen          string        `toml:"listen" json:"listen" yaml:"listen"`
	ReadTimeout     time.Duration `toml:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// MaxBodyBytes bounds request bodies, including history imports.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
	// RateLimit is the sustained /api request rate allowed per client, in
	// requests per second. Zero disables limiting.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst"`
}

// DefaultConfig listens on localhost only.
func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:7420",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    64 << 20,
		RateLimit:       50,
		RateBurst:       100,
	}
}

// Server exposes an Engine over HTTP.
type Server struct {
	cfg     Config
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
	router  *mux.Router
	checker *health.Checker
	limiter *clientLimiter
}

// New builds the router. Metrics may be nil.
func New(cfg Config, e *engine.Engine, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	s := &Server{
		cfg:     cfg,
		engine:  e,
		metrics: m,
		logger:  logger.With("component", "api"),
		checker: newChecker(e),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.recoverPanics, s.observe, s.limitBody)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/readyz", s.checker.ReadinessHandler()).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimit)
	api.HandleFunc("/contexts", s.listContexts).Methods(http.MethodGet)
	api.HandleFunc("/contexts/{key}/changes", s.listChanges).Methods(http.MethodGet)
	api.HandleFunc("/contexts/{key}/changes", s.clearContext).Methods(http.MethodDelete)
	api.HandleFunc("/changes", s.clearAll).Methods(http.MethodDelete)
	api.HandleFunc("/changes/{id}", s.getChange).Methods(http.MethodGet)
	api.HandleFunc("/changes/{id}/revert", s.revertChange).Methods(http.MethodPost)
	api.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.pull).Methods(http.MethodPost)
	api.HandleFunc("/sessions/push", s.pushAll).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{key}", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{key}", s.release).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{key}/mutations", s.mutate).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{key}/query", s.query).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{key}/tables", s.tables).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{key}/push", s.push).Methods(http.MethodPost)
	api.HandleFunc("/export", s.export).Methods(http.MethodGet)
	api.HandleFunc("/import", s.importHistory).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Error: &errorBody{Message: "no such endpoint"}})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Error: &errorBody{Message: "method not allowed"}})
	})
	return r
}

// newChecker registers the components /readyz reports on. The ledger and
// the work directory are critical; an unreachable transport or unpushed
// edits only degrade the server.
func newChecker(e *engine.Engine) *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("ledger", true, health.ErrorCheck("ledger", e.PingLedger))
	if dir := e.WorkDir(); dir != "" {
		c.RegisterFunc("work_dir", true, health.DirWritable(dir))
	}
	c.RegisterFunc("transport", false, func(ctx context.Context) health.CheckResult {
		devices, err := e.Devices(ctx)
		if err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "device listing failed", Error: err.Error()}
		}
		return health.CheckResult{Status: health.StatusHealthy, Details: map[string]any{"devices": len(devices)}}
	})
	c.RegisterFunc("pending_pushes", false, func(ctx context.Context) health.CheckResult {
		var pending []string
		for _, wc := range e.Sessions() {
			if wc.Pending() > 0 {
				pending = append(pending, wc.Key.String())
			}
		}
		if len(pending) > 0 {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "edits not yet pushed to their devices",
				Details: map[string]any{"contexts": pending},
			}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	})
	return c
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", l.Addr().String())
		errCh <- srv.Serve(l)
	}()
	s.checker.SetReady(true)
	defer s.checker.SetReady(false)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.logger.Info("api shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
