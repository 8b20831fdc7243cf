// Package server assembles the relay's HTTP surface: the live websocket
// endpoint, health and readiness probes, the metrics endpoint, and the
// middleware chain around them.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/screenlive/relay/pkg/relay/config"
	"github.com/screenlive/relay/pkg/relay/handlers"
	"github.com/screenlive/relay/pkg/relay/lifecycle"
	"github.com/screenlive/relay/pkg/relay/metrics"
	"github.com/screenlive/relay/pkg/relay/mw"
	"github.com/screenlive/relay/pkg/relay/pagecontext"
	"github.com/screenlive/relay/pkg/relay/sessions"
)

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	library *pagecontext.Library
	metrics *metrics.Metrics
	tracker *sessions.Tracker
	state   *lifecycle.State
}

func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	library, err := pagecontext.Load(cfg.ContextFile, cfg.ContextFallback)
	if err != nil {
		return nil, fmt.Errorf("load page contexts: %w", err)
	}
	if library.Len() > 0 {
		logger.Info("page context library loaded", "file", cfg.ContextFile, "pages", library.Len())
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		library: library,
		metrics: metrics.New(),
		tracker: sessions.NewTracker(sessions.Limits{
			MaxSessions:          cfg.MaxSessions,
			MaxSessionsPerClient: cfg.MaxSessionsPerClient,
		}),
		state: lifecycle.NewState(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	live := handlers.LiveHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Library:   s.library,
		Lifecycle: s.state,
		Sessions:  s.tracker,
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Library: s.library})
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.Handle("/ws", live)
	s.mux.Handle("/", handlers.IndexHandler{
		Config:    s.cfg,
		Lifecycle: s.state,
		Sessions:  s.tracker,
		Live:      live,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.Measure(s.metrics, h)
	h = mw.RequestID(h)
	return h
}

// Lifecycle exposes the draining flag for the shutdown sequence.
func (s *Server) Lifecycle() *lifecycle.State { return s.state }

// Sessions exposes the tracker for drain notifications and cancellation.
func (s *Server) Sessions() *sessions.Tracker { return s.tracker }
