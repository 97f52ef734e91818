// Package status serves the operator-facing HTTP endpoints: live
// migration progress as JSON, a liveness probe, and Prometheus
// metrics.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tableshift/tableshift/internal/migrate"
	"github.com/tableshift/tableshift/internal/session"
)

// Server exposes /status, /healthz and /metrics while a migration is
// running.
type Server struct {
	port     int
	router   *chi.Mux
	sess     *session.Session
	progress *migrate.Progress
	registry *prometheus.Registry
}

// sessionStatus is the session half of the /status payload.
type sessionStatus struct {
	State        string    `json:"state"`
	Attempts     int       `json:"attempts"`
	Reconnects   int64     `json:"reconnects"`
	LastActivity time.Time `json:"last_activity"`
}

type statusPayload struct {
	Migration migrate.Snapshot `json:"migration"`
	Session   sessionStatus    `json:"session"`
}

// NewServer wires the routes and metrics for one migration run.
func NewServer(port int, sess *session.Session, progress *migrate.Progress) *Server {
	s := &Server{
		port:     port,
		router:   chi.NewRouter(),
		sess:     sess,
		progress: progress,
		registry: prometheus.NewRegistry(),
	}
	s.registerMetrics()
	s.setupRoutes()
	return s
}

func (s *Server) registerMetrics() {
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "tableshift_rows_copied", Help: "Rows copied to the shadow table so far."},
		func() float64 { return float64(s.progress.Snapshot().RowsCopied) },
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "tableshift_rows_total", Help: "Estimated rows in the source table."},
		func() float64 { return float64(s.progress.Snapshot().TotalRows) },
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "tableshift_audit_backlog", Help: "Captured writes waiting to be replayed."},
		func() float64 { return float64(s.progress.Snapshot().AuditBacklog) },
	))
	s.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: "tableshift_chunks_total", Help: "Copy chunks completed."},
		func() float64 { return float64(s.progress.Snapshot().Chunks) },
	))
	s.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: "tableshift_session_reconnects_total", Help: "Times the database session was re-established."},
		func() float64 { return float64(s.sess.Stats().Reconnects) },
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "tableshift_session_ready", Help: "1 when the database session is ready."},
		func() float64 {
			if s.sess.State() == session.StateReady {
				return 1
			}
			return 0
		},
	))
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.sess.Stats()
	payload := statusPayload{
		Migration: s.progress.Snapshot(),
		Session: sessionStatus{
			State:        stats.State.String(),
			Attempts:     stats.Attempts,
			Reconnects:   stats.Reconnects,
			LastActivity: stats.LastActivity,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode status payload")
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("starting status server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Debug().Msg("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
