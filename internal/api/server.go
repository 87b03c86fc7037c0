// Package api serves the analyst over HTTP: questions in, turn results out,
// plus tool introspection, the turn ledger, live turn events and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/sdoh-analyst/internal/bus"
	"github.com/basket/sdoh-analyst/internal/engine"
	"github.com/basket/sdoh-analyst/internal/persistence"
	"github.com/basket/sdoh-analyst/internal/policy"
	"github.com/basket/sdoh-analyst/internal/tools"
)

// TurnRunner runs one question to completion.
type TurnRunner interface {
	Run(ctx context.Context, req engine.Request) *engine.TurnResult
}

// Ledger is the slice of the persistence store the server reads and writes.
type Ledger interface {
	RecordTurn(ctx context.Context, rec persistence.TurnRecord) error
	ListTurns(ctx context.Context, limit int) ([]persistence.TurnRecord, error)
	TurnStats(ctx context.Context) (persistence.TurnStats, error)
	AuditForTurn(ctx context.Context, turnID string) ([]persistence.AuditEntry, error)
}

// Config wires a Server. Runner and Registry are required.
type Config struct {
	Runner   TurnRunner
	Registry *tools.Registry
	Ledger   Ledger
	Bus      *bus.Bus
	Policy   policy.Checker
	Logger   *slog.Logger

	// AuthToken, when non-empty, is required on every /v1 route.
	AuthToken         string
	RequestsPerMinute int
	Burst             int
	// TrustProxy takes the client address from X-Forwarded-For or
	// X-Real-IP. Leave it off unless a proxy you run sets those headers.
	TrustProxy bool

	// Registerer receives the server's collectors. Nil uses a private
	// registry so tests can build many servers.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *turnMetrics
	gatherer prometheus.Gatherer
	limiter  *rateLimiter
	validate *validator.Validate
	started  time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil || cfg.Registry == nil {
		return nil, errors.New("api: runner and registry are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg, gatherer := cfg.Registerer, cfg.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	m, err := newTurnMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "api"),
		metrics:  m,
		gatherer: gatherer,
		limiter:  newRateLimiter(cfg.RequestsPerMinute, cfg.Burst),
		validate: validator.New(),
		started:  time.Now(),
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(s.limiter.middleware)

		r.Post("/ask", s.handleAsk)
		r.Get("/tools", s.handleTools)
		r.Get("/events", s.handleEvents)
		r.Route("/turns", func(r chi.Router) {
			r.Get("/", s.handleTurns)
			r.Get("/stats", s.handleTurnStats)
			r.Get("/{turnID}/audit", s.handleTurnAudit)
		})
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		s.logger.Info("http server stopped")
		return nil
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
