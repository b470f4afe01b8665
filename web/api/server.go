// Package api exposes the analysis orchestrator over HTTP, SSE and websockets.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/analyzer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/notify"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/observer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/scheduler"
)

// Scheduler is the admission side of the orchestrator
type Scheduler interface {
	SubmitSingle(ctx context.Context, gameID int64, force bool) (scheduler.SingleResult, error)
	SubmitBatch(ctx context.Context, userID int64) (*scheduler.BatchResult, error)
	CancelJob(ctx context.Context, jobID int64) (*domain.AnalysisJob, error)
	CancelActiveJob(ctx context.Context, userID int64) (*domain.AnalysisJob, error)
	GetJobStatus(ctx context.Context, jobID int64) (*domain.AnalysisJob, error)
	AnalyzePosition(ctx context.Context, fen string) (*analyzer.PositionResult, error)
	QueueLen() int
}

// Store is the read side used for listings
type Store interface {
	Ping(ctx context.Context) error
	GetGame(ctx context.Context, id int64) (*domain.Game, error)
	ListGames(ctx context.Context, f jobstore.GameFilter) ([]*domain.Game, error)
	GetMoves(ctx context.Context, gameID int64) ([]domain.MoveAnalysis, error)
	CountGamesByState(ctx context.Context, userID int64) (map[domain.AnalysisState]int, error)
	ListJobs(ctx context.Context, userID int64, limit int) ([]*domain.AnalysisJob, error)
}

// EngineStats reports engine pool occupancy
type EngineStats interface {
	Stats() engine.Stats
}

// Server is the HTTP API server
type Server struct {
	sched    Scheduler
	store    Store
	broker   notify.Broker
	observer *observer.Observer
	engines  EngineStats
	metrics  http.Handler
	log      zerolog.Logger

	addr      string
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the access and error logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetricsHandler mounts h at /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithObserver adds throughput figures to /api/status
func WithObserver(o *observer.Observer) Option {
	return func(s *Server) { s.observer = o }
}

// WithEngineStats adds engine pool occupancy to /api/status
func WithEngineStats(p EngineStats) Option {
	return func(s *Server) { s.engines = p }
}

// WithHeartbeat sets how often idle event streams are pinged
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// NewServer creates a new API server
func NewServer(addr string, sched Scheduler, store Store, broker notify.Broker, opts ...Option) *Server {
	s := &Server{
		sched:     sched,
		store:     store,
		broker:    broker,
		log:       zerolog.Nop(),
		addr:      addr,
		mux:       http.NewServeMux(),
		heartbeat: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", s.healthHandler())
	s.mux.HandleFunc("GET /api/status", s.statusHandler())

	s.mux.HandleFunc("POST /api/games/{id}/analyze", s.submitSingleHandler())
	s.mux.HandleFunc("GET /api/games/{id}", s.getGameHandler())
	s.mux.HandleFunc("POST /api/analyze/position", s.positionHandler())

	s.mux.HandleFunc("POST /api/users/{id}/analyze", s.submitBatchHandler())
	s.mux.HandleFunc("POST /api/users/{id}/analyze/cancel", s.cancelActiveHandler())
	s.mux.HandleFunc("GET /api/users/{id}/games", s.listGamesHandler())
	s.mux.HandleFunc("GET /api/users/{id}/jobs", s.listJobsHandler())
	s.mux.HandleFunc("GET /api/users/{id}/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/users/{id}/ws", s.wsHandler())

	s.mux.HandleFunc("GET /api/jobs/{id}", s.getJobHandler())
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", s.cancelJobHandler())

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the routed handler wrapped in request logging
func (s *Server) Handler() http.Handler {
	return s.requestLogger(s.mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the connection
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("connection cannot be hijacked")
	}
	return h.Hijack()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		log := s.log.With().Str("request_id", id).Logger()
		r = r.WithContext(log.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
