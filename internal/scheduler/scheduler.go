// Package scheduler admits analysis requests and runs them on a fixed set
// of workers that share the engine pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/analyzer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/metrics"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/notify"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/observer"
)

var (
	ErrGameNotFound = fmt.Errorf("game %w", jobstore.ErrNotFound)
	ErrJobNotFound  = fmt.Errorf("job %w", jobstore.ErrNotFound)
	ErrNoActiveJob  = fmt.Errorf("active job %w", jobstore.ErrNotFound)
	// ErrJobTerminal is returned when cancelling a finished job
	ErrJobTerminal = jobstore.ErrJobTerminal
	// ErrCapacityExceeded is returned when too many batch jobs are processing
	ErrCapacityExceeded = jobstore.ErrCapacityExceeded
)

// JobConflictError is returned when the user already has an active job
type JobConflictError = jobstore.JobConflictError

// SingleResult is the outcome of a single-game request
type SingleResult string

const (
	Accepted        SingleResult = "accepted"
	AlreadyAnalyzed SingleResult = "already_analyzed"
	Conflict        SingleResult = "conflict"
)

// BatchResult describes an accepted batch
type BatchResult struct {
	JobID      int64
	TotalGames int
	Status     domain.JobStatus
}

// Store is the persistence the scheduler needs
type Store interface {
	GetGame(ctx context.Context, id int64) (*domain.Game, error)
	ClaimGame(ctx context.Context, id int64, from domain.AnalysisState) error
	ReleaseGame(ctx context.Context, id int64) error
	CompleteGame(ctx context.Context, id int64, a *domain.GameAnalysis) (jobstore.JobUpdate, error)
	FailGame(ctx context.Context, id int64, reason string) (jobstore.JobUpdate, error)
	InProgressGames(ctx context.Context) ([]*domain.Game, error)

	AdmitBatch(ctx context.Context, req jobstore.BatchRequest) (*jobstore.Admission, error)
	StartJob(ctx context.Context, id int64) (*domain.AnalysisJob, error)
	GetJob(ctx context.Context, id int64) (*domain.AnalysisJob, error)
	ActiveJobForUser(ctx context.Context, userID int64) (*domain.AnalysisJob, error)
	CancelJob(ctx context.Context, id int64) (*domain.AnalysisJob, error)
	FailJob(ctx context.Context, id int64, message string) (*domain.AnalysisJob, error)
	PendingJobs(ctx context.Context) ([]*domain.AnalysisJob, error)
}

// Pool lends engines to workers
type Pool interface {
	Acquire(ctx context.Context) (engine.Engine, error)
	Release(e engine.Engine)
	Replace(e engine.Engine) error
	Discard(e engine.Engine)
}

// Config controls worker count, admission and retries
type Config struct {
	Workers           int
	MaxProcessingJobs int
	// MaxAttempts per game, counting the first; engine faults only
	MaxAttempts uint
	RetryDelay  time.Duration
}

// Scheduler owns admission control and the worker set
type Scheduler struct {
	cfg      Config
	store    Store
	pool     Pool
	analyzer *analyzer.Analyzer
	broker   notify.Broker
	alerter  notify.Alerter
	log      zerolog.Logger
	metrics  metrics.Collector
	observer *observer.Observer

	queue *TaskQueue
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithMetrics sets the metrics collector
func WithMetrics(m metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithBroker sets where completion events are published
func WithBroker(b notify.Broker) Option {
	return func(s *Scheduler) { s.broker = b }
}

// WithAlerter sets where batch summaries are sent
func WithAlerter(a notify.Alerter) Option {
	return func(s *Scheduler) { s.alerter = a }
}

// WithObserver sets the throughput observer
func WithObserver(o *observer.Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New creates a Scheduler. Call Recover and then Run to start processing.
func New(cfg Config, store Store, pool Pool, opts ...Option) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}

	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		pool:     pool,
		broker:   notify.NewHub(16),
		alerter:  notify.NoopAlerter{},
		log:      zerolog.Nop(),
		metrics:  metrics.Noop{},
		observer: observer.New(0),
		queue:    NewTaskQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.analyzer = analyzer.New(s.log)
	return s
}

// Observer returns the throughput observer
func (s *Scheduler) Observer() *observer.Observer {
	return s.observer
}

// QueueLen returns the number of tasks waiting for a worker
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// SubmitSingle requests analysis of one game. An analyzed game is only
// re-analyzed when force is set; a game already in progress is a conflict.
func (s *Scheduler) SubmitSingle(ctx context.Context, gameID int64, force bool) (SingleResult, error) {
	g, err := s.store.GetGame(ctx, gameID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return "", ErrGameNotFound
	}
	if err != nil {
		return "", err
	}

	switch g.State {
	case domain.StateInProgress:
		return Conflict, nil
	case domain.StateAnalyzed:
		if !force {
			return AlreadyAnalyzed, nil
		}
	}

	if err := s.store.ClaimGame(ctx, gameID, g.State); err != nil {
		if errors.Is(err, jobstore.ErrStateConflict) {
			return Conflict, nil
		}
		return "", err
	}

	if err := s.enqueue(Task{GameID: gameID}); err != nil {
		return "", err
	}
	s.log.Info().Int64("game_id", gameID).Int64("user_id", g.UserID).Bool("force", force).Msg("game accepted")
	return Accepted, nil
}

// SubmitBatch analyzes every game of the user that is unanalyzed or failed
func (s *Scheduler) SubmitBatch(ctx context.Context, userID int64) (*BatchResult, error) {
	return s.submitBatch(ctx, userID, true)
}

// SubmitBacklog is SubmitBatch for scheduled sweeps: failed games are left alone
func (s *Scheduler) SubmitBacklog(ctx context.Context, userID int64) (*BatchResult, error) {
	return s.submitBatch(ctx, userID, false)
}

func (s *Scheduler) submitBatch(ctx context.Context, userID int64, includeFailed bool) (*BatchResult, error) {
	adm, err := s.store.AdmitBatch(ctx, jobstore.BatchRequest{
		UserID:        userID,
		MaxProcessing: s.cfg.MaxProcessingJobs,
		IncludeFailed: includeFailed,
	})
	if err != nil {
		var conflict *JobConflictError
		if errors.As(err, &conflict) || errors.Is(err, ErrCapacityExceeded) {
			s.metrics.IncCounter(metrics.MetricJobsRejected, 1)
			s.log.Info().Int64("user_id", userID).Err(err).Msg("batch rejected")
		}
		return nil, err
	}
	s.metrics.IncCounter(metrics.MetricJobsAccepted, 1)

	job := adm.Job
	log := s.log.With().Int64("job_id", job.ID).Int64("user_id", userID).Logger()
	if job.Status == domain.JobCompleted {
		log.Info().Msg("nothing to analyze, job completed")
		return &BatchResult{JobID: job.ID, Status: job.Status}, nil
	}

	// The claimed games are queued whatever StartJob says: workers release
	// the games of a job that is no longer running.
	started, startErr := s.store.StartJob(ctx, job.ID)
	switch {
	case startErr == nil:
		job = started
	case errors.Is(startErr, jobstore.ErrJobTerminal):
		if started != nil {
			job = started
		}
	default:
		if failed, ferr := s.store.FailJob(ctx, job.ID, fmt.Sprintf("starting job: %v", startErr)); ferr != nil {
			log.Error().Err(ferr).Msg("marking unstarted job failed")
		} else {
			job = failed
		}
	}

	jobID := job.ID
	tasks := lo.Map(adm.GameIDs, func(id int64, _ int) Task {
		return Task{GameID: id, JobID: &jobID}
	})
	if err := s.enqueue(tasks...); err != nil {
		return nil, err
	}

	if errors.Is(startErr, jobstore.ErrJobTerminal) {
		log.Info().Str("status", string(job.Status)).Msg("job finished before it started, games released")
		return &BatchResult{JobID: job.ID, TotalGames: job.TotalGames, Status: job.Status}, nil
	}
	if startErr != nil {
		return nil, fmt.Errorf("starting job %d: %w", job.ID, startErr)
	}

	log.Info().Int("games", job.TotalGames).Msg("batch accepted")
	return &BatchResult{JobID: job.ID, TotalGames: job.TotalGames, Status: job.Status}, nil
}

// CancelJob marks the job cancelled. Games already being analyzed finish,
// but the job's counters no longer advance and queued games are released.
func (s *Scheduler) CancelJob(ctx context.Context, jobID int64) (*domain.AnalysisJob, error) {
	job, err := s.store.CancelJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	s.log.Info().Int64("job_id", jobID).Int64("user_id", job.UserID).Int("analyzed", job.AnalyzedGames).Msg("job cancelled")
	return job, nil
}

// CancelActiveJob cancels the user's pending or processing job
func (s *Scheduler) CancelActiveJob(ctx context.Context, userID int64) (*domain.AnalysisJob, error) {
	job, err := s.store.ActiveJobForUser(ctx, userID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, ErrNoActiveJob
	}
	if err != nil {
		return nil, err
	}
	return s.CancelJob(ctx, job.ID)
}

// GetJobStatus reads the job as persisted
func (s *Scheduler) GetJobStatus(ctx context.Context, jobID int64) (*domain.AnalysisJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// AnalyzePosition evaluates a single FEN on a pooled engine
func (s *Scheduler) AnalyzePosition(ctx context.Context, fen string) (*analyzer.PositionResult, error) {
	return withEngine(ctx, s, s.log, func(e engine.Engine) (*analyzer.PositionResult, error) {
		return s.analyzer.AnalyzePosition(ctx, e, fen)
	})
}

// Recover rebuilds the in-memory queue from the store: jobs admitted but
// never started are started, and every in_progress game is queued again.
func (s *Scheduler) Recover(ctx context.Context) error {
	pending, err := s.store.PendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("listing pending jobs: %w", err)
	}
	for _, job := range pending {
		if _, err := s.store.StartJob(ctx, job.ID); err != nil {
			s.log.Warn().Err(err).Int64("job_id", job.ID).Msg("could not start recovered job")
		}
	}

	games, err := s.store.InProgressGames(ctx)
	if err != nil {
		return fmt.Errorf("listing in-progress games: %w", err)
	}
	tasks := lo.Map(games, func(g *domain.Game, _ int) Task {
		return Task{GameID: g.ID, JobID: g.JobID}
	})
	if err := s.enqueue(tasks...); err != nil {
		return err
	}

	if len(tasks) > 0 || len(pending) > 0 {
		s.log.Info().Int("games", len(tasks)).Int("jobs_started", len(pending)).Msg("recovered queued work")
	}
	return nil
}

// Close stops accepting work; Run returns once workers drain
func (s *Scheduler) Close() {
	s.queue.Close()
}

func (s *Scheduler) enqueue(tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := s.queue.Push(tasks...); err != nil {
		return err
	}
	s.metrics.SetGauge(metrics.MetricQueueDepth, int64(s.queue.Len()))
	return nil
}
