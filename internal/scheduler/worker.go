package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/metrics"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/notify"
)

// Run starts the workers and blocks until ctx ends or Close is called
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			s.work(ctx, worker)
			return nil
		})
	}
	s.log.Info().Int("workers", s.cfg.Workers).Msg("scheduler running")
	return g.Wait()
}

func (s *Scheduler) work(ctx context.Context, worker int) {
	log := s.log.With().Int("worker", worker).Logger()
	for {
		task, err := s.queue.Pop(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("worker stopping")
			return
		}
		s.metrics.SetGauge(metrics.MetricQueueDepth, int64(s.queue.Len()))
		s.process(ctx, log, task)
	}
}

// storeReadAttempts bounds how often a worker re-reads a game or job
const storeReadAttempts = 3

// process analyzes one game and records the outcome. Shutdown leaves the
// game in_progress for Recover. A store that keeps failing fails the job
// and hands the game back.
func (s *Scheduler) process(ctx context.Context, log zerolog.Logger, task Task) {
	log = log.With().Int64("game_id", task.GameID).Logger()

	g, err := readStore(ctx, s, log, func() (*domain.Game, error) {
		return s.store.GetGame(ctx, task.GameID)
	})
	if errors.Is(err, jobstore.ErrNotFound) {
		log.Warn().Msg("queued game no longer exists")
		return
	}
	if err != nil {
		s.storeFault(ctx, log, task.GameID, task.JobID, fmt.Errorf("loading game: %w", err))
		return
	}
	if g.State != domain.StateInProgress {
		log.Debug().Str("state", string(g.State)).Msg("stale task skipped")
		return
	}

	if g.JobID != nil {
		log = log.With().Int64("job_id", *g.JobID).Logger()
		job, err := readStore(ctx, s, log, func() (*domain.AnalysisJob, error) {
			return s.store.GetJob(ctx, *g.JobID)
		})
		if err != nil {
			s.storeFault(ctx, log, g.ID, g.JobID, fmt.Errorf("loading job: %w", err))
			return
		}
		if job.Status.IsTerminal() {
			if err := s.store.ReleaseGame(ctx, g.ID); err != nil && !errors.Is(err, jobstore.ErrStateConflict) {
				log.Error().Err(err).Msg("releasing game of finished job")
				return
			}
			log.Debug().Str("job_status", string(job.Status)).Msg("game released, job no longer running")
			return
		}
	}

	start := time.Now()
	s.observer.Started(g.ID)
	analysis, err := withEngine(ctx, s, log, func(e engine.Engine) (*domain.GameAnalysis, error) {
		return s.analyzer.Analyze(ctx, e, g.Moves, g.UserColor)
	})
	if ctx.Err() != nil || errors.Is(err, engine.ErrPoolClosed) {
		s.observer.Abandoned(g.ID)
		log.Debug().Msg("shutting down, game left for recovery")
		return
	}

	var upd jobstore.JobUpdate
	state := domain.StateAnalyzed
	if err != nil {
		state = domain.StateFailed
		log.Warn().Err(err).Msg("analysis failed")
		upd, err = s.store.FailGame(ctx, g.ID, err.Error())
		if err == nil {
			s.metrics.IncCounter(metrics.MetricGamesFailed, 1)
		}
	} else {
		upd, err = s.store.CompleteGame(ctx, g.ID, analysis)
		if err == nil {
			s.metrics.IncCounter(metrics.MetricGamesAnalyzed, 1)
			s.metrics.ObserveHistogram(metrics.MetricGameDuration, time.Since(start).Seconds())
		}
	}
	if err != nil {
		s.observer.Abandoned(g.ID)
		s.storeFault(ctx, log, g.ID, g.JobID, fmt.Errorf("recording result: %w", err))
		return
	}
	s.observer.RecordCompletion(g.ID, time.Since(start), len(g.Moves), state == domain.StateFailed)

	log.Info().
		Str("state", string(state)).
		Int("plies", len(g.Moves)).
		Dur("took", time.Since(start)).
		Msg("game finished")

	if err := s.broker.Publish(ctx, notify.GameCompleted(g, g.JobID, state)); err != nil {
		log.Warn().Err(err).Msg("publishing completion event")
	}

	if upd.Finished {
		s.jobFinished(ctx, upd.Job)
	}
}

// storeFault handles a store that failed the worker: the owning job is
// failed and the game goes back to unanalyzed so it can be submitted again.
func (s *Scheduler) storeFault(ctx context.Context, log zerolog.Logger, gameID int64, jobID *int64, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, jobstore.ErrStateConflict) {
		log.Warn().Err(err).Msg("game changed under the worker, result dropped")
		return
	}
	log.Error().Err(err).Msg("store fault")

	if rerr := s.store.ReleaseGame(ctx, gameID); rerr != nil && !errors.Is(rerr, jobstore.ErrStateConflict) {
		log.Error().Err(rerr).Msg("releasing game")
	}
	if jobID == nil {
		return
	}

	job, ferr := s.store.FailJob(ctx, *jobID, fmt.Sprintf("game %d: %v", gameID, err))
	if errors.Is(ferr, jobstore.ErrJobTerminal) {
		return
	}
	if ferr != nil {
		log.Error().Err(ferr).Msg("marking job failed")
		return
	}
	s.alert(ctx, notify.Alert{
		Title:   "Batch analysis failed",
		Message: job.ErrorMessage,
		Level:   notify.AlertError,
		JobID:   job.ID,
		UserID:  job.UserID,
	})
}

func (s *Scheduler) jobFinished(ctx context.Context, job *domain.AnalysisJob) {
	s.metrics.IncCounter(metrics.MetricJobsCompleted, 1)

	var took time.Duration
	if job.StartedAt != nil && job.CompletedAt != nil {
		took = job.CompletedAt.Sub(*job.StartedAt)
	}
	s.log.Info().
		Int64("job_id", job.ID).
		Int64("user_id", job.UserID).
		Int("games", job.TotalGames).
		Int("failed", job.FailedGames).
		Dur("took", took).
		Msg("batch completed")

	level := notify.AlertSuccess
	if job.FailedGames > 0 {
		level = notify.AlertWarning
	}
	s.alert(ctx, notify.Alert{
		Title:   "Batch analysis completed",
		Message: fmt.Sprintf("%d games analyzed, %d failed, in %s", job.TotalGames-job.FailedGames, job.FailedGames, took.Round(time.Second)),
		Level:   level,
		JobID:   job.ID,
		UserID:  job.UserID,
	})
}

func (s *Scheduler) alert(ctx context.Context, a notify.Alert) {
	if err := s.alerter.Alert(ctx, a); err != nil {
		s.log.Warn().Err(err).Int64("job_id", a.JobID).Msg("sending alert")
	}
}

// readStore retries a store read a few times before giving up. A missing
// row is not retried.
func readStore[T any](ctx context.Context, s *Scheduler, log zerolog.Logger, read func() (T, error)) (T, error) {
	return retry.DoWithData(
		read,
		retry.Context(ctx),
		retry.Attempts(storeReadAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, jobstore.ErrNotFound) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("store read failed, retrying")
		}),
	)
}

// withEngine runs fn on a pooled engine. An engine fault replaces the
// handle and tries again on another one, up to MaxAttempts.
func withEngine[T any](ctx context.Context, s *Scheduler, log zerolog.Logger, fn func(engine.Engine) (T, error)) (T, error) {
	return retry.DoWithData(
		func() (T, error) {
			e, err := s.pool.Acquire(ctx)
			if err != nil {
				var zero T
				return zero, err
			}

			res, err := fn(e)
			switch {
			case engine.IsFault(err) && ctx.Err() != nil:
				// Cancelled mid-evaluation, no replacement while shutting down
				s.pool.Discard(e)
			case engine.IsFault(err):
				if rerr := s.pool.Replace(e); rerr != nil {
					log.Warn().Err(rerr).Str("engine_id", e.ID()).Msg("replacing engine")
				}
			default:
				s.pool.Release(e)
			}
			return res, err
		},
		retry.Context(ctx),
		retry.Attempts(s.cfg.MaxAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return engine.IsFault(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			s.metrics.IncCounter(metrics.MetricGameRetries, 1)
			log.Warn().Err(err).Uint("attempt", n+1).Msg("engine fault, retrying on another engine")
		}),
	)
}
