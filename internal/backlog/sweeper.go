// Package backlog submits batch jobs on a cron schedule for users whose
// imported games are still waiting for analysis.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/config"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/scheduler"
)

// Source lists users with unanalyzed games and no active job
type Source interface {
	UsersWithBacklog(ctx context.Context, limit int) ([]int64, error)
}

// Submitter admits one user's backlog as a batch job
type Submitter interface {
	SubmitBacklog(ctx context.Context, userID int64) (*scheduler.BatchResult, error)
}

// Result summarizes one sweep run
type Result struct {
	Sweep     string
	Users     int
	Submitted int
	Games     int
	Conflicts int
	// Capacity is set when the processing ceiling stopped the sweep early
	Capacity bool
}

// Sweeper runs the configured sweeps
type Sweeper struct {
	source Source
	submit Submitter
	log    zerolog.Logger

	cron    *cron.Cron
	mu      sync.RWMutex
	sweeps  map[string]config.SweepConfig
	entries map[string]cron.EntryID
	lastRun map[string]Result
}

// NewSweeper validates sweeps and registers them. Nothing runs until Start.
func NewSweeper(sweeps []config.SweepConfig, source Source, submit Submitter, log zerolog.Logger) (*Sweeper, error) {
	cl := cronLogger{log: log}
	s := &Sweeper{
		source: source,
		submit: submit,
		log:    log,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeps:  make(map[string]config.SweepConfig),
		entries: make(map[string]cron.EntryID),
		lastRun: make(map[string]Result),
	}

	for _, sw := range sweeps {
		if err := Validate(&sw); err != nil {
			return nil, fmt.Errorf("sweep %q: %w", sw.Name, err)
		}
		if _, dup := s.sweeps[sw.Name]; dup {
			return nil, fmt.Errorf("sweep %q defined twice", sw.Name)
		}
		s.sweeps[sw.Name] = sw
	}
	return s, nil
}

// Start schedules every sweep; runs stop when ctx ends or Stop is called
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	for name, sw := range s.sweeps {
		sw := sw
		id, err := s.cron.AddFunc(sw.Cron, func() {
			if _, err := s.RunOnce(ctx, sw); err != nil {
				s.log.Error().Err(err).Str("sweep", sw.Name).Msg("backlog sweep failed")
			}
		})
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("scheduling sweep %q: %w", name, err)
		}
		s.entries[name] = id
	}
	s.mu.Unlock()

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for running sweeps
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce submits the backlog of up to MaxUsers users
func (s *Sweeper) RunOnce(ctx context.Context, sw config.SweepConfig) (Result, error) {
	res := Result{Sweep: sw.Name}
	log := s.log.With().Str("sweep", sw.Name).Logger()

	users, err := s.source.UsersWithBacklog(ctx, sw.MaxUsers)
	if err != nil {
		return res, fmt.Errorf("listing backlog: %w", err)
	}
	res.Users = len(users)

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch, err := s.submit.SubmitBacklog(ctx, userID)
		var conflict *scheduler.JobConflictError
		switch {
		case err == nil:
			res.Submitted++
			res.Games += batch.TotalGames
		case errors.As(err, &conflict):
			res.Conflicts++
		case errors.Is(err, scheduler.ErrCapacityExceeded):
			res.Capacity = true
			log.Info().Int("submitted", res.Submitted).Msg("processing capacity reached, sweep stopped")
			s.record(res)
			return res, nil
		default:
			return res, fmt.Errorf("submitting user %d: %w", userID, err)
		}
	}

	log.Info().
		Int("users", res.Users).
		Int("submitted", res.Submitted).
		Int("games", res.Games).
		Int("conflicts", res.Conflicts).
		Msg("backlog sweep done")
	s.record(res)
	return res, nil
}

func (s *Sweeper) record(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[res.Sweep] = res
}

// NextRun returns when the sweep fires next, zero if unknown or not started
func (s *Sweeper) NextRun(name string) time.Time {
	s.mu.RLock()
	id, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// LastRun returns the result of the sweep's most recent run
func (s *Sweeper) LastRun(name string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.lastRun[name]
	return r, ok
}

// Sweep returns a sweep's config
func (s *Sweeper) Sweep(name string) (config.SweepConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sw, ok := s.sweeps[name]
	return sw, ok
}

// Names returns all sweep names, sorted
func (s *Sweeper) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.sweeps))
	for name := range s.sweeps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cronLogger routes cron's own messages to zerolog
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
