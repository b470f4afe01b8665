package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freeeve/uci"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const closeTimeout = 3 * time.Second

// UCIConfig configures a UCI engine process
type UCIConfig struct {
	Path    string
	Depth   int
	Timeout time.Duration // per position
	HashMB  int
	Threads int
	Nice    int
}

// UCIEngine is an Engine backed by an external UCI process
type UCIEngine struct {
	id  string
	cfg UCIConfig
	eng *uci.Engine
	log zerolog.Logger

	mu   sync.Mutex // one search at a time
	dead atomic.Bool
}

// StartUCI launches the engine binary and applies options.
// Startup is bounded by cfg.Timeout.
func StartUCI(ctx context.Context, cfg UCIConfig, log zerolog.Logger) (*UCIEngine, error) {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.HashMB <= 0 {
		cfg.HashMB = 128
	}

	id := uuid.NewString()
	log = log.With().Str("engine_id", id).Logger()

	type started struct {
		eng *uci.Engine
		err error
	}
	ch := make(chan started, 1)
	go func() {
		eng, err := uci.NewEngine(cfg.Path)
		if err != nil {
			ch <- started{err: err}
			return
		}
		opts := uci.Options{
			Hash:    cfg.HashMB,
			Threads: cfg.Threads,
			MultiPV: 1,
			Ponder:  false,
			OwnBook: false,
		}
		if err := eng.SetOptions(opts); err != nil {
			eng.Close()
			ch <- started{err: fmt.Errorf("set options: %w", err)}
			return
		}
		ch <- started{eng: eng}
	}()

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	var s started
	select {
	case s = <-ch:
	case <-timer.C:
		return nil, faultf("engine %s did not start within %s", cfg.Path, cfg.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, fmt.Errorf("starting engine %s: %w", cfg.Path, s.err)
	}

	if cfg.Nice > 0 {
		nice := cfg.Nice
		if nice > 19 {
			log.Warn().Int("requested", nice).Int("clamped", 19).Msg("nice value clamped to max 19")
			nice = 19
		}
		if err := s.eng.SetNice(nice); err != nil {
			log.Warn().Err(err).Int("nice", nice).Msg("failed to set nice value")
		}
	}

	log.Debug().Int("threads", cfg.Threads).Int("hash_mb", cfg.HashMB).Int("depth", cfg.Depth).Msg("engine started")
	return &UCIEngine{id: id, cfg: cfg, eng: s.eng, log: log}, nil
}

// UCIFactory returns a Factory starting UCI engines with cfg
func UCIFactory(cfg UCIConfig, log zerolog.Logger) Factory {
	return func(ctx context.Context) (Engine, error) {
		return StartUCI(ctx, cfg, log)
	}
}

func (e *UCIEngine) ID() string { return e.id }

// Evaluate searches fen to the configured depth.
// A timeout or cancellation leaves the process mid-search, so the handle
// is marked dead and every later call fails fast.
func (e *UCIEngine) Evaluate(ctx context.Context, fen string) (Evaluation, error) {
	if e.dead.Load() {
		return Evaluation{}, faultf("engine %s is dead", e.id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	type answer struct {
		res *uci.Results
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		if err := e.eng.SetFEN(fen); err != nil {
			ch <- answer{err: fmt.Errorf("set FEN: %w", err)}
			return
		}
		res, err := e.eng.GoDepth(e.cfg.Depth, uci.HighestDepthOnly)
		ch <- answer{res: res, err: err}
	}()

	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	select {
	case a := <-ch:
		if a.err != nil {
			e.dead.Store(true)
			return Evaluation{}, fmt.Errorf("%w: %w", ErrEngineFault, a.err)
		}
		return parseResults(a.res)
	case <-timer.C:
		e.dead.Store(true)
		return Evaluation{}, faultf("no answer within %s", e.cfg.Timeout)
	case <-ctx.Done():
		e.dead.Store(true)
		return Evaluation{}, fmt.Errorf("%w: %w", ErrEngineFault, ctx.Err())
	}
}

func parseResults(res *uci.Results) (Evaluation, error) {
	if res == nil || len(res.Results) == 0 {
		return Evaluation{}, faultf("no score in engine output")
	}

	best := res.Results[0]
	for _, r := range res.Results {
		if r.Depth > best.Depth {
			best = r
		}
	}

	move := res.BestMove
	if move == "(none)" || move == "0000" {
		move = ""
	}
	if move == "" && len(best.BestMoves) > 0 {
		move = best.BestMoves[0]
	}

	return Evaluation{
		BestMove: move,
		Score:    best.Score,
		Mate:     best.Mate,
		Depth:    best.Depth,
	}, nil
}

// Close stops the process. A hung process is abandoned after a grace period.
func (e *UCIEngine) Close() error {
	e.dead.Store(true)
	done := make(chan struct{})
	go func() {
		e.eng.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(closeTimeout):
		e.log.Warn().Msg("engine did not exit, abandoning process")
		return fmt.Errorf("engine %s: close timed out", e.id)
	}
}
