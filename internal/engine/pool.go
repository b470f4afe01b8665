// internal/engine/pool.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Acquire after Close
	ErrPoolClosed = errors.New("engine pool closed")
	// ErrNotLeased is returned when releasing or replacing a handle the pool did not lend
	ErrNotLeased = errors.New("engine not leased from this pool")
)

// Pool lends a fixed number of engines to callers. A handle is held by at
// most one caller at a time and the number of live engines never exceeds size.
type Pool struct {
	factory Factory
	size    int
	log     zerolog.Logger
	metrics metrics.Collector

	spawnAttempts uint
	spawnDelay    time.Duration

	idle chan Engine
	done chan struct{}
	wg   sync.WaitGroup

	mu             sync.Mutex
	leased         map[string]Engine
	live           int
	closed         bool
	onLeaseChanged func(leased, idle int) // Callback when leases change

	replacements atomic.Int64
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithLogger sets the pool logger
func WithLogger(log zerolog.Logger) PoolOption {
	return func(p *Pool) { p.log = log }
}

// WithMetrics sets the metrics collector
func WithMetrics(m metrics.Collector) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithSpawnRetry sets how often a replacement spawn is attempted synchronously
func WithSpawnRetry(attempts uint, delay time.Duration) PoolOption {
	return func(p *Pool) {
		p.spawnAttempts = attempts
		p.spawnDelay = delay
	}
}

// NewPool starts size engines. If any fails to start, the ones already
// started are closed and the error is returned.
func NewPool(ctx context.Context, size int, factory Factory, opts ...PoolOption) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	p := &Pool{
		factory:       factory,
		size:          size,
		log:           zerolog.Nop(),
		metrics:       metrics.Noop{},
		spawnAttempts: 3,
		spawnDelay:    time.Second,
		idle:          make(chan Engine, size),
		done:          make(chan struct{}),
		leased:        make(map[string]Engine, size),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < size; i++ {
		e, err := factory(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("starting engine %d/%d: %w", i+1, size, err)
		}
		p.addIdle(e)
	}

	p.log.Info().Int("size", size).Msg("engine pool ready")
	return p, nil
}

// SetOnLeaseChanged sets a callback invoked after every acquire, release or replace
func (p *Pool) SetOnLeaseChanged(callback func(leased, idle int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLeaseChanged = callback
}

// Acquire blocks until an engine is free, ctx is done or the pool is closed
func (p *Pool) Acquire(ctx context.Context) (Engine, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	var e Engine
	select {
	case e = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}

	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		e.Close()
		return nil, ErrPoolClosed
	}
	p.leased[e.ID()] = e
	p.mu.Unlock()

	p.notify()
	return e, nil
}

// Release returns a healthy engine to the pool
func (p *Pool) Release(e Engine) {
	p.mu.Lock()
	if _, ok := p.leased[e.ID()]; !ok {
		p.mu.Unlock()
		p.log.Warn().Str("engine_id", e.ID()).Msg("release of engine not leased from pool")
		return
	}
	delete(p.leased, e.ID())
	p.mu.Unlock()

	p.putIdle(e, false)
	p.notify()
}

// Replace discards a broken engine and starts a new one in its place.
// If the new engine cannot be started right away, respawning continues in
// the background and the error is returned.
func (p *Pool) Replace(e Engine) error {
	p.mu.Lock()
	if _, ok := p.leased[e.ID()]; !ok {
		p.mu.Unlock()
		return ErrNotLeased
	}
	delete(p.leased, e.ID())
	p.live--
	closed := p.closed
	if !closed {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if err := e.Close(); err != nil {
		p.log.Warn().Err(err).Str("engine_id", e.ID()).Msg("closing replaced engine")
	}
	p.replacements.Add(1)
	p.metrics.IncCounter(metrics.MetricEngineReplacements, 1)
	p.notify()

	if closed {
		return nil
	}
	defer p.wg.Done()

	ctx, cancel := p.untilClosed()
	defer cancel()

	p.log.Warn().Str("engine_id", e.ID()).Msg("replacing engine")
	if err := p.spawn(ctx, p.spawnAttempts); err != nil {
		p.mu.Lock()
		if !p.closed {
			p.wg.Add(1)
			go p.respawnLoop(p.spawnDelay * 10)
		}
		p.mu.Unlock()
		return fmt.Errorf("replacing engine %s: %w", e.ID(), err)
	}
	return nil
}

// Discard closes an engine whose caller gave up mid-evaluation. The slot is
// refilled in the background after a short delay unless the pool closes first.
func (p *Pool) Discard(e Engine) {
	p.mu.Lock()
	if _, ok := p.leased[e.ID()]; !ok {
		p.mu.Unlock()
		p.log.Warn().Str("engine_id", e.ID()).Msg("discard of engine not leased from pool")
		return
	}
	delete(p.leased, e.ID())
	p.live--
	refill := !p.closed
	if refill {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if err := e.Close(); err != nil {
		p.log.Warn().Err(err).Str("engine_id", e.ID()).Msg("closing discarded engine")
	}
	p.notify()

	if refill {
		go p.respawnLoop(p.spawnDelay)
	}
}

func (p *Pool) spawn(ctx context.Context, attempts uint) error {
	if attempts == 0 {
		attempts = 1
	}
	e, err := retry.DoWithData(
		func() (Engine, error) {
			return p.factory(ctx)
		},
		retry.Attempts(attempts),
		retry.Delay(p.spawnDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.metrics.IncCounter(metrics.MetricEngineSpawnFailures, 1)
			p.log.Warn().Err(err).Uint("attempt", n+1).Msg("engine spawn failed")
		}),
	)
	if err != nil {
		return err
	}
	p.addIdle(e)
	p.notify()
	return nil
}

// untilClosed returns a context cancelled when the pool closes
func (p *Pool) untilClosed() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// respawnLoop waits backoff, then keeps trying to restore one engine until
// it succeeds or the pool closes. The caller has already done wg.Add.
func (p *Pool) respawnLoop(backoff time.Duration) {
	defer p.wg.Done()

	ctx, cancel := p.untilClosed()
	defer cancel()

	for {
		select {
		case <-p.done:
			return
		case <-time.After(backoff):
		}
		if err := p.spawn(ctx, p.spawnAttempts); err == nil {
			return
		}
		backoff = p.spawnDelay * 10
	}
}

func (p *Pool) addIdle(e Engine) {
	p.putIdle(e, true)
}

// putIdle hands e back to idle, or closes it if the pool is closed. The
// push is counted in wg so Close cannot drain idle while it is in flight.
func (p *Pool) putIdle(e Engine, fresh bool) {
	p.mu.Lock()
	if p.closed {
		if !fresh {
			p.live--
		}
		p.mu.Unlock()
		e.Close()
		return
	}
	if fresh {
		p.live++
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.idle <- e
	p.wg.Done()
}

func (p *Pool) notify() {
	p.mu.Lock()
	callback := p.onLeaseChanged
	leased := len(p.leased)
	p.mu.Unlock()
	idle := len(p.idle)

	p.metrics.SetGauge(metrics.MetricEnginesLeased, int64(leased))
	p.metrics.SetGauge(metrics.MetricEnginesIdle, int64(idle))

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(leased, idle)
	}
}

// Close stops every idle engine and waits for in-flight spawns. Leased
// engines are stopped when they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	// Spawns and idle pushes started before closed was set finish first
	p.wg.Wait()

	var errs []error
	for {
		select {
		case e := <-p.idle:
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			if err := e.Close(); err != nil {
				errs = append(errs, err)
			}
			continue
		default:
		}
		break
	}

	p.log.Info().Int64("replacements", p.replacements.Load()).Msg("engine pool closed")
	return errors.Join(errs...)
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Size         int   `json:"size"`
	Live         int   `json:"live"`
	Idle         int   `json:"idle"`
	Leased       int   `json:"leased"`
	Replacements int64 `json:"replacements"`
}

// Stats returns current pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:         p.size,
		Live:         p.live,
		Idle:         len(p.idle),
		Leased:       len(p.leased),
		Replacements: p.replacements.Load(),
	}
}

// Size returns the configured pool size
func (p *Pool) Size() int {
	return p.size
}
