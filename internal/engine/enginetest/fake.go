// Package enginetest provides scripted in-memory engines for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
)

// EvalFunc answers one evaluation. engineSeq is the 1-based spawn order of
// the engine asked, call is the 1-based call count on that engine.
type EvalFunc func(ctx context.Context, engineSeq, call int, fen string) (engine.Evaluation, error)

// Engine is a fake engine.Engine
type Engine struct {
	id   string
	seq  int
	eval EvalFunc

	mu     sync.Mutex
	calls  int
	closed bool
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) ID() string { return e.id }

// Seq returns the spawn order of this engine
func (e *Engine) Seq() int { return e.seq }

func (e *Engine) Evaluate(ctx context.Context, fen string) (engine.Evaluation, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return engine.Evaluation{}, fmt.Errorf("%w: engine %s closed", engine.ErrEngineFault, e.id)
	}
	e.calls++
	call := e.calls
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return engine.Evaluation{}, err
	}
	if e.eval == nil {
		return engine.Evaluation{Depth: 1}, nil
	}
	return e.eval(ctx, e.seq, call, fen)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close was called
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Calls returns how many evaluations this engine served
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// ErrSpawn is returned by a Factory told to fail
var ErrSpawn = errors.New("fake engine failed to start")

// Factory creates fake engines and remembers them
type Factory struct {
	Eval EvalFunc

	mu        sync.Mutex
	engines   []*Engine
	failNext  int
	spawnSeen atomic.Int64
}

// NewFactory returns a factory whose engines answer with eval
func NewFactory(eval EvalFunc) *Factory {
	return &Factory{Eval: eval}
}

// FailNext makes the next n spawns fail
func (f *Factory) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// New implements engine.Factory
func (f *Factory) New(ctx context.Context) (engine.Engine, error) {
	f.spawnSeen.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, ErrSpawn
	}
	seq := len(f.engines) + 1
	e := &Engine{id: fmt.Sprintf("fake-%d", seq), seq: seq, eval: f.Eval}
	f.engines = append(f.engines, e)
	return e, nil
}

// Engines returns every engine started so far, in spawn order
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Engine, len(f.engines))
	copy(out, f.engines)
	return out
}

// Attempts returns how many spawns were attempted, including failures
func (f *Factory) Attempts() int {
	return int(f.spawnSeen.Load())
}
