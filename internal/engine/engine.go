// Package engine owns the UCI engine processes and the fixed-size pool that lends them to workers.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrEngineFault marks crashes, malformed responses and timeouts.
// The handle that produced it must be replaced, not released.
var ErrEngineFault = errors.New("engine fault")

// Evaluation is one engine answer for a position, from the side to move's view
type Evaluation struct {
	BestMove string // UCI notation, empty if the engine had no move
	Score    int    // centipawns, or moves to mate when Mate is set
	Mate     bool
	Depth    int
}

// Engine is a single running engine process
type Engine interface {
	ID() string
	Evaluate(ctx context.Context, fen string) (Evaluation, error)
	Close() error
}

// Factory starts a new engine process
type Factory func(ctx context.Context) (Engine, error)

// IsFault reports whether err came from a broken engine
func IsFault(err error) bool {
	return errors.Is(err, ErrEngineFault)
}

func faultf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEngineFault, fmt.Sprintf(format, args...))
}
