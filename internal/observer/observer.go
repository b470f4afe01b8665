// Package observer keeps a rolling view of game throughput for the status
// endpoint and flags analyses that run far longer than expected.
package observer

import (
	"sort"
	"sync"
	"time"
)

// window bounds how many completions are kept for averages
const window = 1000

// Observer watches games as workers pick them up and finish them
type Observer struct {
	stuckThreshold time.Duration

	mu          sync.RWMutex
	completions []completion
	inFlight    map[int64]time.Time
	total       int
	failed      int
}

type completion struct {
	GameID      int64
	Duration    time.Duration
	Plies       int
	Failed      bool
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int           `json:"total_completed"`
	TotalFailed    int           `json:"total_failed"`
	InFlight       int           `json:"in_flight"`
	AvgDuration    time.Duration `json:"avg_duration"`
	AvgPerPly      time.Duration `json:"avg_per_ply"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		inFlight:       make(map[int64]time.Time),
	}
}

// Started notes that a worker began analyzing a game
func (o *Observer) Started(gameID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight[gameID] = time.Now()
}

// Abandoned forgets a game that stopped without a result
func (o *Observer) Abandoned(gameID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, gameID)
}

// RecordCompletion records a finished game
func (o *Observer) RecordCompletion(gameID int64, duration time.Duration, plies int, failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.inFlight, gameID)
	o.total++
	if failed {
		o.failed++
	}
	o.completions = append(o.completions, completion{
		GameID:      gameID,
		Duration:    duration,
		Plies:       plies,
		Failed:      failed,
		CompletedAt: time.Now(),
	})
	if len(o.completions) > window {
		o.completions = append(o.completions[:0], o.completions[len(o.completions)-window:]...)
	}
}

// IsStuck returns true if an analysis started at startedAt is overdue
func (o *Observer) IsStuck(startedAt time.Time) bool {
	if o.stuckThreshold <= 0 || startedAt.IsZero() {
		return false
	}
	return time.Since(startedAt) > o.stuckThreshold
}

// Stuck returns the in-flight games that are overdue, sorted by id
func (o *Observer) Stuck() []int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var ids []int64
	for id, started := range o.inFlight {
		if o.IsStuck(started) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetMetrics returns aggregated metrics. Averages cover successful games
// in the recent window.
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{
		TotalCompleted: o.total,
		TotalFailed:    o.failed,
		InFlight:       len(o.inFlight),
	}

	var totalDuration time.Duration
	var n, plies int
	for _, c := range o.completions {
		if c.Failed {
			continue
		}
		n++
		plies += c.Plies
		totalDuration += c.Duration
	}

	if n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}
	if plies > 0 {
		metrics.AvgPerPly = totalDuration / time.Duration(plies)
	}

	return metrics
}

// GetRecentCompletions returns games finished within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []int64

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.GameID)
		}
	}

	return result
}
