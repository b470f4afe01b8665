package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
)

// EventType names a client-facing event
type EventType string

const (
	// EventGameAnalysisCompleted is published once per finished game,
	// whether it was analyzed or failed
	EventGameAnalysisCompleted EventType = "game_analysis_completed"
)

// ErrBrokerClosed is returned by Subscribe after Close
var ErrBrokerClosed = errors.New("broker closed")

// Event is pushed to the subscribers of one user. Delivery is at most once;
// clients fall back to reading persisted state.
type Event struct {
	Type      EventType            `json:"type"`
	UserID    int64                `json:"user_id"`
	GameID    int64                `json:"game_id"`
	JobID     *int64               `json:"job_id,omitempty"`
	State     domain.AnalysisState `json:"state"`
	Timestamp time.Time            `json:"timestamp"`
}

// GameCompleted builds the event for a game that left in_progress
func GameCompleted(g *domain.Game, jobID *int64, state domain.AnalysisState) Event {
	return Event{
		Type:      EventGameAnalysisCompleted,
		UserID:    g.UserID,
		GameID:    g.ID,
		JobID:     jobID,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
}

// Broker is a publish/subscribe channel keyed by user id
type Broker interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(userID int64) (*Subscription, error)
}

// Subscription receives one user's events until Close
type Subscription struct {
	UserID int64
	C      <-chan Event

	once    sync.Once
	release func()
}

// Close stops delivery. C is closed afterwards.
func (s *Subscription) Close() {
	s.once.Do(s.release)
}
