package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/metrics"
)

// Hub is an in-process Broker. Publishing never blocks: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	buffer  int
	log     zerolog.Logger
	metrics metrics.Collector

	mu     sync.RWMutex
	subs   map[int64]map[chan Event]struct{}
	count  int
	closed bool
}

var _ Broker = (*Hub)(nil)

// HubOption configures a Hub
type HubOption func(*Hub)

// WithHubLogger sets the hub logger
func WithHubLogger(log zerolog.Logger) HubOption {
	return func(h *Hub) { h.log = log }
}

// WithHubMetrics sets the metrics collector
func WithHubMetrics(m metrics.Collector) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub whose subscriptions buffer up to buffer events
func NewHub(buffer int, opts ...HubOption) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	h := &Hub{
		buffer:  buffer,
		log:     zerolog.Nop(),
		metrics: metrics.Noop{},
		subs:    make(map[int64]map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers ev to every current subscriber of ev.UserID
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[ev.UserID] {
		select {
		case ch <- ev:
			h.metrics.IncCounter(metrics.MetricEventsPublished, 1)
		default:
			h.metrics.IncCounter(metrics.MetricEventsDropped, 1)
			h.log.Debug().Int64("user_id", ev.UserID).Int64("game_id", ev.GameID).Msg("subscriber slow, event dropped")
		}
	}
	return nil
}

// Subscribe registers a new subscriber for userID
func (h *Hub) Subscribe(userID int64) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrBrokerClosed
	}

	ch := make(chan Event, h.buffer)
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.count++
	h.metrics.SetGauge(metrics.MetricSubscribersGauge, int64(h.count))

	return &Subscription{
		UserID:  userID,
		C:       ch,
		release: func() { h.remove(userID, ch) },
	}, nil
}

func (h *Hub) remove(userID int64, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[userID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.subs, userID)
	}
	close(ch)
	h.count--
	h.metrics.SetGauge(metrics.MetricSubscribersGauge, int64(h.count))
}

// Subscribers returns how many subscriptions are open for userID
func (h *Hub) Subscribers(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Close ends every subscription
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for userID, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, userID)
	}
	h.count = 0
	h.metrics.SetGauge(metrics.MetricSubscribersGauge, 0)
	return nil
}
