package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ConnectNATS dials a NATS server and keeps reconnecting in the background
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the NATS subject carrying a user's completion events
func Subject(prefix string, userID int64) string {
	return prefix + ".completed.user." + strconv.FormatInt(userID, 10)
}

// ParseSubject extracts the user id from a subject built by Subject
func ParseSubject(prefix, subject string) (int64, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".completed.user.")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}

// NATSBroker fans events out through NATS so that every server process
// sees completions from every worker process. Local subscribers are served
// by an embedded Hub fed from one NATS subscription per user.
type NATSBroker struct {
	nc     *nats.Conn
	prefix string
	hub    *Hub
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[int64]*natsUser
}

type natsUser struct {
	sub  *nats.Subscription
	refs int
}

var _ Broker = (*NATSBroker)(nil)

// NewNATSBroker wraps an established connection
func NewNATSBroker(nc *nats.Conn, prefix string, hub *Hub, log zerolog.Logger) *NATSBroker {
	if prefix == "" {
		prefix = "analysis"
	}
	return &NATSBroker{
		nc:     nc,
		prefix: prefix,
		hub:    hub,
		log:    log,
		subs:   make(map[int64]*natsUser),
	}
}

// Publish sends ev on the user's subject
func (b *NATSBroker) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(Subject(b.prefix, ev.UserID), data); err != nil {
		return fmt.Errorf("publishing game %d: %w", ev.GameID, err)
	}
	return nil
}

// Subscribe returns a local subscription fed from the user's NATS subject
func (b *NATSBroker) Subscribe(userID int64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.subs[userID]
	if !ok {
		sub, err := b.nc.Subscribe(Subject(b.prefix, userID), b.handle)
		if err != nil {
			return nil, fmt.Errorf("subscribing user %d: %w", userID, err)
		}
		u = &natsUser{sub: sub}
		b.subs[userID] = u
	}

	local, err := b.hub.Subscribe(userID)
	if err != nil {
		if u.refs == 0 {
			u.sub.Unsubscribe()
			delete(b.subs, userID)
		}
		return nil, err
	}
	u.refs++

	release := local.release
	local.release = func() {
		release()
		b.unref(userID)
	}
	return local, nil
}

func (b *NATSBroker) unref(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.subs[userID]
	if !ok {
		return
	}
	u.refs--
	if u.refs > 0 {
		return
	}
	if err := u.sub.Unsubscribe(); err != nil {
		b.log.Debug().Err(err).Int64("user_id", userID).Msg("nats unsubscribe")
	}
	delete(b.subs, userID)
}

func (b *NATSBroker) handle(m *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		b.log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping undecodable event")
		return
	}
	if id, ok := ParseSubject(b.prefix, m.Subject); ok && id != ev.UserID {
		b.log.Warn().Str("subject", m.Subject).Int64("user_id", ev.UserID).Msg("event user does not match subject")
		return
	}
	b.hub.Publish(context.Background(), ev)
}

// Close drops every NATS subscription and local subscriber.
// The connection itself belongs to the caller.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	for userID, u := range b.subs {
		u.sub.Unsubscribe()
		delete(b.subs, userID)
	}
	b.mu.Unlock()
	return b.hub.Close()
}
