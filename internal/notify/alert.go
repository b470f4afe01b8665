// Package notify carries two kinds of messages: per-user analysis events
// streamed to clients, and operator alerts about batch jobs.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// AlertLevel grades an operator alert
type AlertLevel int

const (
	AlertInfo AlertLevel = iota
	AlertSuccess
	AlertWarning
	AlertError
)

// Alert is an operator-facing message about a job
type Alert struct {
	Title   string
	Message string
	Level   AlertLevel
	JobID   int64 // Optional job reference
	UserID  int64
}

// Alerter sends operator alerts
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// MultiAlerter sends to multiple alerters
type MultiAlerter struct {
	alerters []Alerter
}

// NewMultiAlerter creates an alerter that sends to all provided alerters
func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

// Alert sends to every alerter and joins their errors
func (m *MultiAlerter) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, alerter := range m.alerters {
		if err := alerter.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogAlerter writes alerts to the process log
type LogAlerter struct {
	log zerolog.Logger
}

// NewLogAlerter creates an alerter that logs at a level matching the alert
func NewLogAlerter(log zerolog.Logger) LogAlerter {
	return LogAlerter{log: log}
}

func (l LogAlerter) Alert(_ context.Context, a Alert) error {
	ev := l.log.Info()
	switch a.Level {
	case AlertWarning:
		ev = l.log.Warn()
	case AlertError:
		ev = l.log.Error()
	}
	if a.JobID != 0 {
		ev = ev.Int64("job_id", a.JobID).Int64("user_id", a.UserID)
	}
	ev.Str("detail", a.Message).Msg(a.Title)
	return nil
}

// NoopAlerter does nothing (for testing or disabled alerts)
type NoopAlerter struct{}

func (NoopAlerter) Alert(context.Context, Alert) error { return nil }
