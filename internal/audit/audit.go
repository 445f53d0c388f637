// Package audit forwards security events (threats, blocks, unblocks) to
// external compliance collaborators. It is a write-only dependency: the
// core never reads back from the audit log, and emit failures never fail
// the request path.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event kinds.
const (
	KindThreat  = "threat"
	KindBlock   = "block"
	KindUnblock = "unblock"
)

// Event is a typed security event with severity.
type Event struct {
	Kind        string            `json:"kind"`
	Severity    string            `json:"severity,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Source      string            `json:"source"`
	Namespace   string            `json:"namespace,omitempty"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
}

// Sink receives security events.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(context.Context, Event) error { return nil }
func (Noop) Close() error                      { return nil }

// Fanout forwards each event to every configured sink. A failing sink is
// logged and skipped; the remaining sinks still receive the event.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewFanout builds a fanout over the given sinks.
func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Emit(ctx context.Context, ev Event) error {
	for _, s := range f.sinks {
		if err := s.Emit(ctx, ev); err != nil && f.logger != nil {
			f.logger.Warn("audit emit failed",
				zap.String("kind", ev.Kind),
				zap.String("source", ev.Source),
				zap.Error(err))
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
