// Package events publishes session lifecycle events for external
// consumers (dashboards, audit sinks). Publishing is strictly
// best-effort: a broker outage must never stall or fail a pipeline.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

// Event describes one session lifecycle transition.
type Event struct {
	SessionID string       `json:"session_id"`
	Phase     phase.Phase  `json:"phase"`
	Status    phase.Status `json:"status"`
	Iteration int          `json:"iteration_count"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Publisher emits session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close()
}

// NATSPublisher publishes events to studiod.sessions.<id> subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials the NATS server and returns a publisher.
func Connect(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish emits one event. Failures are logged and swallowed.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal session event", zap.Error(err))
		return
	}
	subject := "studiod.sessions." + ev.SessionID
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publish session event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	_ = p.conn.Drain()
}

// Noop is a Publisher that discards events. Used when eventing is
// disabled and in tests.
type Noop struct{}

// Publish discards the event.
func (Noop) Publish(context.Context, Event) {}

// Close is a no-op.
func (Noop) Close() {}
