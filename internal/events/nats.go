// ABOUTME: Mirrors fleet events onto NATS subjects
// ABOUTME: Publishing is best effort; a missing connection is reported, not fatal

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the event kind to build the subject.
const DefaultSubjectPrefix = "opamp.fleet"

var errNATSUnavailable = errors.New("NATS connection not available")

// NATSPublisher publishes events to "<prefix>.<kind>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// DialNATS connects to url and returns a publisher. The connection retries
// in the background after the first successful connect.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("opamp-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return NewNATSPublisher(conn, prefix, logger), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger.With("component", "nats")}
}

// Subject returns the subject an event of the given kind is published on.
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

// Publish sends one event.
func (p *NATSPublisher) Publish(evt Event) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return errNATSUnavailable
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-event-id", evt.ID)
	headers.Set("x-event-kind", string(evt.Kind))
	if evt.AgentID != "" {
		headers.Set("x-agent-id", evt.AgentID)
	}

	msg := &nats.Msg{
		Subject: p.Subject(evt.Kind),
		Data:    data,
		Header:  headers,
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
