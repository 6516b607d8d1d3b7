// Package nats publishes discrepancy notifications to NATS subscribers.
package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/couchcryptid/quake-consensus-service/internal/domain"
	"github.com/couchcryptid/quake-consensus-service/internal/events"
	"github.com/couchcryptid/quake-consensus-service/internal/observability"
)

// DiscrepancySubject carries every raised discrepancy.
const DiscrepancySubject = "quake.discrepancy"

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher forwards discrepancies to DiscrepancySubject.
type Publisher struct {
	conn    *nats.Conn
	pub     msgPublisher
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Connect dials the NATS server with reconnects enabled.
func Connect(url string, metrics *observability.Metrics, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("quake-consensus-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{conn: conn, pub: conn, metrics: metrics, logger: logger}, nil
}

// Publish sends one discrepancy. The discrepancy id is set as the
// Nats-Msg-Id header so JetStream consumers can deduplicate.
func (p *Publisher) Publish(d domain.Discrepancy) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal discrepancy: %w", err)
	}
	msg := nats.NewMsg(DiscrepancySubject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, d.ID)
	msg.Header.Set("Quake-Cause", string(d.Cause))
	msg.Header.Set("Quake-Realtime", strconv.FormatBool(d.Realtime))

	if err := p.pub.PublishMsg(msg); err != nil {
		p.metrics.SinkPublishes.WithLabelValues("nats", "error").Inc()
		return fmt.Errorf("publish discrepancy: %w", err)
	}
	p.metrics.SinkPublishes.WithLabelValues("nats", "success").Inc()
	return nil
}

// Attach forwards every DiscrepancyDetected event.
func (p *Publisher) Attach(bus *events.Bus) (detach func()) {
	return events.Subscribe(bus, events.DiscrepancyDetected, func(d domain.Discrepancy) {
		if err := p.Publish(d); err != nil {
			p.logger.Error("nats publish failed", "discrepancy_id", d.ID, "error", err)
		}
	})
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
