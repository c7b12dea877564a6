package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	natsConnectTimeout = 10 * time.Second
	natsReconnectWait  = 5 * time.Second
)

// NATSPublisher forwards telemetry records to a NATS subject. Publishing is
// fire-and-forget: when the connection is down records are dropped and
// counted, never queued against the producer.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to the given NATS URL. The connection reconnects
// indefinitely in the background after the initial connect succeeds.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = "trapwire.events"
	}

	conn, err := nats.Connect(url,
		nats.Timeout(natsConnectTimeout),
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS connection lost, reconnecting")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", url).Str("subject", subject).Msg("NATS publisher initialized")
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("type", rec.Type).Msg("Failed to marshal telemetry record")
		return
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", p.subject).Msg("Failed to publish telemetry record")
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
