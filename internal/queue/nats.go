package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(url, subject string, log zerolog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("ingestd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn, subject: subject}, nil
}

func (n *NATS) PublishStatus(ctx context.Context, status *models.StatusMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return n.conn.Publish(routingKey(n.subject, status), data)
}

// Close flushes pending messages before closing the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
