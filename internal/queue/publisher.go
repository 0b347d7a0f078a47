// Package queue publishes scheduler and task status events to a message broker.
package queue

import (
	"context"
	"fmt"

	"github.com/fawad-mazhar/ingestd/internal/config"
	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/rs/zerolog"
)

// Publisher delivers status messages. Implementations must be safe for
// concurrent use; publishing is best effort and never blocks task progress.
type Publisher interface {
	PublishStatus(ctx context.Context, status *models.StatusMessage) error
	Close() error
}

type nopPublisher struct{}

func (nopPublisher) PublishStatus(context.Context, *models.StatusMessage) error { return nil }
func (nopPublisher) Close() error                                               { return nil }

// Nop discards every message.
func Nop() Publisher { return nopPublisher{} }

// New connects the publisher selected by cfg.Driver.
func New(cfg config.EventsConfig, log zerolog.Logger) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop(), nil
	case "nats":
		return NewNATS(cfg.URL, cfg.Subject, log)
	case "rabbitmq":
		return NewRabbitMQ(cfg.URL, cfg.Exchange)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

// routingKey is "<prefix>.<type>.<status>", e.g. ingestd.status.task.COMPLETED.
func routingKey(prefix string, status *models.StatusMessage) string {
	return prefix + "." + status.Type + "." + status.Status
}
