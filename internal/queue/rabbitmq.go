package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fawad-mazhar/ingestd/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	statusQueue      = "ingestd.status"
	statusRoutingKey = "status"
)

type RabbitMQ struct {
	conn          *amqp.Connection
	statusChannel *amqp.Channel
	exchange      string
}

func NewRabbitMQ(url, exchange string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	statusCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open status channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:          conn,
		statusChannel: statusCh,
		exchange:      exchange,
	}

	if err := rmq.setupQueues(); err != nil {
		rmq.Close()
		return nil, fmt.Errorf("failed to setup queues: %w", err)
	}

	return rmq, nil
}

func (r *RabbitMQ) setupQueues() error {
	err := r.statusChannel.ExchangeDeclare(
		r.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return err
	}

	// Status queue with message TTL
	args := make(amqp.Table)
	args["x-message-ttl"] = 72 * 60 * 60 * 1000 // 72 hours in milliseconds

	_, err = r.statusChannel.QueueDeclare(
		statusQueue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		args,        // arguments - including TTL
	)
	if err != nil {
		return err
	}

	return r.statusChannel.QueueBind(
		statusQueue,           // queue name
		statusRoutingKey+".#", // routing key
		r.exchange,            // exchange
		false,
		nil,
	)
}

func (r *RabbitMQ) PublishStatus(ctx context.Context, status *models.StatusMessage) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	return r.statusChannel.PublishWithContext(ctx,
		r.exchange,                           // exchange
		routingKey(statusRoutingKey, status), // routing key
		false,                                // mandatory
		false,                                // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp.Persistent,
		},
	)
}

func (r *RabbitMQ) Close() error {
	if err := r.statusChannel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}
