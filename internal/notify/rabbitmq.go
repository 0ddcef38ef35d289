package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobqueue/shared/rabbitmq"
)

// publisher is the part of the RabbitMQ client used to send notifications
type publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Publisher publishes wake notifications to a RabbitMQ exchange
type Publisher struct {
	client publisher
	logger *slog.Logger
}

// NewPublisher creates a Publisher on a connected client
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

func (p *Publisher) Notify(ctx context.Context, jobID string) error {
	body, err := json.Marshal(Message{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal wake message: %w", err)
	}

	if err := p.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish wake message: %w", err)
	}

	p.logger.Debug("Wake message published", slog.String("job_id", jobID))
	return nil
}

// Consumer wakes a dispatcher for every notification received from RabbitMQ
type Consumer struct {
	client      *rabbitmq.Client
	waker       Waker
	consumerTag string
	logger      *slog.Logger
}

// NewConsumer creates a Consumer. consumerTag identifies the worker service.
func NewConsumer(client *rabbitmq.Client, waker Waker, consumerTag string, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:      client,
		waker:       waker,
		consumerTag: consumerTag,
		logger:      logger,
	}
}

// Run consumes notifications until ctx is canceled or the RabbitMQ channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.client.Consume(c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Wake consumer started", slog.String("consumer_tag", c.consumerTag))
	return c.consume(ctx, deliveries, c.client.NotifyClose())
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Wake consumer stopped - context canceled")
			return nil

		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				c.logger.Warn("RabbitMQ channel closed")
				return fmt.Errorf("rabbitmq channel closed")
			}
			c.logger.Error("RabbitMQ channel closed",
				slog.Int("code", amqpErr.Code),
				slog.String("reason", amqpErr.Reason),
			)
			return fmt.Errorf("rabbitmq channel closed: %w", amqpErr)

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return fmt.Errorf("rabbitmq delivery channel closed")
			}
			c.handle(delivery)
		}
	}
}

// handle validates one delivery, wakes the dispatcher and acknowledges it.
// Malformed messages are rejected without requeue.
func (c *Consumer) handle(delivery amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.Error("Failed to parse wake message JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		c.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK message with invalid job_id",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	c.waker.Wake()

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ACK wake message",
			slog.String("job_id", msg.JobID),
			slog.String("error", ackErr.Error()),
		)
		return
	}

	c.logger.Debug("Dispatcher woken", slog.String("job_id", msg.JobID))
}
