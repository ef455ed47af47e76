package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"courier/internal/logger"
)

// Consumer opens a prefetch-bounded subscription on one queue. Ack and
// nack decisions stay with the caller; the delivery channel closes when
// the AMQP channel dies or the consumer is cancelled.
type Consumer struct {
	client   *Client
	logger   logger.Logger
	prefetch int

	ch  *amqp.Channel
	tag string
}

func NewConsumer(client *Client, log logger.Logger, prefetch int) *Consumer {
	return &Consumer{client: client, logger: log, prefetch: prefetch}
}

func (c *Consumer) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	ch, err := c.client.Channel(ctx)
	if err != nil {
		return nil, err
	}

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consuming %s: %w", queue, err)
	}

	c.ch = ch
	c.tag = consumerTag
	c.logger.Infow("Consuming queue",
		"queue", queue,
		"prefetch", c.prefetch,
		"consumer_tag", consumerTag,
	)
	return deliveries, nil
}

// Cancel stops delivery without closing the channel, letting in-flight
// messages be acked before Close.
func (c *Consumer) Cancel() error {
	if c.ch == nil || c.ch.IsClosed() {
		return nil
	}
	return c.ch.Cancel(c.tag, false)
}

func (c *Consumer) Close() error {
	if c.ch == nil || c.ch.IsClosed() {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	return err
}
