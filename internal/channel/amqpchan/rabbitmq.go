package amqpchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConfig describes the broker connection and queues.
type RabbitMQConfig struct {
	URL           string
	InboundQueue  string // default "langford.inbound"
	OutboundQueue string // default "langford.outbound"
	Prefetch      int
	Workers       int
	Durable       bool
	Logger        *zap.Logger
}

// Channel consumes chat envelopes and publishes replies.
type Channel struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	inbound  string
	outbound string
	workers  int
	pubMu    sync.Mutex
	logger   *zap.Logger
}

// Dial connects to RabbitMQ and declares both queues.
func Dial(cfg RabbitMQConfig) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqpchan: URL is required")
	}
	if cfg.InboundQueue == "" {
		cfg.InboundQueue = "langford.inbound"
	}
	if cfg.OutboundQueue == "" {
		cfg.OutboundQueue = "langford.outbound"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqpchan.Dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpchan.Dial channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("amqpchan.Dial qos: %w", err)
		}
	}
	for _, q := range []string{cfg.InboundQueue, cfg.OutboundQueue} {
		if _, err := ch.QueueDeclare(q, cfg.Durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("amqpchan.Dial declare %s: %w", q, err)
		}
	}
	return &Channel{
		conn:     conn,
		ch:       ch,
		inbound:  cfg.InboundQueue,
		outbound: cfg.OutboundQueue,
		workers:  cfg.Workers,
		logger:   cfg.Logger,
	}, nil
}

// Publish sends a reply to the outbound queue.
func (c *Channel) Publish(ctx context.Context, out Outbound) error {
	return c.publish(ctx, c.outbound, "", out)
}

func (c *Channel) publish(ctx context.Context, queue, correlationID string, out Outbound) error {
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("amqpchan.publish: %w", err)
	}
	// amqp.Channel is not safe for concurrent publishes.
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Timestamp:     time.Now(),
		Body:          body,
	})
}

// Consume runs until ctx is cancelled. Deliveries are routed to workers by
// session so one session is handled in order, and acked once handled.
// Bad envelopes are rejected without requeue.
func (c *Channel) Consume(ctx context.Context, h *Handler) error {
	msgs, err := c.ch.Consume(c.inbound, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqpchan.Consume: %w", err)
	}

	lanes := make([]chan amqp.Delivery, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan amqp.Delivery)
		wg.Add(1)
		go func(lane <-chan amqp.Delivery) {
			defer wg.Done()
			for msg := range lane {
				c.handle(ctx, h, msg)
			}
		}(lanes[i])
	}
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("amqpchan: delivery channel closed")
			}
			select {
			case lanes[shard(SessionOf(msg.Body), c.workers)] <- msg:
			case <-ctx.Done():
				_ = msg.Nack(false, true)
				return ctx.Err()
			}
		}
	}
}

func (c *Channel) handle(ctx context.Context, h *Handler, msg amqp.Delivery) {
	out, err := h.Handle(ctx, msg.Body)
	if errors.Is(err, ErrBadEnvelope) {
		c.logger.Warn("rejecting delivery", zap.String("message_id", msg.MessageId), zap.Error(err))
		_ = msg.Reject(false)
		return
	}
	if err != nil {
		c.logger.Error("chat delivery failed", zap.String("session_id", out.SessionID), zap.Error(err))
	}

	queue := c.outbound
	if msg.ReplyTo != "" {
		queue = msg.ReplyTo
	}
	if err := c.publish(ctx, queue, msg.CorrelationId, out); err != nil {
		// The turn already ran; redelivering would repeat its tool calls.
		c.logger.Error("publish reply failed", zap.String("session_id", out.SessionID), zap.Error(err))
	}
	_ = msg.Ack(false)
}

// Close closes the channel and connection.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
