// Package rabbitmq owns the service's single AMQP connection. Audit records
// and domain events share it; without a broker it degrades to a logging no-op.
package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	ModeAMQP = "amqp"
	ModeNoop = "noop"
)

// Publisher sends JSON bodies to a durable topic exchange.
type Publisher struct {
	exchange string
	logger   *zap.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	reason string // set while no broker is attached
}

// NewPublisher dials amqpURL and declares exchange. Any failure yields a
// no-op publisher that records why.
func NewPublisher(amqpURL, exchange string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{exchange: exchange, logger: logger.With(zap.String("component", "rabbitmq"))}
	if amqpURL == "" {
		p.degrade("empty amqp url")
		return p
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		p.degrade(err.Error())
		return p
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		p.degrade(err.Error())
		return p
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		p.degrade(err.Error())
		return p
	}

	p.conn, p.ch = conn, ch
	go p.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	p.logger.Info("rabbitmq connected", zap.String("exchange", exchange))
	return p
}

// Mode reports whether events reach a broker.
func (p *Publisher) Mode() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ch == nil {
		return ModeNoop
	}
	return ModeAMQP
}

// NoopReason explains the no-op mode; empty while connected.
func (p *Publisher) NoopReason() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reason
}

// Publish sends event without extra headers.
func (p *Publisher) Publish(ctx context.Context, routingKey string, event any) error {
	return p.PublishJSON(ctx, routingKey, event, nil)
}

// PublishJSON marshals event and publishes it persistently under routingKey.
func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.RLock()
	ch := p.ch
	p.mu.RUnlock()
	if ch == nil {
		p.logger.Debug("rabbitmq noop publish", zap.String("routing_key", routingKey), zap.Int("bytes", len(body)))
		return nil
	}

	var table amqp.Table
	if len(headers) > 0 {
		table = make(amqp.Table, len(headers))
		for k, v := range headers {
			table[k] = v
		}
	}
	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("rabbitmq publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
	return err
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	ch, conn := p.ch, p.conn
	p.ch, p.conn = nil, nil
	if p.reason == "" {
		p.reason = "closed"
	}
	p.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (p *Publisher) degrade(reason string) {
	p.mu.Lock()
	p.ch, p.conn = nil, nil
	p.reason = reason
	p.mu.Unlock()
	p.logger.Warn("rabbitmq disabled, using noop", zap.String("reason", reason))
}

// watch drops to no-op mode when the broker goes away. A nil error means
// Close was called locally.
func (p *Publisher) watch(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		p.degrade("connection lost: " + err.Reason)
	}
}
