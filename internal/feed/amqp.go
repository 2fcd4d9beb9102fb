package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// Defaults for the RabbitMQ source.
const (
	DefaultAMQPExchange   = "helpdesk"
	DefaultAMQPQueue      = "helpdeskpipe.changes"
	DefaultAMQPMaxRetries = 3
	retryHeader           = "x-retry-count"
	maxBackoff            = 30 * time.Second
)

// AMQPSource consumes changes from a durable queue bound to a topic exchange.
// Failed changes are republished with an incremented x-retry-count header
// until maxRetries, then dropped.
type AMQPSource struct {
	url        string
	exchange   string
	queue      string
	bindings   []string
	prefetch   int
	maxRetries int

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPSource creates a RabbitMQ source. Empty values fall back to the defaults.
func NewAMQPSource(url, exchange, queue string, bindings []string, maxRetries int) *AMQPSource {
	if exchange == "" {
		exchange = DefaultAMQPExchange
	}
	if queue == "" {
		queue = DefaultAMQPQueue
	}
	if len(bindings) == 0 {
		bindings = []string{"#"}
	}
	if maxRetries < 0 {
		maxRetries = DefaultAMQPMaxRetries
	}
	return &AMQPSource{url: url, exchange: exchange, queue: queue, bindings: bindings, prefetch: 4, maxRetries: maxRetries}
}

// Name implements Source.
func (s *AMQPSource) Name() string { return "amqp" }

// Run consumes until ctx is done, reconnecting with jittered backoff.
func (s *AMQPSource) Run(ctx context.Context, handler Handler) error {
	if s.url == "" {
		return &models.ConfigurationError{Component: "feed", Reason: "RABBITMQ_URL is required"}
	}
	defer s.close()

	backoff := time.Second
	for ctx.Err() == nil {
		deliveries, err := s.connect()
		if err != nil {
			wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)))
			slog.Warn("AMQPSource.Run: connection failed, retrying", "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		slog.Info("AMQPSource.Run: consuming", "exchange", s.exchange, "queue", s.queue, "bindings", s.bindings)

		if !s.consume(ctx, deliveries, handler) {
			return nil
		}
		slog.Warn("AMQPSource.Run: delivery channel closed, reconnecting")
	}
	return nil
}

// consume returns false when ctx ended and true when the channel closed.
func (s *AMQPSource) consume(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				s.close()
				return true
			}
			s.handleDelivery(ctx, d, handler, s.republish)
		}
	}
}

type republishFunc func(ctx context.Context, d amqp.Delivery, retry int) error

// deliveryOutcome is what happened to a delivery, reported for tests and logs.
type deliveryOutcome string

const (
	outcomeAcked    deliveryOutcome = "acked"
	outcomeRejected deliveryOutcome = "rejected"
	outcomeRetried  deliveryOutcome = "retried"
	outcomeDropped  deliveryOutcome = "dropped"
	outcomeRequeued deliveryOutcome = "requeued"
)

func (s *AMQPSource) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler, republish republishFunc) deliveryOutcome {
	change, err := Decode(d.Body)
	if err != nil {
		slog.Error("AMQPSource: undecodable delivery", "routing_key", d.RoutingKey, "error", err)
		_ = d.Nack(false, false)
		return outcomeRejected
	}

	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	err = handler(hctx, change)
	cancel()
	if err == nil {
		_ = d.Ack(false)
		return outcomeAcked
	}

	if models.Classify(err) == models.ErrorClassInvalid {
		slog.Error("AMQPSource: change rejected", "table", change.Table, "error", err)
		_ = d.Ack(false)
		return outcomeDropped
	}
	rc := retryCount(d.Headers)
	if rc >= s.maxRetries {
		slog.Error("AMQPSource: retries exhausted, dropping change", "table", change.Table, "retries", rc, "error", err)
		_ = d.Ack(false)
		return outcomeDropped
	}

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer rcancel()
	if perr := republish(rctx, d, rc+1); perr != nil {
		slog.Warn("AMQPSource: republish failed, requeueing", "error", perr)
		_ = d.Nack(false, true)
		return outcomeRequeued
	}
	slog.Warn("AMQPSource: change failed, republished", "table", change.Table, "retry", rc+1, "error", err)
	_ = d.Ack(false)
	return outcomeRetried
}

func (s *AMQPSource) connect() (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := amqp.DialConfig(s.url, amqp.Config{Properties: amqp.Table{"connection_name": "helpdeskpipe"}})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	fail := func(step string, err error) (<-chan amqp.Delivery, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("exchange declare", err)
	}
	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		return fail("queue declare", err)
	}
	for _, rk := range s.bindings {
		if err := ch.QueueBind(q.Name, rk, s.exchange, false, nil); err != nil {
			return fail("queue bind "+rk, err)
		}
	}
	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return fail("qos", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	s.conn = conn
	s.channel = ch
	return deliveries, nil
}

func (s *AMQPSource) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *AMQPSource) republish(ctx context.Context, d amqp.Delivery, retry int) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return errors.New("channel is closed")
	}
	return ch.PublishWithContext(ctx, d.Exchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      setRetryCount(d.Headers, retry),
	})
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func setRetryCount(headers amqp.Table, n int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out[retryHeader] = int32(n)
	return out
}
