package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"annotask/internal/domain"
)

const (
	DefaultQueue    = "annotask.events"
	maxConnectRetry = 5
	retryDelay      = 2 * time.Second
)

// AMQPPublisher pushes events onto a durable RabbitMQ queue for the
// dashboard consumers. It reconnects in the background when the channel
// closes.
type AMQPPublisher struct {
	url   string
	queue string

	connLock   sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	destructor sync.Once
	closed     chan struct{}
}

var _ Publisher = (*AMQPPublisher)(nil)

func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	p := &AMQPPublisher{url: url, queue: queue, closed: make(chan struct{})}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func dial(url string) (*amqp.Connection, error) {
	var err error
	for i := 0; i < maxConnectRetry; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", maxConnectRetry, "error", err)
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", maxConnectRetry, err)
}

func (p *AMQPPublisher) connect() error {
	conn, err := dial(p.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := channel.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare rabbitmq queue %s: %w", p.queue, err)
	}
	p.conn = conn
	p.channel = channel
	slog.Info("rabbitmq channel opened", "queue", p.queue)
	go p.handleReconnect(channel)
	return nil
}

func (p *AMQPPublisher) handleReconnect(channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	err, ok := <-notifyClose
	if !ok {
		return
	}
	slog.Warn("rabbitmq channel closed, reconnecting", "error", err)

	p.connLock.Lock()
	defer p.connLock.Unlock()
	p.channel = nil
	p.conn = nil
	for {
		select {
		case <-p.closed:
			return
		default:
		}
		if p.connect() == nil {
			slog.Info("reconnected to rabbitmq")
			return
		}
		time.Sleep(retryDelay * 10)
	}
}

func (p *AMQPPublisher) Name() string { return "amqp:" + p.queue }

type amqpEvent struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	ContributorID string          `json:"contributor_id,omitempty"`
	TS            time.Time       `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt domain.Event) error {
	p.connLock.RLock()
	defer p.connLock.RUnlock()
	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	body, err := json.Marshal(amqpEvent{
		ID:            evt.ID,
		Type:          evt.Type,
		ContributorID: evt.ContributorID,
		TS:            evt.TS,
		Payload:       rawPayload(evt.Payload),
	})
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", evt.ID, err)
	}
	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%d", evt.ID),
		Type:         evt.Type,
		Timestamp:    evt.TS,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish event %d: %w", evt.ID, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() {
	p.destructor.Do(func() {
		close(p.closed)
		p.connLock.RLock()
		defer p.connLock.RUnlock()
		if p.conn != nil {
			if err := p.conn.Close(); err != nil {
				slog.Error("error closing rabbitmq connection", "error", err)
			}
		}
	})
}

// rawPayload passes valid JSON through and wraps anything else as a string.
func rawPayload(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
