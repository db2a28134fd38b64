package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

// MessageTypeReminderDue tags envelopes published by the amqp sink.
const MessageTypeReminderDue = "reminder.due"

// Envelope is the body of every published message.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   Message   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// connection keeps one AMQP connection and channel open, reconnecting with
// exponential backoff when the broker drops it.
type connection struct {
	url      string
	exchange string
	log      logx.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed   bool
	closedCh chan struct{}
}

func dialConnection(url, exchange string, log logx.Logger) (*connection, error) {
	c := &connection{url: url, exchange: exchange, log: log, closedCh: make(chan struct{})}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if c.exchange != "" {
		if err := ch.ExchangeDeclare(c.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("declare exchange %s: %w", c.exchange, err)
		}
	}

	c.mu.Lock()
	c.conn, c.channel = conn, ch
	c.mu.Unlock()
	c.log.Info("connected to broker")
	return nil
}

func (c *connection) watch() {
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return
		}
		conn := c.conn
		c.mu.RUnlock()

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notifyClose:
			if err != nil {
				c.log.Warn("broker connection closed", logx.Err(err))
			}
			if !c.reconnect() {
				return
			}
		}
	}
}

func (c *connection) reconnect() bool {
	c.mu.Lock()
	c.channel = nil
	c.mu.Unlock()

	delay := time.Second
	for {
		select {
		case <-c.closedCh:
			return false
		case <-time.After(delay):
		}
		if err := c.connect(); err != nil {
			c.log.Warn("reconnect failed", logx.Duration("delay", delay), logx.Err(err))
			delay = min(delay*2, 30*time.Second)
			continue
		}
		c.log.Info("reconnected to broker")
		return true
	}
}

func (c *connection) withChannel(fn func(ch *amqp.Channel) error) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	return fn(ch)
}

func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// AMQP publishes each reminder as a persistent JSON message.
type AMQP struct {
	conn       *connection
	exchange   string
	routingKey string
	log        logx.Logger
}

func NewAMQP(cfg AMQPConfig, log logx.Logger) (*AMQP, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("amqp url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("sink", "amqp"))
	rk := cfg.RoutingKey
	if rk == "" {
		rk = MessageTypeReminderDue
	}
	conn, err := dialConnection(cfg.URL, cfg.Exchange, log)
	if err != nil {
		return nil, err
	}
	return &AMQP{conn: conn, exchange: cfg.Exchange, routingKey: rk, log: log}, nil
}

func (s *AMQP) Notify(ctx context.Context, d reminder.Delivery) error {
	env := newEnvelope(d, time.Now())
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.conn.withChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Type:         env.Type,
			Timestamp:    env.Timestamp,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", s.exchange, s.routingKey, err)
		}
		s.log.Debug("published reminder", logx.String("message_id", env.ID), logx.String("task_id", d.TaskID))
		return nil
	})
}

func (s *AMQP) Close() error { return s.conn.Close() }

func newEnvelope(d reminder.Delivery, now time.Time) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      MessageTypeReminderDue,
		Payload:   messageOf(d),
		Timestamp: now.UTC(),
	}
}
