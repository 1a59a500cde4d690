package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures forwarding of relay events to a RabbitMQ topic exchange.
type AMQPConfig struct {
	URL           string
	Exchange      string
	RoutingPrefix string
	Source        string // AppId stamped on every message
	BufferSize    int
	Logger        *slog.Logger
}

// AMQPForwarder subscribes to every EventBus event and republishes it as a
// JSON envelope. Publishing happens on its own goroutine; when the buffer is
// full events are dropped rather than blocking the emitter.
type AMQPForwarder struct {
	cfg    AMQPConfig
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  chan Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// EventEnvelope is the wire format of a forwarded event.
type EventEnvelope struct {
	Meta    EventMeta      `json:"meta"`
	Payload map[string]any `json:"payload,omitempty"`
}

type EventMeta struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
}

// NewAMQPForwarder dials the broker and declares the exchange.
func NewAMQPForwarder(cfg AMQPConfig) (*AMQPForwarder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp URL is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "warelay.events"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	cfg.Logger.Info("connecting to rabbitmq", "host", host, "exchange", cfg.Exchange)

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	return &AMQPForwarder{
		cfg:    cfg,
		conn:   conn,
		ch:     ch,
		queue:  make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}, nil
}

// Attach subscribes the forwarder to all events on eb.
func (f *AMQPForwarder) Attach(eb *EventBus) string {
	return eb.On("*", f.enqueue)
}

func (f *AMQPForwarder) enqueue(e Event) {
	select {
	case f.queue <- e:
	default:
		f.logger.Warn("amqp forward buffer full, dropping event", "event", e.Type)
	}
}

// Run publishes queued events until ctx is cancelled or Close is called.
func (f *AMQPForwarder) Run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			f.flush(ctx)
			return
		case e := <-f.queue:
			if err := f.publish(ctx, e); err != nil {
				f.logger.Error("amqp publish failed", "event", e.Type, "err", err)
			}
		}
	}
}

// flush publishes whatever is still buffered without waiting for more.
func (f *AMQPForwarder) flush(ctx context.Context) {
	for {
		select {
		case e := <-f.queue:
			if err := f.publish(ctx, e); err != nil {
				f.logger.Error("amqp publish failed", "event", e.Type, "err", err)
				return
			}
		default:
			return
		}
	}
}

func (f *AMQPForwarder) publish(ctx context.Context, e Event) error {
	body, err := MarshalEnvelope(e, f.cfg.Source)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return f.ch.PublishWithContext(pubCtx, f.cfg.Exchange, RoutingKey(f.cfg.RoutingPrefix, e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Transient,
		MessageId:    e.ID,
		Type:         e.Type,
		Timestamp:    e.Timestamp,
		AppId:        f.cfg.Source,
	})
}

// Close stops the publisher goroutine (if running) and closes the connection.
func (f *AMQPForwarder) Close() error {
	var err error
	f.once.Do(func() {
		close(f.stop)
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
		}
		if cerr := f.ch.Close(); cerr != nil {
			err = cerr
		}
		if cerr := f.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// MarshalEnvelope encodes e as the forwarded JSON envelope. source is used
// when the event does not name its originating component.
func MarshalEnvelope(e Event, source string) ([]byte, error) {
	env := EventEnvelope{
		Meta: EventMeta{
			ID:     e.ID,
			Type:   e.Type,
			Source: e.Source,
			Time:   e.Timestamp.UTC(),
		},
		Payload: e.Payload,
	}
	if env.Meta.Source == "" {
		env.Meta.Source = source
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}

// RoutingKey joins the configured prefix and the event type ("warelay.dispatch.completed").
func RoutingKey(prefix, eventType string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}
