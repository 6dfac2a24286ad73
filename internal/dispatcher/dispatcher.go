// Package dispatcher routes inbound sync messages to per-type
// handlers, optionally decoupled behind a buffered queue so a slow
// handler never stalls a peer's read loop.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Message is one inbound frame from a peer link.
type Message struct {
	Type     string
	Peer     string
	Payload  []byte
	Received time.Time
}

// HandlerFunc processes a message and returns a result.
type HandlerFunc func(Message) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full
// instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes messages to registered handlers.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   Logger

	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter

	// Track buffers for the gauge callback.
	mu      sync.RWMutex
	buffers map[string]chan Message
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan Message),
		logger:   logger,
	}

	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"sync.queue.size",
		metric.WithDescription("Current number of messages queued per type"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for msgType, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("type", msgType)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"sync.messages.processed",
		metric.WithDescription("Total messages processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"sync.messages.dropped",
		metric.WithDescription("Total messages dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given message type with optional
// configuration.
func (d *Dispatcher) Register(msgType string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(msgType, cfg.bufferSize, cfg.blocking, handler)
	}

	if cfg.logged {
		handler = d.withLogging(msgType, handler)
	}

	d.handlers[msgType] = handler
}

// Dispatch routes a message to its registered handler.
func (d *Dispatcher) Dispatch(msg Message) (any, error) {
	h, ok := d.handlers[msg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	return h(msg)
}

// HasHandler returns true if a handler is registered for the type.
func (d *Dispatcher) HasHandler(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}

func (d *Dispatcher) withBuffer(msgType string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Message, size)

	d.mu.Lock()
	d.buffers[msgType] = buffer
	d.mu.Unlock()

	typeAttr := attribute.String("type", msgType)

	go func() {
		for msg := range buffer {
			if _, err := h(msg); err != nil {
				d.logger.Error("buffered message failed", "type", msgType, "peer", msg.Peer, "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(typeAttr))
		}
	}()

	if blocking {
		return func(msg Message) (any, error) {
			buffer <- msg
			return "queued", nil
		}
	}

	return func(msg Message) (any, error) {
		select {
		case buffer <- msg:
			return "queued", nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(typeAttr))
			return nil, fmt.Errorf("queue full: %s", msgType)
		}
	}
}

func (d *Dispatcher) withLogging(msgType string, h HandlerFunc) HandlerFunc {
	return func(msg Message) (any, error) {
		start := time.Now()
		d.logger.Debug("handling message", "type", msgType, "peer", msg.Peer)

		result, err := h(msg)

		if err != nil {
			d.logger.Error("message failed", "type", msgType, "peer", msg.Peer, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("message complete", "type", msgType, "duration", time.Since(start))
		}

		return result, err
	}
}
