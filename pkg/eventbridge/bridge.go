// Package eventbridge forwards engine events to NATS.
//
// Each event is published as a JSON envelope on the subject
// <prefix>.<event-name>. Events are queued and sent from a single
// goroutine, so a slow broker never blocks the engine; when the queue is
// full the event is dropped and logged.
package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
)

// Defaults.
const (
	DefaultPrefix    = "meshlink"
	DefaultQueueSize = 256
)

// ErrInvalidQueueSize is returned by Config.Validate.
var ErrInvalidQueueSize = errors.New("queue size must not be negative")

// Event is anything the engine emits.
type Event interface {
	// Name is the last subject token, e.g. "scan-updated".
	Name() string
}

// Publisher sends raw messages. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Envelope is the JSON body of every published message.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Config configures a Bridge.
type Config struct {
	// Prefix is the subject prefix.
	Prefix string

	// QueueSize bounds the number of events waiting to be published.
	QueueSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{Prefix: DefaultPrefix, QueueSize: DefaultQueueSize}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QueueSize < 0 {
		return ErrInvalidQueueSize
	}
	return nil
}

// Subject returns the subject an event is published on.
func Subject(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Bridge publishes engine events.
type Bridge struct {
	pub    Publisher
	config Config
	clock  clock.Clock
	logger *slog.Logger
	queue  chan Envelope

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bridge. Call Start to begin publishing.
func New(pub Publisher, config Config) *Bridge {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.QueueSize == 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{
		pub:    pub,
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
		queue:  make(chan Envelope, config.QueueSize),
	}
}

// Dial connects to a NATS server for use as a Publisher.
func Dial(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// Handle queues e for publishing. It never blocks.
func (b *Bridge) Handle(e Event) {
	env := Envelope{Type: e.Name(), Timestamp: b.clock.Now().UTC(), Data: e}
	select {
	case b.queue <- env:
	default:
		b.logger.Warn("event queue full, dropping event", "type", env.Type)
	}
}

// Start runs the publish loop until Stop or ctx is done.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	b.logger.Info("starting event bridge", "prefix", b.config.Prefix)
	go b.sendLoop(ctx, b.done)
}

func (b *Bridge) sendLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case env := <-b.queue:
			b.publish(env)
		}
	}
}

// drain publishes whatever is still queued.
func (b *Bridge) drain() {
	for {
		select {
		case env := <-b.queue:
			b.publish(env)
		default:
			return
		}
	}
}

func (b *Bridge) publish(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("failed to encode event", "type", env.Type, "error", err)
		return
	}
	subject := Subject(b.config.Prefix, env.Type)
	if err := b.pub.Publish(subject, data); err != nil {
		b.logger.Error("failed to publish event", "subject", subject, "error", err)
		return
	}
	b.logger.Debug("event published", "subject", subject, "bytes", len(data))
}

// Stop ends the publish loop after flushing queued events.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
