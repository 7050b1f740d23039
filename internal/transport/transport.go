package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/config"
)

const (
	// QueueSignals carries pulse packages from demodulators to the decoder
	QueueSignals = "signals"

	// QueueDetected carries messages a decoder recognised, with device records attached
	QueueDetected = "detected"

	// QueueUnknown carries messages no decoder recognised, unchanged
	QueueUnknown = "unknown"
)

const (
	KindMemory    Kind = "memory"
	KindSQLite    Kind = "sqlite"
	KindWebSocket Kind = "websocket"
)

var (
	// ErrNotConnected is returned by operations on a transport which has no live connection
	ErrNotConnected = errors.New("transport not connected")

	// ErrQueueFull is returned when a bounded queue cannot take more messages
	ErrQueueFull = errors.New("queue is full")
)

// Transport moves opaque payloads between named queues. Implementations must
// be safe for concurrent use.
type Transport interface {
	// Connect establishes the connection. Calling it on a connected transport
	// is a no-op.
	Connect(ctx context.Context) error

	// Send publishes one payload to the queue
	Send(ctx context.Context, queue string, payload []byte) error

	// ReceiveBatch takes up to max payloads from the queue, waiting at most
	// timeout for the first one to arrive. An empty batch is not an error.
	ReceiveBatch(ctx context.Context, queue string, max int, timeout time.Duration) ([][]byte, error)

	IsConnected() bool
	Close() error
}

// Kind names a transport implementation
type Kind string

// Config selects and configures a transport
type Config struct {
	Kind       Kind             `yaml:"kind" json:"kind"`
	Path       string           `yaml:"path" json:"path"`             // sqlite: database file
	URL        string           `yaml:"url" json:"url"`               // websocket: ws://host:port/path
	Origin     string           `yaml:"origin" json:"origin"`         // websocket: origin header (default: derived from url)
	Capacity   int              `yaml:"capacity" json:"capacity"`     // memory: per-queue limit (default: unlimited)
	Timeout    config.Duration  `yaml:"timeout" json:"timeout"`       // websocket: request timeout (default: 5s)
	Poll       config.Duration  `yaml:"poll" json:"poll"`             // sqlite: poll interval while waiting (default: 50ms)
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"` // reconnect policy
}

func (c *Config) Validate() error {
	switch c.Kind {
	case KindMemory:
		if c.Capacity < 0 {
			return fmt.Errorf("transport.Config: capacity cannot be negative")
		}
	case KindSQLite:
		if c.Path == "" {
			return fmt.Errorf("transport.Config: path is required for %s transport", c.Kind)
		}
	case KindWebSocket:
		if c.URL == "" {
			return fmt.Errorf("transport.Config: url is required for %s transport", c.Kind)
		}
	default:
		return fmt.Errorf("transport.Config: unknown kind: '%s'", c.Kind)
	}

	if err := c.Timeout.Validate(); err != nil {
		return fmt.Errorf("transport.Config: invalid timeout: %w", err)
	}
	if err := c.Poll.Validate(); err != nil {
		return fmt.Errorf("transport.Config: invalid poll interval: %w", err)
	}
	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("transport.Config: %w", err)
	}

	return nil
}

// New creates the transport described by the configuration. The transport is
// not connected.
func New(c Config) (Transport, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch c.Kind {
	case KindSQLite:
		return NewSQLite(c.Path, WithPollInterval(c.Poll.Or(DefaultPollInterval))), nil
	case KindWebSocket:
		return NewWebSocket(c.URL, c.Origin, WithRequestTimeout(c.Timeout.Or(DefaultRequestTimeout))), nil
	default:
		return NewMemory(c.Capacity), nil
	}
}

func validQueue(queue string) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	return nil
}
