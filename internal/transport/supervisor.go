package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/config"
)

const (
	DefaultReconnectInterval    = time.Second
	DefaultMaxReconnectInterval = time.Minute
	DefaultDegradeAfter         = 10
	DefaultDegradedInterval     = time.Second
)

// ErrDegraded is returned for sends skipped while the transport is degraded
var ErrDegraded = errors.New("transport degraded, send skipped")

// SupervisorConfig is the reconnect policy
type SupervisorConfig struct {
	ReconnectInterval    config.Duration `yaml:"reconnectInterval" json:"reconnectInterval"`       // First reconnect delay (default: 1s)
	MaxReconnectInterval config.Duration `yaml:"maxReconnectInterval" json:"maxReconnectInterval"` // Reconnect delay cap (default: 1m)
	DegradeAfter         int             `yaml:"degradeAfter" json:"degradeAfter"`                 // Consecutive failures before degrading (default: 10)
	DegradedInterval     config.Duration `yaml:"degradedInterval" json:"degradedInterval"`         // Minimum spacing of sends while degraded (default: 1s)
}

func (c *SupervisorConfig) Validate() error {
	if c.DegradeAfter < 0 {
		return fmt.Errorf("transport.SupervisorConfig: degrade threshold cannot be negative")
	}
	for _, d := range []config.Duration{c.ReconnectInterval, c.MaxReconnectInterval, c.DegradedInterval} {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("transport.SupervisorConfig: %w", err)
		}
	}
	if c.MaxReconnectInterval > 0 && c.MaxReconnectInterval < c.ReconnectInterval {
		return fmt.Errorf("transport.SupervisorConfig: max reconnect interval is below reconnect interval")
	}
	return nil
}

// Stats is a snapshot of the supervisor counters
type Stats struct {
	Sent          uint64 `json:"sent"`
	Received      uint64 `json:"received"`
	SendErrors    uint64 `json:"sendErrors"`
	ReceiveErrors uint64 `json:"receiveErrors"`
	Reconnections uint64 `json:"reconnections"`
}

func WithSupervisorLogger(logger *slog.Logger) func(s *Supervisor) {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) func(s *Supervisor) {
	return func(s *Supervisor) {
		s.now = now
	}
}

// Supervisor keeps a transport connected. A stale connection is detected
// before each operation and re-established with a growing delay. After a run
// of consecutive failures sends are spaced out until one succeeds.
type Supervisor struct {
	transport        Transport
	reconnect        time.Duration
	maxReconnect     time.Duration
	degradeAfter     int
	degradedInterval time.Duration
	logger           *slog.Logger
	now              func() time.Time

	mu            sync.Mutex
	delay         time.Duration
	nextDial      time.Time
	connectedOnce bool
	failures      int
	lastSend      time.Time

	sent          atomic.Uint64
	received      atomic.Uint64
	sendErrors    atomic.Uint64
	receiveErrors atomic.Uint64
	reconnections atomic.Uint64
}

func NewSupervisor(t Transport, c SupervisorConfig, options ...func(s *Supervisor)) *Supervisor {
	s := Supervisor{
		transport:        t,
		reconnect:        c.ReconnectInterval.Or(DefaultReconnectInterval),
		maxReconnect:     c.MaxReconnectInterval.Or(DefaultMaxReconnectInterval),
		degradeAfter:     c.DegradeAfter,
		degradedInterval: c.DegradedInterval.Or(DefaultDegradedInterval),
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		now:              time.Now,
	}

	if s.degradeAfter == 0 {
		s.degradeAfter = DefaultDegradeAfter
	}
	s.delay = s.reconnect

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Connect makes the first connection attempt
func (s *Supervisor) Connect(ctx context.Context) error {
	return s.ensure(ctx)
}

// ensure reconnects a stale transport unless the backoff delay is still running
func (s *Supervisor) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport.IsConnected() {
		return nil
	}

	now := s.now()
	if now.Before(s.nextDial) {
		return ErrNotConnected
	}

	if err := s.transport.Connect(ctx); err != nil {
		s.nextDial = now.Add(s.delay)
		s.logger.Warn("transport connect failed",
			slog.Duration("retryIn", s.delay),
			slog.String("err", err.Error()))

		s.delay = (s.delay + s.reconnect) * 3 / 2
		if s.delay > s.maxReconnect {
			s.delay = s.maxReconnect
		}
		return fmt.Errorf("connecting transport: %w", err)
	}

	if s.connectedOnce {
		s.reconnections.Add(1)
		s.logger.Info("transport reconnected")
	}
	s.connectedOnce = true
	s.delay = s.reconnect
	s.nextDial = time.Time{}

	return nil
}

// admit spaces sends out while degraded
func (s *Supervisor) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.failures >= s.degradeAfter && now.Sub(s.lastSend) < s.degradedInterval {
		return false
	}
	s.lastSend = now
	return true
}

func (s *Supervisor) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	if s.failures == s.degradeAfter {
		s.logger.Warn("transport degraded",
			slog.Int("failures", s.failures),
			slog.Duration("interval", s.degradedInterval))
	}
}

func (s *Supervisor) succeed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures >= s.degradeAfter {
		s.logger.Info("transport recovered", slog.Int("failures", s.failures))
	}
	s.failures = 0
}

func (s *Supervisor) Send(ctx context.Context, queue string, payload []byte) error {
	if !s.admit() {
		s.sendErrors.Add(1)
		return ErrDegraded
	}

	err := s.ensure(ctx)
	if err == nil {
		err = s.transport.Send(ctx, queue, payload)
	}
	if err != nil {
		s.sendErrors.Add(1)
		s.fail()
		return err
	}

	s.sent.Add(1)
	s.succeed()
	return nil
}

func (s *Supervisor) ReceiveBatch(ctx context.Context, queue string, max int, timeout time.Duration) ([][]byte, error) {
	err := s.ensure(ctx)
	if err != nil {
		s.receiveErrors.Add(1)
		return nil, err
	}

	batch, err := s.transport.ReceiveBatch(ctx, queue, max, timeout)
	if err != nil {
		if ctx.Err() == nil {
			s.receiveErrors.Add(1)
		}
		return nil, err
	}

	s.received.Add(uint64(len(batch)))
	return batch, nil
}

// Degraded reports whether sends are currently spaced out
func (s *Supervisor) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures >= s.degradeAfter
}

func (s *Supervisor) IsConnected() bool {
	return s.transport.IsConnected()
}

func (s *Supervisor) Close() error {
	return s.transport.Close()
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		Sent:          s.sent.Load(),
		Received:      s.received.Load(),
		SendErrors:    s.sendErrors.Load(),
		ReceiveErrors: s.receiveErrors.Load(),
		Reconnections: s.reconnections.Load(),
	}
}
