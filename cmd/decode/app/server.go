package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/decoder"
	"github.com/roman-kulish/pulse-relay/internal/event"
	"github.com/roman-kulish/pulse-relay/internal/pulse"
	"github.com/roman-kulish/pulse-relay/internal/signal"
	"github.com/roman-kulish/pulse-relay/internal/stats"
	"github.com/roman-kulish/pulse-relay/internal/storage"
	"github.com/roman-kulish/pulse-relay/internal/transport"
)

// ErrTooManyErrors stops the server once the transport has failed too many
// polls in a row
var ErrTooManyErrors = errors.New("too many consecutive transport errors")

// WithLogger sets the logger for the server
func WithLogger(logger *slog.Logger) func(s *Server) {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore records a decode event for every message under the given session
func WithStore(store storage.Store, sessionID int64) func(s *Server) {
	return func(s *Server) {
		s.store = store
		s.sessionID = sessionID
	}
}

// WithReportInterval sets how often statistics are logged, zero disables the report
func WithReportInterval(d time.Duration) func(s *Server) {
	return func(s *Server) {
		s.reportInterval = d
	}
}

func WithClock(now func() time.Time) func(s *Server) {
	return func(s *Server) {
		s.now = now
	}
}

// Server consumes the signals queue, decodes every message and routes it to
// the detected or unknown queue
type Server struct {
	queues     transport.Transport
	dispatcher *decoder.Dispatcher
	counters   *stats.Server
	config     ServerConfig

	store     storage.Store
	sessionID int64
	events    []*event.Event

	reportInterval time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func NewServer(queues transport.Transport, dispatcher *decoder.Dispatcher, counters *stats.Server, config ServerConfig, options ...func(s *Server)) *Server {
	s := Server{
		queues:         queues,
		dispatcher:     dispatcher,
		counters:       counters,
		config:         config,
		reportInterval: defaultReportInterval,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		now:            time.Now,
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Run polls until the context is cancelled. It only returns an error when the
// transport keeps failing.
func (s *Server) Run(ctx context.Context) error {
	var (
		consecutive int
		lastReport  = s.now()
		timer       = time.NewTimer(0)
	)
	defer timer.Stop()
	<-timer.C

	for ctx.Err() == nil {
		n, err := s.poll(ctx)

		pause := time.Duration(0)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}

			consecutive++
			s.logger.Debug("transport error",
				slog.Int("consecutive", consecutive),
				slog.String("err", err.Error()))

			if consecutive > s.config.maxConsecutiveErrors() {
				return fmt.Errorf("%w (%d): %w", ErrTooManyErrors, consecutive, err)
			}
			if consecutive%defaultWarnEvery == 0 {
				s.logger.Warn("transport issues, will keep trying",
					slog.Int("consecutive", consecutive))
			}
			pause = s.config.ErrorSleep.Or(defaultErrorSleep)

		case n == 0:
			consecutive = 0
			pause = s.config.IdleSleep.Or(defaultIdleSleep)

		default:
			consecutive = 0
		}

		if now := s.now(); s.reportInterval > 0 && now.Sub(lastReport) >= s.reportInterval {
			s.Report()
			lastReport = now
		}

		if pause > 0 {
			timer.Reset(pause)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
		}
	}

	return nil
}

// Report logs the counters
func (s *Server) Report() {
	var ts transport.Stats
	if sv, ok := s.queues.(interface{ Stats() transport.Stats }); ok {
		ts = sv.Stats()
	}
	stats.LogServer(s.logger, s.counters.Snapshot(s.now()), ts)
}

// poll handles one batch and returns its size
func (s *Server) poll(ctx context.Context) (int, error) {
	batch, err := s.queues.ReceiveBatch(ctx, transport.QueueSignals, s.config.batchSize(), s.config.ReceiveTimeout.Or(defaultReceiveTimeout))
	if err != nil {
		return 0, err
	}

	// a received batch is always handled to the end
	ctx = context.WithoutCancel(ctx)

	for _, payload := range batch {
		s.handle(ctx, payload)
	}

	if err = s.flush(ctx); err != nil {
		s.logger.Error(err.Error())
	}

	return len(batch), nil
}

// dropLevel keeps bad input from senders out of the operator log
func dropLevel(err error) slog.Level {
	if errors.Is(err, signal.ErrMalformedMessage) || errors.Is(err, pulse.ErrOversizedPackage) {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// handle decodes one message. Failures are counted and recorded, they never
// stop the loop.
func (s *Server) handle(ctx context.Context, payload []byte) {
	s.counters.SignalReceived()
	at := s.now()

	m, err := signal.Unmarshal(payload)
	if err != nil {
		s.counters.Error()
		s.logger.Log(ctx, dropLevel(err), "dropping message", slog.String("err", err.Error()))
		s.record(event.Failed(nil, err, at))
		return
	}

	outcome, err := s.dispatcher.Dispatch(m)
	if err != nil {
		s.counters.Error()
		s.logger.Log(ctx, dropLevel(err), "dropping message",
			slog.Uint64("packageID", m.Package.ID),
			slog.String("err", err.Error()))
		s.record(event.Failed(m, err, at))
		return
	}

	queue := transport.QueueUnknown
	if outcome.Detected() {
		queue = transport.QueueDetected
		s.counters.Decoded(len(outcome.Results))
	} else {
		s.counters.Unknown()
	}

	e := event.Routed(m, outcome, queue, at)

	if err = s.route(ctx, m, payload, outcome); err != nil {
		s.counters.Error()
		s.logger.Error("failed to route message",
			slog.Uint64("packageID", m.Package.ID),
			slog.String("queue", queue),
			slog.String("err", err.Error()))

		msg := err.Error()
		e.Error = &msg
	} else {
		s.logger.Debug("message routed",
			slog.Uint64("packageID", m.Package.ID),
			slog.String("queue", queue),
			slog.String("path", string(outcome.Path)),
			slog.Int("attempts", outcome.Attempts))
	}

	s.record(e)
}

// route publishes a detected message with its device records, or forwards an
// unknown one as it was received
func (s *Server) route(ctx context.Context, m *signal.Message, payload []byte, o *decoder.Outcome) error {
	if !o.Detected() {
		if err := s.queues.Send(ctx, transport.QueueUnknown, payload); err != nil {
			return fmt.Errorf("publishing to %s: %w", transport.QueueUnknown, err)
		}
		return nil
	}

	data, err := signal.Marshal(m.WithDevices(o.Devices(), string(o.Path), o.Attempts))
	if err != nil {
		return fmt.Errorf("encoding detected message: %w", err)
	}
	if err = s.queues.Send(ctx, transport.QueueDetected, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", transport.QueueDetected, err)
	}
	return nil
}

func (s *Server) record(e *event.Event) {
	if s.store == nil {
		return
	}
	s.events = append(s.events, e)
}

// flush stores the pending events in one transaction
func (s *Server) flush(ctx context.Context) error {
	if s.store == nil || len(s.events) == 0 {
		return nil
	}

	err := s.store.StoreEvents(ctx, s.sessionID, s.events)
	clear(s.events)
	s.events = s.events[:0]

	if err != nil {
		return fmt.Errorf("storing events: %w", err)
	}
	return nil
}
