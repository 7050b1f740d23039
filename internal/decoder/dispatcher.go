package decoder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roman-kulish/pulse-relay/internal/pulse"
	"github.com/roman-kulish/pulse-relay/internal/signal"
)

const (
	PathCompact Path = "compact"
	PathVerbose Path = "verbose"
)

// ErrThrottled is returned for packages rejected by the throttle. No decoder
// has seen such a package.
var ErrThrottled = errors.New("decode throttled")

// Path tells which representation of a message was decoded
type Path string

// Outcome is the result of dispatching one message
type Outcome struct {
	Results  []Result
	Path     Path
	Attempts int
}

// Detected reports whether any decoder recognised the package
func (o *Outcome) Detected() bool {
	return len(o.Results) > 0
}

// Devices returns the results in their wire form
func (o *Outcome) Devices() []signal.Device {
	devices := make([]signal.Device, len(o.Results))
	for i, r := range o.Results {
		devices[i] = r.Device()
	}
	return devices
}

// DispatcherConfig is the dispatcher configuration
type DispatcherConfig struct {
	Rate        float64 `yaml:"rate" json:"rate"`               // Packages per second (default: unlimited)
	Burst       int     `yaml:"burst" json:"burst"`             // Throttle burst (default: 1)
	MaxAttempts int     `yaml:"maxAttempts" json:"maxAttempts"` // Decoder invocations per package (default: unlimited)
}

func (c *DispatcherConfig) Validate() error {
	if c.Rate < 0 {
		return fmt.Errorf("decoder.DispatcherConfig: rate cannot be negative")
	}
	if c.Burst < 0 || c.MaxAttempts < 0 {
		return fmt.Errorf("decoder.DispatcherConfig: burst and max attempts cannot be negative")
	}
	return nil
}

func WithLogger(logger *slog.Logger) func(d *Dispatcher) {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// Dispatcher routes messages to decoders: the compact form first, the
// verbose pulses otherwise.
type Dispatcher struct {
	registry    *Registry
	throttle    *Throttle
	maxAttempts int
	logger      *slog.Logger
}

func NewDispatcher(registry *Registry, config DispatcherConfig, options ...func(d *Dispatcher)) *Dispatcher {
	d := Dispatcher{
		registry:    registry,
		throttle:    NewThrottle(config.Rate, config.Burst),
		maxAttempts: config.MaxAttempts,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

// Throttle returns the dispatcher throttle
func (d *Dispatcher) Throttle() *Throttle {
	return d.throttle
}

// Dispatch decodes one message. A package which fails validation, or one
// rejected by the throttle, is returned as an error without invoking any
// decoder.
func (d *Dispatcher) Dispatch(m *signal.Message) (*Outcome, error) {
	if m.Package == nil {
		return nil, fmt.Errorf("%w: no package", signal.ErrMalformedMessage)
	}

	p, path, err := d.selectPackage(m)
	if err != nil {
		return nil, err
	}

	if !d.throttle.Allow() {
		return nil, fmt.Errorf("%w: package %d", ErrThrottled, p.ID)
	}

	o := Outcome{Path: path}

	if path == PathCompact {
		d.run(d.registry.All(), p, &o)
		return &o, nil
	}

	switch p.Modulation {
	case pulse.FSK:
		d.run(d.registry.ByModulation(pulse.FSK), p, &o)
		if !o.Detected() {
			d.run(d.registry.ByModulation(pulse.OOK), p, &o)
		}
	default:
		d.run(d.registry.ByModulation(pulse.OOK), p, &o)
	}

	return &o, nil
}

// selectPackage prefers the compact reconstruction when it is usable
func (d *Dispatcher) selectPackage(m *signal.Message) (*pulse.Package, Path, error) {
	if m.HasCompact() {
		p, err := m.CompactPackage()
		if err == nil {
			err = p.Validate()
		}
		if err == nil {
			return p, PathCompact, nil
		}
		d.logger.Debug("compact form unusable, falling back to pulses",
			slog.Uint64("packageId", m.Package.ID),
			slog.String("err", err.Error()))
	}

	if err := m.Package.Validate(); err != nil {
		return nil, "", fmt.Errorf("package %d: %w", m.Package.ID, err)
	}
	return m.Package, PathVerbose, nil
}

func (d *Dispatcher) run(decoders []Decoder, p *pulse.Package, o *Outcome) {
	for _, dec := range decoders {
		if d.maxAttempts > 0 && o.Attempts >= d.maxAttempts {
			d.logger.Debug("decoder attempts exhausted",
				slog.Uint64("packageId", p.ID),
				slog.Int("attempts", o.Attempts))
			return
		}

		o.Attempts++

		results, err := d.invoke(dec, p)
		if err != nil {
			d.logger.Warn("decoder failed",
				slog.String("decoder", dec.Name()),
				slog.Uint64("packageId", p.ID),
				slog.String("err", err.Error()))
			continue
		}

		for _, r := range results {
			if r.Decoder == "" {
				r.Decoder = dec.Name()
			}
			o.Results = append(o.Results, r)
		}
	}
}

// invoke runs one decoder on a private copy of the package
func (d *Dispatcher) invoke(dec Decoder, p *pulse.Package) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panicked: %v", r)
		}
	}()

	return dec.Decode(p.Clone())
}
