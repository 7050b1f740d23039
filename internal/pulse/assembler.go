package pulse

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/config"
	"github.com/roman-kulish/pulse-relay/internal/dsp"
)

// DefaultFrameClose is the silence after which a frame of related packages is closed
const DefaultFrameClose = time.Second

// Emitter receives every completed package. Detection carries on after an
// emitter error and the first one is returned from Process.
type Emitter func(p *Package) error

// AssemblerConfig is the package assembler configuration
type AssemblerConfig struct {
	Detector          DetectorConfig  `yaml:"detector" json:"detector"`
	CenterFreqHz      float64         `yaml:"centerFreqHz" json:"centerFreqHz"`           // Used when the frame carries no centre frequency
	FrameClose        config.Duration `yaml:"frameClose" json:"frameClose"`               // Silence which closes a frame (default: 1s)
	EstimateFrequency bool            `yaml:"estimateFrequency" json:"estimateFrequency"` // FFT carrier estimate for OOK packages
}

func (c *AssemblerConfig) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	if c.CenterFreqHz < 0 {
		return fmt.Errorf("pulse.AssemblerConfig: centre frequency cannot be negative")
	}
	if err := c.FrameClose.Validate(); err != nil {
		return fmt.Errorf("pulse.AssemblerConfig: invalid frame close: %w", err)
	}
	return nil
}

// FrameTracker follows the extent of a frame: packages which arrive close
// enough to each other to belong to the same transmission.
type FrameTracker struct {
	StartAgo int
	EndAgo   int
	active   bool
}

// Age moves the frame back by n samples
func (t *FrameTracker) Age(n int) {
	if !t.active {
		return
	}
	t.StartAgo += n
	t.EndAgo += n
}

// Mark extends the frame with a package
func (t *FrameTracker) Mark(p *Package) {
	if !t.active || p.StartAgo > t.StartAgo {
		t.StartAgo = p.StartAgo
	}
	t.EndAgo = p.EndAgo
	t.active = true
}

func (t *FrameTracker) Active() bool {
	return t.active
}

func (t *FrameTracker) Reset() {
	*t = FrameTracker{}
}

// AssemblerStats are the assembler counters
type AssemblerStats struct {
	Packages  uint64
	Oversized uint64
	Frames    uint64
}

// Assembler turns demodulated frames into pulse packages. It is not safe for
// concurrent use, except for Stats.
type Assembler struct {
	config   AssemblerConfig
	logger   *slog.Logger
	detector *Detector
	tracker  FrameTracker

	packages  atomic.Uint64
	oversized atomic.Uint64
	frames    atomic.Uint64
}

func WithAssemblerLogger(logger *slog.Logger) func(a *Assembler) {
	return func(a *Assembler) {
		a.logger = logger
	}
}

func NewAssembler(c AssemblerConfig, options ...func(a *Assembler)) *Assembler {
	if c.FrameClose == 0 {
		c.FrameClose = config.NewDuration(DefaultFrameClose)
	}

	a := Assembler{
		config:   c,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		detector: NewDetector(c.Detector),
	}

	for _, option := range options {
		option(&a)
	}

	return &a
}

// Stats returns a snapshot of the counters
func (a *Assembler) Stats() AssemblerStats {
	return AssemblerStats{
		Packages:  a.packages.Load(),
		Oversized: a.oversized.Load(),
		Frames:    a.frames.Load(),
	}
}

// Frame returns the current frame extent
func (a *Assembler) Frame() FrameTracker {
	return a.tracker
}

// Reset drops partial packages and the current frame, e.g. when a session ends
func (a *Assembler) Reset() {
	a.detector.Reset()
	a.tracker.Reset()
}

// Process runs detection over one frame, calling emit for each completed
// package in order.
func (a *Assembler) Process(frame *dsp.Frame, emit Emitter) error {
	n := frame.Len()

	a.tracker.Age(n)
	if a.tracker.Active() && a.tracker.EndAgo > a.frameCloseSamples(frame) {
		a.logger.Debug("frame closed",
			slog.Int("startAgo", a.tracker.StartAgo),
			slog.Int("endAgo", a.tracker.EndAgo))
		a.tracker.Reset()
	}

	if !frame.Process {
		det := a.detector.Skip(frame)
		if det.Result == None {
			return nil
		}
		return a.complete(frame, det, emit)
	}

	var first error
	for {
		det := a.detector.Detect(frame)
		if det.Result == None {
			return first
		}
		if err := a.complete(frame, det, emit); err != nil && first == nil {
			first = err
		}
	}
}

func (a *Assembler) frameCloseSamples(frame *dsp.Frame) int {
	rate := frame.SampleRate
	if rate == 0 {
		rate = fallbackSampleRate
	}
	return int(a.config.FrameClose.Duration().Seconds() * float64(rate))
}

func (a *Assembler) complete(frame *dsp.Frame, det Detection, emit Emitter) error {
	pkg := det.Package

	if err := pkg.Validate(); err != nil {
		if errors.Is(err, ErrOversizedPackage) {
			a.oversized.Add(1)
			a.logger.Warn("dropping package", slog.String("err", err.Error()))
			return nil
		}
		a.logger.Debug("dropping package", slog.String("err", err.Error()))
		return nil
	}

	if pkg.SampleRate == 0 {
		pkg.SampleRate = frame.SampleRate
	}
	if pkg.SampleRate == 0 {
		pkg.SampleRate = fallbackSampleRate
	}
	if pkg.CenterFreqHz == 0 {
		pkg.CenterFreqHz = frame.CenterFreqHz
	}
	if pkg.CenterFreqHz == 0 {
		pkg.CenterFreqHz = a.config.CenterFreqHz
	}

	pkg.NoisedB = frame.NoiseDB
	pkg.RSSIdB = frame.DB(det.HighLevel)
	pkg.SNRdB = pkg.RSSIdB - pkg.NoisedB

	if pkg.Modulation == OOK && a.config.EstimateFrequency {
		a.estimateFrequency(frame, pkg)
	}

	if !a.tracker.Active() {
		a.frames.Add(1)
	}
	a.tracker.Mark(pkg)

	err := emit(pkg)
	a.packages.Add(1)

	if det.Result == FSKComplete {
		a.detector.fsk.reset()
	}

	if err != nil {
		return fmt.Errorf("failed to emit package: %w", err)
	}
	return nil
}

// estimateFrequency sets Freq1Hz from the part of the package still held in
// the current block
func (a *Assembler) estimateFrequency(frame *dsp.Frame, pkg *Package) {
	if frame.Block == nil {
		return
	}

	n := frame.Len()
	start := max(n-pkg.StartAgo, 0)
	end := min(n-pkg.EndAgo, n)
	if end-start < 2 {
		return
	}

	offset, err := dsp.PeakOffsetHz(frame.Block, start, end-start)
	if err != nil {
		a.logger.Debug("failed to estimate carrier", slog.String("err", err.Error()))
		return
	}
	pkg.Freq1Hz = pkg.CenterFreqHz + offset
}
