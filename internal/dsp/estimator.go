package dsp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/roman-kulish/pulse-relay/internal/sdr"
)

const (
	// DefaultMinLevelDB is the detection floor relative to full scale
	DefaultMinLevelDB = -12.1

	// DefaultAutoLevelBlocks is the minimum number of blocks between two auto-level adjustments
	DefaultAutoLevelBlocks = 16

	// SquelchMarginDB is the hysteresis band above the noise level
	SquelchMarginDB = 3.0

	// auto-level reacts to a drift larger than this
	autoLevelDriftDB = 1.0
)

var ErrEmptyBlock = errors.New("empty sample block")

// Config is the estimator configuration
type Config struct {
	MinLevelDB      float64 `yaml:"minLevelDb" json:"minLevelDb"`           // Detection floor in dBFS (default: -12.1)
	Squelch         bool    `yaml:"squelch" json:"squelch"`                 // Skip noise-only blocks
	UseMagnitude    bool    `yaml:"useMagnitude" json:"useMagnitude"`       // √(I²+Q²) instead of I²+Q²
	ForceProcess    bool    `yaml:"forceProcess" json:"forceProcess"`       // Always process (analysis and recording modes)
	AutoLevel       bool    `yaml:"autoLevel" json:"autoLevel"`             // Follow the noise floor with the detection floor
	AutoLevelBlocks int     `yaml:"autoLevelBlocks" json:"autoLevelBlocks"` // Blocks between two adjustments (default: 16)
	FrequencyDemod  bool    `yaml:"frequencyDemod" json:"frequencyDemod"`   // Produce an FM buffer for FSK detection
}

func (c *Config) Validate() error {
	if c.MinLevelDB > 0 || c.MinLevelDB < MinDB {
		return fmt.Errorf("dsp.Config: min level must be between %0.1f and 0 dB: %0.1f given", MinDB, c.MinLevelDB)
	}
	if c.AutoLevelBlocks < 0 {
		return fmt.Errorf("dsp.Config: auto-level blocks cannot be negative: %d given", c.AutoLevelBlocks)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MinLevelDB == 0 {
		c.MinLevelDB = DefaultMinLevelDB
	}
	if c.AutoLevelBlocks == 0 {
		c.AutoLevelBlocks = DefaultAutoLevelBlocks
	}
}

// WithLogger sets the logger for the estimator
func WithLogger(logger *slog.Logger) func(e *Estimator) {
	return func(e *Estimator) {
		e.logger = logger
	}
}

// Estimator turns sample blocks into frames and tracks the noise floor of
// one acquisition session. It is not safe for concurrent use.
type Estimator struct {
	config Config
	logger *slog.Logger

	noiseDB float64
	seeded  bool

	minLevelAuto     float64
	blocksSinceLevel int
	adjustments      int

	// last sample of the previous block, for FM continuity
	prevI, prevQ float64

	re, im []float64
}

func NewEstimator(config Config, options ...func(e *Estimator)) *Estimator {
	config.applyDefaults()

	e := Estimator{
		config:       config,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		minLevelAuto: config.MinLevelDB,
	}

	for _, option := range options {
		option(&e)
	}

	return &e
}

// IsNoiseOnly classifies a block. A block exactly at the boundary is not noise.
func IsNoiseOnly(avgDB, noiseDB float64) bool {
	return avgDB < noiseDB+SquelchMarginDB
}

// NoiseLevel returns the current noise estimate in dB
func (e *Estimator) NoiseLevel() float64 {
	e.seed()
	return e.noiseDB
}

// MinLevel returns the effective detection floor in dB
func (e *Estimator) MinLevel() float64 {
	if e.config.AutoLevel {
		return e.minLevelAuto
	}
	return e.config.MinLevelDB
}

// Adjustments returns how many times auto-level moved the floor
func (e *Estimator) Adjustments() int {
	return e.adjustments
}

func (e *Estimator) seed() {
	if !e.seeded {
		e.noiseDB = e.config.MinLevelDB - SquelchMarginDB
		e.seeded = true
	}
}

// observe classifies the block average and updates the noise filter.
// Noise-only blocks pull the estimate down fast (1/8), others push it up slowly (1/32).
func (e *Estimator) observe(avgDB float64) (noiseOnly bool) {
	e.seed()

	noiseOnly = IsNoiseOnly(avgDB, e.noiseDB)
	if noiseOnly {
		e.noiseDB = (e.noiseDB*7 + avgDB) / 8
	} else {
		e.noiseDB = (e.noiseDB*31 + avgDB) / 32
	}

	e.autoLevel()

	return noiseOnly
}

func (e *Estimator) autoLevel() {
	if !e.config.AutoLevel {
		return
	}

	e.blocksSinceLevel++
	if e.blocksSinceLevel < e.config.AutoLevelBlocks {
		return
	}

	target := e.noiseDB + SquelchMarginDB
	if math.Abs(e.minLevelAuto-target) <= autoLevelDriftDB {
		return
	}

	e.logger.Warn(fmt.Sprintf("estimated noise level is %.1f dB, adjusting minimum detection level to %.1f dB", e.noiseDB, target),
		slog.Float64("previousLevel", e.minLevelAuto))

	e.minLevelAuto = target
	e.blocksSinceLevel = 0
	e.adjustments++
}

// Process demodulates one block. When the returned frame has Process set to
// false the block was squelched and the frame carries no FM data.
func (e *Estimator) Process(block *sdr.SampleBlock) (*Frame, error) {
	n := block.Len()
	if n == 0 {
		return nil, ErrEmptyBlock
	}

	if cap(e.re) < n {
		e.re = make([]float64, n)
		e.im = make([]float64, n)
	}
	re, im := e.re[:n], e.im[:n]

	if err := decodeIQ(block.Format, block.Data, re, im); err != nil {
		return nil, err
	}

	frame := Frame{
		Seq:          block.Seq,
		Block:        block,
		Amplitude:    make([]float64, n),
		Scale:        ScalePower,
		SampleRate:   block.SampleRate,
		CenterFreqHz: block.CenterFreqHz,
	}

	var sum float64
	for i := range re {
		v := re[i]*re[i] + im[i]*im[i]
		if e.config.UseMagnitude {
			v = math.Sqrt(v)
		}
		frame.Amplitude[i] = v
		sum += v
	}

	if e.config.UseMagnitude {
		frame.Scale = ScaleMagnitude
	}

	frame.AvgDB = frame.DB(sum / float64(n))
	frame.NoiseOnly = e.observe(frame.AvgDB)
	frame.NoiseDB = e.noiseDB
	frame.MinLevelDB = e.MinLevel()
	frame.Process = !e.config.Squelch || !frame.NoiseOnly || e.config.ForceProcess

	if frame.Process && e.config.FrequencyDemod {
		frame.FM = e.demodFM(re, im)
	}

	e.prevI, e.prevQ = re[n-1], im[n-1]

	return &frame, nil
}

// demodFM is a phase-difference discriminator, returning cycles per sample
func (e *Estimator) demodFM(re, im []float64) []float64 {
	fm := make([]float64, len(re))

	pi, pq := e.prevI, e.prevQ
	for i := range re {
		// z[i] * conj(z[i-1])
		x := re[i]*pi + im[i]*pq
		y := im[i]*pi - re[i]*pq
		fm[i] = math.Atan2(y, x) / (2 * math.Pi)
		pi, pq = re[i], im[i]
	}

	return fm
}
