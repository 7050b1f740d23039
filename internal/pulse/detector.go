package pulse

import (
	"fmt"
	"math"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/config"
	"github.com/roman-kulish/pulse-relay/internal/dsp"
)

const (
	DefaultMinPulseSamples = 10
	DefaultMinSNRdB        = 9.0
	DefaultHysteresisdB    = 3.0
	DefaultMinFSKPulses    = 16
	DefaultFSKDeltaHz      = 6000.0
	DefaultMinGap          = 10 * time.Millisecond
	DefaultMaxGap          = 100 * time.Millisecond

	// a package ends on a gap longer than this many times its longest pulse
	maxGapRatio = 10

	// sample rate assumed for frames which do not carry one
	fallbackSampleRate = 250_000
)

const (
	None Result = iota
	OOKComplete
	FSKComplete
)

// Result of one detection step
type Result int

func (r Result) String() string {
	switch r {
	case OOKComplete:
		return "OOK_COMPLETE"
	case FSKComplete:
		return "FSK_COMPLETE"
	}
	return "NONE"
}

// DetectorConfig is the pulse detector configuration
type DetectorConfig struct {
	MinPulseSamples int             `yaml:"minPulseSamples" json:"minPulseSamples"` // Shorter pulses are spikes (default: 10)
	MinSNRdB        float64         `yaml:"minSnrDb" json:"minSnrDb"`               // Threshold above the noise level (default: 9 dB)
	HysteresisdB    float64         `yaml:"hysteresisDb" json:"hysteresisDb"`       // Falling edge threshold below the rising one (default: 3 dB)
	MinFSKPulses    int             `yaml:"minFskPulses" json:"minFskPulses"`       // FSK transitions required inside one carrier (default: 16)
	FSKDeltaHz      float64         `yaml:"fskDeltaHz" json:"fskDeltaHz"`           // Minimum F1/F2 separation (default: 6 kHz)
	MinGap          config.Duration `yaml:"minGap" json:"minGap"`                   // Lower bound of the package end gap (default: 10ms)
	MaxGap          config.Duration `yaml:"maxGap" json:"maxGap"`                   // Upper bound of the package end gap (default: 100ms)
}

func (c *DetectorConfig) Validate() error {
	if c.MinPulseSamples < 0 || c.MinFSKPulses < 0 {
		return fmt.Errorf("pulse.DetectorConfig: sample counts cannot be negative")
	}
	if c.MinSNRdB < 0 || c.HysteresisdB < 0 || c.FSKDeltaHz < 0 {
		return fmt.Errorf("pulse.DetectorConfig: levels cannot be negative")
	}
	if err := c.MinGap.Validate(); err != nil {
		return fmt.Errorf("pulse.DetectorConfig: invalid min gap: %w", err)
	}
	if err := c.MaxGap.Validate(); err != nil {
		return fmt.Errorf("pulse.DetectorConfig: invalid max gap: %w", err)
	}
	if c.MinGap > 0 && c.MaxGap > 0 && c.MinGap > c.MaxGap {
		return fmt.Errorf("pulse.DetectorConfig: min gap %s exceeds max gap %s", c.MinGap, c.MaxGap)
	}
	return nil
}

func (c *DetectorConfig) applyDefaults() {
	if c.MinPulseSamples == 0 {
		c.MinPulseSamples = DefaultMinPulseSamples
	}
	if c.MinSNRdB == 0 {
		c.MinSNRdB = DefaultMinSNRdB
	}
	if c.HysteresisdB == 0 {
		c.HysteresisdB = DefaultHysteresisdB
	}
	if c.MinFSKPulses == 0 {
		c.MinFSKPulses = DefaultMinFSKPulses
	}
	if c.FSKDeltaHz == 0 {
		c.FSKDeltaHz = DefaultFSKDeltaHz
	}
	if c.MinGap == 0 {
		c.MinGap = config.NewDuration(DefaultMinGap)
	}
	if c.MaxGap == 0 {
		c.MaxGap = config.NewDuration(DefaultMaxGap)
	}
}

// Detection is a completed package with the mean amplitude seen during its
// pulses and gaps
type Detection struct {
	Result    Result
	Package   *Package
	HighLevel float64
	LowLevel  float64
}

type detectorState int

const (
	stateIdle detectorState = iota
	statePulse
	stateGap
)

// Detector is the OOK/FSK pulse state machine. Call Detect on the same frame
// until it reports None; partial packages carry over to the next frame.
type Detector struct {
	config DetectorConfig

	state    detectorState
	index    int
	pulseLen int
	gapLen   int
	maxPulse int

	ook Package
	fsk fskTracker

	highSum float64
	highN   int
	lowSum  float64
	lowN    int
}

func NewDetector(config DetectorConfig) *Detector {
	config.applyDefaults()
	return &Detector{config: config}
}

// Reset drops any partial package
func (d *Detector) Reset() {
	d.state = stateIdle
	d.index = 0
	d.pulseLen, d.gapLen, d.maxPulse = 0, 0, 0
	d.ook.Reset()
	d.fsk.reset()
	d.highSum, d.highN, d.lowSum, d.lowN = 0, 0, 0, 0
}

// InProgress reports whether a package has been started
func (d *Detector) InProgress() bool {
	return d.state != stateIdle
}

func (d *Detector) sampleRate(frame *dsp.Frame) uint32 {
	if frame.SampleRate == 0 {
		return fallbackSampleRate
	}
	return frame.SampleRate
}

func (d *Detector) gapLimit(rate uint32) int {
	minGap := int(d.config.MinGap.Duration().Seconds() * float64(rate))
	maxGap := int(d.config.MaxGap.Duration().Seconds() * float64(rate))

	limit := maxGapRatio * d.maxPulse
	if limit < minGap {
		limit = minGap
	}
	if limit > maxGap {
		limit = maxGap
	}
	return limit
}

// Detect runs the state machine from where the previous call stopped
func (d *Detector) Detect(frame *dsp.Frame) Detection {
	n := frame.Len()
	rate := d.sampleRate(frame)

	if d.index == 0 && d.state != stateIdle {
		// a new block while a package is open
		d.ook.StartAgo += n
		d.fsk.startAgo += n
	}

	levelDB := math.Max(frame.MinLevelDB, frame.NoiseDB+d.config.MinSNRdB)
	on := frame.Linear(levelDB)
	off := frame.Linear(levelDB - d.config.HysteresisdB)
	fskDelta := d.config.FSKDeltaHz / float64(rate)

	for i := d.index; i < n; i++ {
		amp := frame.Amplitude[i]

		switch d.state {
		case stateIdle:
			if amp <= on {
				continue
			}

			d.ook.Reset()
			d.ook.Modulation = OOK
			d.ook.StartAgo = n - i
			d.state = statePulse
			d.pulseLen = 1
			d.addHigh(amp)

			if frame.FM != nil {
				d.fsk.begin(n - i)
				d.fsk.step(frame.FM[i], fskDelta, d.config.MinPulseSamples)
			}

		case statePulse:
			if amp > off {
				d.pulseLen++
				d.addHigh(amp)
				if d.fsk.active && frame.FM != nil {
					d.fsk.step(frame.FM[i], fskDelta, d.config.MinPulseSamples)
				}
				continue
			}

			// falling edge
			if d.fsk.active {
				d.fsk.wrapUp()
				if d.fsk.count() >= d.config.MinFSKPulses {
					det := d.completeFSK(frame, rate, n-i)
					d.index = i + 1
					return det
				}
				d.fsk.reset()
			}

			if d.pulseLen < d.config.MinPulseSamples {
				if len(d.ook.Pulses) == 0 {
					d.Reset() // spike, nothing started yet
					continue
				}
				// spike inside a gap
				d.gapLen += d.pulseLen + 1
				d.state = stateGap
				continue
			}

			if len(d.ook.Pulses) > 0 {
				d.ook.Gaps = append(d.ook.Gaps, d.gapLen)
			}
			d.ook.Pulses = append(d.ook.Pulses, d.pulseLen)
			if d.pulseLen > d.maxPulse {
				d.maxPulse = d.pulseLen
			}

			d.state = stateGap
			d.gapLen = 1
			d.addLow(amp)

		case stateGap:
			if amp > on {
				if len(d.ook.Pulses) >= MaxPulses {
					// full, this edge starts the next package
					d.ook.Gaps = append(d.ook.Gaps, d.gapLen)
					det := d.completeOOK(n - i)
					d.index = i
					return det
				}

				d.state = statePulse
				d.pulseLen = 1
				d.addHigh(amp)
				continue
			}

			d.gapLen++
			d.addLow(amp)

			if d.gapLen > d.gapLimit(rate) {
				d.ook.Gaps = append(d.ook.Gaps, d.gapLen)
				det := d.completeOOK(n - i)
				d.index = i + 1
				return det
			}
		}
	}

	d.index = 0
	return Detection{Result: None}
}

// Skip accounts for a block which was not demodulated. An open package is
// aged. A pulse still high ends at the block boundary, then the pending gap
// grows by the block length and may end the package.
func (d *Detector) Skip(frame *dsp.Frame) Detection {
	if d.state == stateIdle {
		return Detection{Result: None}
	}

	n := frame.Len()
	rate := d.sampleRate(frame)

	d.ook.StartAgo += n
	d.fsk.startAgo += n
	d.index = 0

	if d.state == statePulse {
		if d.fsk.active {
			d.fsk.wrapUp()
			if d.fsk.count() >= d.config.MinFSKPulses {
				return d.completeFSK(frame, rate, n)
			}
			d.fsk.reset()
		}

		switch {
		case d.pulseLen < d.config.MinPulseSamples && len(d.ook.Pulses) == 0:
			d.Reset() // spike, nothing started yet
			return Detection{Result: None}
		case d.pulseLen < d.config.MinPulseSamples:
			d.gapLen += d.pulseLen
		default:
			if len(d.ook.Pulses) > 0 {
				d.ook.Gaps = append(d.ook.Gaps, d.gapLen)
			}
			d.ook.Pulses = append(d.ook.Pulses, d.pulseLen)
			d.maxPulse = max(d.maxPulse, d.pulseLen)
			d.gapLen = 0
		}
		d.state = stateGap
	}

	limit := d.gapLimit(rate)
	if d.gapLen+n <= limit {
		d.gapLen += n
		return Detection{Result: None}
	}

	// the gap limit was crossed inside this block
	over := d.gapLen + n - limit
	d.gapLen = limit + 1
	d.ook.Gaps = append(d.ook.Gaps, d.gapLen)
	return d.completeOOK(over)
}

func (d *Detector) addHigh(v float64) {
	d.highSum += v
	d.highN++
}

func (d *Detector) addLow(v float64) {
	d.lowSum += v
	d.lowN++
}

func (d *Detector) levels() (high, low float64) {
	if d.highN > 0 {
		high = d.highSum / float64(d.highN)
	}
	if d.lowN > 0 {
		low = d.lowSum / float64(d.lowN)
	}
	return
}

func (d *Detector) completeOOK(endAgo int) Detection {
	d.ook.EndAgo = endAgo

	high, low := d.levels()
	det := Detection{
		Result:    OOKComplete,
		Package:   d.ook.Clone(),
		HighLevel: high,
		LowLevel:  low,
	}

	d.Reset()
	return det
}

func (d *Detector) completeFSK(frame *dsp.Frame, rate uint32, endAgo int) Detection {
	pkg := Package{
		Modulation:   FSK,
		Pulses:       append([]int(nil), d.fsk.pulses...),
		Gaps:         append([]int(nil), d.fsk.gaps...),
		SampleRate:   rate,
		CenterFreqHz: frame.CenterFreqHz,
		Freq1Hz:      frame.CenterFreqHz + d.fsk.f1*float64(rate),
		Freq2Hz:      frame.CenterFreqHz + d.fsk.f2*float64(rate),
		StartAgo:     d.fsk.startAgo,
		EndAgo:       endAgo,
	}

	high, low := d.levels()
	det := Detection{
		Result:    FSKComplete,
		Package:   &pkg,
		HighLevel: high,
		LowLevel:  low,
	}

	d.Reset()
	return det
}

type fskState int

const (
	fskInit fskState = iota
	fskF1
	fskF2
)

// fskTracker splits one long carrier into F1 (pulse) and F2 (gap) runs
type fskTracker struct {
	active   bool
	state    fskState
	runLen   int
	initSum  float64
	f1, f2   float64 // cycles per sample
	f2Set    bool
	pulses   []int
	gaps     []int
	startAgo int
}

func (f *fskTracker) reset() {
	*f = fskTracker{
		pulses: f.pulses[:0],
		gaps:   f.gaps[:0],
	}
}

func (f *fskTracker) begin(startAgo int) {
	f.reset()
	f.active = true
	f.startAgo = startAgo
}

func (f *fskTracker) count() int {
	return len(f.pulses)
}

func (f *fskTracker) step(fm, delta float64, minRun int) {
	if len(f.pulses) >= MaxPulses {
		f.runLen++
		return
	}

	switch f.state {
	case fskInit:
		f.initSum += fm
		f.runLen++
		if f.runLen >= minRun {
			f.f1 = f.initSum / float64(f.runLen)
			f.state = fskF1
		}

	case fskF1:
		if math.Abs(fm-f.f1) > delta {
			f.pulses = append(f.pulses, f.runLen)
			if !f.f2Set {
				f.f2 = fm
				f.f2Set = true
			}
			f.state = fskF2
			f.runLen = 1
			return
		}
		f.runLen++
		f.f1 += (fm - f.f1) / 16

	case fskF2:
		if math.Abs(fm-f.f1) < math.Abs(fm-f.f2) {
			f.gaps = append(f.gaps, f.runLen)
			f.state = fskF1
			f.runLen = 1
			return
		}
		f.runLen++
		f.f2 += (fm - f.f2) / 16
	}
}

// wrapUp closes the current run so pulses and gaps pair up
func (f *fskTracker) wrapUp() {
	switch f.state {
	case fskF1:
		if len(f.pulses) < MaxPulses {
			f.pulses = append(f.pulses, f.runLen)
			f.gaps = append(f.gaps, 0)
		}
	case fskF2:
		f.gaps = append(f.gaps, f.runLen)
	}
	f.state = fskInit
	f.runLen = 0
}
