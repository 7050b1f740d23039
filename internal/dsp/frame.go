package dsp

import (
	"math"

	"github.com/roman-kulish/pulse-relay/internal/sdr"
)

// MinDB is reported for a zero amplitude
const MinDB = -100.0

const (
	// ScalePower means amplitudes are I²+Q² (envelope)
	ScalePower Scale = iota

	// ScaleMagnitude means amplitudes are √(I²+Q²)
	ScaleMagnitude
)

// Scale tells how amplitude values relate to decibels
type Scale int

// Frame is the demodulated view of one sample block
type Frame struct {
	Seq   uint64
	Block *sdr.SampleBlock

	Amplitude []float64
	FM        []float64 // cycles per sample, nil unless frequency demodulation ran
	Scale     Scale

	AvgDB      float64
	NoiseDB    float64 // noise level after this block
	MinLevelDB float64 // effective detection floor

	NoiseOnly bool
	Process   bool

	SampleRate   uint32
	CenterFreqHz float64
}

// Len returns the number of samples in the frame
func (f *Frame) Len() int {
	return len(f.Amplitude)
}

// Linear converts a level in dB to the frame's amplitude scale
func (f *Frame) Linear(db float64) float64 {
	if f.Scale == ScaleMagnitude {
		return math.Pow(10, db/20)
	}
	return math.Pow(10, db/10)
}

// DB converts an amplitude value to dB
func (f *Frame) DB(v float64) float64 {
	if v <= 0 {
		return MinDB
	}
	if f.Scale == ScaleMagnitude {
		return 20 * math.Log10(v)
	}
	return 10 * math.Log10(v)
}
