package pulse

import (
	"errors"
	"fmt"
	"time"
)

// MaxPulses is the pulse capacity of a package
const MaxPulses = 1200

const (
	OOK Modulation = "OOK"
	FSK Modulation = "FSK"
)

var (
	// ErrOversizedPackage is returned for packages holding more pulses than MaxPulses
	ErrOversizedPackage = errors.New("pulse count exceeds capacity")

	// ErrEmptyPackage is returned for packages without pulses
	ErrEmptyPackage = errors.New("package has no pulses")

	// ErrInvalidPackage is returned for structurally broken packages
	ErrInvalidPackage = errors.New("invalid pulse package")
)

type Modulation string

func (m Modulation) String() string {
	return string(m)
}

func ParseModulation(s string) (Modulation, error) {
	switch Modulation(s) {
	case OOK:
		return OOK, nil
	case FSK:
		return FSK, nil
	}
	return "", fmt.Errorf("unknown modulation: '%s'", s)
}

// Package is the timing representation of one transmission. Pulses[i] is
// followed by Gaps[i]; widths are in samples at SampleRate.
type Package struct {
	ID         uint64
	Modulation Modulation
	Pulses     []int
	Gaps       []int

	SampleRate   uint32
	CenterFreqHz float64
	Freq1Hz      float64 // FSK: F1 (mark) estimate, OOK: carrier estimate
	Freq2Hz      float64 // FSK: F2 (space) estimate

	RSSIdB  float64
	SNRdB   float64
	NoisedB float64

	// Age in samples of the first rising edge and of the end of the package,
	// relative to the end of the most recent block
	StartAgo int
	EndAgo   int
}

// NumPulses returns the number of pulse/gap pairs
func (p *Package) NumPulses() int {
	return len(p.Pulses)
}

// Validate checks capacity and structure
func (p *Package) Validate() error {
	if len(p.Pulses) > MaxPulses {
		return fmt.Errorf("%w: %d pulses, capacity %d", ErrOversizedPackage, len(p.Pulses), MaxPulses)
	}
	if len(p.Pulses) == 0 {
		return ErrEmptyPackage
	}
	if len(p.Gaps) != len(p.Pulses) {
		return fmt.Errorf("%w: %d pulses but %d gaps", ErrInvalidPackage, len(p.Pulses), len(p.Gaps))
	}
	if p.Modulation != OOK && p.Modulation != FSK {
		return fmt.Errorf("%w: unknown modulation '%s'", ErrInvalidPackage, p.Modulation)
	}
	for i := range p.Pulses {
		if p.Pulses[i] < 0 || p.Gaps[i] < 0 {
			return fmt.Errorf("%w: negative width at %d", ErrInvalidPackage, i)
		}
	}
	return nil
}

// Clone returns a deep copy
func (p *Package) Clone() *Package {
	c := *p
	c.Pulses = append([]int(nil), p.Pulses...)
	c.Gaps = append([]int(nil), p.Gaps...)
	return &c
}

// Samples returns the total length of the package in samples
func (p *Package) Samples() int {
	var total int
	for i := range p.Pulses {
		total += p.Pulses[i] + p.Gaps[i]
	}
	return total
}

// Duration returns the length of the package in time
func (p *Package) Duration() time.Duration {
	if p.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(p.Samples()) / float64(p.SampleRate) * float64(time.Second))
}

// Reset clears the package for reuse
func (p *Package) Reset() {
	*p = Package{
		Pulses: p.Pulses[:0],
		Gaps:   p.Gaps[:0],
	}
}
