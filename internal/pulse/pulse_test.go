package pulse

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/roman-kulish/pulse-relay/internal/dsp"
	"github.com/roman-kulish/pulse-relay/internal/sdr"
)

const (
	testRate   = 250_000
	testCenter = 433.92e6
	highAmp    = 0.5
	lowAmp     = 0.001
)

// envelope is a synthetic power envelope built from pulse/gap runs
type envelope []float64

func (e envelope) silence(n int) envelope {
	for i := 0; i < n; i++ {
		e = append(e, lowAmp)
	}
	return e
}

func (e envelope) carrier(n int) envelope {
	for i := 0; i < n; i++ {
		e = append(e, highAmp)
	}
	return e
}

// train appends count pulses separated by gap samples, without a trailing gap
func (e envelope) train(count, pulse, gap int) envelope {
	for i := 0; i < count; i++ {
		if i > 0 {
			e = e.silence(gap)
		}
		e = e.carrier(pulse)
	}
	return e
}

func newFrame(amp []float64) *dsp.Frame {
	return &dsp.Frame{
		Amplitude:    amp,
		Scale:        dsp.ScalePower,
		NoiseDB:      -30,
		MinLevelDB:   dsp.DefaultMinLevelDB,
		Process:      true,
		SampleRate:   testRate,
		CenterFreqHz: testCenter,
	}
}

// run feeds the envelope in blocks of the given size and collects packages
func run(t *testing.T, a *Assembler, env envelope, blockSize int) []*Package {
	t.Helper()

	var got []*Package
	emit := func(p *Package) error {
		got = append(got, p)
		return nil
	}

	for start := 0; start < len(env); start += blockSize {
		end := min(start+blockSize, len(env))
		if err := a.Process(newFrame(env[start:end]), emit); err != nil {
			t.Fatalf("Failed to process block at %d: %v", start, err)
		}
	}
	return got
}

func TestAssembler_OOK(t *testing.T) {
	env := envelope{}.silence(1000).train(5, 100, 200).silence(5000)

	// the package ends when the gap exceeds 10 ms at 250 kS/s
	const endAt = 1000 + 5*100 + 4*200 + 2500

	for _, blockSize := range []int{512, 1024, 4096, len(env)} {
		a := NewAssembler(AssemblerConfig{})
		got := run(t, a, env, blockSize)

		if len(got) != 1 {
			t.Fatalf("block size %d: expected 1 package, got %d", blockSize, len(got))
		}

		p := got[0]
		if want := []int{100, 100, 100, 100, 100}; !slices.Equal(p.Pulses, want) {
			t.Errorf("block size %d: expected pulses %v, got %v", blockSize, want, p.Pulses)
		}
		if want := []int{200, 200, 200, 200, 2501}; !slices.Equal(p.Gaps, want) {
			t.Errorf("block size %d: expected gaps %v, got %v", blockSize, want, p.Gaps)
		}
		if p.Modulation != OOK {
			t.Errorf("block size %d: expected OOK, got %s", blockSize, p.Modulation)
		}

		blockEnd := min((endAt/blockSize+1)*blockSize, len(env))
		if p.EndAgo != blockEnd-endAt {
			t.Errorf("block size %d: expected end_ago %d, got %d", blockSize, blockEnd-endAt, p.EndAgo)
		}
		if p.StartAgo != blockEnd-1000 {
			t.Errorf("block size %d: expected start_ago %d, got %d", blockSize, blockEnd-1000, p.StartAgo)
		}
		if p.StartAgo <= p.EndAgo {
			t.Errorf("block size %d: start_ago %d must exceed end_ago %d", blockSize, p.StartAgo, p.EndAgo)
		}
	}
}

func TestAssembler_Levels(t *testing.T) {
	env := envelope{}.silence(100).train(3, 50, 100).silence(3000)

	got := run(t, NewAssembler(AssemblerConfig{}), env, len(env))
	if len(got) != 1 {
		t.Fatalf("Expected 1 package, got %d", len(got))
	}

	p := got[0]
	if want := 10 * math.Log10(highAmp); math.Abs(p.RSSIdB-want) > 1e-9 {
		t.Errorf("Expected RSSI %0.2f, got %0.2f", want, p.RSSIdB)
	}
	if p.NoisedB != -30 {
		t.Errorf("Expected noise -30, got %0.2f", p.NoisedB)
	}
	if math.Abs(p.SNRdB-(p.RSSIdB-p.NoisedB)) > 1e-9 {
		t.Errorf("Expected SNR to be RSSI minus noise, got %0.2f", p.SNRdB)
	}
	if p.SampleRate != testRate || p.CenterFreqHz != testCenter {
		t.Errorf("Expected tuning to be copied from the frame, got %d Hz / %0.0f Hz", p.SampleRate, p.CenterFreqHz)
	}
}

func TestAssembler_Spikes(t *testing.T) {
	env := envelope{}.
		silence(500).carrier(5). // spike before anything started
		silence(500).carrier(100).
		silence(97).carrier(5).silence(98). // spike inside a gap
		carrier(100).
		silence(3000)

	got := run(t, NewAssembler(AssemblerConfig{}), env, 1024)
	if len(got) != 1 {
		t.Fatalf("Expected 1 package, got %d", len(got))
	}

	if want := []int{100, 100}; !slices.Equal(got[0].Pulses, want) {
		t.Errorf("Expected pulses %v, got %v", want, got[0].Pulses)
	}
	if got[0].Gaps[0] != 200 {
		t.Errorf("Expected the spike to be folded into a 200 sample gap, got %d", got[0].Gaps[0])
	}
}

func TestAssembler_Capacity(t *testing.T) {
	env := envelope{}.silence(100).train(MaxPulses+1, 20, 20).silence(3000)

	got := run(t, NewAssembler(AssemblerConfig{}), env, 8192)
	if len(got) != 2 {
		t.Fatalf("Expected 2 packages, got %d", len(got))
	}
	if got[0].NumPulses() != MaxPulses {
		t.Errorf("Expected a full first package, got %d pulses", got[0].NumPulses())
	}
	if got[0].Gaps[MaxPulses-1] != 20 {
		t.Errorf("Expected the last gap of the full package to be 20, got %d", got[0].Gaps[MaxPulses-1])
	}
	if got[1].NumPulses() != 1 {
		t.Errorf("Expected the overflow pulse in a second package, got %d", got[1].NumPulses())
	}
	for _, p := range got {
		if err := p.Validate(); err != nil {
			t.Errorf("Emitted package is invalid: %v", err)
		}
	}
}

func TestAssembler_FSK(t *testing.T) {
	const (
		runLen = 50
		cycles = 20
		dev    = 0.05 // cycles per sample, 12.5 kHz at 250 kS/s
	)

	amp := envelope{}.silence(200).carrier(2 * runLen * cycles).silence(3000)
	fm := make([]float64, len(amp))
	for i := 200; i < 200+2*runLen*cycles; i++ {
		if ((i-200)/runLen)%2 == 0 {
			fm[i] = dev
		} else {
			fm[i] = -dev
		}
	}

	frame := newFrame(amp)
	frame.FM = fm

	var got []*Package
	a := NewAssembler(AssemblerConfig{})
	err := a.Process(frame, func(p *Package) error {
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to process frame: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Expected 1 package, got %d", len(got))
	}

	p := got[0]
	if p.Modulation != FSK {
		t.Fatalf("Expected FSK, got %s", p.Modulation)
	}
	if p.NumPulses() != cycles {
		t.Fatalf("Expected %d pulses, got %d", cycles, p.NumPulses())
	}
	for i := range p.Pulses {
		if p.Pulses[i] != runLen || p.Gaps[i] != runLen {
			t.Fatalf("Expected %d/%d at %d, got %d/%d", runLen, runLen, i, p.Pulses[i], p.Gaps[i])
		}
	}
	if math.Abs(p.Freq1Hz-(testCenter+12_500)) > 1 {
		t.Errorf("Expected F1 at +12.5 kHz, got %0.0f Hz", p.Freq1Hz-testCenter)
	}
	if math.Abs(p.Freq2Hz-(testCenter-12_500)) > 1 {
		t.Errorf("Expected F2 at -12.5 kHz, got %0.0f Hz", p.Freq2Hz-testCenter)
	}
	if a.detector.fsk.active || a.detector.fsk.count() != 0 {
		t.Error("Expected FSK state to be cleared after emission")
	}
}

func TestAssembler_ShortFSKIsOOK(t *testing.T) {
	// too few transitions: the carrier is one long OOK pulse
	amp := envelope{}.silence(200).carrier(400).silence(5000)
	fm := make([]float64, len(amp))
	for i := 200; i < 600; i++ {
		if ((i-200)/50)%2 == 1 {
			fm[i] = -0.05
		} else {
			fm[i] = 0.05
		}
	}

	frame := newFrame(amp)
	frame.FM = fm

	var got []*Package
	err := NewAssembler(AssemblerConfig{}).Process(frame, func(p *Package) error {
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to process frame: %v", err)
	}

	if len(got) != 1 || got[0].Modulation != OOK {
		t.Fatalf("Expected a single OOK package, got %d", len(got))
	}
	if got[0].Pulses[0] != 400 {
		t.Errorf("Expected a 400 sample pulse, got %d", got[0].Pulses[0])
	}
}

func TestAssembler_SquelchedBlockEndsPackage(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})

	var got []*Package
	emit := func(p *Package) error {
		got = append(got, p)
		return nil
	}

	first := envelope{}.train(3, 100, 200).silence(300) // 1000 samples
	if err := a.Process(newFrame(first), emit); err != nil {
		t.Fatalf("Failed to process block: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Expected the package to be open, got %d packages", len(got))
	}

	squelched := newFrame(envelope{}.silence(4096))
	squelched.Process = false
	if err := a.Process(squelched, emit); err != nil {
		t.Fatalf("Failed to process block: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Expected the squelched block to close the package, got %d", len(got))
	}
	if got[0].Gaps[2] != 2501 {
		t.Errorf("Expected a final gap of 2501, got %d", got[0].Gaps[2])
	}

	// gap limit reached at absolute sample 700+2500, block ends at 5096
	if got[0].EndAgo != 5096-3200 {
		t.Errorf("Expected end_ago %d, got %d", 5096-3200, got[0].EndAgo)
	}
	if got[0].StartAgo != 5096 {
		t.Errorf("Expected start_ago 5096, got %d", got[0].StartAgo)
	}
}

func TestAssembler_SquelchedBlockEndsPulse(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})

	var got []*Package
	emit := func(p *Package) error {
		got = append(got, p)
		return nil
	}

	// the block ends while the third pulse is still high
	first := envelope{}.silence(500).train(3, 100, 200) // 1200 samples
	if err := a.Process(newFrame(first), emit); err != nil {
		t.Fatalf("Failed to process block: %v", err)
	}

	squelched := newFrame(envelope{}.silence(4096))
	squelched.Process = false
	if err := a.Process(squelched, emit); err != nil {
		t.Fatalf("Failed to process block: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Expected the squelched block to close the package, got %d", len(got))
	}
	if !slices.Equal(got[0].Pulses, []int{100, 100, 100}) {
		t.Errorf("Expected pulses [100 100 100], got %v", got[0].Pulses)
	}
	if !slices.Equal(got[0].Gaps, []int{200, 200, 2501}) {
		t.Errorf("Expected gaps [200 200 2501], got %v", got[0].Gaps)
	}
	if got[0].EndAgo != 4096-2500 {
		t.Errorf("Expected end_ago %d, got %d", 4096-2500, got[0].EndAgo)
	}
	if got[0].StartAgo != 700+4096 {
		t.Errorf("Expected start_ago %d, got %d", 700+4096, got[0].StartAgo)
	}
}

func TestAssembler_Frames(t *testing.T) {
	a := NewAssembler(AssemblerConfig{})
	burst := envelope{}.train(4, 100, 200).silence(3000)

	var env envelope
	env = append(env, burst...)
	env = append(env, burst...) // same frame
	env = env.silence(300_000)  // longer than a second at 250 kS/s
	env = append(env, burst...)

	got := run(t, a, env, 8192)
	if len(got) != 3 {
		t.Fatalf("Expected 3 packages, got %d", len(got))
	}

	stats := a.Stats()
	if stats.Packages != 3 {
		t.Errorf("Expected 3 packages counted, got %d", stats.Packages)
	}
	if stats.Frames != 2 {
		t.Errorf("Expected 2 frames, got %d", stats.Frames)
	}
}

func TestAssembler_EmitError(t *testing.T) {
	env := envelope{}.train(2, 100, 200).silence(3000).train(2, 100, 200).silence(3000)

	calls := 0
	errSink := errors.New("sink failed")
	err := NewAssembler(AssemblerConfig{}).Process(newFrame(env), func(p *Package) error {
		calls++
		return errSink
	})

	if !errors.Is(err, errSink) {
		t.Errorf("Expected the emitter error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected detection to carry on after an error, got %d calls", calls)
	}
}

func TestAssembler_EstimateFrequency(t *testing.T) {
	const n = 8192
	data := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		data[2*i], data[2*i+1] = 128, 128
	}

	// three 25 kHz bursts
	for _, start := range []int{1000, 1800, 2600} {
		for i := start; i < start+500; i++ {
			phase := 2 * math.Pi * 0.1 * float64(i)
			data[2*i] = byte(math.Round(127.5 + 0.7*127.5*math.Cos(phase)))
			data[2*i+1] = byte(math.Round(127.5 + 0.7*127.5*math.Sin(phase)))
		}
	}

	block := &sdr.SampleBlock{Format: sdr.FormatCU8, Data: data, SampleRate: testRate, CenterFreqHz: testCenter}
	frame, err := dsp.NewEstimator(dsp.Config{}).Process(block)
	if err != nil {
		t.Fatalf("Failed to demodulate block: %v", err)
	}

	var got []*Package
	err = NewAssembler(AssemblerConfig{EstimateFrequency: true}).Process(frame, func(p *Package) error {
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to process frame: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Expected 1 package, got %d", len(got))
	}
	if got[0].NumPulses() != 3 {
		t.Errorf("Expected 3 pulses, got %d", got[0].NumPulses())
	}
	if offset := got[0].Freq1Hz - testCenter; math.Abs(offset-25_000) > 1000 {
		t.Errorf("Expected a carrier at +25 kHz, got %0.0f Hz", offset)
	}
}

func TestPackage_Validate(t *testing.T) {
	tests := []struct {
		name string
		pkg  Package
		want error
	}{
		{name: "valid", pkg: Package{Modulation: OOK, Pulses: []int{1, 2}, Gaps: []int{3, 4}}},
		{name: "empty", pkg: Package{Modulation: OOK}, want: ErrEmptyPackage},
		{name: "oversized", pkg: Package{Modulation: OOK, Pulses: make([]int, MaxPulses+1), Gaps: make([]int, MaxPulses+1)}, want: ErrOversizedPackage},
		{name: "unpaired", pkg: Package{Modulation: FSK, Pulses: []int{1, 2}, Gaps: []int{3}}, want: ErrInvalidPackage},
		{name: "negative", pkg: Package{Modulation: OOK, Pulses: []int{-1}, Gaps: []int{3}}, want: ErrInvalidPackage},
		{name: "modulation", pkg: Package{Modulation: "ASK", Pulses: []int{1}, Gaps: []int{3}}, want: ErrInvalidPackage},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pkg.Validate()
			if tc.want == nil && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPackage_Duration(t *testing.T) {
	p := Package{Pulses: []int{100, 150}, Gaps: []int{250, 500}, SampleRate: 1_000_000}
	if p.Samples() != 1000 {
		t.Errorf("Expected 1000 samples, got %d", p.Samples())
	}
	if p.Duration().Microseconds() != 1000 {
		t.Errorf("Expected 1 ms, got %s", p.Duration())
	}
}

func TestDetectorConfig_Validate(t *testing.T) {
	bad := DetectorConfig{MinGap: 50_000_000, MaxGap: 10_000_000}
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for min gap above max gap")
	}
	if err := (&DetectorConfig{MinPulseSamples: -1}).Validate(); err == nil {
		t.Error("Expected error for negative pulse length")
	}
}
