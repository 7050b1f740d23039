package dsp

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/roman-kulish/pulse-relay/internal/sdr"
)

// toneBlock builds a CU8 block holding a complex tone of the given amplitude
// (fraction of full scale) and frequency (cycles per sample)
func toneBlock(n int, amplitude, freq float64) *sdr.SampleBlock {
	data := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		phase := 2 * math.Pi * freq * float64(i)
		data[2*i] = quantize(127.5 + amplitude*127.5*math.Cos(phase))
		data[2*i+1] = quantize(127.5 + amplitude*127.5*math.Sin(phase))
	}
	return &sdr.SampleBlock{Seq: 1, Format: sdr.FormatCU8, Data: data, SampleRate: 250_000, CenterFreqHz: 433.92e6}
}

func quantize(v float64) byte {
	return byte(math.Max(0, math.Min(255, math.Round(v))))
}

func TestEstimator_SeedsNoiseFromMinLevel(t *testing.T) {
	e := NewEstimator(Config{MinLevelDB: -20})
	if got := e.NoiseLevel(); got != -23 {
		t.Errorf("Expected noise level -23, got %0.2f", got)
	}

	e = NewEstimator(Config{})
	if got := e.NoiseLevel(); got != DefaultMinLevelDB-3 {
		t.Errorf("Expected default seed, got %0.2f", got)
	}
}

func TestEstimator_FastFall(t *testing.T) {
	e := NewEstimator(Config{MinLevelDB: -7}) // noise seeded at -10
	const target = -40.0

	step := e.NoiseLevel() - target
	prev := math.Abs(step)

	for i := 1; i <= 8; i++ {
		if !e.observe(target) {
			t.Fatalf("Block %d: expected noise-only classification", i)
		}
		dist := math.Abs(e.NoiseLevel() - target)
		if dist > prev {
			t.Fatalf("Block %d: estimate moved away from target (%0.3f > %0.3f)", i, dist, prev)
		}
		prev = dist
	}

	// one time constant: at least 63% of the step covered
	if prev > step*math.Exp(-1) {
		t.Errorf("Expected distance <= %0.2f after 8 blocks, got %0.2f", step*math.Exp(-1), prev)
	}
}

func TestEstimator_SlowRise(t *testing.T) {
	e := NewEstimator(Config{MinLevelDB: -37}) // noise seeded at -40
	const target = -20.0

	step := target - e.NoiseLevel()
	prev := step

	for i := 1; i <= 32; i++ {
		e.observe(target)
		dist := math.Abs(target - e.NoiseLevel())
		if dist > prev {
			t.Fatalf("Block %d: estimate moved away from target", i)
		}
		prev = dist
	}

	if prev > step*math.Exp(-1) {
		t.Errorf("Expected distance <= %0.2f after 32 blocks, got %0.2f", step*math.Exp(-1), prev)
	}

	// the first block above the band only moves the estimate by 1/32 of the gap
	e = NewEstimator(Config{MinLevelDB: -37})
	e.observe(target)
	if got, want := e.NoiseLevel(), -40+20.0/32; math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %0.4f after one block, got %0.4f", want, got)
	}
}

func TestIsNoiseOnly_Boundary(t *testing.T) {
	if IsNoiseOnly(-17, -20) {
		t.Error("Block exactly at noise+3 must not be noise-only")
	}
	if !IsNoiseOnly(-17.0001, -20) {
		t.Error("Block just below noise+3 must be noise-only")
	}
	if IsNoiseOnly(-16.9, -20) {
		t.Error("Block above noise+3 must not be noise-only")
	}
}

func TestEstimator_NoFlapping(t *testing.T) {
	e := NewEstimator(Config{MinLevelDB: -17}) // noise seeded at -20
	const avg = -17.0                          // exactly at the boundary

	first := e.observe(avg)
	if first {
		t.Fatal("Expected the boundary block to be processed")
	}

	transitions := 0
	last := first
	for i := 0; i < 500; i++ {
		cur := e.observe(avg)
		if cur != last {
			transitions++
		}
		last = cur
	}

	if transitions > 1 {
		t.Errorf("Expected at most one classification change, got %d", transitions)
	}
}

func TestEstimator_Squelch(t *testing.T) {
	quiet := toneBlock(1024, 0.01, 0.05) // about -40 dBFS

	tests := []struct {
		name        string
		config      Config
		wantProcess bool
	}{
		{name: "squelch", config: Config{MinLevelDB: -12, Squelch: true, FrequencyDemod: true}, wantProcess: false},
		{name: "no squelch", config: Config{MinLevelDB: -12, FrequencyDemod: true}, wantProcess: true},
		{name: "forced", config: Config{MinLevelDB: -12, Squelch: true, ForceProcess: true, FrequencyDemod: true}, wantProcess: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEstimator(tc.config)

			frame, err := e.Process(quiet)
			if err != nil {
				t.Fatalf("Failed to process block: %v", err)
			}
			if !frame.NoiseOnly {
				t.Errorf("Expected noise-only block, avg %0.1f noise %0.1f", frame.AvgDB, frame.NoiseDB)
			}
			if frame.Process != tc.wantProcess {
				t.Errorf("Expected process=%v, got %v", tc.wantProcess, frame.Process)
			}
			if tc.wantProcess != (frame.FM != nil) {
				t.Errorf("Expected FM buffer only for processed frames")
			}
		})
	}
}

func TestEstimator_AverageLevel(t *testing.T) {
	for _, magnitude := range []bool{false, true} {
		e := NewEstimator(Config{UseMagnitude: magnitude})

		frame, err := e.Process(toneBlock(4096, 0.5, 0.01))
		if err != nil {
			t.Fatalf("Failed to process block: %v", err)
		}

		// a tone at half scale is -6 dBFS in both scales
		if math.Abs(frame.AvgDB-(-6.02)) > 0.3 {
			t.Errorf("magnitude=%v: expected about -6 dB, got %0.2f", magnitude, frame.AvgDB)
		}
		if got := frame.Linear(frame.DB(0.25)); math.Abs(got-0.25) > 1e-9 {
			t.Errorf("magnitude=%v: dB conversion is not reversible: %v", magnitude, got)
		}
	}
}

func TestEstimator_FM(t *testing.T) {
	e := NewEstimator(Config{FrequencyDemod: true})

	frame, err := e.Process(toneBlock(2048, 0.8, 0.05))
	if err != nil {
		t.Fatalf("Failed to process block: %v", err)
	}

	var sum float64
	for _, v := range frame.FM[1:] {
		sum += v
	}
	mean := sum / float64(len(frame.FM)-1)

	if math.Abs(mean-0.05) > 0.002 {
		t.Errorf("Expected 0.05 cycles/sample, got %0.4f", mean)
	}
}

func TestEstimator_AutoLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	e := NewEstimator(Config{MinLevelDB: -12, AutoLevel: true, AutoLevelBlocks: 4}, WithLogger(logger))

	for i := 0; i < 3; i++ {
		e.observe(-40)
	}
	if e.Adjustments() != 0 {
		t.Fatalf("Expected no adjustment before the rate limit, got %d", e.Adjustments())
	}

	e.observe(-40)
	if e.Adjustments() != 1 {
		t.Fatalf("Expected one adjustment, got %d", e.Adjustments())
	}
	if got, want := e.MinLevel(), e.NoiseLevel()+3; math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected min level %0.2f, got %0.2f", want, got)
	}
	if !strings.Contains(buf.String(), "adjusting minimum detection level") {
		t.Errorf("Expected adjustment to be logged, got %q", buf.String())
	}

	// rate limited: the noise keeps falling but no new adjustment for 3 blocks
	for i := 0; i < 3; i++ {
		e.observe(-40)
	}
	if e.Adjustments() != 1 {
		t.Errorf("Expected the rate limit to hold, got %d adjustments", e.Adjustments())
	}
}

func TestEstimator_Errors(t *testing.T) {
	e := NewEstimator(Config{})

	if _, err := e.Process(&sdr.SampleBlock{Format: sdr.FormatCU8}); err != ErrEmptyBlock {
		t.Errorf("Expected ErrEmptyBlock, got %v", err)
	}
	if _, err := e.Process(&sdr.SampleBlock{Format: "cf32", Data: make([]byte, 16)}); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestConfig_Validate(t *testing.T) {
	bad := []Config{
		{MinLevelDB: 3},
		{MinLevelDB: -200},
		{AutoLevelBlocks: -1},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("Expected error for %+v", c)
		}
	}

	good := Config{MinLevelDB: -20, AutoLevel: true}
	if err := good.Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestPeakOffsetHz(t *testing.T) {
	block := toneBlock(2048, 0.7, 0.1) // 25 kHz at 250 kS/s

	got, err := PeakOffsetHz(block, 0, 1024)
	if err != nil {
		t.Fatalf("Failed to estimate peak: %v", err)
	}
	if math.Abs(got-25_000) > 500 {
		t.Errorf("Expected 25 kHz, got %0.0f Hz", got)
	}

	block = toneBlock(1024, 0.7, -0.2)
	got, err = PeakOffsetHz(block, 0, 1024)
	if err != nil {
		t.Fatalf("Failed to estimate peak: %v", err)
	}
	if math.Abs(got+50_000) > 500 {
		t.Errorf("Expected -50 kHz, got %0.0f Hz", got)
	}

	if _, err = PeakOffsetHz(block, 1000, 100); err == nil {
		t.Error("Expected error for out-of-range segment")
	}
}
