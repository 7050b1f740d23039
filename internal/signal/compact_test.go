package signal

import (
	"encoding/hex"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/roman-kulish/pulse-relay/internal/pulse"
)

// referencePackage is a PWM remote: three repeats of 24 bits and a closing
// pulse, at 250 kS/s. Widths are jittered by up to jitter samples.
func referencePackage(jitter int, seed int64) *pulse.Package {
	const (
		short = 125  // 500 µs
		long  = 250  // 1000 µs
		reset = 2500 // 10 ms
	)

	rnd := rand.New(rand.NewSource(seed))
	j := func(v int) int {
		if jitter == 0 {
			return v
		}
		return v + rnd.Intn(2*jitter+1) - jitter
	}

	p := pulse.Package{Modulation: pulse.OOK, SampleRate: 250_000, CenterFreqHz: 433.92e6}
	code := uint32(0xa5c3e1)
	for r := 0; r < 3; r++ {
		for b := 23; b >= 0; b-- {
			if code>>b&1 == 1 {
				p.Pulses = append(p.Pulses, j(long))
				p.Gaps = append(p.Gaps, j(short))
			} else {
				p.Pulses = append(p.Pulses, j(short))
				p.Gaps = append(p.Gaps, j(long))
			}
		}
		p.Pulses = append(p.Pulses, j(short))
		p.Gaps = append(p.Gaps, j(reset))
	}
	return &p
}

func withinBound(original, reconstructed int) bool {
	bound := histogramTolerance*float64(max(original, reconstructed)) + 2
	return math.Abs(float64(original-reconstructed)) <= bound
}

func TestCompact_ReferenceVector(t *testing.T) {
	p := referencePackage(0, 1)

	s, err := EncodeCompact(p)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	if strings.Contains(s, compactSeparator) {
		t.Errorf("Expected identical packets to merge into repeats, got %s", s)
	}
	if !strings.HasPrefix(s, "AAB0") || !strings.HasSuffix(s, "55") {
		t.Errorf("Unexpected framing: %s", s)
	}

	data, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("Failed to decode hex: %v", err)
	}
	if data[3] != 3 {
		t.Errorf("Expected 3 width bins, got %d", data[3])
	}
	if data[4] != 3 {
		t.Errorf("Expected 3 repeats, got %d", data[4])
	}
	if int(data[2]) != len(data)-4 {
		t.Errorf("Expected payload length %d, got %d", len(data)-4, data[2])
	}

	got, err := DecodeCompact(s, p.SampleRate)
	if err != nil {
		t.Fatalf("Failed to decode compact form: %v", err)
	}
	if got.NumPulses() != p.NumPulses() {
		t.Fatalf("Expected %d pulses, got %d", p.NumPulses(), got.NumPulses())
	}
	for i := range p.Pulses {
		if got.Pulses[i] != p.Pulses[i] || got.Gaps[i] != p.Gaps[i] {
			t.Fatalf("Pair %d: expected %d/%d, got %d/%d", i, p.Pulses[i], p.Gaps[i], got.Pulses[i], got.Gaps[i])
		}
	}
}

func TestCompact_JitterWithinBound(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		p := referencePackage(6, seed)

		s, err := EncodeCompact(p)
		if err != nil {
			t.Fatalf("seed %d: failed to encode: %v", seed, err)
		}

		got, err := DecodeCompact(s, p.SampleRate)
		if err != nil {
			t.Fatalf("seed %d: failed to decode: %v", seed, err)
		}
		if got.NumPulses() != p.NumPulses() {
			t.Fatalf("seed %d: expected %d pulses, got %d", seed, p.NumPulses(), got.NumPulses())
		}

		for i := range p.Pulses {
			if !withinBound(p.Pulses[i], got.Pulses[i]) {
				t.Errorf("seed %d: pulse %d: %d reconstructed as %d", seed, i, p.Pulses[i], got.Pulses[i])
			}
			if !withinBound(p.Gaps[i], got.Gaps[i]) {
				t.Errorf("seed %d: gap %d: %d reconstructed as %d", seed, i, p.Gaps[i], got.Gaps[i])
			}
		}
	}
}

func TestCompact_ZeroGap(t *testing.T) {
	// FSK packages may end on a zero gap
	p := &pulse.Package{Modulation: pulse.FSK, SampleRate: 250_000, Pulses: []int{50, 50, 100}, Gaps: []int{50, 100, 0}}

	s, err := EncodeCompact(p)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	got, err := DecodeCompact(s, p.SampleRate)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if got.Gaps[2] != 0 || got.NumPulses() != 3 {
		t.Errorf("Expected the zero gap to survive, got %v", got.Gaps)
	}
}

func TestCompact_TooManyBins(t *testing.T) {
	p := &pulse.Package{Modulation: pulse.OOK, SampleRate: 250_000}
	for i := 0; i < 12; i++ {
		w := 10 << i // no two widths within tolerance
		p.Pulses = append(p.Pulses, w)
		p.Gaps = append(p.Gaps, w)
	}

	if _, err := EncodeCompact(p); !errors.Is(err, ErrNoCompact) {
		t.Errorf("Expected ErrNoCompact, got %v", err)
	}
	if _, err := EncodeCompact(&pulse.Package{SampleRate: 250_000}); !errors.Is(err, ErrNoCompact) {
		t.Errorf("Expected ErrNoCompact for an empty package, got %v", err)
	}
}

func TestCompact_LongPackageSplits(t *testing.T) {
	// 600 pairs without separating gaps need more than one 255 byte payload
	p := &pulse.Package{Modulation: pulse.OOK, SampleRate: 250_000}
	for i := 0; i < 600; i++ {
		if i%3 == 0 {
			p.Pulses = append(p.Pulses, 250)
		} else {
			p.Pulses = append(p.Pulses, 125)
		}
		p.Gaps = append(p.Gaps, 125)
	}

	s, err := EncodeCompact(p)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	for _, part := range strings.Split(s, compactSeparator) {
		data, err := hex.DecodeString(part)
		if err != nil {
			t.Fatalf("Failed to decode hex: %v", err)
		}
		if len(data)-4 > compactMaxPayload {
			t.Errorf("Payload of %d bytes exceeds the limit", len(data)-4)
		}
	}

	got, err := DecodeCompact(s, p.SampleRate)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if got.NumPulses() != 600 {
		t.Errorf("Expected 600 pulses, got %d", got.NumPulses())
	}
}

func TestDecodeCompact(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		pulses []int
		gaps   []int
	}{
		{name: "B0", in: "AAB005010100648055", pulses: []int{25}, gaps: []int{25}},
		{name: "missing terminator", in: "AAB0050101006480", pulses: []int{25}, gaps: []int{25}},
		{name: "lower case", in: "aab005010100648055", pulses: []int{25}, gaps: []int{25}},
		{name: "repeats", in: "AAB005010200648055", pulses: []int{25, 25}, gaps: []int{25, 25}},
		{name: "B1", in: "AAB1020064012C808155", pulses: []int{25, 25}, gaps: []int{25, 75}},
		{
			name:   "packets",
			in:     "AAB005010100648055+AAB0070201006400C88155",
			pulses: []int{25, 25},
			gaps:   []int{25, 50},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeCompact(tc.in, 250_000)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if !equalInts(got.Pulses, tc.pulses) || !equalInts(got.Gaps, tc.gaps) {
				t.Errorf("Expected %v/%v, got %v/%v", tc.pulses, tc.gaps, got.Pulses, got.Gaps)
			}
		})
	}
}

func TestDecodeCompact_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		offset int
	}{
		{name: "magic", in: "FFB005010100648055", offset: 0},
		{name: "version", in: "AAB205010100648055", offset: 3},
		{name: "bad hex", in: "AAB0050101ZZ648055", offset: 10},
		{name: "odd length", in: "AAB00501010064805", offset: 16},
		{name: "bin out of range", in: "AAB005010100649155", offset: 14},
		{name: "short payload", in: "AAB010010100648055", offset: 18},
		{name: "short widths", in: "AAB0050301", offset: 10},
		{name: "no bins", in: "AAB003000155", offset: 6},
		{name: "invalid code", in: "AAB005010100641055", offset: 14},
		{name: "second packet", in: "AAB005010100648055+AAB005010100649155", offset: 33},
		{name: "unterminated first packet", in: "AAB0050101006480+AAB005010100648055", offset: 16},
		{name: "unterminated B1 packet", in: "AAB1010064808080+AAB005010100648055", offset: 16},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCompact(tc.in, 250_000)

			var ce *CompactError
			if !errors.As(err, &ce) {
				t.Fatalf("Expected *CompactError, got %v", err)
			}
			if !errors.Is(err, ErrMalformedCompact) {
				t.Errorf("Expected error to wrap ErrMalformedCompact")
			}
			if ce.Offset != tc.offset {
				t.Errorf("Expected offset %d, got %d (%v)", tc.offset, ce.Offset, err)
			}
		})
	}
}

func TestDecodeCompact_Oversized(t *testing.T) {
	// 255 repeats of 5 codes
	s := "AAB00901FF0064" + strings.Repeat("80", 5) + "55"

	if _, err := DecodeCompact(s, 250_000); !errors.Is(err, pulse.ErrOversizedPackage) {
		t.Errorf("Expected ErrOversizedPackage, got %v", err)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
