package signal

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/roman-kulish/pulse-relay/internal/pulse"
)

const (
	compactMagic      = 0xaa
	compactRaw        = 0xb0 // AA B0 LL NN RR [widths] [codes] 55
	compactSingle     = 0xb1 // AA B1 NN [widths] [codes] 55
	compactTerminator = 0x55

	// MaxCompactBins is the largest number of width bins a compact form holds
	MaxCompactBins = 8

	// MaxCompactPackets is the largest number of '+' separated packets
	MaxCompactPackets = 32

	compactMaxPayload = 255
	compactMaxWidthUs = math.MaxUint16
	compactSeparator  = "+"
)

var (
	// ErrNoCompact means a package has no compact representation
	ErrNoCompact = errors.New("package has no compact form")

	// ErrMalformedCompact is the class of all compact parsing errors
	ErrMalformedCompact = errors.New("malformed compact form")
)

// CompactError is a compact form parsing error at a character offset
type CompactError struct {
	Offset int
	Reason string
}

func (e *CompactError) Error() string {
	return fmt.Sprintf("malformed compact form at offset %d: %s", e.Offset, e.Reason)
}

func (e *CompactError) Unwrap() error {
	return ErrMalformedCompact
}

func compactError(offset int, format string, args ...any) error {
	return &CompactError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// EncodeCompact renders a package in the rfraw hex form. Widths are
// quantised to their histogram bin means, so the result is lossy within the
// histogram tolerance. ErrNoCompact is returned when the widths need more
// than MaxCompactBins bins or the package needs more than MaxCompactPackets
// packets.
func EncodeCompact(p *pulse.Package) (string, error) {
	n := p.NumPulses()
	if n == 0 || len(p.Gaps) != n || p.SampleRate == 0 {
		return "", ErrNoCompact
	}

	timings := newHistogram()
	gaps := newHistogram()
	for i := 0; i < n; i++ {
		timings.add(p.Pulses[i], p.Gaps[i])
		if p.Gaps[i] > 0 {
			gaps.add(p.Gaps[i])
		}
	}

	timings.fuse()
	gaps.fuse()
	timings.sort()
	gaps.sort()

	if timings.overflow || len(timings.bins) > MaxCompactBins {
		return "", fmt.Errorf("%w: %d width bins", ErrNoCompact, len(timings.bins))
	}

	codes := make([]byte, n)
	for i := 0; i < n; i++ {
		pb, gb := timings.find(p.Pulses[i]), timings.find(p.Gaps[i])
		if pb < 0 || gb < 0 {
			return "", fmt.Errorf("%w: width outside the histogram", ErrNoCompact)
		}
		codes[i] = 0x80 | byte(pb)<<4 | byte(gb)
	}

	// the long gaps which separate packets
	limit := math.MaxInt
	if len(gaps.bins) > 2 {
		limit = gaps.bins[min(3, len(gaps.bins)-1)].min
	}

	toUs := 1e6 / float64(p.SampleRate)
	widths := make([]byte, 0, 2*len(timings.bins))
	for _, b := range timings.bins {
		us := math.Min(math.Round(float64(b.mean)*toUs), compactMaxWidthUs)
		widths = append(widths, byte(uint16(us)>>8), byte(uint16(us)))
	}

	maxCodes := compactMaxPayload - 2 - len(widths)

	type packet struct {
		codes   []byte
		repeats int
	}
	var packets []packet

	for i := 0; i < n; {
		start := i
		for i < n && i-start < maxCodes {
			i++
			if p.Gaps[i-1] >= limit {
				break
			}
		}

		chunk := codes[start:i]
		if last := len(packets) - 1; last >= 0 && packets[last].repeats < 0xff && bytes.Equal(packets[last].codes, chunk) {
			packets[last].repeats++
			continue
		}
		if len(packets) == MaxCompactPackets {
			return "", fmt.Errorf("%w: more than %d packets", ErrNoCompact, MaxCompactPackets)
		}
		packets = append(packets, packet{codes: chunk, repeats: 1})
	}

	parts := make([]string, len(packets))
	for i, pk := range packets {
		buf := make([]byte, 0, 6+len(widths)+len(pk.codes))
		buf = append(buf, compactMagic, compactRaw, byte(2+len(widths)+len(pk.codes)), byte(len(timings.bins)), byte(pk.repeats))
		buf = append(buf, widths...)
		buf = append(buf, pk.codes...)
		buf = append(buf, compactTerminator)
		parts[i] = strings.ToUpper(hex.EncodeToString(buf))
	}

	return strings.Join(parts, compactSeparator), nil
}

// DecodeCompact reconstructs pulse and gap widths from the hex form, in
// samples at the given rate. Packets are concatenated and repeated in order.
func DecodeCompact(s string, rate uint32) (*pulse.Package, error) {
	if rate == 0 {
		rate = DefaultSampleRate
	}

	p := pulse.Package{SampleRate: rate}
	toSamples := float64(rate) / 1e6

	offset := 0
	segments := strings.Split(s, compactSeparator)
	for i, segment := range segments {
		widths, codes, repeats, err := parseSegment(segment, offset, i == len(segments)-1)
		if err != nil {
			return nil, err
		}

		for r := 0; r < repeats; r++ {
			if len(p.Pulses)+len(codes) > pulse.MaxPulses {
				return nil, fmt.Errorf("%w: compact form expands beyond %d pulses", pulse.ErrOversizedPackage, pulse.MaxPulses)
			}
			for _, c := range codes {
				p.Pulses = append(p.Pulses, int(math.Round(float64(widths[c>>4])*toSamples)))
				p.Gaps = append(p.Gaps, int(math.Round(float64(widths[c&0x0f])*toSamples)))
			}
		}

		offset += len(segment) + len(compactSeparator)
	}

	if len(p.Pulses) == 0 {
		return nil, compactError(0, "no pulses")
	}

	return &p, nil
}

// parseSegment parses one packet. Codes are returned as (pulse bin << 4 | gap bin).
// Only the last packet may miss its terminator.
func parseSegment(segment string, offset int, last bool) (widths []int, codes []byte, repeats int, err error) {
	if !strings.HasPrefix(strings.ToUpper(segment), "AAB") {
		return nil, nil, 0, compactError(offset, "expected AAB magic")
	}
	if len(segment)%2 != 0 {
		return nil, nil, 0, compactError(offset+len(segment)-1, "odd number of hex digits")
	}

	data, err := hex.DecodeString(segment)
	if err != nil {
		var invalid hex.InvalidByteError
		if errors.As(err, &invalid) {
			return nil, nil, 0, compactError(offset+strings.IndexByte(segment, byte(invalid)), "invalid hex digit %q", byte(invalid))
		}
		return nil, nil, 0, compactError(offset, "%v", err)
	}

	// byte index to character offset
	at := func(i int) int { return offset + 2*i }

	var (
		bins   int
		binsAt int
		pos    int
		length = -1 // payload bytes after LL, terminator excluded
	)

	switch data[1] {
	case compactRaw:
		if len(data) < 5 {
			return nil, nil, 0, compactError(at(len(data)), "short header")
		}
		if data[2] > 0 {
			length = int(data[2])
		}
		bins, binsAt = int(data[3]), 3
		repeats = int(data[4])
		pos = 5
		if repeats == 0 {
			return nil, nil, 0, compactError(at(4), "zero repeats")
		}
	case compactSingle:
		if len(data) < 3 {
			return nil, nil, 0, compactError(at(len(data)), "short header")
		}
		bins, binsAt = int(data[2]), 2
		repeats = 1
		pos = 3
	default:
		return nil, nil, 0, compactError(at(1)+1, "unsupported version %X", data[1]&0x0f)
	}

	if bins == 0 || bins > MaxCompactBins {
		return nil, nil, 0, compactError(at(binsAt), "bin count %d out of range", bins)
	}

	if len(data) < pos+2*bins {
		return nil, nil, 0, compactError(at(len(data)), "short payload: %d widths expected", bins)
	}
	widths = make([]int, bins)
	for i := range widths {
		widths[i] = int(data[pos])<<8 | int(data[pos+1])
		pos += 2
	}

	end := len(data)
	terminated := false
	if length >= 0 {
		end = 3 + length
		terminated = end < len(data)
		if end > len(data) {
			return nil, nil, 0, compactError(at(len(data)), "short payload: %d bytes expected", length)
		}
		if end < pos {
			return nil, nil, 0, compactError(at(2), "payload length %d shorter than the widths", length)
		}
		if end < len(data) && data[end] != compactTerminator {
			return nil, nil, 0, compactError(at(end), "expected terminator")
		}
		if end+1 < len(data) {
			return nil, nil, 0, compactError(at(end+1), "trailing data after terminator")
		}
	}

	for i := pos; i < end; i++ {
		c := data[i]
		if c == compactTerminator && length < 0 {
			if i+1 < len(data) {
				return nil, nil, 0, compactError(at(i+1), "trailing data after terminator")
			}
			terminated = true
			break
		}
		if c&0x80 == 0 {
			return nil, nil, 0, compactError(at(i), "invalid code %02X", c)
		}
		pb, gb := int(c>>4&0x07), int(c&0x0f)
		if pb >= bins || gb >= bins {
			return nil, nil, 0, compactError(at(i), "bin index out of range in code %02X", c)
		}
		codes = append(codes, byte(pb<<4|gb))
	}

	if len(codes) == 0 {
		return nil, nil, 0, compactError(at(pos), "packet has no codes")
	}
	if !terminated && !last {
		return nil, nil, 0, compactError(at(len(data)), "expected terminator")
	}

	return widths, codes, repeats, nil
}
