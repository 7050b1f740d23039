package signal

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/pulse"
)

type wireMessage struct {
	PackageID  uint64    `json:"package_id"`
	Modulation string    `json:"mod"`
	Count      int       `json:"count"`
	Pulses     []int     `json:"pulses"`
	FreqHz     float64   `json:"freq_Hz"`
	Freq1Hz    float64   `json:"freq1_Hz,omitempty"`
	Freq2Hz    float64   `json:"freq2_Hz,omitempty"`
	RateHz     uint32    `json:"rate_Hz"`
	RSSIdB     float64   `json:"rssi_dB"`
	SNRdB      float64   `json:"snr_dB"`
	NoisedB    float64   `json:"noise_dB"`
	StartAgo   int       `json:"start_ago"`
	EndAgo     int       `json:"end_ago"`
	HexString  string    `json:"hex_string,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
	Metadata   *Metadata `json:"metadata,omitempty"`
}

// incoming accepts the aliases and the loose typing of older producers
type incoming struct {
	PackageID  uint64          `json:"package_id"`
	Modulation string          `json:"mod"`
	Count      *int            `json:"count"`
	Pulses     []int           `json:"pulses"`
	FreqHz     *float64        `json:"freq_Hz"`
	Frequency  *float64        `json:"frequency"`
	Freq1Hz    float64         `json:"freq1_Hz"`
	Freq2Hz    float64         `json:"freq2_Hz"`
	RateHz     *json.Number    `json:"rate_Hz"`
	SampleRate *json.Number    `json:"sample_rate"`
	RSSIdB     *float64        `json:"rssi_dB"`
	RSSIdb     *float64        `json:"rssi_db"`
	SNRdB      float64         `json:"snr_dB"`
	NoisedB    float64         `json:"noise_dB"`
	StartAgo   int             `json:"start_ago"`
	EndAgo     int             `json:"end_ago"`
	HexString  string          `json:"hex_string"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Metadata   *Metadata       `json:"metadata"`
}

// Marshal encodes a message in the verbose form. Pulses are interleaved
// pulse, gap pairs.
func Marshal(m *Message) ([]byte, error) {
	p := m.Package
	if p == nil {
		return nil, fmt.Errorf("%w: no package", ErrMalformedMessage)
	}
	if len(p.Gaps) != len(p.Pulses) {
		return nil, fmt.Errorf("%w: %d pulses but %d gaps", pulse.ErrInvalidPackage, len(p.Pulses), len(p.Gaps))
	}

	w := wireMessage{
		PackageID:  p.ID,
		Modulation: p.Modulation.String(),
		Count:      p.NumPulses(),
		Pulses:     make([]int, 0, 2*p.NumPulses()),
		FreqHz:     p.CenterFreqHz,
		Freq1Hz:    p.Freq1Hz,
		Freq2Hz:    p.Freq2Hz,
		RateHz:     p.SampleRate,
		RSSIdB:     p.RSSIdB,
		SNRdB:      p.SNRdB,
		NoisedB:    p.NoisedB,
		StartAgo:   p.StartAgo,
		EndAgo:     p.EndAgo,
		HexString:  m.HexString,
		Metadata:   m.Metadata,
	}

	for i := range p.Pulses {
		w.Pulses = append(w.Pulses, p.Pulses[i], p.Gaps[i])
	}

	if !m.Timestamp.IsZero() {
		w.Timestamp = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	return json.Marshal(&w)
}

// Unmarshal decodes a verbose message. All failures wrap ErrMalformedMessage,
// except for packages above capacity which wrap pulse.ErrOversizedPackage.
func Unmarshal(data []byte) (*Message, error) {
	var in incoming
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if in.Count == nil {
		return nil, fmt.Errorf("%w: missing count", ErrMalformedMessage)
	}
	count := *in.Count
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrMalformedMessage, count)
	}
	if count > pulse.MaxPulses {
		return nil, fmt.Errorf("%w: count %d, capacity %d", pulse.ErrOversizedPackage, count, pulse.MaxPulses)
	}

	p := pulse.Package{
		ID:       in.PackageID,
		Freq1Hz:  in.Freq1Hz,
		Freq2Hz:  in.Freq2Hz,
		SNRdB:    in.SNRdB,
		NoisedB:  in.NoisedB,
		StartAgo: in.StartAgo,
		EndAgo:   in.EndAgo,
	}

	p.Modulation = pulse.OOK
	if in.Modulation != "" {
		mod, err := pulse.ParseModulation(strings.ToUpper(in.Modulation))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		p.Modulation = mod
	}

	switch {
	case in.FreqHz != nil:
		p.CenterFreqHz = *in.FreqHz
	case in.Frequency != nil:
		p.CenterFreqHz = *in.Frequency
	}

	switch {
	case in.RSSIdB != nil:
		p.RSSIdB = *in.RSSIdB
	case in.RSSIdb != nil:
		p.RSSIdB = *in.RSSIdb
	}

	rate := in.RateHz
	if rate == nil {
		rate = in.SampleRate
	}
	sampleRate, err := parseSampleRate(rate)
	if err != nil {
		return nil, err
	}
	p.SampleRate = sampleRate

	if err = splitPulses(&p, in.Pulses, count); err != nil {
		return nil, err
	}

	m := Message{
		Package:   &p,
		HexString: strings.TrimSpace(in.HexString),
		Metadata:  in.Metadata,
	}

	if m.Timestamp, err = parseTimestamp(in.Timestamp); err != nil {
		return nil, err
	}

	return &m, nil
}

func parseSampleRate(n *json.Number) (uint32, error) {
	if n == nil || *n == "" {
		return DefaultSampleRate, nil
	}

	v, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid sample rate '%s'", ErrMalformedMessage, n.String())
	}
	if v < 0 || v != math.Trunc(v) || v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: invalid sample rate '%s'", ErrMalformedMessage, n.String())
	}
	if v == 0 || v > MaxSampleRate {
		return DefaultSampleRate, nil
	}
	return uint32(v), nil
}

// splitPulses accepts interleaved pulse/gap pairs, or pulse widths only
func splitPulses(p *pulse.Package, values []int, count int) error {
	switch {
	case len(values) >= 2*count:
		p.Pulses = make([]int, count)
		p.Gaps = make([]int, count)
		for i := 0; i < count; i++ {
			p.Pulses[i], p.Gaps[i] = values[2*i], values[2*i+1]
		}
	case len(values) == count:
		p.Pulses = append([]int(nil), values...)
		p.Gaps = make([]int, count)
	default:
		return fmt.Errorf("%w: %d pulse values for count %d", ErrMalformedMessage, len(values), count)
	}

	for i := range p.Pulses {
		if p.Pulses[i] < 0 || p.Gaps[i] < 0 {
			return fmt.Errorf("%w: negative width at %d", ErrMalformedMessage, i)
		}
	}
	return nil
}

// parseTimestamp takes RFC 3339 strings or Unix seconds
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid timestamp '%s'", ErrMalformedMessage, s)
		}
		return ts, nil
	}

	var sec float64
	if err := json.Unmarshal(raw, &sec); err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %s", ErrMalformedMessage, raw)
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
