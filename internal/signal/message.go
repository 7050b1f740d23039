package signal

import (
	"errors"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/pulse"
)

const (
	// DefaultSampleRate is assumed for messages without a usable rate
	DefaultSampleRate = 250_000

	// MaxSampleRate is the highest rate taken from a message as is
	MaxSampleRate = 10_000_000
)

// ErrMalformedMessage is returned for payloads which are not a valid Signal Message
var ErrMalformedMessage = errors.New("malformed signal message")

// Device is one decoded record carried by a detection result
type Device struct {
	Decoder    string         `json:"decoder"`
	ID         string         `json:"id,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Metadata is attached to messages published after decoding
type Metadata struct {
	Devices  []Device `json:"devices,omitempty"`
	Path     string   `json:"path,omitempty"`
	Attempts int      `json:"attempts,omitempty"`
}

// Message is the unit published on the signals queue and, after decoding,
// on the detected or unknown queues.
type Message struct {
	Package   *pulse.Package
	HexString string
	Timestamp time.Time
	Metadata  *Metadata
}

// NewMessage wraps a package, adding its compact form when one exists
func NewMessage(p *pulse.Package, ts time.Time) *Message {
	m := Message{
		Package:   p,
		Timestamp: ts,
	}
	if s, err := EncodeCompact(p); err == nil {
		m.HexString = s
	}
	return &m
}

// HasCompact reports whether the message carries a hex form
func (m *Message) HasCompact() bool {
	return m.HexString != ""
}

// CompactPackage reconstructs the package from the hex form. Everything but
// the widths is taken from the verbose fields.
func (m *Message) CompactPackage() (*pulse.Package, error) {
	if !m.HasCompact() {
		return nil, ErrNoCompact
	}

	p, err := DecodeCompact(m.HexString, m.Package.SampleRate)
	if err != nil {
		return nil, err
	}

	pulses, gaps := p.Pulses, p.Gaps
	*p = *m.Package
	p.Pulses, p.Gaps = pulses, gaps

	return p, nil
}

// WithDevices returns a copy of the message carrying decoded records
func (m *Message) WithDevices(devices []Device, path string, attempts int) *Message {
	c := *m
	c.Metadata = &Metadata{
		Devices:  devices,
		Path:     path,
		Attempts: attempts,
	}
	return &c
}
