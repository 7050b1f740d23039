package signal

import (
	"sync/atomic"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/pulse"
)

// IDGenerator hands out package IDs, starting at 1
type IDGenerator struct {
	last atomic.Uint64
}

func (g *IDGenerator) Next() uint64 {
	return g.last.Add(1)
}

// Last returns the most recently issued ID, or 0
func (g *IDGenerator) Last() uint64 {
	return g.last.Load()
}

// Encoder stamps packages with an ID and a timestamp and encodes them
type Encoder struct {
	ids     *IDGenerator
	now     func() time.Time
	compact bool
}

func WithClock(now func() time.Time) func(e *Encoder) {
	return func(e *Encoder) {
		e.now = now
	}
}

// WithCompact toggles the hex form (default: on)
func WithCompact(enabled bool) func(e *Encoder) {
	return func(e *Encoder) {
		e.compact = enabled
	}
}

func NewEncoder(ids *IDGenerator, options ...func(e *Encoder)) *Encoder {
	e := Encoder{
		ids:     ids,
		now:     time.Now,
		compact: true,
	}

	for _, option := range options {
		option(&e)
	}

	return &e
}

// Encode assigns the next ID to p and returns the verbose payload
func (e *Encoder) Encode(p *pulse.Package) (*Message, []byte, error) {
	p.ID = e.ids.Next()

	m := &Message{Package: p, Timestamp: e.now()}
	if e.compact {
		m = NewMessage(p, m.Timestamp)
	}

	data, err := Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return m, data, nil
}
