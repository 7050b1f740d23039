package decoder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roman-kulish/pulse-relay/internal/pulse"
	"github.com/roman-kulish/pulse-relay/internal/signal"
)

// Result is one device record produced by a decoder
type Result struct {
	Decoder    string
	DeviceID   string
	Confidence float64
	Fields     map[string]any
}

// Device converts the result to its wire form
func (r Result) Device() signal.Device {
	return signal.Device{
		Decoder:    r.Decoder,
		ID:         r.DeviceID,
		Confidence: r.Confidence,
		Fields:     r.Fields,
	}
}

// Decoder turns a pulse package into device records. An empty result with
// no error means the package was not recognised.
type Decoder interface {
	Name() string
	Modulation() pulse.Modulation
	Decode(p *pulse.Package) ([]Result, error)
}

// Factory builds a decoder from a textual spec
type Factory func(spec string) (Decoder, error)

var (
	factoryMutex sync.Mutex
	factories    = make(map[string]Factory)
)

// Register makes a decoder factory available by name. It is meant to be
// called from init functions and panics on a nil or duplicate factory.
func Register(name string, factory Factory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()

	if factory == nil {
		panic("decoder: factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("decoder: factory already registered (%s)", name))
	}
	factories[name] = factory
}

// New builds a decoder with a registered factory
func New(name, spec string) (Decoder, error) {
	factoryMutex.Lock()
	factory, exists := factories[name]
	factoryMutex.Unlock()

	if !exists {
		return nil, fmt.Errorf("unknown decoder type: %q", name)
	}
	return factory(spec)
}

// Factories returns the registered factory names, sorted
func Factories() []string {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds decoder instances in priority order
type Registry struct {
	decoders []Decoder
	names    map[string]bool
}

func NewRegistry(decoders ...Decoder) (*Registry, error) {
	r := Registry{names: make(map[string]bool)}
	for _, d := range decoders {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// Add appends a decoder with the lowest priority so far
func (r *Registry) Add(d Decoder) error {
	if d == nil {
		return fmt.Errorf("decoder is nil")
	}
	if r.names[d.Name()] {
		return fmt.Errorf("decoder already registered: %q", d.Name())
	}
	r.names[d.Name()] = true
	r.decoders = append(r.decoders, d)
	return nil
}

func (r *Registry) Len() int {
	return len(r.decoders)
}

// All returns every decoder in priority order
func (r *Registry) All() []Decoder {
	return r.decoders
}

// ByModulation returns the decoders for one modulation in priority order
func (r *Registry) ByModulation(m pulse.Modulation) []Decoder {
	var out []Decoder
	for _, d := range r.decoders {
		if d.Modulation() == m {
			out = append(out, d)
		}
	}
	return out
}
