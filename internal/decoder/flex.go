package decoder

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/roman-kulish/pulse-relay/internal/pulse"
)

// FlexType is the factory name of the flex decoder
const FlexType = "flex"

// maxRowBits bounds a sliced row. A row which would grow beyond it is broken.
const maxRowBits = 8 * pulse.MaxPulses

const (
	OOKPWM = "OOK_PWM"
	OOKPPM = "OOK_PPM"
	FSKPCM = "FSK_PCM"
	FSKPWM = "FSK_PWM"
)

func init() {
	Register(FlexType, func(spec string) (Decoder, error) {
		s, err := ParseFlexSpec(spec)
		if err != nil {
			return nil, err
		}
		return NewFlex(s)
	})
}

// FlexSpec configures a generic bit slicer. Widths are in microseconds.
type FlexSpec struct {
	Name       string
	Modulation string
	Short      int // PWM: '1' pulse, PPM: '0' gap, PCM: bit period
	Long       int // PWM: '0' pulse, PPM: '1' gap
	Reset      int // a longer gap ends the package
	Gap        int // a longer gap ends the row (0: never)
	Tolerance  int // allowed deviation from Short and Long
	MinBits    int // shorter rows are dropped
}

// ParseFlexSpec parses "n=name,m=OOK_PWM,s=400,l=800,r=8000[,g=..][,t=..][,bits=..]"
func ParseFlexSpec(spec string) (FlexSpec, error) {
	var s FlexSpec

	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return s, fmt.Errorf("flex: expected key=value: %q", field)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "n", "name":
			s.Name = value
		case "m", "modulation":
			s.Modulation = strings.ToUpper(value)
		case "s", "short", "l", "long", "r", "reset", "g", "gap", "t", "tolerance", "bits":
			n, err := strconv.Atoi(value)
			if err != nil {
				return s, fmt.Errorf("flex: invalid value for %s: %q", key, value)
			}
			switch key {
			case "s", "short":
				s.Short = n
			case "l", "long":
				s.Long = n
			case "r", "reset":
				s.Reset = n
			case "g", "gap":
				s.Gap = n
			case "t", "tolerance":
				s.Tolerance = n
			case "bits":
				s.MinBits = n
			}
		default:
			return s, fmt.Errorf("flex: unknown key %q", key)
		}
	}

	return s, s.Validate()
}

func (s *FlexSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("flex: name is required")
	}
	switch s.Modulation {
	case OOKPWM, OOKPPM, FSKPWM:
		if s.Long <= s.Short {
			return fmt.Errorf("flex %s: long width must exceed short width", s.Name)
		}
	case FSKPCM:
	default:
		return fmt.Errorf("flex %s: unsupported modulation %q", s.Name, s.Modulation)
	}
	if s.Short <= 0 || s.Reset <= 0 {
		return fmt.Errorf("flex %s: short and reset widths must be positive", s.Name)
	}
	if s.Gap < 0 || s.Tolerance < 0 || s.MinBits < 0 {
		return fmt.Errorf("flex %s: gap, tolerance and bits cannot be negative", s.Name)
	}
	return nil
}

// String returns the spec in its textual form
func (s FlexSpec) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "n=%s,m=%s,s=%d,l=%d,r=%d", s.Name, s.Modulation, s.Short, s.Long, s.Reset)
	if s.Gap > 0 {
		fmt.Fprintf(&b, ",g=%d", s.Gap)
	}
	if s.Tolerance > 0 {
		fmt.Fprintf(&b, ",t=%d", s.Tolerance)
	}
	if s.MinBits > 0 {
		fmt.Fprintf(&b, ",bits=%d", s.MinBits)
	}
	return b.String()
}

// LoadFlexINI reads flex specs from [decoder] sections. Keys missing from a
// section are taken from the default section.
func LoadFlexINI(path string) ([]FlexSpec, error) {
	file, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: true}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	defaults := file.Section(ini.DefaultSection)

	sections, err := file.SectionsByName("decoder")
	if err != nil {
		return nil, fmt.Errorf("%s has no [decoder] section: %w", path, err)
	}

	lookup := func(section *ini.Section, key string) *ini.Key {
		if section.HasKey(key) {
			return section.Key(key)
		}
		if defaults.HasKey(key) {
			return defaults.Key(key)
		}
		return nil
	}

	var specs []FlexSpec
	for i, section := range sections {
		if section.HasKey("spec") {
			s, err := ParseFlexSpec(section.Key("spec").String())
			if err != nil {
				return nil, fmt.Errorf("decoder section %d: %w", i+1, err)
			}
			specs = append(specs, s)
			continue
		}

		var s FlexSpec
		if k := lookup(section, "name"); k != nil {
			s.Name = k.String()
		}
		if k := lookup(section, "modulation"); k != nil {
			s.Modulation = strings.ToUpper(k.String())
		}

		for key, dst := range map[string]*int{
			"short": &s.Short, "long": &s.Long, "reset": &s.Reset,
			"gap": &s.Gap, "tolerance": &s.Tolerance, "bits": &s.MinBits,
		} {
			k := lookup(section, key)
			if k == nil {
				continue
			}
			if *dst, err = k.Int(); err != nil {
				return nil, fmt.Errorf("decoder section %d: invalid %s: %w", i+1, key, err)
			}
		}

		if err = s.Validate(); err != nil {
			return nil, fmt.Errorf("decoder section %d: %w", i+1, err)
		}
		specs = append(specs, s)
	}

	return specs, nil
}

// Flex slices pulse widths into bit rows
type Flex struct {
	spec FlexSpec
	mod  pulse.Modulation
}

func NewFlex(spec FlexSpec) (*Flex, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if spec.Tolerance == 0 && spec.Modulation != FSKPCM {
		spec.Tolerance = (spec.Long - spec.Short) / 2
	}

	mod := pulse.OOK
	if strings.HasPrefix(spec.Modulation, "FSK") {
		mod = pulse.FSK
	}

	return &Flex{spec: spec, mod: mod}, nil
}

func (f *Flex) Name() string {
	return f.spec.Name
}

func (f *Flex) Modulation() pulse.Modulation {
	return f.mod
}

func (f *Flex) Spec() FlexSpec {
	return f.spec
}

// Decode returns one result per row with at least MinBits bits
func (f *Flex) Decode(p *pulse.Package) ([]Result, error) {
	if p.SampleRate == 0 {
		return nil, fmt.Errorf("flex %s: package has no sample rate", f.spec.Name)
	}
	if len(p.Gaps) != len(p.Pulses) {
		return nil, fmt.Errorf("flex %s: %w", f.spec.Name, pulse.ErrInvalidPackage)
	}

	toUs := 1e6 / float64(p.SampleRate)

	var rows [][]byte
	var row []byte
	broken := false

	endRow := func() {
		if !broken && len(row) > 0 && len(row) >= f.spec.MinBits {
			rows = append(rows, row)
		}
		row = nil
		broken = false
	}

	for i := range p.Pulses {
		pw := int(math.Round(float64(p.Pulses[i]) * toUs))
		gw := int(math.Round(float64(p.Gaps[i]) * toUs))

		if !broken {
			var ok bool
			row, ok = f.slice(row, pw, gw)
			broken = !ok
		}

		if gw > f.spec.Reset {
			break
		}
		if f.spec.Gap > 0 && gw > f.spec.Gap {
			endRow()
		}
	}
	endRow()

	var results []Result
	for _, bits := range rows {
		data := pack(bits)
		results = append(results, Result{
			Decoder:    f.spec.Name,
			DeviceID:   hex.EncodeToString(data),
			Confidence: 1,
			Fields: map[string]any{
				"modulation": f.spec.Modulation,
				"bits":       len(bits),
				"data":       hex.EncodeToString(data),
			},
		})
	}

	return results, nil
}

func (f *Flex) near(width, target int) bool {
	return abs(width-target) <= f.spec.Tolerance
}

// slice appends the bits of one pulse/gap pair, reporting false for widths
// which match neither symbol
func (f *Flex) slice(row []byte, pw, gw int) ([]byte, bool) {
	switch f.spec.Modulation {
	case OOKPWM, FSKPWM:
		switch {
		case f.near(pw, f.spec.Short):
			return append(row, 1), true
		case f.near(pw, f.spec.Long):
			return append(row, 0), true
		}
		return row, false

	case OOKPPM:
		// the gap after the last pulse carries no bit
		if gw > f.spec.Reset || (f.spec.Gap > 0 && gw > f.spec.Gap) {
			return row, true
		}
		switch {
		case f.near(gw, f.spec.Short):
			return append(row, 0), true
		case f.near(gw, f.spec.Long):
			return append(row, 1), true
		}
		return row, false

	case FSKPCM:
		ones := math.Round(float64(pw) / float64(f.spec.Short))
		if float64(len(row))+ones > maxRowBits {
			return row, false
		}
		for i := 0; i < int(ones); i++ {
			row = append(row, 1)
		}
		if gw <= f.spec.Reset && (f.spec.Gap == 0 || gw <= f.spec.Gap) {
			zeros := math.Round(float64(gw) / float64(f.spec.Short))
			if float64(len(row))+zeros > maxRowBits {
				return row, false
			}
			for i := 0; i < int(zeros); i++ {
				row = append(row, 0)
			}
		}
		return row, true
	}

	return row, false
}

// pack turns a bit row into bytes, MSB first, padding the last byte with zeros
func pack(bits []byte) []byte {
	data := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			data[i/8] |= 0x80 >> (i % 8)
		}
	}
	return data
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
