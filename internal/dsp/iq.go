package dsp

import (
	"encoding/binary"
	"fmt"

	"github.com/roman-kulish/pulse-relay/internal/sdr"
)

// Lookup tables mapping a raw 8-bit sample to [-1, 1]
var (
	cu8LUT = newCU8LUT()
	cs8LUT = newCS8LUT()
)

func newCU8LUT() (lut [256]float64) {
	for idx := range lut {
		lut[idx] = (float64(idx) - 127.5) / 127.5
	}
	return
}

func newCS8LUT() (lut [256]float64) {
	for idx := range lut {
		lut[idx] = float64(int8(idx)) / 128
	}
	return
}

// decodeIQ writes the normalised I and Q components of the first len(re)
// samples of data. re and im must have equal length.
func decodeIQ(format sdr.SampleFormat, data []byte, re, im []float64) error {
	switch format {
	case sdr.FormatCU8:
		for i := range re {
			re[i] = cu8LUT[data[2*i]]
			im[i] = cu8LUT[data[2*i+1]]
		}

	case sdr.FormatCS8:
		for i := range re {
			re[i] = cs8LUT[data[2*i]]
			im[i] = cs8LUT[data[2*i+1]]
		}

	case sdr.FormatCS16:
		for i := range re {
			re[i] = float64(int16(binary.LittleEndian.Uint16(data[4*i:]))) / 32768
			im[i] = float64(int16(binary.LittleEndian.Uint16(data[4*i+2:]))) / 32768
		}

	default:
		return fmt.Errorf("unsupported sample format: '%s'", format)
	}

	return nil
}
