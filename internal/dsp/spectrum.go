package dsp

import (
	"fmt"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/roman-kulish/pulse-relay/internal/sdr"
)

// MaxFFTSize bounds the number of samples used for a peak estimate
const MaxFFTSize = 4096

// PeakOffsetHz estimates the dominant frequency offset from the centre
// frequency over samples [start, start+n) of a block.
func PeakOffsetHz(block *sdr.SampleBlock, start, n int) (float64, error) {
	if start < 0 || n <= 0 || start+n > block.Len() {
		return 0, fmt.Errorf("sample range [%d, %d) is outside the block", start, start+n)
	}
	if block.SampleRate == 0 {
		return 0, fmt.Errorf("block has no sample rate")
	}

	if n > MaxFFTSize {
		start += (n - MaxFFTSize) / 2 // the middle of a long burst
		n = MaxFFTSize
	}

	re := make([]float64, n)
	im := make([]float64, n)

	bps := block.Format.BytesPerSample()
	if err := decodeIQ(block.Format, block.Data[start*bps:(start+n)*bps], re, im); err != nil {
		return 0, err
	}

	w := window.Hann(n)
	x := make([]complex128, n)
	for i := range x {
		x[i] = complex(re[i]*w[i], im[i]*w[i])
	}

	spectrum := fft.FFT(x)

	peak, peakPower := 0, 0.0
	for k, v := range spectrum {
		if p := cmplx.Abs(v); p > peakPower {
			peak, peakPower = k, p
		}
	}

	if peak > n/2 {
		peak -= n // negative frequencies
	}

	return float64(peak) * float64(block.SampleRate) / float64(n), nil
}
