package sdr

import (
	"context"
	"fmt"
	"time"
)

const (
	// FormatCU8 is unsigned 8-bit interleaved I/Q, as produced by rtl_sdr and rtl_tcp
	FormatCU8 SampleFormat = "cu8"

	// FormatCS8 is signed 8-bit interleaved I/Q, as produced by hackrf_transfer
	FormatCS8 SampleFormat = "cs8"

	// FormatCS16 is signed 16-bit little-endian interleaved I/Q
	FormatCS16 SampleFormat = "cs16"

	// DefaultBlockSamples is the number of I/Q pairs in a sample block (rtl_433 uses 128k)
	DefaultBlockSamples = 128 * 1024
)

var validFormats = map[SampleFormat]struct{}{
	FormatCU8:  {},
	FormatCS8:  {},
	FormatCS16: {},
}

type SampleFormat string

func (f SampleFormat) String() string {
	return string(f)
}

// BytesPerSample returns the size of one I/Q pair
func (f SampleFormat) BytesPerSample() int {
	if f == FormatCS16 {
		return 4
	}
	return 2
}

func (f SampleFormat) Validate() error {
	if _, ok := validFormats[f]; !ok {
		return fmt.Errorf("sdr.SampleFormat: unknown format: '%s'", f)
	}
	return nil
}

// Tuning describes the stream a source produces
type Tuning struct {
	Format       SampleFormat
	SampleRate   uint32
	CenterFreqHz float64
}

// SampleBlock is one block of interleaved I/Q samples in arrival order.
// Blocks are handed over to the consumer, which owns the data afterwards.
type SampleBlock struct {
	Seq          uint64 // Arrival sequence number, starting at 1
	Timestamp    time.Time
	Format       SampleFormat
	Data         []byte
	SampleRate   uint32
	CenterFreqHz float64

	Device   string // Source type (e.g., "RTL-SDR", "HackRF", "rtl_tcp", "file")
	DeviceID string // Serial number, index or address
}

// Len returns the number of I/Q pairs in the block
func (b *SampleBlock) Len() int {
	return len(b.Data) / b.Format.BytesPerSample()
}

// Source produces sample blocks into a bounded channel. A slow consumer
// blocks the source rather than dropping blocks.
type Source interface {
	BeginSampling(ctx context.Context, blocks chan<- *SampleBlock) (<-chan error, error)
	Stop()
	IsSampling() bool
}
