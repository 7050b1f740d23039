package sdr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"time"
)

var (
	// ErrTooManyReadErrors is returned when the number of consecutive read errors exceeds the threshold
	ErrTooManyReadErrors = errors.New("too many consecutive read errors")

	// ErrBrokenPipe is returned when there's an error reading from stdout or stderr
	ErrBrokenPipe = errors.New("broken pipe")
)

// blockReader cuts a raw I/Q byte stream into sample blocks
type blockReader struct {
	r        io.Reader
	tuning   Tuning
	device   string
	deviceID string

	blockSize           int // bytes
	readErrorsThreshold uint8
	logger              *slog.Logger

	seq uint64
}

func newBlockReader(r io.Reader, tuning Tuning, device, deviceID string, o options) *blockReader {
	return &blockReader{
		r:                   r,
		tuning:              tuning,
		device:              device,
		deviceID:            deviceID,
		blockSize:           o.blockSamples * tuning.Format.BytesPerSample(),
		readErrorsThreshold: o.readErrorsThreshold,
		logger:              o.logger,
	}
}

// run reads blocks until the stream ends or the context is cancelled.
// A clean end of stream returns nil.
func (br *blockReader) run(ctx context.Context, blocks chan<- *SampleBlock) error {
	var readErrors uint8

	for ctx.Err() == nil {
		data := make([]byte, br.blockSize)

		n, err := io.ReadFull(br.r, data)
		switch {
		case err == nil:
			readErrors = 0 // reset counter

		case errors.Is(err, io.EOF):
			return nil

		case errors.Is(err, io.ErrUnexpectedEOF):
			// deliver the tail, trimmed to whole I/Q pairs
			n -= n % br.tuning.Format.BytesPerSample()
			if n > 0 {
				br.send(ctx, blocks, data[:n])
			}
			return nil

		case errors.Is(err, fs.ErrClosed), errors.Is(err, net.ErrClosed):
			return nil

		default:
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Timeout() {
				br.logger.Debug("read timeout", slog.String("error", opErr.Error()))
			} else {
				br.logger.Warn(fmt.Sprintf("error reading samples: %s", err.Error()))
			}

			readErrors++
			if readErrors >= br.readErrorsThreshold {
				return fmt.Errorf("%w: %w", ErrTooManyReadErrors, err)
			}
			continue
		}

		if !br.send(ctx, blocks, data) {
			return nil
		}
	}

	return nil
}

func (br *blockReader) send(ctx context.Context, blocks chan<- *SampleBlock, data []byte) bool {
	br.seq++

	block := SampleBlock{
		Seq:          br.seq,
		Timestamp:    time.Now(),
		Format:       br.tuning.Format,
		Data:         data,
		SampleRate:   br.tuning.SampleRate,
		CenterFreqHz: br.tuning.CenterFreqHz,
		Device:       br.device,
		DeviceID:     br.deviceID,
	}

	select {
	case blocks <- &block:
		return true
	case <-ctx.Done():
		return false
	}
}
