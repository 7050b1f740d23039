package rtl

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/roman-kulish/pulse-relay/internal/sdr"
	"github.com/roman-kulish/pulse-relay/internal/sdr/driver"
)

const (
	Runtime = "rtl_sdr"
	Device  = "RTL-SDR"
)

// handler struct represents an RTL-SDR handler
type handler struct {
	binPath string
	args    []string
	tuning  sdr.Tuning
}

// New creates a new RTL-SDR handler
func New(config *Config) (sdr.Handler, error) {
	binPath, err := driver.FindRuntime(Runtime)
	if err != nil {
		return nil, fmt.Errorf("error finding runtime: %w", err)
	}

	return newHandler(binPath, config)
}

func newHandler(binPath string, config *Config) (*handler, error) {
	args, err := config.Args()
	if err != nil {
		return nil, fmt.Errorf("error creating args: %w", err)
	}

	return &handler{
		binPath: binPath,
		args:    args,
		tuning: sdr.Tuning{
			Format:       sdr.FormatCU8,
			SampleRate:   uint32(config.sampleRate()),
			CenterFreqHz: float64(config.CenterFrequency),
		},
	}, nil
}

// Cmd returns an exec.Cmd for the RTL-SDR handler
func (h handler) Cmd(ctx context.Context) *exec.Cmd {
	return exec.CommandContext(ctx, h.binPath, h.args...)
}

// Tuning reports the stream format of `rtl_sdr`, which is always unsigned 8-bit I/Q
func (h handler) Tuning() sdr.Tuning {
	return h.tuning
}

func (h handler) Device() string {
	return Device
}
