package sdr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler interface defines the methods required for driving a capture tool
// which streams raw I/Q samples to its stdout
type Handler interface {
	Cmd(ctx context.Context) *exec.Cmd
	Tuning() Tuning
	Device() string
}

// Device struct represents an SDR device that can be started (samples collection) and stopped
type Device struct {
	deviceID string
	handler  Handler

	isSampling atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	options options
	logger  *slog.Logger
}

var _ Source = (*Device)(nil)

// NewDevice creates a new Device instance with a discard logger
func NewDevice(deviceID string, h Handler, opts ...Option) *Device {
	o := newOptions(opts)

	return &Device{
		deviceID: deviceID,
		handler:  h,
		options:  o,
		logger: o.logger.With(
			slog.String("device", h.Device()),
			slog.String("deviceID", deviceID),
		),
	}
}

// BeginSampling starts the capture tool and sends sample blocks to the blocks channel
func (d *Device) BeginSampling(ctx context.Context, blocks chan<- *SampleBlock) (<-chan error, error) {
	if !d.isSampling.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("device is already running")
	}

	ctx, d.cancel = context.WithCancel(ctx)
	cmd := d.handler.Cmd(ctx)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.isSampling.Store(false) // Reset running state on error
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.isSampling.Store(false)
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		d.isSampling.Store(false)
		return nil, fmt.Errorf("error starting command: %w", err)
	}

	samplingStopped := make(chan error, 1)

	d.wg.Add(1)
	go func() {
		defer close(samplingStopped)
		defer d.wg.Done()

		d.logger.Info("starting samples collection...")

		done := make(chan error, 2) // expects two results from two goroutines

		go d.handleStdout(ctx, cmd, stdout, blocks, done)
		go d.handleStderr(stderr, done)

		var errs []error
		for i := 0; i < cap(done); i++ {
			if err := <-done; err != nil {
				d.cancel() // cancel context on error
				d.logger.Error(err.Error())

				errs = append(errs, err)
			}
		}

		d.logger.Info("samples collection stopped")
		d.isSampling.Store(false)

		if len(errs) > 0 {
			samplingStopped <- errors.Join(errs...)
		}
	}()

	return samplingStopped, nil
}

func (d *Device) Stop() {
	if !d.isSampling.Load() {
		return // already stopped
	}

	d.cancel()
	d.wg.Wait()
}

// IsSampling returns true if the device is running
func (d *Device) IsSampling() bool {
	return d.isSampling.Load()
}

// handleStdout cuts stdout into sample blocks, then waits for the command
// to exit. Wait closes the pipes, so it must not run before stdout is drained.
func (d *Device) handleStdout(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, blocks chan<- *SampleBlock, done chan<- error) {
	br := newBlockReader(stdout, d.handler.Tuning(), d.handler.Device(), d.deviceID, d.options)
	br.logger = d.logger

	readErr := br.run(ctx, blocks)
	if readErr != nil {
		d.cancel() // stop the capture tool
		readErr = fmt.Errorf("%w: error reading stdout: %w", ErrBrokenPipe, readErr)
	}

	done <- errors.Join(readErr, d.handleCmdWait(ctx, cmd))
}

// handleStderr reads from stderr and logs errors.
func (d *Device) handleStderr(stderr io.Reader, done chan<- error) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		d.logger.Debug(fmt.Sprintf("%s >> %s", d.handler.Device(), line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stderr: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}

// handleCmdWait waits for the command to exit. An exit caused by our own
// cancellation is not an error.
func (d *Device) handleCmdWait(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("command exited with error: %w", err)
	}

	return nil
}
