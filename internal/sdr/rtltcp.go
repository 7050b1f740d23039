package sdr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bemasher/rtltcp"
)

const DeviceRTLTCP = "rtl_tcp"

// RTLTCPConfig is the configuration of a remote rtl_tcp server
type RTLTCPConfig struct {
	Address      string  `yaml:"address" json:"address"`           // host:port of rtl_tcp (default: 127.0.0.1:1234)
	CenterFreqHz uint32  `yaml:"centerFreqHz" json:"centerFreqHz"` // Centre frequency in Hz
	SampleRate   uint32  `yaml:"sampleRate" json:"sampleRate"`     // Samples per second (default: 250000)
	Gain         float64 `yaml:"gain" json:"gain"`                 // Tuner gain in dB, 0 for automatic
	PPMError     int     `yaml:"ppmError" json:"ppmError"`         // Frequency correction in ppm
	AGC          bool    `yaml:"agc" json:"agc"`                   // Enable RTL2832 AGC
}

func (c *RTLTCPConfig) Validate() error {
	if c.CenterFreqHz == 0 {
		return errors.New("sdr.RTLTCPConfig: centre frequency is required")
	}
	if c.SampleRate > 3_200_000 {
		return fmt.Errorf("sdr.RTLTCPConfig: sample rate must not exceed 3.2 MHz: %d given", c.SampleRate)
	}
	if c.Gain < 0 || c.Gain > 50 {
		return fmt.Errorf("sdr.RTLTCPConfig: gain must be between 0 and 50 dB: %0.1f given", c.Gain)
	}
	return nil
}

func (c *RTLTCPConfig) address() string {
	if c.Address == "" {
		return "127.0.0.1:1234"
	}
	return c.Address
}

func (c *RTLTCPConfig) sampleRate() uint32 {
	if c.SampleRate == 0 {
		return 250_000
	}
	return c.SampleRate
}

// RTLTCPSource streams CU8 blocks from an rtl_tcp server
type RTLTCPSource struct {
	config RTLTCPConfig
	sdr    rtltcp.SDR

	isSampling atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	options options
	logger  *slog.Logger
}

var _ Source = (*RTLTCPSource)(nil)

func NewRTLTCPSource(config RTLTCPConfig, opts ...Option) (*RTLTCPSource, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := newOptions(opts)

	return &RTLTCPSource{
		config:  config,
		options: o,
		logger:  o.logger.With(slog.String("device", DeviceRTLTCP), slog.String("deviceID", config.address())),
	}, nil
}

func (s *RTLTCPSource) Tuning() Tuning {
	return Tuning{
		Format:       FormatCU8,
		SampleRate:   s.config.sampleRate(),
		CenterFreqHz: float64(s.config.CenterFreqHz),
	}
}

func (s *RTLTCPSource) connect() error {
	addr, err := net.ResolveTCPAddr("tcp", s.config.address())
	if err != nil {
		return fmt.Errorf("resolving rtl_tcp address: %w", err)
	}

	if err = s.sdr.Connect(addr); err != nil {
		return err
	}

	s.logger.Info("connected to rtl_tcp",
		slog.String("tuner", s.sdr.Info.Tuner.String()),
		slog.Int("gainCount", int(s.sdr.Info.GainCount)))

	if err = s.sdr.SetCenterFreq(s.config.CenterFreqHz); err != nil {
		return fmt.Errorf("setting centre frequency: %w", err)
	}
	if err = s.sdr.SetSampleRate(s.config.sampleRate()); err != nil {
		return fmt.Errorf("setting sample rate: %w", err)
	}
	if s.config.PPMError != 0 {
		if err = s.sdr.SetFreqCorrection(uint32(s.config.PPMError)); err != nil {
			return fmt.Errorf("setting frequency correction: %w", err)
		}
	}

	// manual gain mode when a gain is configured, tenths of dB on the wire
	if err = s.sdr.SetGainMode(s.config.Gain > 0); err != nil {
		return fmt.Errorf("setting gain mode: %w", err)
	}
	if s.config.Gain > 0 {
		if err = s.sdr.SetGain(uint32(s.config.Gain * 10)); err != nil {
			return fmt.Errorf("setting gain: %w", err)
		}
	}
	if err = s.sdr.SetAGCMode(s.config.AGC); err != nil {
		return fmt.Errorf("setting AGC mode: %w", err)
	}

	return nil
}

// BeginSampling connects to rtl_tcp, tunes it and streams sample blocks
func (s *RTLTCPSource) BeginSampling(ctx context.Context, blocks chan<- *SampleBlock) (<-chan error, error) {
	if !s.isSampling.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("rtl_tcp source is already running")
	}

	if err := s.connect(); err != nil {
		if s.sdr.TCPConn != nil {
			_ = s.sdr.Close()
		}
		s.isSampling.Store(false)
		return nil, fmt.Errorf("connecting to rtl_tcp: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	samplingStopped := make(chan error, 1)

	// closing the connection unblocks the reader on cancellation
	go func() {
		<-ctx.Done()
		_ = s.sdr.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer close(samplingStopped)
		defer s.wg.Done()
		defer s.isSampling.Store(false)
		defer s.cancel()

		s.logger.Info("starting samples collection...")

		br := newBlockReader(s.sdr.TCPConn, s.Tuning(), DeviceRTLTCP, s.config.address(), s.options)
		br.logger = s.logger

		if err := br.run(ctx, blocks); err != nil {
			s.logger.Error(err.Error())
			samplingStopped <- err
		}

		s.logger.Info("samples collection stopped")
	}()

	return samplingStopped, nil
}

func (s *RTLTCPSource) Stop() {
	if !s.isSampling.Load() {
		return
	}

	s.cancel()
	s.wg.Wait()
}

func (s *RTLTCPSource) IsSampling() bool {
	return s.isSampling.Load()
}
