package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/config"
	"github.com/roman-kulish/pulse-relay/internal/dsp"
	"github.com/roman-kulish/pulse-relay/internal/pulse"
	"github.com/roman-kulish/pulse-relay/internal/sdr"
	"github.com/roman-kulish/pulse-relay/internal/sdr/hackrf"
	"github.com/roman-kulish/pulse-relay/internal/sdr/rtl"
	"github.com/roman-kulish/pulse-relay/internal/stats"
	"github.com/roman-kulish/pulse-relay/internal/transport"
)

const (
	DeviceRTLSDR DeviceType = "rtl-sdr"
	DeviceHackRF DeviceType = "hackrf"
	DeviceRTLTCP DeviceType = "rtl_tcp"
	DeviceFile   DeviceType = "file"
)

const (
	defaultReportInterval = time.Minute
	defaultBlockBuffer    = 4
)

type DeviceType string

// Config represents the demodulator configuration
type Config struct {
	Settings  config.Settings       `yaml:"settings" json:"settings"`
	Source    SourceConfig          `yaml:"source" json:"source"`
	Estimator dsp.Config            `yaml:"estimator" json:"estimator"`
	Assembler pulse.AssemblerConfig `yaml:"assembler" json:"assembler"`
	Encoder   EncoderConfig         `yaml:"encoder" json:"encoder"`
	Transport transport.Config      `yaml:"transport" json:"transport"`
	Metrics   stats.Config          `yaml:"metrics" json:"metrics"`
}

// SourceConfig selects the sample source. Only the section matching Type is used.
type SourceConfig struct {
	Name                string            `yaml:"name" json:"name"`
	Type                DeviceType        `yaml:"type" json:"type"`
	BlockSamples        int               `yaml:"blockSamples" json:"blockSamples"`               // I/Q pairs per block (default: 128k)
	BlockBuffer         int               `yaml:"blockBuffer" json:"blockBuffer"`                 // Blocks queued between source and estimator (default: 4)
	ReadErrorsThreshold uint8             `yaml:"readErrorsThreshold" json:"readErrorsThreshold"` // Consecutive read errors tolerated (default: 5)
	RTLSDR              *rtl.Config       `yaml:"rtlsdr" json:"rtlsdr,omitempty"`
	HackRF              *hackrf.Config    `yaml:"hackrf" json:"hackrf,omitempty"`
	RTLTCP              *sdr.RTLTCPConfig `yaml:"rtltcp" json:"rtltcp,omitempty"`
	File                *FileConfig       `yaml:"file" json:"file,omitempty"`
}

// FileConfig describes a raw I/Q recording to replay
type FileConfig struct {
	Path         string           `yaml:"path" json:"path"`
	Format       sdr.SampleFormat `yaml:"format" json:"format"`
	SampleRate   uint32           `yaml:"sampleRate" json:"sampleRate"`
	CenterFreqHz float64          `yaml:"centerFreqHz" json:"centerFreqHz"`
}

func (c *FileConfig) Validate() error {
	if c.Path == "" {
		return errors.New("app.FileConfig: path is required")
	}
	if c.SampleRate == 0 {
		return errors.New("app.FileConfig: sample rate is required")
	}
	return c.Format.Validate()
}

func (c *FileConfig) tuning() sdr.Tuning {
	return sdr.Tuning{
		Format:       c.Format,
		SampleRate:   c.SampleRate,
		CenterFreqHz: c.CenterFreqHz,
	}
}

func (c *SourceConfig) Validate() error {
	if c.BlockSamples < 0 || c.BlockBuffer < 0 {
		return errors.New("app.SourceConfig: block samples and buffer cannot be negative")
	}

	var section interface{ Validate() error }
	switch c.Type {
	case DeviceRTLSDR:
		if c.RTLSDR != nil {
			section = c.RTLSDR
		}
	case DeviceHackRF:
		if c.HackRF != nil {
			section = c.HackRF
		}
	case DeviceRTLTCP:
		if c.RTLTCP != nil {
			section = c.RTLTCP
		}
	case DeviceFile:
		if c.File != nil {
			section = c.File
		}
	default:
		return fmt.Errorf("app.SourceConfig: unknown type '%s'", c.Type)
	}

	if section == nil {
		return fmt.Errorf("app.SourceConfig: missing '%s' section", c.Type)
	}
	return section.Validate()
}

func (c *SourceConfig) blockBuffer() int {
	if c.BlockBuffer == 0 {
		return defaultBlockBuffer
	}
	return c.BlockBuffer
}

// EncoderConfig controls the Signal Message form
type EncoderConfig struct {
	DisableCompact bool `yaml:"disableCompact" json:"disableCompact"` // Publish the verbose form only
}

func (c *Config) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	if err := c.Source.Validate(); err != nil {
		return err
	}
	if err := c.Estimator.Validate(); err != nil {
		return err
	}
	if err := c.Assembler.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}

// LoadConfig reads and validates the configuration file
func LoadConfig(path string) (*Config, error) {
	var c Config
	if err := config.Load(path, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
