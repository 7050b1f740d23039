package rtl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roman-kulish/pulse-relay/internal/sdr/driver"
)

const (
	SampleRateMin     = 225_001
	SampleRateMax     = 3_200_000
	DefaultSampleRate = 250_000

	// rtl_sdr rejects output block sizes outside this range
	BlockSizeMin = 512
	BlockSizeMax = 256 * 16384
)

// Usage examples from man page:
// https://manpages.debian.org/bookworm/rtl-sdr/rtl_sdr.1.en.html

/*
Example 1: ISM band, automatic gain
    rtlConfig := rtl.Config{
        CenterFrequency: 433_920_000, // 433.92 MHz
        SampleRate:      250_000,     // 250 kHz
    }
    // Executes: rtl_sdr -f 433920000 -s 250000 -d 0 -

Example 2: 868 MHz with manual gain and frequency correction
    rtlConfig := rtl.Config{
        CenterFrequency: 868_300_000,
        SampleRate:      1_024_000,
        Gain:            40,
        PPMError:        -2,
    }
    // Executes: rtl_sdr -f 868300000 -s 1024000 -d 0 -g 40 -p -2 -
*/

// Config is the `rtl_sdr` tool configuration
type Config struct {
	// Required
	CenterFrequency int64 `yaml:"centerFrequency" json:"centerFrequency"` // -f frequency to tune to (Hz)

	// Common Optional Parameters
	SampleRate  int64 `yaml:"sampleRate" json:"sampleRate"`   // -s samplerate (default: 250000 here, 2048000 in rtl_sdr)
	DeviceIndex int   `yaml:"deviceIndex" json:"deviceIndex"` // -d device_index (default: 0)
	Gain        int   `yaml:"gain" json:"gain"`               // -g gain (default: 0 for auto)
	PPMError    int   `yaml:"ppmError" json:"ppmError"`       // -p ppm_error (default: 0)

	// Advanced Options
	BlockSize int  `yaml:"blockSize" json:"blockSize"` // -b output_block_size (default: 16 * 16384)
	SyncMode  bool `yaml:"syncMode" json:"syncMode"`   // -S force sync output (default: async)
	BiasTee   bool `yaml:"biasTee" json:"biasTee"`     // -T enable bias-tee (default: off)
}

func (c *Config) sampleRate() int64 {
	if c.SampleRate == 0 {
		return DefaultSampleRate
	}
	return c.SampleRate
}

func (c *Config) Validate() error {
	if c.CenterFrequency <= 0 {
		return driver.NewConfigError(fmt.Sprintf("rtl.Config: centre frequency must be positive: %d", c.CenterFrequency))
	}

	if rate := c.sampleRate(); rate < SampleRateMin || rate > SampleRateMax {
		return driver.NewConfigError(fmt.Sprintf("rtl.Config: invalid sample rate: %d, must be between %d and %d Hz", rate, SampleRateMin, SampleRateMax))
	}

	if c.DeviceIndex < 0 {
		return driver.NewConfigError(fmt.Sprintf("rtl.Config: device index cannot be negative: %d given", c.DeviceIndex))
	}

	if c.Gain < 0 || c.Gain > 50 {
		return driver.NewConfigError(fmt.Sprintf("rtl.Config: gain must be between 0 and 50 dB: %d given", c.Gain))
	}

	if c.BlockSize != 0 && (c.BlockSize < BlockSizeMin || c.BlockSize > BlockSizeMax) {
		return driver.NewConfigError(fmt.Sprintf("rtl.Config: block size must be between %d and %d: %d given", BlockSizeMin, BlockSizeMax, c.BlockSize))
	}

	return nil
}

// Args returns the command line arguments for `rtl_sdr`
// See `man rtl_sdr` for more information:
// https://manpages.debian.org/bookworm/rtl-sdr/rtl_sdr.1.en.html
func (c *Config) Args() ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	args := []string{
		"-f", strconv.FormatInt(c.CenterFrequency, 10),
		"-s", strconv.FormatInt(c.sampleRate(), 10),
		"-d", strconv.Itoa(c.DeviceIndex), // 0 is the default device index
	}

	if c.Gain > 0 {
		args = append(args, "-g", strconv.Itoa(c.Gain))
	}

	if c.PPMError != 0 {
		args = append(args, "-p", strconv.Itoa(c.PPMError))
	}

	if c.BlockSize > 0 {
		args = append(args, "-b", strconv.Itoa(c.BlockSize))
	}

	if c.SyncMode {
		args = append(args, "-S")
	}

	if c.BiasTee {
		args = append(args, "-T")
	}

	args = append(args, "-") // Always dump to stdout

	return args, nil
}

func (c *Config) String() string {
	args, err := c.Args()
	if err != nil {
		return fmt.Sprintf("rtl.Config: failed to build args: %s", err)
	}
	return fmt.Sprintf("%s %s", Runtime, strings.Join(args, " "))
}
