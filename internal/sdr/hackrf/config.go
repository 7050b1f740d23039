package hackrf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxLNAGain  = 40
	MaxVGAGain  = 62
	LNAGainStep = 8
	VGAGainStep = 2

	SampleRateMin     = 2_000_000
	SampleRateMax     = 20_000_000
	DefaultSampleRate = 2_000_000
)

// Usage examples from man page:
// https://manpages.debian.org/bookworm/hackrf/hackrf_transfer.1.en.html

/*
	hackrfConfig := hackrf.Config{
        CenterFrequency: 433_920_000, // 433.92 MHz
        SampleRate:      2_000_000,   // 2 Msps
        LNAGain:         16,
        VGAGain:         20,
    }
    // Executes: hackrf_transfer -r - -f 433920000 -s 2000000 -l 16 -g 20
*/

// Config is a struct for configuring the `hackrf_transfer` tool in receive mode
type Config struct {
	// Required
	CenterFrequency int64 `yaml:"centerFrequency" json:"centerFrequency"` // -f freq_hz Frequency in Hz

	// Important but Optional (have reasonable defaults)
	SampleRate int64 `yaml:"sampleRate" json:"sampleRate"` // -s sample_rate_hz (default: 2 Msps here, 10 Msps in hackrf_transfer)
	LNAGain    *int  `yaml:"lnaGain" json:"lnaGain"`       // -l gain_db LNA (IF) gain, 0-40dB, 8dB steps
	VGAGain    *int  `yaml:"vgaGain" json:"vgaGain"`       // -g gain_db VGA (baseband) gain, 0-62dB, 2dB steps

	// Optional - Advanced Configuration
	SerialNumber string `yaml:"serialNumber" json:"serialNumber"` // -d serial_number Serial number of desired HackRF
	EnableAmp    bool   `yaml:"enableAmp" json:"enableAmp"`       // -a amp_enable RX RF amplifier 1=Enable, 0=Disable
	AntennaPower bool   `yaml:"antennaPower" json:"antennaPower"` // -p antenna_enable Antenna port power, 1=Enable, 0=Disable
	NumSamples   int64  `yaml:"numSamples" json:"numSamples"`     // -n num_samples Number of samples to transfer (default: unlimited)

	// Always dump to stdout
	// OutputFile   string // -r filename Output file
}

func (c *Config) sampleRate() int64 {
	if c.SampleRate == 0 {
		return DefaultSampleRate
	}
	return c.SampleRate
}

func (c *Config) Validate() error {
	if c.CenterFrequency <= 0 {
		return fmt.Errorf("hackrf.Config: centre frequency must be positive: %d", c.CenterFrequency)
	}

	if rate := c.sampleRate(); rate < SampleRateMin || rate > SampleRateMax {
		return fmt.Errorf("hackrf.Config: sample rate must be between 2 and 20 Msps: %d given", rate)
	}

	// LNA gain validation (0-40dB in 8dB steps)
	if c.LNAGain != nil {
		if *c.LNAGain < 0 || *c.LNAGain > MaxLNAGain {
			return fmt.Errorf("hackrf.Config: LNA gain must be between 0 and 40 dB: %d given", *c.LNAGain)
		}
		if *c.LNAGain%LNAGainStep != 0 {
			return errors.New("hackrf.Config: LNA gain must be a multiple of 8 dB")
		}
	}

	// VGA gain validation (0-62dB in 2dB steps)
	if c.VGAGain != nil {
		if *c.VGAGain < 0 || *c.VGAGain > MaxVGAGain {
			return fmt.Errorf("hackrf.Config: VGA gain must be between 0 and 62 dB: %d given", *c.VGAGain)
		}
		if *c.VGAGain%VGAGainStep != 0 {
			return errors.New("hackrf.Config: VGA gain must be a multiple of 2 dB")
		}
	}

	if c.NumSamples < 0 {
		return fmt.Errorf("hackrf.Config: number of samples cannot be negative: %d given", c.NumSamples)
	}

	return nil
}

// Args builds the command line arguments for `hackrf_transfer`
// See `man hackrf_transfer` for more information:
// https://manpages.debian.org/bookworm/hackrf/hackrf_transfer.1.en.html
func (c *Config) Args() ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	args := []string{
		"-r", "-", // Always dump to stdout
		"-f", strconv.FormatInt(c.CenterFrequency, 10),
		"-s", strconv.FormatInt(c.sampleRate(), 10),
	}

	if c.SerialNumber != "" {
		args = append(args, "-d", c.SerialNumber)
	}

	if c.LNAGain != nil {
		args = append(args, "-l", strconv.Itoa(*c.LNAGain))
	}

	if c.VGAGain != nil {
		args = append(args, "-g", strconv.Itoa(*c.VGAGain))
	}

	if c.EnableAmp {
		args = append(args, "-a", "1")
	}

	if c.AntennaPower {
		args = append(args, "-p", "1")
	}

	if c.NumSamples > 0 {
		args = append(args, "-n", strconv.FormatInt(c.NumSamples, 10))
	}

	return args, nil
}

func (c *Config) String() string {
	args, err := c.Args()
	if err != nil {
		return fmt.Sprintf("hackrf.Config: failed to build args: %s", err)
	}
	return fmt.Sprintf("%s %s", Runtime, strings.Join(args, " "))
}
