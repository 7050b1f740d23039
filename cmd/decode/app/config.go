package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/config"
	"github.com/roman-kulish/pulse-relay/internal/decoder"
	"github.com/roman-kulish/pulse-relay/internal/stats"
	"github.com/roman-kulish/pulse-relay/internal/transport"
)

const (
	defaultBatchSize            = 10
	defaultReceiveTimeout       = 100 * time.Millisecond
	defaultIdleSleep            = 10 * time.Millisecond
	defaultErrorSleep           = 100 * time.Millisecond
	defaultMaxConsecutiveErrors = 1000
	defaultWarnEvery            = 100
	defaultReportInterval       = time.Minute
	defaultHubPath              = "/ws"
	defaultEventsFile           = "decode_events.sqlite"
)

// Config represents the decode server configuration
type Config struct {
	Settings   config.Settings          `yaml:"settings" json:"settings"`
	Transport  transport.Config         `yaml:"transport" json:"transport"`
	Server     ServerConfig             `yaml:"server" json:"server"`
	Dispatcher decoder.DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`
	Decoders   DecodersConfig           `yaml:"decoders" json:"decoders"`
	Storage    StorageConfig            `yaml:"storage" json:"storage"`
	Metrics    stats.Config             `yaml:"metrics" json:"metrics"`
	Hub        HubConfig                `yaml:"hub" json:"hub"`
}

// ServerConfig tunes the receive loop
type ServerConfig struct {
	BatchSize            int             `yaml:"batchSize" json:"batchSize"`                       // Messages per receive (default: 10)
	ReceiveTimeout       config.Duration `yaml:"receiveTimeout" json:"receiveTimeout"`             // Wait for the first message of a batch (default: 100ms)
	IdleSleep            config.Duration `yaml:"idleSleep" json:"idleSleep"`                       // Pause after a successful poll (default: 10ms)
	ErrorSleep           config.Duration `yaml:"errorSleep" json:"errorSleep"`                     // Pause after a failed poll (default: 100ms)
	MaxConsecutiveErrors int             `yaml:"maxConsecutiveErrors" json:"maxConsecutiveErrors"` // Failed polls tolerated in a row (default: 1000)
}

func (c *ServerConfig) Validate() error {
	if c.BatchSize < 0 || c.MaxConsecutiveErrors < 0 {
		return errors.New("app.ServerConfig: batch size and error threshold cannot be negative")
	}
	for _, d := range []config.Duration{c.ReceiveTimeout, c.IdleSleep, c.ErrorSleep} {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("app.ServerConfig: %w", err)
		}
	}
	return nil
}

func (c *ServerConfig) batchSize() int {
	if c.BatchSize == 0 {
		return defaultBatchSize
	}
	return c.BatchSize
}

func (c *ServerConfig) maxConsecutiveErrors() int {
	if c.MaxConsecutiveErrors == 0 {
		return defaultMaxConsecutiveErrors
	}
	return c.MaxConsecutiveErrors
}

// DecodersConfig lists the flex decoders in priority order. Inline specs come
// before the ones read from the INI file.
type DecodersConfig struct {
	Flex    []string `yaml:"flex" json:"flex"`       // n=name,m=OOK_PWM,s=...,l=...,r=...
	FlexINI string   `yaml:"flexIni" json:"flexIni"` // INI file with [decoder] sections
}

// StorageConfig represents the decode event store settings
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	DataDirectory string `yaml:"dataDirectory" json:"dataDirectory"` // default: data
	FileName      string `yaml:"fileName" json:"fileName"`           // default: decode_events.sqlite
}

// HubConfig lets demodulators publish over websocket straight into the
// server's queues
type HubConfig struct {
	Listen string `yaml:"listen" json:"listen"` // Empty disables the hub
	Path   string `yaml:"path" json:"path"`     // default: /ws
}

func (c *HubConfig) path() string {
	if c.Path == "" {
		return defaultHubPath
	}
	return c.Path
}

func (c *Config) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if c.Hub.Listen != "" && c.Transport.Kind == transport.KindWebSocket {
		return errors.New("app.Config: the hub needs local queues, it cannot front a websocket transport")
	}
	if len(c.Decoders.Flex) == 0 && c.Decoders.FlexINI == "" {
		return errors.New("app.Config: no decoders configured")
	}
	return nil
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
