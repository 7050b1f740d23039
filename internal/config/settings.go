package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

var validLogFormats = map[string]struct{}{
	LogFormatText: {},
	LogFormatJSON: {},
}

// Settings represents global application settings shared by every tool
type Settings struct {
	LogLevel       string   `yaml:"logLevel"`
	LogFormat      string   `yaml:"logFormat"`
	ReportInterval Duration `yaml:"reportInterval"`
}

func (s *Settings) Validate() error {
	if s.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
			return fmt.Errorf("config.Settings: invalid log level: %s", s.LogLevel)
		}
	}

	if s.LogFormat != "" {
		if _, ok := validLogFormats[s.LogFormat]; !ok {
			return fmt.Errorf("config.Settings: invalid log format: %s", s.LogFormat)
		}
	}

	if err := s.ReportInterval.Validate(); err != nil {
		return fmt.Errorf("config.Settings: invalid report interval: %w", err)
	}

	return nil
}

// NewLogger builds the process logger. The level is applied to the given
// LevelVar so it can be changed once the configuration has been loaded.
func NewLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ApplyLevel sets the level from its textual form. Empty keeps the current one.
func ApplyLevel(level *slog.LevelVar, text string) error {
	if text == "" {
		return nil
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(text)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	level.Set(l)
	return nil
}

// Load reads a YAML document from path into v
func Load(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	if err = decoder.Decode(v); err != nil {
		return fmt.Errorf("decoding config file: %w", err)
	}

	return nil
}
