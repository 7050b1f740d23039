package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/transport"
)

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

type OutputFormat string

var validOutputFormats = map[OutputFormat]struct{}{
	OutputText: {},
	OutputJSON: {},
}

type Config struct {
	DBPath       string
	SessionID    int64 // zero lists the sessions
	Queue        string
	ErrorsOnly   bool
	MinTimestamp *time.Time
	MaxTimestamp *time.Time
	Format       OutputFormat
	Limit        int
}

func NewConfig() *Config {
	return &Config{
		Format: OutputText,
	}
}

// NewConfigFromCLI parses the command line arguments, without the program name
func NewConfigFromCLI(args []string, output io.Writer) (*Config, error) {
	c := NewConfig()

	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(output)

	var format, from, to string
	fs.StringVar(&c.DBPath, "db", "", "Path to the decode events database")
	fs.Int64Var(&c.SessionID, "s", 0, "Session ID, lists the sessions when omitted")
	fs.StringVar(&c.Queue, "queue", "", "Only show events routed to this queue. [detected, unknown]")
	fs.BoolVar(&c.ErrorsOnly, "errors", false, "Only show events which failed")
	fs.StringVar(&from, "from", "", "Only show events handled at or after this local time (format 2006-01-02 15:04:05)")
	fs.StringVar(&to, "to", "", "Only show events handled at or before this local time (format 2006-01-02 15:04:05)")
	fs.StringVar(&format, "f", string(OutputText), "Output format. [text, json]")
	fs.IntVar(&c.Limit, "n", 0, "Stop after this many events")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c.Format = OutputFormat(format)

	var err error
	if c.MinTimestamp, err = parseTimestamp(from); err != nil {
		err = fmt.Errorf("invalid -from: %w", err)
	} else if c.MaxTimestamp, err = parseTimestamp(to); err != nil {
		err = fmt.Errorf("invalid -to: %w", err)
	} else if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if c.SessionID < 0 {
		err = errors.New("session id cannot be negative")
	} else if c.Limit < 0 {
		err = errors.New("limit cannot be negative")
	} else if c.Queue != "" && c.Queue != transport.QueueDetected && c.Queue != transport.QueueUnknown {
		err = fmt.Errorf("invalid queue: %s", c.Queue)
	} else if _, ok := validOutputFormats[c.Format]; !ok {
		err = fmt.Errorf("invalid output format: %s", format)
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	return c, nil
}

func parseTimestamp(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateTime, s, time.Local)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
