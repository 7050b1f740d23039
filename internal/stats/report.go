package stats

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/pulse-relay/internal/transport"
)

// HumanHz formats a frequency with an SI prefix, e.g. "433.92 MHz"
func HumanHz(hz float64) string {
	fract, suffix := humanize.ComputeSI(hz)
	return fmt.Sprintf("%0.2f %sHz", fract, suffix)
}

func count(n uint64) string {
	return humanize.Comma(int64(n))
}

func uptime(d time.Duration) string {
	return d.Round(time.Second).String()
}

func (s ServerSnapshot) recognition() string {
	p, ok := s.Recognition()
	if !ok {
		return "n/a"
	}
	return humanize.FtoaWithDigits(p, 1) + "%"
}

// LogServer writes one periodic report line
func LogServer(logger *slog.Logger, s ServerSnapshot, t transport.Stats) {
	logger.Info("statistics",
		slog.Group("stats",
			slog.String("uptime", uptime(s.Uptime)),
			slog.String("signals", count(s.SignalsReceived)),
			slog.String("decoded", count(s.DevicesDecoded)),
			slog.String("unknown", count(s.UnknownSignals)),
			slog.String("errors", count(s.ProcessingErrors)),
			slog.String("rate", humanize.FormatFloat("#,###.##", s.SignalsPerMinute())+"/min"),
			slog.String("recognition", s.recognition())),
		transportGroup(t))
}

// LogClient writes one periodic report line
func LogClient(logger *slog.Logger, c ClientSnapshot, t transport.Stats) {
	logger.Info("statistics",
		slog.Group("stats",
			slog.String("uptime", uptime(c.Uptime)),
			slog.String("blocks", count(c.BlocksProcessed)),
			slog.String("packages", count(c.PackagesEmitted)),
			slog.String("oversized", count(c.OversizedPackages)),
			slog.String("sendFailures", count(c.SendFailures)),
			slog.String("rate", humanize.FormatFloat("#,###.##", c.PackagesPerMinute())+"/min")),
		transportGroup(t))
}

func transportGroup(t transport.Stats) slog.Attr {
	return slog.Group("transport",
		slog.Uint64("sent", t.Sent),
		slog.Uint64("received", t.Received),
		slog.Uint64("sendErrors", t.SendErrors),
		slog.Uint64("receiveErrors", t.ReceiveErrors),
		slog.Uint64("reconnections", t.Reconnections))
}

// WriteServer prints the final report, one counter per line
func WriteServer(w io.Writer, s ServerSnapshot) error {
	lines := []struct {
		label string
		value string
	}{
		{"Started", humanize.Time(s.StartTime)},
		{"Uptime", uptime(s.Uptime)},
		{"Signals received", count(s.SignalsReceived)},
		{"Devices decoded", count(s.DevicesDecoded)},
		{"Unknown signals", count(s.UnknownSignals)},
		{"Processing errors", count(s.ProcessingErrors)},
		{"Rate", humanize.FormatFloat("#,###.##", s.SignalsPerMinute()) + " signals/min"},
		{"Recognition", s.recognition()},
	}

	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%-18s %s\n", l.label+":", l.value); err != nil {
			return err
		}
	}
	return nil
}
