package stats

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/transport"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestServer_Snapshot(t *testing.T) {
	s := NewServer(start)

	for i := 0; i < 10; i++ {
		s.SignalReceived()
	}
	s.Decoded(3)
	s.Decoded(3)
	s.Unknown()
	s.Unknown()
	s.Error()

	snap := s.Snapshot(start.Add(2 * time.Minute))

	if snap.SignalsReceived != 10 || snap.DevicesDecoded != 6 || snap.UnknownSignals != 2 || snap.ProcessingErrors != 1 {
		t.Errorf("Unexpected counters %+v", snap)
	}
	if snap.Uptime != 2*time.Minute {
		t.Errorf("Expected 2m uptime, got %s", snap.Uptime)
	}
	if rate := snap.SignalsPerMinute(); rate != 5 {
		t.Errorf("Expected 5 signals/min, got %f", rate)
	}

	p, ok := snap.Recognition()
	if !ok || math.Abs(p-75) > 1e-9 {
		t.Errorf("Expected 75%% recognition, got %f (%v)", p, ok)
	}
}

func TestServerSnapshot_Edges(t *testing.T) {
	tests := []struct {
		name     string
		snapshot ServerSnapshot
		rate     float64
		ok       bool
	}{
		{name: "empty", snapshot: ServerSnapshot{Uptime: time.Minute}, rate: 0, ok: false},
		{name: "just started", snapshot: ServerSnapshot{SignalsReceived: 10, UnknownSignals: 10}, rate: 0, ok: true},
		{name: "all unknown", snapshot: ServerSnapshot{Uptime: time.Minute, SignalsReceived: 4, UnknownSignals: 4}, rate: 4, ok: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rate := tc.snapshot.SignalsPerMinute(); rate != tc.rate {
				t.Errorf("Expected rate %f, got %f", tc.rate, rate)
			}
			if _, ok := tc.snapshot.Recognition(); ok != tc.ok {
				t.Errorf("Expected ok=%v, got %v", tc.ok, ok)
			}
		})
	}
}

func TestClient_Snapshot(t *testing.T) {
	c := NewClient(start)

	c.BlockProcessed()
	c.BlockProcessed()
	for i := 0; i < 30; i++ {
		c.PackageEmitted()
	}
	c.SetOversized(4)
	c.SendFailed()

	snap := c.Snapshot(start.Add(30 * time.Second))
	if snap.BlocksProcessed != 2 || snap.PackagesEmitted != 30 || snap.OversizedPackages != 4 || snap.SendFailures != 1 {
		t.Errorf("Unexpected counters %+v", snap)
	}
	if rate := snap.PackagesPerMinute(); rate != 60 {
		t.Errorf("Expected 60 packages/min, got %f", rate)
	}
}

func TestWriteServer(t *testing.T) {
	snap := ServerSnapshot{
		StartTime:        start,
		Uptime:           90 * time.Minute,
		SignalsReceived:  12345,
		DevicesDecoded:   1000,
		UnknownSignals:   3000,
		ProcessingErrors: 7,
	}

	var buf bytes.Buffer
	if err := WriteServer(&buf, snap); err != nil {
		t.Fatalf("Failed to write report: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Uptime:            1h30m0s",
		"Signals received:  12,345",
		"Devices decoded:   1,000",
		"Unknown signals:   3,000",
		"Processing errors: 7",
		"Recognition:       25%",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected report to contain %q, got:\n%s", want, out)
		}
	}
}

func TestLogServer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogServer(logger, ServerSnapshot{Uptime: time.Minute, SignalsReceived: 1234}, transport.Stats{Sent: 5, Reconnections: 1})

	out := buf.String()
	for _, want := range []string{"stats.signals=1,234", "stats.recognition=n/a", "transport.sent=5", "transport.reconnections=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log to contain %q, got: %s", want, out)
		}
	}
}

func TestHumanHz(t *testing.T) {
	tests := []struct {
		hz   float64
		want string
	}{
		{hz: 433.92e6, want: "433.92 MHz"},
		{hz: 868.3e6, want: "868.30 MHz"},
		{hz: 250e3, want: "250.00 kHz"},
	}

	for _, tc := range tests {
		if got := HumanHz(tc.hz); got != tc.want {
			t.Errorf("Expected %s, got %s", tc.want, got)
		}
	}
}

type fixedStats struct{}

func (fixedStats) Stats() transport.Stats {
	return transport.Stats{Sent: 11, Reconnections: 2}
}

func TestExporter(t *testing.T) {
	s := NewServer(start)
	s.SignalReceived()
	s.SignalReceived()
	s.Decoded(1)

	c := NewClient(start)
	c.PackageEmitted()

	e := NewExporter("")
	if err := e.RegisterServer(s); err != nil {
		t.Fatalf("Failed to register server metrics: %v", err)
	}
	if err := e.RegisterClient(c); err != nil {
		t.Fatalf("Failed to register client metrics: %v", err)
	}
	if err := e.RegisterTransport(fixedStats{}); err != nil {
		t.Fatalf("Failed to register transport metrics: %v", err)
	}

	if err := e.RegisterServer(s); err == nil {
		t.Error("Expected an error registering the same metrics twice")
	}

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Failed to scrape: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}

	for _, want := range []string{
		"pulse_relay_server_signals_received_total 2",
		"pulse_relay_server_devices_decoded_total 1",
		"pulse_relay_client_packages_emitted_total 1",
		"pulse_relay_transport_sent_total 11",
		"pulse_relay_transport_reconnections_total 2",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected scrape to contain %q", want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	for _, ns := range []string{"", "pulse", "rf_433"} {
		c := Config{Namespace: ns}
		if err := c.Validate(); err != nil {
			t.Errorf("Expected %q to be valid, got %v", ns, err)
		}
	}
	for _, ns := range []string{"9lives", "pulse-relay"} {
		c := Config{Namespace: ns}
		if err := c.Validate(); err == nil {
			t.Errorf("Expected %q to be invalid", ns)
		}
	}
}
