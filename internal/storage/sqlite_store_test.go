package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/event"
	"github.com/roman-kulish/pulse-relay/internal/signal"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *SqliteStore {
	t.Helper()

	s := NewSqliteStore(filepath.Join(t.TempDir(), "events.db"))
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return s
}

func testEvents() []*event.Event {
	failure := "malformed signal message: missing count"

	return []*event.Event{
		{
			Timestamp:  base,
			PackageID:  1,
			Modulation: "OOK",
			Pulses:     75,
			FreqHz:     433.92e6,
			RSSIdB:     -3.5,
			Path:       "compact",
			Queue:      "detected",
			Attempts:   4,
			Devices: []signal.Device{
				{Decoder: "doorbell", ID: "a5c3e1", Confidence: 1, Fields: map[string]any{"bits": float64(24)}},
			},
		},
		{Timestamp: base.Add(time.Second), PackageID: 2, Modulation: "FSK", Pulses: 120, Path: "verbose", Queue: "unknown", Attempts: 6},
		{Timestamp: base.Add(2 * time.Second), Error: &failure},
		{Timestamp: base.Add(3 * time.Second), PackageID: 4, Modulation: "OOK", Pulses: 12, Path: "compact", Queue: "unknown", Attempts: 4},
		{Timestamp: base.Add(4 * time.Second), PackageID: 5, Modulation: "OOK", Pulses: 30, Path: "compact", Queue: "detected", Attempts: 1,
			Devices: []signal.Device{{Decoder: "remote", ID: "b0"}}},
	}
}

func readAll(t *testing.T, s *SqliteStore, sessionID int64, opts ...ReaderOption) []*event.Event {
	t.Helper()

	ctx := context.Background()

	r, err := s.ReadEvents(ctx, sessionID, opts...)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer r.Close()

	var out []*event.Event
	for r.Next(ctx) {
		out = append(out, r.Current())
	}
	if err = r.Error(); err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	return out
}

func packageIDs(events []*event.Event) []uint64 {
	ids := make([]uint64, len(events))
	for i, e := range events {
		ids[i] = e.PackageID
	}
	return ids
}

func TestSqliteStore_Sessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "sqlite", "decoder-1", map[string]any{"logLevel": "debug"})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	second, err := s.CreateSession(ctx, "websocket", "decoder-2", nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	sess, err := s.Session(ctx, first)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if sess.Transport != "sqlite" || sess.Host != "decoder-1" {
		t.Errorf("Unexpected session %+v", sess)
	}
	if sess.Config == nil || *sess.Config != `{"logLevel":"debug"}` {
		t.Errorf("Unexpected config %v", sess.Config)
	}
	if sess.StartTime.IsZero() {
		t.Error("Expected a start time")
	}

	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != first || sessions[1].ID != second {
		t.Errorf("Unexpected sessions %+v", sessions)
	}
	if sessions[1].Config != nil {
		t.Error("Expected no config for the second session")
	}

	if _, err = s.Session(ctx, 999); err == nil {
		t.Error("Expected an error for a missing session")
	}
}

func TestSqliteStore_Events(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "memory", "test", nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if err = s.StoreEvents(ctx, sessionID, testEvents()); err != nil {
		t.Fatalf("Failed to store events: %v", err)
	}

	events := readAll(t, s, sessionID)
	if len(events) != 5 {
		t.Fatalf("Expected 5 events, got %d", len(events))
	}

	first := events[0]
	if first.SessionID != sessionID || first.Modulation != "OOK" || first.Pulses != 75 || first.FreqHz != 433.92e6 {
		t.Errorf("Unexpected first event %+v", first)
	}
	if !first.Timestamp.Equal(base) {
		t.Errorf("Expected timestamp %s, got %s", base, first.Timestamp)
	}
	if !first.Detected() || first.Devices[0].ID != "a5c3e1" || first.Devices[0].Fields["bits"] != float64(24) {
		t.Errorf("Unexpected devices %+v", first.Devices)
	}

	failed := events[2]
	if failed.Error == nil || failed.Queue != "" || failed.Modulation != "" {
		t.Errorf("Unexpected failed event %+v", failed)
	}

	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Errorf("Expected increasing IDs, got %d after %d", events[i].ID, events[i-1].ID)
		}
	}

	counts, err := s.Counts(ctx, sessionID)
	if err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if counts != (Counts{Total: 5, Detected: 2, Unknown: 2, Errors: 1}) {
		t.Errorf("Unexpected counts %+v", counts)
	}
}

func TestSqliteStore_ReadFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "memory", "test", nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	other, err := s.CreateSession(ctx, "memory", "other", nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if err = s.StoreEvents(ctx, sessionID, testEvents()); err != nil {
		t.Fatalf("Failed to store events: %v", err)
	}
	if err = s.StoreEvents(ctx, other, testEvents()[:1]); err != nil {
		t.Fatalf("Failed to store events: %v", err)
	}

	tests := []struct {
		name string
		opts []ReaderOption
		want []uint64
	}{
		{name: "all", want: []uint64{1, 2, 0, 4, 5}},
		{name: "detected", opts: []ReaderOption{WithQueue("detected")}, want: []uint64{1, 5}},
		{name: "unknown", opts: []ReaderOption{WithQueue("unknown")}, want: []uint64{2, 4}},
		{name: "errors", opts: []ReaderOption{WithErrorsOnly()}, want: []uint64{0}},
		{name: "from", opts: []ReaderOption{WithStartTime(base.Add(3 * time.Second))}, want: []uint64{4, 5}},
		{name: "range", opts: []ReaderOption{WithTimeRange(base.Add(time.Second), base.Add(3*time.Second))}, want: []uint64{2, 0, 4}},
		{name: "paged", opts: []ReaderOption{WithBatchSize(2)}, want: []uint64{1, 2, 0, 4, 5}},
		{name: "paged exact", opts: []ReaderOption{WithBatchSize(5)}, want: []uint64{1, 2, 0, 4, 5}},
		{name: "paged filtered", opts: []ReaderOption{WithBatchSize(1), WithQueue("unknown")}, want: []uint64{2, 4}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := packageIDs(readAll(t, s, sessionID, tc.opts...))
			if len(got) != len(tc.want) {
				t.Fatalf("Expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("Expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestSqliteStore_ReaderErrors(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "memory", "test", nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	tests := []struct {
		name      string
		sessionID int64
		opts      []ReaderOption
	}{
		{name: "missing session", sessionID: 42},
		{name: "zero session", sessionID: 0},
		{name: "bad batch", sessionID: sessionID, opts: []ReaderOption{WithBatchSize(0)}},
		{name: "inverted range", sessionID: sessionID, opts: []ReaderOption{WithTimeRange(base.Add(time.Hour), base)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.ReadEvents(ctx, tc.sessionID, tc.opts...); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestSqliteStore_ReaderCancelled(t *testing.T) {
	s := newStore(t)

	sessionID, err := s.CreateSession(context.Background(), "memory", "test", nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if err = s.StoreEvents(context.Background(), sessionID, testEvents()); err != nil {
		t.Fatalf("Failed to store events: %v", err)
	}

	r, err := s.ReadEvents(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if r.Next(ctx) {
		t.Error("Expected Next to stop on a cancelled context")
	}
	if r.Error() == nil {
		t.Error("Expected the cancellation to be reported")
	}
}

func TestSqliteStore_Close(t *testing.T) {
	s := NewSqliteStore(filepath.Join(t.TempDir(), "events.db"))

	if _, err := s.CreateSession(context.Background(), "memory", "test", nil); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if err := s.StoreEvents(context.Background(), 1, nil); err != nil {
		t.Errorf("Expected an empty batch to be a no-op, got %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected a second Close to be a no-op, got %v", err)
	}
}
