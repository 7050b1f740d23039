package app

import (
	"io"
	"testing"
	"time"
)

func TestNewConfigFromCLI(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    Config
		wantErr bool
	}{
		{
			name: "sessions",
			args: []string{"-db", "events.sqlite"},
			want: Config{DBPath: "events.sqlite", Format: OutputText},
		},
		{
			name: "filtered events",
			args: []string{"-db", "events.sqlite", "-s", "3", "-queue", "unknown", "-errors", "-f", "json", "-n", "50"},
			want: Config{DBPath: "events.sqlite", SessionID: 3, Queue: "unknown", ErrorsOnly: true, Format: OutputJSON, Limit: 50},
		},
		{name: "missing db", args: []string{"-s", "1"}, wantErr: true},
		{name: "negative session", args: []string{"-db", "x", "-s", "-1"}, wantErr: true},
		{name: "negative limit", args: []string{"-db", "x", "-n", "-5"}, wantErr: true},
		{name: "bad queue", args: []string{"-db", "x", "-queue", "signals"}, wantErr: true},
		{name: "bad format", args: []string{"-db", "x", "-f", "csv"}, wantErr: true},
		{name: "bad timestamp", args: []string{"-db", "x", "-from", "yesterday"}, wantErr: true},
		{name: "unknown flag", args: []string{"-db", "x", "-z"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewConfigFromCLI(tc.args, io.Discard)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected an error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to parse arguments: %v", err)
			}
			if *got != tc.want {
				t.Errorf("Expected %+v, got %+v", tc.want, *got)
			}
		})
	}
}

func TestNewConfigFromCLI_Timestamps(t *testing.T) {
	got, err := NewConfigFromCLI([]string{"-db", "x", "-s", "1", "-from", "2024-05-01 12:00:00", "-to", "2024-05-01 13:30:00"}, io.Discard)
	if err != nil {
		t.Fatalf("Failed to parse arguments: %v", err)
	}

	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	to := time.Date(2024, 5, 1, 13, 30, 0, 0, time.Local)
	if got.MinTimestamp == nil || !got.MinTimestamp.Equal(from) {
		t.Errorf("Expected from %s, got %v", from, got.MinTimestamp)
	}
	if got.MaxTimestamp == nil || !got.MaxTimestamp.Equal(to) {
		t.Errorf("Expected to %s, got %v", to, got.MaxTimestamp)
	}
}
