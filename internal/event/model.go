package event

import (
	"time"

	"github.com/roman-kulish/pulse-relay/internal/decoder"
	"github.com/roman-kulish/pulse-relay/internal/signal"
)

// Session represents a single run of the decode server
type Session struct {
	ID        int64     `json:"id"`                      // Unique identifier for the session
	StartTime time.Time `json:"startTime"`               // When the server started
	Transport string    `json:"transport"`               // Transport kind the server consumed from
	Host      string    `json:"host"`                    // Host name of the server
	Config    *string   `json:"config,string,omitempty"` // Optional server configuration in JSON format
}

// Event records what happened to one signal message
type Event struct {
	ID         int64           `json:"id"`
	SessionID  int64           `json:"sessionId"`
	Timestamp  time.Time       `json:"timestamp"`            // When the server handled the message
	PackageID  uint64          `json:"packageId"`            // Client assigned package ID, zero if unknown
	Modulation string          `json:"modulation,omitempty"` // OOK or FSK
	Pulses     int             `json:"pulses"`               // Pulse count of the verbose package
	FreqHz     float64         `json:"freqHz,omitempty"`     // Center frequency of the capture
	RSSIdB     float64         `json:"rssiDb,omitempty"`
	Path       string          `json:"path,omitempty"`  // compact or verbose
	Queue      string          `json:"queue,omitempty"` // Queue the message was routed to, empty on error
	Attempts   int             `json:"attempts"`        // Decoder invocations
	Devices    []signal.Device `json:"devices,omitempty"`
	Error      *string         `json:"error,omitempty"`
}

// Detected reports whether any device was decoded
func (e *Event) Detected() bool {
	return len(e.Devices) > 0
}

func fromMessage(m *signal.Message, at time.Time) *Event {
	e := Event{Timestamp: at.UTC()}
	if m != nil && m.Package != nil {
		e.PackageID = m.Package.ID
		e.Modulation = m.Package.Modulation.String()
		e.Pulses = len(m.Package.Pulses)
		e.FreqHz = m.Package.CenterFreqHz
		e.RSSIdB = m.Package.RSSIdB
	}
	return &e
}

// Routed records a dispatched message and the queue it went to
func Routed(m *signal.Message, o *decoder.Outcome, queue string, at time.Time) *Event {
	e := fromMessage(m, at)
	e.Queue = queue
	if o != nil {
		e.Path = string(o.Path)
		e.Attempts = o.Attempts
		if o.Detected() {
			e.Devices = o.Devices()
		}
	}
	return e
}

// Failed records a message which could not be decoded or routed. m may be nil
// when the payload did not parse.
func Failed(m *signal.Message, err error, at time.Time) *Event {
	e := fromMessage(m, at)
	msg := err.Error()
	e.Error = &msg
	return e
}
