package stats

import (
	"sync/atomic"
	"time"
)

// Server counts what the decoding side did with the signals it received
type Server struct {
	start time.Time

	signalsReceived  atomic.Uint64
	devicesDecoded   atomic.Uint64
	unknownSignals   atomic.Uint64
	processingErrors atomic.Uint64
}

func NewServer(start time.Time) *Server {
	return &Server{start: start}
}

func (s *Server) SignalReceived() {
	s.signalsReceived.Add(1)
}

// Decoded counts the device records produced for one signal
func (s *Server) Decoded(devices int) {
	s.devicesDecoded.Add(uint64(devices))
}

func (s *Server) Unknown() {
	s.unknownSignals.Add(1)
}

func (s *Server) Error() {
	s.processingErrors.Add(1)
}

// ServerSnapshot is a consistent-enough copy of the server counters
type ServerSnapshot struct {
	StartTime        time.Time     `json:"startTime"`
	Uptime           time.Duration `json:"uptime"`
	SignalsReceived  uint64        `json:"signalsReceived"`
	DevicesDecoded   uint64        `json:"devicesDecoded"`
	UnknownSignals   uint64        `json:"unknownSignals"`
	ProcessingErrors uint64        `json:"processingErrors"`
}

func (s *Server) Snapshot(now time.Time) ServerSnapshot {
	return ServerSnapshot{
		StartTime:        s.start,
		Uptime:           now.Sub(s.start),
		SignalsReceived:  s.signalsReceived.Load(),
		DevicesDecoded:   s.devicesDecoded.Load(),
		UnknownSignals:   s.unknownSignals.Load(),
		ProcessingErrors: s.processingErrors.Load(),
	}
}

// SignalsPerMinute is zero until a second of uptime has passed
func (s ServerSnapshot) SignalsPerMinute() float64 {
	if s.Uptime < time.Second {
		return 0
	}
	return float64(s.SignalsReceived) * 60 / s.Uptime.Seconds()
}

// Recognition returns decoded devices as a percentage of decoded devices
// plus unknown signals. ok is false when there is nothing to compare.
func (s ServerSnapshot) Recognition() (percent float64, ok bool) {
	total := s.DevicesDecoded + s.UnknownSignals
	if total == 0 {
		return 0, false
	}
	return float64(s.DevicesDecoded) * 100 / float64(total), true
}

// Client counts the demodulating side
type Client struct {
	start time.Time

	blocksProcessed   atomic.Uint64
	packagesEmitted   atomic.Uint64
	oversizedPackages atomic.Uint64
	sendFailures      atomic.Uint64
}

func NewClient(start time.Time) *Client {
	return &Client{start: start}
}

func (c *Client) BlockProcessed() {
	c.blocksProcessed.Add(1)
}

func (c *Client) PackageEmitted() {
	c.packagesEmitted.Add(1)
}

// SetOversized records the running oversized package count reported by the assembler
func (c *Client) SetOversized(n uint64) {
	c.oversizedPackages.Store(n)
}

func (c *Client) SendFailed() {
	c.sendFailures.Add(1)
}

type ClientSnapshot struct {
	StartTime         time.Time     `json:"startTime"`
	Uptime            time.Duration `json:"uptime"`
	BlocksProcessed   uint64        `json:"blocksProcessed"`
	PackagesEmitted   uint64        `json:"packagesEmitted"`
	OversizedPackages uint64        `json:"oversizedPackages"`
	SendFailures      uint64        `json:"sendFailures"`
}

func (c *Client) Snapshot(now time.Time) ClientSnapshot {
	return ClientSnapshot{
		StartTime:         c.start,
		Uptime:            now.Sub(c.start),
		BlocksProcessed:   c.blocksProcessed.Load(),
		PackagesEmitted:   c.packagesEmitted.Load(),
		OversizedPackages: c.oversizedPackages.Load(),
		SendFailures:      c.sendFailures.Load(),
	}
}

func (c ClientSnapshot) PackagesPerMinute() float64 {
	if c.Uptime < time.Second {
		return 0
	}
	return float64(c.PackagesEmitted) * 60 / c.Uptime.Seconds()
}
