package stats

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roman-kulish/pulse-relay/internal/transport"
)

// DefaultNamespace prefixes every exported metric
const DefaultNamespace = "pulse_relay"

var validNamespace = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config is the metrics endpoint configuration
type Config struct {
	Listen    string `yaml:"listen" json:"listen"`       // Address of the /metrics endpoint, empty disables it
	Namespace string `yaml:"namespace" json:"namespace"` // Metric name prefix (default: pulse_relay)
}

func (c *Config) Validate() error {
	if c.Namespace != "" && !validNamespace.MatchString(c.Namespace) {
		return fmt.Errorf("stats.Config: invalid namespace: %s", c.Namespace)
	}
	return nil
}

// Exporter publishes counters through a private registry. Counters are read
// at scrape time, so the hot path only touches atomics.
type Exporter struct {
	namespace string
	registry  *prometheus.Registry
}

func NewExporter(namespace string) *Exporter {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Exporter{namespace: namespace, registry: registry}
}

func (e *Exporter) counter(subsystem, name, help string, fn func() uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: e.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 {
		return float64(fn())
	})
}

// RegisterServer exports the decoding side counters
func (e *Exporter) RegisterServer(s *Server) error {
	return e.register(
		e.counter("server", "signals_received_total", "Signal messages taken from the signals queue", s.signalsReceived.Load),
		e.counter("server", "devices_decoded_total", "Device records produced by decoders", s.devicesDecoded.Load),
		e.counter("server", "unknown_signals_total", "Signal messages no decoder recognised", s.unknownSignals.Load),
		e.counter("server", "processing_errors_total", "Signal messages which failed to decode, route or persist", s.processingErrors.Load),
	)
}

// RegisterClient exports the demodulating side counters
func (e *Exporter) RegisterClient(c *Client) error {
	return e.register(
		e.counter("client", "blocks_processed_total", "Sample blocks run through the estimator", c.blocksProcessed.Load),
		e.counter("client", "packages_emitted_total", "Pulse packages published", c.packagesEmitted.Load),
		e.counter("client", "oversized_packages_total", "Pulse packages dropped for exceeding capacity", c.oversizedPackages.Load),
		e.counter("client", "send_failures_total", "Pulse packages which could not be published", c.sendFailures.Load),
	)
}

// RegisterTransport exports the counters of a supervised transport
func (e *Exporter) RegisterTransport(s interface{ Stats() transport.Stats }) error {
	return e.register(
		e.counter("transport", "sent_total", "Payloads sent", func() uint64 { return s.Stats().Sent }),
		e.counter("transport", "received_total", "Payloads received", func() uint64 { return s.Stats().Received }),
		e.counter("transport", "send_errors_total", "Failed or skipped sends", func() uint64 { return s.Stats().SendErrors }),
		e.counter("transport", "receive_errors_total", "Failed receives", func() uint64 { return s.Stats().ReceiveErrors }),
		e.counter("transport", "reconnections_total", "Connections re-established after a loss", func() uint64 { return s.Stats().Reconnections }),
	)
}

func (e *Exporter) register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := e.registry.Register(c); err != nil {
			return fmt.Errorf("registering metric: %w", err)
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus text format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for inspection
func (e *Exporter) Gatherer() prometheus.Gatherer {
	return e.registry
}
