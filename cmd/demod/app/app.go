package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/dsp"
	"github.com/roman-kulish/pulse-relay/internal/pulse"
	"github.com/roman-kulish/pulse-relay/internal/sdr"
	"github.com/roman-kulish/pulse-relay/internal/sdr/hackrf"
	"github.com/roman-kulish/pulse-relay/internal/sdr/rtl"
	"github.com/roman-kulish/pulse-relay/internal/signal"
	"github.com/roman-kulish/pulse-relay/internal/stats"
	"github.com/roman-kulish/pulse-relay/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	source, err := createSource(&config.Source, logger)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	base, err := transport.New(config.Transport)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	queues := transport.NewSupervisor(base, config.Transport.Supervisor, transport.WithSupervisorLogger(logger))
	defer queues.Close()

	if err = queues.Connect(ctx); err != nil {
		logger.Warn("transport is not available yet, will keep trying", slog.String("err", err.Error()))
	}

	counters := stats.NewClient(time.Now())

	if config.Metrics.Listen != "" {
		server, err := createMetricsServer(&config.Metrics, counters, queues, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Stop(ctx); err != nil {
				logger.Error(err.Error())
			}
		}()
	}

	// one ID generator per process
	var ids signal.IDGenerator

	pipeline := NewPipeline(
		source,
		dsp.NewEstimator(config.Estimator, dsp.WithLogger(logger)),
		pulse.NewAssembler(config.Assembler, pulse.WithAssemblerLogger(logger)),
		signal.NewEncoder(&ids, signal.WithCompact(!config.Encoder.DisableCompact)),
		queues,
		counters,
		WithLogger(logger),
		WithBlockBuffer(config.Source.blockBuffer()),
		WithReportInterval(config.Settings.ReportInterval.Or(defaultReportInterval)),
	)

	logger.Info("demodulator ready",
		slog.String("source", string(config.Source.Type)),
		slog.String("transport", string(config.Transport.Kind)),
		slog.String("output", transport.QueueSignals))

	err = pipeline.Run(ctx)

	logger.Info("demodulator shutting down...", slog.Uint64("lastPackageID", ids.Last()))
	pipeline.Report()

	return err
}

// createSource builds the configured sample source
func createSource(config *SourceConfig, logger *slog.Logger) (sdr.Source, error) {
	opts := []sdr.Option{
		sdr.WithLogger(logger),
		sdr.WithBlockSamples(config.BlockSamples),
	}
	if config.ReadErrorsThreshold > 0 {
		opts = append(opts, sdr.WithReadErrorsThreshold(config.ReadErrorsThreshold))
	}

	name := config.Name
	if name == "" {
		name = string(config.Type)
	}

	switch config.Type {
	case DeviceRTLSDR:
		handler, err := rtl.New(config.RTLSDR)
		if err != nil {
			return nil, fmt.Errorf("creating RTL-SDR device: %w", err)
		}
		return sdr.NewDevice(name, handler, opts...), nil

	case DeviceHackRF:
		handler, err := hackrf.New(config.HackRF)
		if err != nil {
			return nil, fmt.Errorf("creating HackRF device: %w", err)
		}
		return sdr.NewDevice(name, handler, opts...), nil

	case DeviceRTLTCP:
		return sdr.NewRTLTCPSource(*config.RTLTCP, opts...)

	case DeviceFile:
		return sdr.NewFileSource(config.File.Path, config.File.tuning(), opts...)

	default:
		return nil, fmt.Errorf("creating device: unknown type '%s'", config.Type)
	}
}

func createMetricsServer(config *stats.Config, counters *stats.Client, supervisor *transport.Supervisor, logger *slog.Logger) (*stats.HTTPServer, error) {
	exporter := stats.NewExporter(config.Namespace)
	if err := exporter.RegisterClient(counters); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := exporter.RegisterTransport(supervisor); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	server := stats.NewHTTPServer(config.Listen, stats.WithHTTPLogger(logger))
	server.Handle("/metrics", exporter.Handler())

	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return server, nil
}
