package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/decoder"
	"github.com/roman-kulish/pulse-relay/internal/stats"
	"github.com/roman-kulish/pulse-relay/internal/storage"
	"github.com/roman-kulish/pulse-relay/internal/transport"
)

const (
	storageDir      = "data"
	shutdownTimeout = 5 * time.Second
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	start := time.Now()

	registry, err := createRegistry(&config.Decoders)
	if err != nil {
		return fmt.Errorf("failed to create decoders: %w", err)
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

	counters := stats.NewServer(start)
	dispatcher := decoder.NewDispatcher(registry, config.Dispatcher, decoder.WithLogger(logger))

	options := []func(*Server){
		WithLogger(logger),
		WithReportInterval(config.Settings.ReportInterval.Or(defaultReportInterval)),
	}

	if config.Storage.Enabled {
		store, err := createStorage(&config.Storage)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		defer store.Close()

		host, _ := os.Hostname()
		sessionID, err := store.CreateSession(ctx, string(config.Transport.Kind), host, config)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		logger.Info("recording decode events", slog.Int64("sessionID", sessionID))

		options = append(options, WithStore(store, sessionID))
	}

	servers, err := createHTTPServers(config, base, queues, counters, logger)
	if err != nil {
		return err
	}
	defer stopHTTPServers(servers, logger)

	logger.Info("decode server ready",
		slog.Int("decoders", registry.Len()),
		slog.String("transport", string(config.Transport.Kind)),
		slog.String("input", transport.QueueSignals),
		slog.String("detected", transport.QueueDetected),
		slog.String("unknown", transport.QueueUnknown))

	server := NewServer(queues, dispatcher, counters, config.Server, options...)
	err = server.Run(ctx)

	logger.Info("decode server shutting down...",
		slog.Uint64("throttled", dispatcher.Throttle().Rejected()))
	server.Report()
	if wErr := stats.WriteServer(os.Stdout, counters.Snapshot(time.Now())); wErr != nil {
		logger.Error(wErr.Error())
	}

	return err
}

// createRegistry builds the flex decoders in configuration order
func createRegistry(config *DecodersConfig) (*decoder.Registry, error) {
	registry, err := decoder.NewRegistry()
	if err != nil {
		return nil, err
	}

	for _, spec := range config.Flex {
		d, err := decoder.New(decoder.FlexType, spec)
		if err != nil {
			return nil, err
		}
		if err = registry.Add(d); err != nil {
			return nil, err
		}
	}

	if config.FlexINI != "" {
		specs, err := decoder.LoadFlexINI(config.FlexINI)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			d, err := decoder.NewFlex(spec)
			if err != nil {
				return nil, err
			}
			if err = registry.Add(d); err != nil {
				return nil, err
			}
		}
	}

	if registry.Len() == 0 {
		return nil, errors.New("no decoders specified on configuration")
	}
	return registry, nil
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	dir := config.DataDirectory
	if dir == "" {
		dir = storageDir
	}
	if !filepath.IsAbs(dir) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		dir = filepath.Join(wd, dir)
	}

	stat, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dir, err)
		}
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dir)
	}

	name := config.FileName
	if name == "" {
		name = defaultEventsFile
	}

	return storage.NewSqliteStore(filepath.Join(dir, name)), nil
}

// createHTTPServers starts the metrics endpoint and the websocket hub. Both
// share one server when they listen on the same address.
func createHTTPServers(config *Config, queues transport.Transport, supervisor *transport.Supervisor, counters *stats.Server, logger *slog.Logger) ([]*stats.HTTPServer, error) {
	byAddr := make(map[string]*stats.HTTPServer)
	var servers []*stats.HTTPServer

	serverFor := func(addr string) *stats.HTTPServer {
		if s, ok := byAddr[addr]; ok {
			return s
		}
		s := stats.NewHTTPServer(addr, stats.WithHTTPLogger(logger))
		byAddr[addr] = s
		servers = append(servers, s)
		return s
	}

	if config.Metrics.Listen != "" {
		exporter := stats.NewExporter(config.Metrics.Namespace)
		if err := exporter.RegisterServer(counters); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		if err := exporter.RegisterTransport(supervisor); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		serverFor(config.Metrics.Listen).Handle("/metrics", exporter.Handler())
	}

	if config.Hub.Listen != "" {
		hub := transport.NewHub(queues, transport.WithHubLogger(logger))
		serverFor(config.Hub.Listen).Handle(config.Hub.path(), hub)
	}

	for i, s := range servers {
		if err := s.Start(); err != nil {
			stopHTTPServers(servers[:i], logger)
			return nil, fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	return servers, nil
}

func stopHTTPServers(servers []*stats.HTTPServer, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, s := range servers {
		if err := s.Stop(ctx); err != nil {
			logger.Error(err.Error())
		}
	}
}
