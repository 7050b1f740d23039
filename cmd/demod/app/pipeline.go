package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/dsp"
	"github.com/roman-kulish/pulse-relay/internal/pulse"
	"github.com/roman-kulish/pulse-relay/internal/sdr"
	"github.com/roman-kulish/pulse-relay/internal/signal"
	"github.com/roman-kulish/pulse-relay/internal/stats"
	"github.com/roman-kulish/pulse-relay/internal/transport"
)

// WithLogger sets the logger for the pipeline
func WithLogger(logger *slog.Logger) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithReportInterval sets how often statistics are logged, zero disables the report
func WithReportInterval(d time.Duration) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.reportInterval = d
	}
}

// WithBlockBuffer sets how many blocks may wait between the source and the estimator
func WithBlockBuffer(n int) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.blockBuffer = n
	}
}

// Pipeline runs one acquisition session: sample blocks are demodulated,
// assembled into pulse packages and published on the signals queue
type Pipeline struct {
	source    sdr.Source
	estimator *dsp.Estimator
	assembler *pulse.Assembler
	encoder   *signal.Encoder
	queues    transport.Transport
	counters  *stats.Client

	blockBuffer    int
	reportInterval time.Duration
	logger         *slog.Logger
}

func NewPipeline(source sdr.Source, estimator *dsp.Estimator, assembler *pulse.Assembler, encoder *signal.Encoder, queues transport.Transport, counters *stats.Client, options ...func(p *Pipeline)) *Pipeline {
	p := Pipeline{
		source:         source,
		estimator:      estimator,
		assembler:      assembler,
		encoder:        encoder,
		queues:         queues,
		counters:       counters,
		blockBuffer:    defaultBlockBuffer,
		reportInterval: defaultReportInterval,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// Run samples until the context is cancelled or the source finishes. Blocks
// already delivered by a finished source are still processed.
func (p *Pipeline) Run(ctx context.Context) error {
	blocks := make(chan *sdr.SampleBlock, p.blockBuffer)

	done, err := p.source.BeginSampling(ctx, blocks)
	if err != nil {
		return fmt.Errorf("starting source: %w", err)
	}
	defer p.assembler.Reset()

	var report <-chan time.Time
	if p.reportInterval > 0 {
		ticker := time.NewTicker(p.reportInterval)
		defer ticker.Stop()
		report = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			p.source.Stop()
			return nil

		case block := <-blocks:
			p.process(ctx, block)

		case err, ok := <-done:
			for len(blocks) > 0 {
				p.process(ctx, <-blocks)
			}
			if ok && err != nil {
				return fmt.Errorf("sampling stopped: %w", err)
			}
			return nil

		case <-report:
			p.Report()
		}
	}
}

// Report logs the counters
func (p *Pipeline) Report() {
	var ts transport.Stats
	if sv, ok := p.queues.(interface{ Stats() transport.Stats }); ok {
		ts = sv.Stats()
	}
	stats.LogClient(p.logger, p.counters.Snapshot(time.Now()), ts)
}

func (p *Pipeline) process(ctx context.Context, block *sdr.SampleBlock) {
	frame, err := p.estimator.Process(block)
	if err != nil {
		p.logger.Debug("skipping block", slog.Uint64("seq", block.Seq), slog.String("err", err.Error()))
		return
	}
	p.counters.BlockProcessed()

	if frame.Process {
		p.logger.Debug("block",
			slog.Uint64("seq", frame.Seq),
			slog.String("avg", fmt.Sprintf("%0.1fdB", frame.AvgDB)),
			slog.String("noise", fmt.Sprintf("%0.1fdB", frame.NoiseDB)))
	}

	if err = p.assembler.Process(frame, func(pkg *pulse.Package) error {
		return p.publish(ctx, pkg)
	}); err != nil {
		p.logger.Warn(err.Error())
	}

	p.counters.SetOversized(p.assembler.Stats().Oversized)
}

// publish encodes a package and sends it. The transport supervisor owns
// reconnects, a failed send is counted and the package dropped.
func (p *Pipeline) publish(ctx context.Context, pkg *pulse.Package) error {
	m, data, err := p.encoder.Encode(pkg)
	if err != nil {
		return fmt.Errorf("encoding package: %w", err)
	}
	p.counters.PackageEmitted()

	if err = p.queues.Send(ctx, transport.QueueSignals, data); err != nil {
		p.counters.SendFailed()
		return fmt.Errorf("publishing package %d: %w", pkg.ID, err)
	}

	p.logger.Debug("package published",
		slog.Uint64("packageID", pkg.ID),
		slog.String("modulation", pkg.Modulation.String()),
		slog.Int("pulses", pkg.NumPulses()),
		slog.String("freq", stats.HumanHz(pkg.CenterFreqHz)),
		slog.String("rssi", fmt.Sprintf("%0.1fdB", pkg.RSSIdB)),
		slog.Bool("compact", m.HasCompact()))

	return nil
}
