package sdr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

const DeviceFile = "file"

// FileSource replays a raw I/Q recording (for example one written by
// `rtl_sdr -s 250k capture.cu8`)
type FileSource struct {
	path   string
	tuning Tuning

	isSampling atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	options options
	logger  *slog.Logger
}

var _ Source = (*FileSource)(nil)

func NewFileSource(path string, tuning Tuning, opts ...Option) (*FileSource, error) {
	if err := tuning.Format.Validate(); err != nil {
		return nil, err
	}

	o := newOptions(opts)

	return &FileSource{
		path:    path,
		tuning:  tuning,
		options: o,
		logger:  o.logger.With(slog.String("device", DeviceFile), slog.String("path", path)),
	}, nil
}

// BeginSampling opens the recording and streams it in blocks. The returned
// channel is closed once the whole file has been delivered.
func (s *FileSource) BeginSampling(ctx context.Context, blocks chan<- *SampleBlock) (<-chan error, error) {
	if !s.isSampling.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("file source is already running")
	}

	f, err := os.Open(s.path)
	if err != nil {
		s.isSampling.Store(false)
		return nil, fmt.Errorf("opening recording: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	samplingStopped := make(chan error, 1)

	s.wg.Add(1)
	go func() {
		defer close(samplingStopped)
		defer s.wg.Done()
		defer s.isSampling.Store(false)
		defer f.Close()

		s.logger.Info("replaying recording...")

		if err := s.stream(ctx, f, blocks); err != nil {
			s.logger.Error(err.Error())
			samplingStopped <- err
			return
		}

		s.logger.Info("recording replayed")
	}()

	return samplingStopped, nil
}

func (s *FileSource) stream(ctx context.Context, r io.Reader, blocks chan<- *SampleBlock) error {
	return newBlockReader(r, s.tuning, DeviceFile, s.path, s.options).run(ctx, blocks)
}

func (s *FileSource) Stop() {
	if !s.isSampling.Load() {
		return
	}

	s.cancel()
	s.wg.Wait()
}

func (s *FileSource) IsSampling() bool {
	return s.isSampling.Load()
}
