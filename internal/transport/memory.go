package transport

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process transport. It backs the websocket hub and tests.
type Memory struct {
	mu        sync.Mutex
	queues    map[string][][]byte
	notify    chan struct{} // closed and replaced on every send
	capacity  int
	connected bool
}

// NewMemory creates memory queues holding up to capacity payloads each.
// Zero capacity means unbounded.
func NewMemory(capacity int) *Memory {
	return &Memory{
		queues:   make(map[string][][]byte),
		notify:   make(chan struct{}),
		capacity: capacity,
	}
}

func (m *Memory) Connect(_ context.Context) error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Send(_ context.Context, queue string, payload []byte) error {
	if err := validQueue(queue); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.capacity > 0 && len(m.queues[queue]) >= m.capacity {
		return ErrQueueFull
	}

	m.queues[queue] = append(m.queues[queue], append([]byte(nil), payload...))

	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

func (m *Memory) ReceiveBatch(ctx context.Context, queue string, max int, timeout time.Duration) ([][]byte, error) {
	if err := validQueue(queue); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		batch, notify, err := m.take(queue, max)
		if err != nil || len(batch) > 0 {
			return batch, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

func (m *Memory) take(queue string, max int) ([][]byte, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, nil, ErrNotConnected
	}

	pending := m.queues[queue]
	n := len(pending)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil, m.notify, nil
	}

	batch := make([][]byte, n)
	copy(batch, pending[:n])
	m.queues[queue] = pending[n:]

	return batch, m.notify, nil
}

// Len returns the number of payloads waiting in the queue
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close disconnects the transport. Queued payloads are kept.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}
