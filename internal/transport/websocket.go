package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"
)

// DefaultRequestTimeout bounds one websocket request/response exchange
const DefaultRequestTimeout = 5 * time.Second

const (
	eventSend    = "send"
	eventReceive = "receive"
	eventAck     = "ack"
	eventBatch   = "batch"
	eventError   = "error"
)

// frame is the websocket wire unit. Each request is answered by exactly one
// response on the same connection.
type frame struct {
	EventType string   `json:"event_type"`
	Queue     string   `json:"queue,omitempty"`
	Payload   []byte   `json:"payload,omitempty"`
	Payloads  [][]byte `json:"payloads,omitempty"`
	Max       int      `json:"max,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RemoteError is an error reported by the hub. The connection stays usable.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "hub: " + e.Message
}

func WithRequestTimeout(d time.Duration) func(w *WebSocket) {
	return func(w *WebSocket) {
		w.timeout = d
	}
}

// WebSocket is a client transport talking to a Hub
type WebSocket struct {
	url     string
	origin  string
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket creates a client for the hub at rawURL. An empty origin is
// derived from the URL host.
func NewWebSocket(rawURL, origin string, options ...func(w *WebSocket)) *WebSocket {
	w := WebSocket{
		url:     rawURL,
		origin:  origin,
		timeout: DefaultRequestTimeout,
	}

	for _, option := range options {
		option(&w)
	}

	return &w
}

func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		return nil
	}

	origin := w.origin
	if origin == "" {
		u, err := url.Parse(w.url)
		if err != nil {
			return fmt.Errorf("parsing hub url: %w", err)
		}
		origin = fmt.Sprintf("http://%s/", u.Host)
	}

	cfg, err := websocket.NewConfig(w.url, origin)
	if err != nil {
		return fmt.Errorf("configuring websocket: %w", err)
	}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("dialing hub: %w", err)
	}

	w.conn = conn
	return nil
}

func (w *WebSocket) Send(ctx context.Context, queue string, payload []byte) error {
	if err := validQueue(queue); err != nil {
		return err
	}

	_, err := w.request(ctx, frame{EventType: eventSend, Queue: queue, Payload: payload}, eventAck, 0)
	return err
}

func (w *WebSocket) ReceiveBatch(ctx context.Context, queue string, max int, timeout time.Duration) ([][]byte, error) {
	if err := validQueue(queue); err != nil {
		return nil, err
	}

	req := frame{
		EventType: eventReceive,
		Queue:     queue,
		Max:       max,
		TimeoutMs: timeout.Milliseconds(),
	}

	resp, err := w.request(ctx, req, eventBatch, timeout)
	if err != nil {
		return nil, err
	}
	return resp.Payloads, nil
}

// request runs one exchange. Any I/O failure drops the connection so that the
// next Connect dials again.
func (w *WebSocket) request(ctx context.Context, req frame, expect string, wait time.Duration) (*frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil, ErrNotConnected
	}

	deadline := time.Now().Add(wait + w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetDeadline(deadline); err != nil {
		return nil, w.drop(fmt.Errorf("setting deadline: %w", err))
	}

	if err := websocket.JSON.Send(w.conn, req); err != nil {
		return nil, w.drop(fmt.Errorf("sending %s request: %w", req.EventType, err))
	}

	var resp frame
	if err := websocket.JSON.Receive(w.conn, &resp); err != nil {
		return nil, w.drop(fmt.Errorf("receiving %s response: %w", req.EventType, err))
	}

	switch resp.EventType {
	case expect:
		return &resp, nil
	case eventError:
		return nil, &RemoteError{Message: resp.Error}
	default:
		return nil, w.drop(fmt.Errorf("unexpected response %q to %s request", resp.EventType, req.EventType))
	}
}

func (w *WebSocket) drop(err error) error {
	_ = w.conn.Close()
	w.conn = nil
	return err
}

func (w *WebSocket) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}

	err := w.conn.Close()
	w.conn = nil
	return err
}

// MaxReceiveWait caps how long the hub holds a receive request open
const MaxReceiveWait = 30 * time.Second

func WithHubLogger(logger *slog.Logger) func(h *Hub) {
	return func(h *Hub) {
		h.logger = logger
	}
}

// Hub serves queues over websocket connections
type Hub struct {
	queues  Transport
	logger  *slog.Logger
	clients atomic.Int64
}

// NewHub exposes the queues to websocket clients. The queues must be
// connected for as long as the hub serves requests.
func NewHub(queues Transport, options ...func(h *Hub)) *Hub {
	h := Hub{
		queues: queues,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&h)
	}

	return &h
}

// Clients returns the number of open client connections
func (h *Hub) Clients() int64 {
	return h.clients.Load()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(h.serve).ServeHTTP(w, r)
}

func (h *Hub) serve(ws *websocket.Conn) {
	h.clients.Add(1)
	defer h.clients.Add(-1)

	remote := ws.Request().RemoteAddr
	h.logger.Debug("hub client connected", slog.String("remote", remote))

	ctx := ws.Request().Context()

	for {
		var req frame
		if err := websocket.JSON.Receive(ws, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("hub client read failed", slog.String("remote", remote), slog.String("err", err.Error()))
			}
			break
		}

		resp := h.handle(ctx, &req)

		if err := websocket.JSON.Send(ws, resp); err != nil {
			h.logger.Debug("hub client write failed", slog.String("remote", remote), slog.String("err", err.Error()))
			break
		}
	}

	h.logger.Debug("hub client disconnected", slog.String("remote", remote))
}

func (h *Hub) handle(ctx context.Context, req *frame) frame {
	switch req.EventType {
	case eventSend:
		if err := h.queues.Send(ctx, req.Queue, req.Payload); err != nil {
			return frame{EventType: eventError, Error: err.Error()}
		}
		return frame{EventType: eventAck}

	case eventReceive:
		wait := time.Duration(req.TimeoutMs) * time.Millisecond
		if wait < 0 {
			wait = 0
		}
		if wait > MaxReceiveWait {
			wait = MaxReceiveWait
		}

		batch, err := h.queues.ReceiveBatch(ctx, req.Queue, req.Max, wait)
		if err != nil {
			return frame{EventType: eventError, Error: err.Error()}
		}
		return frame{EventType: eventBatch, Payloads: batch}

	default:
		return frame{EventType: eventError, Error: fmt.Sprintf("unknown event type %q", req.EventType)}
	}
}
