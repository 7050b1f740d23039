package storage

import (
	"context"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/pulse-relay/internal/event"
)

// Store provides an interface for persisting decode server sessions and the
// events recorded while they run. Write operations are atomic.
type Store interface {
	// CreateSession starts a new decode session and returns its unique identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - transport: Transport kind the server consumes from (e.g., "sqlite", "websocket")
	//   - host: Host name of the server
	//   - config: Optional server configuration. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - sessionID: Unique identifier for the created session
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, transport, host string, config any) (sessionID int64, err error)

	// Session retrieves a decode session by its ID.
	Session(ctx context.Context, id int64) (session *event.Session, err error)

	// Sessions returns all sessions ordered by start time.
	Sessions(ctx context.Context) (sessions []*event.Session, err error)

	// StoreEvents saves a batch of events for a session in a single transaction.
	// Event IDs are assigned by the store and are increasing within a session.
	StoreEvents(ctx context.Context, sessionID int64, events []*event.Event) error

	// Close releases all database connections. It is safe to call Close
	// multiple times.
	Close() error
}
