package transport

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultPollInterval is how often an empty sqlite queue is re-checked while waiting
const DefaultPollInterval = 50 * time.Millisecond

const initQueueSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    queue      TEXT      NOT NULL,
    payload    BLOB      NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages (queue, id);`

const insertMessageSQL = `
INSERT INTO messages (queue, payload)
VALUES (?, ?)`

const selectMessagesSQL = `
SELECT
    id,
    payload
FROM messages
WHERE
    queue = ?
ORDER BY id
LIMIT ?`

const deleteMessagesSQL = `
DELETE FROM messages
WHERE
    queue = ?
    AND id <= ?`

func WithPollInterval(d time.Duration) func(s *SQLite) {
	return func(s *SQLite) {
		s.poll = d
	}
}

// SQLite is a durable queue in a sqlite database file. Producers and consumers
// in different processes may share the same file.
type SQLite struct {
	path string
	poll time.Duration

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLite(path string, options ...func(s *SQLite)) *SQLite {
	s := SQLite{
		path: path,
		poll: DefaultPollInterval,
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

func (s *SQLite) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	// immediate transactions take the write lock up front, so two consumers
	// never select the same rows
	dsn := fmt.Sprintf("file:%s?%s", s.path, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("opening queue database: %w", err)
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("connecting to queue database: %w", err)
	}

	if _, err = db.ExecContext(ctx, initQueueSQL); err != nil {
		_ = db.Close()
		return fmt.Errorf("initializing queue schema: %w", err)
	}

	s.db = db
	return nil
}

func (s *SQLite) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

func (s *SQLite) Send(ctx context.Context, queue string, payload []byte) error {
	if err := validQueue(queue); err != nil {
		return err
	}

	db, err := s.conn()
	if err != nil {
		return err
	}

	if _, err = db.ExecContext(ctx, insertMessageSQL, queue, payload); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *SQLite) ReceiveBatch(ctx context.Context, queue string, max int, timeout time.Duration) ([][]byte, error) {
	if err := validQueue(queue); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = -1 // no limit
	}

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)

	for {
		batch, err := s.take(ctx, db, queue, max)
		if err != nil || len(batch) > 0 {
			return batch, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > s.poll {
			wait = s.poll
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// take selects and deletes the oldest messages in a single transaction
func (s *SQLite) take(ctx context.Context, db *sql.DB, queue string, max int) (batch [][]byte, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, selectMessagesSQL, queue, max)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	var lastID int64
	for rows.Next() {
		var payload []byte
		if err = rows.Scan(&lastID, &payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		batch = append(batch, payload)
	}
	if err = rows.Close(); err != nil {
		return nil, fmt.Errorf("closing rows: %w", err)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}

	if len(batch) == 0 {
		return nil, tx.Rollback()
	}

	if _, err = tx.ExecContext(ctx, deleteMessagesSQL, queue, lastID); err != nil {
		return nil, fmt.Errorf("deleting messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return batch, nil
}

// Len returns the number of messages waiting in the queue
func (s *SQLite) Len(ctx context.Context, queue string) (n int, err error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE queue = ?", queue).Scan(&n)
	return
}

func (s *SQLite) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return err
}
