package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roman-kulish/pulse-relay/internal/event"
)

// DefaultBatchSize is the number of events fetched per page
const DefaultBatchSize = 500

// EventReader provides an iterator-based interface for reading decode events
// with optional time and queue filtering.
type EventReader interface {
	// Session returns metadata about the decode session this reader is accessing.
	Session() *event.Session

	// Next advances the iterator and returns true if there is another event
	// to read, false when the iteration is complete or if an error occurred.
	Next(context.Context) bool

	// Current returns the current event in the iteration.
	// If called after Next() returns false, the behavior is undefined.
	Current() *event.Event

	// Error returns any error that occurred during iteration.
	// If Next() returns false, Error() should be checked to distinguish between
	// end of data and an error condition.
	Error() error

	// Close releases any resources associated with the reader.
	Close() error
}

// ReaderOption configures a SqliteEventReader with specific filtering criteria.
type ReaderOption func(*SqliteEventReader)

// WithStartTime excludes events handled before t
func WithStartTime(t time.Time) ReaderOption {
	return func(r *SqliteEventReader) {
		t = t.UTC()
		r.startTime = &t
	}
}

// WithEndTime excludes events handled after t
func WithEndTime(t time.Time) ReaderOption {
	return func(r *SqliteEventReader) {
		t = t.UTC()
		r.endTime = &t
	}
}

// WithTimeRange sets both start and end time filters.
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *SqliteEventReader) {
		WithStartTime(startTime)(r)
		WithEndTime(endTime)(r)
	}
}

// WithQueue keeps events routed to one queue
func WithQueue(queue string) ReaderOption {
	return func(r *SqliteEventReader) {
		r.queue = &queue
	}
}

// WithErrorsOnly keeps events which failed to decode or route
func WithErrorsOnly() ReaderOption {
	return func(r *SqliteEventReader) {
		r.errorsOnly = true
	}
}

// WithBatchSize sets how many events are fetched per query
func WithBatchSize(n int) ReaderOption {
	return func(r *SqliteEventReader) {
		r.batchSize = n
	}
}

func newSqliteEventReader(ctx context.Context, db *sql.DB, sessionID int64, opts ...ReaderOption) (*SqliteEventReader, error) {
	er := &SqliteEventReader{
		db:        db,
		sessionID: sessionID,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(er)
	}
	if err := er.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return er, nil
}

// SqliteEventReader implements EventReader for SQLite database backend. Pages
// are fetched by event ID, so events stored while reading are picked up and
// no page is read twice.
type SqliteEventReader struct {
	db *sql.DB

	sessionID int64
	session   *event.Session
	batchSize int

	startTime  *time.Time // Optional start of time range filter
	endTime    *time.Time // Optional end of time range filter
	queue      *string    // Optional queue filter
	errorsOnly bool

	query string
	args  []any

	lastID  int64
	page    []*event.Event
	current *event.Event
	done    bool
	err     error
}

var _ EventReader = (*SqliteEventReader)(nil)

func (er *SqliteEventReader) init(ctx context.Context) error {
	if er.db == nil {
		return errors.New("database connection required")
	}
	if er.sessionID <= 0 {
		return errors.New("session ID required")
	}
	if er.batchSize <= 0 {
		return fmt.Errorf("invalid batch size: %d", er.batchSize)
	}
	if er.startTime != nil && er.endTime != nil && er.startTime.After(*er.endTime) {
		return fmt.Errorf("start time %s is after end time %s", er.startTime, er.endTime)
	}

	session, err := querySession(ctx, er.db, er.sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	er.session = session

	er.buildQuery()
	return nil
}

func (er *SqliteEventReader) buildQuery() {
	var sb strings.Builder
	sb.WriteString(selectEventsSQL)

	if er.startTime != nil {
		sb.WriteString("\n    AND timestamp >= ?")
		er.args = append(er.args, *er.startTime)
	}
	if er.endTime != nil {
		sb.WriteString("\n    AND timestamp <= ?")
		er.args = append(er.args, *er.endTime)
	}
	if er.queue != nil {
		sb.WriteString("\n    AND queue = ?")
		er.args = append(er.args, *er.queue)
	}
	if er.errorsOnly {
		sb.WriteString("\n    AND error IS NOT NULL")
	}

	sb.WriteString("\nORDER BY id\nLIMIT ?")
	er.query = sb.String()
}

// fetch loads the next page after the last event read
func (er *SqliteEventReader) fetch(ctx context.Context) (err error) {
	args := make([]any, 0, len(er.args)+3)
	args = append(args, er.sessionID, er.lastID)
	args = append(args, er.args...)
	args = append(args, er.batchSize)

	rows, err := er.db.QueryContext(ctx, er.query, args...)
	if err != nil {
		return fmt.Errorf("querying events: %w", err)
	}
	defer closeWithError(rows, &err)

	er.page = er.page[:0]
	for rows.Next() {
		var data eventData
		err = rows.Scan(
			&data.ID,
			&data.SessionID,
			&data.Timestamp,
			&data.PackageID,
			&data.Modulation,
			&data.Pulses,
			&data.FreqHz,
			&data.RSSIdB,
			&data.Path,
			&data.Queue,
			&data.Attempts,
			&data.Devices,
			&data.Error,
		)
		if err != nil {
			return fmt.Errorf("scanning event: %w", err)
		}

		e, err := fromEventData(&data)
		if err != nil {
			return err
		}
		er.page = append(er.page, e)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("reading events: %w", err)
	}

	if len(er.page) < er.batchSize {
		er.done = true
	}
	if len(er.page) > 0 {
		er.lastID = er.page[len(er.page)-1].ID
	}
	return nil
}

func (er *SqliteEventReader) Session() *event.Session {
	return er.session
}

func (er *SqliteEventReader) Next(ctx context.Context) bool {
	if er.err != nil {
		return false
	}

	if len(er.page) == 0 {
		if er.done {
			er.current = nil
			return false
		}

		select {
		case <-ctx.Done():
			er.err = ctx.Err()
			return false
		default:
		}

		if er.err = er.fetch(ctx); er.err != nil {
			return false
		}
		if len(er.page) == 0 {
			er.current = nil
			return false
		}
	}

	er.current = er.page[0]
	er.page = er.page[1:]
	return true
}

func (er *SqliteEventReader) Current() *event.Event {
	return er.current
}

func (er *SqliteEventReader) Error() error {
	return er.err
}

func (er *SqliteEventReader) Close() error {
	er.page = nil
	er.current = nil
	er.done = true
	return nil
}
