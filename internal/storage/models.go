package storage

import (
	"database/sql"
	"time"
)

type sessionData struct {
	ID        int64
	StartTime time.Time
	Transport string
	Host      string
	Config    sql.NullString
}

type eventData struct {
	ID         int64
	SessionID  int64
	Timestamp  time.Time
	PackageID  int64
	Modulation sql.NullString
	Pulses     int
	FreqHz     sql.NullFloat64
	RSSIdB     sql.NullFloat64
	Path       sql.NullString
	Queue      sql.NullString
	Attempts   int
	Devices    sql.NullString
	Error      sql.NullString
}

// Counts summarises the events of one session
type Counts struct {
	Total    int64 `json:"total"`
	Detected int64 `json:"detected"`
	Unknown  int64 `json:"unknown"`
	Errors   int64 `json:"errors"`
}
