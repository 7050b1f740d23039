package storage

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    start_time TIMESTAMP NOT NULL,
    transport  TEXT      NOT NULL,
    host       TEXT      NOT NULL,
    config     TEXT
);

CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  INTEGER   NOT NULL REFERENCES sessions (id),
    timestamp   TIMESTAMP NOT NULL,
    package_id  INTEGER   NOT NULL,
    modulation  TEXT,
    pulses      INTEGER   NOT NULL,
    freq_hz     REAL,
    rssi_db     REAL,
    path        TEXT,
    queue       TEXT,
    attempts    INTEGER   NOT NULL,
    devices     TEXT,
    error       TEXT
);`

// indexes are built when the writer closes, keeping inserts cheap while the
// server runs
const initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_events_session_time ON events (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_session_queue ON events (session_id, queue);`

const insertSessionSQL = `
INSERT INTO sessions (
                      start_time,
                      transport,
                      host,
                      config)
VALUES (?, ?, ?, ?)`

const selectSessionSQL = `
SELECT
    id,
    start_time,
    transport,
    host,
    config
FROM sessions
WHERE
    id = ?`

const selectSessionsSQL = `
SELECT
    id,
    start_time,
    transport,
    host,
    config
FROM sessions
ORDER BY start_time, id`

const insertEventSQL = `
    INSERT INTO events (
        session_id,
        timestamp,
        package_id,
        modulation,
        pulses,
        freq_hz,
        rssi_db,
        path,
        queue,
        attempts,
        devices,
        error
    )
    VALUES `

const eventPlaceholder = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

// sqlite allows 32766 host parameters per statement
const maxEventsPerInsert = 1000

const selectEventsSQL = `
SELECT
    id,
    session_id,
    timestamp,
    package_id,
    modulation,
    pulses,
    freq_hz,
    rssi_db,
    path,
    queue,
    attempts,
    devices,
    error
FROM events
WHERE
    session_id = ?
    AND id > ?`

const countEventsSQL = `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN queue = 'detected' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN queue = 'unknown' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END), 0)
FROM events
WHERE
    session_id = ?`
