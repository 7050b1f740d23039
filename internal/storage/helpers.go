package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roman-kulish/pulse-relay/internal/event"
	"github.com/roman-kulish/pulse-relay/internal/signal"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && cErr != sql.ErrTxDone && *err == nil {
		*err = cErr
	}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}

func toConfigData(config any) (configData sql.NullString, err error) {
	if config == nil {
		return
	}

	switch v := config.(type) {
	case string:
		configData.String = v
	case []byte:
		configData.String = string(v)
	default:
		var p []byte
		if p, err = json.Marshal(config); err != nil {
			return configData, fmt.Errorf("marshaling config: %w", err)
		}
		configData.String = string(p)
	}

	configData.Valid = true
	return
}

func toEventData(sessionID int64, e *event.Event) (*eventData, error) {
	data := eventData{
		SessionID:  sessionID,
		Timestamp:  e.Timestamp.UTC(),
		PackageID:  int64(e.PackageID),
		Modulation: toNullString(e.Modulation),
		Pulses:     e.Pulses,
		FreqHz:     toNullFloat(e.FreqHz),
		RSSIdB:     toNullFloat(e.RSSIdB),
		Path:       toNullString(e.Path),
		Queue:      toNullString(e.Queue),
		Attempts:   e.Attempts,
	}

	if len(e.Devices) > 0 {
		p, err := json.Marshal(e.Devices)
		if err != nil {
			return nil, fmt.Errorf("marshaling devices: %w", err)
		}
		data.Devices = sql.NullString{String: string(p), Valid: true}
	}

	if e.Error != nil {
		data.Error = sql.NullString{String: *e.Error, Valid: true}
	}

	return &data, nil
}

func fromEventData(data *eventData) (*event.Event, error) {
	e := event.Event{
		ID:         data.ID,
		SessionID:  data.SessionID,
		Timestamp:  data.Timestamp,
		PackageID:  uint64(data.PackageID),
		Modulation: data.Modulation.String,
		Pulses:     data.Pulses,
		FreqHz:     data.FreqHz.Float64,
		RSSIdB:     data.RSSIdB.Float64,
		Path:       data.Path.String,
		Queue:      data.Queue.String,
		Attempts:   data.Attempts,
	}

	if data.Devices.Valid {
		var devices []signal.Device
		if err := json.Unmarshal([]byte(data.Devices.String), &devices); err != nil {
			return nil, fmt.Errorf("unmarshaling devices of event %d: %w", data.ID, err)
		}
		e.Devices = devices
	}

	if data.Error.Valid {
		msg := data.Error.String
		e.Error = &msg
	}

	return &e, nil
}

func fromSessionData(data *sessionData) *event.Session {
	s := event.Session{
		ID:        data.ID,
		StartTime: data.StartTime,
		Transport: data.Transport,
		Host:      data.Host,
	}
	if data.Config.Valid {
		s.Config = &data.Config.String
	}
	return &s
}
