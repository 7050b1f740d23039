package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/pulse-relay/internal/event"
	"github.com/roman-kulish/pulse-relay/internal/stats"
	"github.com/roman-kulish/pulse-relay/internal/storage"
)

func Run(ctx context.Context, config *Config, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	if config.SessionID == 0 {
		return listSessions(ctx, store, config, out)
	}
	return readEvents(ctx, store, config, out, logger)
}

func listSessions(ctx context.Context, store *storage.SqliteStore, config *Config, out io.Writer) error {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return err
	}

	type row struct {
		*event.Session
		Counts storage.Counts `json:"counts"`
	}

	rows := make([]row, len(sessions))
	for i, s := range sessions {
		counts, err := store.Counts(ctx, s.ID)
		if err != nil {
			return err
		}
		rows[i] = row{Session: s, Counts: counts}
	}

	if config.Format == OutputJSON {
		enc := json.NewEncoder(out)
		for _, r := range rows {
			if err = enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tTRANSPORT\tHOST\tEVENTS\tDETECTED\tUNKNOWN\tERRORS")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			humanize.Time(r.StartTime),
			r.Transport,
			r.Host,
			humanize.Comma(r.Counts.Total),
			humanize.Comma(r.Counts.Detected),
			humanize.Comma(r.Counts.Unknown),
			humanize.Comma(r.Counts.Errors))
	}
	return w.Flush()
}

func readEvents(ctx context.Context, store *storage.SqliteStore, config *Config, out io.Writer, logger *slog.Logger) error {
	var opts []storage.ReaderOption
	var filters []any
	switch {
	case config.MinTimestamp != nil && config.MaxTimestamp != nil:
		opts = append(opts, storage.WithTimeRange(config.MinTimestamp.UTC(), config.MaxTimestamp.UTC()))

		filters = append(filters,
			slog.String("minTimestamp", config.MinTimestamp.UTC().Format(time.DateTime)),
			slog.String("maxTimestamp", config.MaxTimestamp.UTC().Format(time.DateTime)))

	case config.MinTimestamp != nil:
		opts = append(opts, storage.WithStartTime(config.MinTimestamp.UTC()))
		filters = append(filters, slog.String("minTimestamp", config.MinTimestamp.UTC().Format(time.DateTime)))

	case config.MaxTimestamp != nil:
		opts = append(opts, storage.WithEndTime(config.MaxTimestamp.UTC()))
		filters = append(filters, slog.String("maxTimestamp", config.MaxTimestamp.UTC().Format(time.DateTime)))
	}

	if config.Queue != "" {
		opts = append(opts, storage.WithQueue(config.Queue))
		filters = append(filters, slog.String("queue", config.Queue))
	}
	if config.ErrorsOnly {
		opts = append(opts, storage.WithErrorsOnly())
		filters = append(filters, slog.Bool("errorsOnly", true))
	}

	logger.Debug("iterator configuration", filters...)

	iter, err := store.ReadEvents(ctx, config.SessionID, opts...)
	if err != nil {
		return err
	}
	defer iter.Close()

	write := textWriter(out)
	if config.Format == OutputJSON {
		write = jsonWriter(out)
	}

	var n int
	var first, last time.Time
	for (config.Limit == 0 || n < config.Limit) && iter.Next(ctx) {
		e := iter.Current()
		if n == 0 {
			first = e.Timestamp
		}
		last = e.Timestamp
		n++

		if err = write.event(e); err != nil {
			return err
		}
	}
	if err = iter.Error(); err != nil {
		return err
	}
	if err = write.flush(); err != nil {
		return err
	}

	session := iter.Session()
	logger.Info("finished reading events",
		slog.Group("stats",
			slog.Int64("session", session.ID),
			slog.String("host", session.Host),
			slog.String("events", humanize.Comma(int64(n))),
			slog.String("minTimestamp", first.Local().Format(time.DateTime)),
			slog.String("maxTimestamp", last.Local().Format(time.DateTime)),
		))

	return nil
}

type eventWriter struct {
	event func(e *event.Event) error
	flush func() error
}

func jsonWriter(out io.Writer) eventWriter {
	enc := json.NewEncoder(out)
	return eventWriter{
		event: func(e *event.Event) error { return enc.Encode(e) },
		flush: func() error { return nil },
	}
}

func textWriter(out io.Writer) eventWriter {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := false

	return eventWriter{
		event: func(e *event.Event) error {
			if !header {
				fmt.Fprintln(w, "TIME\tPACKAGE\tMOD\tPULSES\tFREQ\tRSSI\tPATH\tQUEUE\tRESULT")
				header = true
			}

			freq := "-"
			if e.FreqHz > 0 {
				freq = stats.HumanHz(e.FreqHz)
			}

			_, err := fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%0.1fdB\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.DateTime),
				e.PackageID,
				orDash(e.Modulation),
				e.Pulses,
				freq,
				e.RSSIdB,
				orDash(e.Path),
				orDash(e.Queue),
				result(e))
			return err
		},
		flush: w.Flush,
	}
}

// result summarises the devices of an event, or its error
func result(e *event.Event) string {
	if e.Error != nil {
		return "error: " + *e.Error
	}
	if !e.Detected() {
		return "-"
	}

	ids := make([]string, len(e.Devices))
	for i, d := range e.Devices {
		ids[i] = d.Decoder + ":" + d.ID
	}
	return strings.Join(ids, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
