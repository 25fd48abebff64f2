// Package sqlitelog records every accepted frame in a SQLite database.
package sqlitelog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"autorx-ng/internal/telemetry"
)

//go:embed schema.sql
var schemaSQL string

const insertFrameSQL = `
INSERT INTO frames (serial,
                    frame,
                    datetime,
                    received,
                    type,
                    freq_hz,
                    sdr,
                    latitude,
                    longitude,
                    altitude,
                    vel_h,
                    vel_v,
                    heading,
                    temp,
                    humidity,
                    batt,
                    sats)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectTrackSQL = `
SELECT frame, datetime, latitude, longitude, altitude
FROM frames
WHERE serial = ?
ORDER BY frame`

type Store struct {
	db *sql.DB

	closeOnce sync.Once
	closeErr  error
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, "_journal_mode=WAL&_synchronous=NORMAL"))
	if err != nil {
		return nil, fmt.Errorf("opening telemetry db: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Name() string { return "sqlite" }

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Upload writes frames in one transaction.
func (s *Store) Upload(ctx context.Context, frames []telemetry.Frame) (err error) {
	if len(frames) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertFrameSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, f := range frames {
		_, err = stmt.ExecContext(ctx,
			f.Serial, f.Sequence,
			f.Time.UTC().Format(time.RFC3339Nano),
			f.Received.UTC().Format(time.RFC3339Nano),
			f.Type, f.Freq, f.SDR,
			f.Lat, f.Lon, f.Alt,
			f.VelH, f.VelV, f.Heading,
			nullable(f.Temp), nullable(f.Humidity), nullable(f.Battery),
			f.Sats,
		)
		if err != nil {
			return fmt.Errorf("inserting frame %s/%d: %w", f.Serial, f.Sequence, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

type TrackPoint struct {
	Frame int       `json:"frame"`
	Time  time.Time `json:"datetime"`
	Lat   float64   `json:"lat"`
	Lon   float64   `json:"lon"`
	Alt   float64   `json:"alt"`
}

// Track returns the stored flight path of serial in frame order.
func (s *Store) Track(ctx context.Context, serial string) ([]TrackPoint, error) {
	rows, err := s.db.QueryContext(ctx, selectTrackSQL, serial)
	if err != nil {
		return nil, fmt.Errorf("querying track: %w", err)
	}
	defer rows.Close()

	var out []TrackPoint
	for rows.Next() {
		var p TrackPoint
		var ts string
		if err := rows.Scan(&p.Frame, &ts, &p.Lat, &p.Lon, &p.Alt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		p.Time, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
