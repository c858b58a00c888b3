// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package recorder logs published odometry and scans to SQLite so runs can
// be replayed or inspected offline.
package recorder

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relabs-tech/mbot_sim/internal/messages"
)

// schema.sql creates the runs, odometry and scans tables.
//
//go:embed schema.sql
var schemaSQL string

// Recorder writes one run's messages. It is safe for concurrent use.
type Recorder struct {
	db    *sql.DB
	runID string
}

// Open creates or reuses the database at path and starts a new run.
func Open(ctx context.Context, path, mapFile string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	// One writer avoids SQLITE_BUSY between the scan and render loops.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: apply schema: %w", err)
	}

	r := &Recorder{db: db, runID: uuid.NewString()}
	_, err = db.ExecContext(ctx,
		`INSERT INTO runs (id, map_file, started_at) VALUES (?, ?, ?)`,
		r.runID, mapFile, time.Now().UnixMicro())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: start run: %w", err)
	}
	return r, nil
}

// RunID identifies this run's rows.
func (r *Recorder) RunID() string { return r.runID }

// RecordOdometry stores one odometry message.
func (r *Recorder) RecordOdometry(ctx context.Context, o messages.Odometry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO odometry (run_id, utime, x, y, theta) VALUES (?, ?, ?, ?, ?)`,
		r.runID, o.Timestamp, o.X, o.Y, o.Theta)
	if err != nil {
		return fmt.Errorf("recorder: insert odometry: %w", err)
	}
	return nil
}

// RecordScan stores one scan message stamped with utime.
func (r *Recorder) RecordScan(ctx context.Context, utime int64, l messages.Lidar) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("recorder: encode scan: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO scans (run_id, utime, num_ranges, payload) VALUES (?, ?, ?, ?)`,
		r.runID, utime, l.NumRanges, string(payload))
	if err != nil {
		return fmt.Errorf("recorder: insert scan: %w", err)
	}
	return nil
}

// Odometry returns this run's odometry in time order.
func (r *Recorder) Odometry(ctx context.Context) ([]messages.Odometry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT utime, x, y, theta FROM odometry WHERE run_id = ? ORDER BY utime, id`, r.runID)
	if err != nil {
		return nil, fmt.Errorf("recorder: query odometry: %w", err)
	}
	defer rows.Close()

	var out []messages.Odometry
	for rows.Next() {
		var o messages.Odometry
		if err := rows.Scan(&o.Timestamp, &o.X, &o.Y, &o.Theta); err != nil {
			return nil, fmt.Errorf("recorder: scan odometry row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Scans returns this run's scans in time order.
func (r *Recorder) Scans(ctx context.Context) ([]messages.Lidar, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM scans WHERE run_id = ? ORDER BY utime, id`, r.runID)
	if err != nil {
		return nil, fmt.Errorf("recorder: query scans: %w", err)
	}
	defer rows.Close()

	var out []messages.Lidar
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("recorder: scan scans row: %w", err)
		}
		l, err := messages.DecodeLidar([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Close marks the run finished and closes the database.
func (r *Recorder) Close() error {
	_, err := r.db.Exec(`UPDATE runs SET ended_at = ? WHERE id = ?`, time.Now().UnixMicro(), r.runID)
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("recorder: close: %w", err)
	}
	return nil
}
