// Package store persists session events and parameter history in a local
// SQLite database. The session manager writes lifecycle events, the
// subscription fan-out appends readings, and the HTTP API reads recent events
// back out.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"boilerbridge/internal/clock"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	category TEXT NOT NULL,
	action TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	serial TEXT NOT NULL,
	parameter TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_serial_param ON readings(serial, parameter, timestamp);
`

// Event is one recorded session or command event.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
}

// Reading is one historical parameter value.
type Reading struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Serial    string    `json:"serial"`
	Parameter string    `json:"parameter"`
	Value     string    `json:"value"`
}

// Store wraps the SQLite database. Write failures are logged, not returned:
// history is best-effort and must never take the session down with it.
type Store struct {
	db            *sql.DB
	logger        *zap.Logger
	clock         clock.Clock
	retentionDays int

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// Open opens (creating if needed) the database at path and starts the daily
// retention sweep. Readings older than retentionDays are deleted; events are
// kept indefinitely.
func Open(path string, retentionDays int, logger *zap.Logger) (*Store, error) {
	// SQLite works best as a single writer; the busy timeout covers the
	// occasional concurrent read from the API.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		db:            db,
		logger:        logger.Named("store"),
		clock:         clock.NewRealClock(),
		retentionDays: retentionDays,
		stopCh:        make(chan struct{}),
	}

	s.sweep()
	go s.retentionLoop()

	s.logger.Info("Database opened", zap.String("path", path),
		zap.Int("retention_days", retentionDays))
	return s, nil
}

// SetClock replaces the time source used for timestamps and the retention
// sweep.
func (s *Store) SetClock(c clock.Clock) {
	s.mu.Lock()
	s.clock = c
	s.mu.Unlock()
}

// clk reads the clock under the lock; the retention goroutine runs from Open
// while tests may still be swapping in a MockClock.
func (s *Store) clk() clock.Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// RecordEvent appends a session/command event.
func (s *Store) RecordEvent(category, action, details string) {
	_, err := s.db.Exec(
		"INSERT INTO events (timestamp, category, action, details) VALUES (?, ?, ?, ?)",
		s.clk().Now().UTC(), category, action, details)
	if err != nil {
		s.logger.Warn("Failed to record event",
			zap.String("category", category), zap.String("action", action), zap.Error(err))
	}
}

// RecordReading appends one parameter value to the history.
func (s *Store) RecordReading(serial, parameter, value string, at time.Time) {
	_, err := s.db.Exec(
		"INSERT INTO readings (timestamp, serial, parameter, value) VALUES (?, ?, ?, ?)",
		at.UTC(), serial, parameter, value)
	if err != nil {
		s.logger.Warn("Failed to record reading",
			zap.String("serial", serial), zap.String("parameter", parameter), zap.Error(err))
	}
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		"SELECT id, timestamp, category, action, details FROM events ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Category, &e.Action, &e.Details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Readings returns the history of one parameter, newest first.
func (s *Store) Readings(serial, parameter string, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		"SELECT id, timestamp, serial, parameter, value FROM readings WHERE serial = ? AND parameter = ? ORDER BY id DESC LIMIT ?",
		serial, parameter, limit)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Serial, &r.Parameter, &r.Value); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// retentionLoop re-runs the sweep once a day until Close.
func (s *Store) retentionLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.clk().After(24 * time.Hour):
			s.sweep()
		}
	}
}

// sweep deletes readings older than the retention window.
func (s *Store) sweep() {
	cutoff := s.clk().Now().UTC().AddDate(0, 0, -s.retentionDays)

	res, err := s.db.Exec("DELETE FROM readings WHERE timestamp < ?", cutoff)
	if err != nil {
		s.logger.Warn("Retention sweep failed", zap.Error(err))
		return
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		s.logger.Info("Retention sweep removed old readings", zap.Int64("deleted", deleted))
	}
}

// Close stops the retention sweep and closes the database. Safe to call more
// than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	return s.db.Close()
}
