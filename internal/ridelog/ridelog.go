// Package ridelog persists received telemetry to a SQLite ride log, one row
// per decoded sample. All SQL runs through a trace-level statement logger.
package ridelog

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ebikelink/internal/client"
)

// schemaStatements run one by one on open; each is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS samples (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		time           TEXT NOT NULL,
		field          TEXT NOT NULL,
		characteristic TEXT NOT NULL,
		value          REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS samples_time_idx ON samples (time)`,
}

const insertSampleSQL = `INSERT INTO samples (time, field, characteristic, value) VALUES (?, ?, ?, ?)`

// Config parametrizes a ride log.
type Config struct {
	// Path is the SQLite file path, or ":memory:" for an in-memory log.
	Path string

	Logger *logrus.Logger
}

// Log is an append-only ride log backed by SQLite.
type Log struct {
	db     *sql.DB
	insert *sql.Stmt
}

// Entry is one persisted sample, newest-first order from Tail.
type Entry struct {
	Time           time.Time
	Field          string
	Characteristic string
	Value          float64
}

// Open opens or creates the ride log at cfg.Path and ensures the schema
// exists.
func Open(cfg Config) (*Log, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	dsn, err := buildDSN(cfg.Path)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(NewTraceConnector(dsn, logger))

	// A single writer connection. SQLite serializes writes anyway, and the
	// :memory: DSN yields a fresh empty database per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ride log open: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ride log schema: %w", err)
		}
	}

	insert, err := db.Prepare(insertSampleSQL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ride log prepare: %w", err)
	}

	return &Log{db: db, insert: insert}, nil
}

func buildDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("ride log path is empty")
	}
	if path == ":memory:" {
		return path, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Append writes one sample row.
func (l *Log) Append(rec client.Record) error {
	ts := rec.Time.UTC().Format(time.RFC3339Nano)
	_, err := l.insert.Exec(ts, rec.Field.String(), rec.Field.UUID().String(), rec.Value)
	if err != nil {
		return fmt.Errorf("ride log append: %w", err)
	}
	return nil
}

// Count returns the number of persisted samples.
func (l *Log) Count() (int64, error) {
	var n int64
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ride log count: %w", err)
	}
	return n, nil
}

// Tail returns up to limit samples, newest first.
func (l *Log) Tail(limit int) ([]Entry, error) {
	rows, err := l.db.Query(`SELECT time, field, characteristic, value FROM samples ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ride log tail: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&ts, &e.Field, &e.Characteristic, &e.Value); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		e.Time = t
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database.
func (l *Log) Close() error {
	if l.insert != nil {
		_ = l.insert.Close()
	}
	return l.db.Close()
}
