// Package audit keeps a sqlite history of completed refresh and push
// operations, one row per run, with a rolling retention cap.
package audit

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultRetainRows caps the history table; the oldest rows are pruned as
// new ones land.
const defaultRetainRows = 10000

// Entry is one recorded operation.
type Entry struct {
	ID         int64  `json:"id"`
	TsMs       int64  `json:"ts_ms"`
	Operation  string `json:"operation"`
	OrgID      string `json:"org_id"`
	Rulesets   int    `json:"rulesets"`
	Rules      int    `json:"rules"`
	DurationMs int64  `json:"duration_ms"`
	Outcome    string `json:"outcome"`
}

// ListFilter narrows History queries.
type ListFilter struct {
	OrgID     string
	Operation string
	Limit     int
}

// Log records operation history in a sqlite database. It implements the
// engine's Recorder interface; recording failures are logged, never
// propagated, since history must not break reconciliation.
type Log struct {
	db     *sql.DB
	retain int
}

// Open opens (creating and migrating if necessary) the history database.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: exec %q on %s: %w", p, path, err)
		}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db, retain: defaultRetainRows}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: init migration source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("audit: init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("audit: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// RecordRefresh records a completed (or failed) refresh.
func (l *Log) RecordRefresh(orgID string, rulesets, rules int, took time.Duration, opErr error) {
	l.record("refresh", orgID, rulesets, rules, took, opErr)
}

// RecordPush records a completed (or failed) push. rulesets counts the
// ledger entries fully reconciled.
func (l *Log) RecordPush(orgID string, rulesets int, took time.Duration, opErr error) {
	l.record("push", orgID, rulesets, 0, took, opErr)
}

func (l *Log) record(operation, orgID string, rulesets, rules int, took time.Duration, opErr error) {
	outcome := "ok"
	if opErr != nil {
		outcome = opErr.Error()
	}
	_, err := l.db.Exec(
		`INSERT INTO history (ts_ms, operation, org_id, rulesets, rules, duration_ms, outcome)
		 VALUES (?,?,?,?,?,?,?)`,
		time.Now().UnixMilli(), operation, orgID, rulesets, rules, took.Milliseconds(), outcome,
	)
	if err != nil {
		log.Printf("[audit] warning: record %s for org %s failed: %v", operation, orgID, err)
		return
	}
	l.prune()
}

func (l *Log) prune() {
	_, err := l.db.Exec(
		`DELETE FROM history WHERE id NOT IN (SELECT id FROM history ORDER BY id DESC LIMIT ?)`,
		l.retain,
	)
	if err != nil {
		log.Printf("[audit] warning: prune history failed: %v", err)
	}
}

// List returns history entries, newest first.
func (l *Log) List(f ListFilter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	var where []string
	var args []any
	if f.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, f.Operation)
	}

	q := "SELECT id, ts_ms, operation, org_id, rulesets, rules, duration_ms, outcome FROM history"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TsMs, &e.Operation, &e.OrgID, &e.Rulesets, &e.Rules, &e.DurationMs, &e.Outcome); err != nil {
			log.Printf("[audit] warning: skip malformed history row: %v", err)
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
