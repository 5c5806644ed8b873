// Package journal persists resolution outcomes and their
// reconciliation decisions to SQLite for postmortem inspection. A
// resolution works fine without a journal; the engine's caller decides
// whether to record.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/weftlabs/weft/internal/deploy"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on decisions.kind
const currentSchemaVersion = 1

// Journal is a durable log of resolutions. Uses SQLite with WAL mode
// so readers never block the writer.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path. Pragmas and
// migrations are applied automatically; calling Open on an existing
// journal is safe.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// SQLite supports one writer; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on
// user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		// CREATE INDEX IF NOT EXISTS is a no-op on new databases.
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_decisions_kind ON decisions(kind)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Entry is one journaled resolution.
type Entry struct {
	ID           int64
	StartedAt    time.Time
	Outcome      string
	Requirements int
	Error        string
}

// DecisionRow is one journaled reconciliation decision.
type DecisionRow struct {
	Seq        int
	Kind       string
	Node       string
	Deployment string
	Activity   string
}

// RecordResolution writes one resolution with its decisions atomically
// and returns the resolution ID. errMsg is empty for a committed
// resolution.
func (j *Journal) RecordResolution(ctx context.Context, startedAt time.Time, outcome string, requirements int, errMsg string, decs []deploy.Decision) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("record resolution: begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	res, err := tx.ExecContext(ctx, `
		INSERT INTO resolutions (started_at, outcome, requirements, error)
		VALUES (?, ?, ?, ?)
	`, startedAt.UTC().Format(time.RFC3339Nano), outcome, requirements, errMsg)
	if err != nil {
		return 0, fmt.Errorf("record resolution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record resolution: %w", err)
	}
	for i, d := range decs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO decisions (resolution_id, seq, kind, node, deployment, activity)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, i, d.Kind.String(), string(d.Node), d.Slot.Deployment, d.Slot.Activity)
		if err != nil {
			return 0, fmt.Errorf("record decision %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record resolution: commit: %w", err)
	}
	return id, nil
}

// Resolutions returns the most recent entries, newest first, capped at
// limit (0 = no cap).
func (j *Journal) Resolutions(ctx context.Context, limit int) ([]Entry, error) {
	q := `
		SELECT id, started_at, outcome, requirements, error
		FROM resolutions
		ORDER BY id DESC
	`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Outcome, &e.Requirements, &e.Error); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		e.StartedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", ts, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolutions: %w", err)
	}
	return entries, nil
}

// Decisions returns the decisions of one resolution in recorded order.
func (j *Journal) Decisions(ctx context.Context, resolutionID int64) ([]DecisionRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, kind, node, deployment, activity
		FROM decisions
		WHERE resolution_id = ?
		ORDER BY seq ASC
	`, resolutionID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	decs := []DecisionRow{}
	for rows.Next() {
		var d DecisionRow
		if err := rows.Scan(&d.Seq, &d.Kind, &d.Node, &d.Deployment, &d.Activity); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decs = append(decs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decs, nil
}
