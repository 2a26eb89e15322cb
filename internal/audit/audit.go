// Package audit is the supplemented audit side-log (see SPEC_FULL.md's
// domain stack and supplemented features): a durable, queryable history of every round, verdict,
// and status change, kept alongside (not instead of) the authoritative
// JSON state tree.
//
// Grounded on the teacher's internal/db package: same modernc.org/sqlite
// driver, same versioned-migration-table bootstrap pattern
// (schema_migrations), and the same shape as its agent_audit_log table,
// generalized from "agent command/prompt audit" to Anima's round/verdict/
// status-change event stream.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anima-dev/anima/internal/events"
)

// DB wraps the audit SQLite database.
type DB struct {
	*sql.DB
}

// Open opens or creates the audit database at path, running migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit db directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	d := &DB{DB: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	if _, err := d.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}

	var version int
	if err := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := d.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return err
		}
	}
	return nil
}

const migration1 = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL,
    milestone_id TEXT,
    kind TEXT NOT NULL,
    payload TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id);
CREATE INDEX IF NOT EXISTS idx_events_milestone ON events(milestone_id);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

CREATE TABLE IF NOT EXISTS agent_telemetry (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL,
    milestone_id TEXT,
    role TEXT NOT NULL,
    tokens_input INTEGER,
    tokens_output INTEGER,
    cost_usd REAL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_telemetry_project ON agent_telemetry(project_id);
`

// Record appends one audit row. It never returns an error that should
// abort the caller's own operation; audit logging is best-effort
// diagnostic trail, not the system of record (that is the JSON store).
func (d *DB) Record(ctx context.Context, projectID, milestoneID, kind, payload string, at time.Time) error {
	_, err := d.ExecContext(ctx,
		`INSERT INTO events (project_id, milestone_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		projectID, milestoneID, kind, payload, at,
	)
	return err
}

// RecordTelemetry appends one per-round token/cost sample, parsed out of
// an agent's stream by internal/agentstream.
func (d *DB) RecordTelemetry(ctx context.Context, projectID, milestoneID, role string, tokensIn, tokensOut int, costUSD float64, at time.Time) error {
	_, err := d.ExecContext(ctx,
		`INSERT INTO agent_telemetry (project_id, milestone_id, role, tokens_input, tokens_output, cost_usd, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		projectID, milestoneID, role, tokensIn, tokensOut, costUSD, at,
	)
	return err
}

// Follow subscribes to the bus and writes every event to the audit log
// until cancel closes. Marshal failures are logged and skipped rather
// than aborting the bridge, since a malformed payload must never take
// down the live system it is merely shadowing.
func (d *DB) Follow(ctx context.Context, bus *events.Bus, cancel <-chan struct{}, log *slog.Logger) {
	sub := bus.Subscribe(cancel)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cancel:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				log.Warn("audit: failed to marshal event payload", "kind", ev.Kind, "error", err)
				continue
			}
			if err := d.Record(ctx, ev.ProjectID, "", string(ev.Kind), string(payload), ev.Timestamp); err != nil {
				log.Warn("audit: failed to record event", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// EventRow is one row returned by Recent.
type EventRow struct {
	ProjectID   string
	MilestoneID string
	Kind        string
	Payload     string
	CreatedAt   time.Time
}

// Recent returns a project's most recent audit rows, newest first, for
// the control API's history view.
func (d *DB) Recent(ctx context.Context, projectID string, limit int) ([]EventRow, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT project_id, COALESCE(milestone_id, ''), kind, COALESCE(payload, ''), created_at
		 FROM events WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.ProjectID, &r.MilestoneID, &r.Kind, &r.Payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
