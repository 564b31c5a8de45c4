package proactive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AuditLog records each proactive run's per-user outcome in a small SQLite
// table so operators can query run history without re-deriving it from
// logs.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog opens (creating if needed) the audit database at dbPath.
func NewAuditLog(dbPath string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("proactive: create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("proactive: open audit db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS proactive_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_at INTEGER NOT NULL,
			schedule TEXT NOT NULL,
			user_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			checks_fired TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("proactive: create table: %w", err)
	}

	return &AuditLog{db: db}, nil
}

// Close closes the underlying database handle.
func (a *AuditLog) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Outcome is one user's result within a single scheduler sweep.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Record appends one per-user outcome row.
func (a *AuditLog) Record(schedule, userID string, outcome Outcome, checksFired []string, runErr error) error {
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	fired := ""
	for i, c := range checksFired {
		if i > 0 {
			fired += ","
		}
		fired += c
	}
	_, err := a.db.Exec(`
		INSERT INTO proactive_runs (run_at, schedule, user_id, outcome, checks_fired, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now().Unix(), schedule, userID, string(outcome), fired, errMsg)
	if err != nil {
		return fmt.Errorf("proactive: record outcome: %w", err)
	}
	return nil
}

// RecentForUser returns the most recent run outcomes for userID, newest
// first, for ops/debug queries.
func (a *AuditLog) RecentForUser(userID string, limit int) ([]RunRecord, error) {
	rows, err := a.db.Query(`
		SELECT run_at, schedule, outcome, checks_fired, error
		FROM proactive_runs WHERE user_id = ? ORDER BY run_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("proactive: query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var runAt int64
		if err := rows.Scan(&runAt, &r.Schedule, &r.Outcome, &r.ChecksFired, &r.Error); err != nil {
			return nil, fmt.Errorf("proactive: scan run: %w", err)
		}
		r.RunAt = time.Unix(runAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunRecord is one row of proactive run history.
type RunRecord struct {
	RunAt       time.Time
	Schedule    string
	Outcome     string
	ChecksFired string
	Error       string
}
