// Package journal persists migration run state to a local SQLite file
// so an interrupted copy phase can be resumed and past runs can be
// inspected.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Run statuses. Running and interrupted runs are resumable; the rest
// are terminal.
const (
	StatusRunning     = "running"
	StatusInterrupted = "interrupted"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusAborted     = "aborted"
)

// Run is one recorded migration attempt.
type Run struct {
	ID         string
	Database   string
	Table      string
	Alter      string
	Status     string
	RowsCopied int64
	// CopyHighWater is the highest source id confirmed copied to the
	// shadow table. Resume restarts the chunk loop just above it.
	CopyHighWater int64
	StartedAt     time.Time
	FinishedAt    sql.NullTime
}

// Journal wraps the SQLite state database.
type Journal struct {
	*sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the journal at path and applies
// schema migrations.
func Open(path string) (*Journal, error) {
	// WAL mode so a status reader never blocks the writer
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	j := &Journal{DB: db, path: path}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("Journal opened")
	return j, nil
}

// Path returns the journal file path
func (j *Journal) Path() string {
	return j.path
}

// Transaction wraps a function in a journal transaction
func (j *Journal) Transaction(fn func(*sql.Tx) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to rollback journal transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateRun records the start of a migration and assigns its ID.
func (j *Journal) CreateRun(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = StatusRunning
	run.StartedAt = time.Now().UTC()

	_, err := j.Exec(`
		INSERT INTO runs (id, db_name, table_name, alter_sql, status, rows_copied, copy_high_water, started_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?)
	`, run.ID, run.Database, run.Table, run.Alter, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Checkpoint advances the copy high-water mark for a run.
func (j *Journal) Checkpoint(runID string, highWater, rowsCopied int64) error {
	_, err := j.Exec(`
		UPDATE runs SET copy_high_water = ?, rows_copied = ?
		WHERE id = ?
	`, highWater, rowsCopied, runID)
	if err != nil {
		return fmt.Errorf("failed to checkpoint run %s: %w", runID, err)
	}
	return nil
}

// FinishRun records a run's outcome. Only resumable runs can be
// finished; terminal statuses never change.
func (j *Journal) FinishRun(runID, status string) error {
	res, err := j.Exec(`
		UPDATE runs SET status = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, status, time.Now().UTC(), runID, StatusRunning, StatusInterrupted)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s is not running", runID)
	}
	return nil
}

// ResumableRun returns the most recent resumable run for the given
// table, or nil when there is nothing to resume. Both a run still
// marked running (the process died hard) and one marked interrupted
// (a signal stopped it gracefully) qualify.
func (j *Journal) ResumableRun(database, table string) (*Run, error) {
	row := j.QueryRow(`
		SELECT id, db_name, table_name, alter_sql, status, rows_copied, copy_high_water, started_at, finished_at
		FROM runs
		WHERE db_name = ? AND table_name = ? AND status IN (?, ?)
		ORDER BY started_at DESC
		LIMIT 1
	`, database, table, StatusRunning, StatusInterrupted)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first.
func (j *Journal) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.Query(`
		SELECT id, db_name, table_name, alter_sql, status, rows_copied, copy_high_water, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	err := s.Scan(
		&run.ID, &run.Database, &run.Table, &run.Alter, &run.Status,
		&run.RowsCopied, &run.CopyHighWater, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
