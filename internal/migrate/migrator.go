// Package migrate implements the online schema change itself: capture
// writes with audit triggers, build an altered shadow table, copy rows
// across in keyed chunks, replay the captured writes, and atomically
// swap the tables.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tableshift/tableshift/internal/config"
	"github.com/tableshift/tableshift/internal/flagfile"
	"github.com/tableshift/tableshift/internal/journal"
	"github.com/tableshift/tableshift/internal/session"
)

// ErrPrecondition marks configuration-level failures detected before
// any change is made: missing table, unusable primary key, leftover
// working tables. Mapped to the configuration exit code.
var ErrPrecondition = errors.New("precondition failed")

// ErrAborted is returned when the operator's panic flag stops a run.
var ErrAborted = errors.New("migration aborted by panic flag")

// Config describes one migration run.
type Config struct {
	Database string
	Table    string
	Alter    []string

	ChunkSize  int
	ChunkSleep time.Duration

	SwapTables     bool
	DropOldTable   bool
	DropTriggers   bool
	DropAuditTable bool

	Resume bool

	// ReplayBatchSize bounds one audit drain pass. Default 500.
	ReplayBatchSize int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ReplayBatchSize <= 0 {
		c.ReplayBatchSize = 500
	}
	return c
}

// Migrator drives one run end to end.
type Migrator struct {
	cfg      Config
	db       session.Executor
	journal  *journal.Journal
	controls *flagfile.Controls
	progress *Progress
	log      zerolog.Logger

	run *journal.Run
	// shared holds the columns present in both source and shadow
	// tables, in source order; copy and replay move exactly these.
	shared     []string
	rowsCopied int64
}

// New builds a migrator. controls may be nil when no flag files are
// configured.
func New(cfg Config, db session.Executor, j *journal.Journal, controls *flagfile.Controls) *Migrator {
	if controls == nil {
		controls = flagfile.New("", "")
	}
	return &Migrator{
		cfg:      cfg.withDefaults(),
		db:       db,
		journal:  j,
		controls: controls,
		progress: NewProgress(),
		log:      log.With().Str("component", "migrate").Str("table", cfg.Table).Logger(),
	}
}

// Progress returns the live progress tracker for status reporting.
func (m *Migrator) Progress() *Progress {
	return m.progress
}

func (m *Migrator) sourceTable() string { return m.cfg.Table }
func (m *Migrator) shadowTable() string { return "_" + m.cfg.Table + "_new" }
func (m *Migrator) auditTable() string  { return "_" + m.cfg.Table + "_audit" }
func (m *Migrator) oldTable() string    { return m.cfg.Table + "_old" }

func (m *Migrator) triggerNames() []string {
	return []string{
		m.cfg.Table + "_insert",
		m.cfg.Table + "_update",
		m.cfg.Table + "_delete",
	}
}

// Run executes the migration and records its outcome in the journal.
func (m *Migrator) Run(ctx context.Context) error {
	started := time.Now()

	if err := m.prepare(ctx); err != nil {
		return err
	}

	err := m.execute(ctx)

	status := journal.StatusCompleted
	switch {
	case errors.Is(err, ErrAborted):
		status = journal.StatusAborted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// A signal stopped the run; the working tables and triggers
		// are intact, so a later --resume can pick up the copy.
		status = journal.StatusInterrupted
	case err != nil:
		status = journal.StatusFailed
	}
	if ferr := m.journal.FinishRun(m.run.ID, status); ferr != nil {
		m.log.Warn().Err(ferr).Msg("failed to record run outcome")
	}

	evt := m.log.Info()
	if err != nil {
		evt = m.log.Error().Err(err)
	}
	evt.Str("run_id", m.run.ID).
		Str("status", status).
		Int64("rows_copied", m.rowsCopied).
		Dur("elapsed", time.Since(started)).
		Msg("migration finished")

	return err
}

// prepare runs preflight checks and sets up (or resumes) the journal
// run.
func (m *Migrator) prepare(ctx context.Context) error {
	m.progress.SetPhase(PhasePreflight)

	exists, err := m.tableExists(ctx, m.sourceTable())
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: table %s.%s does not exist", ErrPrecondition, m.cfg.Database, m.cfg.Table)
	}
	if err := m.checkPrimaryKey(ctx); err != nil {
		return err
	}

	if m.cfg.Resume {
		run, err := m.journal.ResumableRun(m.cfg.Database, m.cfg.Table)
		if err != nil {
			return fmt.Errorf("looking up resumable run: %w", err)
		}
		if run == nil {
			return fmt.Errorf("%w: no interrupted run to resume for %s.%s", ErrPrecondition, m.cfg.Database, m.cfg.Table)
		}
		shadowExists, err := m.tableExists(ctx, m.shadowTable())
		if err != nil {
			return err
		}
		if !shadowExists {
			return fmt.Errorf("%w: run %s is resumable but shadow table %s is gone", ErrPrecondition, run.ID, m.shadowTable())
		}
		m.run = run
		m.rowsCopied = run.RowsCopied
		m.progress.SetCopied(run.RowsCopied)
		m.log.Info().Str("run_id", run.ID).Int64("high_water", run.CopyHighWater).Msg("resuming interrupted run")
		return nil
	}

	for _, leftover := range []string{m.shadowTable(), m.auditTable()} {
		exists, err := m.tableExists(ctx, leftover)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: working table %s already exists (previous run? use --resume or clean up)", ErrPrecondition, leftover)
		}
	}

	m.run = &journal.Run{
		Database: m.cfg.Database,
		Table:    m.cfg.Table,
		Alter:    joinAlter(m.cfg.Alter),
	}
	if err := m.journal.CreateRun(m.run); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	m.log.Info().Str("run_id", m.run.ID).Strs("alter", m.cfg.Alter).Msg("starting migration")
	return nil
}

func (m *Migrator) execute(ctx context.Context) error {
	if !m.cfg.Resume {
		m.progress.SetPhase(PhaseCapture)
		if err := m.createAuditTable(ctx); err != nil {
			return err
		}
		if err := m.createTriggers(ctx); err != nil {
			return err
		}
		m.progress.SetPhase(PhaseShadow)
		if err := m.createShadowTable(ctx); err != nil {
			return err
		}
	}

	shared, err := m.sharedColumns(ctx)
	if err != nil {
		return err
	}
	m.shared = shared

	m.progress.SetPhase(PhaseCopy)
	if err := m.copyChunks(ctx); err != nil {
		return err
	}

	m.progress.SetPhase(PhaseReplay)
	if err := m.replayAudit(ctx); err != nil {
		return err
	}

	if m.cfg.SwapTables {
		if err := m.cutover(ctx); err != nil {
			return err
		}
	} else {
		m.log.Info().Str("shadow", m.shadowTable()).Msg("swap disabled, leaving shadow table in place")
	}

	m.progress.SetPhase(PhaseCleanup)
	if err := m.cleanup(ctx); err != nil {
		return err
	}

	m.progress.SetPhase(PhaseDone)
	return nil
}

// checkFlags is consulted at every chunk and batch boundary.
func (m *Migrator) checkFlags(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.controls.PanicRequested() {
		return ErrAborted
	}
	return nil
}

// tableExists consults information_schema for the current database.
func (m *Migrator) tableExists(ctx context.Context, table string) (bool, error) {
	var count int64
	err := m.queryRow(ctx, session.ReadOp(
		"SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?",
		m.cfg.Database, table,
	), &count)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return count > 0, nil
}

// checkPrimaryKey requires the single-column integer `id` primary key
// the chunked copy keys on.
func (m *Migrator) checkPrimaryKey(ctx context.Context) error {
	rows, err := m.db.Query(ctx, session.ReadOp(`
		SELECT COLUMN_NAME, DATA_TYPE
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND COLUMN_KEY = 'PRI'
		ORDER BY ORDINAL_POSITION`,
		m.cfg.Database, m.cfg.Table,
	))
	if err != nil {
		return fmt.Errorf("inspecting primary key: %w", err)
	}
	defer rows.Close()

	var names, types []string
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return fmt.Errorf("scanning primary key column: %w", err)
		}
		names = append(names, name)
		types = append(types, dataType)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspecting primary key: %w", err)
	}

	if len(names) != 1 || names[0] != "id" {
		return fmt.Errorf("%w: table %s needs a single-column primary key named id, found %v", ErrPrecondition, m.cfg.Table, names)
	}
	switch types[0] {
	case "tinyint", "smallint", "mediumint", "int", "bigint":
		return nil
	default:
		return fmt.Errorf("%w: primary key id has non-integer type %s", ErrPrecondition, types[0])
	}
}

// tableColumns returns a table's column names in ordinal order.
func (m *Migrator) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.Query(ctx, session.ReadOp(`
		SELECT COLUMN_NAME
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`,
		m.cfg.Database, table,
	))
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning column name: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// sharedColumns computes the copy/replay column set: source columns
// that survived the shadow table's ALTERs.
func (m *Migrator) sharedColumns(ctx context.Context) ([]string, error) {
	source, err := m.tableColumns(ctx, m.sourceTable())
	if err != nil {
		return nil, err
	}
	shadow, err := m.tableColumns(ctx, m.shadowTable())
	if err != nil {
		return nil, err
	}
	shared := intersect(source, shadow)
	if len(shared) == 0 {
		return nil, fmt.Errorf("%w: no columns shared between %s and %s", ErrPrecondition, m.sourceTable(), m.shadowTable())
	}
	return shared, nil
}

func (m *Migrator) createAuditTable(ctx context.Context) error {
	m.log.Info().Str("audit", m.auditTable()).Msg("creating audit table")
	_, err := m.db.Exec(ctx, session.WriteOp(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			action VARCHAR(10) NOT NULL,
			original_id BIGINT NOT NULL,
			row_data JSON,
			action_time TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`, quoteIdent(m.auditTable()))))
	if err != nil {
		return fmt.Errorf("creating audit table: %w", err)
	}
	return nil
}

// createTriggers installs the AFTER INSERT/UPDATE/DELETE capture
// triggers on the source table. The JSON row image is recorded for
// operator forensics; replay reads the live source row.
func (m *Migrator) createTriggers(ctx context.Context) error {
	m.log.Info().Msg("creating capture triggers")

	cols, err := m.tableColumns(ctx, m.sourceTable())
	if err != nil {
		return err
	}

	src := quoteIdent(m.sourceTable())
	audit := quoteIdent(m.auditTable())
	names := m.triggerNames()

	stmts := []string{
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW
			INSERT INTO %s (action, original_id, row_data)
			VALUES ('INSERT', NEW.`+"`id`"+`, JSON_OBJECT(%s))`,
			quoteIdent(names[0]), src, audit, jsonObjectArgs("NEW", cols)),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s FOR EACH ROW
			INSERT INTO %s (action, original_id, row_data)
			VALUES ('UPDATE', OLD.`+"`id`"+`, JSON_OBJECT(%s))`,
			quoteIdent(names[1]), src, audit, jsonObjectArgs("NEW", cols)),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s FOR EACH ROW
			INSERT INTO %s (action, original_id, row_data)
			VALUES ('DELETE', OLD.`+"`id`"+`, JSON_OBJECT(%s))`,
			quoteIdent(names[2]), src, audit, jsonObjectArgs("OLD", cols)),
	}
	for _, stmt := range stmts {
		if _, err := m.db.Exec(ctx, session.WriteOp(stmt)); err != nil {
			return fmt.Errorf("creating trigger: %w", err)
		}
	}
	return nil
}

func (m *Migrator) createShadowTable(ctx context.Context) error {
	m.log.Info().Str("shadow", m.shadowTable()).Msg("creating shadow table")

	shadow := quoteIdent(m.shadowTable())
	_, err := m.db.Exec(ctx, session.WriteOp(
		fmt.Sprintf("CREATE TABLE %s LIKE %s", shadow, quoteIdent(m.sourceTable()))))
	if err != nil {
		return fmt.Errorf("creating shadow table: %w", err)
	}

	for _, clause := range m.cfg.Alter {
		m.log.Debug().Str("clause", clause).Msg("altering shadow table")
		if _, err := m.db.Exec(ctx, session.WriteOp(
			fmt.Sprintf("ALTER TABLE %s %s", shadow, clause))); err != nil {
			return fmt.Errorf("altering shadow table (%s): %w", clause, err)
		}
	}
	return nil
}

// copyChunks moves source rows to the shadow table in keyed ranges,
// checkpointing the journal after every chunk.
func (m *Migrator) copyChunks(ctx context.Context) error {
	var minID, maxID sql.NullInt64
	err := m.queryRow(ctx, session.ReadOp(
		fmt.Sprintf("SELECT MIN(`id`), MAX(`id`) FROM %s", quoteIdent(m.sourceTable())),
	), &minID, &maxID)
	if err != nil {
		return fmt.Errorf("reading id bounds: %w", err)
	}
	if !minID.Valid || !maxID.Valid {
		m.log.Info().Msg("source table is empty, nothing to copy")
		return nil
	}

	start := minID.Int64
	if hw := m.run.CopyHighWater; hw >= start {
		start = hw + 1
	}
	m.progress.SetTotalRows(maxID.Int64 - minID.Int64 + 1)
	if start > maxID.Int64 {
		m.log.Info().Msg("copy already complete, skipping to replay")
		return nil
	}
	m.log.Info().Int64("from", start).Int64("to", maxID.Int64).Int("chunk_size", m.cfg.ChunkSize).Msg("copying rows")

	cols := columnList(m.shared)
	stmt := fmt.Sprintf(
		"INSERT IGNORE INTO %s (%s) SELECT %s FROM %s WHERE `id` BETWEEN ? AND ?",
		quoteIdent(m.shadowTable()), cols, cols, quoteIdent(m.sourceTable()),
	)

	for cur := start; cur <= maxID.Int64; {
		if err := m.checkFlags(ctx); err != nil {
			return err
		}

		end := cur + int64(m.cfg.ChunkSize) - 1
		if end > maxID.Int64 {
			end = maxID.Int64
		}

		// Keyed INSERT IGNORE: re-running the same range is a no-op.
		op := session.WriteOp(stmt, cur, end)
		op.Idempotent = true
		res, err := m.db.Exec(ctx, op)
		if err != nil {
			return fmt.Errorf("copying chunk [%d, %d]: %w", cur, end, err)
		}

		m.rowsCopied += res.RowsAffected
		m.progress.AddCopied(res.RowsAffected)
		if err := m.journal.Checkpoint(m.run.ID, end, m.rowsCopied); err != nil {
			return fmt.Errorf("checkpointing chunk [%d, %d]: %w", cur, end, err)
		}
		m.log.Debug().Int64("from", cur).Int64("to", end).Int64("rows", res.RowsAffected).Msg("chunk copied")

		cur = end + 1
		if m.cfg.ChunkSleep > 0 && cur <= maxID.Int64 {
			select {
			case <-time.After(m.cfg.ChunkSleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	m.log.Info().Int64("rows", m.rowsCopied).Msg("copy phase complete")
	return nil
}

type auditEntry struct {
	id         int64
	action     string
	originalID int64
}

// replayAudit drains the audit table, applying captured writes to the
// shadow table until a fetch comes back empty.
func (m *Migrator) replayAudit(ctx context.Context) error {
	cols := columnList(m.shared)
	shadow := quoteIdent(m.shadowTable())
	src := quoteIdent(m.sourceTable())
	audit := quoteIdent(m.auditTable())

	var applied int64
	for {
		if err := m.checkFlags(ctx); err != nil {
			return err
		}

		entries, err := m.fetchAuditBatch(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}

		for _, e := range entries {
			var op session.Op
			switch e.action {
			case "INSERT", "UPDATE":
				// The live source row is authoritative; the JSON
				// capture is kept for forensics only. A row deleted
				// since capture copies zero rows here and its DELETE
				// entry follows.
				op = session.WriteOp(fmt.Sprintf(
					"REPLACE INTO %s (%s) SELECT %s FROM %s WHERE `id` = ?",
					shadow, cols, cols, src), e.originalID)
			case "DELETE":
				op = session.WriteOp(fmt.Sprintf(
					"DELETE FROM %s WHERE `id` = ?", shadow), e.originalID)
			default:
				m.log.Warn().Str("action", e.action).Int64("audit_id", e.id).Msg("skipping unknown audit action")
				continue
			}
			op.Idempotent = true
			if _, err := m.db.Exec(ctx, op); err != nil {
				return fmt.Errorf("replaying audit entry %d (%s id=%d): %w", e.id, e.action, e.originalID, err)
			}
		}

		// Entries are applied in id order, so everything at or below
		// the last id is consumed. New captures always get higher ids.
		last := entries[len(entries)-1].id
		delOp := session.WriteOp(fmt.Sprintf("DELETE FROM %s WHERE `id` <= ?", audit), last)
		delOp.Idempotent = true
		if _, err := m.db.Exec(ctx, delOp); err != nil {
			return fmt.Errorf("trimming audit table: %w", err)
		}

		applied += int64(len(entries))
		backlog, err := m.auditBacklog(ctx)
		if err != nil {
			return err
		}
		m.progress.SetBacklog(backlog)
		m.log.Debug().Int("batch", len(entries)).Int64("backlog", backlog).Msg("audit batch replayed")
	}

	m.progress.SetBacklog(0)
	if applied > 0 {
		m.log.Info().Int64("entries", applied).Msg("audit replay complete")
	}
	return nil
}

func (m *Migrator) fetchAuditBatch(ctx context.Context) ([]auditEntry, error) {
	rows, err := m.db.Query(ctx, session.ReadOp(fmt.Sprintf(
		"SELECT `id`, `action`, `original_id` FROM %s ORDER BY `id` LIMIT %d",
		quoteIdent(m.auditTable()), m.cfg.ReplayBatchSize)))
	if err != nil {
		return nil, fmt.Errorf("fetching audit batch: %w", err)
	}
	defer rows.Close()

	var entries []auditEntry
	for rows.Next() {
		var e auditEntry
		if err := rows.Scan(&e.id, &e.action, &e.originalID); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (m *Migrator) auditBacklog(ctx context.Context) (int64, error) {
	var n int64
	err := m.queryRow(ctx, session.ReadOp(
		fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(m.auditTable()))), &n)
	if err != nil {
		return 0, fmt.Errorf("counting audit backlog: %w", err)
	}
	return n, nil
}

// cutover waits out the postpone flag, drains the last audit captures,
// and swaps the tables with a single atomic RENAME.
func (m *Migrator) cutover(ctx context.Context) error {
	m.progress.SetPhase(PhaseCutover)

	for m.controls.CutoverPostponed() {
		if err := m.checkFlags(ctx); err != nil {
			return err
		}
		m.log.Info().Msg("cut-over postponed by flag file, waiting")
		select {
		case <-time.After(config.GetTimeouts().CutoverRetry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Final drain to shrink the capture window before the rename.
	if err := m.replayAudit(ctx); err != nil {
		return err
	}

	m.log.Info().Str("old", m.oldTable()).Msg("swapping tables")
	_, err := m.db.Exec(ctx, session.WriteOp(fmt.Sprintf(
		"RENAME TABLE %s TO %s, %s TO %s",
		quoteIdent(m.sourceTable()), quoteIdent(m.oldTable()),
		quoteIdent(m.shadowTable()), quoteIdent(m.sourceTable()),
	)))
	if err != nil {
		return fmt.Errorf("swapping tables: %w", err)
	}
	return nil
}

func (m *Migrator) cleanup(ctx context.Context) error {
	if m.cfg.DropTriggers {
		m.log.Info().Msg("dropping capture triggers")
		for _, name := range m.triggerNames() {
			op := session.WriteOp(fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteIdent(name)))
			op.Idempotent = true
			if _, err := m.db.Exec(ctx, op); err != nil {
				return fmt.Errorf("dropping trigger %s: %w", name, err)
			}
		}
	}

	if m.cfg.SwapTables && m.cfg.DropOldTable {
		m.log.Info().Str("table", m.oldTable()).Msg("dropping old table")
		op := session.WriteOp(fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(m.oldTable())))
		op.Idempotent = true
		if _, err := m.db.Exec(ctx, op); err != nil {
			return fmt.Errorf("dropping old table: %w", err)
		}
	}

	if m.cfg.DropAuditTable {
		m.log.Info().Str("table", m.auditTable()).Msg("dropping audit table")
		op := session.WriteOp(fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(m.auditTable())))
		op.Idempotent = true
		if _, err := m.db.Exec(ctx, op); err != nil {
			return fmt.Errorf("dropping audit table: %w", err)
		}
	}
	return nil
}

// queryRow runs op and scans its single row into dest.
func (m *Migrator) queryRow(ctx context.Context, op session.Op, dest ...any) error {
	rows, err := m.db.Query(ctx, op)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	return rows.Err()
}

func joinAlter(clauses []string) string {
	return strings.Join(clauses, "; ")
}
