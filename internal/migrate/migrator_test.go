package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tableshift/tableshift/internal/flagfile"
	"github.com/tableshift/tableshift/internal/journal"
	"github.com/tableshift/tableshift/internal/session"
)

// fixture is a scripted stand-in for a MySQL server behind a session:
// it answers the information_schema and data queries the migrator
// issues and records every statement executed against it.
type fixture struct {
	mu sync.Mutex

	tables     map[string]bool
	pkCols     [][2]string // (name, data_type)
	sourceCols []string
	shadowCols []string

	minID, maxID any // nil means empty table

	auditBatches [][]auditEntry

	execs   []string
	execErr func(sql string) error
}

func newFixture(table string) *fixture {
	return &fixture{
		tables:     map[string]bool{table: true},
		pkCols:     [][2]string{{"id", "int"}},
		sourceCols: []string{"id", "name", "qty"},
		shadowCols: []string{"id", "name", "qty", "note"},
		minID:      int64(1),
		maxID:      int64(25),
	}
}

func (f *fixture) Exec(ctx context.Context, op session.Op) (session.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.execs = append(f.execs, op.SQL)
	if f.execErr != nil {
		if err := f.execErr(op.SQL); err != nil {
			return session.Result{}, err
		}
	}

	// Track working tables the run creates so later
	// information_schema lookups see them.
	trimmed := strings.TrimSpace(op.SQL)
	switch {
	case strings.HasPrefix(trimmed, "CREATE TABLE"):
		f.tables[firstBacktickedName(trimmed)] = true
	case strings.HasPrefix(trimmed, "INSERT IGNORE INTO") && len(op.Args) == 2:
		from, to := op.Args[0].(int64), op.Args[1].(int64)
		return session.Result{RowsAffected: to - from + 1}, nil
	}
	return session.Result{RowsAffected: 1}, nil
}

func firstBacktickedName(stmt string) string {
	i := strings.Index(stmt, "`")
	j := strings.Index(stmt[i+1:], "`")
	return stmt[i+1 : i+1+j]
}

func (f *fixture) Query(ctx context.Context, op session.Op) (session.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(op.SQL, "information_schema.TABLES"):
		name := op.Args[1].(string)
		var count int64
		if f.tables[name] {
			count = 1
		}
		return &scriptRows{rows: [][]any{{count}}}, nil

	case strings.Contains(op.SQL, "COLUMN_KEY = 'PRI'"):
		var rows [][]any
		for _, pk := range f.pkCols {
			rows = append(rows, []any{pk[0], pk[1]})
		}
		return &scriptRows{rows: rows}, nil

	case strings.Contains(op.SQL, "information_schema.COLUMNS"):
		name := op.Args[1].(string)
		cols := f.sourceCols
		if strings.HasPrefix(name, "_") {
			cols = f.shadowCols
		}
		var rows [][]any
		for _, c := range cols {
			rows = append(rows, []any{c})
		}
		return &scriptRows{rows: rows}, nil

	case strings.Contains(op.SQL, "SELECT MIN("):
		return &scriptRows{rows: [][]any{{f.minID, f.maxID}}}, nil

	case strings.Contains(op.SQL, "`original_id`"):
		if len(f.auditBatches) == 0 {
			return &scriptRows{}, nil
		}
		batch := f.auditBatches[0]
		f.auditBatches = f.auditBatches[1:]
		var rows [][]any
		for _, e := range batch {
			rows = append(rows, []any{e.id, e.action, e.originalID})
		}
		return &scriptRows{rows: rows}, nil

	case strings.HasPrefix(op.SQL, "SELECT COUNT(*)"):
		var backlog int64
		for _, b := range f.auditBatches {
			backlog += int64(len(b))
		}
		return &scriptRows{rows: [][]any{{backlog}}}, nil
	}
	return nil, fmt.Errorf("fixture: unexpected query %q", op.SQL)
}

func (f *fixture) executed(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, stmt := range f.execs {
		if strings.Contains(stmt, substr) {
			n++
		}
	}
	return n
}

type scriptRows struct {
	rows [][]any
	i    int
}

func (r *scriptRows) Next() bool {
	if r.i < len(r.rows) {
		r.i++
		return true
	}
	return false
}

func (r *scriptRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i := range dest {
		if err := assign(dest[i], row[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *scriptRows) Err() error   { return nil }
func (r *scriptRows) Close() error { return nil }

func assign(dest, val any) error {
	switch d := dest.(type) {
	case *string:
		d2, ok := val.(string)
		if !ok {
			return fmt.Errorf("assign: %T into *string", val)
		}
		*d = d2
	case *int64:
		d2, ok := val.(int64)
		if !ok {
			return fmt.Errorf("assign: %T into *int64", val)
		}
		*d = d2
	case *sql.NullInt64:
		if val == nil {
			*d = sql.NullInt64{}
			return nil
		}
		d2, ok := val.(int64)
		if !ok {
			return fmt.Errorf("assign: %T into *sql.NullInt64", val)
		}
		*d = sql.NullInt64{Int64: d2, Valid: true}
	default:
		return fmt.Errorf("assign: unsupported destination %T", dest)
	}
	return nil
}

func testJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func fullConfig() Config {
	return Config{
		Database:       "app",
		Table:          "orders",
		Alter:          []string{"ADD COLUMN note VARCHAR(255)"},
		ChunkSize:      10,
		SwapTables:     true,
		DropOldTable:   true,
		DropTriggers:   true,
		DropAuditTable: true,
	}
}

func TestRunHappyPath(t *testing.T) {
	fx := newFixture("orders")
	fx.auditBatches = [][]auditEntry{{
		{id: 1, action: "INSERT", originalID: 5},
		{id: 2, action: "UPDATE", originalID: 7},
		{id: 3, action: "DELETE", originalID: 9},
	}}
	j := testJournal(t)

	m := New(fullConfig(), fx, j, nil)
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Capture before copy.
	if got := fx.executed("CREATE TABLE IF NOT EXISTS `_orders_audit`"); got != 1 {
		t.Errorf("expected 1 audit table creation, got %d", got)
	}
	if got := fx.executed("CREATE TRIGGER"); got != 3 {
		t.Errorf("expected 3 triggers, got %d", got)
	}
	if got := fx.executed("CREATE TABLE `_orders_new` LIKE `orders`"); got != 1 {
		t.Errorf("expected shadow table creation, got %d", got)
	}
	if got := fx.executed("ALTER TABLE `_orders_new` ADD COLUMN note"); got != 1 {
		t.Errorf("expected 1 alter, got %d", got)
	}

	// 25 rows in chunks of 10: three ranges.
	if got := fx.executed("INSERT IGNORE INTO `_orders_new`"); got != 3 {
		t.Errorf("expected 3 copy chunks, got %d", got)
	}
	// Only the shared columns move; the added column is absent.
	for _, stmt := range fx.execs {
		if strings.HasPrefix(stmt, "INSERT IGNORE") && strings.Contains(stmt, "`note`") {
			t.Errorf("copy must not reference columns missing from the source: %s", stmt)
		}
	}

	// Replay: two row refreshes, one delete, one audit trim.
	if got := fx.executed("REPLACE INTO `_orders_new`"); got != 2 {
		t.Errorf("expected 2 replayed row refreshes, got %d", got)
	}
	if got := fx.executed("DELETE FROM `_orders_new`"); got != 1 {
		t.Errorf("expected 1 replayed delete, got %d", got)
	}
	if got := fx.executed("DELETE FROM `_orders_audit`"); got != 1 {
		t.Errorf("expected 1 audit trim, got %d", got)
	}

	// Cut-over and cleanup.
	if got := fx.executed("RENAME TABLE `orders` TO `orders_old`, `_orders_new` TO `orders`"); got != 1 {
		t.Errorf("expected atomic rename, got %d", got)
	}
	if got := fx.executed("DROP TRIGGER IF EXISTS"); got != 3 {
		t.Errorf("expected 3 trigger drops, got %d", got)
	}
	if got := fx.executed("DROP TABLE IF EXISTS `orders_old`"); got != 1 {
		t.Errorf("expected old table drop, got %d", got)
	}
	if got := fx.executed("DROP TABLE IF EXISTS `_orders_audit`"); got != 1 {
		t.Errorf("expected audit table drop, got %d", got)
	}

	// Journal outcome.
	runs, err := j.ListRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v (%d runs)", err, len(runs))
	}
	if runs[0].Status != journal.StatusCompleted {
		t.Errorf("expected completed run, got %q", runs[0].Status)
	}
	if runs[0].CopyHighWater != 25 || runs[0].RowsCopied != 25 {
		t.Errorf("unexpected checkpoint: %+v", runs[0])
	}

	if snap := m.Progress().Snapshot(); snap.Phase != PhaseDone {
		t.Errorf("expected done phase, got %s", snap.Phase)
	}
}

func TestRunWithoutSwapLeavesTablesAlone(t *testing.T) {
	fx := newFixture("orders")
	cfg := fullConfig()
	cfg.SwapTables = false
	cfg.DropOldTable = false
	cfg.DropTriggers = false
	cfg.DropAuditTable = false
	j := testJournal(t)

	if err := New(cfg, fx, j, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fx.executed("RENAME TABLE"); got != 0 {
		t.Errorf("swap disabled but rename executed %d times", got)
	}
	if got := fx.executed("DROP"); got != 0 {
		t.Errorf("cleanup disabled but drops executed %d times", got)
	}
}

func TestRunFailsOnMissingTable(t *testing.T) {
	fx := newFixture("orders")
	delete(fx.tables, "orders")
	j := testJournal(t)

	err := New(fullConfig(), fx, j, nil).Run(context.Background())
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	// Nothing was touched and nothing recorded.
	if len(fx.execs) != 0 {
		t.Errorf("preflight failure must not execute statements, got %v", fx.execs)
	}
	runs, _ := j.ListRuns(10)
	if len(runs) != 0 {
		t.Errorf("preflight failure must not record a run, got %d", len(runs))
	}
}

func TestRunRefusesLeftoverWorkingTables(t *testing.T) {
	fx := newFixture("orders")
	fx.tables["_orders_new"] = true
	j := testJournal(t)

	err := New(fullConfig(), fx, j, nil).Run(context.Background())
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestRunRejectsUnusablePrimaryKey(t *testing.T) {
	cases := map[string][][2]string{
		"no pk":        nil,
		"wrong name":   {{"uuid", "int"}},
		"non-integer":  {{"id", "varchar"}},
		"composite pk": {{"id", "int"}, {"region", "int"}},
	}
	for name, pk := range cases {
		fx := newFixture("orders")
		fx.pkCols = pk
		err := New(fullConfig(), fx, testJournal(t), nil).Run(context.Background())
		if !errors.Is(err, ErrPrecondition) {
			t.Errorf("%s: expected precondition error, got %v", name, err)
		}
	}
}

func TestRunEmptySourceTable(t *testing.T) {
	fx := newFixture("orders")
	fx.minID, fx.maxID = nil, nil
	j := testJournal(t)

	if err := New(fullConfig(), fx, j, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fx.executed("INSERT IGNORE"); got != 0 {
		t.Errorf("empty table must not copy chunks, got %d", got)
	}
	if got := fx.executed("RENAME TABLE"); got != 1 {
		t.Errorf("swap must still happen, got %d", got)
	}
}

func TestPanicFlagAbortsRun(t *testing.T) {
	dir := t.TempDir()
	panicPath := filepath.Join(dir, "panic")
	if err := os.WriteFile(panicPath, nil, 0o644); err != nil {
		t.Fatalf("creating panic flag: %v", err)
	}

	fx := newFixture("orders")
	j := testJournal(t)
	controls := flagfile.New(panicPath, "")

	err := New(fullConfig(), fx, j, controls).Run(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected abort, got %v", err)
	}
	if got := fx.executed("RENAME TABLE"); got != 0 {
		t.Errorf("aborted run must never cut over, got %d renames", got)
	}

	runs, err := j.ListRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v (%d runs)", err, len(runs))
	}
	if runs[0].Status != journal.StatusAborted {
		t.Errorf("expected aborted status, got %q", runs[0].Status)
	}
}

func TestResumeContinuesFromHighWater(t *testing.T) {
	fx := newFixture("orders")
	fx.tables["_orders_new"] = true
	fx.tables["_orders_audit"] = true
	j := testJournal(t)

	// A previous run copied through id 20.
	prev := &journal.Run{Database: "app", Table: "orders", Alter: "ADD COLUMN note VARCHAR(255)"}
	if err := j.CreateRun(prev); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := j.Checkpoint(prev.ID, 20, 20); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	cfg := fullConfig()
	cfg.Resume = true
	cfg.Alter = nil
	if err := New(cfg, fx, j, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fx.executed("CREATE"); got != 0 {
		t.Errorf("resume must not recreate working tables or triggers, got %d creates", got)
	}
	if got := fx.executed("INSERT IGNORE"); got != 1 {
		t.Errorf("expected a single remaining chunk (21-25), got %d", got)
	}

	runs, _ := j.ListRuns(1)
	if runs[0].ID != prev.ID || runs[0].Status != journal.StatusCompleted {
		t.Errorf("expected original run completed, got %+v", runs[0])
	}
	if runs[0].CopyHighWater != 25 {
		t.Errorf("expected high water 25, got %d", runs[0].CopyHighWater)
	}
}

func TestSignalInterruptionLeavesRunResumable(t *testing.T) {
	fx := newFixture("orders")
	j := testJournal(t)

	// The run context is cancelled mid-copy, as a SIGINT would do.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inserts := 0
	fx.execErr = func(stmt string) error {
		if strings.HasPrefix(stmt, "INSERT IGNORE") {
			if inserts++; inserts == 2 {
				cancel()
				return context.Canceled
			}
		}
		return nil
	}

	err := New(fullConfig(), fx, j, nil).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	runs, err := j.ListRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v (%d runs)", err, len(runs))
	}
	if runs[0].Status != journal.StatusInterrupted {
		t.Fatalf("expected interrupted status, got %q", runs[0].Status)
	}
	if runs[0].CopyHighWater != 10 {
		t.Fatalf("expected checkpoint at the last completed chunk, got %d", runs[0].CopyHighWater)
	}

	// A fresh invocation with --resume picks the run up from the
	// checkpoint and finishes it.
	fx2 := newFixture("orders")
	fx2.tables["_orders_new"] = true
	fx2.tables["_orders_audit"] = true
	cfg := fullConfig()
	cfg.Resume = true
	cfg.Alter = nil
	if err := New(cfg, fx2, j, nil).Run(context.Background()); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if got := fx2.executed("CREATE"); got != 0 {
		t.Errorf("resume must not recreate working tables, got %d creates", got)
	}
	if got := fx2.executed("INSERT IGNORE"); got != 2 {
		t.Errorf("expected the 2 remaining chunks, got %d", got)
	}

	runs, _ = j.ListRuns(1)
	if runs[0].Status != journal.StatusCompleted || runs[0].CopyHighWater != 25 {
		t.Fatalf("expected the original run completed through id 25, got %+v", runs[0])
	}
}

func TestResumeWithoutInterruptedRunFails(t *testing.T) {
	fx := newFixture("orders")
	cfg := fullConfig()
	cfg.Resume = true

	err := New(cfg, fx, testJournal(t), nil).Run(context.Background())
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestStatementFailureMarksRunFailed(t *testing.T) {
	fx := newFixture("orders")
	fx.execErr = func(stmt string) error {
		if strings.HasPrefix(stmt, "RENAME TABLE") {
			return errors.New("ERROR 1192: can't execute")
		}
		return nil
	}
	j := testJournal(t)

	err := New(fullConfig(), fx, j, nil).Run(context.Background())
	if err == nil {
		t.Fatal("expected run to fail")
	}
	runs, _ := j.ListRuns(1)
	if len(runs) != 1 || runs[0].Status != journal.StatusFailed {
		t.Fatalf("expected failed run, got %+v", runs)
	}
}
