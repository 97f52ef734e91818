package journal

import (
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestCreateAndCheckpointRun(t *testing.T) {
	j := openTestJournal(t)

	run := &Run{Database: "app", Table: "orders", Alter: "ADD COLUMN note VARCHAR(255)"}
	if err := j.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected an assigned run ID")
	}
	if run.Status != StatusRunning {
		t.Fatalf("expected running status, got %q", run.Status)
	}

	if err := j.Checkpoint(run.ID, 5000, 4800); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := j.Checkpoint(run.ID, 10000, 9700); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	got, err := j.ResumableRun("app", "orders")
	if err != nil {
		t.Fatalf("ResumableRun: %v", err)
	}
	if got == nil {
		t.Fatal("expected a resumable run")
	}
	if got.CopyHighWater != 10000 || got.RowsCopied != 9700 {
		t.Fatalf("unexpected checkpoint state: %+v", got)
	}
	if got.Alter != run.Alter {
		t.Fatalf("expected alter %q, got %q", run.Alter, got.Alter)
	}
}

func TestFinishRunIsTerminal(t *testing.T) {
	j := openTestJournal(t)

	run := &Run{Database: "app", Table: "orders", Alter: "ENGINE=InnoDB"}
	if err := j.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := j.FinishRun(run.ID, StatusCompleted); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	// Completed runs are not resumable.
	got, err := j.ResumableRun("app", "orders")
	if err != nil {
		t.Fatalf("ResumableRun: %v", err)
	}
	if got != nil {
		t.Fatalf("completed run must not be resumable, got %+v", got)
	}

	// Finishing twice is an error, not silent corruption.
	if err := j.FinishRun(run.ID, StatusFailed); err == nil {
		t.Fatal("expected error finishing a terminal run")
	}
}

func TestInterruptedRunIsResumable(t *testing.T) {
	j := openTestJournal(t)

	run := &Run{Database: "app", Table: "orders", Alter: "ADD COLUMN note VARCHAR(255)"}
	if err := j.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := j.Checkpoint(run.ID, 20, 20); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := j.FinishRun(run.ID, StatusInterrupted); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	// A gracefully interrupted run resumes exactly like one the
	// process died under.
	got, err := j.ResumableRun("app", "orders")
	if err != nil {
		t.Fatalf("ResumableRun: %v", err)
	}
	if got == nil {
		t.Fatal("expected the interrupted run to be resumable")
	}
	if got.ID != run.ID || got.CopyHighWater != 20 {
		t.Fatalf("unexpected resumable run: %+v", got)
	}

	// And the resumed run can still reach a terminal status.
	if err := j.FinishRun(run.ID, StatusCompleted); err != nil {
		t.Fatalf("FinishRun after resume: %v", err)
	}
	if got, _ = j.ResumableRun("app", "orders"); got != nil {
		t.Fatalf("completed run must not be resumable, got %+v", got)
	}
}

func TestResumableRunIgnoresOtherTables(t *testing.T) {
	j := openTestJournal(t)

	other := &Run{Database: "app", Table: "users", Alter: "ADD COLUMN x INT"}
	if err := j.CreateRun(other); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := j.ResumableRun("app", "orders")
	if err != nil {
		t.Fatalf("ResumableRun: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no resumable run for orders, got %+v", got)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	j := openTestJournal(t)

	for _, table := range []string{"a", "b", "c"} {
		run := &Run{Database: "app", Table: table, Alter: "ENGINE=InnoDB"}
		if err := j.CreateRun(run); err != nil {
			t.Fatalf("CreateRun %s: %v", table, err)
		}
		if err := j.FinishRun(run.ID, StatusCompleted); err != nil {
			t.Fatalf("FinishRun %s: %v", table, err)
		}
	}

	runs, err := j.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	for _, run := range runs {
		if run.Status != StatusCompleted {
			t.Fatalf("unexpected status %q", run.Status)
		}
		if !run.FinishedAt.Valid {
			t.Fatal("expected finished timestamp")
		}
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	run := &Run{Database: "app", Table: "orders", Alter: "ADD KEY idx_a (a)"}
	if err := j.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	j.Close()

	// Reopen: migrations must be no-ops, state must survive.
	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()

	got, err := j.ResumableRun("app", "orders")
	if err != nil {
		t.Fatalf("ResumableRun: %v", err)
	}
	if got == nil || got.ID != run.ID {
		t.Fatalf("expected run %s to survive restart, got %+v", run.ID, got)
	}
}
