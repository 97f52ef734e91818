package migrate

import (
	"sync"
	"time"
)

// Phase names a stage of the migration, in execution order.
type Phase string

const (
	PhasePreflight Phase = "preflight"
	PhaseCapture   Phase = "capture"
	PhaseShadow    Phase = "shadow"
	PhaseCopy      Phase = "copy"
	PhaseReplay    Phase = "replay"
	PhaseCutover   Phase = "cutover"
	PhaseCleanup   Phase = "cleanup"
	PhaseDone      Phase = "done"
)

// Progress is the shared, concurrency-safe view of a running migration
// consumed by the status server and periodic logging.
type Progress struct {
	mu         sync.Mutex
	phase      Phase
	rowsCopied int64
	totalRows  int64
	backlog    int64
	chunks     int64
	startedAt  time.Time
}

// Snapshot is a point-in-time copy of the progress state.
type Snapshot struct {
	Phase          Phase     `json:"phase"`
	RowsCopied     int64     `json:"rows_copied"`
	TotalRows      int64     `json:"total_rows"`
	AuditBacklog   int64     `json:"audit_backlog"`
	Chunks         int64     `json:"chunks"`
	RowsPerSecond  float64   `json:"rows_per_second"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	StartedAt      time.Time `json:"started_at"`
}

// NewProgress returns a tracker starting in the preflight phase.
func NewProgress() *Progress {
	return &Progress{phase: PhasePreflight, startedAt: time.Now()}
}

func (p *Progress) SetPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

func (p *Progress) SetTotalRows(n int64) {
	p.mu.Lock()
	p.totalRows = n
	p.mu.Unlock()
}

// AddCopied records one completed chunk of n copied rows.
func (p *Progress) AddCopied(n int64) {
	p.mu.Lock()
	p.rowsCopied += n
	p.chunks++
	p.mu.Unlock()
}

// SetCopied overwrites the copied-rows counter; used when resuming from
// a journal checkpoint.
func (p *Progress) SetCopied(n int64) {
	p.mu.Lock()
	p.rowsCopied = n
	p.mu.Unlock()
}

func (p *Progress) SetBacklog(n int64) {
	p.mu.Lock()
	p.backlog = n
	p.mu.Unlock()
}

func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.startedAt)
	snap := Snapshot{
		Phase:          p.phase,
		RowsCopied:     p.rowsCopied,
		TotalRows:      p.totalRows,
		AuditBacklog:   p.backlog,
		Chunks:         p.chunks,
		ElapsedSeconds: elapsed.Seconds(),
		StartedAt:      p.startedAt,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		snap.RowsPerSecond = float64(p.rowsCopied) / secs
	}
	return snap
}
