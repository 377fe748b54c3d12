package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/complaints-queue/internal/store"
)

// StatusSnapshot holds a point-in-time view of the mirror.
type StatusSnapshot struct {
	// Stored records by complaint status.
	RecordsByStatus map[string]int64 `json:"records_by_status"`
	RecordsTotal    int64            `json:"records_total"`

	// Last cursor row written by each worker.
	Workers      []WorkerStatus `json:"workers"`
	StaleWorkers []string       `json:"stale_workers,omitempty"`

	// Metadata.
	StaleAfterSecs int       `json:"stale_after_secs"`
	CollectedAt    time.Time `json:"collected_at"`
}

// WorkerStatus is a cursor row plus its age.
type WorkerStatus struct {
	store.CursorState
	AgeSecs int64 `json:"age_secs"`
	Stale   bool  `json:"stale"`
}

// StatusReader abstracts the store methods needed by the collector.
type StatusReader interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
	ListCursors(ctx context.Context) ([]store.CursorState, error)
}

// Collector gathers status from the store.
type Collector struct {
	store      StatusReader
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. A worker whose cursor row is older than
// staleAfter is reported stale; zero disables the check.
func NewCollector(st StatusReader, staleAfter time.Duration) *Collector {
	return &Collector{store: st, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) (*StatusSnapshot, error) {
	now := c.now().UTC()
	snap := &StatusSnapshot{
		StaleAfterSecs: int(c.staleAfter / time.Second),
		CollectedAt:    now,
	}

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count by status")
	}
	snap.RecordsByStatus = counts
	for _, n := range counts {
		snap.RecordsTotal += n
	}

	cursors, err := c.store.ListCursors(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list cursors")
	}
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].Worker < cursors[j].Worker })

	snap.Workers = make([]WorkerStatus, 0, len(cursors))
	for _, cur := range cursors {
		ws := WorkerStatus{CursorState: cur}
		if !cur.UpdatedAt.IsZero() {
			ws.AgeSecs = int64(now.Sub(cur.UpdatedAt) / time.Second)
		}
		if c.staleAfter > 0 && now.Sub(cur.UpdatedAt) > c.staleAfter {
			ws.Stale = true
			snap.StaleWorkers = append(snap.StaleWorkers, cur.Worker)
		}
		snap.Workers = append(snap.Workers, ws)
	}

	return snap, nil
}
