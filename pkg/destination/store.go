// Package destination writes mapped rows to the relational analytic store
// and keeps the durable run log. Upserts are idempotent: replaying a batch
// any number of times converges to the same destination state.
package destination

import (
	"context"
	"time"

	"github.com/crmbridge/crmsync/pkg/config"
	"github.com/crmbridge/crmsync/pkg/crm"
)

// UnitStatus is the durable status of one sync unit. It is monotonic:
// running moves to completed or failed and is never reversed.
type UnitStatus string

const (
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
)

// Counts are the per-unit counters persisted to the run log.
type Counts struct {
	Processed int64
	Inserted  int64
	Updated   int64
	Failed    int64
}

// RowError reports a single row that failed to write. Sibling rows in the
// same batch proceed; a dangling foreign key to a not-yet-synced parent is
// the expected cause.
type RowError struct {
	ID  int64
	Err error
}

// Store is the destination contract consumed by the orchestrator.
type Store interface {
	// UpsertBatch writes a batch of mapped rows for one entity kind,
	// insert-or-update by primary key. Row failures are reported
	// individually and do not block sibling rows; the returned error is
	// reserved for store-level failures.
	UpsertBatch(ctx context.Context, kind crm.Kind, rows []*crm.MappedRow) (UpsertResult, error)

	// Watermark returns the maximum modification timestamp currently in
	// the destination table for the kind, or the zero time when the
	// table is empty. Watermarks are recomputed, not separately stored.
	Watermark(ctx context.Context, kind crm.Kind) (time.Time, error)

	// RefreshDealPatterns asks the destination-side procedure to
	// recompute derived aggregates for the affected deals.
	RefreshDealPatterns(ctx context.Context, dealIDs []int64) error

	// Ping verifies the store is reachable. Unreachable at startup is
	// fatal for the whole run.
	Ping(ctx context.Context) error

	Close()
}

// UpsertResult summarizes one batch write.
type UpsertResult struct {
	Inserted int64
	Updated  int64
	Failed   []RowError
}

// RunLog records sync units durably so a crashed process leaves an accurate
// partial record. One row per (run, entity) unit.
type RunLog interface {
	// BeginUnit durably records a running unit and returns its log id.
	BeginUnit(ctx context.Context, runID string, kind crm.Kind, mode config.SyncMode) (int64, error)

	// UpdateProgress updates the unit's counters mid-flight.
	UpdateProgress(ctx context.Context, unitID int64, counts Counts) error

	// FinishUnit durably records the terminal status, counters and end
	// time. errMsg is empty unless status is failed.
	FinishUnit(ctx context.Context, unitID int64, status UnitStatus, counts Counts, errMsg string) error
}
