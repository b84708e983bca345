// Package engine sequences a sync run: entity kinds in dependency order,
// full or incremental selection, fetch → map → upsert per entity, durable
// run logging, and aggregate-recomputation signaling for affected deals.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crmbridge/crmsync/pkg/config"
	"github.com/crmbridge/crmsync/pkg/crm"
	"github.com/crmbridge/crmsync/pkg/destination"
	"github.com/crmbridge/crmsync/pkg/logger"
	"github.com/crmbridge/crmsync/pkg/metrics"
	"github.com/crmbridge/crmsync/pkg/source"
)

// Fetcher streams pages of raw records for one entity kind. Satisfied by
// *source.Client; tests substitute a fake.
type Fetcher interface {
	FetchPages(ctx context.Context, kind crm.Kind, since *time.Time, fn func(source.Page) error) error
}

// Orchestrator owns one SyncRun at a time. It processes entity kinds
// sequentially in dependency order; the shared rate limiter lives inside
// the fetcher, so the request ceiling holds regardless.
type Orchestrator struct {
	fetcher  Fetcher
	store    destination.Store
	runlog   destination.RunLog
	mode     config.SyncMode
	lookback time.Duration
	logger   *zap.Logger

	// pattern refresh signals are fire-and-forget; the run waits for
	// them only on exit so they cannot outlive the process
	signals sync.WaitGroup
}

// New creates an orchestrator for the given mode and lookback overlap.
func New(fetcher Fetcher, store destination.Store, runlog destination.RunLog, mode config.SyncMode, lookback time.Duration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		fetcher:  fetcher,
		store:    store,
		runlog:   runlog,
		mode:     mode,
		lookback: lookback,
		logger:   logger,
	}
}

// UnitReport is the in-memory outcome of one sync unit. The durable record
// lives in the run log.
type UnitReport struct {
	Kind     crm.Kind
	Status   destination.UnitStatus
	Counts   destination.Counts
	Err      error
	Duration time.Duration
}

// RunReport summarizes one run. Succeeded is true only if every unit
// reached completed; partial failure is reported, never rolled back.
type RunReport struct {
	RunID     string
	Mode      config.SyncMode
	Units     []UnitReport
	Succeeded bool
	Duration  time.Duration
}

// Run executes one sync run. The returned error is non-nil only for fatal
// conditions (destination unreachable, run log unwritable); unit-level
// failures are reported in the RunReport and the durable log.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	runID := newRunID()
	start := time.Now()

	// Run metadata travels in the context so every layer below derives the
	// same log fields from it.
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	ctx = context.WithValue(ctx, logger.ModeKey, string(o.mode))

	log := logger.WithContext(ctx, o.logger)
	log.Info("sync run started", zap.Int("entities", len(crm.SyncOrder)))

	report := &RunReport{RunID: runID, Mode: o.mode, Succeeded: true}

	for _, kind := range crm.SyncOrder {
		// Aborts take effect between entity kinds; already-written
		// pages stay valid because writes are idempotent.
		if ctx.Err() != nil {
			report.Succeeded = false
			log.Warn("run aborted, remaining entities skipped", zap.String("next", string(kind)))
			break
		}

		unit, err := o.runUnit(ctx, runID, kind)
		if err != nil {
			// Fatal: the run log or store itself is broken.
			o.signals.Wait()
			return nil, err
		}

		report.Units = append(report.Units, *unit)
		if unit.Status != destination.UnitCompleted {
			report.Succeeded = false
		}
	}

	o.signals.Wait()
	report.Duration = time.Since(start)

	log.Info("sync run finished",
		zap.Bool("succeeded", report.Succeeded),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// runUnit drives fetch → map → upsert for one entity kind and records the
// unit durably. Unit-scoped failures are captured in the report; only run
// log write failures propagate as fatal.
func (o *Orchestrator) runUnit(ctx context.Context, runID string, kind crm.Kind) (*UnitReport, error) {
	unitStart := time.Now()
	ctx = context.WithValue(ctx, logger.EntityKey, string(kind))
	unitLog := logger.WithContext(ctx, o.logger)

	since, sinceErr := o.selectionBound(ctx, kind)
	if sinceErr != nil {
		// Cannot establish the incremental bound; the unit fails but
		// the run continues to other kinds.
		return o.failBeforeStart(ctx, runID, kind, sinceErr, unitStart, unitLog)
	}

	unitID, err := o.runlog.BeginUnit(ctx, runID, kind, o.mode)
	if err != nil {
		return nil, err
	}

	if since != nil {
		unitLog.Info("sync unit started", zap.Time("modified_after", *since))
	} else {
		unitLog.Info("sync unit started", zap.String("selection", "full"))
	}

	var counts destination.Counts
	affected := make(map[int64]struct{})

	fetchErr := o.fetcher.FetchPages(ctx, kind, since, func(page source.Page) error {
		rows := make([]*crm.MappedRow, 0, len(page.Records))
		for _, raw := range page.Records {
			row, mapErr := crm.Map(kind, raw)
			if mapErr != nil {
				// Record-scoped: count and keep the siblings.
				counts.Failed++
				metrics.RecordsProcessed.WithLabelValues(string(kind), "failed").Inc()
				unitLog.Warn("record failed to map", zap.Error(mapErr))
				continue
			}
			rows = append(rows, row)
		}
		counts.Processed += int64(len(page.Records))

		result, upsertErr := o.store.UpsertBatch(ctx, kind, rows)
		counts.Inserted += result.Inserted
		counts.Updated += result.Updated
		counts.Failed += int64(len(result.Failed))
		if upsertErr != nil {
			return upsertErr
		}

		for _, row := range rows {
			if row.DealID != 0 {
				affected[row.DealID] = struct{}{}
			}
		}

		if progErr := o.runlog.UpdateProgress(ctx, unitID, counts); progErr != nil {
			unitLog.Warn("failed to update unit progress", zap.Error(progErr))
		}
		return nil
	})

	unit := &UnitReport{Kind: kind, Counts: counts}

	if fetchErr != nil {
		unit.Status = destination.UnitFailed
		unit.Err = fetchErr
		msg := fetchErr.Error()
		if ctx.Err() != nil {
			msg = fmt.Sprintf("cancelled: %v", fetchErr)
		}
		if finErr := o.runlog.FinishUnit(ctx, unitID, destination.UnitFailed, counts, msg); finErr != nil {
			unitLog.Warn("failed to record unit failure", zap.Error(finErr))
		}
		unitLog.Error("sync unit failed", zap.Error(fetchErr), zap.Int64("processed", counts.Processed))
	} else {
		unit.Status = destination.UnitCompleted
		if finErr := o.runlog.FinishUnit(ctx, unitID, destination.UnitCompleted, counts, ""); finErr != nil {
			return nil, finErr
		}
		unitLog.Info("sync unit completed",
			zap.Int64("processed", counts.Processed),
			zap.Int64("inserted", counts.Inserted),
			zap.Int64("updated", counts.Updated),
			zap.Int64("failed", counts.Failed))

		if len(affected) > 0 {
			o.signalPatterns(affected, unitLog)
		}
	}

	unit.Duration = time.Since(unitStart)
	metrics.UnitDuration.WithLabelValues(string(kind), string(unit.Status)).Observe(unit.Duration.Seconds())
	return unit, nil
}

// selectionBound computes the incremental lower bound for a kind: the
// watermark minus the lookback overlap. Full mode, or an empty destination
// table, yields no bound.
func (o *Orchestrator) selectionBound(ctx context.Context, kind crm.Kind) (*time.Time, error) {
	if o.mode != config.SyncModeIncremental {
		return nil, nil
	}
	wm, err := o.store.Watermark(ctx, kind)
	if err != nil {
		return nil, err
	}
	if wm.IsZero() {
		return nil, nil
	}
	bound := wm.Add(-o.lookback)
	return &bound, nil
}

// failBeforeStart records a unit that failed before its first fetch.
func (o *Orchestrator) failBeforeStart(ctx context.Context, runID string, kind crm.Kind, cause error, started time.Time, unitLog *zap.Logger) (*UnitReport, error) {
	unitID, err := o.runlog.BeginUnit(ctx, runID, kind, o.mode)
	if err != nil {
		return nil, err
	}
	if finErr := o.runlog.FinishUnit(ctx, unitID, destination.UnitFailed, destination.Counts{}, cause.Error()); finErr != nil {
		unitLog.Warn("failed to record unit failure", zap.Error(finErr))
	}
	unitLog.Error("sync unit failed before fetch", zap.Error(cause))

	unit := &UnitReport{
		Kind:     kind,
		Status:   destination.UnitFailed,
		Err:      cause,
		Duration: time.Since(started),
	}
	metrics.UnitDuration.WithLabelValues(string(kind), string(unit.Status)).Observe(unit.Duration.Seconds())
	return unit, nil
}

// signalPatterns fires the aggregate-recomputation signal for the deals
// touched by a completed unit. The signal never blocks the run and its
// failure never fails the unit.
func (o *Orchestrator) signalPatterns(affected map[int64]struct{}, unitLog *zap.Logger) {
	dealIDs := make([]int64, 0, len(affected))
	for id := range affected {
		dealIDs = append(dealIDs, id)
	}

	o.signals.Add(1)
	go func() {
		defer o.signals.Done()
		// Independent deadline: the signal must not inherit a run
		// cancellation that arrives after the unit completed.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := o.store.RefreshDealPatterns(ctx, dealIDs); err != nil {
			unitLog.Warn("deal pattern refresh failed",
				zap.Int("deals", len(dealIDs)),
				zap.Error(err))
			return
		}
		unitLog.Info("deal pattern refresh requested",
			zap.Int("deals", len(dealIDs)))
	}()
}

// newRunID generates an opaque run identifier for the durable log.
func newRunID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), hex.EncodeToString(buf))
}
