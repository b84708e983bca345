package destination

import (
	"context"
	goerrors "errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/crmbridge/crmsync/pkg/config"
	"github.com/crmbridge/crmsync/pkg/crm"
	"github.com/crmbridge/crmsync/pkg/errors"
	"github.com/crmbridge/crmsync/pkg/metrics"
)

// Postgres implements Store and RunLog against PostgreSQL via pgx.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	// upsert statements are fixed per kind; build them once
	stmtOnce sync.Once
	stmts    map[crm.Kind]string
}

// NewPostgres connects to the destination store. An unreachable store is a
// fatal startup error for the caller.
func NewPostgres(ctx context.Context, cfg config.DestinationConfig, logger *zap.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Connection)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid destination connection string")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create destination pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "destination store unreachable")
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// statements lazily builds the per-kind upsert statements.
func (p *Postgres) statements() map[crm.Kind]string {
	p.stmtOnce.Do(func() {
		p.stmts = make(map[crm.Kind]string, len(crm.SyncOrder))
		for _, kind := range crm.SyncOrder {
			p.stmts[kind] = upsertSQL(crm.Describe(kind))
		}
	})
	return p.stmts
}

// UpsertBatch writes the batch row by row so that a single row's failure
// (typically a foreign-key violation from a not-yet-synced parent) is
// reported per row and does not poison sibling rows. Each statement is its
// own implicit transaction, which keeps replays idempotent.
func (p *Postgres) UpsertBatch(ctx context.Context, kind crm.Kind, rows []*crm.MappedRow) (UpsertResult, error) {
	sql := p.statements()[kind]

	var result UpsertResult
	for _, row := range rows {
		var inserted bool
		if err := p.pool.QueryRow(ctx, sql, row.Values...).Scan(&inserted); err != nil {
			if ctx.Err() != nil {
				return result, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "batch write cancelled")
			}
			if !rowScopedError(err) {
				// The store itself is in trouble; letting the loop run on
				// would misreport an outage as row failures.
				return result, errors.Wrap(err, errors.ErrorTypeConnection, "destination write failed").
					WithDetail("entity", string(kind)).
					WithDetail("id", row.ID)
			}
			result.Failed = append(result.Failed, RowError{ID: row.ID, Err: err})
			metrics.RecordsProcessed.WithLabelValues(string(kind), "failed").Inc()
			p.logger.Warn("row write failed",
				zap.String("entity", string(kind)),
				zap.Int64("id", row.ID),
				zap.Error(err))
			continue
		}
		if inserted {
			result.Inserted++
			metrics.RecordsProcessed.WithLabelValues(string(kind), "inserted").Inc()
		} else {
			result.Updated++
			metrics.RecordsProcessed.WithLabelValues(string(kind), "updated").Inc()
		}
	}

	return result, nil
}

// rowScopedError reports whether a write failure is confined to the row.
// SQLSTATE classes 22 (data exception) and 23 (integrity violation) cover
// bad values and dangling foreign keys to not-yet-synced parents. Anything
// else, lost connections and pool errors in particular, is store-level and
// must fail the whole unit.
func rowScopedError(err error) bool {
	var pgErr *pgconn.PgError
	if !goerrors.As(err, &pgErr) {
		return false
	}
	if len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	default:
		return false
	}
}

// Watermark recomputes the kind's watermark from the destination table.
func (p *Postgres) Watermark(ctx context.Context, kind crm.Kind) (time.Time, error) {
	var wm *time.Time
	if err := p.pool.QueryRow(ctx, watermarkSQL(crm.Describe(kind))).Scan(&wm); err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read watermark").
			WithDetail("entity", string(kind))
	}
	if wm == nil {
		return time.Time{}, nil
	}
	return *wm, nil
}

// RefreshDealPatterns invokes the destination-side aggregate recomputation
// for the affected deals.
func (p *Postgres) RefreshDealPatterns(ctx context.Context, dealIDs []int64) error {
	if len(dealIDs) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, refreshPatternsSQL, dealIDs); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to refresh deal patterns").
			WithDetail("deals", len(dealIDs))
	}
	return nil
}

// BeginUnit durably records a running sync unit.
func (p *Postgres) BeginUnit(ctx context.Context, runID string, kind crm.Kind, mode config.SyncMode) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, beginUnitSQL, runID, string(mode), string(kind), string(UnitRunning)).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to record sync unit start").
			WithDetail("entity", string(kind))
	}
	return id, nil
}

// UpdateProgress updates the unit's counters.
func (p *Postgres) UpdateProgress(ctx context.Context, unitID int64, counts Counts) error {
	_, err := p.pool.Exec(ctx, progressSQL, unitID,
		counts.Processed, counts.Inserted, counts.Updated, counts.Failed)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to update sync unit progress").
			WithDetail("unit_id", unitID)
	}
	return nil
}

// FinishUnit durably records the unit's terminal state.
func (p *Postgres) FinishUnit(ctx context.Context, unitID int64, status UnitStatus, counts Counts, errMsg string) error {
	_, err := p.pool.Exec(ctx, finishUnitSQL, unitID, string(status),
		counts.Processed, counts.Inserted, counts.Updated, counts.Failed, errMsg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to record sync unit finish").
			WithDetail("unit_id", unitID)
	}
	return nil
}

// Ping verifies the store is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "destination store unreachable")
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
