package destination

import (
	"fmt"
	"strings"

	"github.com/crmbridge/crmsync/pkg/crm"
)

// upsertSQL builds the insert-or-update statement for a kind. Every mapped
// column except the primary key is overwritten on conflict (last write wins
// by run recency); destination-managed columns stay untouched except
// synced_at, which tracks the most recent write.
func upsertSQL(desc crm.Descriptor) string {
	cols := desc.Columns

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	updates := make([]string, 0, len(cols))
	for _, col := range cols[1:] { // skip the primary key
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	updates = append(updates, "synced_at = now()")

	// xmax = 0 distinguishes a fresh insert from a conflict update.
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s RETURNING (xmax = 0) AS inserted",
		desc.Table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// watermarkSQL builds the max-modification-time query for a kind.
func watermarkSQL(desc crm.Descriptor) string {
	return fmt.Sprintf("SELECT max(%s) FROM %s", desc.ModifiedColumn, desc.Table)
}

const (
	beginUnitSQL = `INSERT INTO sync_log
		(run_id, sync_type, entity_type, status, started_at,
		 records_processed, records_inserted, records_updated, records_failed)
		VALUES ($1, $2, $3, $4, now(), 0, 0, 0, 0)
		RETURNING id`

	progressSQL = `UPDATE sync_log SET
		records_processed = $2,
		records_inserted = $3,
		records_updated = $4,
		records_failed = $5
		WHERE id = $1`

	finishUnitSQL = `UPDATE sync_log SET
		status = $2,
		finished_at = now(),
		records_processed = $3,
		records_inserted = $4,
		records_updated = $5,
		records_failed = $6,
		error_message = NULLIF($7, '')
		WHERE id = $1`

	refreshPatternsSQL = `SELECT refresh_deal_patterns($1::bigint[])`
)
