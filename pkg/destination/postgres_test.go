package destination

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestRowScopedErrorClassification(t *testing.T) {
	// Integrity and data-exception violations stay row-scoped: a dangling
	// foreign key or a bad value poisons one row, never the unit.
	assert.True(t, rowScopedError(&pgconn.PgError{Code: "23503"}), "foreign key violation")
	assert.True(t, rowScopedError(&pgconn.PgError{Code: "23505"}), "unique violation")
	assert.True(t, rowScopedError(&pgconn.PgError{Code: "23514"}), "check violation")
	assert.True(t, rowScopedError(&pgconn.PgError{Code: "22P02"}), "invalid text representation")

	// Wrapped server errors classify the same way.
	assert.True(t, rowScopedError(fmt.Errorf("scan: %w", &pgconn.PgError{Code: "23503"})))

	// Everything else means the store itself is in trouble and the unit
	// must fail instead of absorbing the outage as row failures.
	assert.False(t, rowScopedError(&pgconn.PgError{Code: "57P01"}), "admin shutdown")
	assert.False(t, rowScopedError(&pgconn.PgError{Code: "53300"}), "too many connections")
	assert.False(t, rowScopedError(&pgconn.PgError{Code: "42P01"}), "missing table")
	assert.False(t, rowScopedError(fmt.Errorf("write tcp: connection reset by peer")))
	assert.False(t, rowScopedError(&pgconn.PgError{Code: ""}))
}
