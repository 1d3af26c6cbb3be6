package postgres

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

func TestQueryBuilder(t *testing.T) {
	since := time.Unix(1_800_000_000, 0)
	q := newQuery(`SELECT body FROM options WHERE taker = $1`, "0xabc")
	q.window("taken_at", domain.ListOpts{Since: &since})
	q.page("taken_at DESC", domain.ListOpts{Limit: 10, Offset: 20})

	assert.Equal(t,
		`SELECT body FROM options WHERE taker = $1 AND taken_at >= $2 ORDER BY taken_at DESC LIMIT $3 OFFSET $4`,
		q.String())
	assert.Equal(t, []any{"0xabc", since, 10, 20}, q.args)
}

func TestQueryBuilderNoFilters(t *testing.T) {
	q := newQuery(`SELECT id FROM audit_log WHERE 1=1`)
	q.window("created_at", domain.ListOpts{})
	q.page("created_at DESC", domain.ListOpts{})
	assert.Equal(t, `SELECT id FROM audit_log WHERE 1=1 ORDER BY created_at DESC`, q.String())
	assert.Empty(t, q.args)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	data, err := migrationsFS.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	for _, table := range []string{"commitments", "commitment_capacity", "options", "audit_log"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}
