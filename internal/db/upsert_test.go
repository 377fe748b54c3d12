package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertSQL_Postgres(t *testing.T) {
	sql, err := UpsertSQL(UpsertConfig{
		Table:        "complaints",
		Columns:      []string{"complaint_id", "status", "data"},
		ConflictKeys: []string{"complaint_id"},
		ExtraSet:     []string{"updated_at = now()"},
		Where:        "complaints.data IS DISTINCT FROM excluded.data",
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "complaints" ("complaint_id", "status", "data") VALUES ($1, $2, $3) `+
			`ON CONFLICT ("complaint_id") DO UPDATE SET "status" = excluded."status", "data" = excluded."data", updated_at = now() `+
			`WHERE complaints.data IS DISTINCT FROM excluded.data`,
		sql)
}

func TestUpsertSQL_SQLite(t *testing.T) {
	sql, err := UpsertSQL(UpsertConfig{
		Table:        "tender_cache",
		Columns:      []string{"tender_id", "date_modified"},
		ConflictKeys: []string{"tender_id"},
		Placeholder:  Question,
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "tender_cache" ("tender_id", "date_modified") VALUES (?, ?) `+
			`ON CONFLICT ("tender_id") DO UPDATE SET "date_modified" = excluded."date_modified"`,
		sql)
}

func TestUpsertSQL_ExplicitUpdateCols(t *testing.T) {
	sql, err := UpsertSQL(UpsertConfig{
		Table:        "feed_cursors",
		Columns:      []string{"worker", "offset", "skip_until"},
		ConflictKeys: []string{"worker"},
		UpdateCols:   []string{"offset"},
	})
	require.NoError(t, err)
	assert.Contains(t, sql, `SET "offset" = excluded."offset"`)
	assert.NotContains(t, sql, `"skip_until" = excluded`)
}

func TestUpsertSQL_NoColumns(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{
		Table:        "complaints",
		ConflictKeys: []string{"complaint_id"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestUpsertSQL_NoConflictKeys(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{
		Table:   "complaints",
		Columns: []string{"complaint_id"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestUpsertSQL_NothingToUpdate(t *testing.T) {
	_, err := UpsertSQL(UpsertConfig{
		Table:        "complaints",
		Columns:      []string{"complaint_id"},
		ConflictKeys: []string{"complaint_id"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.complaints", `"public"."complaints"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
