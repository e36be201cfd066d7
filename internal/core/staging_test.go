package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScheduleFile(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedule.csv")
	require.NoError(t, os.WriteFile(path, []byte(scheduleCSV(rows...)), 0o600))
	return path
}

func TestStagingTable(t *testing.T) {
	assert.Equal(t, `"staging_schedule_v12"`, StagingTable(12).Sanitize())
	assert.Equal(t, filepath.Join("/tmp/work", "schedule_12.csv"), StagingFilePath("/tmp/work", 12))
}

func TestWeekdayName(t *testing.T) {
	assert.Equal(t, "Sábado", weekdayName("Sáb"))
	assert.Equal(t, "Sábado", weekdayName("sab"))
	assert.Equal(t, "Segunda-feira", weekdayName("Segunda-feira"))
	assert.Equal(t, "Feriado", weekdayName("Feriado"))
}

func TestStagingLoader_Create(t *testing.T) {
	db := newFakeDB()
	require.NoError(t, NewStagingLoader(0).Create(context.Background(), db, 4))
	assert.Equal(t, 1, db.execCount(`CREATE UNLOGGED TABLE "staging_schedule_v4"`))

	require.NoError(t, DropStaging(context.Background(), db, 4))
	assert.Equal(t, 1, db.execCount(`DROP TABLE IF EXISTS "staging_schedule_v4"`))
}

func TestStagingLoader_Load(t *testing.T) {
	path := writeScheduleFile(t,
		"LEI;Prog;T1;LEI-1;25;Seg;08:00:00;10:00:00;15/09/2024;Projetor;Sala 1;20;Projetor",
		"LEI;Prog;T1;LEI-1;25;Qua;08:00:00;10:00:00;17/09/2024;Projetor;Sala 1;20;Projetor",
		"LEI;Prog;PL1;;12;Sáb;08:00:00;09:00:00;;;Não necessita de sala;;",
	)

	store := newEntityStore()
	db := newFakeDB()
	db.rowHook = store.hook(testKeyCols)
	resolver := NewResolver()

	n, err := NewStagingLoader(2).Load(context.Background(), db, resolver, 3, path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rows := db.copies["staging_schedule_v3"]
	require.Len(t, rows, 3)
	assert.Equal(t, int32(3), rows[2][len(rows[2])-1], "row_no is the last column")

	// Seg, Qua, Sáb and one room; the repeated room is a cache hit.
	hits, misses := resolver.Stats()
	assert.Equal(t, 4, misses)
	assert.Equal(t, 1, hits)
	assert.Equal(t, []any{"Sábado"}, store.data[`Weekday[Sáb]`])
	assert.Equal(t, []any{pgtype.Int4{Int32: 20, Valid: true}}, store.data[`ClassRoom[Sala 1]`])
}

func TestStagingLoader_LoadStopsAtInvalidRow(t *testing.T) {
	path := writeScheduleFile(t,
		"LEI;Prog;T1;;25;Seg;08:00:00;10:00:00;;;;;",
		"LEI;Prog;T2;;25;Ter;08:00:00;10:00:00;;;;;",
		"LEI;Prog;T3;;25;Qua;25:00:00;10:00:00;;;;;",
	)

	store := newEntityStore()
	db := newFakeDB()
	db.rowHook = store.hook(testKeyCols)

	n, err := NewStagingLoader(1).Load(context.Background(), db, NewResolver(), 3, path)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 4, ve.Line)
	assert.Equal(t, "25:00:00", ve.Value)
	assert.Equal(t, int64(2), n, "earlier batches were copied before the failure")
}

func TestStagingLoader_LoadCancelled(t *testing.T) {
	path := writeScheduleFile(t, "LEI;Prog;T1;;25;Seg;08:00:00;10:00:00;;;;;")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStagingLoader(1).Load(ctx, newFakeDB(), NewResolver(), 3, path)
	assert.ErrorIs(t, err, context.Canceled)
}
