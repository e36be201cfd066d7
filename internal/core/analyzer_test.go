package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// analysisDB serves the two snapshot queries of LoadEntryFacts.
func analysisDB(entries [][]any, features [][]any) *fakeDB {
	db := newFakeDB()
	db.rowsHook = func(sql string, _ []any) (pgx.Rows, error) {
		if strings.Contains(sql, `FROM "ScheduleFeature"`) {
			return &fakeRows{rows: features}, nil
		}
		return &fakeRows{rows: entries}, nil
	}
	return db
}

func entryRow(id int64, enrollment int32, room string, capacity int32, wdName, wdAbbr string, start, end ClockTime) []any {
	var roomName pgtype.Text
	var roomCap pgtype.Int4
	if room != "" {
		roomName = pgtype.Text{String: room, Valid: true}
		roomCap = pgtype.Int4{Int32: capacity, Valid: true}
	}
	return []any{
		id, "T1", enrollment, roomName, roomCap,
		pgtype.Text{String: wdName, Valid: true}, pgtype.Text{String: wdAbbr, Valid: true},
		start.PgTime(), end.PgTime(),
	}
}

func TestLoadEntryFacts(t *testing.T) {
	db := analysisDB(
		[][]any{
			entryRow(1, 25, "Sala 1", 20, "Segunda-feira", "Seg", NewClockTime(8, 0, 0), NewClockTime(10, 0, 0)),
			entryRow(2, 12, "", 0, "Sábado", "Sáb", NewClockTime(8, 0, 0), NewClockTime(9, 0, 0)),
		},
		[][]any{
			{int64(1), "requested", "Projetor"},
			{int64(1), "real", "Quadro"},
			{int64(7), "real", "Orphan"},
		},
	)

	entries, err := LoadEntryFacts(context.Background(), db, 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Sala 1", entries[0].RoomName)
	assert.Equal(t, int32(20), entries[0].RoomCapacity.Int32)
	assert.Equal(t, []string{"Projetor"}, entries[0].Requested)
	assert.Equal(t, []string{"Quadro"}, entries[0].Real)
	assert.Equal(t, NewClockTime(10, 0, 0), entries[0].End)

	assert.False(t, entries[1].HasRoom())
	assert.False(t, entries[1].RoomCapacity.Valid)
	assert.Equal(t, "Sáb", entries[1].WeekdayAbbr)
}

func TestLoadEntryFacts_NullTimeFails(t *testing.T) {
	row := entryRow(3, 10, "Sala 1", 20, "Sábado", "Sáb", NewClockTime(8, 0, 0), NewClockTime(9, 0, 0))
	row[7] = pgtype.Time{}

	_, err := LoadEntryFacts(context.Background(), analysisDB([][]any{row}, nil), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 3")
}

type stubRule struct {
	name     string
	findings []Finding
	err      error
}

func (r stubRule) Name() string { return r.name }
func (r stubRule) Evaluate([]EntryFacts) ([]Finding, error) {
	return r.findings, r.err
}

func TestAnalyzer_Run(t *testing.T) {
	db := analysisDB(
		[][]any{
			entryRow(1, 25, "Sala 1", 20, "Sábado", "Sáb", NewClockTime(8, 0, 0), NewClockTime(10, 0, 0)),
			entryRow(2, 10, "Sala 1", 20, "Segunda-feira", "Seg", NewClockTime(9, 0, 0), NewClockTime(10, 0, 0)),
		},
		nil,
	)

	a := NewAnalyzer(DefaultRules(DefaultSlotPredicates())...)
	steps, n, err := a.Run(context.Background(), db, 5)
	require.NoError(t, err)

	assert.Equal(t, int64(2), n)
	require.Len(t, steps, 3)
	assert.Equal(t, "overcrowding", steps[0].Name)
	assert.Equal(t, int64(1), steps[0].Rows)
	assert.Equal(t, int64(0), steps[1].Rows)
	assert.Equal(t, int64(1), steps[2].Rows)

	rows := db.copies["QualityIssue"]
	require.Len(t, rows, 2)
	assert.Equal(t, []any{int64(1), "overcrowding", "Turno com 25 alunos excede a capacidade da sala (20)"}, rows[0])
	assert.Equal(t, []any{int64(1), "unwanted-slot", "Aula às 8h00 da manhã no sábado"}, rows[1])
}

func TestAnalyzer_DeduplicatesPerEntryAndType(t *testing.T) {
	db := analysisDB([][]any{
		entryRow(3, 1, "", 0, "Sábado", "Sáb", NewClockTime(8, 0, 0), NewClockTime(9, 0, 0)),
	}, nil)

	dup := Finding{ScheduleID: 3, Type: IssueUnwantedSlot, Description: "a"}
	a := NewAnalyzer(
		stubRule{name: "first", findings: []Finding{dup, dup}},
		stubRule{name: "second", findings: []Finding{{ScheduleID: 3, Type: IssueUnwantedSlot, Description: "b"}}},
		stubRule{name: "third", findings: []Finding{{ScheduleID: 3, Type: IssueOvercrowding, Description: "c"}}},
	)

	steps, n, err := a.Run(context.Background(), db, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(1), steps[0].Rows)
	assert.Equal(t, int64(0), steps[1].Rows)
	assert.Equal(t, int64(1), steps[2].Rows)
}

func TestAnalyzer_NoFindingsSkipsInsert(t *testing.T) {
	db := analysisDB(nil, nil)

	_, n, err := NewAnalyzer(DefaultRules(DefaultSlotPredicates())...).Run(context.Background(), db, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, db.copies)
}

func TestAnalyzer_RuleErrorAborts(t *testing.T) {
	db := analysisDB([][]any{
		entryRow(1, 1, "", 0, "Seg", "Seg", 0, 0),
	}, nil)

	boom := errors.New("boom")
	a := NewAnalyzer(
		stubRule{name: "ok", findings: []Finding{{ScheduleID: 1, Type: IssueOvercrowding}}},
		stubRule{name: "bad", err: boom},
	)

	_, _, err := a.Run(context.Background(), db, 1)
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "rule bad")
	assert.Empty(t, db.copies, "nothing is persisted when a rule fails")
}
