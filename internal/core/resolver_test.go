package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// entityStore emulates the entity tables behind findOrCreate.
type entityStore struct {
	mu      sync.Mutex
	nextID  int64
	ids     map[string]int64
	inserts int
	lookups int
	data    map[string][]any
}

func newEntityStore() *entityStore {
	return &entityStore{nextID: 100, ids: make(map[string]int64), data: make(map[string][]any)}
}

func (s *entityStore) seed(table string, id int64, key ...any) {
	s.ids[table+fmt.Sprint([]any(key))] = id
}

func (s *entityStore) hook(keyCols map[string]int) func(string, []any) pgx.Row {
	return func(sql string, args []any) pgx.Row {
		s.mu.Lock()
		defer s.mu.Unlock()

		table := tableIn(sql)
		n := keyCols[table]
		k := table + fmt.Sprint(args[:n])

		if strings.HasPrefix(sql, "INSERT") {
			s.inserts++
			if _, exists := s.ids[k]; exists {
				return fakeRow{err: pgx.ErrNoRows}
			}
			s.nextID++
			s.ids[k] = s.nextID
			s.data[k] = args[n:]
			return fakeRow{vals: []any{s.nextID}}
		}

		s.lookups++
		id, ok := s.ids[k]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{id}}
	}
}

// tableIn returns the first quoted identifier of a statement.
func tableIn(sql string) string {
	start := strings.Index(sql, `"`)
	end := strings.Index(sql[start+1:], `"`)
	return sql[start+1 : start+1+end]
}

var testKeyCols = map[string]int{
	"Weekday":   1,
	"ClassRoom": 1,
	"Slot":      2,
}

// entitySlot has a nullable second key column, like a shift without class group.
const entitySlot EntityKind = "slot"

func init() {
	RegisterEntity(EntitySpec{Kind: entitySlot, Table: "Slot", KeyColumns: []string{"name", "parentId"}})
}

func weekdayDefaults(name string) DefaultsFunc {
	return func() []any { return []any{name} }
}

func roomCapacity(c int32) DefaultsFunc {
	return func() []any { return []any{c} }
}

func TestResolver_CachesWithinRun(t *testing.T) {
	store := newEntityStore()
	db := newFakeDB()
	db.rowHook = store.hook(testKeyCols)

	r := NewResolver()
	ctx := context.Background()

	id1, err := r.Resolve(ctx, db, EntityWeekday, NaturalKey{"Seg"}, weekdayDefaults("Segunda-feira"))
	require.NoError(t, err)
	id2, err := r.Resolve(ctx, db, EntityWeekday, NaturalKey{"Seg"}, weekdayDefaults("Segunda-feira"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, store.inserts, "second resolve must be served from the cache")

	hits, misses := r.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

func TestResolver_FindsExisting(t *testing.T) {
	store := newEntityStore()
	store.seed("ClassRoom", 7, "Sala 1")
	db := newFakeDB()
	db.rowHook = store.hook(testKeyCols)

	called := false
	id, err := NewResolver().Resolve(context.Background(), db, EntityRoom, NaturalKey{"Sala 1"}, func() []any {
		called = true
		return []any{int32(20)}
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), id)
	assert.True(t, called, "defaults are built for the insert attempt")
	assert.Equal(t, 1, store.inserts)
	assert.Equal(t, 1, store.lookups)
}

func TestResolver_NullKeyPart(t *testing.T) {
	store := newEntityStore()
	db := newFakeDB()
	db.rowHook = store.hook(testKeyCols)
	r := NewResolver()
	ctx := context.Background()

	a, err := r.Resolve(ctx, db, entitySlot, NaturalKey{"T1", nil}, nil)
	require.NoError(t, err)
	b, err := r.Resolve(ctx, db, entitySlot, NaturalKey{"T1", int64(2)}, nil)
	require.NoError(t, err)
	c, err := r.Resolve(ctx, db, entitySlot, NaturalKey{"T1", nil}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "a NULL key part is a distinct entity")
	assert.Equal(t, a, c)
}

func TestResolver_ConcurrentSameKey(t *testing.T) {
	store := newEntityStore()
	db := newFakeDB()
	db.rowHook = store.hook(testKeyCols)
	r := NewResolver()

	const workers = 20
	ids := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Resolve(context.Background(), db, EntityRoom, NaturalKey{"Sala 4"}, roomCapacity(30))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, store.inserts)
}

func TestResolver_CacheIsPerRun(t *testing.T) {
	store := newEntityStore()
	db := newFakeDB()
	db.rowHook = store.hook(testKeyCols)
	ctx := context.Background()

	_, err := NewResolver().Resolve(ctx, db, EntityWeekday, NaturalKey{"Ter"}, weekdayDefaults("Terça-feira"))
	require.NoError(t, err)
	_, err = NewResolver().Resolve(ctx, db, EntityWeekday, NaturalKey{"Ter"}, weekdayDefaults("Terça-feira"))
	require.NoError(t, err)

	assert.Equal(t, 2, store.inserts, "a new resolver starts with an empty cache")
	assert.Equal(t, 1, store.lookups)
}

func TestResolver_InvalidInput(t *testing.T) {
	db := newFakeDB()
	r := NewResolver()
	ctx := context.Background()

	_, err := r.Resolve(ctx, db, EntityKind("building"), NaturalKey{"x"}, nil)
	assert.ErrorContains(t, err, "unknown entity kind")

	_, err = r.Resolve(ctx, db, EntityRoom, NaturalKey{"Sala 1", int64(2)}, roomCapacity(20))
	assert.ErrorContains(t, err, "key has 2 values, want 1")

	_, err = r.Resolve(ctx, db, EntityRoom, NaturalKey{"Sala 1"}, nil)
	assert.ErrorContains(t, err, "defaults required")

	_, err = r.Resolve(ctx, db, EntityRoom, NaturalKey{"Sala 1"}, func() []any { return nil })
	assert.ErrorContains(t, err, "defaults has 0 values")
}

func TestResolver_ConstraintViolation(t *testing.T) {
	db := newFakeDB()
	db.rowHook = func(string, []any) pgx.Row {
		return fakeRow{err: &pgconn.PgError{Code: "23502", TableName: "Weekday", ColumnName: "name"}}
	}

	_, err := NewResolver().Resolve(context.Background(), db, EntityWeekday, NaturalKey{"Dom"}, weekdayDefaults(""))

	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "23502", ce.Code)
	assert.Equal(t, "Weekday", ce.Table)
	assert.Equal(t, "DB003", MapError(err).Code)
}

func TestEntityRegistry(t *testing.T) {
	spec, ok := EntitySpecFor(EntityRoom)
	require.True(t, ok)
	assert.Equal(t, "ClassRoom", spec.Table)
	assert.Equal(t, []string{"name"}, spec.KeyColumns)
	assert.Equal(t, []string{"capacity"}, spec.DataColumns)

	_, ok = EntitySpecFor(EntityKind("shift"))
	assert.False(t, ok)

	assert.Panics(t, func() {
		RegisterEntity(EntitySpec{Kind: EntityWeekday, Table: "Weekday"})
	})
}
