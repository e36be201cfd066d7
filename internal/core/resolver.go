package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
)

// EntityKind names a normalized entity table the resolver can find or create.
// Programs, subjects, class groups, shifts and features are created in bulk by
// the Normalizer; only the kinds resolved row by row during staging are
// registered here.
type EntityKind string

const (
	EntityWeekday EntityKind = "weekday"
	EntityRoom    EntityKind = "room"
)

// EntitySpec describes how an entity kind is stored.
type EntitySpec struct {
	Kind        EntityKind
	Table       string
	KeyColumns  []string // natural key, must be covered by a unique constraint
	DataColumns []string // filled from defaults on creation only
}

// NaturalKey holds the key column values, in EntitySpec.KeyColumns order.
type NaturalKey []any

// DefaultsFunc builds the DataColumns values for a new entity.
type DefaultsFunc func() []any

var (
	entitySpecs   = make(map[EntityKind]EntitySpec)
	entitySpecsMu sync.RWMutex
)

// RegisterEntity adds an entity spec to the registry.
// Panics if the kind is already registered.
func RegisterEntity(spec EntitySpec) {
	entitySpecsMu.Lock()
	defer entitySpecsMu.Unlock()

	if _, exists := entitySpecs[spec.Kind]; exists {
		panic(fmt.Sprintf("entity already registered: %s", spec.Kind))
	}
	entitySpecs[spec.Kind] = spec
}

// EntitySpecFor returns the spec of a kind.
func EntitySpecFor(kind EntityKind) (EntitySpec, bool) {
	entitySpecsMu.RLock()
	defer entitySpecsMu.RUnlock()

	spec, ok := entitySpecs[kind]
	return spec, ok
}

func init() {
	RegisterEntity(EntitySpec{
		Kind:        EntityWeekday,
		Table:       "Weekday",
		KeyColumns:  []string{"abbreviation"},
		DataColumns: []string{"name"},
	})
	RegisterEntity(EntitySpec{
		Kind:        EntityRoom,
		Table:       "ClassRoom",
		KeyColumns:  []string{"name"},
		DataColumns: []string{"capacity"},
	})
}

// Resolver finds or creates normalized entities by natural key.
//
// A Resolver belongs to exactly one run: its identity cache is never shared
// between versions and is dropped with the Resolver when the run ends.
// Resolve is safe for concurrent use; callers for the same key observe the
// same id and only one row is created. Lookups are serialized because the run
// transaction itself cannot serve concurrent queries.
type Resolver struct {
	mu     sync.Mutex
	cache  map[string]int64
	hits   int
	misses int
}

// NewResolver creates an empty run-scoped resolver.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]int64)}
}

// Resolve returns the id of the entity of kind with the given natural key,
// creating it with defaults when absent. defaults may be nil for kinds
// without data columns.
func (r *Resolver) Resolve(ctx context.Context, db DBTX, kind EntityKind, key NaturalKey, defaults DefaultsFunc) (int64, error) {
	spec, ok := EntitySpecFor(kind)
	if !ok {
		return 0, fmt.Errorf("resolve: unknown entity kind %q", kind)
	}
	if len(key) != len(spec.KeyColumns) {
		return 0, fmt.Errorf("resolve %s: key has %d values, want %d", kind, len(key), len(spec.KeyColumns))
	}

	cacheKey := r.cacheKey(kind, key)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.cache[cacheKey]; ok {
		r.hits++
		return id, nil
	}
	r.misses++

	var data []any
	if len(spec.DataColumns) > 0 {
		if defaults == nil {
			return 0, fmt.Errorf("resolve %s: defaults required for %v", kind, spec.DataColumns)
		}
		data = defaults()
		if len(data) != len(spec.DataColumns) {
			return 0, fmt.Errorf("resolve %s: defaults has %d values, want %d", kind, len(data), len(spec.DataColumns))
		}
	}

	id, err := findOrCreate(ctx, db, spec, key, data)
	if err != nil {
		return 0, classifyDBError("resolve "+string(kind), err)
	}

	r.cache[cacheKey] = id
	return id, nil
}

// Stats returns cache hits and misses so far.
func (r *Resolver) Stats() (hits, misses int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.misses
}

func (r *Resolver) cacheKey(kind EntityKind, key NaturalKey) string {
	var b strings.Builder
	b.WriteString(string(kind))
	for _, v := range key {
		b.WriteByte(0)
		fmt.Fprint(&b, v)
	}
	return b.String()
}

// findOrCreate inserts the entity unless its key exists and returns its id.
// ON CONFLICT DO NOTHING returns no row when the key exists, so the id is then
// read back. Data columns of an existing row are never updated.
func findOrCreate(ctx context.Context, db DBTX, spec EntitySpec, key NaturalKey, data []any) (int64, error) {
	table := pgx.Identifier{spec.Table}.Sanitize()

	cols := make([]string, 0, len(spec.KeyColumns)+len(spec.DataColumns))
	for _, c := range append(append([]string{}, spec.KeyColumns...), spec.DataColumns...) {
		cols = append(cols, pgx.Identifier{c}.Sanitize())
	}
	keyCols := cols[:len(spec.KeyColumns)]

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING RETURNING id`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(keyCols, ", "))

	args := append(append([]any{}, key...), data...)

	var id int64
	err := db.QueryRow(ctx, insert, args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	where := make([]string, len(keyCols))
	for i, c := range keyCols {
		where[i] = fmt.Sprintf("%s IS NOT DISTINCT FROM $%d", c, i+1)
	}
	lookup := fmt.Sprintf(`SELECT id FROM %s WHERE %s`, table, strings.Join(where, " AND "))

	if err := db.QueryRow(ctx, lookup, key...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
