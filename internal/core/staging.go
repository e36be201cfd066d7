package core

// staging.go bulk-loads a version's CSV into its staging relation.
//
// The staging relation is a plain unlogged table named after the version
// (staging_schedule_v<id>) and created inside the run transaction, so a
// rollback removes it and concurrent runs of different versions never share
// one. Rows are validated in Go, then sent in batches over the COPY protocol.
// Before each batch is copied, the rooms and weekdays it references are
// resolved through the run's Resolver, which creates missing rooms with the
// capacity of the first row that names them.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/schedule-ingest/internal/logging"
)

// DefaultBatchSize is the number of rows per COPY batch.
const DefaultBatchSize = 1000

// Weekdays is the fixed reference set, keyed by abbreviation.
var Weekdays = []struct {
	Abbreviation string
	Name         string
}{
	{"Seg", "Segunda-feira"},
	{"Ter", "Terça-feira"},
	{"Qua", "Quarta-feira"},
	{"Qui", "Quinta-feira"},
	{"Sex", "Sexta-feira"},
	{"Sáb", "Sábado"},
	{"Dom", "Domingo"},
}

// weekdayName returns the full name for an abbreviation, falling back to the
// abbreviation itself for values outside the reference set.
func weekdayName(abbrev string) string {
	key := FoldKey(abbrev)
	for _, w := range Weekdays {
		if FoldKey(w.Abbreviation) == key || FoldKey(w.Name) == key {
			return w.Name
		}
	}
	return abbrev
}

// StagingTable returns the staging relation of a version.
func StagingTable(versionID int64) pgx.Identifier {
	return pgx.Identifier{fmt.Sprintf("staging_schedule_v%d", versionID)}
}

// StagingFilePath returns the temporary file of a version inside dir.
func StagingFilePath(dir string, versionID int64) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("schedule_%d.csv", versionID))
}

// StagingLoader creates and fills staging relations.
type StagingLoader struct {
	parser    *RowParser
	batchSize int
}

// NewStagingLoader creates a loader that copies batchSize rows at a time.
func NewStagingLoader(batchSize int) *StagingLoader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &StagingLoader{
		parser:    NewRowParser(ScheduleFields),
		batchSize: batchSize,
	}
}

// DropStaging removes the staging relation of a version if it exists.
func DropStaging(ctx context.Context, db DBTX, versionID int64) error {
	_, err := db.Exec(ctx, "DROP TABLE IF EXISTS "+StagingTable(versionID).Sanitize())
	if err != nil {
		return fmt.Errorf("drop staging: %w", err)
	}
	return nil
}

// Create creates the staging relation shaped like the export columns.
func (l *StagingLoader) Create(ctx context.Context, db DBTX, versionID int64) error {
	ddl := fmt.Sprintf(`CREATE UNLOGGED TABLE %s (
		curso                   text,
		unidade_execucao        text,
		turno                   text,
		turma                   text,
		inscritos_no_turno      integer,
		dia_da_semana           text,
		inicio                  time,
		fim                     time,
		dia                     text,
		caracteristicas_pedidas text,
		sala_aula               text,
		lotacao                 integer,
		caracteristicas_reais   text,
		row_no                  integer NOT NULL PRIMARY KEY
	)`, StagingTable(versionID).Sanitize())

	if _, err := db.Exec(ctx, ddl); err != nil {
		return classifyDBError("create staging", err)
	}
	return nil
}

// Load parses the staging file at path and copies its rows into the staging
// relation of versionID. Returns the number of rows staged.
func (l *StagingLoader) Load(ctx context.Context, db DBTX, resolver *Resolver, versionID int64, path string) (int64, error) {
	logger := logging.FromContext(ctx)
	start := time.Now()

	table := StagingTable(versionID)
	columns := StagingColumns()

	var (
		total int64
		batch = make([]StagingRow, 0, l.batchSize)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.resolveReferences(ctx, db, resolver, batch); err != nil {
			return err
		}
		rows := make([][]any, len(batch))
		for i, r := range batch {
			rows[i] = r.CopyValues()
		}
		n, err := db.CopyFrom(ctx, table, columns, pgx.CopyFromRows(rows))
		if err != nil {
			return classifyDBError("copy staging", err)
		}
		total += n
		batch = batch[:0]
		return nil
	}

	lastLogged := 0
	progress := func(pct int) {
		if pct >= lastLogged+25 {
			lastLogged = pct - pct%25
			logger.Debug("staging progress", "percent", pct, "rows", total+int64(len(batch)))
		}
	}

	for row, err := range l.parser.FileWithProgress(path, progress) {
		if err != nil {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}

		staged, err := ConvertRow(row)
		if err != nil {
			return total, err
		}
		batch = append(batch, staged)

		if len(batch) >= l.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}

	hits, misses := resolver.Stats()
	logger.Info("staging loaded",
		"rows", total,
		"resolver_hits", hits,
		"resolver_misses", misses,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return total, nil
}

// resolveReferences makes sure every room and weekday named in batch exists.
func (l *StagingLoader) resolveReferences(ctx context.Context, db DBTX, resolver *Resolver, batch []StagingRow) error {
	for _, r := range batch {
		weekday := r.Weekday
		if _, err := resolver.Resolve(ctx, db, EntityWeekday, NaturalKey{weekday}, func() []any {
			return []any{weekdayName(weekday)}
		}); err != nil {
			return err
		}

		if !r.Room.Valid {
			continue
		}
		capacity := r.Capacity
		if _, err := resolver.Resolve(ctx, db, EntityRoom, NaturalKey{r.Room.String}, func() []any {
			return []any{capacity}
		}); err != nil {
			return err
		}
	}
	return nil
}
