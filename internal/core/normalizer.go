package core

// normalizer.go materializes canonical entities and schedule entries from a
// staging relation.
//
// Each Step is one set-based INSERT ... SELECT guarded by NOT EXISTS, so
// running it again over already-normalized data inserts nothing. NOT EXISTS
// cannot see rows inserted by a concurrent uncommitted run, so the shared
// entity and feature link steps also end in ON CONFLICT DO NOTHING against the
// natural key. Entries belong to one version and keep failing on a duplicate
// "sourceRow". Steps run in
// order inside the run transaction; the first failure aborts the run.
//
// Schedule entries carry the staging row number as "sourceRow". Feature
// associations join on (versionId, sourceRow), so two rows sharing shift,
// times and date keep separate feature sets.

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/schedule-ingest/internal/logging"
)

// Step is one named normalization statement.
// The query is a format string whose %[1]s is the sanitized staging relation;
// $1, when used, is the version id.
type Step struct {
	Name        string
	Query       string
	WithVersion bool
}

// SQL returns the statement for the given version.
func (s Step) SQL(versionID int64) string {
	return fmt.Sprintf(s.Query, StagingTable(versionID).Sanitize())
}

// Run executes the step and returns the number of rows inserted.
func (s Step) Run(ctx context.Context, db DBTX, versionID int64) (int64, error) {
	var args []any
	if s.WithVersion {
		args = append(args, versionID)
	}
	tag, err := db.Exec(ctx, s.SQL(versionID), args...)
	if err != nil {
		return 0, classifyDBError(s.Name, err)
	}
	return tag.RowsAffected(), nil
}

// Step names, in execution order.
const (
	StepPrograms          = "programs"
	StepSubjects          = "subjects"
	StepClassGroups       = "class_groups"
	StepShifts            = "shifts"
	StepEntries           = "schedule_entries"
	StepFeatures          = "features"
	StepRequestedFeatures = "requested_features"
	StepRealFeatures      = "real_features"
)

// shiftJoin resolves the staging row's shift by its full natural key.
const shiftJoin = `
	JOIN "AcademicProgram" ap ON ap.name = st.curso
	JOIN "Subject" s ON s.name = st.unidade_execucao AND s."academicProgramId" = ap.id
	LEFT JOIN "ClassGroup" cg ON cg.name = st.turma`

// DefaultSteps returns the normalization sequence.
func DefaultSteps() []Step {
	return []Step{
		{
			Name: StepPrograms,
			Query: `
INSERT INTO "AcademicProgram" (name)
SELECT DISTINCT st.curso
FROM %[1]s st
WHERE st.curso IS NOT NULL
  AND NOT EXISTS (SELECT 1 FROM "AcademicProgram" ap WHERE ap.name = st.curso)
ON CONFLICT (name) DO NOTHING`,
		},
		{
			Name: StepSubjects,
			Query: `
INSERT INTO "Subject" (name, "academicProgramId")
SELECT DISTINCT st.unidade_execucao, ap.id
FROM %[1]s st
JOIN "AcademicProgram" ap ON ap.name = st.curso
WHERE st.unidade_execucao IS NOT NULL
  AND NOT EXISTS (
    SELECT 1 FROM "Subject" s
    WHERE s.name = st.unidade_execucao AND s."academicProgramId" = ap.id
  )
ON CONFLICT (name, "academicProgramId") DO NOTHING`,
		},
		{
			Name: StepClassGroups,
			Query: `
INSERT INTO "ClassGroup" (name)
SELECT DISTINCT st.turma
FROM %[1]s st
WHERE st.turma IS NOT NULL AND btrim(st.turma) <> ''
  AND NOT EXISTS (SELECT 1 FROM "ClassGroup" cg WHERE cg.name = st.turma)
ON CONFLICT (name) DO NOTHING`,
		},
		{
			// First row wins: enrollment is captured once and never updated.
			Name: StepShifts,
			Query: `
INSERT INTO "Shift" (name, "subjectId", "classGroupId", enrollment)
SELECT DISTINCT ON (st.turno, s.id, cg.id)
       st.turno, s.id, cg.id, COALESCE(st.inscritos_no_turno, 0)
FROM %[1]s st` + shiftJoin + `
WHERE NOT EXISTS (
    SELECT 1 FROM "Shift" sh
    WHERE sh.name = st.turno
      AND sh."subjectId" = s.id
      AND sh."classGroupId" IS NOT DISTINCT FROM cg.id
  )
ORDER BY st.turno, s.id, cg.id, st.row_no
ON CONFLICT ON CONSTRAINT "Shift_natural_key" DO NOTHING`,
		},
		{
			Name:        StepEntries,
			WithVersion: true,
			Query: `
INSERT INTO "Schedule" ("versionId", "shiftId", "classRoomId", "weekdayId", "startTime", "endTime", date, "sourceRow")
SELECT $1::bigint, sh.id, cr.id, wd.id, st.inicio, st.fim, TO_DATE(st.dia, 'DD/MM/YYYY'), st.row_no
FROM %[1]s st` + shiftJoin + `
JOIN "Shift" sh ON sh.name = st.turno
               AND sh."subjectId" = s.id
               AND sh."classGroupId" IS NOT DISTINCT FROM cg.id
LEFT JOIN "ClassRoom" cr ON cr.name = st.sala_aula
LEFT JOIN "Weekday" wd ON wd.abbreviation = st.dia_da_semana
WHERE NOT EXISTS (
    SELECT 1 FROM "Schedule" e
    WHERE e."versionId" = $1 AND e."sourceRow" = st.row_no
  )
ORDER BY st.row_no`,
		},
		{
			Name: StepFeatures,
			Query: `
WITH extracted AS (
    SELECT DISTINCT btrim(f) AS name
    FROM %[1]s st,
         unnest(string_to_array(st.caracteristicas_pedidas, ',') || string_to_array(st.caracteristicas_reais, ',')) AS f
)
INSERT INTO "Feature" (name)
SELECT e.name
FROM extracted e
WHERE e.name IS NOT NULL AND e.name <> ''
  AND NOT EXISTS (SELECT 1 FROM "Feature" f WHERE f.name = e.name)
ON CONFLICT (name) DO NOTHING`,
		},
		featureAssociationStep(StepRequestedFeatures, "caracteristicas_pedidas", FeatureRequested),
		featureAssociationStep(StepRealFeatures, "caracteristicas_reais", FeatureReal),
	}
}

// featureAssociationStep links each new entry of the version to the features
// listed in column of its originating staging row.
func featureAssociationStep(name, column string, ft FeatureType) Step {
	return Step{
		Name:        name,
		WithVersion: true,
		Query: `
INSERT INTO "ScheduleFeature" ("scheduleId", "featureId", "featureType")
SELECT DISTINCT e.id, f.id, '` + string(ft) + `'::"enum_ScheduleFeature_featureType"
FROM %[1]s st
CROSS JOIN LATERAL unnest(string_to_array(st.` + column + `, ',')) AS raw(name)
JOIN "Schedule" e ON e."versionId" = $1 AND e."sourceRow" = st.row_no
JOIN "Feature" f ON f.name = btrim(raw.name)
WHERE st.` + column + ` IS NOT NULL
  AND NOT EXISTS (
    SELECT 1 FROM "ScheduleFeature" sf
    WHERE sf."scheduleId" = e.id
      AND sf."featureId" = f.id
      AND sf."featureType" = '` + string(ft) + `'
  )
ON CONFLICT ("scheduleId", "featureId", "featureType") DO NOTHING`,
	}
}

// Normalizer runs an ordered list of steps.
type Normalizer struct {
	Steps []Step
}

// NewNormalizer creates a normalizer with the default steps.
func NewNormalizer() *Normalizer {
	return &Normalizer{Steps: DefaultSteps()}
}

// Run executes every step for versionID in order and stops at the first error.
func (n *Normalizer) Run(ctx context.Context, db DBTX, versionID int64) ([]StepResult, error) {
	results := make([]StepResult, 0, len(n.Steps))

	for _, step := range n.Steps {
		logger := logging.WithFields(ctx, "step", step.Name)
		start := time.Now()
		rows, err := step.Run(ctx, db, versionID)
		elapsed := time.Since(start)
		if err != nil {
			logger.Error("normalization step failed",
				"duration_ms", elapsed.Milliseconds(),
				"error", err,
			)
			return results, err
		}

		results = append(results, StepResult{Name: step.Name, Rows: rows, Duration: elapsed})
		logger.Info("normalization step completed",
			"rows", rows,
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	return results, nil
}
