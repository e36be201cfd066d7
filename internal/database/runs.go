package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/schedule-ingest/internal/core"
)

// Runs persists run history in "IngestionRun". Records are written on the
// pool, never inside a run transaction, so failed runs are kept.
type Runs struct {
	db core.DBTX
}

// NewRuns creates a repository over db.
func NewRuns(db core.DBTX) *Runs {
	return &Runs{db: db}
}

// RecordRun inserts one history entry.
func (r *Runs) RecordRun(ctx context.Context, rec core.RunRecord) error {
	runID, err := uuid.Parse(rec.RunID)
	if err != nil {
		return fmt.Errorf("record run: invalid run id %q: %w", rec.RunID, err)
	}
	_, err = r.db.Exec(ctx, `
INSERT INTO "IngestionRun"
    ("runId", "versionId", status, phase, "errorCode", "errorMessage",
     "stagedRows", entries, findings, "startedAt", "finishedAt")
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		runID,
		rec.VersionID,
		string(rec.Status),
		string(rec.Phase),
		core.ToPgText(rec.ErrorCode),
		core.ToPgText(rec.ErrorMessage),
		rec.StagedRows,
		rec.Entries,
		rec.Findings,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}
	return nil
}

const runColumns = `"runId"::text, "versionId", status, phase, "errorCode", "errorMessage",
       "stagedRows", entries, findings, "startedAt", "finishedAt"`

// Latest returns the most recent run of a version.
func (r *Runs) Latest(ctx context.Context, versionID int64) (core.RunRecord, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+runColumns+`
FROM "IngestionRun"
WHERE "versionId" = $1
ORDER BY "startedAt" DESC
LIMIT 1`, versionID)
	if err != nil {
		return core.RunRecord{}, fmt.Errorf("latest run of version %d: %w", versionID, err)
	}

	rec, err := pgx.CollectOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.RunRecord{}, fmt.Errorf("run of version %d: %w", versionID, ErrNotFound)
	}
	if err != nil {
		return core.RunRecord{}, fmt.Errorf("latest run of version %d: %w", versionID, err)
	}
	return rec, nil
}

// ListByVersion returns every run of a version, newest first.
func (r *Runs) ListByVersion(ctx context.Context, versionID int64) ([]core.RunRecord, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+runColumns+`
FROM "IngestionRun"
WHERE "versionId" = $1
ORDER BY "startedAt" DESC`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list runs of version %d: %w", versionID, err)
	}

	recs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("list runs of version %d: %w", versionID, err)
	}
	return recs, nil
}

func scanRun(row pgx.CollectableRow) (core.RunRecord, error) {
	var (
		rec           core.RunRecord
		status, phase string
		code, message pgtype.Text
	)
	err := row.Scan(&rec.RunID, &rec.VersionID, &status, &phase, &code, &message,
		&rec.StagedRows, &rec.Entries, &rec.Findings, &rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		return core.RunRecord{}, err
	}
	rec.Status = core.VersionStatus(status)
	rec.Phase = core.RunPhase(phase)
	rec.ErrorCode = code.String
	rec.ErrorMessage = message.String
	return rec, nil
}
