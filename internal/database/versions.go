package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/schedule-ingest/internal/core"
)

// Versions reads and updates "ScheduleVersion".
type Versions struct {
	db core.DBTX
}

// NewVersions creates a repository over db.
func NewVersions(db core.DBTX) *Versions {
	return &Versions{db: db}
}

// ListPending returns up to limit pending version ids, oldest first.
func (r *Versions) ListPending(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
SELECT id
FROM "ScheduleVersion"
WHERE status = 'pending'
ORDER BY "createdAt", id
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending versions: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list pending versions: %w", err)
	}
	return ids, nil
}

// Get loads a version with its payload.
func (r *Versions) Get(ctx context.Context, id int64) (core.Version, error) {
	var (
		v      core.Version
		status string
	)
	err := r.db.QueryRow(ctx, `
SELECT id, "binaryFile", status, "createdAt", "updatedAt"
FROM "ScheduleVersion"
WHERE id = $1`, id).Scan(&v.ID, &v.BinaryFile, &status, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Version{}, fmt.Errorf("version %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return core.Version{}, fmt.Errorf("get version %d: %w", id, err)
	}
	v.Status = core.VersionStatus(status)
	return v, nil
}

// Summary loads a version without its payload.
func (r *Versions) Summary(ctx context.Context, id int64) (core.Version, error) {
	var (
		v      core.Version
		status string
	)
	err := r.db.QueryRow(ctx, `
SELECT id, status, "createdAt", "updatedAt"
FROM "ScheduleVersion"
WHERE id = $1`, id).Scan(&v.ID, &status, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Version{}, fmt.Errorf("version %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return core.Version{}, fmt.Errorf("get version %d: %w", id, err)
	}
	v.Status = core.VersionStatus(status)
	return v, nil
}

// SetStatus writes the status of a version through db, which is the run
// transaction for processed and the pool for error.
func (r *Versions) SetStatus(ctx context.Context, db core.DBTX, id int64, status core.VersionStatus) error {
	if db == nil {
		db = r.db
	}
	tag, err := db.Exec(ctx, `
UPDATE "ScheduleVersion"
SET status = $2, "updatedAt" = now()
WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("set version %d status %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %d: %w", id, ErrNotFound)
	}
	return nil
}

// Create inserts a pending version carrying payload and returns its id.
func (r *Versions) Create(ctx context.Context, payload []byte) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO "ScheduleVersion" ("binaryFile", status)
VALUES ($1, 'pending')
RETURNING id`, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create version: %w", err)
	}
	return id, nil
}
