package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/schedule-ingest/internal/core"
)

// Issues reads "QualityIssue". Issues are written by the analyzer inside the
// run transaction.
type Issues struct {
	db core.DBTX
}

// NewIssues creates a repository over db.
func NewIssues(db core.DBTX) *Issues {
	return &Issues{db: db}
}

// ListByVersion returns the issues of a version ordered by entry and type.
// An empty type filter returns every type.
func (r *Issues) ListByVersion(ctx context.Context, versionID int64, issueType core.IssueType) ([]core.QualityIssue, error) {
	rows, err := r.db.Query(ctx, `
SELECT qi.id, qi."scheduleId", qi."issueType", qi.description
FROM "QualityIssue" qi
JOIN "Schedule" e ON e.id = qi."scheduleId"
WHERE e."versionId" = $1
  AND ($2::text = '' OR qi."issueType" = $2::text)
ORDER BY qi."scheduleId", qi."issueType"`, versionID, string(issueType))
	if err != nil {
		return nil, fmt.Errorf("list issues of version %d: %w", versionID, err)
	}

	issues, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.QualityIssue, error) {
		var (
			qi core.QualityIssue
			t  string
		)
		err := row.Scan(&qi.ID, &qi.ScheduleID, &t, &qi.Description)
		qi.Type = core.IssueType(t)
		return qi, err
	})
	if err != nil {
		return nil, fmt.Errorf("list issues of version %d: %w", versionID, err)
	}
	return issues, nil
}

// CountByType returns the number of issues of a version per type.
func (r *Issues) CountByType(ctx context.Context, versionID int64) (map[core.IssueType]int64, error) {
	rows, err := r.db.Query(ctx, `
SELECT qi."issueType", count(*)
FROM "QualityIssue" qi
JOIN "Schedule" e ON e.id = qi."scheduleId"
WHERE e."versionId" = $1
GROUP BY qi."issueType"`, versionID)
	if err != nil {
		return nil, fmt.Errorf("count issues of version %d: %w", versionID, err)
	}
	defer rows.Close()

	counts := make(map[core.IssueType]int64)
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("count issues of version %d: %w", versionID, err)
		}
		counts[core.IssueType(t)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count issues of version %d: %w", versionID, err)
	}
	return counts, nil
}
