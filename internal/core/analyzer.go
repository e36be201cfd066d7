package core

// analyzer.go derives quality issues from a version's normalized entries.
//
// The analyzer reads one snapshot of the version's entries (shift, room,
// weekday, times and both feature sets) inside the run transaction, hands it
// to every Rule, and bulk-inserts the findings. Findings are unique per
// (entry, issue type) so a rule that matches an entry several times still
// yields one issue.

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/schedule-ingest/internal/logging"
)

// EntryFacts is the normalized state of one schedule entry as seen by rules.
type EntryFacts struct {
	ScheduleID   int64
	ShiftName    string
	Enrollment   int32
	RoomName     string
	RoomCapacity pgtype.Int4 // invalid when the entry has no room or the room has no capacity
	WeekdayName  string
	WeekdayAbbr  string
	Start        ClockTime
	End          ClockTime
	Requested    []string
	Real         []string
}

// HasRoom reports whether the entry is assigned a room.
func (e EntryFacts) HasRoom() bool { return e.RoomName != "" }

// MissingFeatures returns requested features without a matching real feature.
func (e EntryFacts) MissingFeatures() []string {
	have := make(map[string]struct{}, len(e.Real))
	for _, f := range e.Real {
		have[f] = struct{}{}
	}
	var missing []string
	for _, f := range e.Requested {
		if _, ok := have[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// Rule evaluates normalized entries and yields findings.
type Rule interface {
	Name() string
	Evaluate(entries []EntryFacts) ([]Finding, error)
}

// Analyzer runs a collection of rules for one version.
type Analyzer struct {
	Rules []Rule
}

// NewAnalyzer creates an analyzer with the given rules.
func NewAnalyzer(rules ...Rule) *Analyzer {
	return &Analyzer{Rules: rules}
}

// Run loads the version's entries, evaluates every rule and persists the
// findings. Returns one StepResult per rule.
func (a *Analyzer) Run(ctx context.Context, db DBTX, versionID int64) ([]StepResult, int64, error) {
	logger := logging.FromContext(ctx)

	loadStart := time.Now()
	entries, err := LoadEntryFacts(ctx, db, versionID)
	if err != nil {
		return nil, 0, err
	}
	logger.Debug("analysis snapshot loaded",
		"entries", len(entries),
		"duration_ms", time.Since(loadStart).Milliseconds(),
	)

	var (
		results  = make([]StepResult, 0, len(a.Rules))
		findings []Finding
		seen     = make(map[findingKey]struct{})
	)

	for _, rule := range a.Rules {
		start := time.Now()
		found, err := rule.Evaluate(entries)
		if err != nil {
			logger.Error("quality rule failed", "rule", rule.Name(), "error", err)
			return results, 0, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}

		var added int64
		for _, f := range found {
			k := findingKey{f.ScheduleID, f.Type}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			findings = append(findings, f)
			added++
		}

		elapsed := time.Since(start)
		results = append(results, StepResult{Name: rule.Name(), Rows: added, Duration: elapsed})
		logger.Info("quality rule evaluated",
			"rule", rule.Name(),
			"findings", added,
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	n, err := insertFindings(ctx, db, findings)
	if err != nil {
		return results, 0, err
	}
	return results, n, nil
}

type findingKey struct {
	scheduleID int64
	issueType  IssueType
}

// insertFindings bulk-inserts findings in a stable order.
func insertFindings(ctx context.Context, db DBTX, findings []Finding) (int64, error) {
	if len(findings) == 0 {
		return 0, nil
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].ScheduleID != findings[j].ScheduleID {
			return findings[i].ScheduleID < findings[j].ScheduleID
		}
		return findings[i].Type < findings[j].Type
	})

	n, err := db.CopyFrom(ctx,
		pgx.Identifier{"QualityIssue"},
		[]string{"scheduleId", "issueType", "description"},
		pgx.CopyFromSlice(len(findings), func(i int) ([]any, error) {
			f := findings[i]
			return []any{f.ScheduleID, string(f.Type), f.Description}, nil
		}),
	)
	if err != nil {
		return 0, classifyDBError("insert quality issues", err)
	}
	return n, nil
}

const entryFactsQuery = `
SELECT e.id, sh.name, sh.enrollment, cr.name, cr.capacity, wd.name, wd.abbreviation, e."startTime", e."endTime"
FROM "Schedule" e
JOIN "Shift" sh ON sh.id = e."shiftId"
LEFT JOIN "ClassRoom" cr ON cr.id = e."classRoomId"
LEFT JOIN "Weekday" wd ON wd.id = e."weekdayId"
WHERE e."versionId" = $1
ORDER BY e.id`

const entryFeaturesQuery = `
SELECT sf."scheduleId", sf."featureType"::text, f.name
FROM "ScheduleFeature" sf
JOIN "Schedule" e ON e.id = sf."scheduleId"
JOIN "Feature" f ON f.id = sf."featureId"
WHERE e."versionId" = $1
ORDER BY sf."scheduleId", f.name`

// LoadEntryFacts reads the normalized state of every entry of a version.
func LoadEntryFacts(ctx context.Context, db DBTX, versionID int64) ([]EntryFacts, error) {
	rows, err := db.Query(ctx, entryFactsQuery, versionID)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	var (
		entries []EntryFacts
		byID    = make(map[int64]int)
	)
	for rows.Next() {
		var (
			e          EntryFacts
			roomName   pgtype.Text
			wdName     pgtype.Text
			wdAbbr     pgtype.Text
			start, end pgtype.Time
		)
		if err := rows.Scan(&e.ScheduleID, &e.ShiftName, &e.Enrollment, &roomName, &e.RoomCapacity,
			&wdName, &wdAbbr, &start, &end); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.RoomName = roomName.String
		e.WeekdayName = wdName.String
		e.WeekdayAbbr = wdAbbr.String
		var startOK, endOK bool
		e.Start, startOK = ClockTimeFromPg(start)
		e.End, endOK = ClockTimeFromPg(end)
		if !startOK || !endOK {
			rows.Close()
			return nil, fmt.Errorf("entry %d: NULL start or end time", e.ScheduleID)
		}

		byID[e.ScheduleID] = len(entries)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	frows, err := db.Query(ctx, entryFeaturesQuery, versionID)
	if err != nil {
		return nil, fmt.Errorf("load entry features: %w", err)
	}
	defer frows.Close()

	for frows.Next() {
		var (
			scheduleID int64
			ft         string
			name       string
		)
		if err := frows.Scan(&scheduleID, &ft, &name); err != nil {
			return nil, fmt.Errorf("scan entry feature: %w", err)
		}
		i, ok := byID[scheduleID]
		if !ok {
			continue
		}
		switch FeatureType(ft) {
		case FeatureRequested:
			entries[i].Requested = append(entries[i].Requested, name)
		case FeatureReal:
			entries[i].Real = append(entries[i].Real, name)
		}
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("load entry features: %w", err)
	}

	return entries, nil
}
