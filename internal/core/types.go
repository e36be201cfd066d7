// Package core provides the schedule ingestion pipeline.
// This package has no transport dependencies and can be driven by any caller.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the interface for database operations.
// Satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// RunTx is the single transaction a run executes in. pgx.Tx satisfies it.
type RunTx interface {
	DBTX
	Commit(context.Context) error
	Rollback(context.Context) error
}

// BeginFunc opens the transaction for one run.
type BeginFunc func(ctx context.Context) (RunTx, error)

// PoolBegin adapts a pgx pool to a BeginFunc.
func PoolBegin(pool *pgxpool.Pool) BeginFunc {
	return func(ctx context.Context) (RunTx, error) {
		return pool.Begin(ctx)
	}
}

// VersionStatus is the durable lifecycle state of a schedule version.
type VersionStatus string

const (
	StatusPending   VersionStatus = "pending"
	StatusProcessed VersionStatus = "processed"
	StatusError     VersionStatus = "error"
)

// Version is one uploaded schedule snapshot awaiting (or done with) ingestion.
type Version struct {
	ID         int64
	BinaryFile []byte
	Status     VersionStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RunPhase is the in-process stage of a run. Only the terminal phases are persisted
// as a VersionStatus.
type RunPhase string

const (
	PhasePending     RunPhase = "pending"
	PhaseLoading     RunPhase = "loading"
	PhaseNormalizing RunPhase = "normalizing"
	PhaseAnalyzing   RunPhase = "analyzing"
	PhaseProcessed   RunPhase = "processed"
	PhaseError       RunPhase = "error"
)

// Terminal reports whether no further transition is possible.
func (p RunPhase) Terminal() bool {
	return p == PhaseProcessed || p == PhaseError
}

var nextPhase = map[RunPhase]RunPhase{
	PhasePending:     PhaseLoading,
	PhaseLoading:     PhaseNormalizing,
	PhaseNormalizing: PhaseAnalyzing,
	PhaseAnalyzing:   PhaseProcessed,
}

// CanTransition reports whether a run may move from p to next.
// Phases advance one at a time; any non-terminal phase may fail to error.
func (p RunPhase) CanTransition(next RunPhase) bool {
	if next == PhaseError {
		return !p.Terminal()
	}
	return nextPhase[p] == next
}

// FeatureType tags a schedule/feature association.
type FeatureType string

const (
	FeatureRequested FeatureType = "requested"
	FeatureReal      FeatureType = "real"
)

// IssueType classifies a quality finding.
type IssueType string

const (
	IssueOvercrowding   IssueType = "overcrowding"
	IssueInadequateRoom IssueType = "inadequate-room"
	IssueUnwantedSlot   IssueType = "unwanted-slot"
)

// Valid reports whether t is one of the known issue types.
func (t IssueType) Valid() bool {
	switch t {
	case IssueOvercrowding, IssueInadequateRoom, IssueUnwantedSlot:
		return true
	}
	return false
}

// ClockTime is a time of day with second precision, stored as seconds since midnight.
type ClockTime int32

// NewClockTime builds a ClockTime from its components.
func NewClockTime(hour, minute, second int) ClockTime {
	return ClockTime(hour*3600 + minute*60 + second)
}

func (c ClockTime) Hour() int   { return int(c) / 3600 }
func (c ClockTime) Minute() int { return int(c) % 3600 / 60 }
func (c ClockTime) Second() int { return int(c) % 60 }

// String formats as HH:MM:SS.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour(), c.Minute(), c.Second())
}

// PgTime converts to the pgx representation of a TIME column.
func (c ClockTime) PgTime() pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * 1_000_000, Valid: true}
}

// ClockTimeFromPg converts a scanned TIME column. Invalid (NULL) values map to ok=false.
func ClockTimeFromPg(t pgtype.Time) (ClockTime, bool) {
	if !t.Valid {
		return 0, false
	}
	return ClockTime(t.Microseconds / 1_000_000), true
}

// Finding is one quality issue produced by a rule, before it is persisted.
type Finding struct {
	ScheduleID  int64
	Type        IssueType
	Description string
}

// QualityIssue is a persisted finding.
type QualityIssue struct {
	ID          int64     `json:"id"`
	ScheduleID  int64     `json:"scheduleId"`
	Type        IssueType `json:"issueType"`
	Description string    `json:"description"`
}

// RunResult summarizes one run of the pipeline for a version.
type RunResult struct {
	RunID       string
	VersionID   int64
	Phase       RunPhase
	FailedPhase RunPhase // phase in progress when the run failed
	StagedRows  int64
	Entries     int64
	Findings    int64
	Steps       []StepResult
	StartedAt   time.Time
	Duration    time.Duration
	Err         error
}

// Status returns the version status the run ended with.
func (r RunResult) Status() VersionStatus {
	switch r.Phase {
	case PhaseProcessed:
		return StatusProcessed
	case PhaseError:
		return StatusError
	}
	return StatusPending
}

// RunRecord is the persisted history entry of one run.
type RunRecord struct {
	RunID        string        `json:"runId"`
	VersionID    int64         `json:"versionId"`
	Status       VersionStatus `json:"status"`
	Phase        RunPhase      `json:"phase"`
	ErrorCode    string        `json:"errorCode,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	StagedRows   int64         `json:"stagedRows"`
	Entries      int64         `json:"entries"`
	Findings     int64         `json:"findings"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt"`
}

// Record converts a finished run into its history entry.
func (r RunResult) Record() RunRecord {
	rec := RunRecord{
		RunID:      r.RunID,
		VersionID:  r.VersionID,
		Status:     r.Status(),
		Phase:      r.Phase,
		StagedRows: r.StagedRows,
		Entries:    r.Entries,
		Findings:   r.Findings,
		StartedAt:  r.StartedAt,
		FinishedAt: r.StartedAt.Add(r.Duration),
	}
	if r.Err != nil {
		rec.Phase = r.FailedPhase
		rec.ErrorCode = MapError(r.Err).Code
		rec.ErrorMessage = r.Err.Error()
	}
	return rec
}

// StepResult records the outcome of one named normalization step or rule.
type StepResult struct {
	Name     string
	Rows     int64
	Duration time.Duration
}
