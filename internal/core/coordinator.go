package core

// coordinator.go runs one version through the pipeline as a single unit of work.
//
//	pending -> loading -> normalizing -> analyzing -> processed
//	   \__________\______________\____________\_____-> error
//
// Loading, normalization, analysis and the processed status write share one
// transaction. On failure the transaction is rolled back first and the error
// status is written afterwards on the pool, so readers see either the whole
// run or none of it. The staging file is removed on every exit path; the
// staging relation disappears with the rollback or is dropped after commit.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/schedule-ingest/internal/logging"
)

// cleanupTimeout bounds the work done after a run fails or is cancelled.
const cleanupTimeout = 15 * time.Second

// VersionStore persists version status through db, which is either the run
// transaction or the pool.
type VersionStore interface {
	SetStatus(ctx context.Context, db DBTX, id int64, status VersionStatus) error
}

// RunRecorder persists run history.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// PayloadArchiver stores processed payloads.
type PayloadArchiver interface {
	Archive(ctx context.Context, versionID int64, payload []byte) error
}

// RunObserver is notified of every finished run.
type RunObserver interface {
	ObserveRun(res RunResult)
}

// Stager creates and fills the staging relation.
type Stager interface {
	Create(ctx context.Context, db DBTX, versionID int64) error
	Load(ctx context.Context, db DBTX, resolver *Resolver, versionID int64, path string) (int64, error)
}

// NormalizeStage materializes entities from the staging relation.
type NormalizeStage interface {
	Run(ctx context.Context, db DBTX, versionID int64) ([]StepResult, error)
}

// AnalyzeStage derives quality issues. It returns per-rule results and the
// number of issues persisted.
type AnalyzeStage interface {
	Run(ctx context.Context, db DBTX, versionID int64) ([]StepResult, int64, error)
}

// CoordinatorDeps wires a Coordinator. DB, Begin, Versions and the three
// stages are required; the rest are optional.
type CoordinatorDeps struct {
	DB         DBTX // pool, for work outside the run transaction
	Begin      BeginFunc
	Versions   VersionStore
	Stager     Stager
	Normalizer NormalizeStage
	Analyzer   AnalyzeStage

	Runs     RunRecorder
	Archive  PayloadArchiver
	Observer RunObserver
	TempDir  string
}

// Coordinator drives the run state machine.
type Coordinator struct {
	deps CoordinatorDeps
	now  func() time.Time
}

// NewCoordinator validates deps and returns a Coordinator.
func NewCoordinator(deps CoordinatorDeps) (*Coordinator, error) {
	var missing []string
	if deps.DB == nil {
		missing = append(missing, "DB")
	}
	if deps.Begin == nil {
		missing = append(missing, "Begin")
	}
	if deps.Versions == nil {
		missing = append(missing, "Versions")
	}
	if deps.Stager == nil {
		missing = append(missing, "Stager")
	}
	if deps.Normalizer == nil {
		missing = append(missing, "Normalizer")
	}
	if deps.Analyzer == nil {
		missing = append(missing, "Analyzer")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("coordinator: missing dependencies %v", missing)
	}
	return &Coordinator{deps: deps, now: time.Now}, nil
}

// Process runs the pipeline for v. The returned error is the cause of the
// failure, after rollback, status update and cleanup have been attempted.
func (c *Coordinator) Process(ctx context.Context, v Version) (res RunResult, err error) {
	runID := uuid.NewString()
	ctx, logger := logging.ForRun(ctx, v.ID, runID)

	res = RunResult{
		RunID:     runID,
		VersionID: v.ID,
		Phase:     PhasePending,
		StartedAt: c.now(),
	}
	logger.Info("run started", "payload_bytes", len(v.BinaryFile))

	defer func() {
		res.Duration = c.now().Sub(res.StartedAt)
		res.Err = err
		c.finish(ctx, res)
	}()

	if len(v.BinaryFile) == 0 {
		err = &NoPayloadError{VersionID: v.ID}
		c.fail(ctx, &res, nil, err)
		return res, err
	}

	path := StagingFilePath(c.deps.TempDir, v.ID)
	defer c.removeStagingFile(ctx, path)

	if err = writeStagingFile(path, v.BinaryFile); err != nil {
		c.fail(ctx, &res, nil, err)
		return res, err
	}

	// A crashed earlier run of this version may have left its relation behind.
	if err = DropStaging(ctx, c.deps.DB, v.ID); err != nil {
		c.fail(ctx, &res, nil, err)
		return res, err
	}

	tx, err := c.deps.Begin(ctx)
	if err != nil {
		err = fmt.Errorf("begin run transaction: %w", err)
		c.fail(ctx, &res, nil, err)
		return res, err
	}

	if err = c.execute(ctx, tx, &res, v.ID, path); err != nil {
		c.fail(ctx, &res, tx, err)
		return res, err
	}

	if dropErr := DropStaging(ctx, c.deps.DB, v.ID); dropErr != nil {
		logger.Warn("staging relation not dropped after commit", "error", dropErr)
	}

	if c.deps.Archive != nil {
		if archErr := c.deps.Archive.Archive(ctx, v.ID, v.BinaryFile); archErr != nil {
			logger.Warn("payload archive failed", "error", archErr)
		}
	}

	return res, nil
}

// execute runs the transactional part of the state machine, ending in commit.
func (c *Coordinator) execute(ctx context.Context, tx RunTx, res *RunResult, versionID int64, path string) error {
	if err := c.advance(ctx, res, PhaseLoading); err != nil {
		return err
	}
	if err := c.deps.Stager.Create(ctx, tx, versionID); err != nil {
		return err
	}
	resolver := NewResolver()
	staged, err := c.deps.Stager.Load(ctx, tx, resolver, versionID, path)
	res.StagedRows = staged
	if err != nil {
		return err
	}

	if err := c.advance(ctx, res, PhaseNormalizing); err != nil {
		return err
	}
	steps, err := c.deps.Normalizer.Run(ctx, tx, versionID)
	res.Steps = append(res.Steps, steps...)
	for _, s := range steps {
		if s.Name == StepEntries {
			res.Entries = s.Rows
		}
	}
	if err != nil {
		return err
	}

	if err := c.advance(ctx, res, PhaseAnalyzing); err != nil {
		return err
	}
	rules, findings, err := c.deps.Analyzer.Run(ctx, tx, versionID)
	res.Steps = append(res.Steps, rules...)
	res.Findings = findings
	if err != nil {
		return err
	}

	if err := c.deps.Versions.SetStatus(ctx, tx, versionID, StatusProcessed); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}

	return c.advance(ctx, res, PhaseProcessed)
}

// advance moves the run to next, refusing transitions the state machine does not allow.
func (c *Coordinator) advance(ctx context.Context, res *RunResult, next RunPhase) error {
	if !res.Phase.CanTransition(next) {
		return fmt.Errorf("invalid run transition %s -> %s", res.Phase, next)
	}
	if err := ctx.Err(); err != nil && next != PhaseProcessed {
		return err
	}
	logging.FromContext(ctx).Debug("run phase", "from", res.Phase, "to", next)
	res.Phase = next
	return nil
}

// fail rolls back tx (when the failure happened inside it), then marks the
// version as error outside the transaction.
func (c *Coordinator) fail(ctx context.Context, res *RunResult, tx RunTx, cause error) {
	logger := logging.FromContext(ctx)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if tx != nil {
		if err := tx.Rollback(cleanupCtx); err != nil && !isTxClosed(err) {
			logger.Error("rollback failed", "error", err)
		}
	}

	res.FailedPhase = res.Phase
	res.Phase = PhaseError

	if err := c.deps.Versions.SetStatus(cleanupCtx, c.deps.DB, res.VersionID, StatusError); err != nil {
		logger.Error("failed to mark version as error", "error", err)
	}

	logger.Error("run failed",
		"phase", res.FailedPhase,
		"code", MapError(cause).Code,
		"user_message", FormatUserError(cause),
		"error", cause,
	)
}

// finish records and reports a run whatever its outcome.
func (c *Coordinator) finish(ctx context.Context, res RunResult) {
	logger := logging.FromContext(ctx)

	if res.Err == nil {
		logger.Info("run completed",
			"staged_rows", res.StagedRows,
			"entries", res.Entries,
			"findings", res.Findings,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}

	if c.deps.Runs != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := c.deps.Runs.RecordRun(recordCtx, res.Record()); err != nil {
			logger.Warn("run history not recorded", "error", err)
		}
	}
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveRun(res)
	}
}

func (c *Coordinator) removeStagingFile(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx).Warn("staging file not removed",
			"error", &IOError{Op: "remove", Path: path, Err: err},
		)
	}
}

func isTxClosed(err error) bool {
	return errors.Is(err, pgx.ErrTxClosed)
}

func writeStagingFile(path string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}
