package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusCall struct {
	id     int64
	status VersionStatus
	inTx   bool
}

type fakeVersions struct {
	mu    sync.Mutex
	tx    *fakeTx
	calls []statusCall
	err   error
}

func (f *fakeVersions) SetStatus(_ context.Context, db DBTX, id int64, status VersionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, inTx := db.(*fakeTx)
	f.calls = append(f.calls, statusCall{id: id, status: status, inTx: inTx})
	return f.err
}

type fakeStager struct {
	rows    int64
	loadErr error
	path    string
}

func (f *fakeStager) Create(context.Context, DBTX, int64) error { return nil }

func (f *fakeStager) Load(_ context.Context, _ DBTX, _ *Resolver, _ int64, path string) (int64, error) {
	f.path = path
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	return f.rows, f.loadErr
}

type fakeNormalize struct {
	entries int64
	err     error
}

func (f fakeNormalize) Run(context.Context, DBTX, int64) ([]StepResult, error) {
	return []StepResult{{Name: StepPrograms, Rows: 1}, {Name: StepEntries, Rows: f.entries}}, f.err
}

type fakeAnalyze struct {
	findings int64
	err      error
}

func (f fakeAnalyze) Run(context.Context, DBTX, int64) ([]StepResult, int64, error) {
	return []StepResult{{Name: "overcrowding", Rows: f.findings}}, f.findings, f.err
}

type fakeRuns struct {
	records []RunRecord
}

func (f *fakeRuns) RecordRun(_ context.Context, rec RunRecord) error {
	f.records = append(f.records, rec)
	return nil
}

type fakeArchive struct {
	payloads map[int64][]byte
	err      error
}

func (f *fakeArchive) Archive(_ context.Context, id int64, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.payloads[id] = payload
	return nil
}

type fakeObserver struct {
	results []RunResult
}

func (f *fakeObserver) ObserveRun(res RunResult) { f.results = append(f.results, res) }

type coordinatorFixture struct {
	pool     *fakeDB
	tx       *fakeTx
	versions *fakeVersions
	stager   *fakeStager
	runs     *fakeRuns
	archive  *fakeArchive
	observer *fakeObserver
	deps     CoordinatorDeps
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		pool:     newFakeDB(),
		tx:       &fakeTx{fakeDB: newFakeDB()},
		versions: &fakeVersions{},
		stager:   &fakeStager{rows: 3},
		runs:     &fakeRuns{},
		archive:  &fakeArchive{payloads: make(map[int64][]byte)},
		observer: &fakeObserver{},
	}
	f.deps = CoordinatorDeps{
		DB:         f.pool,
		Begin:      func(context.Context) (RunTx, error) { return f.tx, nil },
		Versions:   f.versions,
		Stager:     f.stager,
		Normalizer: fakeNormalize{entries: 3},
		Analyzer:   fakeAnalyze{findings: 1},
		Runs:       f.runs,
		Archive:    f.archive,
		Observer:   f.observer,
		TempDir:    t.TempDir(),
	}
	return f
}

func (f *coordinatorFixture) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(f.deps)
	require.NoError(t, err)
	return c
}

var samplePayload = []byte(scheduleCSV("LEI;Prog;T1;;25;Seg;08:00:00;10:00:00;;;;;"))

func TestNewCoordinator_MissingDeps(t *testing.T) {
	_, err := NewCoordinator(CoordinatorDeps{DB: newFakeDB()})
	require.Error(t, err)
	assert.ErrorContains(t, err, "Begin")
	assert.ErrorContains(t, err, "Analyzer")
	assert.NotContains(t, err.Error(), "DB,")
}

func TestCoordinator_Process_Success(t *testing.T) {
	f := newCoordinatorFixture(t)

	res, err := f.coordinator(t).Process(context.Background(), Version{ID: 9, BinaryFile: samplePayload})
	require.NoError(t, err)

	assert.Equal(t, PhaseProcessed, res.Phase)
	assert.Equal(t, StatusProcessed, res.Status())
	assert.Equal(t, int64(3), res.StagedRows)
	assert.Equal(t, int64(3), res.Entries)
	assert.Equal(t, int64(1), res.Findings)
	assert.Len(t, res.Steps, 3)
	assert.NotEmpty(t, res.RunID)

	assert.True(t, f.tx.committed)
	assert.False(t, f.tx.rolledBack)
	assert.Equal(t, []statusCall{{id: 9, status: StatusProcessed, inTx: true}}, f.versions.calls)

	// Staging relation dropped before and after the run, file removed.
	assert.Equal(t, 2, f.pool.execCount(`DROP TABLE IF EXISTS "staging_schedule_v9"`))
	_, statErr := os.Stat(f.stager.path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	assert.Equal(t, samplePayload, f.archive.payloads[9])

	require.Len(t, f.runs.records, 1)
	rec := f.runs.records[0]
	assert.Equal(t, StatusProcessed, rec.Status)
	assert.Empty(t, rec.ErrorCode)
	assert.Equal(t, res.RunID, rec.RunID)

	require.Len(t, f.observer.results, 1)
	assert.NoError(t, f.observer.results[0].Err)
}

func TestCoordinator_Process_NoPayload(t *testing.T) {
	f := newCoordinatorFixture(t)
	began := false
	f.deps.Begin = func(context.Context) (RunTx, error) {
		began = true
		return f.tx, nil
	}

	res, err := f.coordinator(t).Process(context.Background(), Version{ID: 4})

	var np *NoPayloadError
	require.ErrorAs(t, err, &np)
	assert.False(t, began, "no transaction for an empty version")
	assert.Equal(t, PhaseError, res.Phase)
	assert.Equal(t, []statusCall{{id: 4, status: StatusError}}, f.versions.calls)
	assert.Equal(t, "ING001", f.runs.records[0].ErrorCode)
}

func TestCoordinator_Process_ValidationFailureRollsBack(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.stager.loadErr = &ValidationError{Line: 3, Field: HeaderStart, Value: "25:00:00", Kind: CheckTime, Message: "invalid time"}

	res, err := f.coordinator(t).Process(context.Background(), Version{ID: 5, BinaryFile: samplePayload})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, PhaseError, res.Phase)
	assert.Equal(t, PhaseLoading, res.FailedPhase)

	assert.True(t, f.tx.rolledBack)
	assert.False(t, f.tx.committed)
	assert.Equal(t, []statusCall{{id: 5, status: StatusError, inTx: false}}, f.versions.calls,
		"error status is written outside the rolled back transaction")
	assert.Empty(t, f.archive.payloads)

	rec := f.runs.records[0]
	assert.Equal(t, StatusError, rec.Status)
	assert.Equal(t, PhaseLoading, rec.Phase)
	assert.Equal(t, "VAL001", rec.ErrorCode)

	_, statErr := os.Stat(f.stager.path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "staging file removed on failure")
}

func TestCoordinator_Process_FailureLogsUserMessage(t *testing.T) {
	buf := captureLogs(t)
	f := newCoordinatorFixture(t)
	f.stager.loadErr = &ValidationError{Line: 3, Field: HeaderStart, Value: "25:00:00", Kind: CheckTime, Message: "invalid time"}

	_, err := f.coordinator(t).Process(context.Background(), Version{ID: 5, BinaryFile: samplePayload})
	require.Error(t, err)

	entries := logEntries(t, buf, "run failed")
	require.Len(t, entries, 1)
	assert.Equal(t, "VAL001", entries[0]["code"])
	assert.Equal(t, FormatUserError(err), entries[0]["user_message"])
	assert.Contains(t, entries[0]["user_message"], "(Code: VAL001)")
	assert.Equal(t, float64(5), entries[0]["version_id"])
}

func TestCoordinator_Process_AnalysisFailureRollsBack(t *testing.T) {
	f := newCoordinatorFixture(t)
	boom := errors.New("rule exploded")
	f.deps.Analyzer = fakeAnalyze{err: boom}

	res, err := f.coordinator(t).Process(context.Background(), Version{ID: 6, BinaryFile: samplePayload})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, PhaseAnalyzing, res.FailedPhase)
	assert.Equal(t, int64(3), res.Entries, "progress up to the failure is reported")
	assert.True(t, f.tx.rolledBack)
	assert.Equal(t, []statusCall{{id: 6, status: StatusError}}, f.versions.calls)
}

func TestCoordinator_Process_CommitFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.tx.commitErr = errors.New("connection reset by peer")

	res, err := f.coordinator(t).Process(context.Background(), Version{ID: 8, BinaryFile: samplePayload})

	require.Error(t, err)
	assert.ErrorContains(t, err, "commit run")
	assert.Equal(t, PhaseError, res.Phase)
	assert.True(t, f.tx.rolledBack)
	assert.Equal(t, "DB004", f.runs.records[0].ErrorCode)
}

func TestCoordinator_Process_BeginFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.deps.Begin = func(context.Context) (RunTx, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	res, err := f.coordinator(t).Process(context.Background(), Version{ID: 2, BinaryFile: samplePayload})

	require.Error(t, err)
	assert.Equal(t, PhasePending, res.FailedPhase)
	assert.Equal(t, []statusCall{{id: 2, status: StatusError}}, f.versions.calls)
}

func TestCoordinator_Process_Cancelled(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.deps.Normalizer = cancelingNormalize{cancel: cancel}

	res, err := f.coordinator(t).Process(ctx, Version{ID: 3, BinaryFile: samplePayload})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseNormalizing, res.FailedPhase)
	assert.True(t, f.tx.rolledBack)
	assert.Equal(t, []statusCall{{id: 3, status: StatusError}}, f.versions.calls,
		"the error status is written even though the run context is gone")
	assert.Equal(t, "ING002", f.runs.records[0].ErrorCode)
}

type cancelingNormalize struct{ cancel context.CancelFunc }

func (c cancelingNormalize) Run(context.Context, DBTX, int64) ([]StepResult, error) {
	c.cancel()
	return nil, nil
}

func TestCoordinator_Process_ArchiveFailureDoesNotFailRun(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.archive.err = errors.New("bucket unavailable")

	res, err := f.coordinator(t).Process(context.Background(), Version{ID: 11, BinaryFile: samplePayload})

	require.NoError(t, err)
	assert.Equal(t, PhaseProcessed, res.Phase)
	assert.True(t, f.tx.committed)
}

func TestCoordinator_Process_TempFileUnwritable(t *testing.T) {
	f := newCoordinatorFixture(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	f.deps.TempDir = filepath.Join(blocker, "sub")

	_, err := f.coordinator(t).Process(context.Background(), Version{ID: 12, BinaryFile: samplePayload})

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "IO001", f.runs.records[0].ErrorCode)
}

func TestRunPhase_CanTransition(t *testing.T) {
	assert.True(t, PhasePending.CanTransition(PhaseLoading))
	assert.True(t, PhaseLoading.CanTransition(PhaseNormalizing))
	assert.True(t, PhaseNormalizing.CanTransition(PhaseAnalyzing))
	assert.True(t, PhaseAnalyzing.CanTransition(PhaseProcessed))
	assert.True(t, PhaseNormalizing.CanTransition(PhaseError))

	assert.False(t, PhasePending.CanTransition(PhaseAnalyzing))
	assert.False(t, PhaseProcessed.CanTransition(PhaseError))
	assert.False(t, PhaseError.CanTransition(PhaseLoading))
}
