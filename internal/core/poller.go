package core

// poller.go discovers pending versions and hands them to the coordinator.
//
// The poller runs immediately on start, then every interval. Each pending
// version that gets a limiter slot is processed in its own goroutine under a
// per-run timeout; versions already in flight or beyond the concurrency limit
// are picked up by a later tick. Cancelling the poller stops discovery only;
// active runs keep their own deadline until Shutdown gives up on them.

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PendingSource lists and loads versions awaiting ingestion.
type PendingSource interface {
	ListPending(ctx context.Context, limit int) ([]int64, error)
	Get(ctx context.Context, id int64) (Version, error)
}

// Processor runs one version. *Coordinator satisfies it.
type Processor interface {
	Process(ctx context.Context, v Version) (RunResult, error)
}

// PollerConfig holds configuration for the poller.
// All fields have sensible defaults if zero values are provided.
type PollerConfig struct {
	Interval   time.Duration // How often to look for work (default: 5s)
	RunTimeout time.Duration // Upper bound for one run (default: 10m)
}

const (
	defaultPollInterval = 5 * time.Second
	defaultRunTimeout   = 10 * time.Minute
)

// Poller periodically processes pending versions.
type Poller struct {
	source    PendingSource
	processor Processor
	limiter   *RunLimiter
	cfg       PollerConfig

	wg        sync.WaitGroup
	abort     context.Context
	abortRuns context.CancelFunc
}

// NewPoller creates a poller. The limiter bounds parallel runs.
func NewPoller(source PendingSource, processor Processor, limiter *RunLimiter, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if limiter == nil {
		limiter = NewRunLimiter(DefaultMaxConcurrentRuns)
	}
	abort, abortRuns := context.WithCancel(context.Background())
	return &Poller{
		source:    source,
		processor: processor,
		limiter:   limiter,
		cfg:       cfg,
		abort:     abort,
		abortRuns: abortRuns,
	}
}

// Start polls until ctx is cancelled. Runs already started are not cancelled
// with ctx; call Shutdown to wait for them.
func (p *Poller) Start(ctx context.Context) {
	slog.Info("poller started",
		"interval", p.cfg.Interval.String(),
		"run_timeout", p.cfg.RunTimeout.String(),
		"max_concurrent", p.limiter.MaxConcurrent(),
	)

	// Run immediately on startup
	p.Tick(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopped", "active_runs", p.limiter.ActiveCount())
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Shutdown waits for active runs to finish. When ctx expires first the
// remaining runs are cancelled, which rolls them back and marks their
// versions error, and Shutdown returns once they have unwound.
func (p *Poller) Shutdown(ctx context.Context) error {
	err := p.limiter.WaitForDrain(ctx)
	if err != nil {
		slog.Warn("cancelling runs still active at shutdown", "active_runs", p.limiter.ActiveCount())
		p.abortRuns()
	}
	// Slots are released before the run goroutine returns.
	p.wg.Wait()
	return err
}

// Tick performs one discovery pass and returns the number of runs started.
func (p *Poller) Tick(ctx context.Context) int {
	free := p.limiter.Available()
	if free == 0 {
		slog.Debug("poll skipped, no free run slots")
		return 0
	}

	// Over-fetch so in-flight versions do not starve the remaining slots.
	ids, err := p.source.ListPending(ctx, free+len(p.limiter.Status().Versions))
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("list pending versions failed", "error", err)
		}
		return 0
	}

	started := 0
	for _, id := range ids {
		if !p.limiter.TryAcquire(id) {
			continue
		}
		p.wg.Add(1)
		go p.run(ctx, id)
		started++
	}
	if started > 0 {
		slog.Debug("poll started runs", "runs", started, "pending", len(ids))
	}
	return started
}

func (p *Poller) run(ctx context.Context, id int64) {
	defer p.wg.Done()
	defer p.limiter.Release(id)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RunTimeout)
	defer cancel()
	stop := context.AfterFunc(p.abort, cancel)
	defer stop()

	v, err := p.source.Get(runCtx, id)
	if err != nil {
		slog.Error("load pending version failed", "version_id", id, "error", err)
		return
	}
	if v.Status != StatusPending {
		// Processed by someone else between listing and loading.
		return
	}
	// The coordinator logs and records the outcome itself.
	_, _ = p.processor.Process(runCtx, v)
}
