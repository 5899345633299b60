// Package scheduler implements the Batch Scheduler (spec.md §4.G): it runs
// a pipeline for each of many markets concurrently, each against its own
// sandbox, bounded by a concurrency cap, tolerating per-task failure. The
// errgroup+semaphore fan-out is grounded on the
// teacher's internal/campaign/intelligence_gatherer.go Gather method; the
// per-goroutine panic recovery is grounded on
// internal/core/shard_manager_spawn.go's spawn loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"marketsim/internal/codegen"
	"marketsim/internal/engineerr"
	"marketsim/internal/logging"
	"marketsim/internal/market"
	"marketsim/internal/pipeline"
	"marketsim/internal/result"
	"marketsim/internal/retrybackoff"
	"marketsim/internal/sandbox"
)

// DefaultConcurrency is BATCH_CONCURRENCY's default (spec.md §6).
const DefaultConcurrency = 10

// maxAcquireRetries bounds how often a failed sandbox Acquire is retried
// after the first attempt before a task gives up (spec.md §4.G: "max 3").
// LLM provider errors are not retried at this level.
const maxAcquireRetries = 3

// Options configures a batch run.
type Options struct {
	Concurrency int
	Pipeline    pipeline.Options
}

// Scheduler runs the per-market pipeline across a batch of markets.
type Scheduler struct {
	provider  sandbox.Provider
	generator *codegen.Generator
}

// New constructs a Scheduler over a sandbox provider and code generator
// shared read-only across every task (spec.md §5: "LLM, research, and
// sandbox provider clients are shared read-only handles").
func New(provider sandbox.Provider, generator *codegen.Generator) *Scheduler {
	return &Scheduler{provider: provider, generator: generator}
}

// RunBatch executes the pipeline for every market, preserving selection
// order in the returned BatchReport regardless of completion order. A
// failure in one task never cancels the others; only a caller-driven ctx
// cancellation propagates to all in-flight tasks at their next suspension
// point.
func (s *Scheduler) RunBatch(ctx context.Context, markets []market.Descriptor, opts Options) (*result.BatchReport, error) {
	log := logging.Get(logging.CategoryScheduler)
	if s.provider == nil || s.generator == nil {
		return nil, &engineerr.BatchFailure{Reason: "scheduler missing sandbox provider or generator"}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	report := &result.BatchReport{
		Started: time.Now(),
		Entries: make([]result.BatchEntry, len(markets)),
	}
	for i, m := range markets {
		report.Entries[i] = result.BatchEntry{Slug: m.Slug}
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	eg, egCtx := errgroup.WithContext(ctx)

	for i, m := range markets {
		i, m := i, m
		if err := sem.Acquire(egCtx, 1); err != nil {
			// Context already cancelled; record remaining markets as
			// failed rather than starting them.
			report.Entries[i].Failure = &result.FailureRecord{Slug: m.Slug, Reason: "batch cancelled before start"}
			continue
		}
		eg.Go(func() (err error) {
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					log.Error("task %s panicked: %v", m.Slug, r)
					report.Entries[i].Failure = &result.FailureRecord{Slug: m.Slug, Reason: "panic", Detail: fmt.Sprint(r)}
				}
			}()
			report.Entries[i] = s.runTask(egCtx, m, opts.Pipeline)
			return nil
		})
	}

	// errgroup.Go never returns an error here (task failures are recorded,
	// not propagated) so Wait only reports genuinely unexpected states.
	if err := eg.Wait(); err != nil {
		return report, err
	}

	log.Info("batch complete: %d markets, exit_code=%d", len(markets), report.ExitCode())
	return report, nil
}

// runTask acquires a sandbox, runs the pipeline, and always releases the
// sandbox before returning, on every exit path including a panic (the
// caller's recover in RunBatch still applies since runTask doesn't itself
// recover).
func (s *Scheduler) runTask(ctx context.Context, m market.Descriptor, popts pipeline.Options) result.BatchEntry {
	log := logging.Get(logging.CategoryScheduler)

	sbx, err := s.acquireWithRetry(ctx)
	if err != nil {
		return result.BatchEntry{Slug: m.Slug, Failure: &result.FailureRecord{Slug: m.Slug, Reason: "sandbox unavailable", Detail: err.Error()}}
	}
	defer sbx.Release()

	p := pipeline.New(sbx, s.generator, popts)
	pr, err := p.Run(ctx, m)
	if err != nil {
		var taskFailure *engineerr.TaskFailure
		if errors.As(err, &taskFailure) {
			log.Warn("task %s failed: %s", m.Slug, taskFailure.Reason)
			record := result.NewTaskFailureRecord(taskFailure)
			return result.BatchEntry{Slug: m.Slug, Failure: &record}
		}
		log.Warn("task %s failed: %v", m.Slug, err)
		return result.BatchEntry{Slug: m.Slug, Failure: &result.FailureRecord{Slug: m.Slug, Reason: "pipeline error", Detail: err.Error()}}
	}
	return result.BatchEntry{Slug: m.Slug, Result: pr}
}

func (s *Scheduler) acquireWithRetry(ctx context.Context) (*sandbox.Sandbox, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAcquireRetries+1; attempt++ {
		if attempt > 1 {
			d := retrybackoff.Scheduler.Duration(attempt - 1)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		sbx, err := s.provider.Acquire(ctx)
		if err == nil {
			return sbx, nil
		}
		lastErr = err
	}
	return nil, &engineerr.ProviderUnavailable{Which: engineerr.ProviderSandbox, Err: lastErr}
}
