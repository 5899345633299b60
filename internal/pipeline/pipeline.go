// Package pipeline wires the Research Adapter, Code Generator, Execution &
// Repair Loop, Calibration Pass, and Monte Carlo Driver into one supervised
// unit of work for a single market. spec.md's component diagram names this
// data flow (B->C->D->E->F->H) but not a type for it; wrapping the whole
// chain of suspension points as one object is grounded on the teacher's
// internal/core/shard_manager_spawn.go per-shard orchestration, generalized
// from "spawn a worker shard with lifecycle hooks" to "run one market's
// research/generate/execute/calibrate/simulate chain against one sandbox".
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"marketsim/internal/calibration"
	"marketsim/internal/codegen"
	"marketsim/internal/engineerr"
	"marketsim/internal/execloop"
	"marketsim/internal/logging"
	"marketsim/internal/market"
	"marketsim/internal/montecarlo"
	"marketsim/internal/research"
	"marketsim/internal/result"
	"marketsim/internal/sandbox"
)

// Options configures one pipeline run. Zero values fall back to spec.md's
// defaults.
type Options struct {
	CalibrationK     int
	MonteCarloN      int
	MaxRepairRetries int
	UserThreshold    *float64
	ProbabilityMode  bool
	SignalEpsilon    float64
	// FallbackArtifact is what the execution/repair loop reports as the
	// market's usable artifact when the retry budget is exhausted without
	// ever producing a healthy one. Left nil, a market whose generation
	// never becomes executable surfaces as a TaskFailure instead (spec.md
	// §4.D). Callers that want spec.md §8 scenario 4's "there is always a
	// baseline to fall back to" behavior set this to codegen.DefaultFallback()
	// explicitly (cmd/marketsim does, by default, for both run and batch).
	FallbackArtifact *codegen.Artifact
}

// Pipeline owns exactly one sandbox for its lifetime and runs one market's
// full B-H chain against it.
type Pipeline struct {
	sbx    *sandbox.Sandbox
	gen    *codegen.Generator
	opts   Options
}

// New constructs a Pipeline over an already-acquired sandbox. The caller
// remains responsible for releasing the sandbox after the pipeline
// completes (see scheduler.go's defer-based release).
func New(sbx *sandbox.Sandbox, gen *codegen.Generator, opts Options) *Pipeline {
	if opts.CalibrationK <= 0 {
		opts.CalibrationK = calibration.DefaultK
	}
	if opts.MonteCarloN <= 0 {
		opts.MonteCarloN = montecarlo.DefaultN
	}
	if opts.MaxRepairRetries <= 0 {
		opts.MaxRepairRetries = execloop.MaxRepairRetries
	}
	if opts.SignalEpsilon <= 0 {
		opts.SignalEpsilon = result.DefaultSignalEpsilon
	}
	return &Pipeline{sbx: sbx, gen: gen, opts: opts}
}

// Run executes the full chain for m and returns a PipelineResult. It never
// returns a bare, unclassified error for a recoverable condition — those
// are folded into the returned result's Status; it returns an error only
// for conditions the caller (the scheduler) should treat as a TaskFailure
// (e.g. calibration rejected twice, or context cancellation).
func (p *Pipeline) Run(ctx context.Context, m market.Descriptor) (*result.PipelineResult, error) {
	log := logging.Get(logging.CategoryScheduler)

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid market %s: %w", m.Slug, err)
	}

	bundle, err := research.Research(ctx, p.sbx, m.Question)
	if err != nil {
		return nil, err
	}

	initial, err := p.gen.Initial(ctx, m.Question, bundle)
	if err != nil {
		return nil, err
	}

	working, execLog, outcome := execloop.ExecuteWithRetry(ctx, p.gen, p.sbx, initial, p.opts.FallbackArtifact, p.opts.MaxRepairRetries)
	if outcome == execloop.Failed {
		return nil, &engineerr.TaskFailure{Slug: m.Slug, Reason: "execution repair exhausted", Err: fmt.Errorf("no working artifact")}
	}
	usedFallback := outcome == execloop.SucceededWithFallback

	cal, working, execLog, err := p.calibrateWithOneRegenerate(ctx, working, execLog)
	if err != nil {
		return nil, err
	}

	probabilityMode := p.opts.ProbabilityMode && cal.InRangeZeroOne
	mcResult, err := montecarlo.Run(ctx, p.sbx, working.Code, montecarlo.RunOptions{
		N:               p.opts.MonteCarloN,
		Threshold:       cal.Threshold,
		ProbabilityMode: probabilityMode,
	})
	if err != nil {
		return nil, err
	}

	status := result.StatusSucceeded
	if usedFallback {
		status = result.StatusSucceededWithFallback
		log.Warn("market %s completed with fallback artifact", m.Slug)
	}
	if mcResult.PartiallyFailed {
		status = result.StatusPartiallyFailed
	}

	signal := result.DeriveSignal(mcResult.Probability, m.YesOdds, p.opts.SignalEpsilon)

	return &result.PipelineResult{
		Market:       m,
		Research:     bundle,
		Artifact:     working,
		Calibration:  cal,
		MonteCarlo:   mcResult,
		Signal:       signal,
		Explanation:  working.Description,
		Status:       status,
		UsedFallback: usedFallback,
		ExecutionLog: execLog,
	}, nil
}

// calibrateWithOneRegenerate runs calibration and, on a rejected verdict,
// requests exactly one repair with classification "insufficient
// stochasticity" before escalating to CalibrationRejection (spec.md §4.E).
func (p *Pipeline) calibrateWithOneRegenerate(ctx context.Context, artifact *codegen.Artifact, execLog []execloop.LogEntry) (*calibration.Calibration, *codegen.Artifact, []execloop.LogEntry, error) {
	log := logging.Get(logging.CategoryCalibration)

	cal, artifact, execLog, err := p.calibrateOrRepairNaN(ctx, artifact, execLog)
	if err != nil {
		return nil, artifact, execLog, err
	}
	if cal.Verdict == calibration.Accepted {
		return cal, artifact, execLog, nil
	}

	log.Warn("calibration verdict=%s, requesting one regeneration", cal.Verdict)
	regenerated, err := p.gen.Repair(ctx, artifact, codegen.Failure{Class: codegen.ClassInsufficientVariance, StderrTail: string(cal.Verdict)})
	if err != nil {
		return nil, artifact, execLog, &engineerr.CalibrationRejection{Verdict: string(cal.Verdict)}
	}

	working, retryLog, outcome := execloop.ExecuteWithRetry(ctx, p.gen, p.sbx, regenerated, artifact, p.opts.MaxRepairRetries)
	execLog = append(execLog, retryLog...)
	if outcome == execloop.Failed {
		return nil, artifact, execLog, &engineerr.CalibrationRejection{Verdict: string(cal.Verdict)}
	}

	secondCal, working, execLog, err := p.calibrateOrRepairNaN(ctx, working, execLog)
	if err != nil {
		return nil, artifact, execLog, err
	}
	if secondCal.Verdict != calibration.Accepted {
		return nil, artifact, execLog, &engineerr.CalibrationRejection{Verdict: string(secondCal.Verdict)}
	}
	return secondCal, working, execLog, nil
}

// calibrateOrRepairNaN runs one calibration pass and, if a calibration trial
// produced a non-finite metric, discards that calibration and routes the
// artifact through one repair-and-reexecute cycle before calibrating again,
// rather than failing the task outright (spec.md §4.E: "a single NaN metric
// during calibration escalates to the repair loop and discards the
// calibration").
func (p *Pipeline) calibrateOrRepairNaN(ctx context.Context, artifact *codegen.Artifact, execLog []execloop.LogEntry) (*calibration.Calibration, *codegen.Artifact, []execloop.LogEntry, error) {
	log := logging.Get(logging.CategoryCalibration)

	cal, err := calibration.Calibrate(ctx, p.sbx, artifact.Code, p.opts.CalibrationK, p.opts.UserThreshold)
	if err == nil {
		return cal, artifact, execLog, nil
	}

	var execFailure *engineerr.ExecutionFailure
	if !errors.As(err, &execFailure) || execFailure.Kind != engineerr.FailureNaN {
		return nil, artifact, execLog, err
	}

	log.Warn("calibration trial produced a NaN metric, discarding calibration and re-entering the repair loop")
	repaired, repairErr := p.gen.Repair(ctx, artifact, codegen.Failure{Class: codegen.ClassNaN, StderrTail: execFailure.Detail})
	if repairErr != nil {
		return nil, artifact, execLog, err
	}

	working, retryLog, outcome := execloop.ExecuteWithRetry(ctx, p.gen, p.sbx, repaired, artifact, p.opts.MaxRepairRetries)
	execLog = append(execLog, retryLog...)
	if outcome == execloop.Failed {
		return nil, artifact, execLog, err
	}

	cal, calErr := calibration.Calibrate(ctx, p.sbx, working.Code, p.opts.CalibrationK, p.opts.UserThreshold)
	if calErr != nil {
		return nil, working, execLog, calErr
	}
	return cal, working, execLog, nil
}
