// Package montecarlo implements the Monte Carlo Driver (spec.md §4.F): the
// primitive that runs a single deterministic trial, and the batch driver
// that runs N of them and aggregates a calibrated probability with a
// confidence interval. The sequential-by-default trial loop and the
// concurrency-hint knob are grounded on the teacher's
// internal/autopoiesis/thunderdome.go ThunderdomeConfig.ParallelAttacks
// field, kept here as an opt-in rather than the default, per spec.md §4.F's
// "sequential by default, simplest correctness" guidance.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"time"

	"marketsim/internal/engineerr"
	"marketsim/internal/logging"
	"marketsim/internal/sandbox"
)

// trialTimeout bounds a single run_trial(seed) evaluation.
const trialTimeout = 5 * time.Second

// TrialOutcome is one seed's raw result.
type TrialOutcome struct {
	Seed    int         `json:"seed"`
	Metric  float64     `json:"metric"`
	Aux     interface{} `json:"aux,omitempty"`
	Success bool        `json:"success"`
	Failed  bool        `json:"failed"`
	Reason  string      `json:"reason,omitempty"`
}

// RunTrial evaluates run_trial(seed) once against code loaded into sbx.
func RunTrial(ctx context.Context, sbx *sandbox.Sandbox, code string, seed int) (TrialOutcome, error) {
	expr := fmt.Sprintf("func() []interface{} { m, a := runTrial(%d); return []interface{}{m, a} }()", seed)
	res, err := sbx.Exec(ctx, code, expr, trialTimeout)
	if err != nil {
		return TrialOutcome{Seed: seed, Failed: true, Reason: err.Error()}, err
	}
	return TrialOutcome{Seed: seed, Metric: res.Metric, Aux: res.Aux}, nil
}

// RunOptions configures a Monte Carlo batch.
type RunOptions struct {
	N               int
	Threshold       float64
	ProbabilityMode bool
	// Concurrency, when > 1, runs trials from a bounded worker pool
	// instead of sequentially. Determinism per seed is preserved either
	// way since each trial only depends on its own seed.
	Concurrency int
}

// DefaultN is the default Monte Carlo batch size (spec.md §4.F).
const DefaultN = 200

// maxFailureFraction is the partial-failure threshold beyond which the
// pipeline reports PartiallyFailed (spec.md §4.F).
const maxFailureFraction = 0.10

// Result is the aggregated Monte Carlo outcome.
type Result struct {
	Probability     float64        `json:"probability"`
	CIHalfWidth     float64        `json:"ci_half_width"`
	Outcomes        []TrialOutcome `json:"outcomes"`
	Threshold       float64        `json:"threshold"`
	ProbabilityMode bool           `json:"probability_mode"`
	NRuns           int            `json:"n_runs"`
	NFailed         int            `json:"n_failed"`
	PartiallyFailed bool           `json:"partially_failed"`
}

// Run executes opts.N trials against code and aggregates them. Outcomes are
// indexed by seed regardless of completion order, so a caller comparing two
// runs of the same artifact can align them positionally.
func Run(ctx context.Context, sbx *sandbox.Sandbox, code string, opts RunOptions) (*Result, error) {
	log := logging.Get(logging.CategoryMonteCarlo)
	n := opts.N
	if n <= 0 {
		n = DefaultN
	}

	timer := logging.StartTimer(logging.CategoryMonteCarlo, "batch")
	outcomes := make([]TrialOutcome, n)
	concurrency := opts.Concurrency
	if concurrency <= 1 {
		for seed := 0; seed < n; seed++ {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			outcomes[seed] = evaluate(ctx, sbx, code, seed, opts)
		}
	} else {
		if concurrency > n {
			concurrency = n
		}
		sem := make(chan struct{}, concurrency)
		done := make(chan struct{})
		for seed := 0; seed < n; seed++ {
			seed := seed
			sem <- struct{}{}
			go func() {
				defer func() { <-sem; done <- struct{}{} }()
				outcomes[seed] = evaluate(ctx, sbx, code, seed, opts)
			}()
		}
		for i := 0; i < n; i++ {
			<-done
		}
	}

	var successes, failed int
	for _, o := range outcomes {
		if o.Failed {
			failed++
			continue
		}
		if o.Success {
			successes++
		}
	}
	elapsed := timer.Stop()
	nRuns := n - failed
	if nRuns == 0 {
		log.Warn("%s", (&engineerr.PartialMonteCarlo{Failed: failed, Total: n}).Error())
		return &Result{Threshold: opts.Threshold, ProbabilityMode: opts.ProbabilityMode, Outcomes: outcomes, NFailed: failed, PartiallyFailed: true}, nil
	}

	p := float64(successes) / float64(nRuns)
	ci := 1.96 * math.Sqrt(p*(1-p)/float64(nRuns))
	partiallyFailed := float64(failed)/float64(n) > maxFailureFraction
	if partiallyFailed {
		log.Warn("%s", (&engineerr.PartialMonteCarlo{Failed: failed, Total: n}).Error())
	}

	log.Info("monte carlo: n=%d n_runs=%d n_failed=%d p=%.4f ci=%.4f partially_failed=%v duration=%s", n, nRuns, failed, p, ci, partiallyFailed, elapsed)

	return &Result{
		Probability:     p,
		CIHalfWidth:     ci,
		Outcomes:        outcomes,
		Threshold:       opts.Threshold,
		ProbabilityMode: opts.ProbabilityMode,
		NRuns:           nRuns,
		NFailed:         failed,
		PartiallyFailed: partiallyFailed,
	}, nil
}

func evaluate(ctx context.Context, sbx *sandbox.Sandbox, code string, seed int, opts RunOptions) TrialOutcome {
	outcome, err := RunTrial(ctx, sbx, code, seed)
	if err != nil {
		outcome.Failed = true
		if outcome.Reason == "" {
			outcome.Reason = err.Error()
		}
		return outcome
	}
	if opts.ProbabilityMode {
		outcome.Success = bernoulli(outcome.Metric, seed)
	} else {
		outcome.Success = outcome.Metric > opts.Threshold
	}
	return outcome
}

// bernoulli draws a success/failure outcome from a probability p using a
// sub-seed derived deterministically from the trial seed, so re-running the
// same seed in probability mode always reproduces the same draw.
func bernoulli(p float64, seed int) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	// A small deterministic LCG step keyed on the seed, not math/rand's
	// global state, so probability-mode draws never depend on call order.
	x := uint64(seed)*2654435761 + 1
	x ^= x >> 15
	x *= 2246822519
	x ^= x >> 13
	frac := float64(x%1_000_000) / 1_000_000.0
	return frac < p
}
