// Package execloop implements the Execution & Repair Loop (spec.md §4.D): it
// writes an artifact into a sandbox, smoke-tests it at seed 0, classifies
// any failure, and drives the code generator's repair path until the
// artifact runs clean or a retry budget is exhausted. Grounded on the
// teacher's internal/autopoiesis/ouroboros.go OuroborosLoop.Execute state
// machine — generalized from "compile a generated CLI tool" to "smoke-test
// a generated simulation" (Specification/SafetyCheck/Compilation collapse
// into a single sandboxed Exec call, since yaegi type-checks and runs in
// one step).
package execloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketsim/internal/codegen"
	"marketsim/internal/engineerr"
	"marketsim/internal/logging"
	"marketsim/internal/sandbox"
)

// Stage mirrors the teacher's LoopStage enum, generalized to the
// simulation domain.
type Stage int

const (
	StageGenerated Stage = iota
	StageExecuted
	StageRepairing
)

func (s Stage) String() string {
	switch s {
	case StageGenerated:
		return "generated"
	case StageExecuted:
		return "executed"
	case StageRepairing:
		return "repairing"
	default:
		return "unknown"
	}
}

// Outcome is the terminal state of a repair loop.
type Outcome int

const (
	Succeeded Outcome = iota
	SucceededWithFallback
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case SucceededWithFallback:
		return "succeeded_with_fallback"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// LogEntry records one attempt in the repair loop.
type LogEntry struct {
	Attempt        int                          `json:"attempt"`
	Phase          string                       `json:"phase"`
	Duration       time.Duration                `json:"duration_ns"`
	Classification codegen.FailureClass         `json:"classification,omitempty"`
	Detail         string                       `json:"detail,omitempty"`
}

// MaxRepairRetries is the default total attempt budget (initial attempt
// plus repairs) before the loop gives up (spec.md §4.D, §8 scenario 4).
const MaxRepairRetries = 5

// smokeTestTimeout bounds the single run_trial(0) smoke test per attempt.
const smokeTestTimeout = 10 * time.Second

// stderrExcerptLimit bounds the diagnostic text handed back into the
// repair prompt.
const stderrExcerptLimit = 2048

// Generator is the subset of codegen.Generator the loop needs, so tests can
// substitute a fake without touching an LLM.
type Generator interface {
	Repair(ctx context.Context, previous *codegen.Artifact, failure codegen.Failure) (*codegen.Artifact, error)
}

// ExecuteWithRetry smoke-tests initial in sbx, repairing via gen for as
// long as the attempt budget (maxRetries, or MaxRepairRetries if <= 0)
// allows. Exactly one LogEntry is recorded per attempt (§8 scenario 2:
// "execution log has exactly 2 entries" for a repair-then-success run).
// fallback, if non-nil, is what the caller reports as the market's usable
// artifact when the retry budget is exhausted without ever succeeding; it
// is never itself smoke-tested here (the calibration/Monte Carlo stages
// will surface any problems it still has), and its use is recorded as an
// additional "fallback-used" LogEntry (§8 scenario 4).
func ExecuteWithRetry(ctx context.Context, gen Generator, sbx *sandbox.Sandbox, initial *codegen.Artifact, fallback *codegen.Artifact, maxRetries int) (*codegen.Artifact, []LogEntry, Outcome) {
	log := logging.Get(logging.CategoryExecLoop)
	if maxRetries <= 0 {
		maxRetries = MaxRepairRetries
	}
	current := initial
	var logEntries []LogEntry

	for attempt := 1; attempt <= maxRetries; attempt++ {
		start := time.Now()
		class, detail, execErr := smokeTest(ctx, sbx, current)
		elapsed := time.Since(start)

		if execErr == nil {
			logEntries = append(logEntries, LogEntry{Attempt: attempt, Phase: StageExecuted.String(), Duration: elapsed, Classification: "ok", Detail: detail})
			log.Info("attempt %d: artifact executed cleanly", attempt)
			return current, logEntries, Succeeded
		}
		logEntries = append(logEntries, LogEntry{Attempt: attempt, Phase: StageRepairing.String(), Duration: elapsed, Classification: class, Detail: truncate(detail, 200)})
		logStructuredAttempt(log, attempt, class, detail)

		if attempt == maxRetries || ctx.Err() != nil {
			break
		}

		repaired, err := gen.Repair(ctx, current, codegen.Failure{Class: class, StderrTail: truncate(detail, stderrExcerptLimit)})
		if err != nil {
			log.Warn("attempt %d: repair generation failed: %v", attempt, err)
			break
		}
		current = repaired
	}

	if fallback != nil {
		log.Warn("repair budget exhausted, falling back to the supplied fallback artifact")
		logEntries = append(logEntries, LogEntry{Attempt: len(logEntries) + 1, Phase: "fallback-used", Detail: "repair budget exhausted, using fallback artifact"})
		return fallback, logEntries, SucceededWithFallback
	}
	log.Error("repair budget exhausted with no fallback artifact")
	return nil, logEntries, Failed
}

// logStructuredAttempt records an attempt's classification as a structured
// entry with the attempt number as a field, since LogEntry's plain
// Detail/Classification pair can't carry arbitrary key-value context the
// way logging.Entry.Fields can.
func logStructuredAttempt(log *logging.Logger, attempt int, class codegen.FailureClass, detail string) {
	entry := log.StructuredEntry("WARN", fmt.Sprintf("attempt %d failed", attempt), map[string]interface{}{
		"attempt":        attempt,
		"classification": string(class),
		"detail":         truncate(detail, 200),
	})
	if data, err := json.Marshal(entry); err == nil {
		log.Warn("%s", data)
	}
}

// smokeTest validates the artifact's import whitelist and entry point
// before ever writing it into the sandbox (spec.md §4.A/§4.C: the sandbox
// must never even attempt to run code that imports outside the whitelist),
// then writes it and evaluates run_trial(0) once.
func smokeTest(ctx context.Context, sbx *sandbox.Sandbox, artifact *codegen.Artifact) (codegen.FailureClass, string, error) {
	if err := codegen.ValidateArtifact(artifact); err != nil {
		return codegen.ClassStructural, err.Error(), err
	}

	if err := sbx.WriteFile("/tmp/model.go", []byte(artifact.Code)); err != nil {
		return codegen.ClassStructural, err.Error(), err
	}

	_, err := sbx.Exec(ctx, artifact.Code, "func() []interface{} { m, a := runTrial(0); return []interface{}{m, a} }()", smokeTestTimeout)
	if err == nil {
		return "", "", nil
	}

	var execFailure *engineerr.ExecutionFailure
	if errors.As(err, &execFailure) {
		switch execFailure.Kind {
		case engineerr.FailureCompile:
			return codegen.ClassCompile, execFailure.Detail, err
		case engineerr.FailureTimeout:
			return codegen.ClassTimeout, execFailure.Detail, err
		case engineerr.FailureNaN:
			return codegen.ClassNaN, execFailure.Detail, err
		default:
			return codegen.ClassRuntime, execFailure.Detail, err
		}
	}
	return codegen.ClassRuntime, err.Error(), err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
