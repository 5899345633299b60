// Package engineerr defines the engine's error taxonomy. Each type wraps an
// underlying cause and identifies where in the pipeline it originated, so
// callers can classify with errors.As instead of string matching.
package engineerr

import "fmt"

// Provider identifies which upstream capability failed.
type Provider string

const (
	ProviderSandbox  Provider = "sandbox"
	ProviderLLM      Provider = "llm"
	ProviderResearch Provider = "research"
)

// ProviderUnavailable wraps a transient failure from an upstream provider
// (sandbox, LLM, or research). Scheduler-level retry logic keys off this
// type.
type ProviderUnavailable struct {
	Which Provider
	Err   error
}

func (e *ProviderUnavailable) Error() string {
	return fmt.Sprintf("%s provider unavailable: %v", e.Which, e.Err)
}
func (e *ProviderUnavailable) Unwrap() error { return e.Err }

// GenerationInvalid means the LLM returned text missing the required entry
// points or violating a stated constraint. Routed into the repair loop as a
// synthetic "structural error" diagnostic.
type GenerationInvalid struct {
	Reason string
}

func (e *GenerationInvalid) Error() string { return "generation invalid: " + e.Reason }

// ExecutionFailure classifies a failed smoke test or trial: compile,
// runtime, timeout, or a non-finite metric.
type ExecutionFailureKind string

const (
	FailureCompile ExecutionFailureKind = "compile"
	FailureRuntime ExecutionFailureKind = "runtime"
	FailureTimeout ExecutionFailureKind = "timeout"
	FailureNaN     ExecutionFailureKind = "nan"
)

type ExecutionFailure struct {
	Kind   ExecutionFailureKind
	Detail string
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution failure (%s): %s", e.Kind, e.Detail)
}

// CalibrationRejection means calibration could not be accepted and the task
// cannot proceed: calibration.Calibrate returns it (Verdict "too_small") for
// a batch below its minimum size, and the pipeline returns it when a
// low-variance or degenerate verdict survives the one regeneration attempt.
type CalibrationRejection struct {
	Verdict string
}

func (e *CalibrationRejection) Error() string { return "calibration rejected: " + e.Verdict }

// PartialMonteCarlo means more than 10% of Monte Carlo trials failed.
type PartialMonteCarlo struct {
	Failed, Total int
}

func (e *PartialMonteCarlo) Error() string {
	return fmt.Sprintf("partial monte carlo: %d/%d trials failed", e.Failed, e.Total)
}

// TaskFailure is an unrecoverable, per-market failure. It never escapes the
// batch scheduler as a panic or process error — it is recorded as a
// FailureRecord and the batch continues.
type TaskFailure struct {
	Slug   string
	Reason string
	Err    error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("task %s failed: %s: %v", e.Slug, e.Reason, e.Err)
}
func (e *TaskFailure) Unwrap() error { return e.Err }

// BatchFailure means the scheduler could not start at all (e.g. missing
// credentials) and short-circuited before any task ran.
type BatchFailure struct {
	Reason string
}

func (e *BatchFailure) Error() string { return "batch failed to start: " + e.Reason }
