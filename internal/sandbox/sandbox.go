// Package sandbox provides a hermetic execution environment for a single
// pipeline's LLM-authored simulation artifact. It is grounded on the
// teacher's internal/autopoiesis/yaegi_executor.go: rather than shelling out
// to `go build`/`go run` (which can hang on network-dependent module
// resolution, crash on version skew, or drag in arbitrary dependencies), the
// artifact is interpreted in-process with a whitelisted stdlib surface via
// traefik/yaegi. This buys language-level sandboxing without OS-level
// containment; swapping in a real container/microVM-backed Provider would
// not require changing this package's exported interfaces.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"marketsim/internal/engineerr"
	"marketsim/internal/logging"
)

// ErrUnavailable is returned by Acquire when the underlying provider is out.
var ErrUnavailable = errors.New("sandbox: provider unavailable")

// lifetime is the maximum wall-clock duration a single sandbox may live,
// counted from Acquire (spec.md §4.A: "the sandbox itself lives at most 10
// minutes from acquire").
const lifetime = 10 * time.Minute

// defaultExecTimeout is applied to Exec calls that don't specify one.
const defaultExecTimeout = 60 * time.Second

// allowedPackages is the stdlib import whitelist a generated simulation may
// use. Grounded verbatim on yaegi_executor.go's allowedPackages, extended
// with math/rand (agent-based simulations need randomness) and sync (bounded
// concurrency inside an artifact's own run_monte_carlo, if it defines one).
var allowedPackages = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"math/rand":       true,
	"regexp":          true,
	"encoding/json":   true,
	"time":            true,
	"sort":            true,
	"errors":          true,
	"sync":            true,
}

// ToolEndpoint is the credential a sandboxed program uses to call the
// research tool gateway. The bearer token is scoped to one sandbox and must
// never be logged (spec.md §9).
type ToolEndpoint struct {
	URL   string
	Token string
}

// ExecResult is the outcome of one Exec call.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Metric/Aux hold the run_trial(seed) return values when Exec was asked
	// to evaluate a trial expression; both are zero-valued otherwise.
	Metric float64
	Aux    interface{}
}

// Provider acquires sandboxes. Its only implementation here is
// yaegiProvider, but it is an interface so a container/microVM-backed
// provider can be substituted without touching callers.
type Provider interface {
	Acquire(ctx context.Context) (*Sandbox, error)
}

// NewProvider returns the default yaegi-interpreted provider. toolEndpoint
// is the (URL, token) pair minted for every sandbox this provider hands out;
// in a real deployment each Acquire would mint a fresh, sandbox-scoped
// token — this implementation accepts one from the caller because sandbox
// provisioning itself is out of scope (spec.md §1 lists the sandbox
// provider as an external capability interface).
func NewProvider(toolEndpoint ToolEndpoint) Provider {
	return &yaegiProvider{toolEndpoint: toolEndpoint}
}

type yaegiProvider struct {
	toolEndpoint ToolEndpoint
}

func (p *yaegiProvider) Acquire(ctx context.Context) (*Sandbox, error) {
	log := logging.Get(logging.CategorySandbox)
	id := uuid.NewString()

	interpreter := interp.New(interp.Options{})
	if err := interpreter.Use(stdlib.Symbols); err != nil {
		log.Error("sandbox %s: failed to load stdlib symbols: %v", id, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	deadline := time.Now().Add(lifetime)
	sbx := &Sandbox{
		id:           id,
		interpreter:  interpreter,
		files:        make(map[string][]byte),
		deadline:     deadline,
		toolEndpoint: p.toolEndpoint,
	}
	log.Info("sandbox %s acquired, deadline=%s", id, deadline.Format(time.RFC3339))
	return sbx, nil
}

// Sandbox is single-use: one pipeline acquires it, runs its full generate/
// execute/repair/calibrate/monte-carlo chain, and releases it exactly once.
// Concurrent sandboxes share no state (spec.md §5: "no shared mutable state
// between pipelines").
type Sandbox struct {
	id          string
	interpreter *interp.Interpreter
	mu          sync.Mutex

	files    map[string][]byte
	deadline time.Time

	toolEndpoint ToolEndpoint

	releaseOnce sync.Once
	released    bool
}

// ID returns the sandbox's unique handle, used for log correlation.
func (s *Sandbox) ID() string { return s.id }

// ToolEndpoint returns the credential the research adapter should call
// through on this sandbox's behalf.
func (s *Sandbox) ToolEndpoint() ToolEndpoint { return s.toolEndpoint }

// WriteFile stores bytes at a path inside the sandbox's virtual /tmp.
func (s *Sandbox) WriteFile(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errors.New("sandbox: write after release")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.files[path] = buf
	return nil
}

// ReadFile returns bytes previously written at path.
func (s *Sandbox) ReadFile(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("sandbox: no such file %q", path)
	}
	return data, nil
}

// Exec evaluates the given Go source, which the caller must already have
// validated against allowedPackages (see codegen.ValidateArtifact — Exec
// itself trusts its input and does not re-check imports), and, if expr is
// non-empty,
// evaluates expr afterward and captures its result as a trial outcome. A
// zero timeout uses defaultExecTimeout, itself bounded by the sandbox's
// remaining lifetime.
func (s *Sandbox) Exec(ctx context.Context, code, expr string, timeout time.Duration) (ExecResult, error) {
	log := logging.Get(logging.CategorySandbox)

	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return ExecResult{}, errors.New("sandbox: exec after release")
	}

	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if remaining := time.Until(s.deadline); remaining < timeout {
		timeout = remaining
	}
	if timeout <= 0 {
		return ExecResult{}, &engineerr.ExecutionFailure{Kind: engineerr.FailureTimeout, Detail: "sandbox lifetime exceeded"}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type evalResult struct {
		res ExecResult
		err error
	}
	done := make(chan evalResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: &engineerr.ExecutionFailure{Kind: engineerr.FailureRuntime, Detail: fmt.Sprintf("panic: %v", r)}}
			}
		}()

		s.mu.Lock()
		_, err := s.interpreter.Eval(code)
		s.mu.Unlock()
		if err != nil {
			done <- evalResult{err: &engineerr.ExecutionFailure{Kind: engineerr.FailureCompile, Detail: err.Error()}}
			return
		}

		result := ExecResult{ExitCode: 0}
		if expr != "" {
			s.mu.Lock()
			v, evalErr := s.interpreter.Eval(expr)
			s.mu.Unlock()
			if evalErr != nil {
				done <- evalResult{err: &engineerr.ExecutionFailure{Kind: engineerr.FailureRuntime, Detail: evalErr.Error()}}
				return
			}
			metric, aux, classifyErr := classifyTrialValue(v)
			if classifyErr != nil {
				done <- evalResult{err: classifyErr}
				return
			}
			result.Metric = metric
			result.Aux = aux
		}
		done <- evalResult{res: result}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			log.Warn("sandbox %s exec failed: %v", s.id, r.err)
			return ExecResult{}, r.err
		}
		return r.res, nil
	case <-execCtx.Done():
		log.Warn("sandbox %s exec timed out after %s", s.id, timeout)
		return ExecResult{}, &engineerr.ExecutionFailure{Kind: engineerr.FailureTimeout, Detail: execCtx.Err().Error()}
	}
}

// Release tears the sandbox down. It is idempotent and never returns an
// error, matching spec.md §4.A ("release() must not throw").
func (s *Sandbox) Release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		s.interpreter = nil
		s.files = nil
		s.mu.Unlock()
		logging.Get(logging.CategorySandbox).Info("sandbox %s released", s.id)
	})
}

// ValidateImports rejects any import not in allowedPackages, returning a
// GenerationInvalid error naming the offenders. It is exported so codegen
// can reject an artifact before ever writing it to the sandbox.
func ValidateImports(imports []string) error {
	var forbidden []string
	for _, pkg := range imports {
		if !allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return &engineerr.GenerationInvalid{Reason: fmt.Sprintf("forbidden imports: %v", forbidden)}
	}
	return nil
}
