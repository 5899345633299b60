// Package codegen implements the Code Generator (spec.md §4.C): it has an
// LLM author a complete agent-based simulation satisfying the run_trial
// entry-point contract, and can repair a previous artifact given a failure
// classification. Grounded on the teacher's
// internal/autopoiesis/tool_generation.go (generateToolCode /
// regenerateToolCodeWithFeedback) — the same system/user prompt shape,
// generalized from "generate a CLI tool function" to "generate an
// agent-based simulation function", and the same ```go fenced-block
// extraction helper.
package codegen

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"marketsim/internal/engineerr"
	"marketsim/internal/llmclient"
	"marketsim/internal/logging"
	"marketsim/internal/research"
	"marketsim/internal/retrybackoff"
	"marketsim/internal/sandbox"
	"time"
)

const maxProviderRetries = 2

// FailureClass mirrors execloop's diagnostic classification so a repair
// prompt can name exactly what went wrong.
type FailureClass string

const (
	ClassCompile              FailureClass = "compile"
	ClassRuntime              FailureClass = "runtime"
	ClassTimeout              FailureClass = "timeout"
	ClassNaN                  FailureClass = "nan"
	ClassInsufficientVariance FailureClass = "insufficient stochasticity"
	ClassStructural           FailureClass = "structural"
)

// Failure describes why the previous artifact needs repair.
type Failure struct {
	Class      FailureClass
	StderrTail string // bounded to ~2KB by the caller (execloop)
}

// Artifact is the LLM-authored program text plus the self-description
// block the Result Assembler surfaces as an explanation.
type Artifact struct {
	Code        string
	Description *Description
}

// Description is the self-description block spec.md §4.C requires: agent
// classes, approximate counts, rationale, and an outcome-interpretation
// sentence.
type Description struct {
	AgentClasses      []string `json:"agent_classes"`
	ApproxAgentCount  int      `json:"approx_agent_count"`
	Rationale         string   `json:"rationale"`
	OutcomeSentence   string   `json:"outcome_sentence"`
}

// Generator produces and repairs SimulationArtifacts.
type Generator struct {
	client llmclient.Client
}

// New constructs a Generator over the given LLM client.
func New(client llmclient.Client) *Generator {
	return &Generator{client: client}
}

const systemPrompt = `You are a Go simulation author for a prediction-market analysis engine.

You will be given a market question and research context. Write a Go
agent-based Monte Carlo simulation that estimates the probability the
question resolves YES.

CONTRACT (must be followed exactly):
- Define: func runTrial(seed int) (float64, string)
  - deterministic for a given seed (seed the RNG from it)
  - must complete in well under 3 seconds
  - the first return value is a raw metric in a bounded range you choose;
    it is treated as a black box by the caller, but must always be finite
    (never NaN or +/-Inf)
  - the second return value is a short human-readable auxiliary note
- Optionally define a self-description comment block, exactly once, shaped:
  /* DESCRIPTION
  agent_classes: ClassA, ClassB
  approx_agent_count: 200
  rationale: one sentence
  outcome_sentence: one sentence interpreting what a high metric means
  */

CONSTRAINTS:
- package main
- only import: fmt, strings, strconv, math, math/rand, regexp,
  encoding/json, time, sort, errors, sync
- no network access, no file I/O, no os/exec, no unsafe, no unbounded loops
- bound agent counts (tens to low thousands) and step counts (tens to
  low hundreds) so a trial finishes quickly
- return errors, never panic

Respond with a single ` + "```go" + ` fenced code block and nothing else.`

// Initial authors a first artifact for a market question and research
// bundle.
func (g *Generator) Initial(ctx context.Context, question string, bundle *research.Bundle) (*Artifact, error) {
	userPrompt := fmt.Sprintf(`Market question: %s

Research context:
%s

Write the simulation now.`, question, researchText(bundle))

	code, err := g.completeWithRetry(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	return parseArtifact(code), nil
}

// Repair produces a corrected artifact given the previous one and a
// classified failure.
func (g *Generator) Repair(ctx context.Context, previous *Artifact, failure Failure) (*Artifact, error) {
	log := logging.Get(logging.CategoryCodegen)
	log.Info("repairing artifact after classification=%s", failure.Class)

	userPrompt := fmt.Sprintf(`Your previous simulation failed and needs to be corrected.

--- FAILURE CLASSIFICATION ---
%s

--- STDERR (tail) ---
%s

--- PREVIOUS CODE (do not repeat its mistakes) ---
%s

Generate a corrected version that still satisfies the runTrial(seed int)
(float64, string) contract. If the classification is "insufficient
stochasticity", make sure different seeds produce meaningfully different
metrics (increase the influence of the seeded RNG on the outcome).`,
		failure.Class, failure.StderrTail, previous.Code)

	code, err := g.completeWithRetry(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	return parseArtifact(code), nil
}

func (g *Generator) completeWithRetry(ctx context.Context, system, user string) (string, error) {
	log := logging.Get(logging.CategoryCodegen)
	var lastErr error
	for attempt := 1; attempt <= maxProviderRetries+1; attempt++ {
		if attempt > 1 {
			d := retrybackoff.Research.Duration(attempt - 1)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		text, err := g.client.CompleteWithSystem(ctx, system, user)
		if err == nil {
			return extractCodeBlock(text, "go"), nil
		}
		lastErr = err
		log.Warn("generation attempt %d failed: %v", attempt, err)
	}
	return "", &engineerr.ProviderUnavailable{Which: engineerr.ProviderLLM, Err: lastErr}
}

func researchText(b *research.Bundle) string {
	if b == nil || b.Text == "" {
		return "(no research available)"
	}
	return b.Text
}

// parseArtifact extracts the self-description block and returns the
// Artifact. A missing or malformed block is non-fatal (spec.md §4.C: the
// engine treats it as static data, not something to validate strictly).
func parseArtifact(code string) *Artifact {
	return &Artifact{Code: code, Description: extractDescription(code)}
}

var descBlockPattern = regexp.MustCompile(`(?s)/\*\s*DESCRIPTION\s*(.*?)\*/`)
var descFieldPattern = regexp.MustCompile(`(?m)^\s*(agent_classes|approx_agent_count|rationale|outcome_sentence)\s*:\s*(.+)$`)

func extractDescription(code string) *Description {
	m := descBlockPattern.FindStringSubmatch(code)
	if m == nil {
		return nil
	}
	desc := &Description{}
	for _, fm := range descFieldPattern.FindAllStringSubmatch(m[1], -1) {
		key, val := fm[1], strings.TrimSpace(fm[2])
		switch key {
		case "agent_classes":
			parts := strings.Split(val, ",")
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					desc.AgentClasses = append(desc.AgentClasses, p)
				}
			}
		case "approx_agent_count":
			fmt.Sscanf(val, "%d", &desc.ApproxAgentCount)
		case "rationale":
			desc.Rationale = val
		case "outcome_sentence":
			desc.OutcomeSentence = val
		}
	}
	return desc
}

// extractCodeBlock pulls the fenced code block out of an LLM response,
// falling back to the raw text if no fence is found. Grounded verbatim on
// the teacher's tool_templates.go extractCodeBlock.
func extractCodeBlock(text, lang string) string {
	patterns := []string{"```" + lang + "\n", "```" + lang + "\r\n", "```\n"}
	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			if end := strings.Index(text[start:], "```"); end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
		}
	}
	return strings.TrimSpace(text)
}

// fallbackSource is the engine's baked-in baseline artifact, used only when
// the execution/repair loop exhausts its retry budget without ever
// producing a healthy artifact. Grounded on original_source's static
// economic_shock.py baseline, which the Python orchestrator always loads
// and always passes into its retry loop as a last resort (see DESIGN.md).
const fallbackSource = `package main

import "math/rand"

/* DESCRIPTION
agent_classes: MarketParticipant
approx_agent_count: 1
rationale: static baseline model used only when the LLM-authored simulation could not be repaired within budget
outcome_sentence: a metric above 0.5 indicates the shock resolves in favor of YES
*/

func runTrial(seed int) (float64, string) {
	r := rand.New(rand.NewSource(int64(seed)))
	return r.Float64(), "baseline economic shock"
}
`

// DefaultFallback returns the engine's baseline artifact. pipeline.New does
// not apply it on its own; a caller opts in by setting
// pipeline.Options.FallbackArtifact to it (cmd/marketsim does).
func DefaultFallback() *Artifact {
	return parseArtifact(fallbackSource)
}

// ExtractImports returns the imported package paths from Go source text, so
// callers can validate them against sandbox.ValidateImports before ever
// writing the artifact into a sandbox.
func ExtractImports(code string) []string {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := strings.Trim(trimmed, `"`); pkg != "" {
				imports = append(imports, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.TrimPrefix(trimmed, "import ")
			imports = append(imports, strings.Trim(pkg, `"`))
		}
	}
	return imports
}

// ValidateArtifact checks the artifact only imports whitelisted packages
// and exposes runTrial. It does not compile or type-check the code — per
// spec.md §9, that is strictly the sandbox's job.
func ValidateArtifact(a *Artifact) error {
	if !strings.Contains(a.Code, "func runTrial(") {
		return &engineerr.GenerationInvalid{Reason: "missing runTrial entry point"}
	}
	return sandbox.ValidateImports(ExtractImports(a.Code))
}
