package codegen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"marketsim/internal/research"
)

type fakeClient struct {
	responses []string
	errs      []error
	calls     int
	lastUser  string
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	i := f.calls
	f.calls++
	f.lastUser = userPrompt
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", errors.New("fakeClient: no more scripted responses")
}

const sampleArtifact = "```go\n" + `package main

/* DESCRIPTION
agent_classes: Trader, Institution
approx_agent_count: 500
rationale: models buy and sell pressure under new information
outcome_sentence: a metric above 0.5 indicates majority buy pressure
*/

func runTrial(seed int) (float64, string) {
	return 0.62, "ok"
}
` + "```"

func TestInitialParsesArtifactAndDescription(t *testing.T) {
	client := &fakeClient{responses: []string{sampleArtifact}}
	gen := New(client)

	artifact, err := gen.Initial(context.Background(), "Will X happen?", research.Empty())
	require.NoError(t, err)
	require.Contains(t, artifact.Code, "func runTrial(")
	require.NotContains(t, artifact.Code, "```")
	require.NotNil(t, artifact.Description)
	require.Equal(t, []string{"Trader", "Institution"}, artifact.Description.AgentClasses)
	require.Equal(t, 500, artifact.Description.ApproxAgentCount)
	require.Equal(t, 1, client.calls)
}

func TestInitialToleratesMissingDescription(t *testing.T) {
	client := &fakeClient{responses: []string{"```go\npackage main\n\nfunc runTrial(seed int) (float64, string) { return 0.1, \"\" }\n```"}}
	gen := New(client)

	artifact, err := gen.Initial(context.Background(), "Will X happen?", nil)
	require.NoError(t, err)
	require.Nil(t, artifact.Description)
}

func TestInitialRetriesOnProviderErrorThenSucceeds(t *testing.T) {
	client := &fakeClient{
		errs:      []error{errors.New("transient"), nil},
		responses: []string{"", sampleArtifact},
	}
	gen := New(client)

	artifact, err := gen.Initial(context.Background(), "Will X happen?", research.Empty())
	require.NoError(t, err)
	require.Contains(t, artifact.Code, "func runTrial(")
	require.Equal(t, 2, client.calls)
}

func TestInitialFailsAfterExhaustingRetries(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	gen := New(client)

	_, err := gen.Initial(context.Background(), "Will X happen?", research.Empty())
	require.Error(t, err)
	require.Equal(t, maxProviderRetries+1, client.calls)
}

func TestRepairIncludesFailureContext(t *testing.T) {
	var capturedUser string
	client := &fakeClient{responses: []string{sampleArtifact}}
	gen := New(client)

	previous := &Artifact{Code: "package main\nfunc runTrial(seed int) (float64, string) { return 0, \"\" }\n"}
	failure := Failure{Class: ClassNaN, StderrTail: "metric was NaN"}

	_, err := gen.Repair(context.Background(), previous, failure)
	require.NoError(t, err)
	capturedUser = client.lastUser
	require.Contains(t, capturedUser, string(ClassNaN))
	require.Contains(t, capturedUser, "metric was NaN")
	require.Contains(t, capturedUser, previous.Code)
}

func TestExtractCodeBlockFallsBackToRawText(t *testing.T) {
	require.Equal(t, "package main", extractCodeBlock("package main", "go"))
}

func TestExtractImportsHandlesBlockAndSingleForm(t *testing.T) {
	code := `package main

import (
	"fmt"
	"math"
)

import "strings"

func runTrial(seed int) (float64, string) { return 0, "" }
`
	imports := ExtractImports(code)
	require.ElementsMatch(t, []string{"fmt", "math", "strings"}, imports)
}

func TestValidateArtifactRejectsForbiddenImport(t *testing.T) {
	a := &Artifact{Code: `package main

import (
	"os/exec"
)

func runTrial(seed int) (float64, string) { return 0, "" }
`}
	err := ValidateArtifact(a)
	require.Error(t, err)
}

func TestValidateArtifactRejectsMissingEntryPoint(t *testing.T) {
	a := &Artifact{Code: "package main\n"}
	err := ValidateArtifact(a)
	require.Error(t, err)
}

func TestValidateArtifactAcceptsWellFormedCode(t *testing.T) {
	a := &Artifact{Code: `package main

import "math/rand"

func runTrial(seed int) (float64, string) {
	r := rand.New(rand.NewSource(int64(seed)))
	return r.Float64(), "ok"
}
`}
	require.NoError(t, ValidateArtifact(a))
}
