package execloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"marketsim/internal/codegen"
	"marketsim/internal/sandbox"
)

const workingArtifact = `package main

func runTrial(seed int) (float64, string) {
	return 0.5, "ok"
}
`

const compileBrokenArtifact = `package main

func runTrial(seed int
`

const nanArtifact = `package main

import "math"

func runTrial(seed int) (float64, string) {
	return math.NaN(), "bad"
}
`

type fakeGenerator struct {
	repairs []*codegen.Artifact
	calls   int
}

func (f *fakeGenerator) Repair(ctx context.Context, previous *codegen.Artifact, failure codegen.Failure) (*codegen.Artifact, error) {
	i := f.calls
	f.calls++
	if i < len(f.repairs) {
		return f.repairs[i], nil
	}
	return f.repairs[len(f.repairs)-1], nil
}

func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	p := sandbox.NewProvider(sandbox.ToolEndpoint{})
	sbx, err := p.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(sbx.Release)
	return sbx
}

func TestExecuteWithRetrySucceedsOnFirstAttempt(t *testing.T) {
	sbx := newSandbox(t)
	initial := &codegen.Artifact{Code: workingArtifact}
	gen := &fakeGenerator{}

	artifact, log, outcome := ExecuteWithRetry(context.Background(), gen, sbx, initial, nil, 0)
	require.Equal(t, Succeeded, outcome)
	require.Same(t, initial, artifact)
	require.Len(t, log, 1)
	require.Equal(t, 0, gen.calls)
}

func TestExecuteWithRetryRepairsOnceThenSucceeds(t *testing.T) {
	sbx := newSandbox(t)
	initial := &codegen.Artifact{Code: compileBrokenArtifact}
	fixed := &codegen.Artifact{Code: workingArtifact}
	gen := &fakeGenerator{repairs: []*codegen.Artifact{fixed}}

	artifact, log, outcome := ExecuteWithRetry(context.Background(), gen, sbx, initial, nil, 0)
	require.Equal(t, Succeeded, outcome)
	require.Same(t, fixed, artifact)
	require.Equal(t, 1, gen.calls)
	require.Len(t, log, 2)
}

func TestExecuteWithRetryClassifiesNaN(t *testing.T) {
	sbx := newSandbox(t)
	initial := &codegen.Artifact{Code: nanArtifact}
	fixed := &codegen.Artifact{Code: workingArtifact}
	gen := &fakeGenerator{repairs: []*codegen.Artifact{fixed}}

	artifact, log, outcome := ExecuteWithRetry(context.Background(), gen, sbx, initial, nil, 0)
	require.Equal(t, Succeeded, outcome)
	require.Same(t, fixed, artifact)
	require.Equal(t, codegen.ClassNaN, log[0].Classification)
}

func TestExecuteWithRetryFallsBackAfterExhaustion(t *testing.T) {
	sbx := newSandbox(t)
	initial := &codegen.Artifact{Code: compileBrokenArtifact}
	gen := &fakeGenerator{repairs: []*codegen.Artifact{{Code: compileBrokenArtifact}}}
	fallback := &codegen.Artifact{Code: workingArtifact}

	artifact, log, outcome := ExecuteWithRetry(context.Background(), gen, sbx, initial, fallback, 0)
	require.Equal(t, SucceededWithFallback, outcome)
	require.Same(t, fallback, artifact)
	require.Equal(t, MaxRepairRetries-1, gen.calls)
	require.Equal(t, "fallback-used", log[len(log)-1].Phase)
}

func TestExecuteWithRetryFailsWithoutFallback(t *testing.T) {
	sbx := newSandbox(t)
	initial := &codegen.Artifact{Code: compileBrokenArtifact}
	gen := &fakeGenerator{repairs: []*codegen.Artifact{{Code: compileBrokenArtifact}}}

	artifact, _, outcome := ExecuteWithRetry(context.Background(), gen, sbx, initial, nil, 0)
	require.Equal(t, Failed, outcome)
	require.Nil(t, artifact)
}
