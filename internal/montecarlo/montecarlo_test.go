package montecarlo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"marketsim/internal/sandbox"
)

const deterministicArtifact = `package main

func runTrial(seed int) (float64, string) {
	if seed%2 == 0 {
		return 0.9, "even"
	}
	return 0.1, "odd"
}
`

const constantArtifact = `package main

func runTrial(seed int) (float64, string) {
	return 0.5, "constant"
}
`

func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	p := sandbox.NewProvider(sandbox.ToolEndpoint{})
	sbx, err := p.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(sbx.Release)
	return sbx
}

func TestRunTrialReturnsMetric(t *testing.T) {
	sbx := newSandbox(t)
	outcome, err := RunTrial(context.Background(), sbx, deterministicArtifact, 0)
	require.NoError(t, err)
	require.Equal(t, 0.9, outcome.Metric)
}

func TestRunThresholdModeComputesProbabilityAndCI(t *testing.T) {
	sbx := newSandbox(t)
	result, err := Run(context.Background(), sbx, deterministicArtifact, RunOptions{N: 10, Threshold: 0.5})
	require.NoError(t, err)
	require.Equal(t, 10, result.NRuns)
	require.Equal(t, 0.5, result.Probability)
	require.Greater(t, result.CIHalfWidth, 0.0)
	require.False(t, result.PartiallyFailed)
}

func TestRunProbabilityModeIsDeterministicPerSeed(t *testing.T) {
	sbx := newSandbox(t)
	opts := RunOptions{N: 20, ProbabilityMode: true}
	first, err := Run(context.Background(), sbx, constantArtifact, opts)
	require.NoError(t, err)
	second, err := Run(context.Background(), sbx, constantArtifact, opts)
	require.NoError(t, err)
	for i := range first.Outcomes {
		require.Equal(t, first.Outcomes[i].Success, second.Outcomes[i].Success)
	}
}

func TestRunOutcomesIndexedBySeedRegardlessOfConcurrency(t *testing.T) {
	sbx := newSandbox(t)
	result, err := Run(context.Background(), sbx, deterministicArtifact, RunOptions{N: 8, Threshold: 0.5, Concurrency: 4})
	require.NoError(t, err)
	for i, o := range result.Outcomes {
		require.Equal(t, i, o.Seed)
	}
}

func TestRunFlagsPartialFailureAboveTenPercent(t *testing.T) {
	sbx := newSandbox(t)
	brokenArtifact := `package main

func runTrial(seed int) (float64, string) {
	if seed < 3 {
		panic("boom")
	}
	return 0.6, "ok"
}
`
	result, err := Run(context.Background(), sbx, brokenArtifact, RunOptions{N: 10, Threshold: 0.5})
	require.NoError(t, err)
	require.Equal(t, 3, result.NFailed)
	require.True(t, result.PartiallyFailed)
	require.Equal(t, 7, result.NRuns)
}
