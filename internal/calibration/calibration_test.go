package calibration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"marketsim/internal/sandbox"
)

const variedArtifact = `package main

func runTrial(seed int) (float64, string) {
	return float64(seed%10) * 0.1, "ok"
}
`

const constantArtifact = `package main

func runTrial(seed int) (float64, string) {
	return 0.42, "flat"
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

func TestCalibrateAcceptsVariedMetrics(t *testing.T) {
	sbx := newSandbox(t)
	cal, err := Calibrate(context.Background(), sbx, variedArtifact, DefaultK, nil)
	require.NoError(t, err)
	require.Equal(t, Accepted, cal.Verdict)
	require.False(t, cal.UserThreshold)
}

func TestCalibrateRejectsDegenerateConstantMetric(t *testing.T) {
	sbx := newSandbox(t)
	cal, err := Calibrate(context.Background(), sbx, constantArtifact, DefaultK, nil)
	require.NoError(t, err)
	require.Equal(t, RejectedDegenerate, cal.Verdict)
}

func TestCalibrateRejectsCalibrationTooSmall(t *testing.T) {
	sbx := newSandbox(t)
	_, err := Calibrate(context.Background(), sbx, variedArtifact, 3, nil)
	require.Error(t, err)
}

func TestCalibrateUsesUserThresholdAndFlagsOutOfRange(t *testing.T) {
	sbx := newSandbox(t)
	userThreshold := 5.0
	cal, err := Calibrate(context.Background(), sbx, variedArtifact, DefaultK, &userThreshold)
	require.NoError(t, err)
	require.True(t, cal.UserThreshold)
	require.Equal(t, 5.0, cal.Threshold)
	require.True(t, cal.ThresholdOutOfRange)
}

func TestCalibrateInRangeZeroOneFlag(t *testing.T) {
	sbx := newSandbox(t)
	cal, err := Calibrate(context.Background(), sbx, variedArtifact, DefaultK, nil)
	require.NoError(t, err)
	require.True(t, cal.InRangeZeroOne)
}
