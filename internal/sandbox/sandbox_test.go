package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	p := NewProvider(ToolEndpoint{URL: "http://tool.local", Token: "tok"})
	sbx, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sbx.ID())

	sbx.Release()
	// Idempotent: calling twice must not panic or error.
	sbx.Release()
}

func TestExecRunsTrial(t *testing.T) {
	p := NewProvider(ToolEndpoint{})
	sbx, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer sbx.Release()

	code := `
package main

func runTrial(seed int) (float64, string) {
	return float64(seed) * 0.1, "ok"
}
`
	res, err := sbx.Exec(context.Background(), code, "func() []interface{} { m, a := runTrial(7); return []interface{}{m, a} }()", time.Second)
	require.NoError(t, err)
	require.InDelta(t, 0.7, res.Metric, 1e-9)
	require.Equal(t, "ok", res.Aux)
}

func TestExecRejectsNaN(t *testing.T) {
	p := NewProvider(ToolEndpoint{})
	sbx, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer sbx.Release()

	code := `
package main

import "math"

func runTrial(seed int) (float64, string) {
	return math.NaN(), "bad"
}
`
	_, err = sbx.Exec(context.Background(), code, "func() []interface{} { m, a := runTrial(0); return []interface{}{m, a} }()", time.Second)
	require.Error(t, err)
}

func TestExecAfterReleaseFails(t *testing.T) {
	p := NewProvider(ToolEndpoint{})
	sbx, err := p.Acquire(context.Background())
	require.NoError(t, err)
	sbx.Release()

	_, err = sbx.Exec(context.Background(), `package main`, "", time.Second)
	require.Error(t, err)
}

func TestValidateImportsRejectsForbidden(t *testing.T) {
	require.NoError(t, ValidateImports([]string{"strings", "math"}))
	require.Error(t, ValidateImports([]string{"os/exec"}))
	require.Error(t, ValidateImports([]string{"net/http"}))
}

func TestWriteReadFile(t *testing.T) {
	p := NewProvider(ToolEndpoint{})
	sbx, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer sbx.Release()

	require.NoError(t, sbx.WriteFile("/tmp/model.go", []byte("package main")))
	data, err := sbx.ReadFile("/tmp/model.go")
	require.NoError(t, err)
	require.Equal(t, "package main", string(data))
}
