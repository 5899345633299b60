package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Engine.BatchConcurrency)
	require.Equal(t, 200, cfg.Engine.MonteCarloRuns)
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlText := "llm:\n  api_key: from-yaml\n  model_id: gpt-test\nengine:\n  batch_concurrency: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlText), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-yaml", cfg.LLM.APIKey)
	require.Equal(t, "gpt-test", cfg.LLM.ModelID)
	require.Equal(t, 4, cfg.Engine.BatchConcurrency)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlText := "llm:\n  api_key: from-yaml\nengine:\n  batch_concurrency: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlText), 0o644))

	t.Setenv("LLM_API_KEY", "from-env")
	t.Setenv("BATCH_CONCURRENCY", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.LLM.APIKey)
	require.Equal(t, 7, cfg.Engine.BatchConcurrency)
}

func TestApplyEnvOverridesLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := Default()
	cfg.Engine.SignalEpsilon = 0.1
	cfg.applyEnvOverrides()
	require.Equal(t, 0.1, cfg.Engine.SignalEpsilon)
}
