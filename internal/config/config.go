// Package config loads the engine's configuration from a YAML file and
// applies environment variable overrides on top, env always winning. The
// override-precedence pattern (apply YAML first, then walk a fixed list of
// env vars into already-populated fields) is grounded on the teacher's
// internal/config/config.go and its applyEnvOverrides tests.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"marketsim/internal/calibration"
	"marketsim/internal/montecarlo"
	"marketsim/internal/result"
	"marketsim/internal/scheduler"
)

// LLMConfig configures the code generator's LLM provider.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	ModelID string `yaml:"model_id"`
	BaseURL string `yaml:"base_url"`
}

// SandboxConfig configures sandbox provisioning credentials. The engine's
// own sandbox provider (internal/sandbox) is process-local and needs
// neither field to function; they are carried here so a real
// container/microVM-backed provider can be swapped in without touching the
// config surface (spec.md §1 treats sandbox provisioning as an external
// capability).
type SandboxConfig struct {
	APIKey     string `yaml:"api_key"`
	TemplateID string `yaml:"template_id"`
}

// ResearchConfig configures the research tool gateway endpoint and
// credential. URL has no environment override in spec.md §6 — it is
// expected to be stable per deployment and lives only in config.yaml.
type ResearchConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// EngineConfig configures the pipeline and scheduler defaults spec.md §6
// names as environment-overridable.
type EngineConfig struct {
	BatchConcurrency int     `yaml:"batch_concurrency"`
	MonteCarloRuns   int     `yaml:"monte_carlo_runs"`
	CalibrationRuns  int     `yaml:"calibration_runs"`
	MaxRepairRetries int     `yaml:"max_repair_retries"`
	SignalEpsilon    float64 `yaml:"signal_epsilon"`
}

// LoggingConfig configures internal/logging.Configure.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the engine's full runtime configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Research ResearchConfig `yaml:"research"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
	ResultsRoot string      `yaml:"results_root"`
}

// Default returns a Config with spec.md §6's default values, before any
// YAML load or env override is applied.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{BaseURL: "https://api.openai.com/v1"},
		Engine: EngineConfig{
			BatchConcurrency: scheduler.DefaultConcurrency,
			MonteCarloRuns:   montecarlo.DefaultN,
			CalibrationRuns:  calibration.DefaultK,
			MaxRepairRetries: 5,
			SignalEpsilon:    result.DefaultSignalEpsilon,
		},
		Logging:     LoggingConfig{Level: "info"},
		ResultsRoot: "results",
	}
}

// Load reads path (if it exists) into a Config seeded with defaults, then
// applies environment variable overrides. A missing path is not an error —
// the engine can run entirely off environment variables and defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides walks spec.md §6's fixed list of environment variables,
// each one winning over whatever YAML (or the default) already set.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL_ID"); v != "" {
		c.LLM.ModelID = v
	}
	if v := os.Getenv("SANDBOX_API_KEY"); v != "" {
		c.Sandbox.APIKey = v
	}
	if v := os.Getenv("SANDBOX_TEMPLATE_ID"); v != "" {
		c.Sandbox.TemplateID = v
	}
	if v := os.Getenv("RESEARCH_API_KEY"); v != "" {
		c.Research.APIKey = v
	}
	if v := envInt("BATCH_CONCURRENCY"); v != 0 {
		c.Engine.BatchConcurrency = v
	}
	if v := envInt("MONTE_CARLO_RUNS"); v != 0 {
		c.Engine.MonteCarloRuns = v
	}
	if v := envInt("CALIBRATION_RUNS"); v != 0 {
		c.Engine.CalibrationRuns = v
	}
	if v := envInt("MAX_REPAIR_RETRIES"); v != 0 {
		c.Engine.MaxRepairRetries = v
	}
	if v := envFloat("SIGNAL_EPSILON"); v != 0 {
		c.Engine.SignalEpsilon = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

func envFloat(name string) float64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return 0
	}
	return f
}
