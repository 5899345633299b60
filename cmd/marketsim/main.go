// Command marketsim runs the Simulation Orchestration Engine's pipeline
// against one market, or a batch of markets, from the command line. The
// root/persistent-flag/zap-boot-logger structure is grounded on the
// teacher's cmd/nerd/main.go.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marketsim/internal/codegen"
	"marketsim/internal/config"
	"marketsim/internal/llmclient"
	"marketsim/internal/logging"
	"marketsim/internal/market"
	"marketsim/internal/pipeline"
	"marketsim/internal/result"
	"marketsim/internal/sandbox"
	"marketsim/internal/scheduler"
)

// Exit codes per spec.md §6.
const (
	exitSuccess         = 0
	exitInvalidInput    = 2
	exitProviderDown    = 3
	exitPartialFailure  = 4
	exitTotalFailure    = 5
)

var (
	verbose    bool
	configPath string
	batchLabel string

	bootLogger *zap.Logger
	cfg        *config.Config

	// exitCode is set by a RunE handler and read by main after
	// rootCmd.Execute returns, so PersistentPostRun (zap sync) always
	// runs before the process exits.
	exitCode = exitSuccess
)

var rootCmd = &cobra.Command{
	Use:   "marketsim",
	Short: "Compare prediction-market odds against LLM-generated Monte Carlo simulations",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		bootLogger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("marketsim: init boot logger: %w", err)
		}

		path := configPath
		if path == "" {
			path = os.Getenv("MARKETSIM_CONFIG")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("marketsim: load config: %w", err)
		}

		level := logging.LevelInfo
		if verbose {
			level = logging.LevelDebug
		}
		if err := logging.Configure(cfg.Logging.Dir, level, cfg.Logging.JSON); err != nil {
			return fmt.Errorf("marketsim: configure logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if bootLogger != nil {
			_ = bootLogger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run <market.json>",
	Short: "Run the pipeline for a single market",
	Args:  cobra.ExactArgs(1),
	RunE:  runSingle,
}

var batchCmd = &cobra.Command{
	Use:   "batch <markets.json>",
	Short: "Run the pipeline for a batch of markets concurrently",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchCmd,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: $MARKETSIM_CONFIG)")
	batchCmd.Flags().StringVar(&batchLabel, "label", "batch", "label used in the results directory name")
	rootCmd.AddCommand(runCmd, batchCmd)
}

func buildScheduler() *scheduler.Scheduler {
	provider := sandbox.NewProvider(sandbox.ToolEndpoint{URL: cfg.Research.URL, Token: cfg.Research.APIKey})
	client := llmclient.NewHTTPClient(llmclient.HTTPConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.ModelID,
	})
	gen := codegen.New(client)
	return scheduler.New(provider, gen)
}

func pipelineOptions() pipeline.Options {
	return pipeline.Options{
		CalibrationK:     cfg.Engine.CalibrationRuns,
		MonteCarloN:      cfg.Engine.MonteCarloRuns,
		MaxRepairRetries: cfg.Engine.MaxRepairRetries,
		SignalEpsilon:    cfg.Engine.SignalEpsilon,
		FallbackArtifact: codegen.DefaultFallback(),
	}
}

func loadMarket(path string) (market.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return market.Descriptor{}, fmt.Errorf("read %s: %w", path, err)
	}
	var m market.Descriptor
	if err := json.Unmarshal(data, &m); err != nil {
		return market.Descriptor{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, m.Validate()
}

func loadMarkets(path string) ([]market.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var ms []market.Descriptor
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("invalid market %s: %w", m.Slug, err)
		}
	}
	return ms, nil
}

func runSingle(cmd *cobra.Command, args []string) error {
	m, err := loadMarket(args[0])
	if err != nil {
		bootLogger.Error("invalid market input", zap.Error(err))
		exitCode = exitInvalidInput
		return nil
	}

	sched := buildScheduler()
	report, err := sched.RunBatch(cmd.Context(), []market.Descriptor{m}, scheduler.Options{Concurrency: 1, Pipeline: pipelineOptions()})
	if err != nil {
		bootLogger.Error("pipeline run failed", zap.Error(err))
		exitCode = exitProviderDown
		return nil
	}

	dir, err := result.Assemble(cfg.ResultsRoot, m.Slug, report)
	if err != nil {
		bootLogger.Error("result assembly failed", zap.Error(err))
		exitCode = exitTotalFailure
		return nil
	}
	bootLogger.Info("run complete", zap.String("results_dir", dir))
	exitCode = report.ExitCode()
	return nil
}

func runBatchCmd(cmd *cobra.Command, args []string) error {
	markets, err := loadMarkets(args[0])
	if err != nil {
		bootLogger.Error("invalid batch input", zap.Error(err))
		exitCode = exitInvalidInput
		return nil
	}

	sched := buildScheduler()
	opts := scheduler.Options{Concurrency: cfg.Engine.BatchConcurrency, Pipeline: pipelineOptions()}
	report, err := sched.RunBatch(cmd.Context(), markets, opts)
	if err != nil {
		bootLogger.Error("batch run failed", zap.Error(err))
		exitCode = exitProviderDown
		return nil
	}
	dir, err := result.Assemble(cfg.ResultsRoot, batchLabel, report)
	if err != nil {
		bootLogger.Error("result assembly failed", zap.Error(err))
		exitCode = exitTotalFailure
		return nil
	}
	bootLogger.Info("batch complete", zap.String("results_dir", dir), zap.Int("exit_code", report.ExitCode()))
	exitCode = report.ExitCode()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitCode = exitInvalidInput
	}
	os.Exit(exitCode)
}
