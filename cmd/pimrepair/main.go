// Command pimrepair asks a hosted model to repair PIM microprograms and
// verifies the answer by simulation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pimrepair/internal/config"
	"pimrepair/internal/llm"
	"pimrepair/internal/logging"
	"pimrepair/internal/pipeline"
	"pimrepair/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workdir    string
	timeout    time.Duration
	jsonOutput bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pimrepair",
	Short: "Repair PIM microprograms with an LLM and verify them by simulation",
	Long: `pimrepair builds a prompt from a database of reference PIM microprograms,
asks a model (OpenAI or Gemini) to repair the query program, and checks the
answer by running it on a 32-bit row-register simulator against random inputs.

Typical flow:
  pimrepair create-json   # write pim_arch_examples.json
  pimrepair run           # generate + verify, writes api_output*.json`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(resolvePath(".")); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(resolvePath(configPath))
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}

		logFile := cfg.Logging.File
		if logFile != "" {
			logFile = resolvePath(logFile)
		}
		if err := logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			File:       logFile,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			JSON:       cfg.Logging.JSON,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logging.L()
		logging.BootDebug("config loaded: provider=%s model=%s", cfg.LLM.Provider, cfg.ResolvedModel())

		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigFile, "Config file")
	rootCmd.PersistentFlags().StringVarP(&workdir, "workdir", "w", "", "Working directory for relative paths (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "Overall operation timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(createJSONCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(checkExamplesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolvePath anchors relative paths at --workdir.
func resolvePath(p string) string {
	if workdir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workdir, p)
}

// commandContext returns a context bounded by --timeout that is also
// cancelled on SIGINT/SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func pipelineOptions() pipeline.Options {
	return pipeline.Options{
		ExamplesPath:     resolvePath(cfg.Paths.Examples),
		OutputPath:       resolvePath(cfg.Paths.Output),
		CombinedPath:     resolvePath(cfg.Paths.Combined),
		NumTests:         cfg.Verification.NumTests,
		Seed:             cfg.Verification.Seed,
		MaxTokens:        cfg.Prompt.MaxTokens,
		MaxAttempts:      cfg.Pipeline.MaxAttempts,
		CheckConcurrency: cfg.Pipeline.CheckConcurrency,
		Provider:         cfg.LLM.Provider,
	}
}

// newClient builds the model client from the loaded config.
var newClient = func(ctx context.Context) (llm.Client, error) {
	if err := cfg.ValidateLLM(); err != nil {
		return nil, err
	}
	return llm.NewClient(ctx, llm.ConfigFromApp(cfg))
}

// openStore opens the run history, or returns nil when it is disabled.
func openStore() (*store.HistoryStore, error) {
	if !cfg.Store.Enabled {
		return nil, nil
	}
	return store.Open(resolvePath(cfg.Store.Path))
}
