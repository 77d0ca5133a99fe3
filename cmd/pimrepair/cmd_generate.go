package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pimrepair/internal/logging"
	"pimrepair/internal/pipeline"
)

var (
	generateDB    string
	generateOut   string
	generateModel string

	runAttempts int
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Ask the model to repair the query program",
	Long: `Builds the repair prompt from the example database, calls the configured
model once and saves its JSON answer (verifier_input + reasoning_summary).`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate and verify in one step",
	Long: `Generates a repaired program, verifies it against 50 random input pairs
and writes api_output_with_verification.json. With --attempts N a failing
answer is sent back to the model with the verifier's feedback.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	generateCmd.Flags().StringVar(&generateDB, "db", "", "Example database (default: paths.examples)")
	generateCmd.Flags().StringVarP(&generateOut, "out", "o", "", "Output path (default: paths.output)")
	generateCmd.Flags().StringVarP(&generateModel, "model", "m", "", "Model override")

	runCmd.Flags().IntVarP(&runAttempts, "attempts", "n", 0, "Maximum generate+verify attempts (default: pipeline.max_attempts)")
	runCmd.Flags().StringVarP(&generateModel, "model", "m", "", "Model override")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if generateModel != "" {
		cfg.LLM.Model = generateModel
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	opts := pipelineOptions()
	dbPath, outPath := opts.ExamplesPath, opts.OutputPath
	if generateDB != "" {
		dbPath = resolvePath(generateDB)
	}
	if generateOut != "" {
		outPath = resolvePath(generateOut)
	}

	out, err := pipeline.New(client, opts).Generate(ctx, dbPath, outPath)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		_, err := fmt.Fprintln(w, string(out.Raw))
		return err
	}
	fmt.Fprintf(w, "%s %s\n", passStyle.Render("Saved"), outPath)
	if out.VerifierInput != nil {
		fmt.Fprintf(w, "%s\n", mutedStyle.Render(fmt.Sprintf("program: %d steps", len(out.VerifierInput.Program))))
	}
	renderSummary(w, out.ReasoningSummary)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if generateModel != "" {
		cfg.LLM.Model = generateModel
	}
	if runAttempts > 0 {
		cfg.Pipeline.MaxAttempts = runAttempts
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	var options []pipeline.Option
	history, err := openStore()
	if err != nil {
		logging.BootWarn("run history disabled: %v", err)
	} else if history != nil {
		defer history.Close()
		options = append(options, pipeline.WithRecorder(history))
	}

	logger.Info("starting run",
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", client.Model()),
		zap.Int("max_attempts", cfg.Pipeline.MaxAttempts))

	opts := pipelineOptions()
	res, err := pipeline.New(client, opts, options...).Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("run finished",
		zap.String("run_id", res.RunID),
		zap.Bool("passed", res.Passed()),
		zap.Int("attempts", res.Attempts),
		zap.Int64("input_tokens", res.Usage.Input),
		zap.Int64("output_tokens", res.Usage.Output))

	w := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(w, res.Combined)
	}
	renderSummary(w, res.Output.ReasoningSummary)
	renderReport(w, res.Report)
	fmt.Fprintf(w, "%s\n", mutedStyle.Render(fmt.Sprintf("attempts: %d  tokens: %d  saved: %s",
		res.Attempts, res.Usage.Total, opts.CombinedPath)))
	if res.RunID != "" {
		fmt.Fprintf(w, "%s\n", mutedStyle.Render("run id: "+res.RunID))
	}
	return nil
}
