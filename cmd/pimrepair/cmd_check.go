package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pimrepair/internal/pim"
	"pimrepair/internal/pipeline"
)

var checkDB string

var checkExamplesCmd = &cobra.Command{
	Use:   "check-examples",
	Short: "Verify every reference program in the example database",
	Long: `Runs each example item marked is_correct through the verifier against its own
architecture and ISA. Useful before handing a new database to the model:
a wrong reference program teaches the model the wrong pattern.`,
	Args: cobra.NoArgs,
	RunE: runCheckExamples,
}

func init() {
	checkExamplesCmd.Flags().StringVar(&checkDB, "db", "", "Example database (default: paths.examples)")
}

func runCheckExamples(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	opts := pipelineOptions()
	path := opts.ExamplesPath
	if checkDB != "" {
		path = resolvePath(checkDB)
	}
	db, err := pim.Load(path)
	if err != nil {
		return err
	}

	results, err := pipeline.New(nil, opts).CheckExamples(ctx, db)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.Skipped && !r.OK() {
			failed++
		}
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(w, results); err != nil {
			return err
		}
	} else {
		renderCheckResults(w, results)
	}
	if failed > 0 {
		return fmt.Errorf("%d reference item(s) failed verification", failed)
	}
	return nil
}
