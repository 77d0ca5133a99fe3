package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pimrepair/internal/pipeline"
)

var createOut string

var createJSONCmd = &cobra.Command{
	Use:   "create-json",
	Short: "Write the bundled example database",
	Long: `Writes pim_arch_examples.json: one reference NOR program for an H-layout
architecture and a broken query program to repair.`,
	Args: cobra.NoArgs,
	RunE: runCreateJSON,
}

func init() {
	createJSONCmd.Flags().StringVarP(&createOut, "out", "o", "", "Output path (default: paths.examples)")
}

func runCreateJSON(cmd *cobra.Command, args []string) error {
	path := cfg.Paths.Examples
	if createOut != "" {
		path = createOut
	}
	path = resolvePath(path)

	db, err := pipeline.CreateExamples(path)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(w, db)
	}
	fmt.Fprintf(w, "%s %s\n", passStyle.Render("Wrote"), path)
	return nil
}
