package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run (a unique ID prefix is enough)",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	historyCmd.AddCommand(historyShowCmd)
}

var errHistoryDisabled = errors.New("run history is disabled (store.enabled: false)")

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	history, err := openStore()
	if err != nil {
		return err
	}
	if history == nil {
		return errHistoryDisabled
	}
	defer history.Close()

	runs, err := history.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(w, runs)
	}
	sum, err := history.Summarize(ctx)
	if err != nil {
		return err
	}
	renderRuns(w, runs, sum)
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	history, err := openStore()
	if err != nil {
		return err
	}
	if history == nil {
		return errHistoryDisabled
	}
	defer history.Close()

	run, err := history.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(w, run)
	}
	renderRun(w, run)
	if run.OutputJSON != "" && verbose {
		fmt.Fprintln(w, mutedStyle.Render(run.OutputJSON))
	}
	return nil
}
