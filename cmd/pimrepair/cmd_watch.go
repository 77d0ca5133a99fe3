package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pimrepair/internal/logging"
	"pimrepair/internal/pipeline"
	"pimrepair/internal/watch"
)

var watchDB string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-verify api_output.json whenever it changes",
	Long: `Watches the model answer file and re-runs verification after every save,
which is handy while editing a program by hand. Stops on Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchDB, "db", "", "Example database (default: paths.examples)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	// --timeout does not apply; watching runs until interrupted.
	saved := timeout
	timeout = 0
	ctx, cancel := commandContext(cmd)
	timeout = saved
	defer cancel()

	opts := pipelineOptions()
	dbPath := opts.ExamplesPath
	if watchDB != "" {
		dbPath = resolvePath(watchDB)
	}
	p := pipeline.New(nil, opts)
	w := cmd.OutOrStdout()

	verifyOnce := func(_ context.Context, path string) {
		report, err := p.VerifyFile(dbPath, path)
		if err != nil {
			logging.WatchError("verify %s: %v", path, err)
			fmt.Fprintln(w, failStyle.Render("error: "+err.Error()))
			return
		}
		if jsonOutput {
			_ = printJSON(w, report)
			return
		}
		renderReport(w, report)
	}

	fw, err := watch.New(opts.OutputPath, verifyOnce)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		return err
	}
	defer fw.Stop()

	if _, err := os.Stat(fw.Path()); err == nil {
		verifyOnce(ctx, fw.Path())
	}
	fmt.Fprintln(w, mutedStyle.Render("watching "+fw.Path()+" (Ctrl-C to stop)"))

	select {
	case <-ctx.Done():
	case <-fw.Done():
	}
	return nil
}
