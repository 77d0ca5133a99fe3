package main

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pimrepair/internal/microcode"
	"pimrepair/internal/pim"
	"pimrepair/internal/pipeline"
	"pimrepair/internal/verification"
)

var (
	verifyDB       string
	verifyOutput   string
	verifyTests    int
	verifySeed     int64
	verifyCombined string

	simulateInput     string
	simulateRows      []string
	simulateRegisters int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a saved model answer by simulation",
	Long: `Runs verifier_input.program from api_output.json on the simulator with the
query's row-register count, compares the output row with the task's
reference function over random inputs, and writes the combined document.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Trace a program step by step",
	Long: `Executes verifier_input.program once with the given DRAM rows and prints
the register file before each step.

Example:
  pimrepair simulate --row ROW10=0xF0F0F0F0 --row ROW11=0x0000FFFF`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyDB, "db", "", "Example database (default: paths.examples)")
	verifyCmd.Flags().StringVar(&verifyOutput, "output", "", "Model answer (default: paths.output)")
	verifyCmd.Flags().IntVar(&verifyTests, "tests", 0, "Number of random tests (default: verification.num_tests)")
	verifyCmd.Flags().Int64Var(&verifySeed, "seed", 0, "PRNG seed (default: verification.seed)")
	verifyCmd.Flags().StringVar(&verifyCombined, "combined", "", "Combined output path (default: paths.combined)")

	simulateCmd.Flags().StringVarP(&simulateInput, "input", "i", "", "Model answer (default: paths.output)")
	simulateCmd.Flags().StringArrayVar(&simulateRows, "row", nil, "Initial DRAM row value ROW=VAL (hex with 0x or decimal)")
	simulateCmd.Flags().IntVar(&simulateRegisters, "registers", 0, "Row register count (default: query architecture, else 4)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	opts := pipelineOptions()
	if verifyTests > 0 {
		opts.NumTests = verifyTests
	}
	if cmd.Flags().Changed("seed") {
		opts.Seed = verifySeed
	}
	if verifyCombined != "" {
		opts.CombinedPath = resolvePath(verifyCombined)
	}
	dbPath, outPath := opts.ExamplesPath, opts.OutputPath
	if verifyDB != "" {
		dbPath = resolvePath(verifyDB)
	}
	if verifyOutput != "" {
		outPath = resolvePath(verifyOutput)
	}

	report, err := pipeline.New(nil, opts).VerifyFile(dbPath, outPath)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(w, report)
	}
	renderReport(w, report)
	fmt.Fprintf(w, "%s\n", mutedStyle.Render("saved: "+opts.CombinedPath))
	return nil
}

// parseRowValue parses ROW=VAL with VAL in hex (0x prefix) or decimal.
func parseRowValue(s string) (string, uint32, error) {
	name, val, ok := strings.Cut(s, "=")
	name, val = strings.TrimSpace(name), strings.TrimSpace(val)
	if !ok || name == "" || val == "" {
		return "", 0, fmt.Errorf("invalid --row %q (want ROW=VAL)", s)
	}
	v, err := strconv.ParseUint(val, 0, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid value in --row %q: %w", s, err)
	}
	return name, uint32(v), nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	opts := pipelineOptions()
	inPath := opts.OutputPath
	if simulateInput != "" {
		inPath = resolvePath(simulateInput)
	}
	out, err := pipeline.LoadAPIOutput(inPath)
	if err != nil {
		return err
	}
	if out.VerifierInput == nil {
		return pipeline.ErrMissingVerifierInput
	}
	io := out.VerifierInput.IO

	dram := make(map[string]uint32)
	for _, r := range io.InputRows {
		dram[r] = 0
	}
	if io.OutputRow != "" {
		dram[io.OutputRow] = 0
	}
	for _, s := range simulateRows {
		name, v, err := parseRowValue(s)
		if err != nil {
			return err
		}
		dram[name] = v
	}

	regs := simulateRegisters
	if regs <= 0 {
		regs = 4
		if db, err := pim.Load(opts.ExamplesPath); err == nil && db.Query.Architecture.RowRegisterFile.Count >= 2 {
			regs = db.Query.Architecture.RowRegisterFile.Count
		}
	}

	var trace bytes.Buffer
	st, runErr := microcode.RunProgram(out.VerifierInput.Program, regs, dram, &trace)

	w := cmd.OutOrStdout()
	if jsonOutput {
		result := map[string]any{"trace": strings.Split(strings.TrimRight(trace.String(), "\n"), "\n")}
		if runErr != nil {
			result["error"] = runErr.Error()
		} else {
			result["rr"] = st.RR
			result["dram"] = st.DRAM
		}
		if err := printJSON(w, result); err != nil {
			return err
		}
		return runErr
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Trace (%d registers)", regs)))
	fmt.Fprint(w, trace.String())
	if runErr != nil {
		fmt.Fprintln(w, failStyle.Render("error: "+runErr.Error()))
		return runErr
	}

	rows := make([]string, 0, len(st.DRAM))
	for r := range st.DRAM {
		rows = append(rows, r)
	}
	sort.Strings(rows)
	for _, r := range rows {
		fmt.Fprintln(w, kv(r, fmt.Sprintf("0x%08X", st.DRAM[r])))
	}

	if len(io.InputRows) >= 2 && io.OutputRow != "" {
		want := verification.ExpectedNor32(dram[io.InputRows[0]], dram[io.InputRows[1]])
		got := st.DRAM[io.OutputRow]
		fmt.Fprintf(w, "%s NOR expected 0x%08X got 0x%08X\n", statusBadge(got == want), want, got)
	}
	return nil
}
