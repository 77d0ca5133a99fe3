// Package verification checks a repaired microprogram by simulation: the
// program runs against randomized operands and its output row is compared
// with the reference function of the task. It also reports operations that
// fall outside the target ISA.
package verification

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"pimrepair/internal/logging"
	"pimrepair/internal/microcode"
	"pimrepair/internal/pim"
)

var (
	// ErrUnsupportedTask is returned for tasks without a reference function.
	ErrUnsupportedTask = errors.New("only NOR verification is implemented")
	// ErrBadIO is returned when the io block cannot drive a test.
	ErrBadIO = errors.New("verifier_input.io must include input_rows (len>=2) and output_row")
)

// DefaultNumTests is used when Options.NumTests is zero.
const DefaultNumTests = 20

// Input is the model-produced program plus its IO binding.
type Input struct {
	Program []pim.Step `json:"program"`
	IO      IO         `json:"io"`
}

type IO struct {
	InputRows []string `json:"input_rows"`
	OutputRow string   `json:"output_row"`
	Bitwidth  int      `json:"bitwidth,omitempty"`
}

// Report is the verification outcome. Pass reflects functional correctness
// only; ISA compliance is reported separately.
type Report struct {
	Pass          bool          `json:"pass"`
	Task          string        `json:"task"`
	NumTests      int           `json:"num_tests"`
	Seed          int64         `json:"seed"`
	FirstFailure  *FirstFailure `json:"first_failure"`
	ISACompliant  bool          `json:"isa_compliant"`
	ISAViolations []string      `json:"isa_violations,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// FirstFailure describes the first failing random test. Values are
// rendered as 0x%08X.
type FirstFailure struct {
	Test     int    `json:"test"`
	A        string `json:"A"`
	B        string `json:"B"`
	Expected string `json:"expected"`
	Got      string `json:"got"`
}

// Options configures VerifyFromInput.
type Options struct {
	NumTests int
	Seed     int64
	// AllowedOps lists the ISA operation names. Empty disables the ISA check.
	AllowedOps []string
}

// ExpectedNor32 is the reference function of NOR tasks.
func ExpectedNor32(a, b uint32) uint32 {
	return ^(a | b)
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}

// VerifyFromInput runs the randomized functional check. Malformed input and
// unsupported tasks are errors; a program that computes the wrong value or
// faults in the simulator yields a failing report.
func VerifyFromInput(input Input, rowRegCount int, taskName string, opts Options) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryVerify, "VerifyFromInput")
	defer timer.Stop()

	if len(input.IO.InputRows) < 2 || input.IO.OutputRow == "" {
		return nil, ErrBadIO
	}
	if !strings.Contains(strings.ToLower(taskName), "nor") {
		return nil, fmt.Errorf("%w (task=%q)", ErrUnsupportedTask, taskName)
	}

	numTests := opts.NumTests
	if numTests <= 0 {
		numTests = DefaultNumTests
	}

	report := &Report{
		Task:         taskName,
		NumTests:     numTests,
		Seed:         opts.Seed,
		ISACompliant: true,
	}
	if len(opts.AllowedOps) > 0 {
		report.ISAViolations = CheckISA(input.Program, opts.AllowedOps)
		report.ISACompliant = len(report.ISAViolations) == 0
	}

	rowA, rowB, rowOut := input.IO.InputRows[0], input.IO.InputRows[1], input.IO.OutputRow
	rng := rand.New(rand.NewPCG(uint64(opts.Seed), 0))

	for t := 1; t <= numTests; t++ {
		a, b := rng.Uint32(), rng.Uint32()
		want := ExpectedNor32(a, b)

		st, err := microcode.RunProgram(input.Program, rowRegCount, map[string]uint32{rowA: a, rowB: b, rowOut: 0}, nil)
		if err != nil {
			logging.VerifyWarn("task %s: simulation failed on test %d: %v", taskName, t, err)
			report.Error = err.Error()
			report.FirstFailure = &FirstFailure{Test: t, A: hex32(a), B: hex32(b), Expected: hex32(want), Got: ""}
			return report, nil
		}

		if got := st.DRAM[rowOut]; got != want {
			logging.VerifyDebug("task %s: test %d mismatch A=%s B=%s expected=%s got=%s",
				taskName, t, hex32(a), hex32(b), hex32(want), hex32(got))
			report.FirstFailure = &FirstFailure{Test: t, A: hex32(a), B: hex32(b), Expected: hex32(want), Got: hex32(got)}
			return report, nil
		}
	}

	report.Pass = true
	logging.Verify("task %s: %d/%d tests passed (isa_compliant=%v)", taskName, numTests, numTests, report.ISACompliant)
	return report, nil
}

// CheckISA returns one message per step whose operation is not among
// allowed. Names compare case-insensitively, so "Nor" matches "NOR()".
// Steps that cannot be decoded are reported too.
func CheckISA(program []pim.Step, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, op := range allowed {
		allowedSet[strings.ToLower(op)] = true
	}

	var violations []string
	for _, step := range microcode.SortedSteps(program) {
		in, err := microcode.FromStep(step)
		if err != nil {
			violations = append(violations, fmt.Sprintf("step %d: %v", step.Step, err))
			continue
		}
		if !allowedSet[strings.ToLower(in.Op)] {
			ops := append([]string(nil), allowed...)
			sort.Strings(ops)
			violations = append(violations, fmt.Sprintf("step %d: op %q not in ISA %v", step.Step, in.Op, ops))
		}
	}
	return violations
}
