package microcode

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"sort"
	"strings"

	"pimrepair/internal/logging"
	"pimrepair/internal/pim"
)

var (
	ErrTooFewRegisters = errors.New("row_reg_count must be >= 2 (needs RR0 and RR1)")
	ErrUnknownRow      = errors.New("DRAM row not found")
	ErrRegisterRange   = errors.New("rr_index out of range")
	ErrUnknownOp       = errors.New("unknown op")
)

// State is the architectural state: the row register file and the DRAM rows
// touched by the program. All values are 32-bit words.
type State struct {
	RR   []uint32
	DRAM map[string]uint32
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	rr := make([]uint32, len(s.RR))
	copy(rr, s.RR)
	return &State{RR: rr, DRAM: maps.Clone(s.DRAM)}
}

// Simulator executes instructions against a State.
//
//	ReadRowToSa(dram_row)   DRAM[row] -> RR0
//	WriteSaToRow(dram_row)  RR0 -> DRAM[row]
//	Swap(rr_index)          RR0 <-> RR[rr_index]
//	NOR() / Nor()           RR0 := ^(RR0 | RR1)
type Simulator struct {
	state *State
}

// NewSimulator creates a simulator with zeroed registers and the given DRAM rows.
func NewSimulator(rowRegCount int, dramInit map[string]uint32) (*Simulator, error) {
	if rowRegCount < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewRegisters, rowRegCount)
	}
	dram := make(map[string]uint32, len(dramInit)+1)
	for k, v := range dramInit {
		dram[k] = v
	}
	return &Simulator{state: &State{RR: make([]uint32, rowRegCount), DRAM: dram}}, nil
}

// State returns the live state.
func (s *Simulator) State() *State { return s.state }

func (s *Simulator) ReadRowToSa(row string) error {
	v, ok := s.state.DRAM[row]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRow, row)
	}
	s.state.RR[0] = v
	return nil
}

func (s *Simulator) WriteSaToRow(row string) {
	s.state.DRAM[row] = s.state.RR[0]
}

func (s *Simulator) Swap(i int) error {
	if i < 0 || i >= len(s.state.RR) {
		return fmt.Errorf("%w: %d", ErrRegisterRange, i)
	}
	s.state.RR[0], s.state.RR[i] = s.state.RR[i], s.state.RR[0]
	return nil
}

func (s *Simulator) Nor() {
	s.state.RR[0] = ^(s.state.RR[0] | s.state.RR[1])
}

// Exec executes one decoded instruction.
func (s *Simulator) Exec(in Instruction) error {
	switch in.Op {
	case "ReadRowToSa":
		row, err := in.StringArg("dram_row")
		if err != nil {
			return err
		}
		return s.ReadRowToSa(row)
	case "WriteSaToRow":
		row, err := in.StringArg("dram_row")
		if err != nil {
			return err
		}
		s.WriteSaToRow(row)
		return nil
	case "Swap":
		i, err := in.IntArg("rr_index")
		if err != nil {
			return err
		}
		return s.Swap(i)
	case "NOR", "Nor":
		s.Nor()
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOp, in.Op)
	}
}

// StepError reports which program step failed.
type StepError struct {
	Step  int
	Instr string
	Err   error
}

func (e *StepError) Error() string {
	if e.Instr == "" {
		return fmt.Sprintf("step %d: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %d %s: %v", e.Step, e.Instr, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// SortedSteps returns the program ordered by step number. Steps with equal
// numbers keep their original relative order.
func SortedSteps(program []pim.Step) []pim.Step {
	sorted := make([]pim.Step, len(program))
	copy(sorted, program)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Step < sorted[j].Step })
	return sorted
}

// RunProgram executes program on a fresh simulator and returns the final
// state. When trace is non-nil, one line per step is written showing the
// instruction and the first four registers before it executes.
func RunProgram(program []pim.Step, rowRegCount int, dramInit map[string]uint32, trace io.Writer) (*State, error) {
	sim, err := NewSimulator(rowRegCount, dramInit)
	if err != nil {
		return nil, err
	}

	for _, step := range SortedSteps(program) {
		in, err := FromStep(step)
		if err != nil {
			return sim.State(), &StepError{Step: step.Step, Err: err}
		}
		if trace != nil {
			fmt.Fprintf(trace, "[%02d] %-35s | %s\n", step.Step, in.String(), registerSnapshot(sim.state.RR, 4))
		}
		if err := sim.Exec(in); err != nil {
			logging.SimulatorDebug("step %d %s failed: %v", step.Step, in, err)
			return sim.State(), &StepError{Step: step.Step, Instr: in.String(), Err: err}
		}
	}
	return sim.State(), nil
}

func registerSnapshot(rr []uint32, n int) string {
	if n > len(rr) {
		n = len(rr)
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("RR%d=%08X", i, rr[i])
	}
	return strings.Join(parts, " ")
}
