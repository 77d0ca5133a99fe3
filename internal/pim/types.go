// Package pim defines the example database handed to the model: reference
// microprograms for one or more PIM architectures plus a single query item
// whose program needs repair.
package pim

// SchemaVersion is stamped on every database written by this package.
const SchemaVersion = "1.1"

// Database is the top-level pim_arch_examples.json document.
type Database struct {
	SchemaVersion string      `json:"schema_version"`
	ExamplesDB    []ExampleDB `json:"examples_db"`
	Query         Query       `json:"query"`
}

// ExampleDB groups reference items that share an architecture and ISA.
type ExampleDB struct {
	DBID         string       `json:"db_id"`
	Architecture Architecture `json:"architecture"`
	ISA          ISA          `json:"isa"`
	Items        []Item       `json:"items"`
}

// Query is the one item the model is asked to repair. Its architecture may
// differ from every example.
type Query struct {
	QueryID      string       `json:"query_id"`
	Architecture Architecture `json:"architecture"`
	ISA          ISA          `json:"isa"`
	Item         Item         `json:"item"`
}

// Architecture describes the PIM hardware a program runs on.
type Architecture struct {
	Type                    string          `json:"type"`
	ArchitectureExplanation string          `json:"architecture_explanation"`
	WordSizeBits            int             `json:"word_size_bits"`
	ShiftSemantics          string          `json:"shift_semantics"`
	Compute                 Compute         `json:"compute"`
	RowRegisterFile         RowRegisterFile `json:"row_register_file"`
	DataMovement            DataMovement    `json:"data_movement"`
}

type Compute struct {
	LogicOperations []string `json:"logic_operations"`
}

type RowRegisterFile struct {
	Count  int      `json:"count"`
	Naming []string `json:"naming"`
}

type DataMovement struct {
	Freedom string   `json:"freedom"` // "free" or "restricted"
	Rules   []string `json:"rules"`
}

// ISA lists the available operations as free-form signatures, e.g.
// "Swap(rr_index)  // swap RR0 <-> RR[rr_index]".
type ISA struct {
	Operations []string `json:"operations"`
}

// Item is a task together with a candidate program and its known correctness.
type Item struct {
	ID          string      `json:"id"`
	Task        Task        `json:"task"`
	Program     []Step      `json:"program"`
	Correctness Correctness `json:"correctness"`
}

type Task struct {
	Name     string    `json:"name"`
	Bitwidth int       `json:"bitwidth"`
	Inputs   []Operand `json:"inputs"`
	Outputs  []Operand `json:"outputs"`
}

type Operand struct {
	Name     string   `json:"name"`
	Location Location `json:"location"`
}

type Location struct {
	Type string `json:"type"` // "dram_row"
	ID   string `json:"id"`
}

// Step is one program instruction. Either Instr holds the legacy
// "Op(k=v,...)" form or Op/Args hold the structured form. An empty non-nil
// Args is written as "args": {}.
type Step struct {
	Step    int            `json:"step"`
	Op      string         `json:"op,omitempty"`
	Args    map[string]any `json:"args,omitzero"`
	Instr   string         `json:"instr,omitempty"`
	Comment string         `json:"comment,omitempty"`
}

type Correctness struct {
	IsCorrect bool     `json:"is_correct"`
	Evidence  Evidence `json:"evidence"`
}

type Evidence struct {
	Method  string `json:"method"` // provided_by_user, static_check, simulation, ...
	Details string `json:"details"`
}

// InputRows returns the DRAM row IDs of the task inputs, in order.
func (t Task) InputRows() []string {
	rows := make([]string, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		rows = append(rows, in.Location.ID)
	}
	return rows
}

// OutputRow returns the DRAM row of the first output, or "" if there is none.
func (t Task) OutputRow() string {
	if len(t.Outputs) == 0 {
		return ""
	}
	return t.Outputs[0].Location.ID
}
