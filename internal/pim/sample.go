package pim

const hLayoutExplanation = "H-layout subarray-level PIM. Operands are read from DRAM rows into row registers and " +
	"results are written back to DRAM. Word size is 32-bit; shifts truncate out-of-range bits."

var norDataMovementRules = []string{
	"RR->RR moves allowed only within the same subarray",
	"No direct RR->DRAM row move",
	"DRAM rows can be read into and written from RR0 only",
	"RR0 may swap with any RRi",
	"Logic ops take RR0 and RR1 as operands; result is written to RR0",
}

func dramRow(name, id string) Operand {
	return Operand{Name: name, Location: Location{Type: "dram_row", ID: id}}
}

func norTask(a, b, out string) Task {
	return Task{
		Name:     "nor_rows",
		Bitwidth: 32,
		Inputs:   []Operand{dramRow("A", a), dramRow("B", b)},
		Outputs:  []Operand{dramRow("OUT", out)},
	}
}

// SampleDatabase returns the bundled NOR repair scenario: one reference
// example that loads A into RR1 before reading B, and a query program that
// overwrites A in RR0 and leaves RR1 uninitialized.
func SampleDatabase() *Database {
	archA := MakeArchitecture(hLayoutExplanation, []string{"NOR"}, 4, norDataMovementRules)
	isaA := MakeISA([]string{
		"ReadRowToSa(dram_row)     // DRAM row -> RR0",
		"WriteSaToRow(dram_row)    // RR0 -> DRAM row",
		"Swap(rr_index)            // swap RR0 <-> RR[rr_index]",
		"Nor()                     // RR0 := ~(RR0 | RR1)",
	})

	examples := []ExampleDB{
		{
			DBID:         "archA_examples",
			Architecture: archA,
			ISA:          isaA,
			Items: []Item{
				{
					ID:   "ex_nor_rows",
					Task: norTask("ROW1", "ROW2", "ROW3"),
					Program: []Step{
						{Step: 1, Op: "ReadRowToSa", Args: map[string]any{"dram_row": "ROW1"}},
						{Step: 2, Op: "Swap", Args: map[string]any{"rr_index": 1}},
						{Step: 3, Op: "ReadRowToSa", Args: map[string]any{"dram_row": "ROW2"}},
						{Step: 4, Op: "Nor", Args: map[string]any{}},
						{Step: 5, Op: "WriteSaToRow", Args: map[string]any{"dram_row": "ROW3"}},
					},
					Correctness: Correctness{
						IsCorrect: true,
						Evidence:  Evidence{Method: "provided_by_user", Details: "Reference example."},
					},
				},
			},
		},
	}

	archQ := MakeArchitecture(hLayoutExplanation, []string{"NOR"}, 4, norDataMovementRules)
	isaQ := MakeISA([]string{
		"ReadRowToSa(dram_row)     // DRAM row -> RR0",
		"WriteSaToRow(dram_row)    // RR0 -> DRAM row",
		"Swap(rr_index)            // only rr_index in {1,2} allowed",
		"NOR()                     // RR0 := ~(RR0 | RR1)",
	})

	query := Query{
		QueryID:      "q_nor_rows_false_missing_preserve_A",
		Architecture: archQ,
		ISA:          isaQ,
		Item: Item{
			ID:   "q_item_001",
			Task: norTask("ROW10", "ROW11", "ROW12"),
			Program: []Step{
				{Step: 1, Op: "ReadRowToSa", Args: map[string]any{"dram_row": "ROW10"}, Comment: "RR0 <- A"},
				{Step: 2, Op: "ReadRowToSa", Args: map[string]any{"dram_row": "ROW11"}, Comment: "RR0 <- B (overwrites A)"},
				{Step: 3, Op: "Nor", Args: map[string]any{}, Comment: "RR1 never loaded with A"},
				{Step: 4, Op: "WriteSaToRow", Args: map[string]any{"dram_row": "ROW12"}, Comment: "OUT <- RR0"},
			},
			Correctness: Correctness{
				IsCorrect: false,
				Evidence: Evidence{
					Method:  "static_check",
					Details: "A is overwritten before being saved to RR1; RR1 is uninitialized.",
				},
			},
		},
	}

	return BuildDatabase(examples, query)
}
