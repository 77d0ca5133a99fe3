package pim

import (
	"fmt"
	"regexp"
	"strings"
)

// Architecture defaults.
const (
	DefaultArchType       = "h_layout_subarray_level_pim"
	DefaultWordSizeBits   = 32
	DefaultShiftSemantics = "logical_shifts_truncate_out_of_range_bits"
)

// ArchOption customizes MakeArchitecture.
type ArchOption func(*Architecture)

// WithWordSize overrides the 32-bit default word size.
func WithWordSize(bits int) ArchOption {
	return func(a *Architecture) { a.WordSizeBits = bits }
}

// WithArchType overrides the architecture type tag.
func WithArchType(t string) ArchOption {
	return func(a *Architecture) { a.Type = t }
}

// MakeArchitecture builds an architecture block. Registers are named
// RR0..RR{n-1}; data movement is "restricted" when any rule is given.
func MakeArchitecture(explanation string, logicOps []string, rowRegCount int, rules []string, opts ...ArchOption) Architecture {
	naming := make([]string, rowRegCount)
	for i := range naming {
		naming[i] = fmt.Sprintf("RR%d", i)
	}

	freedom := "free"
	if len(rules) > 0 {
		freedom = "restricted"
	}
	if rules == nil {
		rules = []string{}
	}

	a := Architecture{
		Type:                    DefaultArchType,
		ArchitectureExplanation: explanation,
		WordSizeBits:            DefaultWordSizeBits,
		ShiftSemantics:          DefaultShiftSemantics,
		Compute:                 Compute{LogicOperations: logicOps},
		RowRegisterFile:         RowRegisterFile{Count: rowRegCount, Naming: naming},
		DataMovement:            DataMovement{Freedom: freedom, Rules: rules},
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// MakeISA builds an ISA block.
func MakeISA(ops []string) ISA {
	return ISA{Operations: ops}
}

// BuildDatabase assembles a database and stamps the schema version.
func BuildDatabase(examples []ExampleDB, query Query) *Database {
	if examples == nil {
		examples = []ExampleDB{}
	}
	return &Database{
		SchemaVersion: SchemaVersion,
		ExamplesDB:    examples,
		Query:         query,
	}
}

var opNamePattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// OpNames returns the operation names declared by the ISA signatures, in
// declaration order, without duplicates. Signatures that do not start with
// "Name(" are ignored.
func (isa ISA) OpNames() []string {
	seen := make(map[string]bool, len(isa.Operations))
	names := make([]string, 0, len(isa.Operations))
	for _, sig := range isa.Operations {
		m := opNamePattern.FindStringSubmatch(sig)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}

// Validate checks the invariants the pipeline relies on.
func (db *Database) Validate() error {
	var problems []string
	if db.SchemaVersion == "" {
		problems = append(problems, "schema_version is empty")
	}
	if db.Query.Item.ID == "" {
		problems = append(problems, "query.item.id is empty")
	}
	if db.Query.Item.Task.Name == "" {
		problems = append(problems, "query.item.task.name is empty")
	}
	if n := db.Query.Architecture.RowRegisterFile.Count; n < 2 {
		problems = append(problems, fmt.Sprintf("query.architecture.row_register_file.count must be >= 2, got %d", n))
	}
	for i, ex := range db.ExamplesDB {
		if ex.DBID == "" {
			problems = append(problems, fmt.Sprintf("examples_db[%d].db_id is empty", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid database: %s", strings.Join(problems, "; "))
	}
	return nil
}
