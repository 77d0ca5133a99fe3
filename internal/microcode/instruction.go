// Package microcode parses PIM microprogram instructions and executes them on
// a 32-bit row-register simulator.
package microcode

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"pimrepair/internal/pim"
)

var (
	ErrBadInstr   = errors.New("bad instruction format")
	ErrMissingOp  = errors.New("instruction missing 'instr' or 'op'")
	ErrMissingArg = errors.New("missing argument")
)

var (
	instrPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(\s*(.*?)\s*\)\s*$`)
	intPattern   = regexp.MustCompile(`^-?\d+$`)
)

// Instruction is a decoded operation with its keyword arguments. Argument
// values are either string or int64.
type Instruction struct {
	Op   string
	Args map[string]any
}

// ParseInstr parses the legacy "Op(k=v,...)" form. Integer-looking values
// become int64; everything else stays a string.
func ParseInstr(s string) (Instruction, error) {
	m := instrPattern.FindStringSubmatch(s)
	if m == nil {
		return Instruction{}, fmt.Errorf("%w: %q", ErrBadInstr, s)
	}

	in := Instruction{Op: m[1], Args: map[string]any{}}
	if m[2] == "" {
		return in, nil
	}
	for _, part := range strings.Split(m[2], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Instruction{}, fmt.Errorf("%w: arg token %q in %q (expected k=v)", ErrBadInstr, part, s)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if intPattern.MatchString(v) {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Instruction{}, fmt.Errorf("%w: %q: %v", ErrBadInstr, v, err)
			}
			in.Args[k] = n
		} else {
			in.Args[k] = v
		}
	}
	return in, nil
}

// FromStep decodes either step format.
func FromStep(step pim.Step) (Instruction, error) {
	if step.Instr != "" {
		return ParseInstr(step.Instr)
	}
	if step.Op == "" {
		return Instruction{}, fmt.Errorf("step %d: %w", step.Step, ErrMissingOp)
	}
	in := Instruction{Op: step.Op, Args: make(map[string]any, len(step.Args))}
	for k, v := range step.Args {
		in.Args[k] = normalizeArg(v)
	}
	return in, nil
}

// StepToInstr renders a step in canonical "Op(k=v,...)" form.
func StepToInstr(step pim.Step) (string, error) {
	in, err := FromStep(step)
	if err != nil {
		return "", err
	}
	return in.String(), nil
}

// String renders the canonical form: args sorted by key, "Op()" when empty.
func (in Instruction) String() string {
	if len(in.Args) == 0 {
		return in.Op + "()"
	}
	keys := make([]string, 0, len(in.Args))
	for k := range in.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, in.Args[k])
	}
	return in.Op + "(" + strings.Join(parts, ",") + ")"
}

// StringArg returns a named argument rendered as a string.
func (in Instruction) StringArg(name string) (string, error) {
	v, ok := in.Args[name]
	if !ok {
		return "", fmt.Errorf("%s: %w %q", in.Op, ErrMissingArg, name)
	}
	return fmt.Sprint(v), nil
}

// IntArg returns a named argument as an int. Numeric strings are accepted.
func (in Instruction) IntArg(name string) (int, error) {
	v, ok := in.Args[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w %q", in.Op, ErrMissingArg, name)
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s: argument %q is not an integer: %v", in.Op, name, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%s: argument %q is not an integer: %q", in.Op, name, n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%s: argument %q has unsupported type %T", in.Op, name, v)
	}
}

// normalizeArg maps JSON-decoded values onto the ParseInstr value space.
func normalizeArg(v any) any {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	default:
		return v
	}
}
