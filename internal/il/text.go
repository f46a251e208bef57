package il

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type pendingTarget struct {
	index int
	label string
	line  int
}

// Parse assembles the textual form of a body. Each non-empty line holds either
// a "label:" definition, an instruction, or both ("loop: ldarg 0"). Text after
// '#' is ignored. Branch operands name labels.
func Parse(src string) (*Body, error) {
	body := &Body{}
	labels := make(map[string]int)
	var pending []pendingTarget

	scanner := bufio.NewScanner(strings.NewReader(src))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)

		for {
			colon := strings.IndexByte(line, ':')
			if colon < 0 {
				break
			}
			name := strings.TrimSpace(line[:colon])
			if name == "" || strings.ContainsAny(name, " \t") {
				break
			}
			if _, exists := labels[name]; exists {
				return nil, fmt.Errorf("il: line %d: label %q already defined", lineNo, name)
			}
			labels[name] = len(body.Code)
			line = strings.TrimSpace(line[colon+1:])
		}
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		op, ok := opcodesByName[strings.ToLower(fields[0])]
		if !ok {
			return nil, fmt.Errorf("il: line %d: unknown instruction %q", lineNo, fields[0])
		}
		ins := Instruction{Op: op}
		kind := op.operand()
		if kind == operandNone {
			if len(fields) != 1 {
				return nil, fmt.Errorf("il: line %d: %s takes no operand", lineNo, op)
			}
			body.Code = append(body.Code, ins)
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("il: line %d: %s takes exactly one operand", lineNo, op)
		}
		switch kind {
		case operandTarget:
			pending = append(pending, pendingTarget{index: len(body.Code), label: fields[1], line: lineNo})
		case operandIndex:
			v, err := strconv.ParseUint(fields[1], 0, 8)
			if err != nil {
				return nil, fmt.Errorf("il: line %d: bad index %q: %w", lineNo, fields[1], err)
			}
			ins.Arg = int64(v)
		case operandI4:
			v, err := strconv.ParseInt(fields[1], 0, 32)
			if err != nil {
				return nil, fmt.Errorf("il: line %d: bad ldc.i4 immediate %q: %w", lineNo, fields[1], err)
			}
			ins.Arg = v
		case operandI8:
			v, err := strconv.ParseInt(fields[1], 0, 64)
			if err != nil {
				return nil, fmt.Errorf("il: line %d: bad ldc.i8 immediate %q: %w", lineNo, fields[1], err)
			}
			ins.Arg = v
		}
		body.Code = append(body.Code, ins)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("il: read source: %w", err)
	}

	for _, p := range pending {
		target, ok := labels[p.label]
		if !ok {
			return nil, fmt.Errorf("il: line %d: undefined label %q", p.line, p.label)
		}
		body.Code[p.index].Arg = int64(target)
	}
	return body, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level fixtures.
func MustParse(src string) *Body {
	b, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return b
}

// Format renders a body in the syntax accepted by Parse. Branch targets get
// synthesized labels of the form L<index>.
func Format(b *Body) string {
	if b == nil {
		return ""
	}
	targets := make(map[int]bool)
	for _, ins := range b.Code {
		if ins.Op.IsBranch() {
			targets[int(ins.Arg)] = true
		}
	}
	order := make([]int, 0, len(targets))
	for t := range targets {
		order = append(order, t)
	}
	sort.Ints(order)

	var sb strings.Builder
	for idx, ins := range b.Code {
		if targets[idx] {
			fmt.Fprintf(&sb, "L%d:\n", idx)
		}
		sb.WriteString("\t")
		switch ins.Op.operand() {
		case operandNone:
			sb.WriteString(ins.Op.String())
		case operandTarget:
			fmt.Fprintf(&sb, "%s L%d", ins.Op, ins.Arg)
		default:
			fmt.Fprintf(&sb, "%s %d", ins.Op, ins.Arg)
		}
		sb.WriteString("\n")
	}
	// A label may point one past the last instruction in an unverified body.
	if len(order) > 0 && order[len(order)-1] >= len(b.Code) {
		fmt.Fprintf(&sb, "L%d:\n", order[len(order)-1])
	}
	return sb.String()
}
