package file

import (
	"fmt"
	"strings"
)

const diffContextLines = 3

// lcsSizeGuard bounds the quadratic LCS table. Beyond it the diff degrades
// to a whole-file replacement hunk.
const lcsSizeGuard = 4_000_000

// unifiedDiff renders a unified diff of two line slices. Returns "" when the
// inputs are identical.
func unifiedDiff(nameA, nameB string, a, b []string) string {
	ops := diffOps(a, b)
	if len(ops) == 0 {
		return ""
	}

	var body strings.Builder
	fmt.Fprintf(&body, "--- %s\n+++ %s\n", nameA, nameB)

	for _, h := range groupHunks(ops) {
		fmt.Fprintf(&body, "@@ -%d,%d +%d,%d @@\n", h.startA+1, h.lenA, h.startB+1, h.lenB)
		for _, op := range h.ops {
			switch op.kind {
			case opEqual:
				body.WriteString(" " + op.line + "\n")
			case opDelete:
				body.WriteString("-" + op.line + "\n")
			case opInsert:
				body.WriteString("+" + op.line + "\n")
			}
		}
	}
	return strings.TrimRight(body.String(), "\n")
}

type opKind int

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

type diffOp struct {
	kind opKind
	line string
}

// diffOps computes a line-level edit script via LCS. Returns nil for equal
// inputs.
func diffOps(a, b []string) []diffOp {
	if len(a) == len(b) {
		equal := true
		for i := range a {
			if a[i] != b[i] {
				equal = false
				break
			}
		}
		if equal {
			return nil
		}
	}

	if len(a)*len(b) > lcsSizeGuard {
		ops := make([]diffOp, 0, len(a)+len(b))
		for _, line := range a {
			ops = append(ops, diffOp{opDelete, line})
		}
		for _, line := range b {
			ops = append(ops, diffOp{opInsert, line})
		}
		return ops
	}

	// lcs[i][j] = length of the LCS of a[i:] and b[j:].
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	var ops []diffOp
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			ops = append(ops, diffOp{opEqual, a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, diffOp{opDelete, a[i]})
			i++
		default:
			ops = append(ops, diffOp{opInsert, b[j]})
			j++
		}
	}
	for ; i < len(a); i++ {
		ops = append(ops, diffOp{opDelete, a[i]})
	}
	for ; j < len(b); j++ {
		ops = append(ops, diffOp{opInsert, b[j]})
	}

	for _, op := range ops {
		if op.kind != opEqual {
			return ops
		}
	}
	return nil
}

type hunk struct {
	startA, lenA int
	startB, lenB int
	ops          []diffOp
}

// groupHunks splits an edit script into hunks with up to three equal context
// lines on each side.
func groupHunks(ops []diffOp) []hunk {
	var hunks []hunk
	posA, posB := 0, 0
	idx := 0

	for idx < len(ops) {
		// Skip to the next change.
		for idx < len(ops) && ops[idx].kind == opEqual {
			idx++
			posA++
			posB++
		}
		if idx >= len(ops) {
			break
		}

		// Back up for leading context.
		lead := min(diffContextLines, idx)
		start := idx - lead
		h := hunk{startA: posA - lead, startB: posB - lead}

		// Consume until a gap of more than 2*context equal lines, or EOF.
		end := idx
		equalRun := 0
		for end < len(ops) {
			if ops[end].kind == opEqual {
				equalRun++
				if equalRun > 2*diffContextLines {
					end -= equalRun - diffContextLines
					break
				}
			} else {
				equalRun = 0
			}
			end++
		}
		if end > len(ops) {
			end = len(ops)
		}
		if equalRun > diffContextLines && end == len(ops) {
			end -= equalRun - diffContextLines
		}

		h.ops = ops[start:end]
		for _, op := range h.ops {
			switch op.kind {
			case opEqual:
				h.lenA++
				h.lenB++
			case opDelete:
				h.lenA++
			case opInsert:
				h.lenB++
			}
		}
		hunks = append(hunks, h)

		// Advance positions through the consumed ops.
		for _, op := range ops[idx:end] {
			switch op.kind {
			case opEqual:
				posA++
				posB++
			case opDelete:
				posA++
			case opInsert:
				posB++
			}
		}
		idx = end
	}
	return hunks
}
