package ast

import (
	"testing"

	"pwlp/opcode"
	"pwlp/program"
)

// TestIfElseConditionObservedOnceByBothBranches pins spec.md §9's open
// question: the condition value is computed once and PEEKed (not popped)
// so both the then- and else-branch skips see the same value, then a
// single POP discards it at the end.
func TestIfElseConditionObservedOnceByBothBranches(t *testing.T) {
	node := &Node{
		Kind: NIfElse,
		Cond: User(opcode.GetLength),
		Body: []*Node{{Kind: NExpression, Expr: Literal(1)}},
		Else: []*Node{{Kind: NExpression, Expr: Literal(2)}},
	}

	p := program.New()
	scope := NewScope()
	node.Assemble(p, scope)

	disasm := program.Disassemble(p.Code)
	if countOccurrences(disasm, "get_length") != 1 {
		t.Fatalf("expected get_length to be evaluated exactly once, got:\n%s", disasm)
	}
	if p.StackDelta != 0 {
		t.Fatalf("expected a balanced stack after an if/else statement, got delta %d", p.StackDelta)
	}
}

// TestForLoopDefinesAndDiscardsCounter checks that a For node leaves the
// stack balanced: the loop counter variable is defined for the body and
// popped once the loop completes.
func TestForLoopDefinesAndDiscardsCounter(t *testing.T) {
	node := &Node{
		Kind: NFor,
		Name: "i",
		Cond: Literal(4),
		Body: []*Node{{Kind: NExpression, Expr: Load("i")}},
	}

	p := program.New()
	scope := NewScope()
	node.Assemble(p, scope)

	if p.StackDelta != 0 {
		t.Fatalf("expected a balanced stack after a for loop, got delta %d", p.StackDelta)
	}
	if _, ok := scope.IndexOf("i"); ok {
		t.Fatalf("expected the loop counter to be undefined once the loop ends")
	}
}

// TestAssignmentLeavesValueBoundInScope checks that NAssignment defines
// the variable without emitting an extra pop; the enclosing scope's
// teardown is responsible for the POP.
func TestAssignmentLeavesValueBoundInScope(t *testing.T) {
	node := &Node{Kind: NAssignment, Name: "x", Expr: Literal(7)}

	p := program.New()
	scope := NewScope()
	node.Assemble(p, scope)

	idx, ok := scope.IndexOf("x")
	if !ok {
		t.Fatal("expected x to be defined after assembling the assignment")
	}
	if idx != 0 {
		t.Fatalf("expected x to sit at peek depth 0 right after assignment, got %d", idx)
	}
	if p.StackDelta != 1 {
		t.Fatalf("expected the assignment to leave its value on the stack, got delta %d", p.StackDelta)
	}
}

// TestScopeIndexOfCrossesNestingWithParentDepth checks that a variable
// defined in an outer scope resolves to a PEEK depth that accounts for
// values pushed in the inner scope above it.
func TestScopeIndexOfCrossesNestingWithParentDepth(t *testing.T) {
	outer := NewScope()
	outer.Define("a")
	outer.level = 1

	inner := outer.Nest()
	inner.Define("b")
	inner.level = 1

	idx, ok := inner.IndexOf("a")
	if !ok {
		t.Fatal("expected a to resolve through the parent scope")
	}
	if idx != 1 {
		t.Fatalf("expected a to sit one deeper than b, got depth %d", idx)
	}
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
			i += len(needle) - 1
		}
	}
	return count
}
