package ast

import (
	"testing"

	"pwlp/opcode"
	"pwlp/program"
)

// TestShr8FoldsAsRightShiftNotLeft pins the corrected constant-folding
// rule: SHR8 folds as c>>8. An earlier variant of this compiler folded it
// as c<<8 by mistake (spec.md §9's Open Question).
func TestShr8FoldsAsRightShiftNotLeft(t *testing.T) {
	expr := Unary(opcode.SHR8, Literal(0x1234))

	p := program.New()
	scope := NewScope()
	expr.assemble(p, scope)

	want := program.New().Push(0x1234 >> 8)
	if string(p.Code) != string(want.Code) {
		t.Fatalf("expected SHR8 to fold to a single literal push of %#x, got bytecode %x", 0x1234>>8, p.Code)
	}
}

// TestNegIsNeverFolded confirms NEG always lowers to a runtime NEG
// instruction, even over a literal operand.
func TestNegIsNeverFolded(t *testing.T) {
	expr := Unary(opcode.NEG, Literal(5))

	p := program.New()
	scope := NewScope()
	expr.assemble(p, scope)

	disasm := program.Disassemble(p.Code)
	if !contains(disasm, "NEG") {
		t.Fatalf("expected disassembly to contain a NEG instruction, got:\n%s", disasm)
	}
}

// TestSetPixelPacksColorArguments exercises the four-argument set_pixel
// expansion with literal colour arguments, whose packed colour folds to a
// single constant: the statement must emit set_pixel and leave the stack
// balanced.
func TestSetPixelPacksColorArguments(t *testing.T) {
	call := &Node{
		Kind: NUserCall,
		User: opcode.SetPixel,
		Args: []*Expression{Literal(0), Literal(0xFF), Literal(0x11), Literal(0x22)},
	}

	p := program.New()
	scope := NewScope()
	call.Assemble(p, scope)

	disasm := program.Disassemble(p.Code)
	if !contains(disasm, "set_pixel") {
		t.Fatalf("expected a set_pixel opcode in disassembly, got:\n%s", disasm)
	}
	if p.StackDelta != 0 {
		t.Fatalf("expected a statement to leave the stack balanced, got delta %d", p.StackDelta)
	}
}

// TestClampFoldsFullyConstantArguments checks that clamp(value,min,max)
// folds to a single literal when all three arguments are compile-time
// constants.
func TestClampFoldsFullyConstantArguments(t *testing.T) {
	expr := Clamp(Literal(300), Literal(0), Literal(255))

	p := program.New()
	scope := NewScope()
	expr.assemble(p, scope)

	want := program.New().Push(255)
	if string(p.Code) != string(want.Code) {
		t.Fatalf("expected clamp(300,0,255) to fold to a push of 255, got bytecode %x", p.Code)
	}
}

// TestClampWithDynamicValueLowersToBranches checks that a non-constant
// clamp falls through to the stack-juggling expansion rather than
// panicking or mis-folding, and leaves the stack balanced.
func TestClampWithDynamicValueLowersToBranches(t *testing.T) {
	expr := Clamp(User(opcode.GetLength), Literal(0), Literal(10))

	p := program.New()
	scope := NewScope()
	expr.assemble(p, scope)

	disasm := program.Disassemble(p.Code)
	if !contains(disasm, "get_length") {
		t.Fatalf("expected a get_length call in the lowered clamp, got:\n%s", disasm)
	}
	if scope.level != 1 {
		t.Fatalf("expected clamp to leave exactly one net value on scope level, got %d", scope.level)
	}
}

func contains(haystack, needle string) bool {
	return indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
