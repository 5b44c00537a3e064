// Package program implements the append-only bytecode buffer (C2): a fluent
// assembler for building programs and program fragments, plus a
// disassembler for turning bytecode back into readable text.
package program

import (
	"encoding/binary"
	"fmt"
	"os"

	"pwlp/opcode"
)

// Program is an append-only bytecode byte sequence plus bookkeeping the
// assembler needs while building it: an origin offset (so a fragment
// spliced into a larger program can compute absolute jump targets), and a
// predicted stack delta used only to sanity-check branch/loop fragments.
type Program struct {
	Code       []byte
	Offset     int
	StackDelta int
}

// New returns an empty program.
func New() *Program {
	return &Program{}
}

// FromBinary wraps raw bytecode bytes as a Program ready to run.
func FromBinary(data []byte) *Program {
	return &Program{Code: append([]byte(nil), data...)}
}

// FromFile loads raw bytecode from disk.
func FromFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading program file: %w", err)
	}
	return FromBinary(data), nil
}

// currentPC returns the absolute program counter a byte appended right now
// would land at.
func (p *Program) currentPC() int {
	return p.Offset + len(p.Code)
}

func (p *Program) write(b ...byte) *Program {
	p.Code = append(p.Code, b...)
	return p
}

// Nop emits the canonical no-op, POP 0.
func (p *Program) Nop() *Program {
	return p.write(opcode.Byte(opcode.POP, 0))
}

// Pop emits POP n, discarding n values from the stack.
func (p *Program) Pop(n byte) *Program {
	if n > 15 {
		panic("program: cannot pop more than 15 stack items")
	}
	p.StackDelta -= int(n)
	return p.write(opcode.Byte(opcode.POP, n))
}

// Peek emits PEEK n, duplicating the value at depth n from the top.
func (p *Program) Peek(n byte) *Program {
	if n > 15 {
		panic("program: cannot peek deeper than 15")
	}
	p.StackDelta++
	return p.write(opcode.Byte(opcode.PEEK, n))
}

// Dup duplicates the top of stack (PEEK 0).
func (p *Program) Dup() *Program {
	return p.Peek(0)
}

// Push emits the smallest encoding of the literal b: PUSHB 0 for zero,
// PUSHB 1 + one byte for values that fit in a byte, else PUSHI 1 + four
// little-endian bytes.
func (p *Program) Push(b uint32) *Program {
	p.StackDelta++
	switch {
	case b == 0:
		return p.write(opcode.Byte(opcode.PUSHB, 0))
	case b <= 0xFF:
		return p.write(opcode.Byte(opcode.PUSHB, 1), byte(b))
	default:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], b)
		return p.write(opcode.Byte(opcode.PUSHI, 1), buf[0], buf[1], buf[2], buf[3])
	}
}

// Unary emits a UNARY op.
func (p *Program) Unary(op opcode.Unary) *Program {
	return p.write(opcode.Byte(opcode.UNARY, byte(op)))
}

// Binary emits a BINARY op. Net stack effect is -1 (two operands consumed,
// one result pushed).
func (p *Program) Binary(op opcode.Binary) *Program {
	p.StackDelta--
	return p.write(opcode.Byte(opcode.BINARY, byte(op)))
}

// stackEffectOfUser returns the net stack delta of a USER host call.
func stackEffectOfUser(u opcode.UserCommand) int {
	switch u {
	case opcode.GetLength, opcode.GetPreciseTime, opcode.GetWallTime:
		return 1 // pushes, consumes nothing
	case opcode.RandomInt:
		return 0 // pops n, pushes result
	case opcode.GetPixel:
		return 0 // pops idx, pushes packed color
	case opcode.SetPixel:
		return -1 // pops packed color, peeks (doesn't pop) index
	case opcode.Blit:
		return 0
	default:
		return 0
	}
}

// User emits a USER host call.
func (p *Program) User(u opcode.UserCommand) *Program {
	p.StackDelta += stackEffectOfUser(u)
	return p.write(opcode.Byte(opcode.USER, byte(u)))
}

// Special emits a SPECIAL op. None of SWAP/DUMP/YIELD change stack depth.
func (p *Program) Special(s opcode.Special) *Program {
	return p.write(opcode.Byte(opcode.SPECIAL, byte(s)))
}

func (p *Program) Inc() *Program  { return p.Unary(opcode.INC) }
func (p *Program) Dec() *Program  { return p.Unary(opcode.DEC) }
func (p *Program) Not() *Program  { return p.Unary(opcode.NOT) }
func (p *Program) Neg() *Program  { return p.Unary(opcode.NEG) }
func (p *Program) Shl8() *Program { return p.Unary(opcode.SHL8) }
func (p *Program) Shr8() *Program { return p.Unary(opcode.SHR8) }

func (p *Program) Add() *Program { return p.Binary(opcode.ADD) }
func (p *Program) Sub() *Program { return p.Binary(opcode.SUB) }
func (p *Program) Div() *Program { return p.Binary(opcode.DIV) }
func (p *Program) Mul() *Program { return p.Binary(opcode.MUL) }
func (p *Program) Mod() *Program { return p.Binary(opcode.MOD) }
func (p *Program) And() *Program { return p.Binary(opcode.AND) }
func (p *Program) Or() *Program  { return p.Binary(opcode.OR) }
func (p *Program) Xor() *Program { return p.Binary(opcode.XOR) }
func (p *Program) Gt() *Program  { return p.Binary(opcode.GT) }
func (p *Program) Gte() *Program { return p.Binary(opcode.GTE) }
func (p *Program) Lt() *Program  { return p.Binary(opcode.LT) }
func (p *Program) Lte() *Program { return p.Binary(opcode.LTE) }
func (p *Program) Eq() *Program  { return p.Binary(opcode.EQ) }
func (p *Program) Neq() *Program { return p.Binary(opcode.NEQ) }

func (p *Program) Swap() *Program  { return p.Special(opcode.Swap) }
func (p *Program) Dump() *Program  { return p.Special(opcode.Dump) }
func (p *Program) Yield() *Program { return p.Special(opcode.Yield) }

func (p *Program) SetPixel() *Program       { return p.User(opcode.SetPixel) }
func (p *Program) Blit() *Program           { return p.User(opcode.Blit) }
func (p *Program) GetLength() *Program      { return p.User(opcode.GetLength) }
func (p *Program) GetWallTime() *Program    { return p.User(opcode.GetWallTime) }
func (p *Program) GetPreciseTime() *Program { return p.User(opcode.GetPreciseTime) }

// fragment starts a child Program whose Offset is the parent's current PC,
// so absolute jump targets computed while building the fragment are already
// correct once spliced into the parent.
func (p *Program) fragment() *Program {
	return &Program{Offset: p.currentPC()}
}

// emitJump appends a 3-byte absolute jump/branch instruction.
func (p *Program) emitJump(prefix opcode.Prefix, target int) *Program {
	return p.write(byte(prefix), byte(target&0xFF), byte((target>>8)&0xFF))
}

// skip assembles body into a fragment, verifies it is stack-neutral (an
// assembler invariant — see spec.md §3), then emits a conditional 3-byte
// jump over it followed by the fragment's bytes.
func (p *Program) skip(prefix opcode.Prefix, body func(*Program)) *Program {
	frag := p.fragment()
	frag.Offset += 3 // the body lands after the 3-byte jump
	body(frag)
	if frag.StackDelta != 0 {
		panic(fmt.Sprintf("program: fragment in branch has nonzero stack delta %d", frag.StackDelta))
	}
	target := frag.Offset + len(frag.Code)
	p.emitJump(prefix, target)
	return p.write(frag.Code...)
}

// IfZero emits: JNZ over; body. ("if the condition was zero, run body".)
func (p *Program) IfZero(body func(*Program)) *Program {
	return p.skip(opcode.JNZ, body)
}

// IfNotZero emits: JZ over; body.
func (p *Program) IfNotZero(body func(*Program)) *Program {
	return p.skip(opcode.JZ, body)
}

// RepeatForever emits body then an unconditional jump back to its start.
func (p *Program) RepeatForever(body func(*Program)) *Program {
	frag := p.fragment()
	body(frag)
	if frag.StackDelta != 0 {
		panic(fmt.Sprintf("program: fragment in loop has nonzero stack delta %d", frag.StackDelta))
	}
	start := p.currentPC()
	p.write(frag.Code...)
	return p.emitJump(opcode.JMP, start)
}

// Repeat expects a loop counter on top of stack; emits body, UNARY DEC,
// then JNZ back to start. The (now zero) counter remains on the stack;
// callers must Pop(1) afterwards.
func (p *Program) Repeat(body func(*Program)) *Program {
	frag := p.fragment()
	body(frag)
	if frag.StackDelta != 0 {
		panic(fmt.Sprintf("program: fragment in loop has nonzero stack delta %d", frag.StackDelta))
	}
	start := p.currentPC()
	p.write(frag.Code...)
	p.write(opcode.Byte(opcode.UNARY, byte(opcode.DEC)))
	return p.emitJump(opcode.JNZ, start)
}

// RepeatTimes is a convenience combinator: push times, Repeat(body), Pop(1).
func (p *Program) RepeatTimes(times uint32, body func(*Program)) *Program {
	p.Push(times)
	p.Repeat(body)
	return p.Pop(1)
}
