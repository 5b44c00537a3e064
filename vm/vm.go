// Package vm implements the stack virtual machine (C6): a fetch/decode/
// execute loop over a program's bytecode, driving an abstract strip and
// cooperatively suspending at YIELD, an instruction quota, or program end.
package vm

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/crypto/chacha20"

	"pwlp/opcode"
	"pwlp/program"
	"pwlp/strip"
)

// Sentinel errors for VM faults (spec.md §7). Callers compare with
// errors.Is; none of these panic the process.
var (
	ErrUnknownInstruction   = errors.New("vm: unknown instruction")
	ErrStackUnderflow       = errors.New("vm: stack underflow")
	ErrStripIndexOutOfRange = errors.New("vm: strip index out of range")
	ErrDivisionByZero       = errors.New("vm: division by zero")
)

// Outcome is the result of a call to Run.
type Outcome int

const (
	Yielded Outcome = iota
	Ended
	LocalInstructionLimitReached
	GlobalInstructionLimitReached
	Error
)

func (o Outcome) String() string {
	switch o {
	case Yielded:
		return "yielded"
	case Ended:
		return "ended"
	case LocalInstructionLimitReached:
		return "local instruction limit reached"
	case GlobalInstructionLimitReached:
		return "global instruction limit reached"
	case Error:
		return "error"
	default:
		return "unknown outcome"
	}
}

// State is one VM session: a program counter, an operand stack, the
// program being executed, and the bookkeeping needed for quotas and
// deterministic time/randomness.
type State struct {
	PC      int
	Stack   []uint32
	Program *program.Program
	Strip   strip.Strip

	StartTime time.Time

	InstructionsExecuted uint64
	InstructionLimit     *uint64 // global quota, nil means unbounded

	Deterministic bool
	Trace         bool

	rng        *rand.Rand       // non-deterministic source, lazily built
	detCounter uint64           // deterministic RANDOM_INT stream position
	detCipher  *chacha20.Cipher // deterministic RANDOM_INT source
}

// New returns a fresh VM state over prog, driving strip s.
func New(prog *program.Program, s strip.Strip) *State {
	return &State{
		Program:   prog,
		Strip:     s,
		StartTime: time.Now(),
	}
}

// NewDeterministic returns a VM state whose GET_WALL_TIME, GET_PRECISE_TIME
// and RANDOM_INT are all pinned to spec.md §4.6's deterministic formulas.
func NewDeterministic(prog *program.Program, s strip.Strip) *State {
	st := New(prog, s)
	st.Deterministic = true
	cipher, err := chacha20.NewUnauthenticatedCipher(make([]byte, chacha20.KeySize), make([]byte, chacha20.NonceSize))
	if err != nil {
		panic(fmt.Sprintf("vm: constructing deterministic cipher: %v", err))
	}
	st.detCipher = cipher
	return st
}

func (s *State) push(v uint32) { s.Stack = append(s.Stack, v) }

func (s *State) pop() (uint32, error) {
	if len(s.Stack) == 0 {
		return 0, ErrStackUnderflow
	}
	v := s.Stack[len(s.Stack)-1]
	s.Stack = s.Stack[:len(s.Stack)-1]
	return v, nil
}

func (s *State) peek(depth int) (uint32, error) {
	idx := len(s.Stack) - 1 - depth
	if idx < 0 {
		return 0, ErrStackUnderflow
	}
	return s.Stack[idx], nil
}

// Run executes instructions until the program yields, ends, a quota is
// exhausted, or a VM error occurs. localLimit, if non-nil, bounds the
// number of instructions this single call may execute; reaching either
// quota returns without advancing pc, so a later Run resumes seamlessly.
func (s *State) Run(localLimit *uint64) (Outcome, error) {
	var local uint64
	code := s.Program.Code

	for {
		if s.PC >= len(code) {
			return Ended, nil
		}
		if localLimit != nil && local >= *localLimit {
			return LocalInstructionLimitReached, nil
		}
		if s.InstructionLimit != nil && s.InstructionsExecuted >= *s.InstructionLimit {
			return GlobalInstructionLimitReached, nil
		}

		raw := code[s.PC]
		prefix, ok := opcode.PrefixOf(raw)
		if !ok {
			return Error, fmt.Errorf("%w: byte %#x at pc %d", ErrUnknownInstruction, raw, s.PC)
		}
		postfix := opcode.PostfixOf(raw)

		local++
		s.InstructionsExecuted++

		yielded, advanced, err := s.dispatch(prefix, postfix)
		if err != nil {
			return Error, err
		}

		if yielded {
			s.PC++
			return Yielded, nil
		}
		if !advanced {
			s.PC++
		}
	}
}

// dispatch executes one instruction. advanced reports whether pc was
// already moved to its destination (true for JMP/JZ/JNZ, which never fall
// through to the pc+=1 tail per spec.md §4.6); yielded reports a YIELD.
func (s *State) dispatch(prefix opcode.Prefix, postfix byte) (yielded, advanced bool, err error) {
	code := s.Program.Code
	pc := s.PC

	switch prefix {
	case opcode.POP:
		for i := byte(0); i < postfix; i++ {
			if _, err := s.pop(); err != nil {
				return false, false, err
			}
		}

	case opcode.PUSHB:
		if postfix == 0 {
			s.push(0)
		} else {
			for i := byte(0); i < postfix; i++ {
				pc++
				if pc >= len(code) {
					return false, false, fmt.Errorf("vm: truncated PUSHB at pc %d", s.PC)
				}
				s.push(uint32(code[pc]))
			}
			s.PC = pc
		}

	case opcode.PEEK:
		v, err := s.peek(int(postfix))
		if err != nil {
			return false, false, err
		}
		s.push(v)

	case opcode.PUSHI:
		for i := byte(0); i < postfix; i++ {
			if pc+4 >= len(code) {
				return false, false, fmt.Errorf("vm: truncated PUSHI at pc %d", s.PC)
			}
			v := binary.LittleEndian.Uint32(code[pc+1 : pc+5])
			s.push(v)
			pc += 4
		}
		s.PC = pc

	case opcode.JMP, opcode.JZ, opcode.JNZ:
		if pc+2 >= len(code) {
			return false, false, fmt.Errorf("vm: truncated jump at pc %d", s.PC)
		}
		target := int(code[pc+1]) | int(code[pc+2])<<8
		switch prefix {
		case opcode.JMP:
			s.PC = target
		case opcode.JZ:
			v, err := s.peek(0)
			if err != nil {
				return false, false, err
			}
			if v == 0 {
				s.PC = target
			} else {
				s.PC = pc + 3
			}
		case opcode.JNZ:
			v, err := s.peek(0)
			if err != nil {
				return false, false, err
			}
			if v != 0 {
				s.PC = target
			} else {
				s.PC = pc + 3
			}
		}
		return false, true, nil

	case opcode.UNARY:
		op, ok := opcode.UnaryFrom(postfix)
		if !ok {
			return false, false, fmt.Errorf("%w: unary postfix %d", ErrUnknownInstruction, postfix)
		}
		v, err := s.pop()
		if err != nil {
			return false, false, err
		}
		s.push(applyUnary(op, v))

	case opcode.BINARY:
		op, ok := opcode.BinaryFrom(postfix)
		if !ok {
			return false, false, fmt.Errorf("%w: binary postfix %d", ErrUnknownInstruction, postfix)
		}
		rhs, err := s.pop()
		if err != nil {
			return false, false, err
		}
		lhs, err := s.pop()
		if err != nil {
			return false, false, err
		}
		result, err := applyBinary(op, lhs, rhs)
		if err != nil {
			return false, false, err
		}
		s.push(result)

	case opcode.USER:
		u, ok := opcode.UserCommandFrom(postfix)
		if !ok {
			return false, false, fmt.Errorf("%w: user postfix %d", ErrUnknownInstruction, postfix)
		}
		if err := s.dispatchUser(u); err != nil {
			return false, false, err
		}

	case opcode.SPECIAL:
		sp, ok := opcode.SpecialFrom(postfix)
		if !ok {
			return false, false, fmt.Errorf("%w: special postfix %d", ErrUnknownInstruction, postfix)
		}
		switch sp {
		case opcode.Swap:
			a, err := s.pop()
			if err != nil {
				return false, false, err
			}
			b, err := s.pop()
			if err != nil {
				return false, false, err
			}
			s.push(a)
			s.push(b)
		case opcode.Dump:
			s.dumpStack()
		case opcode.Yield:
			return true, false, nil
		case opcode.TwoByte:
			// Reserved; no operation defined (spec.md §4.1).
		}

	default:
		return false, false, fmt.Errorf("%w: prefix %s", ErrUnknownInstruction, prefix)
	}

	return false, advanced, nil
}

func (s *State) dispatchUser(u opcode.UserCommand) error {
	switch u {
	case opcode.GetLength:
		s.push(s.Strip.Length())

	case opcode.GetWallTime:
		if s.Deterministic {
			s.push(uint32(s.InstructionsExecuted / 10))
		} else {
			s.push(uint32(time.Now().Unix()))
		}

	case opcode.GetPreciseTime:
		if s.Deterministic {
			s.push(uint32(s.InstructionsExecuted))
		} else {
			s.push(uint32(time.Since(s.StartTime).Milliseconds()))
		}

	case opcode.RandomInt:
		n, err := s.pop()
		if err != nil {
			return err
		}
		s.push(s.randomInt(n))

	case opcode.GetPixel:
		idx, err := s.pop()
		if err != nil {
			return err
		}
		c, err := s.Strip.GetPixel(idx)
		if err != nil {
			return fmt.Errorf("%w", ErrStripIndexOutOfRange)
		}
		s.push(idx | uint32(c.R)<<8 | uint32(c.G)<<16 | uint32(c.B)<<24)

	case opcode.SetPixel:
		packed, err := s.pop()
		if err != nil {
			return err
		}
		idx, err := s.peek(0)
		if err != nil {
			return err
		}
		r := byte(packed)
		g := byte(packed >> 8)
		b := byte(packed >> 16)
		if err := s.Strip.SetPixel(idx, r, g, b); err != nil {
			return fmt.Errorf("%w", ErrStripIndexOutOfRange)
		}

	case opcode.Blit:
		s.Strip.Blit()

	default:
		return fmt.Errorf("%w: user command %s", ErrUnknownInstruction, u)
	}
	return nil
}

// randomInt returns a value in [0,n). In deterministic mode the source is
// a ChaCha20 stream seeded with an all-zeros key and nonce (spec.md §4.6);
// otherwise an OS-seeded math/rand source built lazily on first use.
func (s *State) randomInt(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	if s.Deterministic {
		var buf [4]byte
		s.detCipher.XORKeyStream(buf[:], buf[:])
		s.detCounter++
		return binary.LittleEndian.Uint32(buf[:]) % n
	}
	if s.rng == nil {
		var seed [8]byte
		crand.Read(seed[:])
		s.rng = rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
	}
	return uint32(s.rng.Int63n(int64(n)))
}

func (s *State) dumpStack() {
	if !s.Trace {
		return
	}
	fmt.Printf("stack: %v\n", s.Stack)
}

func applyUnary(op opcode.Unary, v uint32) uint32 {
	switch op {
	case opcode.INC:
		return v + 1
	case opcode.DEC:
		return v - 1
	case opcode.NOT:
		return ^v
	case opcode.NEG:
		return uint32(-int32(v))
	case opcode.SHL8:
		return v << 8
	case opcode.SHR8:
		return v >> 8
	default:
		return v
	}
}

func applyBinary(op opcode.Binary, lhs, rhs uint32) (uint32, error) {
	switch op {
	case opcode.ADD:
		return lhs + rhs, nil
	case opcode.SUB:
		return lhs - rhs, nil
	case opcode.MUL:
		return lhs * rhs, nil
	case opcode.DIV:
		if rhs == 0 {
			return 0, ErrDivisionByZero
		}
		return lhs / rhs, nil
	case opcode.MOD:
		if rhs == 0 {
			return 0, ErrDivisionByZero
		}
		return lhs % rhs, nil
	case opcode.AND:
		return lhs & rhs, nil
	case opcode.OR:
		return lhs | rhs, nil
	case opcode.XOR:
		return lhs ^ rhs, nil
	case opcode.SHL:
		return lhs << (rhs & 31), nil
	case opcode.SHR:
		return lhs >> (rhs & 31), nil
	case opcode.GT:
		return boolToU32(lhs > rhs), nil
	case opcode.GTE:
		return boolToU32(lhs >= rhs), nil
	case opcode.LT:
		return boolToU32(lhs < rhs), nil
	case opcode.LTE:
		return boolToU32(lhs <= rhs), nil
	case opcode.EQ:
		return boolToU32(lhs == rhs), nil
	case opcode.NEQ:
		return boolToU32(lhs != rhs), nil
	default:
		return 0, fmt.Errorf("%w: binary op %s", ErrUnknownInstruction, op)
	}
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
