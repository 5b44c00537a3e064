package ast

import (
	"fmt"

	"pwlp/opcode"
	"pwlp/program"
)

// ExprKind discriminates Expression variants.
type ExprKind int

const (
	ELiteral ExprKind = iota
	EUnary
	EBinary
	EUser
	EUserCall
	ELoad
	EClamp
)

// Expression is a tree node that, once assembled, leaves exactly one value
// on top of the stack.
type Expression struct {
	Kind ExprKind

	Literal uint32 // ELiteral

	UnOp opcode.Unary  // EUnary
	Op   opcode.Binary // EBinary
	LHS  *Expression   // EBinary
	RHS  *Expression   // EUnary, EBinary

	UserCmd opcode.UserCommand // EUser, EUserCall
	Args    []*Expression      // EUserCall

	Name string // ELoad

	ClampValue, ClampMin, ClampMax *Expression // EClamp
}

// Literal constructs a literal-value expression.
func Literal(v uint32) *Expression { return &Expression{Kind: ELiteral, Literal: v} }

// Load constructs a variable-reference expression.
func Load(name string) *Expression { return &Expression{Kind: ELoad, Name: name} }

// Unary constructs a unary-operator expression.
func Unary(op opcode.Unary, rhs *Expression) *Expression {
	return &Expression{Kind: EUnary, UnOp: op, RHS: rhs}
}

// Binary constructs a binary-operator expression.
func Binary(lhs *Expression, op opcode.Binary, rhs *Expression) *Expression {
	return &Expression{Kind: EBinary, LHS: lhs, Op: op, RHS: rhs}
}

// User constructs a zero-argument host-call expression (e.g. get_length).
func User(cmd opcode.UserCommand) *Expression { return &Expression{Kind: EUser, UserCmd: cmd} }

// UserCall constructs a host-call expression with arguments (e.g. random(n)).
func UserCall(cmd opcode.UserCommand, args []*Expression) *Expression {
	return &Expression{Kind: EUserCall, UserCmd: cmd, Args: args}
}

// Clamp constructs clamp(value, min, max).
func Clamp(value, min, max *Expression) *Expression {
	return &Expression{Kind: EClamp, ClampValue: value, ClampMin: min, ClampMax: max}
}

// assemble lowers the expression, pushing exactly one value. Whenever the
// whole expression folds to a compile-time constant it is emitted directly
// as a literal push instead of walking the tree.
func (e *Expression) assemble(p *program.Program, scope *Scope) {
	if c, ok := e.constValue(); ok {
		p.Push(c)
		scope.level++
		return
	}

	switch e.Kind {
	case ELiteral:
		p.Push(e.Literal)
		scope.level++

	case EUser:
		p.User(e.UserCmd)
		scope.level++

	case EUserCall:
		oldLevel := scope.level
		for _, a := range e.Args {
			a.assemble(p, scope)
		}
		p.User(e.UserCmd)
		scope.level = oldLevel + 1

	case EUnary:
		e.RHS.assemble(p, scope)
		p.Unary(e.UnOp)

	case EBinary:
		e.LHS.assemble(p, scope)
		e.RHS.assemble(p, scope)
		p.Binary(e.Op)
		scope.level--

	case ELoad:
		idx, ok := scope.IndexOf(e.Name)
		if !ok {
			panic(fmt.Sprintf("ast: variable not found: %s", e.Name))
		}
		if idx > 15 {
			panic(fmt.Sprintf("ast: variable %q is out of PEEK range (depth %d)", e.Name, idx))
		}
		p.Peek(byte(idx))
		scope.level++

	case EClamp:
		e.assembleClamp(p, scope)

	default:
		panic("ast: unknown expression kind")
	}
}

// assembleClamp inlines min(max(value,min),max) using stack manipulation
// and two stack-neutral conditional branches.
func (e *Expression) assembleClamp(p *program.Program, scope *Scope) {
	oldLevel := scope.level

	e.ClampValue.assemble(p, scope) // [value]
	e.ClampMin.assemble(p, scope)   // [min, value]
	p.Peek(1)                      // [value, min, value]
	p.Peek(1)                      // [min, value, min, value]
	p.Binary(opcode.LT)            // [value<min, min, value]

	p.IfNotZero(func(q *program.Program) {
		q.Pop(1)  // [min, value]
		q.Swap()  // [value, min]
		q.Pop(1)  // [min]
		q.Peek(0) // [min, min]
		q.Peek(0) // [min, min, min]
	})
	p.Pop(2) // [result-so-far]: min if value<min, else value
	scope.level = oldLevel + 1

	e.ClampMax.assemble(p, scope) // [max, result]
	p.Peek(1)                    // [result, max, result]
	p.Peek(1)                    // [max, result, max, result]
	p.Binary(opcode.GT)          // [result>max, max, result]

	p.IfNotZero(func(q *program.Program) {
		q.Pop(1)
		q.Swap()
		q.Pop(1)
		q.Peek(0)
		q.Peek(0)
	})
	p.Pop(2)

	scope.level = oldLevel + 1
}

// constValue evaluates the expression at compile time if every leaf is a
// Literal. NEG is deliberately left unfolded (spec.md §4.3); SHR8 folds as
// c>>8, not the c<<8 the original compiler mistakenly used (see spec.md §9
// Open Question).
func (e *Expression) constValue() (uint32, bool) {
	switch e.Kind {
	case ELiteral:
		return e.Literal, true

	case EUser, EUserCall, ELoad:
		return 0, false

	case EBinary:
		lhs, ok := e.LHS.constValue()
		if !ok {
			return 0, false
		}
		rhs, ok := e.RHS.constValue()
		if !ok {
			return 0, false
		}
		switch e.Op {
		case opcode.ADD:
			return lhs + rhs, true
		case opcode.SUB:
			return lhs - rhs, true
		case opcode.MUL:
			return lhs * rhs, true
		case opcode.DIV:
			if rhs == 0 {
				return 0, false
			}
			return lhs / rhs, true
		case opcode.MOD:
			if rhs == 0 {
				return 0, false
			}
			return lhs % rhs, true
		case opcode.AND:
			return lhs & rhs, true
		case opcode.OR:
			return lhs | rhs, true
		case opcode.XOR:
			return lhs ^ rhs, true
		case opcode.SHL:
			return lhs << (rhs & 31), true
		case opcode.SHR:
			return lhs >> (rhs & 31), true
		case opcode.GT:
			return boolToU32(lhs > rhs), true
		case opcode.GTE:
			return boolToU32(lhs >= rhs), true
		case opcode.LT:
			return boolToU32(lhs < rhs), true
		case opcode.LTE:
			return boolToU32(lhs <= rhs), true
		case opcode.EQ:
			return boolToU32(lhs == rhs), true
		case opcode.NEQ:
			return boolToU32(lhs != rhs), true
		default:
			return 0, false
		}

	case EUnary:
		c, ok := e.RHS.constValue()
		if !ok {
			return 0, false
		}
		switch e.UnOp {
		case opcode.INC:
			return c + 1, true
		case opcode.DEC:
			return c - 1, true
		case opcode.NOT:
			return ^c, true
		case opcode.NEG:
			return 0, false // deliberately left unfolded
		case opcode.SHL8:
			return c << 8, true
		case opcode.SHR8:
			return c >> 8, true
		default:
			return 0, false
		}

	case EClamp:
		value, ok := e.ClampValue.constValue()
		if !ok {
			return 0, false
		}
		min, ok := e.ClampMin.constValue()
		if !ok {
			return 0, false
		}
		max, ok := e.ClampMax.constValue()
		if !ok {
			return 0, false
		}
		if value < min {
			value = min
		}
		if value > max {
			value = max
		}
		return value, true

	default:
		return 0, false
	}
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
