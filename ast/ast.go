// Package ast defines the tree produced by the parser, the compile-time
// lexical scope chain, and the lowering ("assembly") of that tree into
// bytecode via the program package's fluent builder.
package ast

import (
	"fmt"

	"pwlp/opcode"
	"pwlp/program"
)

// Scope is a chain of lexical frames. Each frame tracks the variable names
// it owns and a running count ("level") of values currently on the
// expression stack above the frame's baseline. IndexOf walks outward,
// summing each parent's live depth, to turn a variable name into a PEEK
// distance from the top of stack.
type Scope struct {
	variables []string
	level     int
	parent    *Scope
}

// NewScope returns a fresh top-level scope.
func NewScope() *Scope {
	return &Scope{}
}

// Nest creates a child scope whose lifetime ends at Unnest.
func (s *Scope) Nest() *Scope {
	return &Scope{parent: s}
}

// Unnest emits a POP for this scope's locals (if any) and detaches it from
// its parent; the scope must not be used afterwards.
func (s *Scope) Unnest(p *program.Program) {
	if s.parent == nil {
		panic("ast: cannot unnest a scope without a parent")
	}
	s.assembleTeardown(p)
	s.parent = nil
}

func (s *Scope) assembleTeardown(p *program.Program) {
	if len(s.variables) > 0 {
		p.Pop(byte(len(s.variables)))
	}
}

// AssembleTeardown emits a POP for this scope's locals (if any) without
// detaching it from its parent. Used by callers that finish compiling a
// top-level scope and have no Unnest to call (there is no enclosing scope).
func (s *Scope) AssembleTeardown(p *program.Program) {
	s.assembleTeardown(p)
}

// IndexOf returns the PEEK distance of variable from the top of the live
// stack, or false if it is not defined in this scope chain.
func (s *Scope) IndexOf(name string) (int, bool) {
	for i := len(s.variables) - 1; i >= 0; i-- {
		if s.variables[i] == name {
			return s.level - 1 - i, true
		}
	}
	if s.parent == nil {
		return 0, false
	}
	idx, ok := s.parent.IndexOf(name)
	if !ok {
		return 0, false
	}
	return idx + s.level, true
}

// Define introduces a new variable bound to the value currently on top of
// the stack (the caller is responsible for having pushed it).
func (s *Scope) Define(name string) {
	for _, v := range s.variables {
		if v == name {
			panic(fmt.Sprintf("ast: variable %q already defined in this scope", name))
		}
	}
	s.variables = append(s.variables, name)
}

// Undefine removes a variable binding without emitting a POP (the caller
// handles stack cleanup itself, e.g. For's trailing Pop(1)).
func (s *Scope) Undefine(name string) {
	for i, v := range s.variables {
		if v == name {
			s.variables = append(s.variables[:i], s.variables[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("ast: variable %q was not defined", name))
}

// NodeKind discriminates Node variants.
type NodeKind int

const (
	NExpression NodeKind = iota
	NSpecial
	NUser
	NUserCall
	NStatements
	NLoop
	NIf
	NIfElse
	NAssignment
	NFor
)

// Node is one statement-level AST element. Which fields are meaningful
// depends on Kind, mirroring a tagged union.
type Node struct {
	Kind NodeKind

	Expr    *Expression        // NExpression
	Special opcode.Special     // NSpecial
	User    opcode.UserCommand // NUser, NUserCall
	Args    []*Expression      // NUserCall
	Body    []*Node            // NStatements, NLoop, NIf (then), NFor
	Else    []*Node            // NIfElse
	Name    string             // NAssignment, NFor
	Cond    *Expression        // NIf, NIfElse, NFor (loop-counter expression)
}

// Assemble lowers a statement node into program, updating scope as it goes.
func (n *Node) Assemble(p *program.Program, scope *Scope) {
	switch n.Kind {
	case NExpression:
		n.Expr.assemble(p, scope)
		p.Pop(1)
		scope.level--

	case NSpecial:
		p.Special(n.Special)

	case NUser:
		p.User(n.User)

	case NUserCall:
		assembleUserCallStatement(n.User, n.Args, p, scope)

	case NStatements:
		for _, s := range n.Body {
			s.Assemble(p, scope)
		}

	case NLoop:
		p.RepeatForever(func(q *program.Program) {
			child := scope.Nest()
			for _, s := range n.Body {
				s.Assemble(q, child)
			}
			child.Unnest(q)
		})

	case NFor:
		n.Cond.assemble(p, scope)
		scope.Define(n.Name)
		p.Repeat(func(q *program.Program) {
			child := scope.Nest()
			for _, s := range n.Body {
				s.Assemble(q, child)
			}
			child.Unnest(q)
		})
		scope.Undefine(n.Name)
		scope.level--
		p.Pop(1)

	case NIf:
		oldLevel := scope.level
		n.Cond.assemble(p, scope)
		p.IfNotZero(func(q *program.Program) {
			child := scope.Nest()
			for _, s := range n.Body {
				s.Assemble(q, child)
			}
			child.Unnest(q)
		})
		p.Pop(1)
		scope.level = oldLevel

	case NIfElse:
		oldLevel := scope.level
		n.Cond.assemble(p, scope)
		p.IfNotZero(func(q *program.Program) {
			child := scope.Nest()
			for _, s := range n.Body {
				s.Assemble(q, child)
			}
			child.Unnest(q)
		})
		p.IfZero(func(q *program.Program) {
			child := scope.Nest()
			for _, s := range n.Else {
				s.Assemble(q, child)
			}
			child.Unnest(q)
		})
		p.Pop(1)
		scope.level = oldLevel

	case NAssignment:
		n.Expr.assemble(p, scope)
		scope.Define(n.Name) // value stays on stack; an enclosing scope pops it on unnest
	}
}

// assembleUserCallStatement lowers a UserCall used as a statement.
// SET_PIXEL gets its special color-packing expansion (§4.3); everything
// else just lowers its arguments left to right, emits the opcode, and (as a
// statement) discards the single resulting value.
func assembleUserCallStatement(u opcode.UserCommand, args []*Expression, p *program.Program, scope *Scope) {
	if u == opcode.SetPixel && len(args) == 4 {
		preLevel := scope.level
		color := packedColorExpression(args)

		args[0].assemble(p, scope) // index
		scope.level = preLevel + 1
		color.assemble(p, scope)
		scope.level = preLevel

		p.User(u)
		p.Pop(1)
		return
	}

	for _, a := range args {
		a.assemble(p, scope)
	}
	p.User(u)
	p.Pop(1)
}

// packedColorExpression builds (r&0xFF) | ((g&0xFF)<<8) | ((b&0xFF)<<16)
// from args[1:4], constant-folding where possible.
func packedColorExpression(args []*Expression) *Expression {
	mask := func(e *Expression) *Expression {
		return &Expression{Kind: EBinary, Op: opcode.AND, LHS: e, RHS: Literal(0xFF)}
	}

	result := mask(args[1])
	for n := 2; n < len(args); n++ {
		wrapped := mask(args[n])
		for i := 0; i < n-1; i++ {
			wrapped = &Expression{Kind: EUnary, UnOp: opcode.SHL8, RHS: wrapped}
		}
		result = &Expression{Kind: EBinary, Op: opcode.OR, LHS: result, RHS: wrapped}
	}
	return result
}
