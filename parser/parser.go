// Package parser turns source text into an AST (C4), following the
// grammar in spec.md §4.4: a hand-written recursive-descent scanner in the
// style of the teacher's own hand-rolled assembler line scanner, rather
// than a parser-generator or combinator library (none appears anywhere in
// the retrieval pack).
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"pwlp/ast"
	"pwlp/opcode"
	"pwlp/program"
)

// ParseError reports a failure to parse source text, carrying whatever
// input remained unconsumed (spec.md §4.4: "leftover input ... is reported
// as a parse error carrying the unparsed tail").
type ParseError struct {
	Message string
	Tail    string
}

func (e *ParseError) Error() string {
	if e.Tail == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (remaining: %q)", e.Message, e.Tail)
}

type parser struct {
	src string
	pos int
}

// Parse parses a complete program and returns its AST root, a
// Statements node. It is total over the grammar: anything left unconsumed
// is reported via ParseError.
func Parse(source string) (*ast.Node, error) {
	p := &parser{src: source}
	p.skipSpace()
	stmts, err := p.parseProgram()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, &ParseError{Message: "could not parse", Tail: p.src[p.pos:]}
	}
	return stmts, nil
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peekByte() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

// consume tries to match a literal tag at the current position (after
// skipping leading space). On success it advances past it and returns true.
func (p *parser) consume(tag string) bool {
	save := p.pos
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], tag) {
		p.pos += len(tag)
		return true
	}
	p.pos = save
	return false
}

func (p *parser) expect(tag string) error {
	if p.consume(tag) {
		return nil
	}
	p.skipSpace()
	return &ParseError{Message: fmt.Sprintf("expected %q", tag), Tail: p.src[p.pos:]}
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isHexDigit(b byte) bool {
	return isDigit(b) || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// parseIdent consumes a variable-name: one or more alphabetic characters.
func (p *parser) parseIdent() (string, bool) {
	save := p.pos
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && isAlpha(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		p.pos = save
		return "", false
	}
	return p.src[start:p.pos], true
}

// --- program / statement ---------------------------------------------------

func (p *parser) parseProgram() (*ast.Node, error) {
	var stmts []*ast.Node

	p.skipSpace()
	if n, ok, err := p.tryParseStatement(); err != nil {
		return nil, err
	} else if ok {
		stmts = append(stmts, n)
		for p.consume(";") {
			p.skipSpace()
			n, ok, err := p.tryParseStatement()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			stmts = append(stmts, n)
		}
	}
	p.consume(";")
	p.skipSpace()

	return &ast.Node{Kind: ast.NStatements, Body: stmts}, nil
}

// tryParseStatement attempts each statement alternative in the order given
// by spec.md §4.4: user_call | special | assign | if | ifelse | for | loop | expr.
func (p *parser) tryParseStatement() (*ast.Node, bool, error) {
	if n, ok, err := p.tryParseUserCall(); ok || err != nil {
		return n, ok, err
	}
	if n, ok := p.tryParseSpecial(); ok {
		return n, true, nil
	}
	if n, ok, err := p.tryParseAssignment(); ok || err != nil {
		return n, ok, err
	}
	if n, ok, err := p.tryParseIf(); ok || err != nil {
		return n, ok, err
	}
	if n, ok, err := p.tryParseFor(); ok || err != nil {
		return n, ok, err
	}
	if n, ok, err := p.tryParseLoop(); ok || err != nil {
		return n, ok, err
	}
	e, ok, err := p.tryParseExpression()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &ast.Node{Kind: ast.NExpression, Expr: e}, true, nil
}

func (p *parser) tryParseSpecial() (*ast.Node, bool) {
	save := p.pos
	if p.consume("yield") && !followedByIdentChar(p) {
		return &ast.Node{Kind: ast.NSpecial, Special: opcode.Yield}, true
	}
	p.pos = save
	if p.consume("dump") && !followedByIdentChar(p) {
		return &ast.Node{Kind: ast.NSpecial, Special: opcode.Dump}, true
	}
	p.pos = save
	return nil, false
}

// followedByIdentChar reports whether the character right after the
// cursor continues an identifier — used so that e.g. "yieldx" is parsed as
// a variable named yieldx, not the keyword yield followed by garbage.
func followedByIdentChar(p *parser) bool {
	if p.pos >= len(p.src) {
		return false
	}
	return isAlpha(p.src[p.pos]) || isDigit(p.src[p.pos])
}

func (p *parser) tryParseUserCall() (*ast.Node, bool, error) {
	save := p.pos
	if p.consume("blit") && !followedByIdentChar(p) {
		return &ast.Node{Kind: ast.NUser, User: opcode.Blit}, true, nil
	}
	p.pos = save

	if p.consume("set_pixel(") {
		first, ok, err := p.tryParseExpression()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			p.pos = save
			return nil, false, nil
		}
		var args []*ast.Expression
		if p.consume(",") {
			second, err := p.parseExpressionRequired()
			if err != nil {
				return nil, false, err
			}
			if err := p.expect(","); err != nil {
				return nil, false, err
			}
			third, err := p.parseExpressionRequired()
			if err != nil {
				return nil, false, err
			}
			if err := p.expect(","); err != nil {
				return nil, false, err
			}
			fourth, err := p.parseExpressionRequired()
			if err != nil {
				return nil, false, err
			}
			args = []*ast.Expression{first, second, third, fourth}
		} else {
			args = []*ast.Expression{first}
		}
		if err := p.expect(")"); err != nil {
			return nil, false, err
		}
		return &ast.Node{Kind: ast.NUserCall, User: opcode.SetPixel, Args: args}, true, nil
	}
	p.pos = save
	return nil, false, nil
}

func (p *parser) tryParseAssignment() (*ast.Node, bool, error) {
	save := p.pos
	name, ok := p.parseIdent()
	if !ok {
		return nil, false, nil
	}
	if !p.consume("=") || p.peekAfterEquals() {
		p.pos = save
		return nil, false, nil
	}
	e, err := p.parseExpressionRequired()
	if err != nil {
		return nil, false, err
	}
	return &ast.Node{Kind: ast.NAssignment, Name: name, Expr: e}, true, nil
}

// peekAfterEquals guards against "==" being consumed as "=" by
// tryParseAssignment (which would otherwise steal the first '=' of a
// comparison operator in a bare expression statement).
func (p *parser) peekAfterEquals() bool {
	return p.pos < len(p.src) && p.src[p.pos] == '='
}

func (p *parser) tryParseIf() (*ast.Node, bool, error) {
	save := p.pos
	if !p.consume("if(") {
		return nil, false, nil
	}
	cond, err := p.parseExpressionRequired()
	if err != nil {
		return nil, false, err
	}
	if err := p.expect(")"); err != nil {
		return nil, false, err
	}
	if err := p.expect("{"); err != nil {
		return nil, false, err
	}
	body, err := p.parseProgram()
	if err != nil {
		return nil, false, err
	}
	if err := p.expect("}"); err != nil {
		return nil, false, err
	}

	if p.consume("else") {
		if err := p.expect("{"); err != nil {
			return nil, false, err
		}
		elseBody, err := p.parseProgram()
		if err != nil {
			return nil, false, err
		}
		if err := p.expect("}"); err != nil {
			return nil, false, err
		}
		return &ast.Node{Kind: ast.NIfElse, Cond: cond, Body: body.Body, Else: elseBody.Body}, true, nil
	}

	_ = save
	return &ast.Node{Kind: ast.NIf, Cond: cond, Body: body.Body}, true, nil
}

func (p *parser) tryParseFor() (*ast.Node, bool, error) {
	save := p.pos
	if !p.consume("for(") {
		return nil, false, nil
	}
	name, ok := p.parseIdent()
	if !ok {
		p.pos = save
		return nil, false, nil
	}
	if err := p.expect("="); err != nil {
		return nil, false, err
	}
	cond, err := p.parseExpressionRequired()
	if err != nil {
		return nil, false, err
	}
	if err := p.expect(")"); err != nil {
		return nil, false, err
	}
	if err := p.expect("{"); err != nil {
		return nil, false, err
	}
	body, err := p.parseProgram()
	if err != nil {
		return nil, false, err
	}
	if err := p.expect("}"); err != nil {
		return nil, false, err
	}
	return &ast.Node{Kind: ast.NFor, Name: name, Cond: cond, Body: body.Body}, true, nil
}

func (p *parser) tryParseLoop() (*ast.Node, bool, error) {
	save := p.pos
	if !p.consume("loop") || followedByIdentChar(p) {
		p.pos = save
		return nil, false, nil
	}
	if err := p.expect("{"); err != nil {
		return nil, false, err
	}
	body, err := p.parseProgram()
	if err != nil {
		return nil, false, err
	}
	if err := p.expect("}"); err != nil {
		return nil, false, err
	}
	return &ast.Node{Kind: ast.NLoop, Body: body.Body}, true, nil
}

// --- expressions ------------------------------------------------------------

func (p *parser) parseExpressionRequired() (*ast.Expression, error) {
	e, ok, err := p.tryParseExpression()
	if err != nil {
		return nil, err
	}
	if !ok {
		p.skipSpace()
		return nil, &ParseError{Message: "expected expression", Tail: p.src[p.pos:]}
	}
	return e, nil
}

func (p *parser) tryParseExpression() (*ast.Expression, bool, error) {
	return p.parseComparison()
}

func (p *parser) parseComparison() (*ast.Expression, bool, error) {
	lhs, ok, err := p.parseUnaries()
	if err != nil || !ok {
		return nil, ok, err
	}
	for {
		op, ok := p.consumeComparisonOp()
		if !ok {
			return lhs, true, nil
		}
		rhs, err := p.requireUnaries()
		if err != nil {
			return nil, false, err
		}
		lhs = ast.Binary(lhs, op, rhs)
	}
}

func (p *parser) consumeComparisonOp() (opcode.Binary, bool) {
	for _, c := range []struct {
		tag string
		op  opcode.Binary
	}{
		{">=", opcode.GTE}, {"<=", opcode.LTE}, {"==", opcode.EQ}, {"!=", opcode.NEQ},
		{">", opcode.GT}, {"<", opcode.LT},
	} {
		if p.consume(c.tag) {
			return c.op, true
		}
	}
	return 0, false
}

func (p *parser) requireUnaries() (*ast.Expression, error) {
	e, ok, err := p.parseUnaries()
	if err != nil {
		return nil, err
	}
	if !ok {
		p.skipSpace()
		return nil, &ParseError{Message: "expected expression", Tail: p.src[p.pos:]}
	}
	return e, nil
}

func (p *parser) parseUnaries() (*ast.Expression, bool, error) {
	if p.consume("-") {
		e, err := p.requireUnaries()
		if err != nil {
			return nil, false, err
		}
		return ast.Unary(opcode.NEG, e), true, nil
	}
	if p.consume("!") {
		e, err := p.requireUnaries()
		if err != nil {
			return nil, false, err
		}
		return ast.Unary(opcode.NOT, e), true, nil
	}
	return p.parseBitwise()
}

func (p *parser) parseBitwise() (*ast.Expression, bool, error) {
	lhs, ok, err := p.parseAddition()
	if err != nil || !ok {
		return nil, ok, err
	}
	for {
		var op opcode.Binary
		switch {
		case p.consume("|"):
			op = opcode.OR
		case p.consume("^"):
			op = opcode.XOR
		case p.consume("&"):
			op = opcode.AND
		default:
			return lhs, true, nil
		}
		rhs, err := p.requireAddition()
		if err != nil {
			return nil, false, err
		}
		lhs = ast.Binary(lhs, op, rhs)
	}
}

func (p *parser) requireAddition() (*ast.Expression, error) {
	e, ok, err := p.parseAddition()
	if err != nil {
		return nil, err
	}
	if !ok {
		p.skipSpace()
		return nil, &ParseError{Message: "expected expression", Tail: p.src[p.pos:]}
	}
	return e, nil
}

func (p *parser) parseAddition() (*ast.Expression, bool, error) {
	lhs, ok, err := p.parseMultiplication()
	if err != nil || !ok {
		return nil, ok, err
	}
	for {
		var op opcode.Binary
		switch {
		case p.consume("+"):
			op = opcode.ADD
		case p.consume("-"):
			op = opcode.SUB
		default:
			return lhs, true, nil
		}
		rhs, err := p.requireMultiplication()
		if err != nil {
			return nil, false, err
		}
		lhs = ast.Binary(lhs, op, rhs)
	}
}

func (p *parser) requireMultiplication() (*ast.Expression, error) {
	e, ok, err := p.parseMultiplication()
	if err != nil {
		return nil, err
	}
	if !ok {
		p.skipSpace()
		return nil, &ParseError{Message: "expected expression", Tail: p.src[p.pos:]}
	}
	return e, nil
}

func (p *parser) parseMultiplication() (*ast.Expression, bool, error) {
	lhs, ok, err := p.parseTerm()
	if err != nil || !ok {
		return nil, ok, err
	}
	for {
		p.skipSpace()
		switch {
		case p.consume("<<"):
			n, err := p.requireTerm()
			if err != nil {
				return nil, false, err
			}
			lhs, err = applyByteShift(lhs, opcode.SHL8, n)
			if err != nil {
				return nil, false, err
			}
		case p.consume(">>"):
			n, err := p.requireTerm()
			if err != nil {
				return nil, false, err
			}
			lhs, err = applyByteShift(lhs, opcode.SHR8, n)
			if err != nil {
				return nil, false, err
			}
		case p.consume("*"):
			rhs, err := p.requireTerm()
			if err != nil {
				return nil, false, err
			}
			lhs = ast.Binary(lhs, opcode.MUL, rhs)
		case p.consume("/"):
			rhs, err := p.requireTerm()
			if err != nil {
				return nil, false, err
			}
			lhs = ast.Binary(lhs, opcode.DIV, rhs)
		case p.consume("%"):
			rhs, err := p.requireTerm()
			if err != nil {
				return nil, false, err
			}
			lhs = ast.Binary(lhs, opcode.MOD, rhs)
		default:
			return lhs, true, nil
		}
	}
}

// applyByteShift implements spec.md §4.4: "<< and >> accept only literal
// right operands that are multiples of 8; they lower to a run of
// SHL8/SHR8. Dynamic shift is a compile error."
func applyByteShift(lhs *ast.Expression, unit opcode.Unary, rhs *ast.Expression) (*ast.Expression, error) {
	if rhs.Kind != ast.ELiteral {
		return nil, &ParseError{Message: "cannot shift by a dynamic quantity"}
	}
	if rhs.Literal%8 != 0 {
		return nil, &ParseError{Message: "cannot shift by a quantity that isn't a multiple of 8"}
	}
	times := rhs.Literal / 8
	result := lhs
	for i := uint32(0); i < times; i++ {
		result = ast.Unary(unit, result)
	}
	return result, nil
}

func (p *parser) requireTerm() (*ast.Expression, error) {
	e, ok, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if !ok {
		p.skipSpace()
		return nil, &ParseError{Message: "expected expression", Tail: p.src[p.pos:]}
	}
	return e, nil
}

func (p *parser) parseTerm() (*ast.Expression, bool, error) {
	if e, ok, err := p.tryParseLiteral(); ok || err != nil {
		return e, ok, err
	}
	if e, ok, err := p.tryParseClamp(); ok || err != nil {
		return e, ok, err
	}
	if e, ok, err := p.tryParseUserExpression(); ok || err != nil {
		return e, ok, err
	}
	if e, ok := p.tryParseLoad(); ok {
		return e, true, nil
	}
	if p.consume("(") {
		e, err := p.parseExpressionRequired()
		if err != nil {
			return nil, false, err
		}
		if err := p.expect(")"); err != nil {
			return nil, false, err
		}
		return e, true, nil
	}
	return nil, false, nil
}

func (p *parser) tryParseLiteral() (*ast.Expression, bool, error) {
	save := p.pos
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], "0x") {
		start := p.pos + 2
		i := start
		for i < len(p.src) && isHexDigit(p.src[i]) {
			i++
		}
		if i == start {
			p.pos = save
			return nil, false, nil
		}
		v, err := strconv.ParseUint(p.src[start:i], 16, 32)
		if err != nil {
			p.pos = save
			return nil, false, &ParseError{Message: fmt.Sprintf("invalid hex literal: %v", err)}
		}
		p.pos = i
		return ast.Literal(uint32(v)), true, nil
	}
	start := p.pos
	i := start
	for i < len(p.src) && isDigit(p.src[i]) {
		i++
	}
	if i == start {
		p.pos = save
		return nil, false, nil
	}
	v, err := strconv.ParseUint(p.src[start:i], 10, 32)
	if err != nil {
		p.pos = save
		return nil, false, &ParseError{Message: fmt.Sprintf("invalid decimal literal: %v", err)}
	}
	p.pos = i
	return ast.Literal(uint32(v)), true, nil
}

func (p *parser) tryParseClamp() (*ast.Expression, bool, error) {
	save := p.pos
	if !p.consume("clamp(") {
		return nil, false, nil
	}
	value, err := p.parseExpressionRequired()
	if err != nil {
		p.pos = save
		return nil, false, nil
	}
	if err := p.expect(","); err != nil {
		return nil, false, err
	}
	min, err := p.parseExpressionRequired()
	if err != nil {
		return nil, false, err
	}
	if err := p.expect(","); err != nil {
		return nil, false, err
	}
	max, err := p.parseExpressionRequired()
	if err != nil {
		return nil, false, err
	}
	if err := p.expect(")"); err != nil {
		return nil, false, err
	}
	return ast.Clamp(value, min, max), true, nil
}

func (p *parser) tryParseUserExpression() (*ast.Expression, bool, error) {
	save := p.pos
	if p.consume("random(") {
		e, err := p.parseExpressionRequired()
		if err != nil {
			p.pos = save
			return nil, false, nil
		}
		if err := p.expect(")"); err != nil {
			return nil, false, err
		}
		return ast.UserCall(opcode.RandomInt, []*ast.Expression{e}), true, nil
	}
	p.pos = save

	if p.consume("get_pixel(") {
		e, err := p.parseExpressionRequired()
		if err != nil {
			p.pos = save
			return nil, false, nil
		}
		if err := p.expect(")"); err != nil {
			return nil, false, err
		}
		return ast.UserCall(opcode.GetPixel, []*ast.Expression{e}), true, nil
	}
	p.pos = save

	if p.consume("get_length") && !followedByIdentChar(p) {
		return ast.User(opcode.GetLength), true, nil
	}
	p.pos = save

	if p.consume("get_wall_time") && !followedByIdentChar(p) {
		return ast.User(opcode.GetWallTime), true, nil
	}
	p.pos = save

	if p.consume("get_precise_time") && !followedByIdentChar(p) {
		return ast.User(opcode.GetPreciseTime), true, nil
	}
	p.pos = save

	return nil, false, nil
}

func (p *parser) tryParseLoad() (*ast.Expression, bool) {
	name, ok := p.parseIdent()
	if !ok {
		return nil, false
	}
	return ast.Load(name), true
}

// Compile parses source and lowers it straight to a fully-assembled
// program, tearing down the top-level scope's locals at the end — the
// combination the CLI's "compile" subcommand and the VM's "run" subcommand
// both want.
func Compile(source string) (*program.Program, error) {
	root, err := Parse(source)
	if err != nil {
		return nil, err
	}
	p := program.New()
	scope := ast.NewScope()
	root.Assemble(p, scope)
	scope.AssembleTeardown(p)
	return p, nil
}
