package program

import (
	"fmt"
	"strings"

	"pwlp/opcode"
)

// Disassemble decodes raw bytecode byte-by-byte and returns one line per
// instruction: "PC\traw\tmnemonic\targument", with PUSHB/PUSHI arguments
// shown as the decoded pushed values in decimal. An unrecognised opcode byte
// terminates disassembly early with a trailing marker line, mirroring how
// the teacher's disassembler prints an "unknown instruction" line and
// stops rather than erroring out.
func Disassemble(code []byte) string {
	var out strings.Builder
	pc := 0
	for pc < len(code) {
		raw := code[pc]
		prefix, ok := opcode.PrefixOf(raw)
		if !ok {
			fmt.Fprintf(&out, "%04d\t%02x\t(unknown opcode)\n", pc, raw)
			break
		}
		postfix := opcode.PostfixOf(raw)

		switch prefix {
		case opcode.PUSHI:
			n := int(postfix)
			if pc+1+n*4 > len(code) {
				fmt.Fprintf(&out, "%04d\t%02x\tPUSHI\t(truncated)\n", pc, raw)
				pc = len(code)
				continue
			}
			fmt.Fprintf(&out, "%04d\t%02x\tPUSHI\t", pc, raw)
			for i := 0; i < n; i++ {
				b := code[pc+1+i*4 : pc+5+i*4]
				if i > 0 {
					out.WriteByte(' ')
				}
				fmt.Fprintf(&out, "%d", uint32(b[0])|uint32(b[1])<<8|uint32(b[2])<<16|uint32(b[3])<<24)
			}
			out.WriteByte('\n')
			pc += n * 4

		case opcode.PUSHB:
			if postfix == 0 {
				fmt.Fprintf(&out, "%04d\t%02x\tPUSHB\t0\n", pc, raw)
			} else {
				n := int(postfix)
				if pc+1+n > len(code) {
					fmt.Fprintf(&out, "%04d\t%02x\tPUSHB\t(truncated)\n", pc, raw)
					pc = len(code)
					continue
				}
				fmt.Fprintf(&out, "%04d\t%02x\tPUSHB\t", pc, raw)
				for i, b := range code[pc+1 : pc+1+n] {
					if i > 0 {
						out.WriteByte(' ')
					}
					fmt.Fprintf(&out, "%d", b)
				}
				out.WriteByte('\n')
				pc += n
			}

		case opcode.JMP, opcode.JZ, opcode.JNZ:
			if pc+2 >= len(code) {
				fmt.Fprintf(&out, "%04d\t%02x\t%s\t(truncated)\n", pc, raw, prefix)
				pc = len(code)
				continue
			}
			target := int(code[pc+1]) | int(code[pc+2])<<8
			fmt.Fprintf(&out, "%04d\t%02x\t%s\tto %d\n", pc, raw, prefix, target)
			pc += 2

		case opcode.BINARY:
			if op, ok := opcode.BinaryFrom(postfix); ok {
				fmt.Fprintf(&out, "%04d\t%02x\tBINARY\t%s\n", pc, raw, op)
			} else {
				fmt.Fprintf(&out, "%04d\t%02x\tBINARY\tunknown %d\n", pc, raw, postfix)
			}

		case opcode.UNARY:
			if op, ok := opcode.UnaryFrom(postfix); ok {
				fmt.Fprintf(&out, "%04d\t%02x\tUNARY\t%s\n", pc, raw, op)
			} else {
				fmt.Fprintf(&out, "%04d\t%02x\tUNARY\tunknown %d\n", pc, raw, postfix)
			}

		case opcode.USER:
			if u, ok := opcode.UserCommandFrom(postfix); ok {
				fmt.Fprintf(&out, "%04d\t%02x\tUSER\t%s\n", pc, raw, u)
			} else {
				fmt.Fprintf(&out, "%04d\t%02x\tUSER\t(unknown user function)\n", pc, raw)
			}

		case opcode.SPECIAL:
			if s, ok := opcode.SpecialFrom(postfix); ok {
				fmt.Fprintf(&out, "%04d\t%02x\tSPECIAL\t%s\n", pc, raw, s)
			} else {
				fmt.Fprintf(&out, "%04d\t%02x\tSPECIAL\t(unknown special function)\n", pc, raw)
			}

		case opcode.POP:
			fmt.Fprintf(&out, "%04d\t%02x\tPOP\t%d\n", pc, raw, postfix)

		case opcode.PEEK:
			fmt.Fprintf(&out, "%04d\t%02x\tPEEK\t%d\n", pc, raw, postfix)
		}

		pc++
	}
	return out.String()
}
