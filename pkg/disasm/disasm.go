// Package disasm renders the first instructions of a hook target so a
// resolved address can be checked by eye before it is patched.
package disasm

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Line is one decoded instruction.
type Line struct {
	Addr  uint64
	Bytes []byte
	Text  string
	Op    x86asm.Op
}

// NativeMode is the x86asm decoding mode of the running process.
func NativeMode() int {
	if runtime.GOARCH == "386" {
		return 32
	}
	return 64
}

// Prologue decodes up to limit instructions of code, which was read from addr.
// Decoding stops early at the first return or unconditional jump, and at
// bytes that do not form a complete instruction. It fails only when not even
// one instruction decodes.
func Prologue(code []byte, addr uint64, mode, limit int) ([]Line, error) {
	var lines []Line
	for len(code) > 0 && len(lines) < limit {
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			if len(lines) == 0 {
				return nil, errors.Wrapf(err, "decode at %#x", addr)
			}
			break
		}
		lines = append(lines, Line{
			Addr:  addr,
			Bytes: code[:inst.Len],
			Text:  x86asm.IntelSyntax(inst, addr, nil),
			Op:    inst.Op,
		})
		if inst.Op == x86asm.RET || inst.Op == x86asm.JMP {
			break
		}
		code = code[inst.Len:]
		addr += uint64(inst.Len)
	}
	return lines, nil
}

// PatchSpan returns how many bytes of whole instructions must be displaced
// to fit a jump of jumpSize bytes at the start of lines. It fails when the
// span would include a branch, whose relative target would break once moved.
func PatchSpan(lines []Line, jumpSize int) (int, error) {
	n := 0
	for _, l := range lines {
		if n >= jumpSize {
			break
		}
		if isBranch(l.Op) {
			return 0, errors.Errorf("branch %q at %#x inside the first %d bytes", l.Text, l.Addr, jumpSize)
		}
		n += len(l.Bytes)
	}
	if n < jumpSize {
		return 0, errors.Errorf("only %d bytes decoded, need %d", n, jumpSize)
	}
	return n, nil
}

func isBranch(op x86asm.Op) bool {
	switch op {
	case x86asm.CALL, x86asm.JMP, x86asm.RET,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// Format renders lines as "address  bytes  instruction" rows.
func Format(lines []Line) string {
	var sb strings.Builder
	for _, l := range lines {
		hex := make([]string, len(l.Bytes))
		for i, b := range l.Bytes {
			hex[i] = fmt.Sprintf("%02X", b)
		}
		fmt.Fprintf(&sb, "0x%X  %-24s %s\n", l.Addr, strings.Join(hex, " "), l.Text)
	}
	return sb.String()
}
