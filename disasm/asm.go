// Copyright 2024 The Vandal Authors
// This file is part of Vandal.
//
// Vandal is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Vandal is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Vandal. If not, see <http://www.gnu.org/licenses/>.

package disasm

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"
	"github.com/logrusorgru/aurora"

	"github.com/usyd-blockchain/vandal/opcodes"
)

// RenderOptions controls the textual disassembly output.
type RenderOptions struct {
	// Prettify colourises the listing and separates basic blocks with
	// blank lines.
	Prettify bool
}

// Render writes each instruction as "pc\tmnemonic\timmediate?". With Prettify
// set, the stream is partitioned first and a blank line is emitted between
// consecutive blocks.
func Render(w io.Writer, ops []EVMOp, opts RenderOptions) error {
	if !opts.Prettify {
		for _, op := range ops {
			if err := renderOp(w, op, false); err != nil {
				return err
			}
		}
		return nil
	}
	for i, blk := range Partition(ops) {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		for _, op := range blk.Ops {
			if err := renderOp(w, op, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func renderOp(w io.Writer, op EVMOp, colour bool) error {
	pc := fmt.Sprintf("%#x", op.PC)
	name := op.Op.String()
	var err error
	switch {
	case op.Value != nil && colour:
		_, err = fmt.Fprintf(w, "%v\t%v\t%v\n", aurora.Yellow(pc), aurora.Cyan(name), aurora.Green(op.Value.Hex()))
	case op.Value != nil:
		_, err = fmt.Fprintf(w, "%s\t%s\t%s\n", pc, name, op.Value.Hex())
	case colour:
		_, err = fmt.Fprintf(w, "%v\t%v\n", aurora.Yellow(pc), aurora.Cyan(name))
	default:
		_, err = fmt.Fprintf(w, "%s\t%s\n", pc, name)
	}
	return err
}

// ParseListing reads a pre-disassembled listing: one "pc opcode [immediate]"
// per line, blank lines and fields separated by arbitrary whitespace,
// mnemonics case-insensitive, pcs and immediates in hex with a 0x prefix or
// in decimal without one. An unknown mnemonic is ErrInvalidOpcode in strict mode and decodes
// as INVALID otherwise.
func ParseListing(r io.Reader, strict bool) ([]EVMOp, error) {
	var ops []EVMOp
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) > 3 {
			return nil, fmt.Errorf("%w: too many fields on line %d", ErrMalformedInput, lineNo)
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: missing mnemonic on line %d", ErrMalformedInput, lineNo)
		}
		pc, err := parseNum(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: bad pc on line %d: %v", ErrMalformedInput, lineNo, err)
		}

		name := strings.ToUpper(fields[1])
		op, ok := opcodes.FromString(name)
		if !ok {
			if strict {
				return nil, fmt.Errorf("%w: unknown mnemonic %q on line %d", ErrInvalidOpcode, name, lineNo)
			}
			log.Debug("Unknown mnemonic, decoding as INVALID", "mnemonic", fields[1], "line", lineNo)
			op = opcodes.INVALID
		}

		evmOp := EVMOp{PC: uint32(pc), Op: op}
		if op.IsPush() {
			if len(fields) < 3 {
				return nil, fmt.Errorf("%w: %v missing immediate on line %d", ErrMalformedInput, op, lineNo)
			}
			v, err := parseWord(fields[2])
			if err != nil {
				return nil, fmt.Errorf("%w: bad immediate on line %d: %v", ErrMalformedInput, lineNo, err)
			}
			evmOp.Value = v
		} else if len(fields) == 3 {
			return nil, fmt.Errorf("%w: unexpected operand for %v on line %d", ErrMalformedInput, op, lineNo)
		}
		ops = append(ops, evmOp)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return ops, nil
}

func parseNum(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 32)
	}
	return strconv.ParseUint(s, 10, 32)
}

func parseWord(s string) (*uint256.Int, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return uint256.NewInt(n), nil
	}
	h := s[2:]
	if len(h) == 0 || len(h) > 64 {
		return nil, fmt.Errorf("hex literal %q out of range", s)
	}
	if len(h)%2 != 0 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(b), nil
}

// Assemble re-encodes an instruction stream to bytecode: the opcode byte
// followed by the big-endian immediate for pushes, left-padded to the
// declared width. Instruction pcs are ignored; the stream is laid out
// contiguously.
func Assemble(ops []EVMOp) []byte {
	var out []byte
	for _, op := range ops {
		out = append(out, byte(op.Op))
		if width := op.Op.PushWidth(); width > 0 {
			imm := make([]byte, 32)
			if op.Value != nil {
				op.Value.WriteToSlice(imm)
			}
			out = append(out, imm[32-width:]...)
		}
	}
	return out
}
