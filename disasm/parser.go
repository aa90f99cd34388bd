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

// Package disasm decodes EVM bytecode into an instruction stream and an
// initial straight-line block partition, and renders both back out as text.
package disasm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"

	"github.com/usyd-blockchain/vandal/opcodes"
)

var (
	// ErrMalformedInput marks hex input that could not be decoded.
	ErrMalformedInput = errors.New("malformed input")
	// ErrInvalidOpcode marks an unassigned byte value in strict mode.
	ErrInvalidOpcode = errors.New("invalid opcode")
)

// EVMOp is one decoded instruction. Value is nil except for PUSHn, whose
// immediate is carried big-endian. PC is the byte offset of the opcode
// itself, never of its immediate.
type EVMOp struct {
	PC    uint32
	Op    opcodes.OpCode
	Value *uint256.Int
}

func (op EVMOp) String() string {
	if op.Value != nil {
		return fmt.Sprintf("%#x %v %v", op.PC, op.Op, op.Value.Hex())
	}
	return fmt.Sprintf("%#x %v", op.PC, op.Op)
}

// RawBlock is a straight-line run of instructions from the initial partition:
// cut after any halting or flow-altering op and before any JUMPDEST.
type RawBlock struct {
	Entry uint32
	Ops   []EVMOp
}

func isHexDigit(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// ParseHex decodes a whitespace-tolerant hex string, with optional 0x prefix,
// into an instruction stream. In lenient mode trailing non-hex garbage (such
// as Solidity metadata accidentally pasted past the code) is cut off, an odd
// trailing nibble is dropped, and a truncated PUSH immediate is zero-padded.
// In strict mode each of those is ErrMalformedInput.
func ParseHex(src string, strict bool) ([]EVMOp, error) {
	var sb strings.Builder
	for _, r := range src {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		sb.WriteRune(r)
	}
	s := sb.String()
	s = strings.TrimPrefix(s, "0x")

	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			if strict {
				return nil, fmt.Errorf("%w: non-hex character %q at offset %d", ErrMalformedInput, s[i], i)
			}
			log.Debug("Dropping trailing non-hex garbage", "offset", i, "len", len(s))
			s = s[:i]
			break
		}
	}
	if len(s)%2 != 0 {
		if strict {
			return nil, fmt.Errorf("%w: odd-length hex string", ErrMalformedInput)
		}
		log.Warn("Odd-length hex input, dropping final nibble")
		s = s[:len(s)-1]
	}

	code, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return Decode(code, strict)
}

// Decode walks raw bytecode and produces one EVMOp per instruction. PUSH
// immediates are consumed into the op's Value and their byte positions never
// appear as instructions. Unassigned byte values decode as INVALID unless
// strict, in which case the walk aborts with ErrInvalidOpcode.
func Decode(code []byte, strict bool) ([]EVMOp, error) {
	ops := make([]EVMOp, 0, len(code))
	for pc := 0; pc < len(code); {
		b := code[pc]
		oper := opcodes.ForCode(b)
		if !oper.Valid {
			if strict {
				return nil, fmt.Errorf("%w: byte %#x at pc %#x", ErrInvalidOpcode, b, pc)
			}
			ops = append(ops, EVMOp{PC: uint32(pc), Op: opcodes.INVALID})
			pc++
			continue
		}

		op := EVMOp{PC: uint32(pc), Op: oper.Code}
		width := oper.Code.PushWidth()
		if width > 0 {
			end := pc + 1 + width
			if end > len(code) {
				if strict {
					return nil, fmt.Errorf("%w: truncated %v immediate at pc %#x", ErrMalformedInput, oper.Code, pc)
				}
				log.Debug("Zero-padding truncated push immediate", "pc", pc, "op", oper.Code.String())
				end = len(code)
			}
			imm := make([]byte, width)
			copy(imm, code[pc+1:end])
			// A short copy leaves the tail zeroed, which matches the EVM
			// reading zero bytes past the end of code.
			v := new(uint256.Int).SetBytes(imm)
			op.Value = v
		}
		ops = append(ops, op)
		pc += 1 + width
	}
	return ops, nil
}

// Partition cuts an instruction stream into its initial basic blocks: a block
// ends after a halting or flow-altering op, and a new block begins at every
// JUMPDEST. Jump edges are not resolved here; that is the CFG builder's job.
func Partition(ops []EVMOp) []RawBlock {
	var blocks []RawBlock
	var cur []EVMOp

	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, RawBlock{Entry: cur[0].PC, Ops: cur})
			cur = nil
		}
	}

	for _, op := range ops {
		if op.Op == opcodes.JUMPDEST {
			flush()
		}
		cur = append(cur, op)
		oper := opcodes.For(op.Op)
		if oper.AltersFlow {
			flush()
		}
	}
	flush()
	return blocks
}
