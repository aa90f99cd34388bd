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

// Package tac lowers EVM basic blocks to three-address code over symbolic
// stacks and builds the control flow graph by iterating jump resolution to a
// fixed point.
package tac

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/usyd-blockchain/vandal/disasm"
	"github.com/usyd-blockchain/vandal/lattice"
	"github.com/usyd-blockchain/vandal/opcodes"
)

// BlockID identifies a block within one CFG: B0x<entry pc in hex>, with a
// _<n> suffix distinguishing clones that share an entry pc.
type BlockID string

// MakeBlockID renders the canonical id for a block at the given pc. A clone
// ordinal of zero denotes the original.
func MakeBlockID(pc uint32, clone int) BlockID {
	if clone == 0 {
		return BlockID(fmt.Sprintf("B%#x", pc))
	}
	return BlockID(fmt.Sprintf("B%#x_%d", pc, clone))
}

// ParseBlockID recovers the entry pc and clone ordinal from an id.
func ParseBlockID(id BlockID) (pc uint32, clone int, ok bool) {
	s := string(id)
	if !strings.HasPrefix(s, "B0x") {
		return 0, 0, false
	}
	s = s[3:]
	if i := strings.IndexByte(s, '_'); i >= 0 {
		n, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return 0, 0, false
		}
		clone = n
		s = s[:i]
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(n), clone, true
}

// SortBlockIDs orders ids by entry pc, then clone ordinal. Ids that do not
// parse sort last, lexically.
func SortBlockIDs(ids []BlockID) {
	sort.Slice(ids, func(i, j int) bool {
		pi, ci, oki := ParseBlockID(ids[i])
		pj, cj, okj := ParseBlockID(ids[j])
		switch {
		case oki && !okj:
			return true
		case !oki && okj:
			return false
		case !oki && !okj:
			return ids[i] < ids[j]
		case pi != pj:
			return pi < pj
		}
		return ci < cj
	})
}

// Op is one three-address operation. Def is nil for ops that push nothing.
// CONST ops carry their folded constant in Def's lattice value and have no
// uses.
type Op struct {
	PC   uint32
	Op   opcodes.OpCode
	Def  *Variable
	Uses []Variable
}

func (o Op) String() string {
	var lhs string
	if o.Def != nil {
		lhs = o.Def.Name + " = "
	}
	if o.Op == opcodes.CONST {
		return fmt.Sprintf("%#x: %s%v", o.PC, lhs, o.Def.Value)
	}
	s := fmt.Sprintf("%#x: %s%v", o.PC, lhs, o.Op)
	for _, u := range o.Uses {
		s += " " + u.Name
	}
	return s
}

// Block is one CFG node: the EVM ops of its byte range, their TAC lowering
// under the current entry stack, and its edges. Edges are id sets, never
// pointers, since the graph is cyclic.
type Block struct {
	ID      BlockID
	EntryPC uint32
	EVMOps  []disasm.EVMOp

	Ops        []Op
	EntryStack *Stack
	ExitStack  *Stack
	// Inputs are the variables synthesised when simulation popped past the
	// entry stack; they raise the block's required entry depth.
	Inputs []Variable

	Preds mapset.Set[BlockID]
	Succs mapset.Set[BlockID]
	// Fallthrough is the successor reached without jumping, if any.
	Fallthrough BlockID
	// JumpDest records whether the block opens with a JUMPDEST and so is a
	// legal jump target.
	JumpDest bool
	// Malformed marks a block whose simulation under- or overflowed the
	// stack fatally; it has no successors.
	Malformed bool

	// destSlot is the entry-stack position (from the top) that flowed
	// unchanged into the terminator's jump target, or -1. Cloning is only
	// worthwhile for such blocks.
	destSlot int
	visits   int
	clone    int
	done     bool
}

func newBlock(id BlockID, entryPC uint32, ops []disasm.EVMOp) *Block {
	jd := len(ops) > 0 && ops[0].Op == opcodes.JUMPDEST
	return &Block{
		ID:         id,
		EntryPC:    entryPC,
		EVMOps:     ops,
		EntryStack: NewStack(),
		ExitStack:  NewStack(),
		Preds:      mapset.NewThreadUnsafeSet[BlockID](),
		Succs:      mapset.NewThreadUnsafeSet[BlockID](),
		JumpDest:   jd,
		destSlot:   -1,
	}
}

// NextPC returns the pc one past the block's final instruction, where a
// fallthrough successor would begin.
func (b *Block) NextPC() uint32 {
	if len(b.EVMOps) == 0 {
		return b.EntryPC
	}
	last := b.EVMOps[len(b.EVMOps)-1]
	return last.PC + 1 + uint32(last.Op.PushWidth())
}

// Terminator returns the block's final EVM op.
func (b *Block) Terminator() (disasm.EVMOp, bool) {
	if len(b.EVMOps) == 0 {
		return disasm.EVMOp{}, false
	}
	return b.EVMOps[len(b.EVMOps)-1], true
}

// simOutcome carries everything one simulation of a block produced.
type simOutcome struct {
	ops       []Op
	exit      *Stack
	inputs    []Variable
	destSlot  int
	jumpDest  Variable
	jumpCond  Variable
	hasJump   bool
	hasCond   bool
	malformed bool
}

// simulate interprets the block's EVM ops over a copy of entry, producing the
// TAC lowering and the exit stack. PUSH pushes a fresh variable holding its
// immediate and emits no op, DUP/SWAP/POP are stack-only, LOGk lowers to the generic LOG op, and every other op pops its
// uses and defines at most one result whose lattice value is the lifted
// application of the op. Popping past the entry stack synthesises input
// variables unless dieOnEmptyPop is set, which instead marks the block
// malformed.
func simulate(b *Block, entry *Stack, setMax int, dieOnEmptyPop bool) simOutcome {
	out := simOutcome{destSlot: -1}
	stack := entry.Clone()

	// Remember where each entry slot sits so a terminator target that is an
	// untouched entry slot can be traced back to its depth.
	entryPos := make(map[string]int, stack.Depth())
	for i, v := range stack.Values() {
		entryPos[v.Name] = stack.Depth() - 1 - i
	}

	defCount := 0
	externPops := 0

	pop := func() (Variable, bool) {
		if v, err := stack.Pop(); err == nil {
			return v, true
		}
		if dieOnEmptyPop {
			out.malformed = true
			return Variable{}, false
		}
		v := Variable{Name: fmt.Sprintf("S%d", externPops), Value: lattice.Top()}
		externPops++
		out.inputs = append(out.inputs, v)
		return v, true
	}
	ensure := func(depth int) bool {
		for stack.Depth() < depth {
			if dieOnEmptyPop {
				out.malformed = true
				return false
			}
			v := Variable{Name: fmt.Sprintf("S%d", externPops), Value: lattice.Top()}
			externPops++
			out.inputs = append(out.inputs, v)
			if err := stack.PushBottom(v); err != nil {
				out.malformed = true
				return false
			}
		}
		return true
	}
	push := func(v Variable) bool {
		if err := stack.Push(v); err != nil {
			out.malformed = true
			return false
		}
		return true
	}
	freshDef := func(pc uint32, val lattice.Value) *Variable {
		v := Variable{Name: fmt.Sprintf("V%#x_%d", pc, defCount), Value: val}
		defCount++
		return &v
	}

	for _, evm := range b.EVMOps {
		oper := opcodes.For(evm.Op)
		switch {
		case evm.Op.IsPush():
			// Pushes vanish into the symbolic stack; consumers see the
			// constant through the variable's lattice value.
			def := freshDef(evm.PC, lattice.Single(evm.Value))
			if !push(*def) {
				return out
			}

		case evm.Op.IsDup():
			if !ensure(oper.OpNum) {
				return out
			}
			if err := stack.Dup(oper.OpNum); err != nil {
				out.malformed = true
				return out
			}

		case evm.Op.IsSwap():
			if !ensure(oper.OpNum + 1) {
				return out
			}
			if err := stack.Swap(oper.OpNum); err != nil {
				out.malformed = true
				return out
			}

		case evm.Op == opcodes.POP:
			if _, ok := pop(); !ok {
				return out
			}

		case evm.Op == opcodes.JUMPDEST:
			out.ops = append(out.ops, Op{PC: evm.PC, Op: opcodes.JUMPDEST})

		case evm.Op.IsLog():
			uses := make([]Variable, 0, oper.Pops)
			for i := 0; i < oper.Pops; i++ {
				v, ok := pop()
				if !ok {
					return out
				}
				uses = append(uses, v)
			}
			out.ops = append(out.ops, Op{PC: evm.PC, Op: opcodes.LOG, Uses: uses})

		case evm.Op == opcodes.JUMP:
			dest, ok := pop()
			if !ok {
				return out
			}
			out.jumpDest, out.hasJump = dest, true
			if pos, ok := entryPos[dest.Name]; ok {
				out.destSlot = pos
			}

		case evm.Op == opcodes.JUMPI:
			dest, ok := pop()
			if !ok {
				return out
			}
			cond, ok := pop()
			if !ok {
				return out
			}
			out.jumpDest, out.hasJump = dest, true
			out.jumpCond, out.hasCond = cond, true
			if pos, ok := entryPos[dest.Name]; ok {
				out.destSlot = pos
			}

		default:
			uses := make([]Variable, 0, oper.Pops)
			for i := 0; i < oper.Pops; i++ {
				v, ok := pop()
				if !ok {
					return out
				}
				uses = append(uses, v)
			}
			op := Op{PC: evm.PC, Op: evm.Op, Uses: uses}
			if oper.Pushes == 1 {
				vals := make([]lattice.Value, len(uses))
				for i := range uses {
					vals[i] = uses[i].Value
				}
				op.Def = freshDef(evm.PC, lattice.Apply(evm.Op, vals, setMax))
				if !push(*op.Def) {
					return out
				}
			}
			out.ops = append(out.ops, op)
		}
	}

	out.exit = stack
	return out
}
