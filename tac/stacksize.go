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

package tac

import (
	"github.com/usyd-blockchain/vandal/opcodes"
)

// StackSize is an element of the flat integer lattice used by the stack size
// analysis: unknown (top), a single known size, or conflicting (bottom).
type StackSize struct {
	kind  SizeKind
	value int
}

// SizeKind discriminates the three strata: here top means "not yet
// constrained" and bottom means "multiple conflicting sizes".
type SizeKind uint8

const (
	SizeTop SizeKind = iota
	SizeConst
	SizeBottom
)

func sizeTop() StackSize          { return StackSize{kind: SizeTop} }
func sizeBottom() StackSize       { return StackSize{kind: SizeBottom} }
func sizeConst(n int) StackSize   { return StackSize{kind: SizeConst, value: n} }
func (s StackSize) IsConst() bool { return s.kind == SizeConst }

// Const returns the known size of a constant element.
func (s StackSize) Const() (int, bool) {
	return s.value, s.kind == SizeConst
}

func (s StackSize) meet(o StackSize) StackSize {
	switch {
	case s.kind == SizeTop:
		return o
	case o.kind == SizeTop:
		return s
	case s.kind == SizeBottom || o.kind == SizeBottom:
		return sizeBottom()
	case s.value == o.value:
		return s
	}
	return sizeBottom()
}

func (s StackSize) add(delta int) StackSize {
	if s.kind != SizeConst {
		return s
	}
	n := s.value + delta
	if n < 0 {
		n = 0
	}
	return sizeConst(n)
}

func (s StackSize) eq(o StackSize) bool {
	return s.kind == o.kind && (s.kind != SizeConst || s.value == o.value)
}

// SizeInfo holds per-block entry and exit stack sizes where determinable.
type SizeInfo struct {
	Entry map[BlockID]StackSize
	Exit  map[BlockID]StackSize
}

// StackSizeAnalysis infers the concrete operand-stack depth at each block
// boundary. The CFG entry starts at depth zero, as does any block with no
// predecessors; every other block's entry is the meet of its predecessors'
// exits, and its exit is entry plus the net stack delta of its body.
func StackSizeAnalysis(c *CFG) *SizeInfo {
	info := &SizeInfo{
		Entry: make(map[BlockID]StackSize, len(c.Blocks)),
		Exit:  make(map[BlockID]StackSize, len(c.Blocks)),
	}
	ids := c.SortedIDs()
	deltas := make(map[BlockID]int, len(ids))
	for _, id := range ids {
		blk := c.Blocks[id]
		info.Entry[id] = sizeTop()
		info.Exit[id] = sizeTop()
		d := 0
		for _, op := range blk.EVMOps {
			oper := opcodes.For(op.Op)
			d += oper.Pushes - oper.Pops
		}
		deltas[id] = d
	}
	for _, id := range ids {
		if id == c.Entry || c.Blocks[id].Preds.Cardinality() == 0 {
			info.Entry[id] = sizeConst(0)
			info.Exit[id] = sizeConst(0).add(deltas[id])
		}
	}

	for changed := true; changed; {
		changed = false
		for _, id := range ids {
			blk := c.Blocks[id]
			entry := info.Entry[id]
			for _, p := range sortedIDs(blk.Preds) {
				if ex, ok := info.Exit[p]; ok {
					entry = entry.meet(ex)
				}
			}
			exit := entry.add(deltas[id])
			if !entry.eq(info.Entry[id]) || !exit.eq(info.Exit[id]) {
				info.Entry[id] = entry
				info.Exit[id] = exit
				changed = true
			}
		}
	}
	return info
}
