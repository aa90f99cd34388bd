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
	"github.com/ledgerwatch/log/v3"

	"github.com/usyd-blockchain/vandal/disasm"
	"github.com/usyd-blockchain/vandal/lattice"
	"github.com/usyd-blockchain/vandal/opcodes"
)

// RemoveUnreachable drops every block the entry cannot reach, fixing up edge
// sets on the survivors.
func RemoveUnreachable(c *CFG) int {
	if len(c.Blocks) == 0 {
		return 0
	}
	keep := make(map[BlockID]bool)
	for _, id := range reachable(c) {
		keep[id] = true
	}
	removed := 0
	for id, blk := range c.Blocks {
		if keep[id] {
			continue
		}
		for _, s := range blk.Succs.ToSlice() {
			if t, ok := c.Blocks[s]; ok {
				t.Preds.Remove(id)
			}
		}
		delete(c.Blocks, id)
		removed++
	}
	for _, blk := range c.Blocks {
		for _, p := range blk.Preds.ToSlice() {
			if !keep[p] {
				blk.Preds.Remove(p)
			}
		}
	}
	if removed > 0 {
		log.Debug("Removed unreachable blocks", "count", removed)
		c.Metrics.Blocks = len(c.Blocks)
	}
	return removed
}

// MergeUnreachable fuses chains of unreachable blocks back together:
// wherever a dead block's sole successor is another dead block with no other
// predecessor, the pair becomes one block under the upstream id. The partition
// cuts dead code at every JUMPDEST like live code; with nothing jumping in,
// the cuts only fragment the listing.
func MergeUnreachable(c *CFG) int {
	if len(c.Blocks) == 0 {
		return 0
	}
	keep := make(map[BlockID]bool)
	for _, id := range reachable(c) {
		keep[id] = true
	}
	merged := 0
	for {
		fused := false
		for _, id := range c.SortedIDs() {
			blk, ok := c.Blocks[id]
			if !ok || keep[id] || blk.Succs.Cardinality() != 1 {
				continue
			}
			sid := blk.Succs.ToSlice()[0]
			succ, ok := c.Blocks[sid]
			if !ok || sid == id || keep[sid] || succ.Preds.Cardinality() != 1 {
				continue
			}

			// EVMOps may share a backing array with a split or clone sibling.
			blk.EVMOps = append(append([]disasm.EVMOp(nil), blk.EVMOps...), succ.EVMOps...)
			blk.Ops = append(append([]Op(nil), blk.Ops...), succ.Ops...)
			blk.ExitStack = succ.ExitStack
			blk.Malformed = blk.Malformed || succ.Malformed
			blk.Succs.Remove(sid)
			for _, s := range succ.Succs.ToSlice() {
				if s == sid {
					continue
				}
				blk.Succs.Add(s)
				if t, ok := c.Blocks[s]; ok {
					t.Preds.Remove(sid)
					t.Preds.Add(id)
				}
			}
			blk.Fallthrough = succ.Fallthrough
			delete(c.Blocks, sid)
			merged++
			fused = true
		}
		if !fused {
			break
		}
	}
	if merged > 0 {
		log.Debug("Merged unreachable blocks", "count", merged)
		c.Metrics.Blocks = len(c.Blocks)
	}
	return merged
}

// FoldConstants rewrites every arithmetic or comparison op whose result
// collapsed to a single constant during propagation into a CONST assignment,
// discarding its uses.
func FoldConstants(c *CFG) int {
	folded := 0
	for _, id := range c.SortedIDs() {
		blk := c.Blocks[id]
		for i := range blk.Ops {
			op := &blk.Ops[i]
			if op.Def == nil || op.Op == opcodes.CONST || !lattice.Liftable(op.Op) {
				continue
			}
			if _, ok := op.Def.Value.Const(); !ok {
				continue
			}
			op.Op = opcodes.CONST
			op.Uses = nil
			folded++
		}
	}
	if folded > 0 {
		log.Debug("Folded constant ops", "count", folded)
	}
	return folded
}
