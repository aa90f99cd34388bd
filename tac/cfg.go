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
	"context"
	"sort"

	"github.com/ledgerwatch/log/v3"

	"github.com/usyd-blockchain/vandal/config"
	"github.com/usyd-blockchain/vandal/disasm"
	"github.com/usyd-blockchain/vandal/lattice"
	"github.com/usyd-blockchain/vandal/opcodes"
)

// UnresolvedJump records a jump whose target set could not be turned into
// edges: the value was top, or no element named a JUMPDEST.
type UnresolvedJump struct {
	Block  BlockID
	PC     uint32
	Reason string
}

// Metrics summarises one build for reporting.
type Metrics struct {
	Iterations int
	Blocks     int
	Edges      int
	Clones     int
	Splits     int
	Widenings  int
	Unresolved int
}

// CFG is the finished control flow graph. Blocks are held in an arena keyed
// by id; edges are id sets on the blocks.
type CFG struct {
	Blocks map[BlockID]*Block
	Entry  BlockID
	// Aborted marks a partial graph: cancellation or a resource bound fired
	// mid-build.
	Aborted     bool
	AbortReason string
	Unresolved  []UnresolvedJump
	Metrics     Metrics
}

// SortedIDs returns all block ids ordered by entry pc then clone ordinal.
func (c *CFG) SortedIDs() []BlockID {
	ids := make([]BlockID, 0, len(c.Blocks))
	for id := range c.Blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := c.Blocks[ids[i]], c.Blocks[ids[j]]
		if a.EntryPC != b.EntryPC {
			return a.EntryPC < b.EntryPC
		}
		return a.clone < b.clone
	})
	return ids
}

// Exits returns the ids of blocks with no successors, sorted.
func (c *CFG) Exits() []BlockID {
	var out []BlockID
	for _, id := range c.SortedIDs() {
		if c.Blocks[id].Succs.Cardinality() == 0 {
			out = append(out, id)
		}
	}
	return out
}

type workItem struct {
	id    BlockID
	stack *Stack
	// from is the block whose exit stack this is, or empty for the initial
	// seeding pass and re-simulation after a split.
	from BlockID
}

type builder struct {
	conf      config.Config
	cfg       *CFG
	byPC      map[uint32][]BlockID
	clones    map[uint32]int
	jumpdests map[uint32]bool
	worklist  []workItem
}

// Build partitions the instruction stream, then iterates jump resolution to a
// fixed point: meet incoming stacks into block entries, re-simulate, resolve
// targets off the exit stack, split blocks at newly discovered target pcs and
// clone blocks whose jump-target slot would otherwise widen away. The
// returned graph is partial, with Aborted set, if ctx is cancelled or a
// resource bound trips.
func Build(ctx context.Context, ops []disasm.EVMOp, conf config.Config) *CFG {
	b := &builder{
		conf:      conf,
		cfg:       &CFG{Blocks: make(map[BlockID]*Block)},
		byPC:      make(map[uint32][]BlockID),
		clones:    make(map[uint32]int),
		jumpdests: make(map[uint32]bool),
	}
	for _, op := range ops {
		if op.Op == opcodes.JUMPDEST {
			b.jumpdests[op.PC] = true
		}
	}

	raw := disasm.Partition(ops)
	if len(raw) == 0 {
		return b.cfg
	}
	for _, r := range raw {
		blk := newBlock(MakeBlockID(r.Entry, 0), r.Entry, r.Ops)
		b.cfg.Blocks[blk.ID] = blk
		b.byPC[r.Entry] = []BlockID{blk.ID}
	}
	b.cfg.Entry = MakeBlockID(raw[0].Entry, 0)
	// Every block gets an initial lowering under the empty stack; reachable
	// ones are refined as incoming stacks arrive.
	for _, r := range raw {
		b.enqueue(MakeBlockID(r.Entry, 0), NewStack(), "")
	}

	for len(b.worklist) > 0 {
		if err := ctx.Err(); err != nil {
			b.abort("cancelled")
			break
		}
		if len(b.cfg.Blocks) > b.conf.MaxBlocks {
			b.abort("max_blocks exceeded")
			break
		}
		item := b.worklist[0]
		b.worklist = b.worklist[1:]
		b.cfg.Metrics.Iterations++
		b.step(item)
	}

	b.rewriteThrows()
	switch {
	case conf.RemoveUnreachable:
		RemoveUnreachable(b.cfg)
	case conf.MergeUnreachable:
		MergeUnreachable(b.cfg)
	}
	b.fillMetrics()
	return b.cfg
}

func (b *builder) enqueue(id BlockID, s *Stack, from BlockID) {
	b.worklist = append(b.worklist, workItem{id: id, stack: s, from: from})
}

func (b *builder) abort(reason string) {
	b.cfg.Aborted = true
	b.cfg.AbortReason = reason
	log.Warn("CFG construction aborted", "reason", reason, "blocks", len(b.cfg.Blocks))
}

func (b *builder) step(item workItem) {
	blk, ok := b.cfg.Blocks[item.id]
	if !ok {
		return
	}

	// A stack that would conflate contexts at a settled block is diverted to
	// a clone before any meet happens; the sender's edge follows it.
	if item.from != "" && blk.done && !b.compatible(blk, item.stack) {
		if nid := b.chooseContext(item.id, item.stack); nid != item.id {
			b.retarget(item.from, item.id, nid)
			b.enqueue(nid, item.stack, item.from)
			return
		}
	}

	merged := MeetStacks(blk.EntryStack, item.stack, b.conf.SetMax)
	blk.visits++
	if blk.visits > b.conf.WidenThreshold && merged.Depth() == blk.EntryStack.Depth() {
		before := merged.Clone()
		merged.WidenDiffering(blk.EntryStack)
		if !merged.Eq(before) {
			b.cfg.Metrics.Widenings++
			log.Debug("Widening entry stack", "block", blk.ID, "visits", blk.visits)
		}
	}
	if blk.done && merged.Eq(blk.EntryStack) {
		return
	}
	blk.EntryStack = merged

	sim := simulate(blk, merged, b.conf.SetMax, b.conf.DieOnEmptyPop)
	blk.Ops = sim.ops
	blk.Inputs = sim.inputs
	blk.destSlot = sim.destSlot
	blk.Malformed = sim.malformed
	blk.done = true

	if sim.malformed {
		log.Warn("Block simulation failed, dropping successors", "block", blk.ID)
		b.setSuccessors(blk, nil, "")
		return
	}
	blk.ExitStack = sim.exit

	// Earlier visits may have recorded unresolved jumps that a richer entry
	// stack can now resolve; rebuild the block's entries from scratch.
	b.clearUnresolved(blk.ID)

	var succs []BlockID
	var fall BlockID

	term, _ := blk.Terminator()
	oper := opcodes.For(term.Op)
	switch {
	case oper.Halts:
		// No successors.

	case term.Op == opcodes.JUMP:
		succs = append(succs, b.resolveJump(blk, term.PC, sim.jumpDest.Value, sim.exit)...)

	case term.Op == opcodes.JUMPI:
		cond := sim.jumpCond.Value
		jumpTaken := cond.ContainsNonZero() || cond.IsBottom()
		var jumps []BlockID
		if jumpTaken {
			jumps = b.resolveJump(blk, term.PC, sim.jumpDest.Value, sim.exit)
			succs = append(succs, jumps...)
		}
		// The fallthrough edge also survives as a recovery path when the
		// jump side lost every destination.
		if cond.ContainsZero() || cond.IsBottom() || (jumpTaken && len(jumps) == 0) {
			if id, ok := b.fallthroughTarget(blk, sim.exit); ok {
				succs = append(succs, id)
				fall = id
			}
		}

	default:
		if id, ok := b.fallthroughTarget(blk, sim.exit); ok {
			succs = append(succs, id)
			fall = id
		}
	}

	b.setSuccessors(blk, succs, fall)
	for _, id := range succs {
		b.enqueue(id, sim.exit, blk.ID)
	}
}

// retarget moves from's edge off old onto repl after a diversion.
func (b *builder) retarget(from, old, repl BlockID) {
	f, ok := b.cfg.Blocks[from]
	if !ok || !f.Succs.Contains(old) {
		return
	}
	f.Succs.Remove(old)
	f.Succs.Add(repl)
	if t, ok := b.cfg.Blocks[old]; ok {
		t.Preds.Remove(from)
	}
	if t, ok := b.cfg.Blocks[repl]; ok {
		t.Preds.Add(from)
	}
	if f.Fallthrough == old {
		f.Fallthrough = repl
	}
}

// setSuccessors replaces blk's successor set, maintaining the reverse edges.
func (b *builder) setSuccessors(blk *Block, succs []BlockID, fall BlockID) {
	want := make(map[BlockID]bool, len(succs))
	for _, id := range succs {
		want[id] = true
	}
	for _, old := range blk.Succs.ToSlice() {
		if !want[old] {
			blk.Succs.Remove(old)
			if t, ok := b.cfg.Blocks[old]; ok {
				t.Preds.Remove(blk.ID)
			}
		}
	}
	for id := range want {
		if !blk.Succs.Contains(id) {
			blk.Succs.Add(id)
			if t, ok := b.cfg.Blocks[id]; ok {
				t.Preds.Add(blk.ID)
			}
		}
	}
	blk.Fallthrough = fall
}

// resolveJump turns a jump-target lattice value into successor block ids.
// Elements that are not JUMPDEST pcs are dropped and logged; a top value, or
// a finite set with no surviving element, is recorded as unresolved.
func (b *builder) resolveJump(blk *Block, pc uint32, dest lattice.Value, exit *Stack) []BlockID {
	switch {
	case dest.IsTop():
		b.unresolved(blk, pc, "target unknown")
		return nil
	case dest.IsBottom():
		return nil
	}

	var out []BlockID
	dropped := 0
	for _, c := range dest.Values() {
		if !c.IsUint64() || c.Uint64() > uint64(^uint32(0)) {
			log.Debug("Dropping out-of-range jump target", "block", blk.ID, "pc", pc, "target", c.Hex())
			dropped++
			continue
		}
		target := uint32(c.Uint64())
		if !b.jumpdests[target] {
			log.Debug("Dropping jump target that is not a JUMPDEST", "block", blk.ID, "pc", pc, "target", target)
			dropped++
			continue
		}
		id, ok := b.blockAt(target)
		if !ok {
			dropped++
			continue
		}
		out = append(out, b.chooseContext(id, exit))
	}
	if len(out) == 0 && dropped > 0 {
		b.unresolved(blk, pc, "no JUMPDEST target")
	}
	return out
}

func (b *builder) unresolved(blk *Block, pc uint32, reason string) {
	for _, u := range b.cfg.Unresolved {
		if u.Block == blk.ID && u.PC == pc {
			return
		}
	}
	log.Info("Unresolved jump", "block", blk.ID, "pc", pc, "reason", reason)
	b.cfg.Unresolved = append(b.cfg.Unresolved, UnresolvedJump{Block: blk.ID, PC: pc, Reason: reason})
}

func (b *builder) clearUnresolved(id BlockID) {
	kept := b.cfg.Unresolved[:0]
	for _, u := range b.cfg.Unresolved {
		if u.Block != id {
			kept = append(kept, u)
		}
	}
	b.cfg.Unresolved = kept
}

// blockAt returns the original (clone 0) block whose entry is pc, splitting a
// covering block if the pc falls strictly inside one.
func (b *builder) blockAt(pc uint32) (BlockID, bool) {
	if ids, ok := b.byPC[pc]; ok {
		return ids[0], true
	}
	return b.split(pc)
}

// split cuts the clone-0 block covering pc in two. The upper half takes the
// ops from pc onward along with the original's successors; the lower half
// keeps its id and entry stack and falls through to the new block. The lower
// half is requeued so its lowering and edges are rebuilt.
func (b *builder) split(pc uint32) (BlockID, bool) {
	for _, id := range b.cfg.SortedIDs() {
		blk := b.cfg.Blocks[id]
		if blk.clone != 0 || pc <= blk.EntryPC || pc >= blk.NextPC() {
			continue
		}
		idx := -1
		for i, op := range blk.EVMOps {
			if op.PC == pc {
				idx = i
				break
			}
		}
		if idx <= 0 {
			// pc lands inside a push immediate; nothing to split at.
			return "", false
		}

		upper := newBlock(MakeBlockID(pc, 0), pc, blk.EVMOps[idx:])
		b.cfg.Blocks[upper.ID] = upper
		b.byPC[pc] = []BlockID{upper.ID}
		b.cfg.Metrics.Splits++
		log.Debug("Splitting block", "block", blk.ID, "at", pc)

		for _, s := range blk.Succs.ToSlice() {
			blk.Succs.Remove(s)
			if t, ok := b.cfg.Blocks[s]; ok {
				t.Preds.Remove(blk.ID)
			}
			upper.Succs.Add(s)
			if t, ok := b.cfg.Blocks[s]; ok {
				t.Preds.Add(upper.ID)
			}
		}
		upper.Fallthrough = blk.Fallthrough
		blk.EVMOps = blk.EVMOps[:idx]
		blk.Fallthrough = ""
		blk.done = false
		b.enqueue(blk.ID, blk.EntryStack, "")
		return upper.ID, true
	}
	return "", false
}

func (b *builder) fallthroughTarget(blk *Block, exit *Stack) (BlockID, bool) {
	id, ok := b.blockAt(blk.NextPC())
	if !ok {
		return "", false
	}
	return b.chooseContext(id, exit), true
}

// chooseContext picks which block at the target's pc should receive an edge
// carrying the given stack. The original is used unless its jump-target slot
// holds a finite set disjoint from the incoming one, in which case an
// existing compatible clone is reused or a fresh clone is made. Once the per-pc clone budget is spent the meet is forced and the
// widening stands.
func (b *builder) chooseContext(id BlockID, incoming *Stack) BlockID {
	orig := b.cfg.Blocks[id]
	pc := orig.EntryPC
	for _, cand := range b.byPC[pc] {
		if b.compatible(b.cfg.Blocks[cand], incoming) {
			return cand
		}
	}
	if b.clones[pc] >= b.conf.MaxClonesPerPC {
		log.Debug("Clone budget exhausted, forcing meet", "pc", pc)
		return id
	}
	b.clones[pc]++
	clone := newBlock(MakeBlockID(pc, b.clones[pc]), pc, orig.EVMOps)
	clone.clone = b.clones[pc]
	b.cfg.Blocks[clone.ID] = clone
	b.byPC[pc] = append(b.byPC[pc], clone.ID)
	b.cfg.Metrics.Clones++
	log.Debug("Cloning block for new context", "block", id, "clone", clone.ID)
	return clone.ID
}

// compatible reports whether incoming may be met into cand's entry stack
// without conflating contexts: the meet is refused only when the candidate's
// jump-target slot holds a finite set disjoint from the incoming one, since
// merging those fuses unrelated return addresses and eventually widens the
// slot away.
func (b *builder) compatible(cand *Block, incoming *Stack) bool {
	if !cand.done || cand.destSlot < 0 {
		return true
	}
	slot := cand.destSlot
	cs, is := cand.EntryStack.Values(), incoming.Values()
	if slot >= len(cs) || slot >= len(is) {
		return true
	}
	a := cs[len(cs)-1-slot].Value
	c := is[len(is)-1-slot].Value
	if !a.IsFinite() || !c.IsFinite() {
		return true
	}
	return !lattice.Join(a, c).IsBottom()
}

// rewriteThrows converts jumps that lost every destination into the
// synthetic halting forms: JUMP becomes THROW with no successors, JUMPI
// becomes THROWI keeping only its fallthrough edge.
func (b *builder) rewriteThrows() {
	unresolvable := make(map[BlockID]map[uint32]bool)
	for _, u := range b.cfg.Unresolved {
		if u.Reason != "no JUMPDEST target" {
			continue
		}
		if unresolvable[u.Block] == nil {
			unresolvable[u.Block] = make(map[uint32]bool)
		}
		unresolvable[u.Block][u.PC] = true
	}
	for id, pcs := range unresolvable {
		blk, ok := b.cfg.Blocks[id]
		if !ok {
			continue
		}
		term, ok := blk.Terminator()
		if !ok || !pcs[term.PC] {
			continue
		}
		switch term.Op {
		case opcodes.JUMP:
			if blk.Succs.Cardinality() == 0 {
				blk.Ops = append(blk.Ops, Op{PC: term.PC, Op: opcodes.THROW})
			}
		case opcodes.JUMPI:
			jumpSuccs := 0
			for _, s := range blk.Succs.ToSlice() {
				if s != blk.Fallthrough {
					jumpSuccs++
				}
			}
			if jumpSuccs == 0 {
				blk.Ops = append(blk.Ops, Op{PC: term.PC, Op: opcodes.THROWI})
			}
		}
	}
}

func (b *builder) fillMetrics() {
	m := &b.cfg.Metrics
	m.Blocks = len(b.cfg.Blocks)
	m.Edges = 0
	for _, blk := range b.cfg.Blocks {
		m.Edges += blk.Succs.Cardinality()
	}
	m.Unresolved = len(b.cfg.Unresolved)
}
