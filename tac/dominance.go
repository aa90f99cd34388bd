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
	mapset "github.com/deckarep/golang-set/v2"
)

// virtualSink stands in as the single exit when post-dominators are computed
// over a graph with several halting blocks. It never appears in results.
const virtualSink BlockID = "B_sink"

// Dominance holds the four dominance relations of one CFG, restricted to the
// blocks reachable from its entry.
type Dominance struct {
	Dom   map[BlockID][]BlockID
	IDom  map[BlockID]BlockID
	PDom  map[BlockID][]BlockID
	IPDom map[BlockID]BlockID
}

// ComputeDominance runs the standard iterative dataflow in both directions.
// Forward: dom(entry) = {entry}, dom(n) = {n} ∪ ⋂ dom(p). Backward: the
// halting blocks all feed a virtual sink which roots the post-dominator tree;
// relations involving the sink are dropped from the result.
func ComputeDominance(c *CFG) *Dominance {
	d := &Dominance{
		Dom:   make(map[BlockID][]BlockID),
		IDom:  make(map[BlockID]BlockID),
		PDom:  make(map[BlockID][]BlockID),
		IPDom: make(map[BlockID]BlockID),
	}
	if len(c.Blocks) == 0 || c.Entry == "" {
		return d
	}

	nodes := reachable(c)
	preds := func(id BlockID) []BlockID { return sortedIDs(c.Blocks[id].Preds) }
	succs := func(id BlockID) []BlockID { return sortedIDs(c.Blocks[id].Succs) }

	dom := solveDominators(nodes, c.Entry, preds)
	for n, s := range dom {
		d.Dom[n] = sortedIDs(s)
	}
	d.IDom = immediate(dom, c.Entry)

	// Reverse direction: every exit flows to the sink.
	rnodes := append([]BlockID{}, nodes...)
	rnodes = append(rnodes, virtualSink)
	exits := make(map[BlockID]bool)
	for _, id := range nodes {
		if c.Blocks[id].Succs.Cardinality() == 0 {
			exits[id] = true
		}
	}
	rpreds := func(id BlockID) []BlockID {
		if id == virtualSink {
			var out []BlockID
			for _, n := range nodes {
				if exits[n] {
					out = append(out, n)
				}
			}
			return out
		}
		return succs(id)
	}
	pdom := solveDominators(rnodes, virtualSink, rpreds)
	for n, s := range pdom {
		if n == virtualSink {
			continue
		}
		s.Remove(virtualSink)
		d.PDom[n] = sortedIDs(s)
	}
	ipdom := immediate(pdom, virtualSink)
	for n, p := range ipdom {
		if n == virtualSink || p == virtualSink {
			continue
		}
		d.IPDom[n] = p
	}
	return d
}

// reachable returns the blocks reachable from the entry, in SortedIDs order.
func reachable(c *CFG) []BlockID {
	seen := mapset.NewThreadUnsafeSet[BlockID]()
	queue := []BlockID{c.Entry}
	seen.Add(c.Entry)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, s := range sortedIDs(c.Blocks[id].Succs) {
			if _, ok := c.Blocks[s]; ok && !seen.Contains(s) {
				seen.Add(s)
				queue = append(queue, s)
			}
		}
	}
	var out []BlockID
	for _, id := range c.SortedIDs() {
		if seen.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

func solveDominators(nodes []BlockID, root BlockID, preds func(BlockID) []BlockID) map[BlockID]mapset.Set[BlockID] {
	inNodes := make(map[BlockID]bool, len(nodes))
	for _, n := range nodes {
		inNodes[n] = true
	}
	dom := make(map[BlockID]mapset.Set[BlockID], len(nodes))
	all := mapset.NewThreadUnsafeSet[BlockID](nodes...)
	for _, n := range nodes {
		if n == root {
			dom[n] = mapset.NewThreadUnsafeSet(root)
		} else {
			dom[n] = all.Clone()
		}
	}

	for changed := true; changed; {
		changed = false
		for _, n := range nodes {
			if n == root {
				continue
			}
			var acc mapset.Set[BlockID]
			for _, p := range preds(n) {
				if !inNodes[p] {
					continue
				}
				if acc == nil {
					acc = dom[p].Clone()
				} else {
					acc = acc.Intersect(dom[p])
				}
			}
			if acc == nil {
				acc = mapset.NewThreadUnsafeSet[BlockID]()
			}
			acc.Add(n)
			if !acc.Equal(dom[n]) {
				dom[n] = acc
				changed = true
			}
		}
	}
	return dom
}

// immediate extracts the nearest proper dominator of each node: the proper
// dominator that is itself dominated by every other proper dominator.
func immediate(dom map[BlockID]mapset.Set[BlockID], root BlockID) map[BlockID]BlockID {
	idom := make(map[BlockID]BlockID)
	for n, s := range dom {
		if n == root {
			continue
		}
		best := BlockID("")
		bestCard := -1
		for _, cand := range s.ToSlice() {
			if cand == n {
				continue
			}
			if card := dom[cand].Cardinality(); card > bestCard {
				best, bestCard = cand, card
			}
		}
		if best != "" {
			idom[n] = best
		}
	}
	return idom
}

func sortedIDs(s mapset.Set[BlockID]) []BlockID {
	out := s.ToSlice()
	SortBlockIDs(out)
	return out
}
