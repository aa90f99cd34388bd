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

package exporter

import (
	"fmt"
	"os"
	"strings"

	"github.com/emicklei/dot"

	"github.com/usyd-blockchain/vandal/tac"
)

// WriteGraph renders the CFG as a dot digraph: one box node per block
// listing its TAC ops, solid edges for jumps and dashed for fallthrough.
func WriteGraph(c *tac.CFG, path string) error {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "TB")

	nodes := make(map[tac.BlockID]dot.Node, len(c.Blocks))
	for _, id := range c.SortedIDs() {
		blk := c.Blocks[id]
		n := g.Node(string(id))
		n.Attr("shape", "box")
		n.Attr("fontname", "monospace")
		n.Attr("label", blockLabel(blk))
		switch {
		case blk.Malformed:
			n.Attr("color", "red")
		case id == c.Entry:
			n.Attr("color", "blue")
		case blk.Succs.Cardinality() == 0:
			n.Attr("color", "darkgreen")
		}
		nodes[id] = n
	}

	for _, id := range c.SortedIDs() {
		blk := c.Blocks[id]
		succs := blk.Succs.ToSlice()
		tac.SortBlockIDs(succs)
		for _, s := range succs {
			t, ok := nodes[s]
			if !ok {
				continue
			}
			e := g.Edge(nodes[id], t)
			if s == blk.Fallthrough {
				e.Attr("style", "dashed")
			}
		}
	}

	return os.WriteFile(path, []byte(g.String()), 0o644)
}

func blockLabel(blk *tac.Block) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%#x:%#x]\n", blk.ID, blk.EntryPC, blk.NextPC())
	for _, op := range blk.Ops {
		sb.WriteString(op.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
