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
	"fmt"
	"io"
	"strings"

	"github.com/logrusorgru/aurora"

	"github.com/usyd-blockchain/vandal/opcodes"
)

// DumpOptions controls the textual CFG listing.
type DumpOptions struct {
	Prettify bool
	// Verbose adds entry and exit stacks to each block.
	Verbose bool
}

// Dump renders the whole graph block by block: header, TAC ops, then the
// block's edges. The output is ordered by entry pc so identical runs produce
// identical listings.
func Dump(w io.Writer, c *CFG, opts DumpOptions) error {
	for i, id := range c.SortedIDs() {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if err := dumpBlock(w, c, c.Blocks[id], opts); err != nil {
			return err
		}
	}
	if c.Aborted {
		_, err := fmt.Fprintf(w, "\n// incomplete graph: %s\n", c.AbortReason)
		return err
	}
	return nil
}

func dumpBlock(w io.Writer, c *CFG, blk *Block, opts DumpOptions) error {
	head := fmt.Sprintf("Block %s", blk.ID)
	if blk.Malformed {
		head += " (malformed)"
	}
	if opts.Prettify {
		head = aurora.Bold(aurora.Blue(head)).String()
	}
	span := fmt.Sprintf("[%#x:%#x]", blk.EntryPC, blk.NextPC())
	if _, err := fmt.Fprintf(w, "%s %s\n", head, span); err != nil {
		return err
	}

	if opts.Verbose {
		if _, err := fmt.Fprintf(w, "Entry stack: %v\n", blk.EntryStack); err != nil {
			return err
		}
	}

	for _, op := range blk.Ops {
		line := op.String()
		if opts.Prettify {
			line = colourOp(op)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	if opts.Verbose {
		if _, err := fmt.Fprintf(w, "Exit stack: %v\n", blk.ExitStack); err != nil {
			return err
		}
	}

	preds := sortedIDs(blk.Preds)
	succs := sortedIDs(blk.Succs)
	if _, err := fmt.Fprintf(w, "Predecessors: %s\n", joinIDs(preds)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Successors: %s\n", joinIDs(succs))
	return err
}

func colourOp(op Op) string {
	var sb strings.Builder
	sb.WriteString(aurora.Yellow(fmt.Sprintf("%#x", op.PC)).String())
	sb.WriteString(": ")
	if op.Def != nil {
		sb.WriteString(aurora.Green(op.Def.Name).String())
		sb.WriteString(" = ")
	}
	if op.Op == opcodes.CONST {
		sb.WriteString(aurora.Magenta(op.Def.Value.String()).String())
		return sb.String()
	}
	sb.WriteString(aurora.Cyan(op.Op.String()).String())
	for _, u := range op.Uses {
		sb.WriteString(" ")
		sb.WriteString(u.Name)
	}
	return sb.String()
}

func joinIDs(ids []BlockID) string {
	if len(ids) == 0 {
		return "[]"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
