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

// Package exporter serialises a finished CFG for downstream consumers: TSV
// fact files for the Datalog analyses and a dot rendering for humans.
package exporter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledgerwatch/log/v3"

	"github.com/usyd-blockchain/vandal/tac"
)

// WriteFacts emits one TSV file per relation into dir, creating it if
// needed. Rows are tab-separated, LF-terminated, sorted and deduplicated so
// identical graphs serialise byte-identically.
func WriteFacts(c *tac.CFG, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	rel := newRelations(c)
	for name, rows := range rel {
		if err := writeRelation(filepath.Join(dir, name), rows); err != nil {
			return err
		}
	}
	log.Debug("Wrote fact files", "dir", dir, "relations", len(rel))
	return nil
}

func newRelations(c *tac.CFG) map[string][]string {
	rel := map[string][]string{
		"block.facts":      nil,
		"op.facts":         nil,
		"edge.facts":       nil,
		"entry.facts":      nil,
		"exit.facts":       nil,
		"def.facts":        nil,
		"use.facts":        nil,
		"value.facts":      nil,
		"dom.facts":        nil,
		"imdom.facts":      nil,
		"pdom.facts":       nil,
		"impdom.facts":     nil,
		"unresolved.facts": nil,
		"stacksize.facts":  nil,
	}
	add := func(name string, cols ...string) {
		rel[name] = append(rel[name], strings.Join(cols, "\t"))
	}

	for _, id := range c.SortedIDs() {
		blk := c.Blocks[id]
		add("block.facts", string(id))
		for _, op := range blk.Ops {
			add("op.facts", fmt.Sprintf("%d", op.PC), op.Op.String())
			if op.Def != nil {
				add("def.facts", fmt.Sprintf("%d", op.PC), op.Def.Name)
				if cst, ok := op.Def.Value.Const(); ok {
					add("value.facts", op.Def.Name, cst.Hex())
				}
			}
			for i, u := range op.Uses {
				add("use.facts", fmt.Sprintf("%d", op.PC), fmt.Sprintf("%d", i), u.Name)
				// Constants reach their consumers through the stack, so a
				// use site is where a folded push surfaces.
				if cst, ok := u.Value.Const(); ok {
					add("value.facts", u.Name, cst.Hex())
				}
			}
		}
		for _, s := range blk.Succs.ToSlice() {
			add("edge.facts", string(id), string(s))
		}
	}

	if c.Entry != "" {
		add("entry.facts", string(c.Entry))
	}
	for _, id := range c.Exits() {
		add("exit.facts", string(id))
	}
	for _, u := range c.Unresolved {
		add("unresolved.facts", string(u.Block), fmt.Sprintf("%d", u.PC))
	}

	d := tac.ComputeDominance(c)
	domRel := func(name string, rows map[tac.BlockID][]tac.BlockID) {
		for n, ds := range rows {
			for _, dd := range ds {
				add(name, string(n), string(dd))
			}
		}
	}
	domRel("dom.facts", d.Dom)
	domRel("pdom.facts", d.PDom)
	for n, im := range d.IDom {
		add("imdom.facts", string(n), string(im))
	}
	for n, im := range d.IPDom {
		add("impdom.facts", string(n), string(im))
	}

	sizes := tac.StackSizeAnalysis(c)
	for _, id := range c.SortedIDs() {
		en, okEn := sizes.Entry[id].Const()
		ex, okEx := sizes.Exit[id].Const()
		if okEn && okEx {
			add("stacksize.facts", string(id), fmt.Sprintf("%d", en), fmt.Sprintf("%d", ex))
		}
	}

	return rel
}

func writeRelation(path string, rows []string) error {
	sort.Strings(rows)
	uniq := rows[:0]
	for i, r := range rows {
		if i == 0 || r != rows[i-1] {
			uniq = append(uniq, r)
		}
	}
	var sb strings.Builder
	for _, r := range uniq {
		sb.WriteString(r)
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
