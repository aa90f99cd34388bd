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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usyd-blockchain/vandal/config"
)

func TestDumpListing(t *testing.T) {
	c := buildHex(t, "6003565b00", config.Default())

	var sb strings.Builder
	require.NoError(t, Dump(&sb, c, DumpOptions{}))
	out := sb.String()

	require.Contains(t, out, "Block B0x0 [0x0:0x3]")
	require.Contains(t, out, "Block B0x3 [0x3:0x5]")
	require.Contains(t, out, "0x3: JUMPDEST")
	require.Contains(t, out, "0x4: STOP")
	require.Contains(t, out, "Successors: [B0x3]")
	require.Contains(t, out, "Predecessors: [B0x0]")
	require.Contains(t, out, "Successors: []")
	// Blocks are separated by one blank line.
	require.Contains(t, out, "\n\nBlock B0x3")
	require.NotContains(t, out, "incomplete graph")
}

func TestDumpVerboseShowsStacks(t *testing.T) {
	c := buildHex(t, "6003565b00", config.Default())

	var sb strings.Builder
	require.NoError(t, Dump(&sb, c, DumpOptions{Verbose: true}))
	require.Contains(t, sb.String(), "Entry stack:")
	require.Contains(t, sb.String(), "Exit stack:")
}

func TestDumpMarksMalformedAndAborted(t *testing.T) {
	conf := config.Default()
	conf.DieOnEmptyPop = true
	c := buildHex(t, "01", conf)
	c.Aborted = true
	c.AbortReason = "max_blocks exceeded"

	var sb strings.Builder
	require.NoError(t, Dump(&sb, c, DumpOptions{}))
	require.Contains(t, sb.String(), "(malformed)")
	require.Contains(t, sb.String(), "// incomplete graph: max_blocks exceeded")
}
