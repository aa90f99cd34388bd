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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usyd-blockchain/vandal/config"
)

func TestStackSizeStraightLine(t *testing.T) {
	// PUSH1 2 PUSH1 3 ADD STOP: two pushes and one binary op leave one slot.
	c := buildHex(t, "6002600301 00", config.Default())
	sizes := StackSizeAnalysis(c)

	en, ok := sizes.Entry["B0x0"].Const()
	require.True(t, ok)
	require.Equal(t, 0, en)
	ex, ok := sizes.Exit["B0x0"].Const()
	require.True(t, ok)
	require.Equal(t, 1, ex)
}

func TestStackSizePropagatesAlongEdges(t *testing.T) {
	// PUSH1 3 JUMP JUMPDEST STOP: the destination inherits the caller's
	// exit depth of zero (the jump consumed the pushed target).
	c := buildHex(t, "6003565b00", config.Default())
	sizes := StackSizeAnalysis(c)

	en, ok := sizes.Entry["B0x3"].Const()
	require.True(t, ok)
	require.Equal(t, 0, en)
}

func TestStackSizeConflictIsBottom(t *testing.T) {
	// Two paths of different depth join at the JUMPDEST: one arrives at
	// depth 0 via the branch, the other at depth 1 through the extra push.
	//
	//   0x0: PUSH1 0 CALLDATALOAD PUSH1 8 JUMPI
	//   0x6: PUSH1 0
	//   0x8: JUMPDEST STOP
	c := buildHex(t, "60003560085760005b00", config.Default())
	sizes := StackSizeAnalysis(c)

	ex0, ok := sizes.Exit["B0x0"].Const()
	require.True(t, ok)
	require.Equal(t, 0, ex0)
	ex6, ok := sizes.Exit["B0x6"].Const()
	require.True(t, ok)
	require.Equal(t, 1, ex6)

	require.False(t, sizes.Entry["B0x8"].IsConst())
	require.False(t, sizes.Exit["B0x8"].IsConst())
}

func TestStackSizeClampsAtZero(t *testing.T) {
	// A bare ADD pops below the visible stack; the depth never goes
	// negative.
	c := buildHex(t, "01", config.Default())
	sizes := StackSizeAnalysis(c)

	ex, ok := sizes.Exit["B0x0"].Const()
	require.True(t, ok)
	require.Equal(t, 0, ex)
}
