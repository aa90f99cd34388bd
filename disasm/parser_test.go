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

package disasm

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usyd-blockchain/vandal/opcodes"
)

func TestParseHexBasic(t *testing.T) {
	// PUSH1 0x02 PUSH1 0x03 ADD STOP
	ops, err := ParseHex("0x6002600301 00", false)
	require.NoError(t, err)
	require.Len(t, ops, 4)

	require.Equal(t, uint32(0), ops[0].PC)
	require.Equal(t, opcodes.PUSH1, ops[0].Op)
	require.Equal(t, uint64(2), ops[0].Value.Uint64())

	require.Equal(t, uint32(2), ops[1].PC)
	require.Equal(t, uint64(3), ops[1].Value.Uint64())

	require.Equal(t, uint32(4), ops[2].PC)
	require.Equal(t, opcodes.ADD, ops[2].Op)
	require.Nil(t, ops[2].Value)

	require.Equal(t, uint32(5), ops[3].PC)
	require.Equal(t, opcodes.STOP, ops[3].Op)
}

func TestParseHexPCSkipsImmediates(t *testing.T) {
	// PUSH3 0xaabbcc then JUMPDEST: the dest pc must be 4, not 2.
	ops, err := ParseHex("62aabbcc5b", false)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, opcodes.PUSH3, ops[0].Op)
	require.Equal(t, "0xaabbcc", ops[0].Value.Hex())
	require.Equal(t, uint32(4), ops[1].PC)
	require.Equal(t, opcodes.JUMPDEST, ops[1].Op)
}

func TestParseHexStrict(t *testing.T) {
	tests := []struct {
		name string
		src  string
		err  error
	}{
		{"non-hex garbage", "6001zz", ErrMalformedInput},
		{"odd length", "600", ErrMalformedInput},
		{"unassigned byte", "601f0c", ErrInvalidOpcode},
		{"truncated push", "62aabb", ErrMalformedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHex(tt.src, true)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParseHexLenient(t *testing.T) {
	t.Run("trailing garbage cut", func(t *testing.T) {
		ops, err := ParseHex("6001zzzz", false)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		require.Equal(t, opcodes.PUSH1, ops[0].Op)
	})
	t.Run("odd nibble dropped", func(t *testing.T) {
		ops, err := ParseHex("60010", false)
		require.NoError(t, err)
		require.Len(t, ops, 1)
	})
	t.Run("unassigned byte decodes as INVALID", func(t *testing.T) {
		ops, err := ParseHex("0c00", false)
		require.NoError(t, err)
		require.Len(t, ops, 2)
		require.Equal(t, opcodes.INVALID, ops[0].Op)
		require.Equal(t, opcodes.STOP, ops[1].Op)
	})
	t.Run("truncated push zero-padded", func(t *testing.T) {
		ops, err := ParseHex("63aabb", false)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		require.Equal(t, opcodes.PUSH4, ops[0].Op)
		// Missing tail bytes read as zero.
		require.Equal(t, "0xaabb0000", ops[0].Value.Hex())
	})
}

func TestPartition(t *testing.T) {
	// B0: PUSH1 0x06 JUMP | B1: STOP | B2: JUMPDEST STOP
	ops, err := ParseHex("600656005b00", false)
	require.NoError(t, err)
	blocks := Partition(ops)
	require.Len(t, blocks, 3)

	require.Equal(t, uint32(0), blocks[0].Entry)
	require.Len(t, blocks[0].Ops, 2)
	require.Equal(t, opcodes.JUMP, blocks[0].Ops[1].Op)

	require.Equal(t, uint32(3), blocks[1].Entry)
	require.Len(t, blocks[1].Ops, 1)

	require.Equal(t, uint32(4), blocks[2].Entry)
	require.Equal(t, opcodes.JUMPDEST, blocks[2].Ops[0].Op)
}

func TestPartitionJumpdestRun(t *testing.T) {
	// Consecutive JUMPDESTs each open a fresh block.
	ops, err := ParseHex("5b5b00", false)
	require.NoError(t, err)
	blocks := Partition(ops)
	require.Len(t, blocks, 2)
	require.Len(t, blocks[0].Ops, 1)
	require.Len(t, blocks[1].Ops, 2)
}

func TestRender(t *testing.T) {
	ops, err := ParseHex("6002600301", false)
	require.NoError(t, err)
	var sb strings.Builder
	require.NoError(t, Render(&sb, ops, RenderOptions{}))
	want := "0x0\tPUSH1\t0x2\n0x2\tPUSH1\t0x3\n0x4\tADD\n"
	require.Equal(t, want, sb.String())
}

func TestRenderPrettifySeparatesBlocks(t *testing.T) {
	ops, err := ParseHex("005b00", false)
	require.NoError(t, err)
	var sb strings.Builder
	require.NoError(t, Render(&sb, ops, RenderOptions{Prettify: true}))
	require.Contains(t, sb.String(), "\n\n")
}

func TestParseListing(t *testing.T) {
	src := `
0x0   push1   0x60
0x2   Push1   0x40
0x4   MSTORE

5     calldatasize
6     ISZERO
`
	ops, err := ParseListing(strings.NewReader(src), true)
	require.NoError(t, err)
	require.Len(t, ops, 5)
	require.Equal(t, opcodes.PUSH1, ops[0].Op)
	require.Equal(t, uint64(0x60), ops[0].Value.Uint64())
	require.Equal(t, opcodes.MSTORE, ops[2].Op)
	require.Equal(t, uint32(5), ops[3].PC)
	require.Equal(t, opcodes.ISZERO, ops[4].Op)
}

func TestParseListingErrors(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		strict bool
		err    error
	}{
		{"unknown mnemonic strict", "0x0 FROBNICATE", true, ErrInvalidOpcode},
		{"push without immediate", "0x0 PUSH2", true, ErrMalformedInput},
		{"operand on plain op", "0x0 ADD 0x1", true, ErrMalformedInput},
		{"bad pc", "zz ADD", true, ErrMalformedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseListing(strings.NewReader(tt.src), tt.strict)
			require.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("unknown mnemonic lenient", func(t *testing.T) {
		ops, err := ParseListing(strings.NewReader("0x0 FROBNICATE"), false)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		require.Equal(t, opcodes.INVALID, ops[0].Op)
	})
}

func TestAssembleRoundTrip(t *testing.T) {
	srcs := []string{
		"6002600301",
		"62aabbcc5b00",
		"7f" + strings.Repeat("ff", 32) + "57",
		"6000356020526040600020",
	}
	for _, src := range srcs {
		ops, err := ParseHex(src, true)
		require.NoError(t, err)
		code, err := hex.DecodeString(src)
		require.NoError(t, err)
		require.Equal(t, code, Assemble(ops), "round trip of %s", src)
	}
}
