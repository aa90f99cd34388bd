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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usyd-blockchain/vandal/lattice"
)

func mkVar(name string, vals ...uint64) Variable {
	switch len(vals) {
	case 0:
		return Variable{Name: name, Value: lattice.Top()}
	case 1:
		return Variable{Name: name, Value: lattice.SingleUint64(vals[0])}
	}
	v := lattice.SingleUint64(vals[0])
	for _, c := range vals[1:] {
		v = lattice.Meet(v, lattice.SingleUint64(c), 10)
	}
	return Variable{Name: name, Value: v}
}

func TestStackPushPop(t *testing.T) {
	s := NewStack()
	require.Equal(t, 0, s.Depth())

	require.NoError(t, s.Push(mkVar("a", 1)))
	require.NoError(t, s.Push(mkVar("b", 2)))
	require.Equal(t, 2, s.Depth())

	top, err := s.Peek(1)
	require.NoError(t, err)
	require.Equal(t, "b", top.Name)

	v, err := s.Pop()
	require.NoError(t, err)
	require.Equal(t, "b", v.Name)
	v, err = s.Pop()
	require.NoError(t, err)
	require.Equal(t, "a", v.Name)

	_, err = s.Pop()
	require.ErrorIs(t, err, ErrStackUnderflow)
}

func TestStackDupSwap(t *testing.T) {
	s := NewStack()
	require.NoError(t, s.Push(mkVar("a", 1)))
	require.NoError(t, s.Push(mkVar("b", 2)))
	require.NoError(t, s.Push(mkVar("c", 3)))

	// DUP3 copies the third slot onto the top.
	require.NoError(t, s.Dup(3))
	top, _ := s.Peek(1)
	require.Equal(t, "a", top.Name)
	require.Equal(t, 4, s.Depth())

	// SWAP2 exchanges the top with the third slot.
	require.NoError(t, s.Swap(2))
	top, _ = s.Peek(1)
	require.Equal(t, "b", top.Name)
	third, _ := s.Peek(3)
	require.Equal(t, "a", third.Name)

	require.ErrorIs(t, s.Dup(5), ErrStackUnderflow)
	require.ErrorIs(t, s.Swap(4), ErrStackUnderflow)
}

func TestStackOverflow(t *testing.T) {
	s := NewStack()
	for i := 0; i < StackDepthLimit; i++ {
		require.NoError(t, s.Push(mkVar(fmt.Sprintf("v%d", i), uint64(i))))
	}
	require.ErrorIs(t, s.Push(mkVar("extra", 0)), ErrStackOverflow)
	require.ErrorIs(t, s.PushBottom(mkVar("below", 0)), ErrStackOverflow)
}

func TestStackPushBottom(t *testing.T) {
	s := NewStack()
	require.NoError(t, s.Push(mkVar("a", 1)))
	require.NoError(t, s.PushBottom(mkVar("in", 0)))
	require.Equal(t, 2, s.Depth())
	top, _ := s.Peek(1)
	require.Equal(t, "a", top.Name)
	bot, _ := s.Peek(2)
	require.Equal(t, "in", bot.Name)
}

func TestStackCloneIsIndependent(t *testing.T) {
	s := NewStack()
	require.NoError(t, s.Push(mkVar("a", 1)))
	c := s.Clone()
	require.NoError(t, c.Push(mkVar("b", 2)))
	require.Equal(t, 1, s.Depth())
	require.Equal(t, 2, c.Depth())
	require.False(t, s.Eq(c))
}

func TestMeetStacksSameNames(t *testing.T) {
	a := NewStack()
	b := NewStack()
	require.NoError(t, a.Push(mkVar("x", 1)))
	require.NoError(t, b.Push(mkVar("x", 2)))

	m := MeetStacks(a, b, 10)
	require.Equal(t, 1, m.Depth())
	top, _ := m.Peek(1)
	require.Equal(t, "x", top.Name)
	require.Equal(t, 2, top.Value.Size())
}

func TestMeetStacksDifferingNamesFuse(t *testing.T) {
	a := NewStack()
	b := NewStack()
	require.NoError(t, a.Push(mkVar("bot_a", 1)))
	require.NoError(t, a.Push(mkVar("x", 2)))
	require.NoError(t, b.Push(mkVar("bot_b", 3)))
	require.NoError(t, b.Push(mkVar("x", 4)))

	m := MeetStacks(a, b, 10)
	require.Equal(t, 2, m.Depth())
	top, _ := m.Peek(1)
	require.Equal(t, "x", top.Name)
	// Slot one below the top disagrees on its name and fuses positionally.
	below, _ := m.Peek(2)
	require.Equal(t, "S1", below.Name)
}

func TestMeetStacksBottomAdoptsLiveName(t *testing.T) {
	// Meeting an empty entry stack with a real incoming stack must keep the
	// incoming def-site names, not smear them into positional ones.
	empty := NewStack()
	in := NewStack()
	require.NoError(t, in.Push(mkVar("V0x2_0", 5)))

	m := MeetStacks(empty, in, 10)
	require.Equal(t, 1, m.Depth())
	top, _ := m.Peek(1)
	require.Equal(t, "V0x2_0", top.Name)
	cst, ok := top.Value.Const()
	require.True(t, ok)
	require.Equal(t, uint64(5), cst.Uint64())
}

func TestMeetStacksPadsShorter(t *testing.T) {
	a := NewStack()
	require.NoError(t, a.Push(mkVar("p", 1)))
	require.NoError(t, a.Push(mkVar("q", 2)))
	b := NewStack()
	require.NoError(t, b.Push(mkVar("q", 3)))

	m := MeetStacks(a, b, 10)
	require.Equal(t, 2, m.Depth())
	bot, _ := m.Peek(2)
	// b's missing bottom slot is bottom-valued, so a's name wins.
	require.Equal(t, "p", bot.Name)
	cst, ok := bot.Value.Const()
	require.True(t, ok)
	require.Equal(t, uint64(1), cst.Uint64())
}

func TestWidenDiffering(t *testing.T) {
	a := NewStack()
	require.NoError(t, a.Push(mkVar("x", 1)))
	require.NoError(t, a.Push(mkVar("y", 2)))
	b := NewStack()
	require.NoError(t, b.Push(mkVar("x", 1)))
	require.NoError(t, b.Push(mkVar("y", 3)))

	a.WidenDiffering(b)
	bot, _ := a.Peek(2)
	require.True(t, bot.Value.IsFinite())
	top, _ := a.Peek(1)
	require.True(t, top.Value.IsTop())
}

func TestStackString(t *testing.T) {
	s := NewStack()
	require.Equal(t, "[]", s.String())
	require.NoError(t, s.Push(mkVar("a", 1)))
	require.NoError(t, s.Push(mkVar("b", 2)))
	require.Equal(t, "[b:0x2 a:0x1]", s.String())
}
