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

// Package lattice implements the bounded value domain the decompiler
// propagates through symbolic stacks: bottom, a finite set of 256-bit
// constants capped at a configurable size, or top. Arithmetic lifts the
// EVM's concrete semantics pointwise over the finite sets.
package lattice

import (
	"sort"
	"strings"

	"github.com/holiman/uint256"

	"github.com/usyd-blockchain/vandal/opcodes"
)

// Kind discriminates the three lattice strata.
type Kind uint8

const (
	KindBottom Kind = iota
	KindFinite
	KindTop
)

const (
	topSymbol    = "⊤"
	bottomSymbol = "⊥"
)

// Value is an element of the flat finite-set lattice. The zero Value is
// bottom. Finite sets are kept sorted and deduplicated so that equality and
// rendering are canonical.
type Value struct {
	kind Kind
	set  []uint256.Int
}

// Bottom returns the bottom element: no information yet.
func Bottom() Value {
	return Value{kind: KindBottom}
}

// Top returns the top element: any value possible.
func Top() Value {
	return Value{kind: KindTop}
}

// Single returns the singleton lattice element {c}.
func Single(c *uint256.Int) Value {
	return Value{kind: KindFinite, set: []uint256.Int{*c}}
}

// SingleUint64 returns the singleton lattice element {c}.
func SingleUint64(c uint64) Value {
	return Single(uint256.NewInt(c))
}

// FromSet builds a finite element from the given constants, widening to top
// if the deduplicated set exceeds setMax.
func FromSet(cs []uint256.Int, setMax int) Value {
	if len(cs) == 0 {
		return Bottom()
	}
	set := normalise(cs)
	if len(set) > setMax {
		return Top()
	}
	return Value{kind: KindFinite, set: set}
}

func normalise(cs []uint256.Int) []uint256.Int {
	set := make([]uint256.Int, len(cs))
	copy(set, cs)
	sort.Slice(set, func(i, j int) bool { return set[i].Lt(&set[j]) })
	out := set[:0]
	for i := range set {
		if i == 0 || !set[i].Eq(&set[i-1]) {
			out = append(out, set[i])
		}
	}
	return out
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsTop() bool    { return v.kind == KindTop }
func (v Value) IsBottom() bool { return v.kind == KindBottom }
func (v Value) IsFinite() bool { return v.kind == KindFinite }

// Size returns the cardinality of a finite element, zero otherwise.
func (v Value) Size() int {
	if v.kind != KindFinite {
		return 0
	}
	return len(v.set)
}

// Const returns the sole member of a singleton element.
func (v Value) Const() (*uint256.Int, bool) {
	if v.kind == KindFinite && len(v.set) == 1 {
		c := v.set[0]
		return &c, true
	}
	return nil, false
}

// Values returns the members of a finite element in ascending order.
// The returned slice must not be mutated.
func (v Value) Values() []uint256.Int {
	return v.set
}

// Contains reports whether a finite element contains c. Top contains
// everything, bottom nothing.
func (v Value) Contains(c *uint256.Int) bool {
	switch v.kind {
	case KindTop:
		return true
	case KindBottom:
		return false
	}
	i := sort.Search(len(v.set), func(i int) bool { return !v.set[i].Lt(c) })
	return i < len(v.set) && v.set[i].Eq(c)
}

// ContainsZero reports whether the element admits the value zero.
func (v Value) ContainsZero() bool {
	return v.Contains(uint256.NewInt(0))
}

// ContainsNonZero reports whether the element admits any non-zero value.
func (v Value) ContainsNonZero() bool {
	switch v.kind {
	case KindTop:
		return true
	case KindBottom:
		return false
	}
	for i := range v.set {
		if !v.set[i].IsZero() {
			return true
		}
	}
	return false
}

// Eq reports structural equality of two elements.
func (v Value) Eq(o Value) bool {
	if v.kind != o.kind || len(v.set) != len(o.set) {
		return false
	}
	for i := range v.set {
		if !v.set[i].Eq(&o.set[i]) {
			return false
		}
	}
	return true
}

// Meet combines information arriving on distinct paths: set union, capped at
// setMax after which the result widens to top. Bottom is the identity and top
// absorbs.
func Meet(a, b Value, setMax int) Value {
	switch {
	case a.kind == KindTop || b.kind == KindTop:
		return Top()
	case a.kind == KindBottom:
		return b
	case b.kind == KindBottom:
		return a
	}
	merged := make([]uint256.Int, 0, len(a.set)+len(b.set))
	merged = append(merged, a.set...)
	merged = append(merged, b.set...)
	return FromSet(merged, setMax)
}

// Join is the dual of Meet: set intersection, with top as identity.
func Join(a, b Value) Value {
	switch {
	case a.kind == KindBottom || b.kind == KindBottom:
		return Bottom()
	case a.kind == KindTop:
		return b
	case b.kind == KindTop:
		return a
	}
	var out []uint256.Int
	for i := range a.set {
		if b.Contains(&a.set[i]) {
			out = append(out, a.set[i])
		}
	}
	if len(out) == 0 {
		return Bottom()
	}
	return Value{kind: KindFinite, set: out}
}

func (v Value) String() string {
	switch v.kind {
	case KindBottom:
		return bottomSymbol
	case KindTop:
		return topSymbol
	}
	if len(v.set) == 1 {
		return v.set[0].Hex()
	}
	elems := make([]string, len(v.set))
	for i := range v.set {
		elems[i] = v.set[i].Hex()
	}
	return "{" + strings.Join(elems, ",") + "}"
}

// Apply lifts the concrete semantics of op over the argument elements: the
// Cartesian product of the finite operand sets is evaluated pointwise and the
// result re-capped at setMax. Any top operand forces a top result; a bottom
// operand yields bottom.
func Apply(op opcodes.OpCode, args []Value, setMax int) Value {
	arity, ok := arityOf(op)
	if !ok || arity != len(args) {
		return Top()
	}
	for _, a := range args {
		if a.IsTop() {
			return Top()
		}
		if a.IsBottom() {
			return Bottom()
		}
	}

	var results []uint256.Int
	var recurse func(chosen []*uint256.Int, rest []Value)
	recurse = func(chosen []*uint256.Int, rest []Value) {
		if len(rest) == 0 {
			results = append(results, eval(op, chosen))
			return
		}
		vals := rest[0].Values()
		for i := range vals {
			recurse(append(chosen, &vals[i]), rest[1:])
		}
	}
	recurse(make([]*uint256.Int, 0, arity), args)

	return FromSet(results, setMax)
}

// Liftable reports whether Apply has a pointwise semantics for op.
func Liftable(op opcodes.OpCode) bool {
	_, ok := arityOf(op)
	return ok
}

func arityOf(op opcodes.OpCode) (int, bool) {
	switch op {
	case opcodes.ISZERO, opcodes.NOT:
		return 1, true
	case opcodes.ADD, opcodes.SUB, opcodes.MUL, opcodes.DIV, opcodes.SDIV,
		opcodes.MOD, opcodes.SMOD, opcodes.EXP, opcodes.SIGNEXTEND,
		opcodes.LT, opcodes.GT, opcodes.SLT, opcodes.SGT, opcodes.EQ,
		opcodes.AND, opcodes.OR, opcodes.XOR, opcodes.BYTE,
		opcodes.SHL, opcodes.SHR, opcodes.SAR:
		return 2, true
	case opcodes.ADDMOD, opcodes.MULMOD:
		return 3, true
	}
	return 0, false
}

// eval computes one concrete EVM result. Operands appear in pop order, so
// args[0] was the top of the stack. Division and modulo by zero yield zero,
// and overflow wraps mod 2^256, both per the yellow paper.
func eval(op opcodes.OpCode, args []*uint256.Int) uint256.Int {
	z := new(uint256.Int)
	switch op {
	case opcodes.ADD:
		z.Add(args[0], args[1])
	case opcodes.SUB:
		z.Sub(args[0], args[1])
	case opcodes.MUL:
		z.Mul(args[0], args[1])
	case opcodes.DIV:
		z.Div(args[0], args[1])
	case opcodes.SDIV:
		z.SDiv(args[0], args[1])
	case opcodes.MOD:
		z.Mod(args[0], args[1])
	case opcodes.SMOD:
		z.SMod(args[0], args[1])
	case opcodes.ADDMOD:
		z.AddMod(args[0], args[1], args[2])
	case opcodes.MULMOD:
		z.MulMod(args[0], args[1], args[2])
	case opcodes.EXP:
		z.Exp(args[0], args[1])
	case opcodes.SIGNEXTEND:
		z.ExtendSign(args[1], args[0])
	case opcodes.LT:
		if args[0].Lt(args[1]) {
			z.SetOne()
		}
	case opcodes.GT:
		if args[0].Gt(args[1]) {
			z.SetOne()
		}
	case opcodes.SLT:
		if args[0].Slt(args[1]) {
			z.SetOne()
		}
	case opcodes.SGT:
		if args[0].Sgt(args[1]) {
			z.SetOne()
		}
	case opcodes.EQ:
		if args[0].Eq(args[1]) {
			z.SetOne()
		}
	case opcodes.ISZERO:
		if args[0].IsZero() {
			z.SetOne()
		}
	case opcodes.AND:
		z.And(args[0], args[1])
	case opcodes.OR:
		z.Or(args[0], args[1])
	case opcodes.XOR:
		z.Xor(args[0], args[1])
	case opcodes.NOT:
		z.Not(args[0])
	case opcodes.BYTE:
		z.Set(args[1])
		z.Byte(args[0])
	case opcodes.SHL:
		if args[0].LtUint64(256) {
			z.Lsh(args[1], uint(args[0].Uint64()))
		}
	case opcodes.SHR:
		if args[0].LtUint64(256) {
			z.Rsh(args[1], uint(args[0].Uint64()))
		}
	case opcodes.SAR:
		if args[0].LtUint64(256) {
			z.SRsh(args[1], uint(args[0].Uint64()))
		} else if args[1].Sign() < 0 {
			z.SetAllOne()
		}
	}
	return *z
}
