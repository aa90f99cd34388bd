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

// Package config holds the analysis knobs: a plain record passed by
// reference, never process-global state.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrBadConfig marks an unparseable config file or override.
var ErrBadConfig = errors.New("bad config")

// Config enumerates the analysis bounds and policies.
type Config struct {
	// SetMax caps the cardinality of finite lattice sets; larger sets widen
	// to top.
	SetMax int
	// WidenThreshold is the number of visits to one block after which
	// differing entry-stack slots widen to top.
	WidenThreshold int
	// MaxClonesPerPC bounds context-sensitive copies of a block.
	MaxClonesPerPC int
	// MaxBlocks bounds the total block count, splits and clones included.
	MaxBlocks int
	// RemoveUnreachable drops blocks unreached from the entry after the
	// build settles.
	RemoveUnreachable bool
	// DieOnEmptyPop marks a block malformed when it pops an empty stack
	// instead of synthesising an input variable.
	DieOnEmptyPop bool
	// MergeUnreachable fuses chains of unreachable blocks into single blocks
	// after the build settles, undoing the partition's cuts in dead code.
	// Ignored when RemoveUnreachable is set.
	MergeUnreachable bool
}

// Default returns the standard knob settings.
func Default() Config {
	return Config{
		SetMax:         10,
		WidenThreshold: 10,
		MaxClonesPerPC: 8,
		MaxBlocks:      1 << 14,
	}
}

// LoadFile reads a flat key=value config file into c. Blank lines and lines
// starting with # are skipped.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.load(f, path)
}

func (c *Config) load(r io.Reader, origin string) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := c.Set(line); err != nil {
			return fmt.Errorf("%s:%d: %w", origin, lineNo, err)
		}
	}
	return sc.Err()
}

// Set applies one KEY=VALUE override.
func (c *Config) Set(kv string) error {
	key, val, found := strings.Cut(kv, "=")
	if !found {
		return fmt.Errorf("%w: expected key=value, got %q", ErrBadConfig, kv)
	}
	key = strings.TrimSpace(strings.ToLower(key))
	val = strings.TrimSpace(val)

	switch key {
	case "set_max":
		return c.setInt(&c.SetMax, key, val)
	case "widen_threshold":
		return c.setInt(&c.WidenThreshold, key, val)
	case "max_clones_per_pc":
		return c.setInt(&c.MaxClonesPerPC, key, val)
	case "max_blocks":
		return c.setInt(&c.MaxBlocks, key, val)
	case "remove_unreachable":
		return c.setBool(&c.RemoveUnreachable, key, val)
	case "die_on_empty_pop":
		return c.setBool(&c.DieOnEmptyPop, key, val)
	case "merge_unreachable":
		return c.setBool(&c.MergeUnreachable, key, val)
	}
	return fmt.Errorf("%w: unknown key %q", ErrBadConfig, key)
}

func (c *Config) setInt(dst *int, key, val string) error {
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: %s wants a non-negative integer, got %q", ErrBadConfig, key, val)
	}
	*dst = n
	return nil
}

func (c *Config) setBool(dst *bool, key, val string) error {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("%w: %s wants a boolean, got %q", ErrBadConfig, key, val)
	}
	*dst = b
	return nil
}
