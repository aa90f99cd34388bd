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

// vandal lifts EVM bytecode to three-address code over a control flow graph
// and exports the result as a textual listing, TSV fact files for Datalog
// analyses and a dot graph.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ledgerwatch/log/v3"
	"github.com/urfave/cli/v2"

	"github.com/usyd-blockchain/vandal/config"
	"github.com/usyd-blockchain/vandal/disasm"
	"github.com/usyd-blockchain/vandal/exporter"
	"github.com/usyd-blockchain/vandal/tac"
)

var (
	disassemblyFlag = cli.BoolFlag{
		Name:    "disassembly",
		Aliases: []string{"a"},
		Usage:   "Input is a pre-disassembled listing of `pc opcode [immediate]` lines",
	}
	bytecodeFlag = cli.BoolFlag{
		Name:    "bytecode",
		Aliases: []string{"b"},
		Usage:   "Input is raw hex bytecode (the default)",
	}
	strictFlag = cli.BoolFlag{
		Name:    "strict",
		Aliases: []string{"s"},
		Usage:   "Fail on malformed input or invalid opcodes instead of best-effort continuing",
	}
	prettifyFlag = cli.BoolFlag{
		Name:    "prettify",
		Aliases: []string{"p"},
		Usage:   "Colourise output and separate basic blocks with blank lines",
	}
	outFlag = cli.StringFlag{
		Name:    "out",
		Aliases: []string{"o"},
		Usage:   "Write the textual output to `FILE` instead of stdout",
	}
	tsvFlag = cli.StringFlag{
		Name:    "tsv",
		Aliases: []string{"t"},
		Usage:   "Emit TSV fact files into `DIR`, creating it if absent",
	}
	graphFlag = cli.StringFlag{
		Name:    "graph",
		Aliases: []string{"g"},
		Usage:   "Render the control flow graph as dot into `FILE`",
	}
	dropUnreachableFlag = cli.BoolFlag{
		Name:    "drop-unreachable",
		Aliases: []string{"d"},
		Usage:   "Remove blocks unreachable from the contract entry",
	}
	foldFlag = cli.BoolFlag{
		Name:    "fold",
		Aliases: []string{"f"},
		Usage:   "Rewrite ops whose result is a known constant into CONST assignments",
	}
	noDumpFlag = cli.BoolFlag{
		Name:    "no-dump",
		Aliases: []string{"n"},
		Usage:   "Suppress the textual three-address code listing",
	}
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "Load analysis settings from a key=value `FILE`",
	}
	overrideFlag = cli.StringSliceFlag{
		Name:    "set",
		Aliases: []string{"c"},
		Usage:   "Override one config `KEY=VALUE`; repeatable",
	}
	verboseFlag = cli.BoolFlag{
		Name:  "v",
		Usage: "Log progress at info level",
	}
	veryVerboseFlag = cli.BoolFlag{
		Name:  "vv",
		Usage: "Log analysis internals at debug level",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "vandal"
	app.Usage = "static EVM bytecode decompiler"
	app.UsageText = app.Name + ` [flags] [file]    ("-" or no file reads stdin)`
	app.HideHelpCommand = true

	app.Flags = []cli.Flag{
		&disassemblyFlag,
		&bytecodeFlag,
		&strictFlag,
		&prettifyFlag,
		&outFlag,
		&tsvFlag,
		&graphFlag,
		&dropUnreachableFlag,
		&foldFlag,
		&noDumpFlag,
		&configFileFlag,
		&overrideFlag,
		&verboseFlag,
		&veryVerboseFlag,
	}
	app.Action = decompile

	app.Commands = []*cli.Command{
		{
			Name:      "disasm",
			Usage:     "Disassemble bytecode without building the flow graph",
			ArgsUsage: "[file]",
			Flags:     []cli.Flag{&strictFlag, &prettifyFlag, &outFlag, &verboseFlag, &veryVerboseFlag},
			Action:    disassemble,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vandal:", err)
		os.Exit(1)
	}
}

func setupLogger(ctx *cli.Context) {
	lvl := log.LvlWarn
	switch {
	case ctx.Bool(veryVerboseFlag.Name):
		lvl = log.LvlDebug
	case ctx.Bool(verboseFlag.Name):
		lvl = log.LvlInfo
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))
}

func readInput(ctx *cli.Context) ([]byte, error) {
	if ctx.Args().Len() > 1 {
		return nil, fmt.Errorf("expected at most one input file, got %d", ctx.Args().Len())
	}
	name := ctx.Args().First()
	if name == "" || name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

func parseOps(ctx *cli.Context, src []byte) ([]disasm.EVMOp, error) {
	if ctx.Bool(disassemblyFlag.Name) && ctx.Bool(bytecodeFlag.Name) {
		return nil, fmt.Errorf("-a and -b are mutually exclusive")
	}
	strict := ctx.Bool(strictFlag.Name)
	if ctx.Bool(disassemblyFlag.Name) {
		return disasm.ParseListing(bytes.NewReader(src), strict)
	}
	return disasm.ParseHex(string(src), strict)
}

func outputWriter(ctx *cli.Context) (io.Writer, func() error, error) {
	path := ctx.String(outFlag.Name)
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	conf := config.Default()
	if path := ctx.String(configFileFlag.Name); path != "" {
		if err := conf.LoadFile(path); err != nil {
			return conf, err
		}
	}
	for _, kv := range ctx.StringSlice(overrideFlag.Name) {
		if err := conf.Set(kv); err != nil {
			return conf, err
		}
	}
	if ctx.Bool(dropUnreachableFlag.Name) {
		conf.RemoveUnreachable = true
	}
	return conf, nil
}

func decompile(ctx *cli.Context) error {
	setupLogger(ctx)

	conf, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	src, err := readInput(ctx)
	if err != nil {
		return err
	}
	ops, err := parseOps(ctx, src)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := tac.Build(runCtx, ops, conf)
	if ctx.Bool(foldFlag.Name) {
		tac.FoldConstants(cfg)
	}
	m := cfg.Metrics
	log.Info("Decompilation finished",
		"blocks", m.Blocks, "edges", m.Edges, "clones", m.Clones,
		"widenings", m.Widenings, "unresolved", m.Unresolved,
		"iterations", m.Iterations, "aborted", cfg.Aborted)

	if dir := ctx.String(tsvFlag.Name); dir != "" {
		if err := exporter.WriteFacts(cfg, dir); err != nil {
			return err
		}
	}
	if path := ctx.String(graphFlag.Name); path != "" {
		if err := exporter.WriteGraph(cfg, path); err != nil {
			return err
		}
	}
	if ctx.Bool(noDumpFlag.Name) {
		return nil
	}

	w, closeOut, err := outputWriter(ctx)
	if err != nil {
		return err
	}
	opts := tac.DumpOptions{
		Prettify: ctx.Bool(prettifyFlag.Name) && ctx.String(outFlag.Name) == "",
		Verbose:  ctx.Bool(veryVerboseFlag.Name),
	}
	if err := tac.Dump(w, cfg, opts); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}

func disassemble(ctx *cli.Context) error {
	setupLogger(ctx)

	src, err := readInput(ctx)
	if err != nil {
		return err
	}
	ops, err := disasm.ParseHex(string(src), ctx.Bool(strictFlag.Name))
	if err != nil {
		return err
	}

	w, closeOut, err := outputWriter(ctx)
	if err != nil {
		return err
	}
	opts := disasm.RenderOptions{
		Prettify: ctx.Bool(prettifyFlag.Name) && ctx.String(outFlag.Name) == "",
	}
	if err := disasm.Render(w, ops, opts); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}
