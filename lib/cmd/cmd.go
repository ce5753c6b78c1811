// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cmd helps define reusable functions that can be exposed as
// [subcommands of] command line programs.
package cmd

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// A Handler runs a command with the given args, and returns an exit
// code.
type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// HandlerFunc adapts a func to the Handler interface.
type HandlerFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

func (f HandlerFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

// FlagSet is the part of *flag.FlagSet used by ParseFlags.
type FlagSet interface {
	Init(string, flag.ErrorHandling)
	Args() []string
	NArg() int
	Parse([]string) error
	SetOutput(io.Writer)
	PrintDefaults()
}

// Set by the build process.
var version = "dev"

type versionCommand struct{}

// Version prints the program name and build version.
var Version versionCommand

func (versionCommand) String() string {
	return fmt.Sprintf("%s (%s)", version, runtime.Version())
}

func (versionCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog = progBasename(prog)
	fmt.Fprintf(stdout, "%s %s (%s)\n", prog, version, runtime.Version())
	return 0
}

func progBasename(prog string) string {
	if i := strings.Index(prog, " "); i >= 0 {
		return filepath.Base(prog[:i]) + prog[i:]
	}
	return filepath.Base(prog)
}

// Multi is a Handler that looks up its first argument in a map (after
// stripping any "--" prefix), and invokes the resulting Handler with
// the remaining args.
//
//	os.Exit(Multi(map[string]Handler{
//	        "config-dump": config.DumpCommand,
//	        "server":      service.Command(...),
//	}).RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
type Multi map[string]Handler

func (m Multi) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, basename := filepath.Split(prog)
	cmd, ok := m[basename]
	if !ok {
		// "nimbus-server foo" or "nimbus-server --foo"
		if len(args) < 1 {
			fmt.Fprintf(stderr, "usage: %s command [args]\n", prog)
			m.Usage(stderr)
			return 2
		}
		cmd, ok = m[strings.TrimLeft(args[0], "-")]
		if !ok {
			fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
			m.Usage(stderr)
			return 2
		}
		prog = prog + " " + strings.TrimLeft(args[0], "-")
		args = args[1:]
	}
	return cmd.RunCommand(prog, args, stdin, stdout, stderr)
}

// Usage prints the available subcommands.
func (m Multi) Usage(stderr io.Writer) {
	fmt.Fprintf(stderr, "\nAvailable commands:\n")
	m.listSubcommands(stderr, "")
}

func (m Multi) listSubcommands(out io.Writer, prefix string) {
	var subcommands []string
	for sc := range m {
		if strings.HasPrefix(sc, "-") {
			// Some subcommands have alternate versions
			// like "--version" for compatibility. Don't
			// clutter the subcommand summary with those.
			continue
		}
		subcommands = append(subcommands, sc)
	}
	sort.Strings(subcommands)
	for _, sc := range subcommands {
		switch cmd := m[sc].(type) {
		case Multi:
			cmd.listSubcommands(out, prefix+sc+" ")
		default:
			fmt.Fprintf(out, "    %s%s\n", prefix, sc)
		}
	}
}
