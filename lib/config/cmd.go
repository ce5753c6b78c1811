// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/ghodss/yaml"
	"github.com/nimbusproject/nimbus-sub009/lib/cmd"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/ctxlog"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
)

var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configFile := flags.String("config", nimbus.DefaultConfigFile, "Site configuration `file`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	ldr := &Loader{Path: *configFile, Stdin: stdin, Logger: ctxlog.New(stderr, "text", "info")}
	cfg, err := ldr.Load()
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

var CheckCommand checkCommand

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configFile := flags.String("config", nimbus.DefaultConfigFile, "Site configuration `file`")
	strict := flags.Bool("strict", true, "Fail if the configuration produces warnings")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	log := &plainLogger{w: stderr}
	ldr := &Loader{Path: *configFile, Stdin: stdin, Logger: ctxlog.New(log, "text", "info")}
	_, err = ldr.Load()
	if err != nil {
		return 1
	}
	if log.used && *strict {
		return 1
	}
	return 0
}

// plainLogger records whether anything was logged.
type plainLogger struct {
	w    io.Writer
	used bool
}

func (pl *plainLogger) Write(p []byte) (int, error) {
	pl.used = true
	return pl.w.Write(p)
}
