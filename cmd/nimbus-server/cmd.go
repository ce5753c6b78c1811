// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/nimbusproject/nimbus-sub009/lib/cmd"
	"github.com/nimbusproject/nimbus-sub009/lib/config"
	"github.com/nimbusproject/nimbus-sub009/lib/manager"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version": cmd.Version,

		"config-check":      config.CheckCommand,
		"config-dump":       config.DumpCommand,
		"workspace-service": manager.Command,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
