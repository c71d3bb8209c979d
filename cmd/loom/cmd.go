// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// The loom command runs the cluster services and gives command line
// access to a running cluster:
//
//	loom scheduler -config /etc/loom/config.yml
//	loom executor -config /etc/loom/config.yml
//	loom submit plan.json
package main

import (
	"os"

	"github.com/loomdb/loom/lib/cli"
	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/lib/config"
	"github.com/loomdb/loom/lib/diagnostics"
	"github.com/loomdb/loom/lib/dispatch"
	"github.com/loomdb/loom/lib/executor"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"scheduler": dispatch.Command,
		"executor":  executor.Command,

		"submit":  cli.Submit,
		"status":  cli.Status,
		"results": cli.Results,
		"cancel":  cli.Cancel,
		"wait":    cli.Wait,
		"jobs":    cli.List,

		"diagnostics": diagnostics.Command{},

		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
