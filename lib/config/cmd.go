// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"flag"
	"fmt"
	"io"

	"github.com/ghodss/yaml"
	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/sdk/go/ctxlog"
)

// DumpCommand loads the site config, and writes the resulting
// configuration -- defaults filled in, deprecated entries resolved --
// to stdout as YAML.
var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	loader := NewLoader(stdin, nil)

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	cfg, err := loader.Load()
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

// CheckCommand loads the site config and exits zero if it is usable.
// Unknown or misspelled entries are reported as warnings; with
// -strict (the default) they cause a non-zero exit.
var CheckCommand checkCommand

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	var logbuf bytes.Buffer
	defer func() {
		io.Copy(stderr, &logbuf)
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	log := ctxlog.New(&logbuf, "text", "info")
	loader := NewLoader(stdin, log)

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	strict := flags.Bool("strict", true, "Treat warnings as errors")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	_, err = loader.Load()
	if err != nil {
		return 1
	}
	if logbuf.Len() > 0 && *strict {
		return 1
	}
	return 0
}

// DumpDefaultsCommand writes the built-in default configuration to
// stdout.
var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(DefaultYAML)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}
