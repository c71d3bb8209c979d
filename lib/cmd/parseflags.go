// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// A FlagSet can be parsed and inspected the way a flag.FlagSet can.
// Both flag.FlagSet and getopt.FlagSet implement it.
type FlagSet interface {
	Init(string, flag.ErrorHandling)
	Args() []string
	NArg() int
	Parse([]string) error
	PrintDefaults()
	SetOutput(io.Writer)
}

// ParseFlags calls f.Parse(args) and prints appropriate error/help
// messages to stderr.
//
// The positional argument is "" if no positional arguments are
// accepted, otherwise a string to print with the usage message,
// "Usage: {prog} [options] {positional}".
//
// The first return value, ok, is true if the command should continue
// running.
//
// The second return value, code, is a suitable exit code if ok is
// false.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, code int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch err {
	case nil:
		if f.NArg() > 0 && positional == "" {
			fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
			return false, 2
		}
		return true, 0
	case flag.ErrHelp:
		// Print usage message, but not an error message
		f.SetOutput(stderr)
		if ff, ok := f.(*flag.FlagSet); ok && ff.Usage != nil {
			ff.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
			f.PrintDefaults()
		}
		return false, 0
	default:
		// Parse error
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
}
