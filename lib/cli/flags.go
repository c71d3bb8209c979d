// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the client subcommands of the loom command
// line tool: submit, status, results, cancel, wait, and jobs.
package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/loomdb/loom/sdk/go/loom"
	"rsc.io/getopt"
)

// ClientFlagValues holds the connection and output flags shared by
// every client subcommand.
type ClientFlagValues struct {
	Scheduler string
	Token     string
	Insecure  bool
	Format    string
}

// ClientFlagSet returns a getopt flag set with the flags every client
// subcommand accepts, and the struct the parsed values land in.
func ClientFlagSet() (*getopt.FlagSet, *ClientFlagValues) {
	values := &ClientFlagValues{Format: "json"}
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	flags.StringVar(&values.Scheduler, "scheduler", "", "scheduler base URL (default $LOOM_SCHEDULER_URL)")
	flags.Alias("s", "scheduler")
	flags.StringVar(&values.Token, "token", "", "API token (default $LOOM_API_TOKEN)")
	flags.Alias("t", "token")
	flags.BoolVar(&values.Insecure, "insecure", false, "skip TLS certificate verification")
	flags.Alias("k", "insecure")
	flags.StringVar(&values.Format, "format", values.Format, "output format: json, yaml, or uuid")
	flags.Alias("f", "format")
	return flags, values
}

// Client returns a client for the scheduler selected by the flags,
// falling back on the LOOM_SCHEDULER_URL and LOOM_API_TOKEN
// environment variables for anything not given explicitly.
func (values *ClientFlagValues) Client() (*loom.Client, error) {
	client := loom.NewClientFromEnv()
	if values.Scheduler != "" {
		client.BaseURL = strings.TrimSuffix(values.Scheduler, "/")
	}
	if values.Token != "" {
		client.AuthToken = values.Token
	}
	if values.Insecure {
		client.Insecure = true
	}
	if client.BaseURL == "" {
		return nil, fmt.Errorf("no scheduler endpoint: use --scheduler or set $LOOM_SCHEDULER_URL")
	}
	return client, nil
}

// writeOutput prints obj to stdout in the requested format. Format
// "uuid" prints the given uuid instead of the whole object; anything
// other than "yaml" or "uuid" is treated as "json".
func writeOutput(stdout io.Writer, format string, obj interface{}, uuid string) error {
	switch format {
	case "yaml":
		buf, err := yaml.Marshal(obj)
		if err != nil {
			return err
		}
		_, err = stdout.Write(buf)
		return err
	case "uuid":
		_, err := fmt.Fprintln(stdout, uuid)
		return err
	default:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(obj)
	}
}

// usageError reports a positional-argument problem the flag parser
// cannot catch itself.
func usageError(stderr io.Writer, prog, positional string) int {
	fmt.Fprintf(stderr, "usage: %s [options] %s (try -help)\n", prog, positional)
	return 2
}
