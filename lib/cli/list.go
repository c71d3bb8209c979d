// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/loomdb/loom/lib/cmd"
)

// List prints the scheduler's active and recently finished jobs.
var List cmd.Handler = listCommand{}

type listCommand struct{}

func (listCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags, values := ClientFlagSet()
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	client, err := values.Client()
	if err != nil {
		return 2
	}
	list, err := client.ListJobs(context.Background())
	if err != nil {
		return 1
	}
	if values.Format == "uuid" {
		for _, job := range list.Items {
			fmt.Fprintln(stdout, job.UUID)
		}
		return 0
	}
	if err = writeOutput(stdout, values.Format, list, ""); err != nil {
		return 1
	}
	return 0
}
