// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/sdk/go/loom"
)

// Status fetches one job's status record and prints it.
var Status cmd.Handler = statusCommand{}

type statusCommand struct{}

func (statusCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags, values := ClientFlagSet()
	if ok, code := cmd.ParseFlags(flags, prog, args, "job-uuid", stderr); !ok {
		return code
	}
	if flags.NArg() != 1 {
		return usageError(stderr, prog, "job-uuid")
	}
	uuid := flags.Arg(0)
	if err = loom.ValidateUUID(uuid, loom.JobUUIDInfix); err != nil {
		return 2
	}

	client, err := values.Client()
	if err != nil {
		return 2
	}
	status, err := client.JobStatus(context.Background(), uuid)
	if err != nil {
		return 1
	}
	if err = writeOutput(stdout, values.Format, status, status.UUID); err != nil {
		return 1
	}
	return 0
}
