// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/sdk/go/loom"
)

// Cancel cancels a running job and prints its resulting record.
var Cancel cmd.Handler = cancelCommand{}

type cancelCommand struct{}

func (cancelCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags, values := ClientFlagSet()
	reason := flags.String("reason", "", "reason to record on the cancelled job")
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
	path := "/loom/v1/jobs/" + uuid + "/cancel"
	if *reason != "" {
		path += "?reason=" + url.QueryEscape(*reason)
	}
	var status loom.JobStatus
	if err = client.RequestAndDecode(context.Background(), &status, "POST", path, nil); err != nil {
		return 1
	}
	if err = writeOutput(stdout, values.Format, status, status.UUID); err != nil {
		return 1
	}
	return 0
}
