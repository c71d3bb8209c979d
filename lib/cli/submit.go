// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/sdk/go/loom"
)

// Submit reads a query plan (a file argument, or stdin), submits it
// to the scheduler, and prints the accepted job record.
var Submit cmd.Handler = submitCommand{}

type submitCommand struct{}

func (submitCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags, values := ClientFlagSet()
	priority := flags.Int("priority", 0, "scheduling priority (higher runs first)")
	flags.Alias("p", "priority")
	clientName := flags.String("client", "", "client name to record on the job")
	wait := flags.Bool("wait", false, "wait for the job to finish before printing it")
	flags.Alias("w", "wait")
	if ok, code := cmd.ParseFlags(flags, prog, args, "[plan-file]", stderr); !ok {
		return code
	}

	var src io.Reader
	switch {
	case flags.NArg() == 0, flags.NArg() == 1 && flags.Arg(0) == "-":
		src = stdin
	case flags.NArg() == 1:
		var f *os.File
		f, err = os.Open(flags.Arg(0))
		if err != nil {
			return 1
		}
		defer f.Close()
		src = f
	default:
		return usageError(stderr, prog, "[plan-file]")
	}

	var plan loom.Plan
	if err = json.NewDecoder(src).Decode(&plan); err != nil {
		err = fmt.Errorf("error parsing plan: %s", err)
		return 1
	}

	client, err := values.Client()
	if err != nil {
		return 2
	}
	ctx := context.Background()
	status, err := client.SubmitJob(ctx, loom.SubmitOptions{
		Plan:     &plan,
		Client:   *clientName,
		Priority: *priority,
	})
	if err != nil {
		return 1
	}
	if *wait {
		status, err = waitJob(ctx, client, status.UUID, io.Discard)
		if err != nil {
			return 1
		}
	}
	if err = writeOutput(stdout, values.Format, status, status.UUID); err != nil {
		return 1
	}
	if status.State == loom.JobStateFailed {
		err = fmt.Errorf("job %s failed: %s", status.UUID, status.FailureReason)
		return 1
	}
	return 0
}
