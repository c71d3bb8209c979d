// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package diagnostics checks that a running cluster actually works:
// it submits a small canary query, waits for it to finish, and
// verifies the result rows.
package diagnostics

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/sirupsen/logrus"
)

type Command struct{}

func (diag Command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	f := flag.NewFlagSet(prog, flag.ContinueOnError)
	scheduler := f.String("scheduler", "", "scheduler base URL (default $LOOM_SCHEDULER_URL)")
	token := f.String("token", "", "API token (default $LOOM_API_TOKEN)")
	insecure := f.Bool("insecure", false, "skip TLS certificate verification")
	loglevel := f.String("log-level", "info", "logging level (debug, info, warning, error)")
	timeout := f.Duration("timeout", time.Minute, "give up on the canary job after this long")
	err := f.Parse(args)
	if err == flag.ErrHelp {
		return 0
	} else if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger := ctxlog.New(stdout, "text", *loglevel)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableLevelTruncation: true})

	infof := logger.Infof
	var errors []string
	errorf := func(f string, args ...interface{}) {
		logger.Errorf(f, args...)
		errors = append(errors, fmt.Sprintf(f, args...))
	}
	defer func() {
		if len(errors) == 0 {
			logger.Info("--- no errors ---")
		} else {
			fmt.Fprint(stdout, "\n--- cut here --- error summary ---\n\n")
			for _, e := range errors {
				logger.Error(e)
			}
		}
	}()

	client := loom.NewClientFromEnv()
	if *scheduler != "" {
		client.BaseURL = strings.TrimSuffix(*scheduler, "/")
	}
	if *token != "" {
		client.AuthToken = *token
	}
	if *insecure {
		client.Insecure = true
	}
	if client.BaseURL == "" {
		fmt.Fprintln(stderr, "no scheduler endpoint: use -scheduler or set $LOOM_SCHEDULER_URL")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	testname := fmt.Sprintf("getting job list from %s", client.BaseURL)
	logger.Info(testname)
	list, err := client.ListJobs(ctx)
	if err != nil {
		errorf("%s: %s", testname, err)
		return 1
	}
	infof("%s: ok, %d jobs", testname, len(list.Items))

	// The canary exercises both sides of a shuffle boundary: a
	// filtered range scan feeding a global count.
	const canaryRows = 100
	const canaryBelow = 50
	plan := &loom.Plan{Root: &loom.PlanNode{
		Op:   loom.OpHashAgg,
		Aggs: []loom.Aggregate{{Op: "count", As: "rows"}},
		Children: []*loom.PlanNode{{
			Op:          loom.OpShuffle,
			Parallelism: 1,
			Children: []*loom.PlanNode{{
				Op:     loom.OpFilter,
				Filter: &loom.Condition{Col: "n", Op: "<", Value: canaryBelow},
				Children: []*loom.PlanNode{{
					Op:    loom.OpRange,
					Count: canaryRows,
				}},
			}},
		}},
	}}

	testname = "submitting canary query"
	logger.Info(testname)
	status, err := client.SubmitJob(ctx, loom.SubmitOptions{Plan: plan, Client: "diagnostics"})
	if err != nil {
		errorf("%s: %s", testname, err)
		return 1
	}
	infof("%s: ok, job uuid = %s", testname, status.UUID)

	testname = fmt.Sprintf("waiting for job %s to finish", status.UUID)
	logger.Info(testname)
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()
	for status.State == loom.JobStateRunning {
		select {
		case <-ctx.Done():
			errorf("%s: still %s after %s", testname, status.State, *timeout)
			cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, cerr := client.CancelJob(cctx, status.UUID); cerr != nil {
				errorf("cancelling job %s: %s", status.UUID, cerr)
			}
			ccancel()
			return 1
		case <-poll.C:
			status, err = client.JobStatus(ctx, status.UUID)
			if err != nil {
				errorf("%s: %s", testname, err)
				return 1
			}
		}
	}
	if status.State != loom.JobStateCompleted {
		errorf("%s: job is %s: %s", testname, status.State, status.FailureReason)
		return 1
	}
	infof("%s: ok, finished at %s", testname, status.FinishedAt.Format(time.RFC3339))

	testname = "verifying canary results"
	logger.Info(testname)
	results, err := client.JobResults(ctx, status.UUID)
	if err != nil {
		errorf("%s: %s", testname, err)
		return 1
	}
	switch {
	case len(results.Columns) != 1 || results.Columns[0] != "rows":
		errorf("%s: unexpected columns %v", testname, results.Columns)
		return 1
	case len(results.Rows) != 1 || len(results.Rows[0]) != 1:
		errorf("%s: unexpected row shape %v", testname, results.Rows)
		return 1
	case results.Rows[0][0] != float64(canaryBelow):
		errorf("%s: got %v, expected %v", testname, results.Rows[0][0], canaryBelow)
		return 1
	}
	infof("%s: ok, count = %v", testname, results.Rows[0][0])
	return 0
}
