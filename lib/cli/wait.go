// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/sdk/go/loom"
	"golang.org/x/net/websocket"
)

// Wait blocks until a job reaches a terminal state, then prints its
// final record. It follows the scheduler's websocket event feed,
// falling back on status polls whenever the feed is unavailable.
var Wait cmd.Handler = waitCommand{}

const feedRetryInterval = 5 * time.Second

type waitCommand struct{}

func (waitCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags, values := ClientFlagSet()
	timeout := flags.Duration("timeout", 0, "give up after this long (0 waits forever)")
	verbose := flags.Bool("verbose", false, "print job events on stderr while waiting")
	flags.Alias("v", "verbose")
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
	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	var events io.Writer = io.Discard
	if *verbose {
		events = stderr
	}
	status, err := waitJob(ctx, client, uuid, events)
	if err != nil {
		return 1
	}
	if err = writeOutput(stdout, values.Format, status, status.UUID); err != nil {
		return 1
	}
	if status.State == loom.JobStateFailed {
		err = fmt.Errorf("job %s failed: %s", uuid, status.FailureReason)
		return 1
	}
	return 0
}

// waitJob returns the job's terminal status. The feed only carries
// transitions, so each (re)subscription is preceded by a status poll:
// the terminal event may already be in the past.
func waitJob(ctx context.Context, client *loom.Client, uuid string, events io.Writer) (loom.JobStatus, error) {
	var status loom.JobStatus
	for {
		var err error
		status, err = client.JobStatus(ctx, uuid)
		var te loom.TransactionError
		if errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 {
			// no such job; retrying will not help
			return status, err
		}
		if err == nil {
			if status.State != loom.JobStateRunning {
				return status, nil
			}
			err = followFeed(ctx, client, uuid, events)
			if err == nil {
				continue
			}
		}
		if ctx.Err() != nil {
			return status, fmt.Errorf("timed out waiting for job %s", uuid)
		}
		fmt.Fprintf(events, "%s (retrying)\n", err)
		select {
		case <-ctx.Done():
			return status, fmt.Errorf("timed out waiting for job %s", uuid)
		case <-time.After(feedRetryInterval):
		}
	}
}

// followFeed subscribes to the scheduler's event feed filtered to one
// job, writing one line per event, and returns nil once a terminal
// job event arrives.
func followFeed(ctx context.Context, client *loom.Client, uuid string, events io.Writer) error {
	wsURL, err := feedURL(client, uuid)
	if err != nil {
		return err
	}
	config, err := websocket.NewConfig(wsURL, client.BaseURL)
	if err != nil {
		return err
	}
	if client.Insecure {
		config.TlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	ws, err := websocket.DialConfig(config)
	if err != nil {
		return fmt.Errorf("error connecting to event feed: %s", err)
	}
	defer ws.Close()
	if deadline, ok := ctx.Deadline(); ok {
		ws.SetDeadline(deadline)
	}
	for {
		var ev feedEvent
		if err := websocket.JSON.Receive(ws, &ev); err != nil {
			return fmt.Errorf("error reading event feed: %s", err)
		}
		if ev.Kind == "" {
			// ping frame
			continue
		}
		fmt.Fprintf(events, "%s %s\n", ev.Timestamp.Format(time.RFC3339), ev)
		if ev.Kind == "job" && ev.JobState != loom.JobStateRunning {
			return nil
		}
	}
}

// feedURL converts the client's base URL to the websocket endpoint
// for one job's events. The token rides in the query string: the
// websocket handshake has no room for an Authorization header here.
func feedURL(client *loom.Client, uuid string) (string, error) {
	u, err := url.Parse(client.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid scheduler URL %q: %s", client.BaseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid scheduler URL %q: unsupported scheme", client.BaseURL)
	}
	u.Path = "/loom/v1/events.ws"
	u.RawQuery = url.Values{"job_uuid": {uuid}, "api_token": {client.AuthToken}}.Encode()
	return u.String(), nil
}

// feedEvent is one frame of the event feed: a job, stage, or task
// transition. Ping frames decode to the zero value.
type feedEvent struct {
	JobUUID    string          `json:"job_uuid"`
	Kind       string          `json:"kind"`
	JobState   loom.JobState   `json:"job_state"`
	StageState loom.StageState `json:"stage_state"`
	TaskState  loom.TaskState  `json:"task_state"`
	Stage      int             `json:"stage"`
	Partition  int             `json:"partition"`
	Attempt    int             `json:"attempt"`
	Reason     string          `json:"reason"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (ev feedEvent) String() string {
	var s string
	switch ev.Kind {
	case "task":
		s = fmt.Sprintf("task %d/%d attempt %d: %s", ev.Stage, ev.Partition, ev.Attempt, ev.TaskState)
	case "stage":
		s = fmt.Sprintf("stage %d: %s", ev.Stage, ev.StageState)
	default:
		s = fmt.Sprintf("job %s: %s", ev.JobUUID, ev.JobState)
	}
	if ev.Reason != "" {
		s += " (" + ev.Reason + ")"
	}
	return s
}
