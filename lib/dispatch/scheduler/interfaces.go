// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"time"

	"github.com/loomdb/loom/lib/dispatch/executors"
	"github.com/loomdb/loom/sdk/go/loom"
)

// A JobQueue is the scheduler's view of the active jobs whose tasks
// need to be placed. Normally this is a jobs.Registry.
type JobQueue interface {
	// Entries returns snapshot copies of all active jobs, keyed
	// by UUID, and the time the most recent snapshot was
	// published.
	Entries() (map[string]*loom.QueryJob, time.Time)

	// Assign marks the given task Scheduled on the given
	// executor and returns the payload to send to it. It returns
	// an error if the task has moved on (different attempt, not
	// Unscheduled, job finished).
	Assign(jobUUID string, stage, partition, attempt int, executorUUID string) (*loom.TaskDispatch, error)

	// Release reverts a Scheduled/Running task to Unscheduled
	// without spending its retry budget.
	Release(jobUUID string, stage, partition, attempt int, reason string) error

	// Apply feeds a task report into the queue, e.g. the
	// synthetic failure report for a timed-out task.
	Apply(ev loom.TaskEvent) error

	// Subscribe returns a channel that becomes ready when a job
	// snapshot changes. Unsubscribe stops notifications.
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

// An ExecutorPool is the scheduler's view of the executors available
// to run tasks. Normally this is an executors.Pool.
type ExecutorPool interface {
	// Candidates returns the executors that may be assigned new
	// tasks, sorted by UUID.
	Candidates() []executors.Candidate

	// Alive reports, per known executor, whether it is still
	// considered reachable. Missing keys mean not alive.
	Alive() map[string]bool

	// Dispatch sends a task to an executor's data plane.
	Dispatch(ctx context.Context, uuid string, td loom.TaskDispatch) error

	// Kill tells an executor to stop a task attempt, best
	// effort.
	Kill(ctx context.Context, uuid, jobUUID string, stage, partition int) error

	// MarkTasksReassigned records that the given dead executor's
	// tasks have been released for reassignment, so it may not
	// silently resume its old registration.
	MarkTasksReassigned(uuid string)

	// Subscribe returns a channel that becomes ready when the
	// set of usable executors may have changed. Unsubscribe
	// stops notifications.
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}
