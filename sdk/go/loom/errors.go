// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes that cross component
// boundaries. Wrap them with fmt.Errorf("...: %w", ...) so callers can
// test with errors.Is.
var (
	// ErrRegistration: an executor cannot join the cluster.
	ErrRegistration = errors.New("executor registration rejected")
	// ErrNoCapacity: no active executor can accept a task right
	// now. Jobs stall on this rather than failing, until the
	// stall timeout elapses.
	ErrNoCapacity = errors.New("no executor capacity available")
	// ErrExecutorUnreachable: network or heartbeat failure
	// talking to an executor. Handled by rescheduling, not
	// surfaced to clients.
	ErrExecutorUnreachable = errors.New("executor unreachable")
	// ErrBackendUnavailable: the coordination backend cannot be
	// reached. The scheduler degrades to a stalled state and
	// retries with backoff.
	ErrBackendUnavailable = errors.New("coordination backend unavailable")
)

// FailureKind classifies what went wrong inside a task attempt.
type FailureKind string

const (
	FailureKindOperator FailureKind = "operator"
	FailureKindData     FailureKind = "data"
	FailureKindResource FailureKind = "resource"
)

// TaskExecutionError is reported by an executor when a task attempt
// fails locally. It never crashes the agent; isolation between
// concurrent tasks on one executor is preserved.
type TaskExecutionError struct {
	Kind   FailureKind
	Reason string
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task execution failed (%s): %s", e.Kind, e.Reason)
}

// JobFailedError is a job's terminal failure: which stage and task
// exceeded the retry bound (or hit an unretryable condition), and the
// underlying reason. This is the only failure detail clients see;
// retry churn stays internal.
type JobFailedError struct {
	JobUUID   string
	Stage     int
	Partition int
	Reason    string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: stage %d task %d: %s", e.JobUUID, e.Stage, e.Partition, e.Reason)
}
