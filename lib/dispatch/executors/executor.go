// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"

	"github.com/loomdb/loom/sdk/go/loom"
)

// IdleBehavior indicates how an executor should be treated by the
// scheduler, as directed by an operator.
type IdleBehavior string

const (
	IdleBehaviorRun   IdleBehavior = "run"   // accept new tasks
	IdleBehaviorHold  IdleBehavior = "hold"  // accept no new tasks, keep the record
	IdleBehaviorDrain IdleBehavior = "drain" // accept no new tasks, retire when idle
)

var validIdleBehavior = map[IdleBehavior]bool{
	IdleBehaviorRun:   true,
	IdleBehaviorHold:  true,
	IdleBehaviorDrain: true,
}

// taskClient is the slice of loom.Client the pool uses to talk to an
// executor's data plane. Tests substitute a stub.
type taskClient interface {
	DispatchTask(ctx context.Context, td loom.TaskDispatch) error
	KillTask(ctx context.Context, jobUUID string, stage, partition int) error
	CleanupJob(ctx context.Context, jobUUID string) error
}

// executor is the pool's record of one executor process. All access
// goes through the pool's lock.
type executor struct {
	loom.Executor
	idleBehavior IdleBehavior
	// tasksReassigned is set once the scheduler has started
	// giving this (dead) executor's tasks to others. After that a
	// returning process must re-register: its old task set is no
	// longer its own.
	tasksReassigned bool
	client          taskClient
}

// view returns the wire copy of the record.
func (ex *executor) view() loom.Executor {
	e := ex.Executor
	e.IdleBehavior = string(ex.idleBehavior)
	return e
}

// A Candidate is an executor the scheduler may assign new tasks to.
type Candidate struct {
	UUID  string
	Slots int
}
