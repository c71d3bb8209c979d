// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import "time"

type StageState string

const (
	StageStatePending   StageState = "Pending"
	StageStateReady     StageState = "Ready"
	StageStateRunning   StageState = "Running"
	StageStateCompleted StageState = "Completed"
	StageStateFailed    StageState = "Failed"
)

// A stage leaves Pending at most once, and never re-enters it.
var validStageTransition = map[StageState]map[StageState]bool{
	StageStatePending: {StageStateReady: true, StageStateFailed: true},
	StageStateReady:   {StageStateRunning: true, StageStateFailed: true},
	StageStateRunning: {StageStateCompleted: true, StageStateFailed: true},
}

// ValidStageTransition returns true if a stage in state from may
// transition to state to.
func ValidStageTransition(from, to StageState) bool {
	return validStageTransition[from][to]
}

// Stage is one horizontal slice of a job: Partitions parallel tasks
// executing the same operator fragment, runnable once every stage in
// DependsOn has completed.
type Stage struct {
	Index     int        `json:"index"`
	DependsOn []int      `json:"depends_on"`
	State     StageState `json:"state"`
	// Fragment is the operator subtree this stage's tasks
	// execute, with shuffleread leaves standing in for upstream
	// stage outputs.
	Fragment   *PlanNode `json:"fragment"`
	Partitions int       `json:"partitions"`
	// Fanout is how many output partitions each task writes: the
	// downstream shuffle's parallelism, or 1 for the terminal
	// stage.
	Fanout      int      `json:"fanout"`
	PartitionBy []string `json:"partition_by,omitempty"`
	Tasks       []*Task  `json:"tasks"`
}

type TaskState string

const (
	TaskStateUnscheduled TaskState = "Unscheduled"
	TaskStateScheduled   TaskState = "Scheduled"
	TaskStateRunning     TaskState = "Running"
	TaskStateCompleted   TaskState = "Completed"
	TaskStateFailed      TaskState = "Failed"
)

// Completed is terminal. Failed -> Unscheduled is the retry path;
// Scheduled/Running -> Unscheduled happens when the assigned executor
// is lost or a dispatch goes stale.
var validTaskTransition = map[TaskState]map[TaskState]bool{
	TaskStateUnscheduled: {TaskStateScheduled: true, TaskStateFailed: true},
	TaskStateScheduled:   {TaskStateRunning: true, TaskStateCompleted: true, TaskStateFailed: true, TaskStateUnscheduled: true},
	TaskStateRunning:     {TaskStateCompleted: true, TaskStateFailed: true, TaskStateUnscheduled: true},
	TaskStateFailed:      {TaskStateUnscheduled: true},
}

// ValidTaskTransition returns true if a task in state from may
// transition to state to.
func ValidTaskTransition(from, to TaskState) bool {
	return validTaskTransition[from][to]
}

// Task is one partition's worth of work within a stage. Attempt
// increments on every assignment, so each dispatch is uniquely
// identified and stale reports from earlier attempts can be ignored.
// Failures counts failed attempts only: a task reassigned because its
// executor was lost does not use up its retry budget.
type Task struct {
	Partition    int       `json:"partition"`
	Attempt      int       `json:"attempt"`
	Failures     int       `json:"failures,omitempty"`
	State        TaskState `json:"state"`
	ExecutorUUID string    `json:"executor_uuid,omitempty"`
	// Executors that already ran (or failed to run) this task;
	// retries prefer an executor not listed here.
	TriedExecutors []string        `json:"tried_executors,omitempty"`
	Output         *OutputLocation `json:"output,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	ScheduledAt    time.Time       `json:"scheduled_at,omitempty"`
	StartedAt      time.Time       `json:"started_at,omitempty"`
}

// OutputLocation describes where a completed task's output partitions
// can be read. URL is the base; downstream consumers append the
// output partition number. Small terminal outputs are carried inline
// instead.
type OutputLocation struct {
	ExecutorUUID string     `json:"executor_uuid"`
	URL          string     `json:"url,omitempty"`
	Bytes        int64      `json:"bytes"`
	Rows         int64      `json:"rows"`
	Inline       *ResultSet `json:"inline,omitempty"`
}

type TaskEventType string

const (
	TaskEventRunning  TaskEventType = "running"
	TaskEventComplete TaskEventType = "complete"
	TaskEventFailed   TaskEventType = "failed"
)

// TaskEvent is an executor's report about one task attempt.
type TaskEvent struct {
	JobUUID      string          `json:"job_uuid"`
	Stage        int             `json:"stage"`
	Partition    int             `json:"partition"`
	Attempt      int             `json:"attempt"`
	ExecutorUUID string          `json:"executor_uuid"`
	Generation   int64           `json:"generation"`
	Event        TaskEventType   `json:"event"`
	Output       *OutputLocation `json:"output,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Kind         FailureKind     `json:"kind,omitempty"`
}

// TaskDispatch is the scheduler's instruction to an executor to run
// one task attempt.
type TaskDispatch struct {
	JobUUID   string    `json:"job_uuid"`
	Stage     int       `json:"stage"`
	Partition int       `json:"partition"`
	Attempt   int       `json:"attempt"`
	Fragment  *PlanNode `json:"fragment"`
	// Partitions is the owning stage's task count, used to slice
	// source operators across the stage.
	Partitions  int      `json:"partitions"`
	Fanout      int      `json:"fanout"`
	PartitionBy []string `json:"partition_by,omitempty"`
	// Inputs maps each upstream stage index to that stage's
	// per-task output locations.
	Inputs map[int][]OutputLocation `json:"inputs,omitempty"`
	// MaxInlineResultBytes applies to terminal stages: outputs no
	// larger than this are reported inline.
	MaxInlineResultBytes int64 `json:"max_inline_result_bytes,omitempty"`
}
