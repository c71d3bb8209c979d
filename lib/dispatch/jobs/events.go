// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"time"

	"github.com/loomdb/loom/sdk/go/loom"
)

// Event kinds, in the order they appear on the feed for a given
// transition cascade: task events first, then the stage they advance,
// then the job.
const (
	EventKindJob   = "job"
	EventKindStage = "stage"
	EventKindTask  = "task"
)

// Event is one job, stage, or task state transition. The registry
// publishes every transition to its EventSink; the dispatcher fans
// them out to websocket clients and uses terminal job events to
// trigger executor-side cleanup.
type Event struct {
	JobUUID    string          `json:"job_uuid"`
	Kind       string          `json:"kind"`
	JobState   loom.JobState   `json:"job_state,omitempty"`
	StageState loom.StageState `json:"stage_state,omitempty"`
	TaskState  loom.TaskState  `json:"task_state,omitempty"`
	Stage      int             `json:"stage"`
	Partition  int             `json:"partition"`
	Attempt    int             `json:"attempt"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// An EventSink receives registry events. Publish must not block: it
// is called from the per-job event loops.
type EventSink interface {
	Publish(Event)
}
