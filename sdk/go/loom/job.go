// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import "time"

type JobState string

const (
	JobStateRunning   JobState = "Running"
	JobStateCompleted JobState = "Completed"
	JobStateFailed    JobState = "Failed"
)

var validJobTransition = map[JobState]map[JobState]bool{
	JobStateRunning: {JobStateCompleted: true, JobStateFailed: true},
}

// ValidJobTransition returns true if a job in state from may
// transition to state to.
func ValidJobTransition(from, to JobState) bool {
	return validJobTransition[from][to]
}

// QueryJob is one submitted query: the plan, the stage DAG derived
// from it, and their current states. The scheduler checkpoints the
// whole record to the coordination backend under jobs/{uuid}.
type QueryJob struct {
	UUID          string    `json:"uuid"`
	Client        string    `json:"client"`
	Priority      int       `json:"priority"`
	State         JobState  `json:"state"`
	Plan          *Plan     `json:"plan"`
	Stages        []*Stage  `json:"stages"`
	SubmittedAt   time.Time `json:"submitted_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// TerminalStage returns the index of the stage whose output is the
// job's result. The stage graph builder orders stages so the terminal
// stage is always last.
func (j *QueryJob) TerminalStage() int {
	return len(j.Stages) - 1
}

// SubmitOptions is the body of a job submission.
type SubmitOptions struct {
	Plan     *Plan  `json:"plan"`
	Client   string `json:"client,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// JobStatus is a point-in-time snapshot of a job, cheap enough to
// poll.
type JobStatus struct {
	UUID          string        `json:"uuid"`
	Client        string        `json:"client"`
	Priority      int           `json:"priority"`
	State         JobState      `json:"state"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	FinishedAt    time.Time     `json:"finished_at,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Stages        []StageStatus `json:"stages"`
}

// StageStatus summarizes one stage: its state plus task counts by
// state.
type StageStatus struct {
	Index      int               `json:"index"`
	State      StageState        `json:"state"`
	DependsOn  []int             `json:"depends_on"`
	Partitions int               `json:"partitions"`
	Tasks      map[TaskState]int `json:"tasks"`
}

// Status builds a JobStatus snapshot from the full record.
func (j *QueryJob) Status() JobStatus {
	st := JobStatus{
		UUID:          j.UUID,
		Client:        j.Client,
		Priority:      j.Priority,
		State:         j.State,
		SubmittedAt:   j.SubmittedAt,
		FinishedAt:    j.FinishedAt,
		FailureReason: j.FailureReason,
	}
	for _, stage := range j.Stages {
		ss := StageStatus{
			Index:      stage.Index,
			State:      stage.State,
			DependsOn:  stage.DependsOn,
			Partitions: stage.Partitions,
			Tasks:      map[TaskState]int{},
		}
		for _, task := range stage.Tasks {
			ss.Tasks[task.State]++
		}
		st.Stages = append(st.Stages, ss)
	}
	return st
}
