// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&StateSuite{})

type StateSuite struct{}

func (s *StateSuite) TestTaskTransitions(c *check.C) {
	for _, trial := range []struct {
		from TaskState
		to   TaskState
		ok   bool
	}{
		{TaskStateUnscheduled, TaskStateScheduled, true},
		{TaskStateScheduled, TaskStateRunning, true},
		{TaskStateScheduled, TaskStateUnscheduled, true},
		{TaskStateScheduled, TaskStateCompleted, true},
		{TaskStateRunning, TaskStateCompleted, true},
		{TaskStateRunning, TaskStateFailed, true},
		{TaskStateRunning, TaskStateUnscheduled, true},
		{TaskStateFailed, TaskStateUnscheduled, true},
		{TaskStateCompleted, TaskStateRunning, false},
		{TaskStateCompleted, TaskStateUnscheduled, false},
		{TaskStateCompleted, TaskStateFailed, false},
		{TaskStateUnscheduled, TaskStateRunning, false},
		{TaskStateFailed, TaskStateRunning, false},
	} {
		c.Check(ValidTaskTransition(trial.from, trial.to), check.Equals, trial.ok,
			check.Commentf("%s -> %s", trial.from, trial.to))
	}
}

func (s *StateSuite) TestStageTransitions(c *check.C) {
	for _, trial := range []struct {
		from StageState
		to   StageState
		ok   bool
	}{
		{StageStatePending, StageStateReady, true},
		{StageStateReady, StageStateRunning, true},
		{StageStateRunning, StageStateCompleted, true},
		{StageStateRunning, StageStateFailed, true},
		{StageStatePending, StageStateFailed, true},
		// a stage never re-enters Pending, and becomes Ready
		// at most once
		{StageStateReady, StageStatePending, false},
		{StageStateRunning, StageStatePending, false},
		{StageStateRunning, StageStateReady, false},
		{StageStateCompleted, StageStateReady, false},
		{StageStateCompleted, StageStateRunning, false},
		{StageStateFailed, StageStateReady, false},
	} {
		c.Check(ValidStageTransition(trial.from, trial.to), check.Equals, trial.ok,
			check.Commentf("%s -> %s", trial.from, trial.to))
	}
}

func (s *StateSuite) TestJobTransitions(c *check.C) {
	c.Check(ValidJobTransition(JobStateRunning, JobStateCompleted), check.Equals, true)
	c.Check(ValidJobTransition(JobStateRunning, JobStateFailed), check.Equals, true)
	c.Check(ValidJobTransition(JobStateCompleted, JobStateRunning), check.Equals, false)
	c.Check(ValidJobTransition(JobStateFailed, JobStateRunning), check.Equals, false)
	c.Check(ValidJobTransition(JobStateCompleted, JobStateFailed), check.Equals, false)
}

func (s *StateSuite) TestExecutorTransitions(c *check.C) {
	c.Check(ValidExecutorTransition(ExecutorStateRegistering, ExecutorStateActive), check.Equals, true)
	c.Check(ValidExecutorTransition(ExecutorStateActive, ExecutorStateDead), check.Equals, true)
	c.Check(ValidExecutorTransition(ExecutorStateDead, ExecutorStateActive), check.Equals, true)
	c.Check(ValidExecutorTransition(ExecutorStateActive, ExecutorStateRegistering), check.Equals, false)
	c.Check(ValidExecutorTransition(ExecutorStateDead, ExecutorStateRegistering), check.Equals, false)
}

func (s *StateSuite) TestUUID(c *check.C) {
	uuid := NewUUID("zzzzz", JobUUIDInfix)
	c.Check(uuid, check.Matches, `zzzzz-q2j7d-[0-9a-z]{15}`)
	c.Check(UUIDInfix(uuid), check.Equals, JobUUIDInfix)
	c.Check(ValidateUUID(uuid, JobUUIDInfix), check.IsNil)
	c.Check(ValidateUUID(uuid, ExecutorUUIDInfix), check.NotNil)
	c.Check(UUIDInfix("bogus"), check.Equals, "")
	c.Check(NewUUID("zzzzz", JobUUIDInfix), check.Not(check.Equals), uuid)
}

func (s *StateSuite) TestJobStatusSnapshot(c *check.C) {
	job := &QueryJob{
		UUID:  "zzzzz-q2j7d-000000000000000",
		State: JobStateRunning,
		Stages: []*Stage{
			{
				Index:      0,
				State:      StageStateRunning,
				DependsOn:  []int{},
				Partitions: 3,
				Tasks: []*Task{
					{Partition: 0, State: TaskStateCompleted},
					{Partition: 1, State: TaskStateRunning},
					{Partition: 2, State: TaskStateUnscheduled},
				},
			},
			{
				Index:      1,
				State:      StageStatePending,
				DependsOn:  []int{0},
				Partitions: 1,
				Tasks: []*Task{
					{Partition: 0, State: TaskStateUnscheduled},
				},
			},
		},
	}
	st := job.Status()
	c.Check(st.State, check.Equals, JobStateRunning)
	c.Assert(st.Stages, check.HasLen, 2)
	c.Check(st.Stages[0].Tasks[TaskStateCompleted], check.Equals, 1)
	c.Check(st.Stages[0].Tasks[TaskStateRunning], check.Equals, 1)
	c.Check(st.Stages[1].State, check.Equals, StageStatePending)
	c.Check(st.Stages[1].DependsOn, check.DeepEquals, []int{0})
	c.Check(job.TerminalStage(), check.Equals, 1)
}
