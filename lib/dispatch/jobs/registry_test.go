// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomdb/loom/lib/coordination"
	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RegistrySuite{})

type RegistrySuite struct {
	ctx      context.Context
	cluster  *loom.Cluster
	backend  coordination.Backend
	registry *Registry
	sink     *eventRecorder
	capacity atomic.Int64
}

type eventRecorder struct {
	mtx    sync.Mutex
	events []Event
}

func (er *eventRecorder) Publish(ev Event) {
	er.mtx.Lock()
	defer er.mtx.Unlock()
	er.events = append(er.events, ev)
}

func (er *eventRecorder) all() []Event {
	er.mtx.Lock()
	defer er.mtx.Unlock()
	return append([]Event(nil), er.events...)
}

func (s *RegistrySuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cluster = &loom.Cluster{ClusterID: "zzzzz"}
	s.cluster.Coordination.Driver = "memory"
	s.cluster.Dispatch.CheckpointInterval = loom.Duration(10 * time.Millisecond)
	backend, err := coordination.NewBackend(s.cluster, ctxlog.TestLogger(c), prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	s.backend = backend
	s.sink = &eventRecorder{}
	s.capacity.Store(8)
	s.registry = NewRegistry(s.ctx, s.cluster, s.backend, s.sink, func() int { return int(s.capacity.Load()) }, prometheus.NewRegistry())
}

func (s *RegistrySuite) TearDownTest(c *check.C) {
	s.registry.Reset()
	s.backend.Close()
}

// filter over range: a single stage with one task.
func singleStagePlan() *loom.Plan {
	return &loom.Plan{Root: &loom.PlanNode{
		Op:     loom.OpFilter,
		Filter: &loom.Condition{Col: "n", Op: ">", Value: 5},
		Children: []*loom.PlanNode{{
			Op:    loom.OpRange,
			Count: 100,
		}},
	}}
}

// count-then-sum aggregation with one shuffle: stage 0 has
// `parallelism` tasks, stage 1 is the single-task terminal gather.
func aggregationPlan(parallelism int) *loom.Plan {
	return &loom.Plan{Root: &loom.PlanNode{
		Op:      loom.OpHashAgg,
		GroupBy: []string{"n"},
		Aggs:    []loom.Aggregate{{Op: "sum", Col: "c", As: "c"}},
		Children: []*loom.PlanNode{{
			Op:          loom.OpShuffle,
			PartitionBy: []string{"n"},
			Parallelism: parallelism,
			Children: []*loom.PlanNode{{
				Op:      loom.OpHashAgg,
				GroupBy: []string{"n"},
				Aggs:    []loom.Aggregate{{Op: "count", As: "c"}},
				Children: []*loom.PlanNode{{
					Op:    loom.OpRange,
					Count: 100,
				}},
			}},
		}},
	}}
}

func (s *RegistrySuite) waitStatus(c *check.C, uuid string, accept func(loom.JobStatus) bool) loom.JobStatus {
	var last loom.JobStatus
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(time.Millisecond) {
		st, ok := s.registry.Get(uuid)
		c.Assert(ok, check.Equals, true)
		last = st
		if accept(st) {
			return st
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for job state, last %#v", last)
		}
	}
}

func (s *RegistrySuite) waitTask(c *check.C, uuid string, stage, partition int, accept func(loom.Task) bool) loom.Task {
	var last loom.Task
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(time.Millisecond) {
		jobs, _ := s.registry.Entries()
		job, ok := jobs[uuid]
		c.Assert(ok, check.Equals, true)
		last = *job.Stages[stage].Tasks[partition]
		if accept(last) {
			return last
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for task state, last %#v", last)
		}
	}
}

// completeTask walks one task through assign/running/complete the way
// the scheduler and an executor together would.
func (s *RegistrySuite) completeTask(c *check.C, uuid string, stage, partition, attempt int, executor string, output *loom.OutputLocation) *loom.TaskDispatch {
	td, err := s.registry.Assign(uuid, stage, partition, attempt, executor)
	c.Assert(err, check.IsNil)
	c.Check(td.Attempt, check.Equals, attempt+1)
	ev := loom.TaskEvent{
		JobUUID:      uuid,
		Stage:        stage,
		Partition:    partition,
		Attempt:      td.Attempt,
		ExecutorUUID: executor,
		Event:        loom.TaskEventRunning,
	}
	c.Assert(s.registry.Apply(ev), check.IsNil)
	ev.Event = loom.TaskEventComplete
	ev.Output = output
	c.Assert(s.registry.Apply(ev), check.IsNil)
	return td
}

func output(executor, uuid string, stage, partition int) *loom.OutputLocation {
	return &loom.OutputLocation{
		ExecutorUUID: executor,
		URL:          fmt.Sprintf("http://%s.example/loom/v1/shuffle/%s/%d/%d", executor, uuid, stage, partition),
		Bytes:        128,
		Rows:         10,
	}
}

func (s *RegistrySuite) TestSubmit(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: singleStagePlan(), Client: "testclient", Priority: 3})
	c.Assert(err, check.IsNil)
	c.Check(st.UUID, check.Matches, `zzzzz-q2j7d-[0-9a-z]{15}`)
	c.Check(st.State, check.Equals, loom.JobStateRunning)
	c.Check(st.Client, check.Equals, "testclient")
	c.Check(st.Priority, check.Equals, 3)
	c.Assert(st.Stages, check.HasLen, 1)
	c.Check(st.Stages[0].State, check.Equals, loom.StageStateReady)
	c.Check(st.Stages[0].Tasks, check.DeepEquals, map[loom.TaskState]int{loom.TaskStateUnscheduled: 1})

	// initial checkpoint is written before Submit returns
	kv, err := s.backend.Get(context.Background(), "jobs/"+st.UUID)
	c.Assert(err, check.IsNil)
	var saved loom.QueryJob
	c.Assert(json.Unmarshal(kv.Value, &saved), check.IsNil)
	c.Check(saved.UUID, check.Equals, st.UUID)
	c.Check(saved.State, check.Equals, loom.JobStateRunning)
}

func (s *RegistrySuite) TestSubmitInvalidPlan(c *check.C) {
	_, err := s.registry.Submit(loom.SubmitOptions{})
	c.Check(err, check.ErrorMatches, `submission has no plan`)
	_, err = s.registry.Submit(loom.SubmitOptions{Plan: &loom.Plan{Root: &loom.PlanNode{Op: "teleport"}}})
	c.Check(err, check.ErrorMatches, `invalid plan: unknown operator "teleport"`)
}

func (s *RegistrySuite) TestCompleteJobFlow(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: aggregationPlan(2)})
	c.Assert(err, check.IsNil)
	uuid := st.UUID
	c.Assert(st.Stages, check.HasLen, 2)
	c.Check(st.Stages[0].State, check.Equals, loom.StageStateReady)
	c.Check(st.Stages[1].State, check.Equals, loom.StageStatePending)

	s.completeTask(c, uuid, 0, 0, 0, "zzzzz-e4x9k-000000000000001", output("zzzzz-e4x9k-000000000000001", uuid, 0, 0))
	s.completeTask(c, uuid, 0, 1, 0, "zzzzz-e4x9k-000000000000002", output("zzzzz-e4x9k-000000000000002", uuid, 0, 1))

	st = s.waitStatus(c, uuid, func(st loom.JobStatus) bool {
		return st.Stages[1].State == loom.StageStateReady
	})
	c.Check(st.Stages[0].State, check.Equals, loom.StageStateCompleted)

	// the terminal dispatch carries the upstream outputs and the
	// inline-result limit
	td, err := s.registry.Assign(uuid, 1, 0, 0, "zzzzz-e4x9k-000000000000001")
	c.Assert(err, check.IsNil)
	c.Assert(td.Inputs[0], check.HasLen, 2)
	c.Check(td.Inputs[0][0].URL, check.Matches, `http://zzzzz-e4x9k-000000000000001.*/0/0`)
	c.Check(td.Inputs[0][1].URL, check.Matches, `http://zzzzz-e4x9k-000000000000002.*/0/1`)
	c.Check(td.MaxInlineResultBytes, check.Equals, int64(1<<20))
	c.Check(td.Fragment.Op, check.Equals, loom.OpHashAgg)

	c.Assert(s.registry.Apply(loom.TaskEvent{
		JobUUID: uuid, Stage: 1, Partition: 0, Attempt: td.Attempt,
		ExecutorUUID: "zzzzz-e4x9k-000000000000001",
		Event:        loom.TaskEventComplete,
		Output: &loom.OutputLocation{
			ExecutorUUID: "zzzzz-e4x9k-000000000000001",
			Inline:       &loom.ResultSet{Columns: []string{"n", "c"}, Rows: [][]interface{}{{1, 10}}},
			Rows:         1,
		},
	}), check.IsNil)

	st = s.waitStatus(c, uuid, func(st loom.JobStatus) bool {
		return st.State == loom.JobStateCompleted
	})
	c.Check(st.FailureReason, check.Equals, "")
	c.Check(st.FinishedAt.IsZero(), check.Equals, false)

	// finished record keeps the inline result, checkpoint is gone
	rec, ok := s.registry.Finished(uuid)
	c.Assert(ok, check.Equals, true)
	terminal := rec.Stages[rec.TerminalStage()].Tasks[0]
	c.Assert(terminal.Output, check.NotNil)
	c.Check(terminal.Output.Inline.Rows, check.HasLen, 1)
	kvs, err := s.backend.List(context.Background(), CheckpointPrefix)
	c.Assert(err, check.IsNil)
	c.Check(kvs, check.HasLen, 0)

	// each stage became Ready exactly once
	ready := map[int]int{}
	for _, ev := range s.sink.all() {
		if ev.Kind == EventKindStage && ev.StageState == loom.StageStateReady {
			ready[ev.Stage]++
		}
	}
	c.Check(ready, check.DeepEquals, map[int]int{1: 1})
}

func (s *RegistrySuite) TestDuplicateCompletionIsIdempotent(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: aggregationPlan(2)})
	c.Assert(err, check.IsNil)
	uuid := st.UUID

	first := output("zzzzz-e4x9k-000000000000001", uuid, 0, 0)
	td := s.completeTask(c, uuid, 0, 0, 0, "zzzzz-e4x9k-000000000000001", first)
	s.waitTask(c, uuid, 0, 0, func(t loom.Task) bool { return t.State == loom.TaskStateCompleted })

	// replayed completion with a different payload changes nothing
	c.Assert(s.registry.Apply(loom.TaskEvent{
		JobUUID: uuid, Stage: 0, Partition: 0, Attempt: td.Attempt,
		ExecutorUUID: "zzzzz-e4x9k-000000000000001",
		Event:        loom.TaskEventComplete,
		Output:       &loom.OutputLocation{ExecutorUUID: "zzzzz-e4x9k-000000000000009", URL: "http://imposter.example/"},
	}), check.IsNil)

	// ...and a failure report for a completed attempt is ignored
	c.Assert(s.registry.Apply(loom.TaskEvent{
		JobUUID: uuid, Stage: 0, Partition: 0, Attempt: td.Attempt,
		ExecutorUUID: "zzzzz-e4x9k-000000000000001",
		Event:        loom.TaskEventFailed,
		Reason:       "spurious",
	}), check.IsNil)

	task := s.waitTask(c, uuid, 0, 0, func(t loom.Task) bool { return t.State == loom.TaskStateCompleted })
	c.Check(task.Output.URL, check.Equals, first.URL)
	c.Check(task.Failures, check.Equals, 0)
}

func (s *RegistrySuite) TestRetryExhaustionFailsJob(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: singleStagePlan()})
	c.Assert(err, check.IsNil)
	uuid := st.UUID

	for attempt := 0; attempt < 3; attempt++ {
		executor := fmt.Sprintf("zzzzz-e4x9k-00000000000000%d", attempt+1)
		td, err := s.registry.Assign(uuid, 0, 0, attempt, executor)
		c.Assert(err, check.IsNil)
		c.Assert(s.registry.Apply(loom.TaskEvent{
			JobUUID: uuid, Stage: 0, Partition: 0, Attempt: td.Attempt,
			ExecutorUUID: executor,
			Event:        loom.TaskEventFailed,
			Kind:         loom.FailureKindOperator,
			Reason:       fmt.Sprintf("boom %d", attempt+1),
		}), check.IsNil)
		if attempt < 2 {
			// budget not exhausted: requeued with the
			// failure count, not failed
			task := s.waitTask(c, uuid, 0, 0, func(t loom.Task) bool { return t.State == loom.TaskStateUnscheduled })
			c.Check(task.Failures, check.Equals, attempt+1)
			c.Check(task.Attempt, check.Equals, attempt+1)
		}
	}

	st = s.waitStatus(c, uuid, func(st loom.JobStatus) bool { return st.State == loom.JobStateFailed })
	c.Check(st.FailureReason, check.Equals, "stage 0 task 0: boom 3")
	c.Check(st.Stages[0].State, check.Equals, loom.StageStateFailed)

	rec, ok := s.registry.Finished(uuid)
	c.Assert(ok, check.Equals, true)
	task := rec.Stages[0].Tasks[0]
	c.Check(task.Failures, check.Equals, 3)
	c.Check(task.TriedExecutors, check.HasLen, 3)
}

func (s *RegistrySuite) TestExecutorLossDoesNotBurnRetries(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: singleStagePlan()})
	c.Assert(err, check.IsNil)
	uuid := st.UUID

	lost := "zzzzz-e4x9k-000000000000001"
	td, err := s.registry.Assign(uuid, 0, 0, 0, lost)
	c.Assert(err, check.IsNil)
	c.Assert(s.registry.Apply(loom.TaskEvent{
		JobUUID: uuid, Stage: 0, Partition: 0, Attempt: td.Attempt,
		ExecutorUUID: lost, Event: loom.TaskEventRunning,
	}), check.IsNil)
	s.waitTask(c, uuid, 0, 0, func(t loom.Task) bool { return t.State == loom.TaskStateRunning })

	c.Assert(s.registry.Release(uuid, 0, 0, td.Attempt, "executor lost"), check.IsNil)
	task := s.waitTask(c, uuid, 0, 0, func(t loom.Task) bool { return t.State == loom.TaskStateUnscheduled })
	c.Check(task.Attempt, check.Equals, td.Attempt)
	c.Check(task.Failures, check.Equals, 0)
	c.Check(task.ExecutorUUID, check.Equals, "")

	// reassignment bumps the attempt, so anything the lost
	// executor still says about its old attempt is stale
	td2, err := s.registry.Assign(uuid, 0, 0, td.Attempt, "zzzzz-e4x9k-000000000000002")
	c.Assert(err, check.IsNil)
	c.Check(td2.Attempt, check.Equals, td.Attempt+1)
	c.Assert(s.registry.Apply(loom.TaskEvent{
		JobUUID: uuid, Stage: 0, Partition: 0, Attempt: td.Attempt,
		ExecutorUUID: lost, Event: loom.TaskEventFailed, Reason: "i am back",
	}), check.IsNil)

	c.Assert(s.registry.Apply(loom.TaskEvent{
		JobUUID: uuid, Stage: 0, Partition: 0, Attempt: td2.Attempt,
		ExecutorUUID: "zzzzz-e4x9k-000000000000002",
		Event:        loom.TaskEventComplete,
		Output:       &loom.OutputLocation{ExecutorUUID: "zzzzz-e4x9k-000000000000002", Inline: &loom.ResultSet{}},
	}), check.IsNil)
	st = s.waitStatus(c, uuid, func(st loom.JobStatus) bool { return st.State == loom.JobStateCompleted })
	c.Check(st.FailureReason, check.Equals, "")
}

func (s *RegistrySuite) TestReleaseWrongAttemptIgnored(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: singleStagePlan()})
	c.Assert(err, check.IsNil)
	td, err := s.registry.Assign(st.UUID, 0, 0, 0, "zzzzz-e4x9k-000000000000001")
	c.Assert(err, check.IsNil)

	c.Assert(s.registry.Release(st.UUID, 0, 0, td.Attempt-1, "stale release"), check.IsNil)
	task := s.waitTask(c, st.UUID, 0, 0, func(t loom.Task) bool { return t.State == loom.TaskStateScheduled })
	c.Check(task.ExecutorUUID, check.Equals, "zzzzz-e4x9k-000000000000001")
}

func (s *RegistrySuite) TestAssignConflicts(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: aggregationPlan(2)})
	c.Assert(err, check.IsNil)
	uuid := st.UUID

	_, err = s.registry.Assign(uuid, 0, 0, 0, "zzzzz-e4x9k-000000000000001")
	c.Assert(err, check.IsNil)
	// same attempt again: somebody else won the race
	_, err = s.registry.Assign(uuid, 0, 0, 0, "zzzzz-e4x9k-000000000000002")
	c.Check(err, check.ErrorMatches, `assignment of attempt 0 superseded by attempt 1`)
	// already scheduled
	_, err = s.registry.Assign(uuid, 0, 0, 1, "zzzzz-e4x9k-000000000000002")
	c.Check(err, check.ErrorMatches, `task state is Scheduled, not Unscheduled`)
	// stage not runnable yet
	_, err = s.registry.Assign(uuid, 1, 0, 0, "zzzzz-e4x9k-000000000000002")
	c.Check(err, check.ErrorMatches, `stage 1 is Pending, not runnable`)
	// no such task
	_, err = s.registry.Assign(uuid, 0, 9, 0, "zzzzz-e4x9k-000000000000002")
	c.Check(err, check.ErrorMatches, `no such task: stage 0 partition 9`)
}

func (s *RegistrySuite) TestCancel(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: aggregationPlan(2)})
	c.Assert(err, check.IsNil)
	uuid := st.UUID

	c.Assert(s.registry.Cancel(uuid, "cancelled by client"), check.IsNil)
	st = s.waitStatus(c, uuid, func(st loom.JobStatus) bool { return st.State == loom.JobStateFailed })
	c.Check(st.FailureReason, check.Equals, "cancelled by client")
	for _, stage := range st.Stages {
		c.Check(stage.State, check.Equals, loom.StageStateFailed)
	}

	c.Check(s.registry.Cancel(uuid, "again"), check.Equals, ErrJobFinished)
	c.Check(s.registry.Cancel("zzzzz-q2j7d-nosuchjobnosuch1", "x"), check.ErrorMatches, `unknown job .*`)
}

func (s *RegistrySuite) TestUnknownJob(c *check.C) {
	uuid := "zzzzz-q2j7d-nosuchjobnosuch1"
	c.Check(s.registry.Apply(loom.TaskEvent{JobUUID: uuid}), check.ErrorMatches, `unknown job .*`)
	_, err := s.registry.Assign(uuid, 0, 0, 0, "zzzzz-e4x9k-000000000000001")
	c.Check(err, check.ErrorMatches, `unknown job .*`)
	c.Check(s.registry.Release(uuid, 0, 0, 0, "x"), check.ErrorMatches, `unknown job .*`)
	_, ok := s.registry.Get(uuid)
	c.Check(ok, check.Equals, false)
}

func (s *RegistrySuite) TestRecoveryAfterLeadershipChange(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: aggregationPlan(2)})
	c.Assert(err, check.IsNil)
	uuid := st.UUID

	// partition 0 finishes, partition 1 is in flight when the
	// leader goes away
	s.completeTask(c, uuid, 0, 0, 0, "zzzzz-e4x9k-000000000000001", output("zzzzz-e4x9k-000000000000001", uuid, 0, 0))
	_, err = s.registry.Assign(uuid, 0, 1, 0, "zzzzz-e4x9k-000000000000002")
	c.Assert(err, check.IsNil)

	// wait for a checkpoint reflecting both
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(time.Millisecond) {
		kv, err := s.backend.Get(context.Background(), "jobs/"+uuid)
		c.Assert(err, check.IsNil)
		var saved loom.QueryJob
		c.Assert(json.Unmarshal(kv.Value, &saved), check.IsNil)
		if saved.Stages[0].Tasks[0].State == loom.TaskStateCompleted &&
			saved.Stages[0].Tasks[1].State == loom.TaskStateScheduled {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for checkpoint, last %#v", saved)
		}
	}

	s.registry.Reset()
	_, ok := s.registry.Get(uuid)
	c.Check(ok, check.Equals, false)

	// a new registry on the same backend picks the job up
	registry2 := NewRegistry(s.ctx, s.cluster, s.backend, s.sink, func() int { return 8 }, prometheus.NewRegistry())
	defer registry2.Reset()
	c.Assert(registry2.LoadCheckpoints(context.Background()), check.IsNil)

	jobs, _ := registry2.Entries()
	job, ok := jobs[uuid]
	c.Assert(ok, check.Equals, true)
	c.Check(job.State, check.Equals, loom.JobStateRunning)
	// completed work survives, in-flight work is requeued with
	// its attempt counter intact
	c.Check(job.Stages[0].Tasks[0].State, check.Equals, loom.TaskStateCompleted)
	c.Assert(job.Stages[0].Tasks[0].Output, check.NotNil)
	c.Check(job.Stages[0].Tasks[1].State, check.Equals, loom.TaskStateUnscheduled)
	c.Check(job.Stages[0].Tasks[1].Attempt, check.Equals, 1)
	c.Check(job.Stages[0].Tasks[1].ExecutorUUID, check.Equals, "")

	// and the job can still run to completion
	s2 := &RegistrySuite{registry: registry2, backend: s.backend}
	s2.completeTask(c, uuid, 0, 1, 1, "zzzzz-e4x9k-000000000000003", output("zzzzz-e4x9k-000000000000003", uuid, 0, 1))
	s2.waitStatus(c, uuid, func(st loom.JobStatus) bool { return st.Stages[1].State == loom.StageStateReady })
	s2.completeTask(c, uuid, 1, 0, 0, "zzzzz-e4x9k-000000000000003", &loom.OutputLocation{
		ExecutorUUID: "zzzzz-e4x9k-000000000000003",
		Inline:       &loom.ResultSet{Columns: []string{"n", "c"}},
	})
	s2.waitStatus(c, uuid, func(st loom.JobStatus) bool { return st.State == loom.JobStateCompleted })
}

func (s *RegistrySuite) TestRecoveryFilesTerminalCheckpoint(c *check.C) {
	// a terminal checkpoint (leader crashed between writing it
	// and deleting it) goes straight to the finished cache
	job := &loom.QueryJob{
		UUID:        "zzzzz-q2j7d-finishedjob0001",
		State:       loom.JobStateCompleted,
		SubmittedAt: time.Now().Add(-time.Minute),
		FinishedAt:  time.Now(),
	}
	buf, err := json.Marshal(job)
	c.Assert(err, check.IsNil)
	_, err = s.backend.Put(context.Background(), "jobs/"+job.UUID, buf, 0)
	c.Assert(err, check.IsNil)

	c.Assert(s.registry.LoadCheckpoints(context.Background()), check.IsNil)
	st, ok := s.registry.Get(job.UUID)
	c.Assert(ok, check.Equals, true)
	c.Check(st.State, check.Equals, loom.JobStateCompleted)
	_, err = s.backend.Get(context.Background(), "jobs/"+job.UUID)
	c.Check(err, check.Equals, coordination.ErrNotFound)
}

func (s *RegistrySuite) TestStalledJobFails(c *check.C) {
	s.cluster.Dispatch.StallTimeout = loom.Duration(50 * time.Millisecond)
	registry := NewRegistry(s.ctx, s.cluster, s.backend, s.sink, func() int { return 0 }, prometheus.NewRegistry())
	defer registry.Reset()

	st, err := registry.Submit(loom.SubmitOptions{Plan: singleStagePlan()})
	c.Assert(err, check.IsNil)
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(time.Millisecond) {
		var ok bool
		st, ok = registry.Get(st.UUID)
		c.Assert(ok, check.Equals, true)
		if st.State == loom.JobStateFailed {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for stall, job still %s", st.State)
		}
	}
	c.Check(st.FailureReason, check.Matches, `no executor capacity available for .*`)
}

func (s *RegistrySuite) TestEntriesReturnsCopies(c *check.C) {
	st, err := s.registry.Submit(loom.SubmitOptions{Plan: singleStagePlan()})
	c.Assert(err, check.IsNil)

	jobs, updated := s.registry.Entries()
	c.Check(updated.IsZero(), check.Equals, false)
	jobs[st.UUID].Stages[0].Tasks[0].State = loom.TaskStateFailed
	jobs[st.UUID].Priority = 99

	again, _ := s.registry.Entries()
	c.Check(again[st.UUID].Stages[0].Tasks[0].State, check.Equals, loom.TaskStateUnscheduled)
	c.Check(again[st.UUID].Priority, check.Equals, 0)
}

func (s *RegistrySuite) TestSubscribe(c *check.C) {
	ch := s.registry.Subscribe()
	defer s.registry.Unsubscribe(ch)

	st, err := s.registry.Submit(loom.SubmitOptions{Plan: singleStagePlan()})
	c.Assert(err, check.IsNil)
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		c.Fatal("no notification after submit")
	}

	_, err = s.registry.Assign(st.UUID, 0, 0, 0, "zzzzz-e4x9k-000000000000001")
	c.Assert(err, check.IsNil)
	s.waitTask(c, st.UUID, 0, 0, func(t loom.Task) bool { return t.State == loom.TaskStateScheduled })
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		c.Fatal("no notification after assignment")
	}
}
