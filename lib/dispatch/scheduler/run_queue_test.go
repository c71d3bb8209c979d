// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomdb/loom/lib/dispatch/executors"
	"github.com/loomdb/loom/lib/dispatch/test"
	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	check "gopkg.in/check.v1"
)

type stubPool struct {
	notify       <-chan struct{}
	candidates   []executors.Candidate
	alive        map[string]bool
	dispatchErrs map[string]error // executor UUID -> error to return from Dispatch

	dispatched map[string][]loom.TaskDispatch // executor UUID -> payloads received
	kills      []string
	reassigned []string
	sync.Mutex
}

func (p *stubPool) Candidates() []executors.Candidate {
	p.Lock()
	defer p.Unlock()
	return append([]executors.Candidate(nil), p.candidates...)
}
func (p *stubPool) Alive() map[string]bool {
	p.Lock()
	defer p.Unlock()
	r := map[string]bool{}
	for uuid, ok := range p.alive {
		r[uuid] = ok
	}
	return r
}
func (p *stubPool) Dispatch(ctx context.Context, uuid string, td loom.TaskDispatch) error {
	p.Lock()
	defer p.Unlock()
	if err := p.dispatchErrs[uuid]; err != nil {
		return err
	}
	if p.dispatched == nil {
		p.dispatched = map[string][]loom.TaskDispatch{}
	}
	p.dispatched[uuid] = append(p.dispatched[uuid], td)
	return nil
}
func (p *stubPool) Kill(ctx context.Context, uuid, jobUUID string, stage, partition int) error {
	p.Lock()
	defer p.Unlock()
	p.kills = append(p.kills, fmt.Sprintf("%s %s/%d/%d", uuid, jobUUID, stage, partition))
	return nil
}
func (p *stubPool) MarkTasksReassigned(uuid string) {
	p.Lock()
	defer p.Unlock()
	p.reassigned = append(p.reassigned, uuid)
}
func (p *stubPool) Subscribe() <-chan struct{}  { return p.notify }
func (p *stubPool) Unsubscribe(<-chan struct{}) {}

func (p *stubPool) countDispatched() int {
	p.Lock()
	defer p.Unlock()
	n := 0
	for _, tds := range p.dispatched {
		n += len(tds)
	}
	return n
}

// runnableJob returns a Running job with one Ready stage of the given
// number of partitions. SubmittedAt is derived from i, so a lower i
// means an earlier submission.
func runnableJob(i, priority, partitions int) *loom.QueryJob {
	stage := &loom.Stage{
		Index:      0,
		State:      loom.StageStateReady,
		Partitions: partitions,
		Fanout:     1,
	}
	for p := 0; p < partitions; p++ {
		stage.Tasks = append(stage.Tasks, &loom.Task{Partition: p, State: loom.TaskStateUnscheduled})
	}
	return &loom.QueryJob{
		UUID:        test.JobUUID(i),
		Priority:    priority,
		State:       loom.JobStateRunning,
		SubmittedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second),
		Stages:      []*loom.Stage{stage},
	}
}

func testCluster(policy string) *loom.Cluster {
	cluster := &loom.Cluster{ClusterID: "zzzzz"}
	cluster.Dispatch.AssignmentPolicy = policy
	return cluster
}

func testScheduler(c *check.C, cluster *loom.Cluster, queue JobQueue, pool ExecutorPool) *Scheduler {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	return New(ctx, cluster, queue, pool, nil)
}

// runQueue starts a goroutine per assignment; wait for them all to
// finish before checking results.
func waitIdle(c *check.C, sch *Scheduler) {
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(time.Millisecond) {
		sch.mtx.Lock()
		n := len(sch.taskOp)
		sch.mtx.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for dispatch goroutines to finish")
		}
	}
}

var _ = check.Suite(&SchedulerSuite{})

type SchedulerSuite struct{}

// Six tasks, three executors with two slots each: everybody gets two.
func (*SchedulerSuite) TestDistributeTasksAcrossExecutors(c *check.C) {
	queue := &test.Queue{Jobs: []*loom.QueryJob{runnableJob(1, 0, 6)}}
	pool := &stubPool{
		candidates: []executors.Candidate{
			{UUID: test.ExecutorUUID(1), Slots: 2},
			{UUID: test.ExecutorUUID(2), Slots: 2},
			{UUID: test.ExecutorUUID(3), Slots: 2},
		},
	}
	sch := testScheduler(c, testCluster(""), queue, pool)
	sch.runQueue()
	waitIdle(c, sch)

	for i := 1; i <= 3; i++ {
		c.Check(pool.dispatched[test.ExecutorUUID(i)], check.HasLen, 2)
	}
	job := queue.Jobs[0]
	c.Check(job.Stages[0].State, check.Equals, loom.StageStateRunning)
	for _, task := range job.Stages[0].Tasks {
		c.Check(task.State, check.Equals, loom.TaskStateScheduled)
		c.Check(task.Attempt, check.Equals, 1)
	}
}

// Executors only receive as many tasks as they have slots, and a
// second pass over an already saturated pool assigns nothing.
func (*SchedulerSuite) TestNoOvercommit(c *check.C) {
	queue := &test.Queue{Jobs: []*loom.QueryJob{runnableJob(1, 0, 5)}}
	pool := &stubPool{candidates: []executors.Candidate{{UUID: test.ExecutorUUID(1), Slots: 2}}}
	sch := testScheduler(c, testCluster(""), queue, pool)
	sch.runQueue()
	waitIdle(c, sch)

	c.Check(pool.dispatched[test.ExecutorUUID(1)], check.HasLen, 2)
	unscheduled := 0
	for _, task := range queue.Jobs[0].Stages[0].Tasks {
		if task.State == loom.TaskStateUnscheduled {
			unscheduled++
		}
	}
	c.Check(unscheduled, check.Equals, 3)

	sch.runQueue()
	waitIdle(c, sch)
	c.Check(pool.countDispatched(), check.Equals, 2)
}

// With one free slot short, the highest-priority job wins, and equal
// priorities break in submission order.
func (*SchedulerSuite) TestHighPriorityFirst(c *check.C) {
	queue := &test.Queue{Jobs: []*loom.QueryJob{
		runnableJob(1, 1, 1),
		runnableJob(2, 1, 1),
		runnableJob(3, 10, 1),
	}}
	pool := &stubPool{candidates: []executors.Candidate{{UUID: test.ExecutorUUID(1), Slots: 2}}}
	sch := testScheduler(c, testCluster(""), queue, pool)
	sch.runQueue()
	waitIdle(c, sch)

	var got []string
	pool.Lock()
	for _, td := range pool.dispatched[test.ExecutorUUID(1)] {
		got = append(got, td.JobUUID)
	}
	pool.Unlock()
	sort.Strings(got)
	c.Check(got, check.DeepEquals, []string{test.JobUUID(1), test.JobUUID(3)})
	c.Check(queue.Jobs[1].Stages[0].Tasks[0].State, check.Equals, loom.TaskStateUnscheduled)
}

// The loadaware policy sends a task to the least-loaded executor,
// counting tasks already running there, and breaks ties in favor of
// the lowest UUID.
func (*SchedulerSuite) TestLoadAwarePolicy(c *check.C) {
	busy := runnableJob(1, 0, 1)
	busy.Stages[0].State = loom.StageStateRunning
	busy.Stages[0].Tasks[0].State = loom.TaskStateRunning
	busy.Stages[0].Tasks[0].Attempt = 1
	busy.Stages[0].Tasks[0].ExecutorUUID = test.ExecutorUUID(1)
	busy.Stages[0].Tasks[0].StartedAt = time.Now()
	queue := &test.Queue{Jobs: []*loom.QueryJob{
		busy,
		runnableJob(2, 0, 1),
		runnableJob(3, 0, 1),
	}}
	pool := &stubPool{
		candidates: []executors.Candidate{
			{UUID: test.ExecutorUUID(1), Slots: 2},
			{UUID: test.ExecutorUUID(2), Slots: 2},
		},
	}
	sch := testScheduler(c, testCluster(PolicyLoadAware), queue, pool)
	sch.runQueue()
	waitIdle(c, sch)

	// job 2 lands on the idle executor 2; that evens the load, so
	// the tie for job 3 goes to executor 1.
	c.Check(pool.dispatched[test.ExecutorUUID(2)], check.HasLen, 1)
	c.Check(pool.dispatched[test.ExecutorUUID(2)][0].JobUUID, check.Equals, test.JobUUID(2))
	c.Check(pool.dispatched[test.ExecutorUUID(1)], check.HasLen, 1)
	c.Check(pool.dispatched[test.ExecutorUUID(1)][0].JobUUID, check.Equals, test.JobUUID(3))
}

// A retried task prefers an executor it has not been tried on, but
// accepts a repeat rather than staying unscheduled when every
// executor has already been tried.
func (*SchedulerSuite) TestRetryPrefersUntriedExecutor(c *check.C) {
	job := runnableJob(1, 0, 1)
	job.Stages[0].Tasks[0].Attempt = 1
	job.Stages[0].Tasks[0].Failures = 1
	job.Stages[0].Tasks[0].TriedExecutors = []string{test.ExecutorUUID(1)}
	queue := &test.Queue{Jobs: []*loom.QueryJob{job}}
	pool := &stubPool{
		candidates: []executors.Candidate{
			{UUID: test.ExecutorUUID(1), Slots: 2},
			{UUID: test.ExecutorUUID(2), Slots: 2},
		},
	}
	sch := testScheduler(c, testCluster(""), queue, pool)
	sch.runQueue()
	waitIdle(c, sch)

	c.Check(pool.dispatched[test.ExecutorUUID(1)], check.HasLen, 0)
	c.Check(pool.dispatched[test.ExecutorUUID(2)], check.HasLen, 1)
	c.Check(job.Stages[0].Tasks[0].TriedExecutors, check.DeepEquals, []string{test.ExecutorUUID(1), test.ExecutorUUID(2)})

	// all executors tried: take a repeat
	job = runnableJob(2, 0, 1)
	job.Stages[0].Tasks[0].Attempt = 2
	job.Stages[0].Tasks[0].Failures = 2
	job.Stages[0].Tasks[0].TriedExecutors = []string{test.ExecutorUUID(1), test.ExecutorUUID(2)}
	queue = &test.Queue{Jobs: []*loom.QueryJob{job}}
	pool = &stubPool{
		candidates: []executors.Candidate{
			{UUID: test.ExecutorUUID(1), Slots: 2},
			{UUID: test.ExecutorUUID(2), Slots: 2},
		},
	}
	sch = testScheduler(c, testCluster(""), queue, pool)
	sch.runQueue()
	waitIdle(c, sch)
	c.Check(pool.countDispatched(), check.Equals, 1)
	c.Check(job.Stages[0].Tasks[0].State, check.Equals, loom.TaskStateScheduled)
}

// A dispatch that fails on the wire releases the assignment so the
// task can be retried elsewhere, without spending its retry budget.
func (*SchedulerSuite) TestDispatchFailureReleasesTask(c *check.C) {
	queue := &test.Queue{Jobs: []*loom.QueryJob{runnableJob(1, 0, 1)}}
	pool := &stubPool{
		candidates:   []executors.Candidate{{UUID: test.ExecutorUUID(1), Slots: 2}},
		dispatchErrs: map[string]error{test.ExecutorUUID(1): errors.New("connection refused")},
	}
	sch := testScheduler(c, testCluster(""), queue, pool)
	sch.runQueue()
	waitIdle(c, sch)

	released := queue.Released()
	c.Assert(released, check.HasLen, 1)
	c.Check(released[0].Attempt, check.Equals, 1)
	c.Check(released[0].Reason, check.Matches, `dispatch to .* failed: connection refused`)
	task := queue.Jobs[0].Stages[0].Tasks[0]
	c.Check(task.State, check.Equals, loom.TaskStateUnscheduled)
	c.Check(task.Failures, check.Equals, 0)
	c.Check(task.TriedExecutors, check.DeepEquals, []string{test.ExecutorUUID(1)})
}

// Jobs and stages that are not runnable are left alone.
func (*SchedulerSuite) TestSkipUnrunnable(c *check.C) {
	finished := runnableJob(1, 100, 1)
	finished.State = loom.JobStateFailed
	pending := runnableJob(2, 0, 1)
	pending.Stages[0].State = loom.StageStatePending
	queue := &test.Queue{Jobs: []*loom.QueryJob{finished, pending}}
	pool := &stubPool{candidates: []executors.Candidate{{UUID: test.ExecutorUUID(1), Slots: 4}}}
	sch := testScheduler(c, testCluster(""), queue, pool)
	sch.runQueue()
	waitIdle(c, sch)

	c.Check(pool.countDispatched(), check.Equals, 0)
	c.Check(queue.Dispatched(), check.HasLen, 0)
}
