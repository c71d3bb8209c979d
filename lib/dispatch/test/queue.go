// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package test provides stubs of dispatch components for use in unit
// tests.
package test

import (
	"fmt"
	"sync"
	"time"

	"github.com/loomdb/loom/sdk/go/loom"
)

// Queue is a test stub for scheduler.JobQueue. The caller seeds Jobs;
// Assign/Release/Apply mutate those records in place roughly the way
// the real registry would, and every call is recorded for the test to
// inspect. Stage and job bookkeeping (completion cascades, retry
// exhaustion) is deliberately not reproduced here: tests that care
// about it use a real jobs.Registry.
type Queue struct {
	Jobs []*loom.QueryJob

	mtx         sync.Mutex
	dispatched  []loom.TaskDispatch
	released    []ReleaseCall
	applied     []loom.TaskEvent
	subscribers map[<-chan struct{}]chan struct{}
}

// ReleaseCall records one Release invocation.
type ReleaseCall struct {
	JobUUID   string
	Stage     int
	Partition int
	Attempt   int
	Reason    string
}

// Entries implements scheduler.JobQueue.
func (q *Queue) Entries() (map[string]*loom.QueryJob, time.Time) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	entries := make(map[string]*loom.QueryJob, len(q.Jobs))
	for _, job := range q.Jobs {
		entries[job.UUID] = job
	}
	return entries, time.Now()
}

// Assign implements scheduler.JobQueue.
func (q *Queue) Assign(jobUUID string, stage, partition, attempt int, executorUUID string) (*loom.TaskDispatch, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job := q.job(jobUUID)
	if job == nil {
		return nil, fmt.Errorf("unknown job %q", jobUUID)
	}
	st := job.Stages[stage]
	task := st.Tasks[partition]
	if task.Attempt != attempt {
		return nil, fmt.Errorf("assignment of attempt %d superseded by attempt %d", attempt, task.Attempt)
	}
	if task.State != loom.TaskStateUnscheduled {
		return nil, fmt.Errorf("task state is %s, not %s", task.State, loom.TaskStateUnscheduled)
	}
	if st.State == loom.StageStateReady {
		st.State = loom.StageStateRunning
	}
	task.Attempt++
	task.State = loom.TaskStateScheduled
	task.ExecutorUUID = executorUUID
	task.ScheduledAt = time.Now()
	task.TriedExecutors = append(task.TriedExecutors, executorUUID)
	td := &loom.TaskDispatch{
		JobUUID:    jobUUID,
		Stage:      stage,
		Partition:  partition,
		Attempt:    task.Attempt,
		Fragment:   st.Fragment,
		Partitions: st.Partitions,
		Fanout:     st.Fanout,
	}
	q.dispatched = append(q.dispatched, *td)
	q.notify()
	return td, nil
}

// Release implements scheduler.JobQueue.
func (q *Queue) Release(jobUUID string, stage, partition, attempt int, reason string) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job := q.job(jobUUID)
	if job == nil {
		return fmt.Errorf("unknown job %q", jobUUID)
	}
	q.released = append(q.released, ReleaseCall{jobUUID, stage, partition, attempt, reason})
	task := job.Stages[stage].Tasks[partition]
	if task.Attempt != attempt {
		return nil
	}
	if task.State == loom.TaskStateScheduled || task.State == loom.TaskStateRunning {
		task.State = loom.TaskStateUnscheduled
		task.ExecutorUUID = ""
		task.StartedAt = time.Time{}
	}
	q.notify()
	return nil
}

// Apply implements scheduler.JobQueue.
func (q *Queue) Apply(ev loom.TaskEvent) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job := q.job(ev.JobUUID)
	if job == nil {
		return fmt.Errorf("unknown job %q", ev.JobUUID)
	}
	q.applied = append(q.applied, ev)
	task := job.Stages[ev.Stage].Tasks[ev.Partition]
	if task.Attempt != ev.Attempt {
		return nil
	}
	switch ev.Event {
	case loom.TaskEventRunning:
		if task.State == loom.TaskStateScheduled {
			task.State = loom.TaskStateRunning
			task.StartedAt = time.Now()
		}
	case loom.TaskEventComplete:
		task.State = loom.TaskStateCompleted
		task.Output = ev.Output
	case loom.TaskEventFailed:
		task.Failures++
		task.State = loom.TaskStateUnscheduled
		task.ExecutorUUID = ""
		task.StartedAt = time.Time{}
	}
	q.notify()
	return nil
}

// Subscribe implements scheduler.JobQueue.
func (q *Queue) Subscribe() <-chan struct{} {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.subscribers == nil {
		q.subscribers = map[<-chan struct{}]chan struct{}{}
	}
	ch := make(chan struct{}, 1)
	q.subscribers[ch] = ch
	return ch
}

// Unsubscribe implements scheduler.JobQueue.
func (q *Queue) Unsubscribe(ch <-chan struct{}) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.subscribers, ch)
}

// Notify wakes up subscribers, as if the queue had changed.
func (q *Queue) Notify() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.notify()
}

// caller must have lock.
func (q *Queue) notify() {
	for _, ch := range q.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) job(uuid string) *loom.QueryJob {
	for _, job := range q.Jobs {
		if job.UUID == uuid {
			return job
		}
	}
	return nil
}

// Dispatched returns a copy of the assignments made so far.
func (q *Queue) Dispatched() []loom.TaskDispatch {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]loom.TaskDispatch(nil), q.dispatched...)
}

// Released returns a copy of the release calls made so far.
func (q *Queue) Released() []ReleaseCall {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]ReleaseCall(nil), q.released...)
}

// Applied returns a copy of the task events applied so far.
func (q *Queue) Applied() []loom.TaskEvent {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]loom.TaskEvent(nil), q.applied...)
}
