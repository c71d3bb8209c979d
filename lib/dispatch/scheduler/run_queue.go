// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sort"

	"github.com/loomdb/loom/lib/dispatch/executors"
	"github.com/loomdb/loom/sdk/go/loom"
)

// runQueue assigns unscheduled tasks to executor slots: jobs in
// priority order, stages in index order, tasks in partition order,
// executors per the configured policy.
func (sch *Scheduler) runQueue() {
	candidates := sch.pool.Candidates()
	if len(candidates) == 0 {
		return
	}
	jobs, _ := sch.queue.Entries()
	sorted := make([]*loom.QueryJob, 0, len(jobs))
	for _, job := range jobs {
		sorted = append(sorted, job)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if a, b := sorted[i].Priority, sorted[j].Priority; a != b {
			return a > b
		}
		if a, b := sorted[i].SubmittedAt, sorted[j].SubmittedAt; !a.Equal(b) {
			return a.Before(b)
		}
		return sorted[i].UUID < sorted[j].UUID
	})

	load := sch.currentLoad(jobs)
	free := 0
	for _, cand := range candidates {
		if n := cand.Slots - load[cand.UUID]; n > 0 {
			free += n
		}
	}

	for _, job := range sorted {
		if free == 0 {
			return
		}
		if job.State != loom.JobStateRunning {
			continue
		}
		for _, stage := range job.Stages {
			if stage.State != loom.StageStateReady && stage.State != loom.StageStateRunning {
				continue
			}
			for _, task := range stage.Tasks {
				if free == 0 {
					return
				}
				if task.State != loom.TaskStateUnscheduled {
					continue
				}
				executorUUID := sch.pickExecutor(task, candidates, load)
				if executorUUID == "" {
					continue
				}
				if !sch.taskOpLock(taskKey(job.UUID, stage.Index, task.Partition), executorUUID) {
					continue
				}
				load[executorUUID]++
				free--
				go sch.dispatch(job.UUID, stage.Index, task.Partition, task.Attempt, executorUUID)
			}
		}
	}
}

// currentLoad counts the tasks each executor is already responsible
// for: Scheduled/Running tasks from the snapshots, plus dispatches
// still in flight for tasks whose snapshot has not caught up yet.
func (sch *Scheduler) currentLoad(jobs map[string]*loom.QueryJob) map[string]int {
	load := map[string]int{}
	for _, job := range jobs {
		for _, stage := range job.Stages {
			for _, task := range stage.Tasks {
				switch task.State {
				case loom.TaskStateScheduled, loom.TaskStateRunning:
					if task.ExecutorUUID != "" {
						load[task.ExecutorUUID]++
					}
				case loom.TaskStateUnscheduled:
					if target, ok := sch.taskTarget(taskKey(job.UUID, stage.Index, task.Partition)); ok {
						load[target]++
					}
				}
			}
		}
	}
	return load
}

// pickExecutor chooses an executor with a free slot for the given
// task, or "" if none has room. Both policies prefer an executor the
// task has not already been tried on.
func (sch *Scheduler) pickExecutor(task *loom.Task, candidates []executors.Candidate, load map[string]int) string {
	tried := map[string]bool{}
	for _, uuid := range task.TriedExecutors {
		tried[uuid] = true
	}
	for _, untriedOnly := range []bool{true, false} {
		var pick string
		switch sch.policy {
		case PolicyLoadAware:
			// least-loaded executor; candidates are sorted by
			// UUID, so ties go to the lowest UUID
			best := -1
			for _, cand := range candidates {
				if load[cand.UUID] >= cand.Slots || (untriedOnly && tried[cand.UUID]) {
					continue
				}
				if best < 0 || load[cand.UUID] < best {
					best = load[cand.UUID]
					pick = cand.UUID
				}
			}
		default:
			// rotate through the candidate list so consecutive
			// tasks land on different executors
			n := len(candidates)
			for i := 0; i < n; i++ {
				cand := candidates[(sch.rrNext+i)%n]
				if load[cand.UUID] >= cand.Slots || (untriedOnly && tried[cand.UUID]) {
					continue
				}
				pick = cand.UUID
				sch.rrNext = (sch.rrNext + i + 1) % n
				break
			}
		}
		if pick != "" {
			return pick
		}
	}
	return ""
}
