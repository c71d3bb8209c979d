// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"
	"time"

	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/sirupsen/logrus"
)

// sync reconciles task assignments with executor reality: tasks on
// executors that are gone are released for reassignment, dispatches
// that never started running are withdrawn, and attempts that exceed
// the task timeout are failed and killed.
func (sch *Scheduler) sync() {
	jobs, _ := sch.queue.Entries()
	alive := sch.pool.Alive()
	now := time.Now()
	reassigned := map[string]bool{}
	for _, job := range jobs {
		for _, stage := range job.Stages {
			for _, task := range stage.Tasks {
				if task.State != loom.TaskStateScheduled && task.State != loom.TaskStateRunning {
					continue
				}
				if task.ExecutorUUID == "" {
					continue
				}
				key := taskKey(job.UUID, stage.Index, task.Partition)
				if _, busy := sch.taskTarget(key); busy {
					// dispatch still in flight; judge it next pass
					continue
				}
				logger := sch.logger.WithFields(logrus.Fields{
					"JobUUID":      job.UUID,
					"Stage":        stage.Index,
					"Partition":    task.Partition,
					"Attempt":      task.Attempt,
					"ExecutorUUID": task.ExecutorUUID,
				})
				switch {
				case !alive[task.ExecutorUUID]:
					logger.Info("executor lost, releasing task")
					err := sch.queue.Release(job.UUID, stage.Index, task.Partition, task.Attempt, fmt.Sprintf("executor %s lost", task.ExecutorUUID))
					if err != nil {
						logger.WithError(err).Warn("error releasing task from lost executor")
						continue
					}
					sch.mTasksLost.Inc()
					reassigned[task.ExecutorUUID] = true
				case task.State == loom.TaskStateScheduled && now.Sub(task.ScheduledAt) > sch.taskScheduleTimeout:
					logger.Warn("task was dispatched but never started running, releasing")
					err := sch.queue.Release(job.UUID, stage.Index, task.Partition, task.Attempt, fmt.Sprintf("not running on %s after %s", task.ExecutorUUID, sch.taskScheduleTimeout))
					if err != nil {
						logger.WithError(err).Warn("error releasing unstarted task")
						continue
					}
					// in case it is sitting in the executor's
					// queue after all
					go sch.pool.Kill(sch.ctx, task.ExecutorUUID, job.UUID, stage.Index, task.Partition)
				case task.State == loom.TaskStateRunning && sch.taskTimeout > 0 && now.Sub(task.StartedAt) > sch.taskTimeout:
					logger.Warn("task exceeded TaskTimeout, failing attempt")
					err := sch.queue.Apply(loom.TaskEvent{
						JobUUID:      job.UUID,
						Stage:        stage.Index,
						Partition:    task.Partition,
						Attempt:      task.Attempt,
						ExecutorUUID: task.ExecutorUUID,
						Event:        loom.TaskEventFailed,
						Kind:         loom.FailureKindResource,
						Reason:       fmt.Sprintf("task ran longer than TaskTimeout %s", sch.taskTimeout),
					})
					if err != nil {
						logger.WithError(err).Warn("error failing timed-out task")
						continue
					}
					sch.mTasksTimedOut.Inc()
					go sch.pool.Kill(sch.ctx, task.ExecutorUUID, job.UUID, stage.Index, task.Partition)
				}
			}
		}
	}
	for uuid := range reassigned {
		sch.pool.MarkTasksReassigned(uuid)
	}
}
