// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/sirupsen/logrus"
)

// message is the union of everything that can enter a job's event
// loop. Exactly one field is set.
type message struct {
	event   *loom.TaskEvent
	assign  *assignRequest
	release *releaseRequest
	cancel  *cancelRequest
}

type assignRequest struct {
	stage        int
	partition    int
	attempt      int
	executorUUID string
	reply        chan assignReply
}

type assignReply struct {
	dispatch *loom.TaskDispatch
	err      error
}

type releaseRequest struct {
	stage     int
	partition int
	attempt   int
	reason    string
}

type cancelRequest struct {
	reason string
	reply  chan error
}

// jobState is one active job and its event loop. Only run() touches
// job after admit, so no lock is needed here; everyone else sees the
// snapshots the loop publishes.
type jobState struct {
	r      *Registry
	job    *loom.QueryJob
	logger logrus.FieldLogger
	msgs   chan message
	stop   chan struct{}
	// done is closed when the loop has exited and no more
	// messages will be accepted.
	done     chan struct{}
	stopOnce sync.Once

	dirty          bool // checkpoint behind
	stale          bool // published snapshot behind
	lastCheckpoint time.Time
	stalledSince   time.Time
}

func newJobState(r *Registry, job *loom.QueryJob) *jobState {
	return &jobState{
		r:      r,
		job:    job,
		logger: r.logger.WithField("JobUUID", job.UUID),
		msgs:   make(chan message, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// send delivers a message to the event loop, or reports that the loop
// has already exited.
func (js *jobState) send(msg message) error {
	select {
	case js.msgs <- msg:
		return nil
	case <-js.done:
		return ErrJobFinished
	}
}

func (js *jobState) close() {
	js.stopOnce.Do(func() { close(js.stop) })
}

func (js *jobState) run() {
	defer close(js.done)
	ticker := time.NewTicker(js.r.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-js.stop:
			return
		case msg := <-js.msgs:
			js.process(msg)
		case <-ticker.C:
			js.checkStall()
		}
		if js.stale {
			js.r.publish(js.job)
			js.stale = false
		}
		if js.job.State != loom.JobStateRunning {
			js.finalize()
			return
		}
		js.maybeCheckpoint(false)
	}
}

func (js *jobState) process(msg message) {
	switch {
	case msg.event != nil:
		js.processEvent(*msg.event)
	case msg.assign != nil:
		msg.assign.reply <- js.processAssign(msg.assign)
	case msg.release != nil:
		js.processRelease(msg.release)
	case msg.cancel != nil:
		js.processCancel(msg.cancel)
	}
}

func (js *jobState) lookup(stageIdx, partition int) (*loom.Stage, *loom.Task) {
	if stageIdx < 0 || stageIdx >= len(js.job.Stages) {
		return nil, nil
	}
	stage := js.job.Stages[stageIdx]
	if partition < 0 || partition >= len(stage.Tasks) {
		return nil, nil
	}
	return stage, stage.Tasks[partition]
}

func (js *jobState) processEvent(ev loom.TaskEvent) {
	stage, task := js.lookup(ev.Stage, ev.Partition)
	if task == nil {
		js.logger.WithFields(logrus.Fields{
			"Stage":     ev.Stage,
			"Partition": ev.Partition,
			"Executor":  ev.ExecutorUUID,
		}).Warn("ignoring report for nonexistent task")
		return
	}
	if ev.Attempt != task.Attempt {
		js.r.mStaleEvents.Inc()
		js.logger.WithFields(logrus.Fields{
			"Stage":          ev.Stage,
			"Partition":      ev.Partition,
			"ReportAttempt":  ev.Attempt,
			"CurrentAttempt": task.Attempt,
			"Event":          ev.Event,
		}).Debug("ignoring stale task report")
		return
	}
	switch ev.Event {
	case loom.TaskEventRunning:
		if task.State != loom.TaskStateScheduled {
			// duplicate, or overtaken by a completion
			return
		}
		task.StartedAt = time.Now()
		js.setTaskState(stage, task, loom.TaskStateRunning, "")
	case loom.TaskEventComplete:
		if task.State == loom.TaskStateCompleted {
			// duplicate of an already-recorded completion
			return
		}
		if task.State != loom.TaskStateScheduled && task.State != loom.TaskStateRunning {
			// the task was released back to Unscheduled, so
			// this attempt has already been abandoned
			js.r.mStaleEvents.Inc()
			return
		}
		if !js.setTaskState(stage, task, loom.TaskStateCompleted, "") {
			return
		}
		task.Output = ev.Output
		task.FailureReason = ""
		js.taskCompleted(stage)
	case loom.TaskEventFailed:
		if task.State != loom.TaskStateScheduled && task.State != loom.TaskStateRunning {
			// completed, or released and therefore abandoned
			js.r.mStaleEvents.Inc()
			return
		}
		task.FailureReason = ev.Reason
		if !js.setTaskState(stage, task, loom.TaskStateFailed, ev.Reason) {
			return
		}
		task.Failures++
		js.logger.WithFields(logrus.Fields{
			"Stage":     stage.Index,
			"Partition": task.Partition,
			"Attempt":   task.Attempt,
			"Failures":  task.Failures,
			"Kind":      ev.Kind,
			"Reason":    ev.Reason,
		}).Info("task attempt failed")
		if task.Failures >= js.r.maxTaskRetries {
			js.failJob(fmt.Sprintf("stage %d task %d: %s", stage.Index, task.Partition, ev.Reason))
			return
		}
		js.r.mTaskRetries.Inc()
		task.ExecutorUUID = ""
		task.StartedAt = time.Time{}
		js.setTaskState(stage, task, loom.TaskStateUnscheduled, "")
	default:
		js.logger.WithField("Event", ev.Event).Warn("ignoring task report with unknown event type")
	}
}

// taskCompleted checks whether the whole stage is now done and, if
// so, completes it and unlocks any stages that were waiting on it.
func (js *jobState) taskCompleted(stage *loom.Stage) {
	for _, t := range stage.Tasks {
		if t.State != loom.TaskStateCompleted {
			return
		}
	}
	js.setStageState(stage, loom.StageStateCompleted, "")
	if stage.Index == js.job.TerminalStage() {
		js.setJobState(loom.JobStateCompleted, "")
		return
	}
	for _, s := range js.job.Stages {
		if s.State != loom.StageStatePending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if js.job.Stages[dep].State != loom.StageStateCompleted {
				ready = false
				break
			}
		}
		if ready {
			js.setStageState(s, loom.StageStateReady, "")
		}
	}
}

func (js *jobState) processAssign(req *assignRequest) assignReply {
	stage, task := js.lookup(req.stage, req.partition)
	if task == nil {
		return assignReply{err: fmt.Errorf("no such task: stage %d partition %d", req.stage, req.partition)}
	}
	if task.Attempt != req.attempt {
		return assignReply{err: fmt.Errorf("assignment of attempt %d superseded by attempt %d", req.attempt, task.Attempt)}
	}
	if task.State != loom.TaskStateUnscheduled {
		return assignReply{err: fmt.Errorf("task state is %s, not %s", task.State, loom.TaskStateUnscheduled)}
	}
	if stage.State != loom.StageStateReady && stage.State != loom.StageStateRunning {
		return assignReply{err: fmt.Errorf("stage %d is %s, not runnable", stage.Index, stage.State)}
	}
	inputs, err := js.stageInputs(stage)
	if err != nil {
		return assignReply{err: err}
	}
	if stage.State == loom.StageStateReady {
		js.setStageState(stage, loom.StageStateRunning, "")
	}
	task.Attempt++
	task.ExecutorUUID = req.executorUUID
	task.ScheduledAt = time.Now()
	task.StartedAt = time.Time{}
	task.Output = nil
	task.FailureReason = ""
	tried := false
	for _, uuid := range task.TriedExecutors {
		if uuid == req.executorUUID {
			tried = true
			break
		}
	}
	if !tried {
		task.TriedExecutors = append(task.TriedExecutors, req.executorUUID)
	}
	js.setTaskState(stage, task, loom.TaskStateScheduled, "")
	td := &loom.TaskDispatch{
		JobUUID:     js.job.UUID,
		Stage:       stage.Index,
		Partition:   task.Partition,
		Attempt:     task.Attempt,
		Fragment:    stage.Fragment,
		Partitions:  stage.Partitions,
		Fanout:      stage.Fanout,
		PartitionBy: stage.PartitionBy,
		Inputs:      inputs,
	}
	if stage.Index == js.job.TerminalStage() {
		td.MaxInlineResultBytes = js.r.maxInlineResult
	}
	return assignReply{dispatch: td}
}

// stageInputs collects the output locations of every upstream stage,
// indexed by upstream task partition.
func (js *jobState) stageInputs(stage *loom.Stage) (map[int][]loom.OutputLocation, error) {
	if len(stage.DependsOn) == 0 {
		return nil, nil
	}
	inputs := make(map[int][]loom.OutputLocation, len(stage.DependsOn))
	for _, dep := range stage.DependsOn {
		up := js.job.Stages[dep]
		locs := make([]loom.OutputLocation, len(up.Tasks))
		for i, t := range up.Tasks {
			if t.Output == nil {
				return nil, fmt.Errorf("stage %d task %d has no recorded output", dep, i)
			}
			locs[i] = *t.Output
		}
		inputs[dep] = locs
	}
	return inputs, nil
}

func (js *jobState) processRelease(req *releaseRequest) {
	stage, task := js.lookup(req.stage, req.partition)
	if task == nil {
		return
	}
	if task.Attempt != req.attempt {
		return
	}
	if task.State != loom.TaskStateScheduled && task.State != loom.TaskStateRunning {
		return
	}
	js.logger.WithFields(logrus.Fields{
		"Stage":     stage.Index,
		"Partition": task.Partition,
		"Attempt":   task.Attempt,
		"Executor":  task.ExecutorUUID,
		"Reason":    req.reason,
	}).Info("releasing task for reassignment")
	task.ExecutorUUID = ""
	task.StartedAt = time.Time{}
	js.setTaskState(stage, task, loom.TaskStateUnscheduled, req.reason)
}

func (js *jobState) processCancel(req *cancelRequest) {
	js.logger.WithField("Reason", req.reason).Info("cancelling job")
	js.failJob(req.reason)
	req.reply <- nil
}

// failJob is the job's single path to JobStateFailed: every
// non-terminal stage fails with it.
func (js *jobState) failJob(reason string) {
	for _, stage := range js.job.Stages {
		if stage.State != loom.StageStateCompleted && stage.State != loom.StageStateFailed {
			js.setStageState(stage, loom.StageStateFailed, reason)
		}
	}
	js.job.FailureReason = reason
	js.setJobState(loom.JobStateFailed, reason)
}

// checkStall fails the job if it has runnable work but the cluster
// has had no capacity for longer than the stall timeout.
func (js *jobState) checkStall() {
	if js.r.capacity == nil {
		return
	}
	backlog := false
	for _, stage := range js.job.Stages {
		if stage.State != loom.StageStateReady && stage.State != loom.StageStateRunning {
			continue
		}
		for _, task := range stage.Tasks {
			if task.State == loom.TaskStateUnscheduled {
				backlog = true
				break
			}
		}
	}
	if !backlog || js.r.capacity() > 0 {
		js.stalledSince = time.Time{}
		return
	}
	if js.stalledSince.IsZero() {
		js.stalledSince = time.Now()
		return
	}
	if stalled := time.Since(js.stalledSince); stalled > js.r.stallTimeout {
		js.logger.WithField("Stalled", stalled).Warn("failing stalled job")
		js.failJob(fmt.Sprintf("%s for %s", loom.ErrNoCapacity, js.r.stallTimeout))
	}
}

func (js *jobState) setTaskState(stage *loom.Stage, task *loom.Task, to loom.TaskState, reason string) bool {
	if !loom.ValidTaskTransition(task.State, to) {
		js.logger.WithFields(logrus.Fields{
			"Stage":     stage.Index,
			"Partition": task.Partition,
			"Attempt":   task.Attempt,
			"From":      task.State,
			"To":        to,
		}).Error("refusing illegal task state transition")
		js.r.mIllegalTransitions.Inc()
		return false
	}
	task.State = to
	js.noteChange()
	js.r.publishEvent(Event{
		JobUUID:   js.job.UUID,
		Kind:      EventKindTask,
		TaskState: to,
		Stage:     stage.Index,
		Partition: task.Partition,
		Attempt:   task.Attempt,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	return true
}

func (js *jobState) setStageState(stage *loom.Stage, to loom.StageState, reason string) bool {
	if !loom.ValidStageTransition(stage.State, to) {
		js.logger.WithFields(logrus.Fields{
			"Stage": stage.Index,
			"From":  stage.State,
			"To":    to,
		}).Error("refusing illegal stage state transition")
		js.r.mIllegalTransitions.Inc()
		return false
	}
	stage.State = to
	js.noteChange()
	js.r.publishEvent(Event{
		JobUUID:    js.job.UUID,
		Kind:       EventKindStage,
		StageState: to,
		Stage:      stage.Index,
		Reason:     reason,
		Timestamp:  time.Now(),
	})
	return true
}

func (js *jobState) setJobState(to loom.JobState, reason string) bool {
	if !loom.ValidJobTransition(js.job.State, to) {
		js.logger.WithFields(logrus.Fields{
			"From": js.job.State,
			"To":   to,
		}).Error("refusing illegal job state transition")
		js.r.mIllegalTransitions.Inc()
		return false
	}
	js.job.State = to
	if to != loom.JobStateRunning {
		js.job.FinishedAt = time.Now()
	}
	js.noteChange()
	js.r.publishEvent(Event{
		JobUUID:   js.job.UUID,
		Kind:      EventKindJob,
		JobState:  to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	return true
}

func (js *jobState) noteChange() {
	js.dirty = true
	js.stale = true
}

func (js *jobState) maybeCheckpoint(force bool) {
	if !js.dirty {
		return
	}
	if !force && time.Since(js.lastCheckpoint) < js.r.checkpointInterval {
		return
	}
	if err := js.writeCheckpoint(); err != nil {
		js.logger.WithError(err).Warn("error writing job checkpoint")
		js.r.mCheckpointErrors.Inc()
	}
}

func (js *jobState) writeCheckpoint() error {
	buf, err := json.Marshal(js.job)
	if err != nil {
		return err
	}
	if _, err := js.r.backend.Put(js.r.ctx, CheckpointPrefix+js.job.UUID, buf, 0); err != nil {
		return err
	}
	js.dirty = false
	js.lastCheckpoint = time.Now()
	return nil
}

// finalize records the terminal state and hands the job over to the
// finished cache. The terminal checkpoint is written before the key
// is deleted, so a crash in between leaves a record that recovery
// files as finished instead of re-running it.
func (js *jobState) finalize() {
	if err := js.writeCheckpoint(); err != nil {
		js.logger.WithError(err).Warn("error writing terminal job checkpoint")
		js.r.mCheckpointErrors.Inc()
	}
	js.r.retire(js.job)
	if err := js.r.backend.Delete(js.r.ctx, CheckpointPrefix+js.job.UUID, 0); err != nil {
		js.logger.WithError(err).Warn("error deleting finished job checkpoint")
		js.r.mCheckpointErrors.Inc()
	}
	js.logger.WithFields(logrus.Fields{
		"State":         js.job.State,
		"FailureReason": js.job.FailureReason,
		"Elapsed":       js.job.FinishedAt.Sub(js.job.SubmittedAt),
	}).Info("job finished")
}
