// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type execFunc func(context.Context, *loom.TaskDispatch) (*loom.ResultSet, error)

type taskKey struct {
	job       string
	stage     int
	partition int
}

func (k taskKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.job, k.stage, k.partition)
}

type runningTask struct {
	attempt int
	cancel  context.CancelFunc
	done    chan struct{}
}

// runner executes dispatched task attempts, at most slots at a time.
// Each attempt runs in its own goroutine with its own cancellable
// context, so killing one task never disturbs the others, and a
// crashing fragment is reported as a task failure instead of taking
// the agent down.
type runner struct {
	ctx        context.Context
	logger     logrus.FieldLogger
	store      *taskStore
	exec       execFunc
	report     func(loom.TaskEvent)
	outputBase string
	slots      chan struct{}

	mtx     sync.Mutex
	running map[taskKey]*runningTask

	mRunning   prometheus.Gauge
	mCompleted prometheus.Counter
	mFailed    *prometheus.CounterVec
}

func newRunner(ctx context.Context, logger logrus.FieldLogger, slots int, store *taskStore, exec execFunc, report func(loom.TaskEvent), outputBase string, reg *prometheus.Registry) *runner {
	r := &runner{
		ctx:        ctx,
		logger:     logger,
		store:      store,
		exec:       exec,
		report:     report,
		outputBase: outputBase,
		slots:      make(chan struct{}, slots),
		running:    map[taskKey]*runningTask{},
		mRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "tasks_running",
			Help:      "Number of task attempts accepted and not yet finished.",
		}),
		mCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "tasks_completed_total",
			Help:      "Number of task attempts that completed successfully.",
		}),
		mFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "tasks_failed_total",
			Help:      "Number of task attempts that failed, by failure kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		mSlots := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "task_slots",
			Help:      "Number of concurrent task slots.",
		})
		mSlots.Set(float64(slots))
		reg.MustRegister(mSlots)
		reg.MustRegister(r.mRunning)
		reg.MustRegister(r.mCompleted)
		reg.MustRegister(r.mFailed)
	}
	return r
}

// Dispatch accepts a task attempt and starts running it when a slot
// is free. A newer attempt for the same task supersedes (and kills)
// an older one still running here; an attempt no newer than the
// current one is rejected.
func (r *runner) Dispatch(td loom.TaskDispatch) error {
	key := taskKey{td.JobUUID, td.Stage, td.Partition}
	ctx, cancel := context.WithCancel(r.ctx)
	rt := &runningTask{attempt: td.Attempt, cancel: cancel, done: make(chan struct{})}
	r.mtx.Lock()
	if cur, ok := r.running[key]; ok {
		if cur.attempt >= td.Attempt {
			r.mtx.Unlock()
			cancel()
			return fmt.Errorf("task %s attempt %d is already running", key, cur.attempt)
		}
		cur.cancel()
	}
	r.running[key] = rt
	r.mRunning.Set(float64(len(r.running)))
	r.mtx.Unlock()
	go r.runTask(ctx, td, rt)
	return nil
}

func (r *runner) runTask(ctx context.Context, td loom.TaskDispatch, rt *runningTask) {
	logger := r.logger.WithFields(logrus.Fields{
		"JobUUID":   td.JobUUID,
		"Stage":     td.Stage,
		"Partition": td.Partition,
		"Attempt":   td.Attempt,
	})
	defer close(rt.done)
	defer r.forget(taskKey{td.JobUUID, td.Stage, td.Partition}, rt)
	defer rt.cancel()

	var loc *loom.OutputLocation
	err := func() error {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return resourceErrorf("task killed before it started")
		}
		defer func() { <-r.slots }()
		logger.Info("task started")
		r.report(taskEvent(&td, loom.TaskEventRunning))
		var err error
		loc, err = r.produce(ctx, logger, &td)
		return err
	}()
	if err != nil {
		kind, reason := loom.FailureKindResource, err.Error()
		var te *loom.TaskExecutionError
		if errors.As(err, &te) {
			kind, reason = te.Kind, te.Reason
		}
		if ctx.Err() != nil {
			kind, reason = loom.FailureKindResource, "task killed"
		}
		r.mFailed.WithLabelValues(string(kind)).Inc()
		logger.WithField("Kind", kind).WithError(err).Warn("task failed")
		ev := taskEvent(&td, loom.TaskEventFailed)
		ev.Reason, ev.Kind = reason, kind
		r.report(ev)
		return
	}
	r.mCompleted.Inc()
	logger.WithFields(logrus.Fields{
		"Rows":  loc.Rows,
		"Bytes": loc.Bytes,
	}).Info("task completed")
	ev := taskEvent(&td, loom.TaskEventComplete)
	ev.Output = loc
	r.report(ev)
}

// produce evaluates the fragment and stores its output partitions,
// returning the location downstream consumers (or the scheduler) can
// read them from.
func (r *runner) produce(ctx context.Context, logger logrus.FieldLogger, td *loom.TaskDispatch) (_ *loom.OutputLocation, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.WithFields(logrus.Fields{
				"panic": fmt.Sprintf("%v", p),
				"stack": string(debug.Stack()),
			}).Error("task crashed")
			err = operatorErrorf("task crashed: %v", p)
		}
	}()
	out, err := r.exec(ctx, td)
	if err != nil {
		return nil, err
	}
	parts, err := partitionRows(out, td.PartitionBy, td.Fanout)
	if err != nil {
		return nil, err
	}
	w, err := r.store.beginAttempt(td.JobUUID, td.Stage, td.Partition, td.Attempt)
	if err != nil {
		return nil, resourceErrorf("preparing scratch space: %s", err)
	}
	defer w.abort()
	for p, rs := range parts {
		if err := w.writePartition(p, rs); err != nil {
			return nil, resourceErrorf("writing output partition %d: %s", p, err)
		}
	}
	if err := w.commit(); err != nil {
		return nil, resourceErrorf("committing output: %s", err)
	}
	loc := &loom.OutputLocation{
		URL:   fmt.Sprintf("%s/loom/v1/shuffle/%s/%d/%d", r.outputBase, td.JobUUID, td.Stage, td.Partition),
		Bytes: w.bytes,
		Rows:  w.rows,
	}
	if td.MaxInlineResultBytes > 0 && w.bytes <= td.MaxInlineResultBytes {
		loc.Inline = out
	}
	return loc, nil
}

func taskEvent(td *loom.TaskDispatch, event loom.TaskEventType) loom.TaskEvent {
	return loom.TaskEvent{
		JobUUID:   td.JobUUID,
		Stage:     td.Stage,
		Partition: td.Partition,
		Attempt:   td.Attempt,
		Event:     event,
	}
}

func (r *runner) forget(key taskKey, rt *runningTask) {
	r.mtx.Lock()
	if r.running[key] == rt {
		delete(r.running, key)
	}
	r.mRunning.Set(float64(len(r.running)))
	r.mtx.Unlock()
}

// Kill cancels the running attempt of the given task, if any.
func (r *runner) Kill(job string, stage, partition int) bool {
	r.mtx.Lock()
	rt, ok := r.running[taskKey{job, stage, partition}]
	r.mtx.Unlock()
	if ok {
		rt.cancel()
	}
	return ok
}

// KillJob cancels every running attempt of the given job and waits
// for them to stop, so the caller can safely drop the job's scratch
// data afterwards.
func (r *runner) KillJob(ctx context.Context, job string) error {
	r.mtx.Lock()
	var stopped []chan struct{}
	for key, rt := range r.running {
		if key.job == job {
			rt.cancel()
			stopped = append(stopped, rt.done)
		}
	}
	r.mtx.Unlock()
	for _, done := range stopped {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TasksRunning counts attempts that have been accepted and not yet
// finished, including any still waiting for a slot.
func (r *runner) TasksRunning() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.running)
}

func (r *runner) jobActive(job string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for key := range r.running {
		if key.job == job {
			return true
		}
	}
	return false
}
