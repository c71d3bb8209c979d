// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package scheduler uses a JobQueue and an ExecutorPool to place
// every runnable task on an executor.
//
// The scheduler invokes the queue's Assign/Release operations and the
// pool's Dispatch/Kill operations, and relies on those components to
// resolve races (e.g. a task that is no longer assignable by the time
// its dispatch goroutine runs).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// AssignmentPolicy values.
	PolicyRoundRobin = "roundrobin"
	PolicyLoadAware  = "loadaware"

	defaultTaskScheduleTimeout = time.Minute
	syncInterval               = time.Second
)

// A Scheduler matches unscheduled tasks with executor slots and keeps
// the two sides consistent: tasks on executors that stop responding
// are released for reassignment, and tasks that overstay their
// timeouts are killed.
//
// The loop runs only while Start..Stop is in effect; the dispatcher
// brackets each leadership term with one such pair.
type Scheduler struct {
	logger              logrus.FieldLogger
	ctx                 context.Context
	queue               JobQueue
	pool                ExecutorPool
	policy              string
	taskScheduleTimeout time.Duration
	taskTimeout         time.Duration

	mtx    sync.Mutex
	taskOp map[string]string // task key -> target executor of the dispatch in flight
	wakeup *time.Timer

	rrNext int // roundrobin rotation cursor, loop goroutine only

	// loop lifecycle, guarded by mtx; nil while not running
	stop    chan struct{}
	stopped chan struct{}

	mTasksDispatched prometheus.Counter
	mDispatchErrors  prometheus.Counter
	mTasksLost       prometheus.Counter
	mTasksTimedOut   prometheus.Counter
	mTasks           *prometheus.GaugeVec
}

// New returns a Scheduler. Call Start to activate it.
func New(ctx context.Context, cluster *loom.Cluster, queue JobQueue, pool ExecutorPool, reg *prometheus.Registry) *Scheduler {
	logger := ctxlog.FromContext(ctx)
	policy := cluster.Dispatch.AssignmentPolicy
	switch policy {
	case PolicyRoundRobin, PolicyLoadAware:
	case "":
		policy = PolicyRoundRobin
	default:
		logger.WithField("AssignmentPolicy", policy).Warn("unknown assignment policy, using roundrobin")
		policy = PolicyRoundRobin
	}
	sch := &Scheduler{
		logger:              logger,
		ctx:                 ctx,
		queue:               queue,
		pool:                pool,
		policy:              policy,
		taskScheduleTimeout: duration(cluster.Dispatch.TaskScheduleTimeout, defaultTaskScheduleTimeout),
		taskTimeout:         duration(cluster.Dispatch.TaskTimeout, 0),
		taskOp:              map[string]string{},
		wakeup:              time.NewTimer(time.Hour),
	}
	sch.registerMetrics(reg)
	return sch
}

func duration(conf loom.Duration, def time.Duration) time.Duration {
	if conf > 0 {
		return time.Duration(conf)
	}
	return def
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mTasksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "tasks_dispatched_total",
		Help:      "Number of tasks sent to executors.",
	})
	reg.MustRegister(sch.mTasksDispatched)
	sch.mDispatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "dispatch_errors_total",
		Help:      "Number of dispatch attempts that failed and were released for retry.",
	})
	reg.MustRegister(sch.mDispatchErrors)
	sch.mTasksLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "tasks_lost_total",
		Help:      "Number of task attempts released because their executor was lost.",
	})
	reg.MustRegister(sch.mTasksLost)
	sch.mTasksTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "tasks_timed_out_total",
		Help:      "Number of task attempts failed for exceeding TaskTimeout.",
	})
	reg.MustRegister(sch.mTasksTimedOut)
	sch.mTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "tasks",
		Help:      "Number of tasks across all active jobs, by state.",
	}, []string{"state"})
	reg.MustRegister(sch.mTasks)
}

// Start starts the scheduler loop, unless it is already running.
func (sch *Scheduler) Start() {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	if sch.stop != nil {
		return
	}
	sch.stop = make(chan struct{})
	sch.stopped = make(chan struct{})
	go sch.run(sch.stop, sch.stopped)
}

// Stop stops the scheduler loop and waits for it to finish. In-flight
// dispatch goroutines are not interrupted. Stop is a no-op if the
// loop is not running.
func (sch *Scheduler) Stop() {
	sch.mtx.Lock()
	stop, stopped := sch.stop, sch.stopped
	sch.stop, sch.stopped = nil, nil
	sch.mtx.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

func (sch *Scheduler) run(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	queueNotify := sch.queue.Subscribe()
	defer sch.queue.Unsubscribe(queueNotify)
	poolNotify := sch.pool.Subscribe()
	defer sch.pool.Unsubscribe(poolNotify)
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		sch.runQueue()
		sch.sync()
		sch.updateMetrics()
		select {
		case <-stop:
			return
		case <-queueNotify:
		case <-poolNotify:
		case <-ticker.C:
		case <-sch.wakeup.C:
		}
	}
}

func taskKey(jobUUID string, stage, partition int) string {
	return fmt.Sprintf("%s/%d/%d", jobUUID, stage, partition)
}

// taskOpLock reserves a task for an in-flight dispatch. If it is
// already reserved, taskOpLock schedules a wakeup so the loop retries
// shortly, and returns false.
func (sch *Scheduler) taskOpLock(key, executorUUID string) bool {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	if _, ok := sch.taskOp[key]; ok {
		sch.wakeup.Reset(time.Second / 4)
		return false
	}
	sch.taskOp[key] = executorUUID
	return true
}

func (sch *Scheduler) taskOpUnlock(key string) {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	delete(sch.taskOp, key)
}

// taskTarget returns the executor a task's in-flight dispatch is
// aimed at, if any.
func (sch *Scheduler) taskTarget(key string) (string, bool) {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	target, ok := sch.taskOp[key]
	return target, ok
}

// dispatch runs in its own goroutine: it claims the task in the queue
// and sends it to the chosen executor, releasing the claim if the
// send fails.
func (sch *Scheduler) dispatch(jobUUID string, stage, partition, attempt int, executorUUID string) {
	defer sch.taskOpUnlock(taskKey(jobUUID, stage, partition))
	logger := sch.logger.WithFields(logrus.Fields{
		"JobUUID":      jobUUID,
		"Stage":        stage,
		"Partition":    partition,
		"ExecutorUUID": executorUUID,
	})
	td, err := sch.queue.Assign(jobUUID, stage, partition, attempt, executorUUID)
	if err != nil {
		// somebody got there first, or the job moved on
		logger.WithError(err).Debug("assignment not possible")
		return
	}
	logger = logger.WithField("Attempt", td.Attempt)
	if err := sch.pool.Dispatch(sch.ctx, executorUUID, *td); err != nil {
		logger.WithError(err).Warn("error dispatching task")
		sch.mDispatchErrors.Inc()
		err := sch.queue.Release(jobUUID, stage, partition, td.Attempt, fmt.Sprintf("dispatch to %s failed: %s", executorUUID, err))
		if err != nil {
			logger.WithError(err).Warn("error releasing task after failed dispatch")
		}
		return
	}
	sch.mTasksDispatched.Inc()
	logger.Debug("task dispatched")
}

func (sch *Scheduler) updateMetrics() {
	jobs, _ := sch.queue.Entries()
	counts := map[loom.TaskState]int{
		loom.TaskStateUnscheduled: 0,
		loom.TaskStateScheduled:   0,
		loom.TaskStateRunning:     0,
		loom.TaskStateCompleted:   0,
		loom.TaskStateFailed:      0,
	}
	for _, job := range jobs {
		for _, stage := range job.Stages {
			for _, task := range stage.Tasks {
				counts[task.State]++
			}
		}
	}
	for state, n := range counts {
		sch.mTasks.WithLabelValues(string(state)).Set(float64(n))
	}
}
