// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the scheduler service: it accepts query
// jobs, breaks them into stages, and runs their tasks on a fleet of
// executor processes.
//
// Multiple scheduler processes may run at once, but only the one
// holding the leadership lease dispatches work; the others answer
// read-only status requests from checkpoints and tell callers to
// retry everything else.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/loomdb/loom/lib/coordination"
	"github.com/loomdb/loom/lib/dispatch/executors"
	"github.com/loomdb/loom/lib/dispatch/jobs"
	"github.com/loomdb/loom/lib/dispatch/scheduler"
	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultLeaseTTL = 15 * time.Second
	leaderKey       = "leader"
)

type dispatcher struct {
	Cluster   *loom.Cluster
	Context   context.Context
	AuthToken string
	Registry  *prometheus.Registry

	logger      logrus.FieldLogger
	backend     coordination.Backend
	elector     *coordination.Elector
	bus         *eventBus
	pool        *executors.Pool
	registry    *jobs.Registry
	sched       *scheduler.Scheduler
	fetchClient *loom.Client
	httpHandler http.Handler

	mtx     sync.Mutex
	leading bool

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the dispatcher. Start can be called multiple times
// with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	return disp.backend.Ping(disp.Context)
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops dispatching and releases resources. Typically used in
// tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

func (disp *dispatcher) setup() {
	disp.initialize()
	go disp.run()
}

func (disp *dispatcher) initialize() {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})

	if disp.backend == nil {
		backend, err := coordination.NewBackend(disp.Cluster, disp.logger, disp.Registry)
		if err != nil {
			disp.logger.WithError(err).Fatal("error initializing coordination backend")
		}
		disp.backend = backend
	}

	leaseTTL := time.Duration(disp.Cluster.Coordination.LeaseTTL)
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	hostname, _ := os.Hostname()
	electorID := fmt.Sprintf("%s:%d", hostname, os.Getpid())
	disp.elector = coordination.NewElector(disp.backend, leaderKey, leaseTTL, electorID, disp.logger, disp.Registry)

	disp.bus = newEventBus(disp.Registry)
	disp.pool = executors.NewPool(disp.Context, disp.Cluster, disp.backend, disp.Registry)
	disp.registry = jobs.NewRegistry(disp.Context, disp.Cluster, disp.backend, disp.bus, disp.pool.TotalSlots, disp.Registry)
	disp.sched = scheduler.New(disp.Context, disp.Cluster, disp.registry, disp.pool, disp.Registry)
	if disp.AuthToken == "" {
		disp.AuthToken = disp.Cluster.SystemRootToken
	}
	disp.fetchClient = &loom.Client{
		// BaseURL stays empty: requests use the absolute URLs
		// recorded in task output locations.
		AuthToken: disp.AuthToken,
		Insecure:  disp.Cluster.TLS.Insecure,
		Timeout:   time.Minute,
	}
	disp.httpHandler = disp.buildAPI()
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	defer disp.pool.Stop()

	ctx, cancel := context.WithCancel(disp.Context)
	defer cancel()
	go disp.elector.Run(ctx)
	go disp.runCleanup(ctx)

	leadership := disp.elector.Subscribe()
	defer disp.elector.Unsubscribe(leadership)
	for {
		if leading := disp.elector.Leading(); leading != disp.isLeading() {
			if leading {
				disp.becomeLeader()
			} else {
				disp.resignLeader()
			}
		}
		select {
		case <-disp.stop:
			if disp.isLeading() {
				disp.resignLeader()
			}
			return
		case <-leadership:
		}
	}
}

func (disp *dispatcher) isLeading() bool {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	return disp.leading
}

func (disp *dispatcher) setLeading(leading bool) {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	disp.leading = leading
}

// becomeLeader rebuilds dispatch state from the backend's checkpoints
// and starts the scheduler loop. The API starts accepting mutations
// only after the rebuild, so a request cannot slip into an empty
// registry.
func (disp *dispatcher) becomeLeader() {
	disp.logger.Info("acquired leadership, loading job checkpoints")
	if err := disp.registry.LoadCheckpoints(disp.Context); err != nil {
		// Jobs that did load are still dispatchable; the ones
		// that did not will be picked up by the next leader.
		disp.logger.WithError(err).Error("error loading job checkpoints")
	}
	disp.sched.Start()
	disp.setLeading(true)
}

// resignLeader stops dispatching and drops in-memory job state. The
// checkpoints stay in the backend for the next leader.
func (disp *dispatcher) resignLeader() {
	disp.logger.Warn("lost leadership, stopping dispatch")
	disp.setLeading(false)
	disp.sched.Stop()
	disp.registry.Reset()
}

// runCleanup watches the event bus for jobs reaching a terminal state
// and tidies up after them on the executor side.
func (disp *dispatcher) runCleanup(ctx context.Context) {
	events := disp.bus.Subscribe()
	defer disp.bus.Unsubscribe(events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Kind == jobs.EventKindJob && (ev.JobState == loom.JobStateCompleted || ev.JobState == loom.JobStateFailed) {
				go disp.cleanupJob(ctx, ev.JobUUID)
			}
		}
	}
}

// cleanupJob kills any task attempts that were still assigned when
// the job reached a terminal state. For failed jobs it also tells
// every executor that held data for the job to drop it; completed
// jobs keep their outputs on the executors so results stay fetchable,
// and the executors' janitors reclaim the space later.
func (disp *dispatcher) cleanupJob(ctx context.Context, uuid string) {
	logger := disp.logger.WithField("JobUUID", uuid)
	var job *loom.QueryJob
	for deadline := time.Now().Add(5 * time.Second); ; {
		var ok bool
		if job, ok = disp.registry.Finished(uuid); ok {
			break
		}
		// the terminal event is published one funnel iteration
		// before the registry retires the job
		if time.Now().After(deadline) {
			logger.Warn("finished job never appeared in the finished cache, skipping cleanup")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	involved := map[string]bool{}
	for _, stage := range job.Stages {
		for _, task := range stage.Tasks {
			if task.State == loom.TaskStateScheduled || task.State == loom.TaskStateRunning {
				if err := disp.pool.Kill(ctx, task.ExecutorUUID, uuid, stage.Index, task.Partition); err != nil {
					logger.WithError(err).Debug("error killing task of finished job")
				}
			}
			for _, ex := range task.TriedExecutors {
				involved[ex] = true
			}
			if task.Output != nil && task.Output.ExecutorUUID != "" {
				involved[task.Output.ExecutorUUID] = true
			}
		}
	}
	if job.State != loom.JobStateFailed {
		return
	}
	for ex := range involved {
		if err := disp.pool.Cleanup(ctx, ex, uuid); err != nil {
			logger.WithError(err).Debug("error dropping job data from executor")
		}
	}
	logger.WithField("Executors", len(involved)).Debug("failed job cleaned up")
}
