// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package jobs tracks every submitted query job and is the single
// serialization point for changes to a job's stage and task state.
// All mutations (executor task reports, assignments, cancellation,
// executor-loss releases) are funneled through one event loop per
// job, so the order of state changes is well defined for any single
// job while distinct jobs proceed in parallel.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomdb/loom/lib/coordination"
	"github.com/loomdb/loom/lib/stagegraph"
	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxTaskRetries       = 3
	defaultMaxPartitions        = 64
	defaultStallTimeout         = 5 * time.Minute
	defaultCheckpointInterval   = time.Second
	defaultFinishedJobCacheSize = 1000
	defaultMaxInlineResultBytes = 1 << 20
)

// CheckpointPrefix is the coordination key prefix under which job
// checkpoints are stored, one key per job uuid.
const CheckpointPrefix = "jobs/"

// ErrJobFinished is returned by mutating operations on a job that has
// already reached a terminal state.
var ErrJobFinished = errors.New("job has finished")

func duration(conf loom.Duration, def time.Duration) time.Duration {
	if conf > 0 {
		return time.Duration(conf)
	}
	return def
}

// A Registry owns all active jobs plus a bounded cache of recently
// finished ones. Snapshot reads (Entries, Get) do not block on the
// per-job event loops: they return copies published after each
// processed event.
type Registry struct {
	logger             logrus.FieldLogger
	ctx                context.Context
	cluster            *loom.Cluster
	backend            coordination.Backend
	sink               EventSink  // may be nil
	capacity           func() int // alive task slots; nil disables stall detection
	maxTaskRetries     int
	maxPartitions      int
	stallTimeout       time.Duration
	checkpointInterval time.Duration
	maxInlineResult    int64

	mtx         sync.Mutex
	jobs        map[string]*jobState
	current     map[string]*loom.QueryJob
	updated     time.Time
	subscribers map[<-chan struct{}]chan struct{}
	finished    *lru.TwoQueueCache

	mJobsActive         prometheus.Gauge
	mJobsSubmitted      prometheus.Counter
	mJobsFinished       *prometheus.CounterVec
	mTaskRetries        prometheus.Counter
	mStaleEvents        prometheus.Counter
	mIllegalTransitions prometheus.Counter
	mCheckpointErrors   prometheus.Counter
}

// NewRegistry returns a Registry that checkpoints to backend under
// jobs/{uuid}. The capacity func reports the cluster's current alive
// task slots; a job with unschedulable tasks is failed once capacity
// stays at zero past the stall timeout.
func NewRegistry(ctx context.Context, cluster *loom.Cluster, backend coordination.Backend, sink EventSink, capacity func() int, reg *prometheus.Registry) *Registry {
	cacheSize := cluster.Dispatch.FinishedJobCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultFinishedJobCacheSize
	}
	finished, err := lru.New2Q(cacheSize)
	if err != nil {
		// only possible with a non-positive size
		panic(err)
	}
	maxRetries := cluster.Dispatch.MaxTaskRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxTaskRetries
	}
	maxPartitions := cluster.Dispatch.MaxPartitions
	if maxPartitions <= 0 {
		maxPartitions = defaultMaxPartitions
	}
	maxInline := cluster.Dispatch.MaxInlineResultBytes
	if maxInline <= 0 {
		maxInline = defaultMaxInlineResultBytes
	}
	r := &Registry{
		logger:             ctxlog.FromContext(ctx),
		ctx:                ctx,
		cluster:            cluster,
		backend:            backend,
		sink:               sink,
		capacity:           capacity,
		maxTaskRetries:     maxRetries,
		maxPartitions:      maxPartitions,
		stallTimeout:       duration(cluster.Dispatch.StallTimeout, defaultStallTimeout),
		checkpointInterval: duration(cluster.Dispatch.CheckpointInterval, defaultCheckpointInterval),
		maxInlineResult:    maxInline,
		jobs:               map[string]*jobState{},
		current:            map[string]*loom.QueryJob{},
		subscribers:        map[<-chan struct{}]chan struct{}{},
		finished:           finished,
	}
	r.registerMetrics(reg)
	return r
}

func (r *Registry) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mJobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "jobs_active",
		Help:      "Number of jobs currently being scheduled.",
	})
	reg.MustRegister(r.mJobsActive)
	r.mJobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "jobs_submitted_total",
		Help:      "Number of jobs accepted since startup.",
	})
	reg.MustRegister(r.mJobsSubmitted)
	r.mJobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "jobs_finished_total",
		Help:      "Number of jobs that reached a terminal state, by state.",
	}, []string{"state"})
	reg.MustRegister(r.mJobsFinished)
	r.mTaskRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "task_retries_total",
		Help:      "Number of task attempts requeued after a failure.",
	})
	reg.MustRegister(r.mTaskRetries)
	r.mStaleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "stale_task_events_total",
		Help:      "Number of task reports ignored because they referred to a superseded attempt.",
	})
	reg.MustRegister(r.mStaleEvents)
	r.mIllegalTransitions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "illegal_transitions_total",
		Help:      "Number of rejected state transitions. Nonzero values indicate a bug or a misbehaving executor.",
	})
	reg.MustRegister(r.mIllegalTransitions)
	r.mCheckpointErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "checkpoint_errors_total",
		Help:      "Number of failed checkpoint writes/deletes. Checkpointing is retried while the job is active.",
	})
	reg.MustRegister(r.mCheckpointErrors)
}

// Submit validates the plan, builds the stage graph, persists the
// initial checkpoint, and starts the job's event loop. The returned
// snapshot reflects the job before any scheduling has happened.
func (r *Registry) Submit(opts loom.SubmitOptions) (loom.JobStatus, error) {
	if opts.Plan == nil {
		return loom.JobStatus{}, fmt.Errorf("submission has no plan")
	}
	stages, err := stagegraph.Build(opts.Plan, r.maxPartitions)
	if err != nil {
		return loom.JobStatus{}, fmt.Errorf("invalid plan: %w", err)
	}
	job := &loom.QueryJob{
		UUID:        loom.NewUUID(r.cluster.ClusterID, loom.JobUUIDInfix),
		Client:      opts.Client,
		Priority:    opts.Priority,
		State:       loom.JobStateRunning,
		Plan:        opts.Plan,
		Stages:      stages,
		SubmittedAt: time.Now(),
	}
	for _, stage := range stages {
		if len(stage.DependsOn) == 0 {
			stage.State = loom.StageStateReady
		}
	}
	status := job.Status()
	r.mJobsSubmitted.Inc()
	r.publishEvent(Event{
		JobUUID:   job.UUID,
		Kind:      EventKindJob,
		JobState:  job.State,
		Timestamp: time.Now(),
	})
	r.admit(job, false)
	r.logger.WithFields(logrus.Fields{
		"JobUUID": job.UUID,
		"Client":  job.Client,
		"Stages":  len(stages),
	}).Info("job submitted")
	return status, nil
}

// admit installs a job record and starts its event loop. When
// persisted is false the initial checkpoint is written synchronously;
// a recovered job is already on the backend and only marked dirty.
func (r *Registry) admit(job *loom.QueryJob, persisted bool) {
	js := newJobState(r, job)
	if persisted {
		js.dirty = true
	} else if err := js.writeCheckpoint(); err != nil {
		js.logger.WithError(err).Warn("error writing initial checkpoint")
		r.mCheckpointErrors.Inc()
		js.dirty = true
	}
	r.mtx.Lock()
	r.jobs[job.UUID] = js
	r.current[job.UUID] = cloneJob(job)
	r.updated = time.Now()
	r.mJobsActive.Set(float64(len(r.jobs)))
	r.notify()
	r.mtx.Unlock()
	go js.run()
}

// Apply feeds a task report into the owning job's event loop. Reports
// for finished or unknown jobs are dropped: a late duplicate of a
// completion that already finished the job must be a no-op.
func (r *Registry) Apply(ev loom.TaskEvent) error {
	r.mtx.Lock()
	js, ok := r.jobs[ev.JobUUID]
	r.mtx.Unlock()
	if !ok {
		if _, finished := r.finished.Get(ev.JobUUID); finished {
			return nil
		}
		return fmt.Errorf("unknown job %q", ev.JobUUID)
	}
	err := js.send(message{event: &ev})
	if err == ErrJobFinished {
		return nil
	}
	return err
}

// Assign marks the given task Scheduled on the given executor and
// returns the dispatch payload to send to it. It fails if the task is
// no longer unscheduled at the given attempt (e.g. because another
// scheduler pass got there first, or the job finished).
func (r *Registry) Assign(jobUUID string, stage, partition, attempt int, executorUUID string) (*loom.TaskDispatch, error) {
	r.mtx.Lock()
	js, ok := r.jobs[jobUUID]
	r.mtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job %q", jobUUID)
	}
	req := &assignRequest{
		stage:        stage,
		partition:    partition,
		attempt:      attempt,
		executorUUID: executorUUID,
		reply:        make(chan assignReply, 1),
	}
	if err := js.send(message{assign: req}); err != nil {
		return nil, err
	}
	select {
	case rep := <-req.reply:
		return rep.dispatch, rep.err
	case <-js.done:
		return nil, ErrJobFinished
	}
}

// Release reverts a Scheduled/Running task to Unscheduled without
// using up its retry budget, e.g. because its executor was lost or
// the dispatch was never acknowledged. The attempt stays current on
// release, so Release is idempotent until the task is reassigned.
func (r *Registry) Release(jobUUID string, stage, partition, attempt int, reason string) error {
	r.mtx.Lock()
	js, ok := r.jobs[jobUUID]
	r.mtx.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", jobUUID)
	}
	err := js.send(message{release: &releaseRequest{
		stage:     stage,
		partition: partition,
		attempt:   attempt,
		reason:    reason,
	}})
	if err == ErrJobFinished {
		return nil
	}
	return err
}

// Cancel fails a running job with the given reason and stops further
// scheduling of its tasks.
func (r *Registry) Cancel(jobUUID, reason string) error {
	r.mtx.Lock()
	js, ok := r.jobs[jobUUID]
	r.mtx.Unlock()
	if !ok {
		if _, finished := r.finished.Get(jobUUID); finished {
			return ErrJobFinished
		}
		return fmt.Errorf("unknown job %q", jobUUID)
	}
	req := &cancelRequest{reason: reason, reply: make(chan error, 1)}
	if err := js.send(message{cancel: req}); err != nil {
		return err
	}
	select {
	case err := <-req.reply:
		return err
	case <-js.done:
		return nil
	}
}

// Get returns a point-in-time status snapshot for an active or
// recently finished job.
func (r *Registry) Get(uuid string) (loom.JobStatus, bool) {
	r.mtx.Lock()
	job, ok := r.current[uuid]
	r.mtx.Unlock()
	if ok {
		return job.Status(), true
	}
	if rec, ok := r.finished.Get(uuid); ok {
		return rec.(*loom.QueryJob).Status(), true
	}
	return loom.JobStatus{}, false
}

// Finished returns the full record of a finished job, if it is still
// in the cache. The returned record must not be modified.
func (r *Registry) Finished(uuid string) (*loom.QueryJob, bool) {
	rec, ok := r.finished.Get(uuid)
	if !ok {
		return nil, false
	}
	return rec.(*loom.QueryJob), true
}

// FinishedJobs returns status snapshots of all cached finished jobs.
func (r *Registry) FinishedJobs() []loom.JobStatus {
	var out []loom.JobStatus
	for _, key := range r.finished.Keys() {
		if rec, ok := r.finished.Get(key); ok {
			out = append(out, rec.(*loom.QueryJob).Status())
		}
	}
	return out
}

// Entries returns a snapshot copy of every active job, keyed by UUID,
// along with the time the most recent per-job snapshot was published.
// The returned records are copies: callers may read them freely but
// writes have no effect.
func (r *Registry) Entries() (map[string]*loom.QueryJob, time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	entries := make(map[string]*loom.QueryJob, len(r.current))
	for uuid, job := range r.current {
		entries[uuid] = job
	}
	return entries, r.updated
}

// Subscribe returns a channel that becomes ready when any job's
// published snapshot changes.
//
//	ch := r.Subscribe()
//	defer r.Unsubscribe(ch)
//	for range ch {
//		// ...
//	}
func (r *Registry) Subscribe() <-chan struct{} {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ch := make(chan struct{}, 1)
	r.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (r *Registry) Unsubscribe(ch <-chan struct{}) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.subscribers, ch)
}

// caller must have lock.
func (r *Registry) notify() {
	for _, ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) publishEvent(ev Event) {
	if r.sink != nil {
		r.sink.Publish(ev)
	}
}

// publish replaces the published snapshot of an active job. Called by
// the job's event loop after processing events.
func (r *Registry) publish(job *loom.QueryJob) {
	snap := cloneJob(job)
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, live := r.jobs[job.UUID]; !live {
		return
	}
	r.current[job.UUID] = snap
	r.updated = time.Now()
	r.notify()
}

// retire moves a terminal job out of the active set and into the
// finished cache. Called by the job's event loop as its final act, so
// the record is no longer shared with anything after this.
func (r *Registry) retire(job *loom.QueryJob) {
	r.mtx.Lock()
	delete(r.jobs, job.UUID)
	delete(r.current, job.UUID)
	r.updated = time.Now()
	r.finished.Add(job.UUID, job)
	r.mJobsActive.Set(float64(len(r.jobs)))
	r.notify()
	r.mtx.Unlock()
	r.mJobsFinished.WithLabelValues(string(job.State)).Inc()
}

// LoadCheckpoints scans jobs/ on the coordination backend and
// restores every checkpointed job: terminal records go straight to
// the finished cache, running jobs re-enter scheduling with their
// in-flight tasks reverted to Unscheduled (the executors they were on
// may be gone, and the scheduler will reassign them anyway).
//
// Called on leadership acquisition, after Reset.
func (r *Registry) LoadCheckpoints(ctx context.Context) error {
	kvs, err := r.backend.List(ctx, CheckpointPrefix)
	if err != nil {
		return fmt.Errorf("error listing job checkpoints: %w", err)
	}
	var recovered, terminal int
	for _, kv := range kvs {
		var job loom.QueryJob
		if err := json.Unmarshal(kv.Value, &job); err != nil {
			r.logger.WithField("Key", kv.Key).WithError(err).Warn("skipping unreadable job checkpoint")
			continue
		}
		if job.UUID == "" {
			r.logger.WithField("Key", kv.Key).Warn("skipping job checkpoint with no UUID")
			continue
		}
		r.mtx.Lock()
		_, live := r.jobs[job.UUID]
		r.mtx.Unlock()
		if live {
			continue
		}
		if job.State != loom.JobStateRunning {
			r.mtx.Lock()
			r.finished.Add(job.UUID, &job)
			r.mtx.Unlock()
			if err := r.backend.Delete(ctx, kv.Key, 0); err != nil {
				r.logger.WithField("JobUUID", job.UUID).WithError(err).Warn("error deleting terminal job checkpoint")
				r.mCheckpointErrors.Inc()
			}
			terminal++
			continue
		}
		for _, stage := range job.Stages {
			for _, task := range stage.Tasks {
				if task.State == loom.TaskStateScheduled || task.State == loom.TaskStateRunning {
					task.State = loom.TaskStateUnscheduled
					task.ExecutorUUID = ""
					task.StartedAt = time.Time{}
				}
			}
		}
		r.admit(&job, true)
		recovered++
	}
	if recovered > 0 || terminal > 0 {
		r.logger.WithFields(logrus.Fields{
			"Recovered": recovered,
			"Terminal":  terminal,
		}).Info("recovered job checkpoints")
	}
	return nil
}

// Reset stops all per-job event loops and drops the active set,
// leaving the finished cache intact. Nothing is written to the
// backend: Reset runs when this scheduler is no longer the leader, so
// the checkpoints may already belong to someone else.
func (r *Registry) Reset() {
	r.mtx.Lock()
	states := make([]*jobState, 0, len(r.jobs))
	for _, js := range r.jobs {
		states = append(states, js)
	}
	r.jobs = map[string]*jobState{}
	r.current = map[string]*loom.QueryJob{}
	r.updated = time.Now()
	r.mJobsActive.Set(0)
	r.notify()
	r.mtx.Unlock()
	for _, js := range states {
		js.close()
	}
	for _, js := range states {
		<-js.done
	}
}

// cloneJob returns a copy of job that shares no mutable state with
// the original. Plan and stage fragments are shared: they are never
// modified after the stage graph is built.
func cloneJob(job *loom.QueryJob) *loom.QueryJob {
	c := *job
	c.Stages = make([]*loom.Stage, len(job.Stages))
	for i, stage := range job.Stages {
		cs := *stage
		cs.Tasks = make([]*loom.Task, len(stage.Tasks))
		for j, task := range stage.Tasks {
			ct := *task
			if task.TriedExecutors != nil {
				ct.TriedExecutors = append([]string(nil), task.TriedExecutors...)
			}
			if task.Output != nil {
				o := *task.Output
				ct.Output = &o
			}
			cs.Tasks[j] = &ct
		}
		c.Stages[i] = &cs
	}
	return &c
}
