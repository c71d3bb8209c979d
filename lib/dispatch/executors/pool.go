// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package executors tracks the executor processes registered with the
// scheduler: their liveness (via heartbeats and a sweeper), their
// task slots, and the per-executor clients used to dispatch work to
// them. A mirror of each record is kept on the coordination backend
// under executors/{uuid} for observability; the pool's in-memory copy
// is authoritative.
package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomdb/loom/lib/coordination"
	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultExecutorTimeout   = 15 * time.Second
	defaultHeartbeatInterval = 5 * time.Second

	// a Dead executor that stays silent this many timeouts is
	// dropped from the pool entirely
	forgetAfterTimeouts = 10

	mirrorPrefix = "executors/"
)

func duration(conf loom.Duration, def time.Duration) time.Duration {
	if conf > 0 {
		return time.Duration(conf)
	}
	return def
}

// Pool is the scheduler's set of registered executors.
type Pool struct {
	logger            logrus.FieldLogger
	ctx               context.Context
	cluster           *loom.Cluster
	backend           coordination.Backend
	executorTimeout   time.Duration
	heartbeatInterval time.Duration
	newClient         func(loom.URL) taskClient

	mtx         sync.Mutex
	executors   map[string]*executor
	subscribers map[<-chan struct{}]chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	mExecutors     *prometheus.GaugeVec
	mTaskSlots     prometheus.Gauge
	mRegistrations prometheus.Counter
	mLost          prometheus.Counter
	mMirrorErrors  prometheus.Counter
}

// NewPool returns a Pool that mirrors executor records to backend and
// starts the liveness sweeper.
func NewPool(ctx context.Context, cluster *loom.Cluster, backend coordination.Backend, reg *prometheus.Registry) *Pool {
	p := &Pool{
		logger:            ctxlog.FromContext(ctx),
		ctx:               ctx,
		cluster:           cluster,
		backend:           backend,
		executorTimeout:   duration(cluster.Dispatch.ExecutorTimeout, defaultExecutorTimeout),
		heartbeatInterval: duration(cluster.Dispatch.HeartbeatInterval, defaultHeartbeatInterval),
		executors:         map[string]*executor{},
		subscribers:       map[<-chan struct{}]chan struct{}{},
		stop:              make(chan struct{}),
		stopped:           make(chan struct{}),
	}
	p.newClient = p.dialExecutor
	p.registerMetrics(reg)
	go p.runSweeper()
	return p
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mExecutors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "executors",
		Help:      "Number of registered executors, by state.",
	}, []string{"state"})
	reg.MustRegister(p.mExecutors)
	p.mTaskSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "task_slots",
		Help:      "Total task slots on executors currently accepting work.",
	})
	reg.MustRegister(p.mTaskSlots)
	p.mRegistrations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "executor_registrations_total",
		Help:      "Number of executor registrations accepted since startup.",
	})
	reg.MustRegister(p.mRegistrations)
	p.mLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "executors_lost_total",
		Help:      "Number of executors declared dead after missing heartbeats.",
	})
	reg.MustRegister(p.mLost)
	p.mMirrorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "executor_mirror_errors_total",
		Help:      "Number of failed executor mirror writes to the coordination backend.",
	})
	reg.MustRegister(p.mMirrorErrors)
}

func (p *Pool) dialExecutor(u loom.URL) taskClient {
	return &loom.Client{
		BaseURL:   strings.TrimSuffix(u.String(), "/"),
		AuthToken: p.cluster.SystemRootToken,
		Insecure:  p.cluster.TLS.Insecure,
		Timeout:   time.Minute,
	}
}

// Register admits a new executor, or re-admits a known UUID with a
// bumped generation. Either way the record starts in Registering and
// becomes Active on its first heartbeat.
func (p *Pool) Register(req loom.RegistrationRequest) (loom.RegistrationResponse, error) {
	if req.AdvertiseURL.Host == "" {
		return loom.RegistrationResponse{}, fmt.Errorf("%w: no advertise URL", loom.ErrRegistration)
	}
	if req.Slots < 1 {
		return loom.RegistrationResponse{}, fmt.Errorf("%w: slots must be positive, got %d", loom.ErrRegistration, req.Slots)
	}
	uuid := req.UUID
	if uuid == "" {
		uuid = loom.NewUUID(p.cluster.ClusterID, loom.ExecutorUUIDInfix)
	} else if err := loom.ValidateUUID(uuid, loom.ExecutorUUIDInfix); err != nil {
		return loom.RegistrationResponse{}, fmt.Errorf("%w: %s", loom.ErrRegistration, err)
	} else if !strings.HasPrefix(uuid, p.cluster.ClusterID+"-") {
		return loom.RegistrationResponse{}, fmt.Errorf("%w: uuid %q belongs to another cluster", loom.ErrRegistration, uuid)
	}
	now := time.Now()
	p.mtx.Lock()
	ex, ok := p.executors[uuid]
	if !ok {
		ex = &executor{
			Executor:     loom.Executor{UUID: uuid, FirstSeenAt: now},
			idleBehavior: IdleBehaviorRun,
		}
		p.executors[uuid] = ex
	}
	ex.AdvertiseURL = req.AdvertiseURL
	ex.Slots = req.Slots
	ex.State = loom.ExecutorStateRegistering
	ex.Generation++
	ex.LastHeartbeatAt = now
	ex.TasksRunning = 0
	ex.FreeScratch = 0
	ex.tasksReassigned = false
	ex.client = p.newClient(req.AdvertiseURL)
	view := ex.view()
	p.updateMetrics()
	p.notify()
	p.mtx.Unlock()
	p.mRegistrations.Inc()
	p.logger.WithFields(logrus.Fields{
		"ExecutorUUID": view.UUID,
		"AdvertiseURL": view.AdvertiseURL.String(),
		"Slots":        view.Slots,
		"Generation":   view.Generation,
	}).Info("executor registered")
	p.mirror(view)
	return loom.RegistrationResponse{
		Executor:          view,
		HeartbeatInterval: loom.Duration(p.heartbeatInterval),
	}, nil
}

// Heartbeat records a liveness report. Reregister is set in the
// response when the report does not match a current registration —
// unknown UUID, stale generation, or an executor that was declared
// dead and has had its tasks given away in the meantime.
func (p *Pool) Heartbeat(hb loom.Heartbeat) loom.HeartbeatResponse {
	resp := loom.HeartbeatResponse{HeartbeatInterval: loom.Duration(p.heartbeatInterval)}
	p.mtx.Lock()
	ex, ok := p.executors[hb.UUID]
	if !ok || hb.Generation != ex.Generation || (ex.State == loom.ExecutorStateDead && ex.tasksReassigned) {
		p.mtx.Unlock()
		resp.Reregister = true
		return resp
	}
	changed := false
	switch ex.State {
	case loom.ExecutorStateRegistering:
		changed = p.setState(ex, loom.ExecutorStateActive)
	case loom.ExecutorStateDead:
		// silent too long, but nothing was reassigned yet, so
		// its task set is still intact
		changed = p.setState(ex, loom.ExecutorStateActive)
		if changed {
			p.logger.WithField("ExecutorUUID", ex.UUID).Info("dead executor returned before its tasks were reassigned")
		}
	}
	ex.LastHeartbeatAt = time.Now()
	ex.TasksRunning = hb.TasksRunning
	ex.FreeScratch = hb.FreeScratch
	view := ex.view()
	if changed {
		p.updateMetrics()
		p.notify()
	}
	p.mtx.Unlock()
	p.mirror(view)
	return resp
}

// ValidateReport returns true if a task report carrying the given
// executor UUID and generation should be believed.
func (p *Pool) ValidateReport(uuid string, generation int64) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	ex, ok := p.executors[uuid]
	return ok && ex.Generation == generation
}

// Alive reports, per known executor UUID, whether the scheduler
// still considers it reachable. Callers treat missing keys as not
// alive.
func (p *Pool) Alive() map[string]bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	alive := make(map[string]bool, len(p.executors))
	for uuid, ex := range p.executors {
		alive[uuid] = ex.State != loom.ExecutorStateDead
	}
	return alive
}

// Candidates returns the executors new tasks may be assigned to,
// sorted by UUID so scheduling decisions are reproducible.
func (p *Pool) Candidates() []Candidate {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	var out []Candidate
	for _, ex := range p.executors {
		if ex.State == loom.ExecutorStateActive && ex.idleBehavior == IdleBehaviorRun {
			out = append(out, Candidate{UUID: ex.UUID, Slots: ex.Slots})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// TotalSlots returns the number of task slots on executors currently
// accepting work. Jobs stall (and eventually fail) while this is
// zero.
func (p *Pool) TotalSlots() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	slots := 0
	for _, ex := range p.executors {
		if ex.State == loom.ExecutorStateActive && ex.idleBehavior == IdleBehaviorRun {
			slots += ex.Slots
		}
	}
	return slots
}

// Executors returns wire copies of all records, sorted by UUID.
func (p *Pool) Executors() []loom.Executor {
	p.mtx.Lock()
	out := make([]loom.Executor, 0, len(p.executors))
	for _, ex := range p.executors {
		out = append(out, ex.view())
	}
	p.mtx.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// CountExecutors returns the number of executors in each state.
func (p *Pool) CountExecutors() map[loom.ExecutorState]int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	counts := map[loom.ExecutorState]int{}
	for _, ex := range p.executors {
		counts[ex.State]++
	}
	return counts
}

// SetIdleBehavior sets the scheduling stance of the given executor.
func (p *Pool) SetIdleBehavior(uuid string, idleBehavior IdleBehavior) error {
	if !validIdleBehavior[idleBehavior] {
		return fmt.Errorf("invalid idle behavior %q", idleBehavior)
	}
	p.mtx.Lock()
	ex, ok := p.executors[uuid]
	if !ok {
		p.mtx.Unlock()
		return fmt.Errorf("unknown executor %q", uuid)
	}
	ex.idleBehavior = idleBehavior
	view := ex.view()
	p.updateMetrics()
	p.notify()
	p.mtx.Unlock()
	p.logger.WithFields(logrus.Fields{
		"ExecutorUUID": uuid,
		"IdleBehavior": idleBehavior,
	}).Info("idle behavior changed")
	p.mirror(view)
	return nil
}

// MarkTasksReassigned records that the scheduler has started handing
// this dead executor's tasks to others. From now on the process may
// not resume its old registration; it must register afresh.
func (p *Pool) MarkTasksReassigned(uuid string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if ex, ok := p.executors[uuid]; ok && ex.State == loom.ExecutorStateDead {
		ex.tasksReassigned = true
	}
}

// Dispatch sends a task to the given executor's data plane.
func (p *Pool) Dispatch(ctx context.Context, uuid string, td loom.TaskDispatch) error {
	client, err := p.clientFor(uuid)
	if err != nil {
		return err
	}
	if err := client.DispatchTask(ctx, td); err != nil {
		return fmt.Errorf("%w: %s", loom.ErrExecutorUnreachable, err)
	}
	return nil
}

// Kill tells the given executor to stop a task attempt. Unknown
// executors are not an error: the task is already beyond reach.
func (p *Pool) Kill(ctx context.Context, uuid, jobUUID string, stage, partition int) error {
	client, err := p.clientFor(uuid)
	if err != nil {
		return nil
	}
	return client.KillTask(ctx, jobUUID, stage, partition)
}

// Cleanup tells the given executor to drop all scratch data for a
// job.
func (p *Pool) Cleanup(ctx context.Context, uuid, jobUUID string) error {
	client, err := p.clientFor(uuid)
	if err != nil {
		return nil
	}
	return client.CleanupJob(ctx, jobUUID)
}

func (p *Pool) clientFor(uuid string) (taskClient, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	ex, ok := p.executors[uuid]
	if !ok || ex.client == nil {
		return nil, fmt.Errorf("unknown executor %q", uuid)
	}
	return ex.client, nil
}

// Subscribe returns a channel that becomes ready whenever the set of
// usable executors may have changed.
func (p *Pool) Subscribe() <-chan struct{} {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	ch := make(chan struct{}, 1)
	p.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (p *Pool) Unsubscribe(ch <-chan struct{}) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	delete(p.subscribers, ch)
}

// caller must have lock.
func (p *Pool) notify() {
	for _, ch := range p.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// caller must have lock.
func (p *Pool) setState(ex *executor, to loom.ExecutorState) bool {
	if !loom.ValidExecutorTransition(ex.State, to) {
		p.logger.WithFields(logrus.Fields{
			"ExecutorUUID": ex.UUID,
			"From":         ex.State,
			"To":           to,
		}).Error("refusing illegal executor state transition")
		return false
	}
	ex.State = to
	return true
}

// caller must have lock.
func (p *Pool) updateMetrics() {
	counts := map[loom.ExecutorState]int{
		loom.ExecutorStateRegistering: 0,
		loom.ExecutorStateActive:      0,
		loom.ExecutorStateDead:        0,
	}
	slots := 0
	for _, ex := range p.executors {
		counts[ex.State]++
		if ex.State == loom.ExecutorStateActive && ex.idleBehavior == IdleBehaviorRun {
			slots += ex.Slots
		}
	}
	for state, n := range counts {
		p.mExecutors.WithLabelValues(string(state)).Set(float64(n))
	}
	p.mTaskSlots.Set(float64(slots))
}

func (p *Pool) mirror(view loom.Executor) {
	buf, err := json.Marshal(view)
	if err != nil {
		return
	}
	if _, err := p.backend.Put(p.ctx, mirrorPrefix+view.UUID, buf, 2*p.executorTimeout); err != nil {
		p.logger.WithField("ExecutorUUID", view.UUID).WithError(err).Warn("error mirroring executor record")
		p.mMirrorErrors.Inc()
	}
}

func (p *Pool) runSweeper() {
	defer close(p.stopped)
	interval := p.executorTimeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()
	var died []loom.Executor
	var forgotten []string
	p.mtx.Lock()
	for uuid, ex := range p.executors {
		silent := now.Sub(ex.LastHeartbeatAt)
		switch {
		case ex.State != loom.ExecutorStateDead && silent > p.executorTimeout:
			if p.setState(ex, loom.ExecutorStateDead) {
				died = append(died, ex.view())
			}
		case ex.State == loom.ExecutorStateDead && silent > forgetAfterTimeouts*p.executorTimeout:
			delete(p.executors, uuid)
			forgotten = append(forgotten, uuid)
		}
	}
	if len(died) > 0 || len(forgotten) > 0 {
		p.updateMetrics()
		p.notify()
	}
	p.mtx.Unlock()
	for _, view := range died {
		p.mLost.Inc()
		p.logger.WithFields(logrus.Fields{
			"ExecutorUUID":    view.UUID,
			"LastHeartbeatAt": view.LastHeartbeatAt,
		}).Warn("executor stopped heartbeating")
		p.mirror(view)
	}
	for _, uuid := range forgotten {
		p.logger.WithField("ExecutorUUID", uuid).Info("forgetting long-dead executor")
		if err := p.backend.Delete(p.ctx, mirrorPrefix+uuid, 0); err != nil && err != coordination.ErrNotFound {
			p.logger.WithField("ExecutorUUID", uuid).WithError(err).Warn("error removing executor mirror")
			p.mMirrorErrors.Inc()
		}
	}
}

// Stop shuts down the sweeper. The pool is not usable afterwards.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.stopped
}
