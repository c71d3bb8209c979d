// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package executor implements the executor service: it registers with
// the scheduler, runs dispatched task attempts against its slice of
// the data, and serves the resulting shuffle partitions to peer
// executors over HTTP.
//
// Registration and heartbeats run on their own goroutines and are
// never blocked by task execution. The agent keeps its executor uuid
// in the scratch directory, so committed outputs stay readable under
// the same identity after a restart.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jmcvetta/randutil"
	"github.com/loomdb/loom/lib/service"
	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	defaultRegisterTimeout   = 5 * time.Minute
	defaultHeartbeatInterval = 5 * time.Second
	registerBackoffMin       = time.Second
	registerBackoffMax       = 15 * time.Second
	registerCallTimeout      = 30 * time.Second
	heartbeatCallTimeout     = 30 * time.Second
	reportTimeout            = 30 * time.Second
	statusCallTimeout        = 10 * time.Second
	janitorInterval          = 5 * time.Minute
	janitorGrace             = 5 * time.Minute
)

type agent struct {
	Cluster   *loom.Cluster
	Context   context.Context
	AuthToken string
	Registry  *prometheus.Registry

	logger       logrus.FieldLogger
	store        *taskStore
	runner       *runner
	engine       *engine
	client       *loom.Client
	advertiseURL loom.URL
	scratchDir   string
	slots        int
	httpHandler  http.Handler
	taskCtx      context.Context
	taskCancel   context.CancelFunc

	mtx               sync.Mutex
	uuid              string
	generation        int64
	heartbeatInterval time.Duration

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the agent. Start can be called multiple times with no
// ill effect.
func (ag *agent) Start() {
	ag.setupOnce.Do(ag.setup)
}

// ServeHTTP implements service.Handler.
func (ag *agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ag.Start()
	ag.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (ag *agent) CheckHealth() error {
	ag.Start()
	_, err := ag.freeScratch()
	return err
}

// Done implements service.Handler.
func (ag *agent) Done() <-chan struct{} {
	return ag.stopped
}

// Close stops running tasks and releases resources. Typically used in
// tests.
func (ag *agent) Close() {
	ag.Start()
	select {
	case ag.stop <- struct{}{}:
	default:
	}
	<-ag.stopped
}

func (ag *agent) setup() {
	ag.initialize()
	go ag.run()
}

func (ag *agent) initialize() {
	ag.logger = ctxlog.FromContext(ag.Context)
	ag.stop = make(chan struct{}, 1)
	ag.stopped = make(chan struct{})
	ag.taskCtx, ag.taskCancel = context.WithCancel(ag.Context)
	if ag.AuthToken == "" {
		ag.AuthToken = ag.Cluster.SystemRootToken
	}

	ag.slots = ag.Cluster.Executor.Slots
	if ag.slots < 1 {
		ag.slots = runtime.NumCPU()
	}
	ag.scratchDir = ag.Cluster.Executor.ScratchDir
	if ag.scratchDir == "" {
		ag.logger.Fatal("Executor.ScratchDir is not configured")
	}
	store, err := newTaskStore(ag.scratchDir, ag.logger, ag.Registry)
	if err != nil {
		ag.logger.WithError(err).Fatal("error initializing scratch store")
	}
	ag.store = store

	ag.advertiseURL = ag.Cluster.Executor.AdvertiseURL
	if ag.advertiseURL.Host == "" {
		u, ok := service.URLFromContext(ag.Context)
		if !ok {
			ag.logger.Fatal("Executor.AdvertiseURL is not configured and my own URL is not recorded in the context")
		}
		ag.advertiseURL = u
	}

	if ag.client == nil {
		client, err := loom.NewClientFromConfig(ag.Cluster)
		if err != nil {
			ag.logger.WithError(err).Fatal("error initializing scheduler client")
		}
		client.AuthToken = ag.AuthToken
		ag.client = client
	}
	// BaseURL stays empty: shuffle reads use the absolute URLs
	// recorded in task output locations.
	ag.engine = &engine{fetch: &loom.Client{
		AuthToken: ag.AuthToken,
		Insecure:  ag.Cluster.TLS.Insecure,
		Timeout:   time.Minute,
	}}
	outputBase := strings.TrimSuffix(ag.advertiseURL.String(), "/")
	ag.runner = newRunner(ag.taskCtx, ag.logger, ag.slots, ag.store, ag.engine.run, ag.reportTaskEvent, outputBase, ag.Registry)

	if ag.Registry != nil {
		ag.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "executor",
			Name:      "scratch_free_bytes",
			Help:      "Free space on the filesystem holding the scratch directory.",
		}, func() float64 {
			free, err := ag.freeScratch()
			if err != nil {
				return 0
			}
			return float64(free)
		}))
	}
	ag.httpHandler = ag.buildAPI()
}

func (ag *agent) run() {
	defer close(ag.stopped)
	defer ag.taskCancel()
	ctx := ag.taskCtx
	go func() {
		select {
		case <-ag.stop:
			ag.taskCancel()
		case <-ctx.Done():
		}
	}()

	deadline := time.Duration(ag.Cluster.Executor.RegisterTimeout)
	if deadline <= 0 {
		deadline = defaultRegisterTimeout
	}
	if err := ag.register(ctx, deadline); err != nil {
		if ctx.Err() != nil {
			return
		}
		ag.logger.WithError(err).Fatal("giving up on registration")
	}
	go ag.runJanitor(ctx)
	ag.heartbeatLoop(ctx)
}

// register announces this executor to the scheduler, retrying with
// capped exponential backoff until acknowledged. A deadline > 0
// bounds the whole process; with no deadline it retries until ctx is
// cancelled.
func (ag *agent) register(ctx context.Context, deadline time.Duration) error {
	regCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		regCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	req := loom.RegistrationRequest{
		UUID:         ag.loadIdentity(),
		AdvertiseURL: ag.advertiseURL,
		Slots:        ag.slots,
	}
	backoff := registerBackoffMin
	for {
		callCtx, cancel := context.WithTimeout(regCtx, registerCallTimeout)
		resp, err := ag.client.RegisterExecutor(callCtx, req)
		cancel()
		if err == nil {
			ag.mtx.Lock()
			ag.uuid = resp.Executor.UUID
			ag.generation = resp.Executor.Generation
			if d := time.Duration(resp.HeartbeatInterval); d > 0 {
				ag.heartbeatInterval = d
			}
			ag.mtx.Unlock()
			ag.saveIdentity(resp.Executor.UUID)
			ag.logger.WithFields(logrus.Fields{
				"ExecutorUUID": resp.Executor.UUID,
				"Generation":   resp.Executor.Generation,
				"AdvertiseURL": ag.advertiseURL.String(),
				"Slots":        ag.slots,
			}).Info("registered with scheduler")
			return nil
		}
		var te loom.TransactionError
		if errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 && req.UUID != "" {
			// the scheduler rejected the saved identity
			// (e.g. the cluster was rebuilt); register
			// fresh instead
			ag.logger.WithError(err).Warn("discarding saved executor identity")
			ag.clearIdentity()
			req.UUID = ""
			continue
		}
		delay := backoff
		if ms, jerr := randutil.IntRange(0, int(backoff/time.Millisecond)/4+1); jerr == nil {
			delay += time.Duration(ms) * time.Millisecond
		}
		ag.logger.WithError(err).WithField("RetryIn", delay).Warn("registration failed")
		select {
		case <-regCtx.Done():
			return fmt.Errorf("%w: %s", loom.ErrRegistration, err)
		case <-time.After(delay):
		}
		backoff *= 2
		if backoff > registerBackoffMax {
			backoff = registerBackoffMax
		}
	}
}

func (ag *agent) heartbeatLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(ag.currentHeartbeatInterval()):
		}
		free, err := ag.freeScratch()
		if err != nil {
			ag.logger.WithError(err).Warn("error checking scratch free space")
		}
		tasks := ag.runner.TasksRunning()
		ag.mtx.Lock()
		hb := loom.Heartbeat{
			UUID:         ag.uuid,
			Generation:   ag.generation,
			TasksRunning: tasks,
			FreeScratch:  free,
		}
		ag.mtx.Unlock()
		callCtx, cancel := context.WithTimeout(ctx, heartbeatCallTimeout)
		resp, err := ag.client.SendHeartbeat(callCtx, hb)
		cancel()
		if err != nil {
			// tasks keep running; the scheduler will declare
			// us dead only after its own timeout
			ag.logger.WithError(err).Warn("error sending heartbeat")
			continue
		}
		if d := time.Duration(resp.HeartbeatInterval); d > 0 {
			ag.mtx.Lock()
			ag.heartbeatInterval = d
			ag.mtx.Unlock()
		}
		if resp.Reregister {
			ag.logger.Warn("scheduler requested re-registration")
			if err := ag.register(ctx, 0); err != nil {
				return
			}
		}
	}
}

func (ag *agent) currentHeartbeatInterval() time.Duration {
	ag.mtx.Lock()
	defer ag.mtx.Unlock()
	if ag.heartbeatInterval > 0 {
		return ag.heartbeatInterval
	}
	return defaultHeartbeatInterval
}

// reportTaskEvent delivers one task state change to the scheduler,
// stamped with this executor's current identity. Delivery failures
// are logged and dropped: the scheduler recovers missed reports
// through its own task timeouts.
func (ag *agent) reportTaskEvent(ev loom.TaskEvent) {
	ag.mtx.Lock()
	ev.ExecutorUUID = ag.uuid
	ev.Generation = ag.generation
	ag.mtx.Unlock()
	if ev.Output != nil {
		ev.Output.ExecutorUUID = ev.ExecutorUUID
	}
	ctx, cancel := context.WithTimeout(ag.Context, reportTimeout)
	defer cancel()
	if err := ag.client.PostTaskEvent(ctx, ev); err != nil {
		ag.logger.WithError(err).WithFields(logrus.Fields{
			"JobUUID":   ev.JobUUID,
			"Stage":     ev.Stage,
			"Partition": ev.Partition,
			"Attempt":   ev.Attempt,
			"Event":     ev.Event,
		}).Warn("error reporting task event")
	}
}

func (ag *agent) freeScratch() (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(ag.scratchDir, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * stat.Bsize, nil
}

func (ag *agent) identityFile() string {
	return filepath.Join(ag.scratchDir, "executor-uuid")
}

// loadIdentity returns the uuid this executor registered with in a
// previous run, if a valid one is on disk.
func (ag *agent) loadIdentity() string {
	buf, err := os.ReadFile(ag.identityFile())
	if err != nil {
		return ""
	}
	uuid := strings.TrimSpace(string(buf))
	if loom.ValidateUUID(uuid, loom.ExecutorUUIDInfix) != nil {
		return ""
	}
	return uuid
}

func (ag *agent) saveIdentity(uuid string) {
	if err := os.WriteFile(ag.identityFile(), []byte(uuid+"\n"), 0600); err != nil {
		ag.logger.WithError(err).Warn("error saving executor identity")
	}
}

func (ag *agent) clearIdentity() {
	os.Remove(ag.identityFile())
}

func (ag *agent) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ag.reclaimScratch(ctx)
		}
	}
}

// reclaimScratch drops scratch data for jobs whose outputs can no
// longer be needed: jobs the scheduler no longer reports, and (when
// ScratchRetention is set) finished jobs past the retention cap.
// Outputs of running and recently finished jobs stay, so late shuffle
// reads and result fetches keep working.
func (ag *agent) reclaimScratch(ctx context.Context) {
	retention := time.Duration(ag.Cluster.Executor.ScratchRetention)
	for _, job := range ag.store.jobsOnDisk() {
		if ctx.Err() != nil {
			return
		}
		if ag.runner.jobActive(job) {
			continue
		}
		mtime, err := ag.store.lastModified(job)
		if err != nil {
			continue
		}
		age := time.Since(mtime)
		callCtx, cancel := context.WithTimeout(ctx, statusCallTimeout)
		st, err := ag.client.JobStatus(callCtx, job)
		cancel()
		if ctx.Err() != nil {
			// shutting down; don't mistake our own cancelled
			// call for an unreachable scheduler
			return
		}
		var te loom.TransactionError
		var reason string
		switch {
		case err == nil && st.State != loom.JobStateRunning && retention > 0 && age > retention:
			reason = "finished job output past retention"
		case errors.As(err, &te) && te.StatusCode == http.StatusNotFound && age > janitorGrace:
			reason = "job unknown to scheduler"
		case err != nil && !errors.As(err, &te) && retention > 0 && age > retention:
			reason = "scheduler unreachable and output past retention"
		default:
			continue
		}
		logger := ag.logger.WithFields(logrus.Fields{
			"JobUUID": job,
			"Age":     age,
			"Reason":  reason,
		})
		if err := ag.store.dropJob(job); err != nil {
			logger.WithError(err).Warn("error dropping job scratch data")
		} else {
			logger.Info("reclaimed job scratch data")
		}
	}
}
