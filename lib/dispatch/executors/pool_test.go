// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/loomdb/loom/lib/coordination"
	"github.com/loomdb/loom/sdk/go/ctxlog"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PoolSuite{})

type PoolSuite struct {
	ctx     context.Context
	cluster *loom.Cluster
	backend coordination.Backend
	pool    *Pool
}

type stubTaskClient struct {
	mtx        sync.Mutex
	dispatched []loom.TaskDispatch
	killed     []string
	cleaned    []string
	err        error
}

func (stub *stubTaskClient) DispatchTask(ctx context.Context, td loom.TaskDispatch) error {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if stub.err != nil {
		return stub.err
	}
	stub.dispatched = append(stub.dispatched, td)
	return nil
}

func (stub *stubTaskClient) KillTask(ctx context.Context, jobUUID string, stage, partition int) error {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.killed = append(stub.killed, jobUUID)
	return nil
}

func (stub *stubTaskClient) CleanupJob(ctx context.Context, jobUUID string) error {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.cleaned = append(stub.cleaned, jobUUID)
	return nil
}

func (s *PoolSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cluster = &loom.Cluster{ClusterID: "zzzzz"}
	s.cluster.Coordination.Driver = "memory"
	// long enough that nothing dies unless a test wants it to;
	// sweeper tests build their own short-timeout pool
	s.cluster.Dispatch.ExecutorTimeout = loom.Duration(time.Minute)
	backend, err := coordination.NewBackend(s.cluster, ctxlog.TestLogger(c), prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	s.backend = backend
	s.pool = NewPool(s.ctx, s.cluster, s.backend, prometheus.NewRegistry())
}

func (s *PoolSuite) TearDownTest(c *check.C) {
	s.pool.Stop()
	s.backend.Close()
}

// shortTimeoutPool returns a pool whose sweeper declares executors
// dead after 20ms of silence.
func (s *PoolSuite) shortTimeoutPool() *Pool {
	cluster := *s.cluster
	cluster.Dispatch.ExecutorTimeout = loom.Duration(20 * time.Millisecond)
	return NewPool(s.ctx, &cluster, s.backend, prometheus.NewRegistry())
}

func (s *PoolSuite) register(c *check.C, pool *Pool, uuid string, slots int) loom.RegistrationResponse {
	resp, err := pool.Register(loom.RegistrationRequest{
		UUID:         uuid,
		AdvertiseURL: loom.URLFromString("http://executor.example:9410/"),
		Slots:        slots,
	})
	c.Assert(err, check.IsNil)
	return resp
}

// registerActive registers and sends the first heartbeat, leaving the
// executor Active.
func (s *PoolSuite) registerActive(c *check.C, pool *Pool, uuid string, slots int) loom.RegistrationResponse {
	resp := s.register(c, pool, uuid, slots)
	hb := pool.Heartbeat(loom.Heartbeat{UUID: resp.Executor.UUID, Generation: resp.Executor.Generation})
	c.Assert(hb.Reregister, check.Equals, false)
	return resp
}

func (s *PoolSuite) waitState(c *check.C, pool *Pool, uuid string, state loom.ExecutorState) {
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(time.Millisecond) {
		for _, ex := range pool.Executors() {
			if ex.UUID == uuid && ex.State == state {
				return
			}
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s to be %s, have %#v", uuid, state, pool.Executors())
		}
	}
}

func (s *PoolSuite) TestRegisterNewExecutor(c *check.C) {
	resp := s.register(c, s.pool, "", 4)
	c.Check(resp.Executor.UUID, check.Matches, `zzzzz-e4x9k-[0-9a-z]{15}`)
	c.Check(resp.Executor.State, check.Equals, loom.ExecutorStateRegistering)
	c.Check(resp.Executor.Generation, check.Equals, int64(1))
	c.Check(resp.Executor.Slots, check.Equals, 4)
	c.Check(resp.HeartbeatInterval, check.Equals, loom.Duration(defaultHeartbeatInterval))

	// a registering executor is not yet a candidate
	c.Check(s.pool.Candidates(), check.HasLen, 0)
	c.Check(s.pool.TotalSlots(), check.Equals, 0)

	// the record is mirrored to the coordination backend
	kv, err := s.backend.Get(context.Background(), "executors/"+resp.Executor.UUID)
	c.Assert(err, check.IsNil)
	var mirrored loom.Executor
	c.Assert(json.Unmarshal(kv.Value, &mirrored), check.IsNil)
	c.Check(mirrored.UUID, check.Equals, resp.Executor.UUID)
	c.Check(mirrored.State, check.Equals, loom.ExecutorStateRegistering)
	c.Check(mirrored.IdleBehavior, check.Equals, "run")
}

func (s *PoolSuite) TestRegisterValidation(c *check.C) {
	_, err := s.pool.Register(loom.RegistrationRequest{Slots: 1})
	c.Check(errors.Is(err, loom.ErrRegistration), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*no advertise URL`)

	_, err = s.pool.Register(loom.RegistrationRequest{AdvertiseURL: loom.URLFromString("http://x.example/")})
	c.Check(err, check.ErrorMatches, `.*slots must be positive.*`)

	_, err = s.pool.Register(loom.RegistrationRequest{
		UUID:         "zzzzz-q2j7d-000000000000001",
		AdvertiseURL: loom.URLFromString("http://x.example/"),
		Slots:        1,
	})
	c.Check(errors.Is(err, loom.ErrRegistration), check.Equals, true)

	_, err = s.pool.Register(loom.RegistrationRequest{
		UUID:         "qr1hi-e4x9k-000000000000001",
		AdvertiseURL: loom.URLFromString("http://x.example/"),
		Slots:        1,
	})
	c.Check(err, check.ErrorMatches, `.*belongs to another cluster`)
}

func (s *PoolSuite) TestHeartbeatActivates(c *check.C) {
	resp := s.register(c, s.pool, "", 4)
	uuid := resp.Executor.UUID

	hb := s.pool.Heartbeat(loom.Heartbeat{
		UUID:         uuid,
		Generation:   resp.Executor.Generation,
		TasksRunning: 2,
		FreeScratch:  1 << 30,
	})
	c.Check(hb.Reregister, check.Equals, false)

	executors := s.pool.Executors()
	c.Assert(executors, check.HasLen, 1)
	c.Check(executors[0].State, check.Equals, loom.ExecutorStateActive)
	c.Check(executors[0].TasksRunning, check.Equals, 2)
	c.Check(executors[0].FreeScratch, check.Equals, int64(1<<30))
	c.Check(s.pool.TotalSlots(), check.Equals, 4)
	c.Check(s.pool.Alive(), check.DeepEquals, map[string]bool{uuid: true})
}

func (s *PoolSuite) TestHeartbeatUnknownOrStaleGeneration(c *check.C) {
	hb := s.pool.Heartbeat(loom.Heartbeat{UUID: "zzzzz-e4x9k-000000000000009", Generation: 1})
	c.Check(hb.Reregister, check.Equals, true)

	resp := s.register(c, s.pool, "", 1)
	uuid := resp.Executor.UUID
	hb = s.pool.Heartbeat(loom.Heartbeat{UUID: uuid, Generation: resp.Executor.Generation + 1})
	c.Check(hb.Reregister, check.Equals, true)

	// re-registration bumps the generation; the old one no
	// longer validates
	resp2 := s.register(c, s.pool, uuid, 1)
	c.Check(resp2.Executor.Generation, check.Equals, resp.Executor.Generation+1)
	hb = s.pool.Heartbeat(loom.Heartbeat{UUID: uuid, Generation: resp.Executor.Generation})
	c.Check(hb.Reregister, check.Equals, true)
	c.Check(s.pool.ValidateReport(uuid, resp.Executor.Generation), check.Equals, false)
	c.Check(s.pool.ValidateReport(uuid, resp2.Executor.Generation), check.Equals, true)
	c.Check(s.pool.ValidateReport("zzzzz-e4x9k-000000000000009", 1), check.Equals, false)
}

func (s *PoolSuite) TestSweeperMarksDeadThenForgets(c *check.C) {
	pool := s.shortTimeoutPool()
	defer pool.Stop()
	ch := pool.Subscribe()
	defer pool.Unsubscribe(ch)

	resp := s.registerActive(c, pool, "", 4)
	uuid := resp.Executor.UUID
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		c.Fatal("no notification after registration")
	}

	// no further heartbeats: the sweeper declares it dead...
	s.waitState(c, pool, uuid, loom.ExecutorStateDead)
	c.Check(pool.TotalSlots(), check.Equals, 0)
	c.Check(pool.Alive(), check.DeepEquals, map[string]bool{uuid: false})
	c.Check(pool.Candidates(), check.HasLen, 0)

	// ...and eventually forgets it, mirror included
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(time.Millisecond) {
		if len(pool.Executors()) == 0 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for executor to be forgotten")
		}
	}
	_, err := s.backend.Get(context.Background(), "executors/"+uuid)
	c.Check(err, check.Equals, coordination.ErrNotFound)
}

func (s *PoolSuite) TestDeadExecutorReturns(c *check.C) {
	pool := s.shortTimeoutPool()
	defer pool.Stop()

	resp := s.registerActive(c, pool, "", 2)
	uuid := resp.Executor.UUID
	s.waitState(c, pool, uuid, loom.ExecutorStateDead)

	// tasks were not reassigned yet, so the registration still
	// stands
	hb := pool.Heartbeat(loom.Heartbeat{UUID: uuid, Generation: resp.Executor.Generation})
	c.Check(hb.Reregister, check.Equals, false)
	s.waitState(c, pool, uuid, loom.ExecutorStateActive)

	// dead again, but this time the scheduler gave its tasks away
	s.waitState(c, pool, uuid, loom.ExecutorStateDead)
	pool.MarkTasksReassigned(uuid)
	hb = pool.Heartbeat(loom.Heartbeat{UUID: uuid, Generation: resp.Executor.Generation})
	c.Check(hb.Reregister, check.Equals, true)

	// re-registering under the same UUID works and clears the
	// reassignment mark
	resp2 := s.register(c, pool, uuid, 2)
	c.Check(resp2.Executor.Generation, check.Equals, resp.Executor.Generation+1)
	hb = pool.Heartbeat(loom.Heartbeat{UUID: uuid, Generation: resp2.Executor.Generation})
	c.Check(hb.Reregister, check.Equals, false)
}

func (s *PoolSuite) TestIdleBehavior(c *check.C) {
	resp1 := s.registerActive(c, s.pool, "zzzzz-e4x9k-000000000000001", 2)
	s.registerActive(c, s.pool, "zzzzz-e4x9k-000000000000002", 3)

	c.Check(s.pool.SetIdleBehavior(resp1.Executor.UUID, "having-a-rest"), check.ErrorMatches, `invalid idle behavior .*`)
	c.Check(s.pool.SetIdleBehavior("zzzzz-e4x9k-000000000000009", IdleBehaviorHold), check.ErrorMatches, `unknown executor .*`)

	c.Assert(s.pool.SetIdleBehavior(resp1.Executor.UUID, IdleBehaviorHold), check.IsNil)
	candidates := s.pool.Candidates()
	c.Assert(candidates, check.HasLen, 1)
	c.Check(candidates[0].UUID, check.Equals, "zzzzz-e4x9k-000000000000002")
	c.Check(s.pool.TotalSlots(), check.Equals, 3)
	// held, not dead: its tasks are not up for reassignment
	c.Check(s.pool.Alive()[resp1.Executor.UUID], check.Equals, true)

	c.Assert(s.pool.SetIdleBehavior(resp1.Executor.UUID, IdleBehaviorRun), check.IsNil)
	c.Check(s.pool.Candidates(), check.HasLen, 2)
	c.Check(s.pool.TotalSlots(), check.Equals, 5)
}

func (s *PoolSuite) TestCandidatesSortedByUUID(c *check.C) {
	s.registerActive(c, s.pool, "zzzzz-e4x9k-000000000000003", 1)
	s.registerActive(c, s.pool, "zzzzz-e4x9k-000000000000001", 1)
	s.registerActive(c, s.pool, "zzzzz-e4x9k-000000000000002", 1)

	var uuids []string
	for _, cand := range s.pool.Candidates() {
		uuids = append(uuids, cand.UUID)
	}
	c.Check(uuids, check.DeepEquals, []string{
		"zzzzz-e4x9k-000000000000001",
		"zzzzz-e4x9k-000000000000002",
		"zzzzz-e4x9k-000000000000003",
	})
}

func (s *PoolSuite) TestDispatchKillCleanup(c *check.C) {
	stub := &stubTaskClient{}
	s.pool.newClient = func(loom.URL) taskClient { return stub }

	resp := s.registerActive(c, s.pool, "", 2)
	uuid := resp.Executor.UUID

	td := loom.TaskDispatch{JobUUID: "zzzzz-q2j7d-000000000000001", Stage: 0, Partition: 1, Attempt: 1}
	c.Assert(s.pool.Dispatch(context.Background(), uuid, td), check.IsNil)
	c.Check(stub.dispatched, check.HasLen, 1)
	c.Check(stub.dispatched[0].Partition, check.Equals, 1)

	c.Assert(s.pool.Kill(context.Background(), uuid, td.JobUUID, 0, 1), check.IsNil)
	c.Check(stub.killed, check.DeepEquals, []string{td.JobUUID})
	c.Assert(s.pool.Cleanup(context.Background(), uuid, td.JobUUID), check.IsNil)
	c.Check(stub.cleaned, check.DeepEquals, []string{td.JobUUID})

	err := s.pool.Dispatch(context.Background(), "zzzzz-e4x9k-000000000000009", td)
	c.Check(err, check.ErrorMatches, `unknown executor .*`)

	// transport errors come back wrapped so the scheduler can
	// release and retry elsewhere
	stub.err = errors.New("connection refused")
	err = s.pool.Dispatch(context.Background(), uuid, td)
	c.Check(errors.Is(err, loom.ErrExecutorUnreachable), check.Equals, true)
}
