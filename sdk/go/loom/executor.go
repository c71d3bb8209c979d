// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import "time"

// ExecutorState is the scheduler's view of one executor process.
type ExecutorState string

const (
	ExecutorStateRegistering ExecutorState = "Registering"
	ExecutorStateActive      ExecutorState = "Active"
	ExecutorStateDead        ExecutorState = "Dead"
)

var validExecutorTransition = map[ExecutorState]map[ExecutorState]bool{
	ExecutorStateRegistering: {ExecutorStateActive: true, ExecutorStateDead: true},
	ExecutorStateActive:      {ExecutorStateDead: true},
	// Dead -> Active is allowed only when no tasks were
	// reassigned off the executor while it was silent; the pool
	// checks that condition before applying the transition.
	ExecutorStateDead: {ExecutorStateActive: true},
}

// ValidExecutorTransition returns true if an executor in state from
// may transition to state to.
func ValidExecutorTransition(from, to ExecutorState) bool {
	return validExecutorTransition[from][to]
}

// Executor is one registered executor process. The scheduler's pool
// owns the authoritative copy; the coordination backend holds a mirror
// under executors/{uuid}.
type Executor struct {
	UUID         string        `json:"uuid"`
	AdvertiseURL URL           `json:"advertise_url"`
	Slots        int           `json:"slots"`
	State        ExecutorState `json:"state"`
	// Generation increments each time the executor
	// (re-)registers. Heartbeats and task reports carrying a
	// stale generation are rejected with a re-register response.
	Generation      int64     `json:"generation"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	TasksRunning    int       `json:"tasks_running"`
	FreeScratch     int64     `json:"free_scratch"`
	// IdleBehavior is operator-controlled: "run" (normal),
	// "hold" (no new tasks), or "drain" (no new tasks, then
	// retire).
	IdleBehavior string `json:"idle_behavior,omitempty"`
}

// RegistrationRequest is the body of an executor registration call.
// UUID is empty on first registration and set on re-registration.
type RegistrationRequest struct {
	UUID         string `json:"uuid,omitempty"`
	AdvertiseURL URL    `json:"advertise_url"`
	Slots        int    `json:"slots"`
}

// RegistrationResponse acknowledges a registration.
type RegistrationResponse struct {
	Executor          Executor `json:"executor"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
}

// Heartbeat is the body of a periodic executor liveness report.
type Heartbeat struct {
	UUID         string `json:"uuid"`
	Generation   int64  `json:"generation"`
	TasksRunning int    `json:"tasks_running"`
	FreeScratch  int64  `json:"free_scratch"`
}
