// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package coordination provides the shared cluster state store used by
// the scheduler: a small versioned key/value API with per-key TTLs and
// prefix watches, plus a leadership lease built on top of it. Drivers
// exist for an in-process memory store (single scheduler, no
// failover), PostgreSQL, and etcd.
package coordination

import (
	"context"
	"errors"
	"time"
)

// Version identifies one revision of a key. The backend assigns
// versions, and they increase monotonically with each change. Version
// 0 is never assigned: in CompareAndSwap and Delete it means "the key
// does not exist".
type Version int64

var (
	// ErrNotFound is returned by Get and Delete when the key does
	// not exist (or its TTL has expired).
	ErrNotFound = errors.New("key not found")
	// ErrCASMismatch is returned by CompareAndSwap and Delete when
	// the key's current version does not match the expected
	// version.
	ErrCASMismatch = errors.New("key version mismatch")
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("coordination backend is closed")
)

// KV is a stored key with its current value and version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// EventType distinguishes the changes reported by Watch.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one change to a watched key. For EventDelete the KV carries
// the key and last known version, but no value.
type Event struct {
	Type EventType
	KV   KV
}

// A Backend stores shared cluster state: executor registrations, job
// checkpoints, and the leadership lease. Implementations are safe for
// concurrent use.
//
// A ttl of 0 means the key never expires. Expired keys behave as if
// deleted: Get returns ErrNotFound, CompareAndSwap with expect 0
// succeeds, and watchers eventually receive an EventDelete.
type Backend interface {
	// Put stores value at key unconditionally and returns the new
	// version.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Version, error)

	// Get returns the current KV for key, or ErrNotFound.
	Get(ctx context.Context, key string) (KV, error)

	// CompareAndSwap stores value at key if the key's current
	// version is expect, and returns the new version. With expect
	// 0 it creates the key only if absent. Otherwise it returns
	// ErrCASMismatch.
	CompareAndSwap(ctx context.Context, key string, value []byte, expect Version, ttl time.Duration) (Version, error)

	// Delete removes key. With expect 0 the delete is
	// unconditional; otherwise it fails with ErrCASMismatch unless
	// the current version is expect. Deleting a missing key
	// returns ErrNotFound.
	Delete(ctx context.Context, key string, expect Version) error

	// List returns all keys with the given prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]KV, error)

	// Watch returns a channel of changes to keys with the given
	// prefix, starting from the time of the call. The channel is
	// closed when ctx is done, when the backend is closed, or when
	// the watch fails and events may have been lost -- in the
	// latter case the caller should List again and start a new
	// watch.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources and closes all watch
	// channels.
	Close() error
}
