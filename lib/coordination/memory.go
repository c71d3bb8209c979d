// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordination

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// memoryBackend keeps all state in process memory. It is the
// no-dependencies fallback: a cluster using it can run exactly one
// scheduler, and state does not survive a restart.
type memoryBackend struct {
	logger logrus.FieldLogger

	mtx      sync.Mutex
	data     map[string]*memoryEntry
	version  Version
	watchers map[*memoryWatcher]bool
	closed   bool
	stop     chan struct{}
}

type memoryEntry struct {
	value     []byte
	version   Version
	expiresAt time.Time // zero means no expiry
}

type memoryWatcher struct {
	prefix string
	ch     chan Event
}

const (
	memorySweepInterval = time.Second
	watchBuffer         = 64
)

func newMemoryBackend(cluster *loom.Cluster, logger logrus.FieldLogger, reg *prometheus.Registry) (Backend, error) {
	b := &memoryBackend{
		logger:   logger,
		data:     map[string]*memoryEntry{},
		watchers: map[*memoryWatcher]bool{},
		stop:     make(chan struct{}),
	}
	go b.sweep()
	return b, nil
}

func (b *memoryBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Version, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.store(key, value, ttl), nil
}

func (b *memoryBackend) Get(ctx context.Context, key string) (KV, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return KV{}, ErrClosed
	}
	ent := b.lookup(key)
	if ent == nil {
		return KV{}, ErrNotFound
	}
	return KV{Key: key, Value: ent.value, Version: ent.version}, nil
}

func (b *memoryBackend) CompareAndSwap(ctx context.Context, key string, value []byte, expect Version, ttl time.Duration) (Version, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	ent := b.lookup(key)
	if expect == 0 {
		if ent != nil {
			return 0, ErrCASMismatch
		}
	} else if ent == nil || ent.version != expect {
		return 0, ErrCASMismatch
	}
	return b.store(key, value, ttl), nil
}

func (b *memoryBackend) Delete(ctx context.Context, key string, expect Version) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return ErrClosed
	}
	ent := b.lookup(key)
	if ent == nil {
		return ErrNotFound
	}
	if expect != 0 && ent.version != expect {
		return ErrCASMismatch
	}
	b.expire(key, ent)
	return nil
}

func (b *memoryBackend) List(ctx context.Context, prefix string) ([]KV, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	var kvs []KV
	for key := range b.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if ent := b.lookup(key); ent != nil {
			kvs = append(kvs, KV{Key: key, Value: ent.value, Version: ent.version})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (b *memoryBackend) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	w := &memoryWatcher{prefix: prefix, ch: make(chan Event, watchBuffer)}
	b.watchers[w] = true
	go func() {
		select {
		case <-ctx.Done():
		case <-b.stop:
		}
		b.mtx.Lock()
		defer b.mtx.Unlock()
		b.drop(w)
	}()
	return w.ch, nil
}

func (b *memoryBackend) Ping(ctx context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *memoryBackend) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.stop)
	for w := range b.watchers {
		b.drop(w)
	}
	return nil
}

// store writes an entry and notifies watchers. Caller must hold mtx.
func (b *memoryBackend) store(key string, value []byte, ttl time.Duration) Version {
	b.version++
	ent := &memoryEntry{
		value:   append([]byte(nil), value...),
		version: b.version,
	}
	if ttl > 0 {
		ent.expiresAt = time.Now().Add(ttl)
	}
	b.data[key] = ent
	b.notify(Event{Type: EventPut, KV: KV{Key: key, Value: ent.value, Version: ent.version}})
	return ent.version
}

// lookup returns the live entry for key, expiring it first if its TTL
// has passed. Caller must hold mtx.
func (b *memoryBackend) lookup(key string) *memoryEntry {
	ent, ok := b.data[key]
	if !ok {
		return nil
	}
	if !ent.expiresAt.IsZero() && !time.Now().Before(ent.expiresAt) {
		b.expire(key, ent)
		return nil
	}
	return ent
}

// expire removes an entry and notifies watchers. Caller must hold mtx.
func (b *memoryBackend) expire(key string, ent *memoryEntry) {
	delete(b.data, key)
	b.notify(Event{Type: EventDelete, KV: KV{Key: key, Version: ent.version}})
}

// notify sends ev to all watchers whose prefix matches. A watcher
// whose channel is full has stopped keeping up; it gets dropped (its
// channel closes) rather than blocking everyone else. Caller must hold
// mtx.
func (b *memoryBackend) notify(ev Event) {
	for w := range b.watchers {
		if !strings.HasPrefix(ev.KV.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			b.logger.WithField("Prefix", w.prefix).Warn("watch channel overflowed, dropping watcher")
			b.drop(w)
		}
	}
}

// drop unregisters a watcher and closes its channel, exactly once.
// Caller must hold mtx.
func (b *memoryBackend) drop(w *memoryWatcher) {
	if b.watchers[w] {
		delete(b.watchers, w)
		close(w.ch)
	}
}

func (b *memoryBackend) sweep() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}
		b.mtx.Lock()
		for key, ent := range b.data {
			if !ent.expiresAt.IsZero() && !time.Now().Before(ent.expiresAt) {
				b.expire(key, ent)
			}
		}
		b.mtx.Unlock()
	}
}
