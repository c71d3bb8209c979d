// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordination

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Driver creates a Backend from cluster configuration.
type Driver func(cluster *loom.Cluster, logger logrus.FieldLogger, reg *prometheus.Registry) (Backend, error)

var drivers = map[string]Driver{
	"memory":   newMemoryBackend,
	"postgres": newPostgresBackend,
	"etcd":     newEtcdBackend,
}

// NewBackend returns a Backend using the driver selected by
// Coordination.Driver. If Coordination.Prefix is set, all keys are
// transparently stored under that prefix, so several clusters can
// share one database.
func NewBackend(cluster *loom.Cluster, logger logrus.FieldLogger, reg *prometheus.Registry) (Backend, error) {
	driver, ok := drivers[cluster.Coordination.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported coordination driver %q", cluster.Coordination.Driver)
	}
	backend, err := driver(cluster, logger, reg)
	if err != nil {
		return nil, fmt.Errorf("%s driver: %w", cluster.Coordination.Driver, err)
	}
	if prefix := cluster.Coordination.Prefix; prefix != "" {
		backend = &prefixBackend{backend: backend, prefix: prefix}
	}
	return backend, nil
}

// prefixBackend decorates a Backend, prepending a fixed prefix to keys
// on the way in and stripping it on the way out.
type prefixBackend struct {
	backend Backend
	prefix  string
}

func (b *prefixBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Version, error) {
	return b.backend.Put(ctx, b.prefix+key, value, ttl)
}

func (b *prefixBackend) Get(ctx context.Context, key string) (KV, error) {
	kv, err := b.backend.Get(ctx, b.prefix+key)
	return b.strip(kv), err
}

func (b *prefixBackend) CompareAndSwap(ctx context.Context, key string, value []byte, expect Version, ttl time.Duration) (Version, error) {
	return b.backend.CompareAndSwap(ctx, b.prefix+key, value, expect, ttl)
}

func (b *prefixBackend) Delete(ctx context.Context, key string, expect Version) error {
	return b.backend.Delete(ctx, b.prefix+key, expect)
}

func (b *prefixBackend) List(ctx context.Context, prefix string) ([]KV, error) {
	kvs, err := b.backend.List(ctx, b.prefix+prefix)
	for i, kv := range kvs {
		kvs[i] = b.strip(kv)
	}
	return kvs, err
}

func (b *prefixBackend) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	inner, err := b.backend.Watch(ctx, b.prefix+prefix)
	if err != nil {
		return nil, err
	}
	ch := make(chan Event, cap(inner))
	go func() {
		defer close(ch)
		for ev := range inner {
			ev.KV = b.strip(ev.KV)
			ch <- ev
		}
	}()
	return ch, nil
}

func (b *prefixBackend) Ping(ctx context.Context) error {
	return b.backend.Ping(ctx)
}

func (b *prefixBackend) Close() error {
	return b.backend.Close()
}

func (b *prefixBackend) strip(kv KV) KV {
	kv.Key = strings.TrimPrefix(kv.Key, b.prefix)
	return kv
}
