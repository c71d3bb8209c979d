// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdBackend maps the Backend API onto etcd: versions are
// ModRevisions, CompareAndSwap is a single-compare transaction, and
// TTLs ride on leases (rounded up to etcd's one-second granularity).
type etcdBackend struct {
	logger logrus.FieldLogger
	client *clientv3.Client
}

func newEtcdBackend(cluster *loom.Cluster, logger logrus.FieldLogger, reg *prometheus.Registry) (Backend, error) {
	if len(cluster.Coordination.Etcd.Endpoints) == 0 {
		return nil, fmt.Errorf("Coordination.Etcd.Endpoints is empty")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cluster.Coordination.Etcd.Endpoints,
		DialTimeout: cluster.Coordination.Etcd.DialTimeout.Duration(),
	})
	if err != nil {
		return nil, err
	}
	return &etcdBackend{logger: logger, client: client}, nil
}

func (b *etcdBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Version, error) {
	opts, err := b.leaseOpts(ctx, ttl)
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Put(ctx, key, string(value), opts...)
	if err != nil {
		return 0, unavail(err)
	}
	return Version(resp.Header.Revision), nil
}

func (b *etcdBackend) Get(ctx context.Context, key string) (KV, error) {
	resp, err := b.client.Get(ctx, key)
	if err != nil {
		return KV{}, unavail(err)
	}
	if len(resp.Kvs) == 0 {
		return KV{}, ErrNotFound
	}
	kv := resp.Kvs[0]
	return KV{Key: string(kv.Key), Value: kv.Value, Version: Version(kv.ModRevision)}, nil
}

func (b *etcdBackend) CompareAndSwap(ctx context.Context, key string, value []byte, expect Version, ttl time.Duration) (Version, error) {
	opts, err := b.leaseOpts(ctx, ttl)
	if err != nil {
		return 0, err
	}
	var cmp clientv3.Cmp
	if expect == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", int64(expect))
	}
	resp, err := b.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(value), opts...)).Commit()
	if err != nil {
		return 0, unavail(err)
	}
	if !resp.Succeeded {
		return 0, ErrCASMismatch
	}
	return Version(resp.Header.Revision), nil
}

func (b *etcdBackend) Delete(ctx context.Context, key string, expect Version) error {
	if expect == 0 {
		resp, err := b.client.Delete(ctx, key)
		if err != nil {
			return unavail(err)
		}
		if resp.Deleted == 0 {
			return ErrNotFound
		}
		return nil
	}
	resp, err := b.client.Txn(ctx).If(clientv3.Compare(clientv3.ModRevision(key), "=", int64(expect))).Then(clientv3.OpDelete(key)).Commit()
	if err != nil {
		return unavail(err)
	}
	if !resp.Succeeded {
		if _, err := b.Get(ctx, key); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrCASMismatch
	}
	return nil
}

func (b *etcdBackend) List(ctx context.Context, prefix string) ([]KV, error) {
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, unavail(err)
	}
	var kvs []KV
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KV{Key: string(kv.Key), Value: kv.Value, Version: Version(kv.ModRevision)})
	}
	return kvs, nil
}

func (b *etcdBackend) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	wch := b.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix())
	ch := make(chan Event, watchBuffer)
	go func() {
		defer close(ch)
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				b.logger.WithField("Prefix", prefix).WithError(err).Error("watch failed")
				return
			}
			for _, ev := range wresp.Events {
				out := Event{KV: KV{Key: string(ev.Kv.Key), Version: Version(ev.Kv.ModRevision)}}
				if ev.Type == clientv3.EventTypeDelete {
					out.Type = EventDelete
				} else {
					out.Type = EventPut
					out.KV.Value = ev.Kv.Value
				}
				select {
				case ch <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (b *etcdBackend) Ping(ctx context.Context) error {
	_, err := b.client.Get(ctx, "ping", clientv3.WithCountOnly())
	return unavail(err)
}

func (b *etcdBackend) Close() error {
	return b.client.Close()
}

// leaseOpts grants a lease covering ttl and returns the put option
// attaching it. etcd TTLs have one-second granularity; shorter TTLs
// round up.
func (b *etcdBackend) leaseOpts(ctx context.Context, ttl time.Duration) ([]clientv3.OpOption, error) {
	if ttl <= 0 {
		return nil, nil
	}
	lease, err := b.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return nil, unavail(err)
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, nil
}

func leaseSeconds(ttl time.Duration) int64 {
	return int64((ttl + time.Second - 1) / time.Second)
}
