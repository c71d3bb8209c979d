// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// An Elector campaigns for a leadership lease: a single key that at
// most one process holds at a time. While not leading it periodically
// tries to create the key (create-if-absent with a TTL); while leading
// it renews the TTL at a third of its length, and steps down the
// moment a renewal discovers the key has been lost or taken over.
//
// Leadership is advisory. A process that loses the lease learns so at
// most one renewal interval later, so work gated on Leading() must
// tolerate a brief overlap with the next leader.
type Elector struct {
	backend Backend
	key     string
	ttl     time.Duration
	id      string
	logger  logrus.FieldLogger

	mtx         sync.Mutex
	leading     bool
	version     Version
	renewed     time.Time
	subscribers map[<-chan struct{}]chan<- struct{}

	mLeading prometheus.Gauge
	mChanges prometheus.Counter
}

// NewElector returns an Elector that campaigns for key on backend. id
// identifies this process in the lease value, for operators inspecting
// the backend.
func NewElector(backend Backend, key string, ttl time.Duration, id string, logger logrus.FieldLogger, reg *prometheus.Registry) *Elector {
	e := &Elector{
		backend:     backend,
		key:         key,
		ttl:         ttl,
		id:          id,
		logger:      logger,
		subscribers: map[<-chan struct{}]chan<- struct{}{},
	}
	e.registerMetrics(reg)
	return e
}

// Run campaigns until ctx is done, then releases the lease if this
// process holds it.
func (e *Elector) Run(ctx context.Context) {
	defer e.resign()
	interval := e.ttl / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	wakeup := time.NewTicker(interval)
	defer wakeup.Stop()
	for {
		if e.Leading() {
			e.renew(ctx)
		} else {
			e.campaign(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-wakeup.C:
		}
	}
}

// Leading reports whether this process currently holds the lease.
func (e *Elector) Leading() bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.leading
}

// Subscribe returns a buffered channel that becomes ready after any
// change to leadership state.
//
// The returned channel never closes.
//
// Example:
//
//	ch := elector.Subscribe()
//	defer elector.Unsubscribe(ch)
//	for range ch {
//		update(elector.Leading())
//	}
func (e *Elector) Subscribe() <-chan struct{} {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	ch := make(chan struct{}, 1)
	e.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (e *Elector) Unsubscribe(ch <-chan struct{}) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	delete(e.subscribers, ch)
}

func (e *Elector) campaign(ctx context.Context) {
	version, err := e.backend.CompareAndSwap(ctx, e.key, []byte(e.id), 0, e.ttl)
	if errors.Is(err, ErrCASMismatch) {
		// someone else is leading
		return
	} else if err != nil {
		e.logger.WithError(err).Warn("error campaigning for leadership lease")
		return
	}
	e.logger.WithField("Key", e.key).Info("acquired leadership lease")
	e.setLeading(true, version)
}

func (e *Elector) renew(ctx context.Context) {
	e.mtx.Lock()
	version := e.version
	e.mtx.Unlock()
	newVersion, err := e.backend.CompareAndSwap(ctx, e.key, []byte(e.id), version, e.ttl)
	if err == nil {
		e.mtx.Lock()
		e.version = newVersion
		e.renewed = time.Now()
		e.mtx.Unlock()
		return
	}
	if errors.Is(err, ErrCASMismatch) {
		e.logger.WithField("Key", e.key).Warn("lost leadership lease")
		e.setLeading(false, 0)
		return
	}
	e.logger.WithError(err).Warn("error renewing leadership lease")
	e.mtx.Lock()
	expired := time.Since(e.renewed) >= e.ttl
	e.mtx.Unlock()
	if expired {
		// The lease has expired by now, so some other process
		// may already hold it.
		e.logger.Warn("leadership lease expired while backend was unreachable")
		e.setLeading(false, 0)
	}
}

func (e *Elector) resign() {
	e.mtx.Lock()
	leading, version := e.leading, e.version
	e.mtx.Unlock()
	if !leading {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.backend.Delete(ctx, e.key, version); err != nil {
		e.logger.WithError(err).Warn("error releasing leadership lease")
	} else {
		e.logger.Info("released leadership lease")
	}
	e.setLeading(false, 0)
}

func (e *Elector) setLeading(leading bool, version Version) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.leading == leading {
		e.version = version
		return
	}
	e.leading = leading
	e.version = version
	if leading {
		e.renewed = time.Now()
		e.mLeading.Set(1)
	} else {
		e.mLeading.Set(0)
	}
	e.mChanges.Inc()
	e.notify()
}

// notify sends to all subscriber channels. Caller must hold mtx.
func (e *Elector) notify() {
	for _, send := range e.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

func (e *Elector) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	e.mLeading = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "leader",
		Help:      "1 if this process currently holds the leadership lease.",
	})
	reg.MustRegister(e.mLeading)
	e.mChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "leadership_changes_total",
		Help:      "Number of times this process's leadership state has changed.",
	})
	reg.MustRegister(e.mChanges)
}
