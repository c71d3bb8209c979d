// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync"

	"github.com/loomdb/loom/lib/dispatch/jobs"
	"github.com/prometheus/client_golang/prometheus"
)

const busQueueSize = 64

// eventBus fans registry events out to subscribers: websocket feed
// sessions and the dispatcher's cleanup goroutine. Publish never
// blocks; a subscriber that falls busQueueSize events behind misses
// the overflow.
type eventBus struct {
	mtx         sync.Mutex
	subscribers map[<-chan jobs.Event]chan jobs.Event

	mEvents  prometheus.Counter
	mDropped prometheus.Counter
}

func newEventBus(reg *prometheus.Registry) *eventBus {
	bus := &eventBus{
		subscribers: map[<-chan jobs.Event]chan jobs.Event{},
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	bus.mEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "events_published_total",
		Help:      "Number of job/stage/task transition events published.",
	})
	reg.MustRegister(bus.mEvents)
	bus.mDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "dispatch",
		Name:      "events_dropped_total",
		Help:      "Number of events dropped because a subscriber's queue was full.",
	})
	reg.MustRegister(bus.mDropped)
	return bus
}

// Publish implements jobs.EventSink.
func (bus *eventBus) Publish(ev jobs.Event) {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()
	bus.mEvents.Inc()
	for _, ch := range bus.subscribers {
		select {
		case ch <- ev:
		default:
			bus.mDropped.Inc()
		}
	}
}

// Subscribe returns a buffered channel receiving all future events.
func (bus *eventBus) Subscribe() <-chan jobs.Event {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()
	ch := make(chan jobs.Event, busQueueSize)
	bus.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending events to the given channel.
func (bus *eventBus) Unsubscribe(ch <-chan jobs.Event) {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()
	delete(bus.subscribers, ch)
}
