// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"io"
	"net/http"
	"time"

	"golang.org/x/net/websocket"
)

const (
	// Keepalive interval for idle event feed connections. Each
	// ping is an empty JSON object, which clients ignore.
	feedPingInterval = 30 * time.Second
	// A client that cannot accept a frame within this time is
	// disconnected rather than allowed to stall the feed.
	feedWriteTimeout = 10 * time.Second
)

// eventsHandler returns the handler for /loom/v1/events.ws. Each
// connection receives the job, stage, and task transitions published
// while it is open, one JSON object per frame. A job_uuid query
// parameter restricts the feed to one job's events.
func (disp *dispatcher) eventsHandler() http.Handler {
	return &websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: websocket.Handler(disp.serveEvents),
	}
}

func (disp *dispatcher) serveEvents(ws *websocket.Conn) {
	defer ws.Close()
	logger := disp.logger.WithField("RemoteAddr", ws.Request().RemoteAddr)
	logger.Info("event feed connected")
	defer logger.Info("event feed disconnected")

	jobFilter := ws.Request().FormValue("job_uuid")

	events := disp.bus.Subscribe()
	defer disp.bus.Unsubscribe(events)

	// The feed is send-only. Discard whatever the client writes,
	// and rely on the read failing to notice a disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		io.Copy(io.Discard, ws)
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-disp.stopped:
			return
		case ev := <-events:
			if jobFilter != "" && ev.JobUUID != jobFilter {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := websocket.JSON.Send(ws, ev); err != nil {
				logger.WithError(err).Info("error writing event feed frame")
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if _, err := ws.Write([]byte("{}\n")); err != nil {
				return
			}
		}
	}
}
