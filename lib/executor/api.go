// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gotd/contrib/http_range"
	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/sdk/go/auth"
	"github.com/loomdb/loom/sdk/go/health"
	"github.com/loomdb/loom/sdk/go/httpserver"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const uuidPat = `[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15}`

type router struct {
	*mux.Router
	agent *agent
}

// buildAPI returns the executor's HTTP interface: the task control
// plane called by the scheduler, and the shuffle data plane called by
// peer executors and (for terminal outputs) by the scheduler.
func (ag *agent) buildAPI() http.Handler {
	rtr := &router{
		Router: mux.NewRouter(),
		agent:  ag,
	}

	// task control, called by the scheduler
	rtr.Handle(`/loom/v1/tasks`,
		rtr.sysAuth(rtr.handleDispatch)).Methods("POST")
	rtr.Handle(`/loom/v1/tasks/{job:`+uuidPat+`}/{stage:[0-9]+}/{partition:[0-9]+}/kill`,
		rtr.sysAuth(rtr.handleKill)).Methods("POST")

	// shuffle data plane
	rtr.Handle(`/loom/v1/shuffle/{job:`+uuidPat+`}/{stage:[0-9]+}/{task:[0-9]+}/{part:[0-9]+}`,
		rtr.sysAuth(rtr.handleShuffleRead)).Methods("GET", "HEAD")
	rtr.Handle(`/loom/v1/shuffle/{job:`+uuidPat+`}`,
		rtr.sysAuth(rtr.handleCleanup)).Methods("DELETE")

	rtr.HandleFunc(`/status.json`, rtr.StatusHandler).Methods("GET", "HEAD")
	rtr.Handle(`/_health/{check}`, &health.Handler{
		Token:  ag.Cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": ag.CheckHealth},
	}).Methods("GET")
	metricsH := promhttp.HandlerFor(ag.Registry, promhttp.HandlerOpts{
		ErrorLog: ag.logger,
	})
	rtr.Handle(`/metrics`, rtr.mgmtAuth(metricsH)).Methods("GET")
	rtr.Handle(`/metrics.json`, rtr.mgmtAuth(metricsH)).Methods("GET")
	return rtr
}

func (rtr *router) sysAuth(h http.HandlerFunc) http.Handler {
	return auth.RequireLiteralToken(rtr.agent.AuthToken, h)
}

func (rtr *router) mgmtAuth(h http.Handler) http.Handler {
	if rtr.agent.Cluster.ManagementToken == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	}
	return auth.RequireLiteralToken(rtr.agent.Cluster.ManagementToken, h)
}

func (rtr *router) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var td loom.TaskDispatch
	if err := json.NewDecoder(r.Body).Decode(&td); err != nil {
		httpserver.Error(w, fmt.Sprintf("error parsing request body: %s", err), http.StatusBadRequest)
		return
	}
	if err := loom.ValidateUUID(td.JobUUID, loom.JobUUIDInfix); err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := rtr.agent.runner.Dispatch(td); err != nil {
		httpserver.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rtr *router) handleKill(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stage, _ := strconv.Atoi(vars["stage"])
	partition, _ := strconv.Atoi(vars["partition"])
	if !rtr.agent.runner.Kill(vars["job"], stage, partition) {
		httpserver.Error(w, "task is not running", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleShuffleRead serves one committed output partition. Consumers
// normally read whole documents; Range requests let an interrupted
// consumer resume a large partition where it left off.
func (rtr *router) handleShuffleRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stage, _ := strconv.Atoi(vars["stage"])
	task, _ := strconv.Atoi(vars["task"])
	part, _ := strconv.Atoi(vars["part"])
	f, size, err := rtr.agent.store.open(vars["job"], stage, task, part)
	if errors.Is(err, os.ErrNotExist) {
		httpserver.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/json")
	if hdr := r.Header.Get("Range"); hdr != "" {
		ranges, err := http_range.ParseRange(hdr, size)
		if err != nil || len(ranges) != 1 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			httpserver.Error(w, "unsatisfiable range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		rng := ranges[0]
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			httpserver.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.Start+rng.Length-1, size))
		w.Header().Set("Content-Length", strconv.FormatInt(rng.Length, 10))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method == "HEAD" {
			return
		}
		n, _ := io.CopyN(w, f, rng.Length)
		rtr.agent.store.mBytesServed.Add(float64(n))
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if r.Method == "HEAD" {
		return
	}
	n, _ := io.Copy(w, f)
	rtr.agent.store.mBytesServed.Add(float64(n))
}

// handleCleanup kills any attempts still running for the given job
// and drops its scratch data.
func (rtr *router) handleCleanup(w http.ResponseWriter, r *http.Request) {
	job := mux.Vars(r)["job"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := rtr.agent.runner.KillJob(ctx, job); err != nil {
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := rtr.agent.store.dropJob(job); err != nil {
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StatusHandler addresses the /status.json request. It is not
// authenticated: the response carries no secrets, and an executor
// with no scheduler-assigned identity yet should still be
// inspectable.
func (rtr *router) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ag := rtr.agent
	free, _ := ag.freeScratch()
	ag.mtx.Lock()
	uuid, generation := ag.uuid, ag.generation
	ag.mtx.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"uuid":          uuid,
		"generation":    generation,
		"advertise_url": ag.advertiseURL.String(),
		"slots":         ag.slots,
		"tasks_running": ag.runner.TasksRunning(),
		"scratch_dir":   ag.scratchDir,
		"free_scratch":  free,
		"version":       cmd.Version.String(),
	})
}
