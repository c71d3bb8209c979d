// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/julienschmidt/httprouter"
	"github.com/loomdb/loom/lib/coordination"
	"github.com/loomdb/loom/lib/dispatch/executors"
	"github.com/loomdb/loom/lib/dispatch/jobs"
	"github.com/loomdb/loom/sdk/go/auth"
	"github.com/loomdb/loom/sdk/go/health"
	"github.com/loomdb/loom/sdk/go/httpserver"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (disp *dispatcher) buildAPI() http.Handler {
	mux := httprouter.New()

	// client gateway
	mux.HandlerFunc("POST", "/loom/v1/jobs", disp.sysAuth(disp.apiSubmitJob))
	mux.HandlerFunc("GET", "/loom/v1/jobs", disp.sysAuth(disp.apiListJobs))
	mux.HandlerFunc("GET", "/loom/v1/jobs/:uuid", disp.sysAuth(disp.apiJobStatus))
	mux.HandlerFunc("GET", "/loom/v1/jobs/:uuid/results", disp.sysAuth(disp.apiJobResults))
	mux.HandlerFunc("POST", "/loom/v1/jobs/:uuid/cancel", disp.sysAuth(disp.apiCancelJob))
	mux.Handler("GET", "/loom/v1/events.ws", disp.sysAuthHandler(disp.eventsHandler()))

	// fleet: called by executor agents
	mux.HandlerFunc("POST", "/loom/v1/executors", disp.sysAuth(disp.apiRegisterExecutor))
	mux.HandlerFunc("POST", "/loom/v1/executors/:uuid/heartbeat", disp.sysAuth(disp.apiHeartbeat))
	mux.HandlerFunc("POST", "/loom/v1/task-events", disp.sysAuth(disp.apiTaskEvent))

	// management
	mux.HandlerFunc("GET", "/loom/v1/dispatch/executors", disp.mgmtAuth(disp.apiExecutors))
	mux.HandlerFunc("POST", "/loom/v1/dispatch/executors/:uuid/run", disp.mgmtAuth(disp.apiExecutorIdleBehavior(executors.IdleBehaviorRun)))
	mux.HandlerFunc("POST", "/loom/v1/dispatch/executors/:uuid/hold", disp.mgmtAuth(disp.apiExecutorIdleBehavior(executors.IdleBehaviorHold)))
	mux.HandlerFunc("POST", "/loom/v1/dispatch/executors/:uuid/drain", disp.mgmtAuth(disp.apiExecutorIdleBehavior(executors.IdleBehaviorDrain)))
	metricsH := promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
		ErrorLog: disp.logger,
	})
	mux.Handler("GET", "/metrics", disp.mgmtAuthHandler(metricsH))
	mux.Handler("GET", "/metrics.json", disp.mgmtAuthHandler(metricsH))
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  disp.Cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": disp.CheckHealth},
	})
	return mux
}

func (disp *dispatcher) sysAuth(h http.HandlerFunc) http.HandlerFunc {
	return disp.sysAuthHandler(h).ServeHTTP
}

func (disp *dispatcher) sysAuthHandler(h http.Handler) http.Handler {
	return auth.RequireLiteralToken(disp.AuthToken, h)
}

func (disp *dispatcher) mgmtAuth(h http.HandlerFunc) http.HandlerFunc {
	return disp.mgmtAuthHandler(h).ServeHTTP
}

func (disp *dispatcher) mgmtAuthHandler(h http.Handler) http.Handler {
	if disp.Cluster.ManagementToken == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	}
	return auth.RequireLiteralToken(disp.Cluster.ManagementToken, h)
}

// requireLeader reports whether this process may apply mutations. If
// not, it tells the caller to retry soon, by which time a leader
// should be serving.
func (disp *dispatcher) requireLeader(w http.ResponseWriter) bool {
	if disp.isLeading() {
		return true
	}
	w.Header().Set("Retry-After", "5")
	httpserver.Error(w, "this scheduler is not the active leader", http.StatusServiceUnavailable)
	return false
}

func uuidParam(r *http.Request) string {
	return httprouter.ParamsFromContext(r.Context()).ByName("uuid")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (disp *dispatcher) apiSubmitJob(w http.ResponseWriter, r *http.Request) {
	if !disp.requireLeader(w) {
		return
	}
	var opts loom.SubmitOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		httpserver.Error(w, fmt.Sprintf("error parsing request body: %s", err), http.StatusBadRequest)
		return
	}
	status, err := disp.registry.Submit(opts)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, status)
}

func (disp *dispatcher) apiListJobs(w http.ResponseWriter, r *http.Request) {
	var resp loom.JobList
	if disp.isLeading() {
		entries, _ := disp.registry.Entries()
		for _, job := range entries {
			resp.Items = append(resp.Items, job.Status())
		}
		resp.Items = append(resp.Items, disp.registry.FinishedJobs()...)
	} else {
		// read-only standby: report what the checkpoints say
		kvs, err := disp.backend.List(r.Context(), jobs.CheckpointPrefix)
		if err != nil {
			httpserver.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		for _, kv := range kvs {
			var job loom.QueryJob
			if err := json.Unmarshal(kv.Value, &job); err == nil && job.UUID != "" {
				resp.Items = append(resp.Items, job.Status())
			}
		}
	}
	sort.Slice(resp.Items, func(i, j int) bool {
		if a, b := resp.Items[i].SubmittedAt, resp.Items[j].SubmittedAt; !a.Equal(b) {
			return a.Before(b)
		}
		return resp.Items[i].UUID < resp.Items[j].UUID
	})
	writeJSON(w, resp)
}

func (disp *dispatcher) apiJobStatus(w http.ResponseWriter, r *http.Request) {
	uuid := uuidParam(r)
	if disp.isLeading() {
		status, ok := disp.registry.Get(uuid)
		if !ok {
			httpserver.Error(w, fmt.Sprintf("no job with uuid %q", uuid), http.StatusNotFound)
			return
		}
		writeJSON(w, status)
		return
	}
	kv, err := disp.backend.Get(r.Context(), jobs.CheckpointPrefix+uuid)
	if errors.Is(err, coordination.ErrNotFound) {
		httpserver.Error(w, fmt.Sprintf("no job with uuid %q", uuid), http.StatusNotFound)
		return
	} else if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	var job loom.QueryJob
	if err := json.Unmarshal(kv.Value, &job); err != nil {
		httpserver.Error(w, fmt.Sprintf("error parsing checkpoint: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, job.Status())
}

func (disp *dispatcher) apiJobResults(w http.ResponseWriter, r *http.Request) {
	if !disp.requireLeader(w) {
		return
	}
	uuid := uuidParam(r)
	job, ok := disp.registry.Finished(uuid)
	if !ok {
		if _, active := disp.registry.Get(uuid); active {
			httpserver.Error(w, fmt.Sprintf("job %s has not finished", uuid), http.StatusNotFound)
		} else {
			httpserver.Error(w, fmt.Sprintf("no job with uuid %q", uuid), http.StatusNotFound)
		}
		return
	}
	if job.State == loom.JobStateFailed {
		httpserver.Error(w, fmt.Sprintf("job %s failed: %s", uuid, job.FailureReason), http.StatusUnprocessableEntity)
		return
	}
	rs, err := disp.assembleResults(r, job)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, rs)
}

// assembleResults collects the terminal stage's output partitions:
// small ones arrive inline with the completion report, large ones are
// fetched from the executor that still holds them.
func (disp *dispatcher) assembleResults(r *http.Request, job *loom.QueryJob) (loom.ResultSet, error) {
	rs := loom.ResultSet{Rows: [][]interface{}{}}
	terminal := job.Stages[job.TerminalStage()]
	for _, task := range terminal.Tasks {
		out := task.Output
		if out == nil {
			return rs, fmt.Errorf("job %s: no recorded output for terminal task %d", job.UUID, task.Partition)
		}
		part := out.Inline
		if part == nil {
			part = &loom.ResultSet{}
			if err := disp.fetchClient.RequestAndDecode(r.Context(), part, "GET", out.URL+"/0", nil); err != nil {
				return rs, fmt.Errorf("error fetching results from %s: %s", out.ExecutorUUID, err)
			}
		}
		if rs.Columns == nil {
			rs.Columns = part.Columns
		}
		rs.Rows = append(rs.Rows, part.Rows...)
	}
	return rs, nil
}

func (disp *dispatcher) apiCancelJob(w http.ResponseWriter, r *http.Request) {
	if !disp.requireLeader(w) {
		return
	}
	uuid := uuidParam(r)
	reason := r.FormValue("reason")
	if reason == "" {
		reason = "cancelled by client"
	}
	err := disp.registry.Cancel(uuid, reason)
	if err != nil && !errors.Is(err, jobs.ErrJobFinished) {
		httpserver.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	status, ok := disp.registry.Get(uuid)
	if !ok {
		httpserver.Error(w, fmt.Sprintf("no job with uuid %q", uuid), http.StatusNotFound)
		return
	}
	writeJSON(w, status)
}

func (disp *dispatcher) apiRegisterExecutor(w http.ResponseWriter, r *http.Request) {
	if !disp.requireLeader(w) {
		return
	}
	var req loom.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, fmt.Sprintf("error parsing request body: %s", err), http.StatusBadRequest)
		return
	}
	resp, err := disp.pool.Register(req)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, resp)
}

func (disp *dispatcher) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !disp.requireLeader(w) {
		return
	}
	var hb loom.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		httpserver.Error(w, fmt.Sprintf("error parsing request body: %s", err), http.StatusBadRequest)
		return
	}
	if uuid := uuidParam(r); hb.UUID != uuid {
		httpserver.Error(w, fmt.Sprintf("body uuid %q does not match path uuid %q", hb.UUID, uuid), http.StatusBadRequest)
		return
	}
	writeJSON(w, disp.pool.Heartbeat(hb))
}

func (disp *dispatcher) apiTaskEvent(w http.ResponseWriter, r *http.Request) {
	if !disp.requireLeader(w) {
		return
	}
	var ev loom.TaskEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httpserver.Error(w, fmt.Sprintf("error parsing request body: %s", err), http.StatusBadRequest)
		return
	}
	if !disp.pool.ValidateReport(ev.ExecutorUUID, ev.Generation) {
		// the agent will re-register and the task will be
		// retried or resolved by the scheduler's sync pass
		httpserver.Error(w, fmt.Sprintf("executor %q generation %d is not current, re-register", ev.ExecutorUUID, ev.Generation), http.StatusUnprocessableEntity)
		return
	}
	if err := disp.registry.Apply(ev); err != nil {
		httpserver.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Management API: fleet snapshot.
func (disp *dispatcher) apiExecutors(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []loom.Executor `json:"items"`
	}
	resp.Items = disp.pool.Executors()
	writeJSON(w, resp)
}

// Management API: set idle behavior for the specified executor.
func (disp *dispatcher) apiExecutorIdleBehavior(want executors.IdleBehavior) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid := uuidParam(r)
		if err := disp.pool.SetIdleBehavior(uuid, want); err != nil {
			httpserver.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
