// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ghodss/yaml"
	"github.com/loomdb/loom/lib/cmd"
	"github.com/loomdb/loom/lib/cmdtest"
	"github.com/loomdb/loom/lib/dispatch/jobs"
	"github.com/loomdb/loom/sdk/go/httpserver"
	"github.com/loomdb/loom/sdk/go/loom"
	"golang.org/x/net/websocket"
	check "gopkg.in/check.v1"
)

const (
	stubToken = "cli-test-token"
	stubJob   = "zzzzz-q2j7d-000000000000123"
)

// stubScheduler implements just enough of the scheduler's API to
// exercise the client subcommands: job CRUD plus the websocket event
// feed. Feed subscribers receive the scripted frames; feedStatus (if
// set) replaces the job's status record at subscribe time, so a test
// can script "finishes while the client is watching" without races.
type stubScheduler struct {
	srv *httptest.Server

	mtx        sync.Mutex
	submits    []loom.SubmitOptions
	reasons    []string
	status     map[string]loom.JobStatus
	results    map[string]loom.ResultSet
	feedFrames []jobs.Event
	feedStatus map[string]loom.JobStatus
}

func (ss *stubScheduler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/loom/v1/events.ws" {
		if r.FormValue("api_token") != stubToken {
			httpserver.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ss.serveFeed(w, r)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+stubToken {
		httpserver.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := r.Method + " " + r.URL.Path
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	switch {
	case path == "POST /loom/v1/jobs":
		var opts loom.SubmitOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			httpserver.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ss.submits = append(ss.submits, opts)
		status := loom.JobStatus{
			UUID:        stubJob,
			Client:      opts.Client,
			Priority:    opts.Priority,
			State:       loom.JobStateRunning,
			SubmittedAt: time.Now().UTC(),
		}
		ss.status[status.UUID] = status
		json.NewEncoder(w).Encode(status)
	case path == "GET /loom/v1/jobs":
		var list loom.JobList
		for _, status := range ss.status {
			list.Items = append(list.Items, status)
		}
		sort.Slice(list.Items, func(i, j int) bool { return list.Items[i].UUID < list.Items[j].UUID })
		json.NewEncoder(w).Encode(list)
	case strings.HasPrefix(path, "GET /loom/v1/jobs/") && strings.HasSuffix(path, "/results"):
		uuid := strings.TrimSuffix(strings.TrimPrefix(path, "GET /loom/v1/jobs/"), "/results")
		results, ok := ss.results[uuid]
		if !ok {
			httpserver.Error(w, fmt.Sprintf("no job with uuid %q", uuid), http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(results)
	case strings.HasPrefix(path, "POST /loom/v1/jobs/") && strings.HasSuffix(path, "/cancel"):
		uuid := strings.TrimSuffix(strings.TrimPrefix(path, "POST /loom/v1/jobs/"), "/cancel")
		status, ok := ss.status[uuid]
		if !ok {
			httpserver.Error(w, fmt.Sprintf("no job with uuid %q", uuid), http.StatusNotFound)
			return
		}
		reason := r.FormValue("reason")
		if reason == "" {
			reason = "cancelled by client"
		}
		ss.reasons = append(ss.reasons, reason)
		status.State = loom.JobStateFailed
		status.FailureReason = reason
		ss.status[uuid] = status
		json.NewEncoder(w).Encode(status)
	case strings.HasPrefix(path, "GET /loom/v1/jobs/"):
		uuid := strings.TrimPrefix(path, "GET /loom/v1/jobs/")
		status, ok := ss.status[uuid]
		if !ok {
			httpserver.Error(w, fmt.Sprintf("no job with uuid %q", uuid), http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(status)
	default:
		httpserver.Error(w, "not found", http.StatusNotFound)
	}
}

func (ss *stubScheduler) serveFeed(w http.ResponseWriter, r *http.Request) {
	srv := websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(ws *websocket.Conn) {
			ss.mtx.Lock()
			for uuid, status := range ss.feedStatus {
				ss.status[uuid] = status
			}
			frames := append([]jobs.Event(nil), ss.feedFrames...)
			ss.mtx.Unlock()
			for _, frame := range frames {
				websocket.JSON.Send(ws, frame)
			}
			// hold the feed open until the client hangs up
			io.Copy(io.Discard, ws)
		},
	}
	srv.ServeHTTP(w, r)
}

func (ss *stubScheduler) setStatus(status loom.JobStatus) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	ss.status[status.UUID] = status
}

func (ss *stubScheduler) submitsSnapshot() []loom.SubmitOptions {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	return append([]loom.SubmitOptions(nil), ss.submits...)
}

func (ss *stubScheduler) reasonsSnapshot() []string {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	return append([]string(nil), ss.reasons...)
}

var _ = check.Suite(&CLISuite{})

type CLISuite struct {
	sched *stubScheduler
}

func (s *CLISuite) SetUpTest(c *check.C) {
	s.sched = &stubScheduler{
		status:     map[string]loom.JobStatus{},
		results:    map[string]loom.ResultSet{},
		feedStatus: map[string]loom.JobStatus{},
	}
	s.sched.srv = httptest.NewServer(http.HandlerFunc(s.sched.serveHTTP))
}

func (s *CLISuite) TearDownTest(c *check.C) {
	s.sched.srv.Close()
}

// run invokes a subcommand with the stub scheduler's URL and token
// already on the command line.
func (s *CLISuite) run(handler cmd.Handler, stdin io.Reader, args ...string) (int, string, string) {
	if stdin == nil {
		stdin = bytes.NewReader(nil)
	}
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	args = append([]string{"-s", s.sched.srv.URL, "-t", stubToken}, args...)
	code := handler.RunCommand("loom test", args, stdin, stdout, stderr)
	return code, stdout.String(), stderr.String()
}

func (s *CLISuite) TestSubmitFile(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	planPath := filepath.Join(c.MkDir(), "plan.json")
	err := os.WriteFile(planPath, []byte(`{"root":{"op":"range","count":100}}`), 0666)
	c.Assert(err, check.IsNil)
	code, stdout, stderr := s.run(Submit, nil, "-f", "uuid", "--priority", "3", "--client", "smoke", planPath)
	c.Check(stderr, check.Equals, "")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, stubJob+"\n")

	submits := s.sched.submitsSnapshot()
	c.Assert(submits, check.HasLen, 1)
	c.Check(submits[0].Priority, check.Equals, 3)
	c.Check(submits[0].Client, check.Equals, "smoke")
	c.Assert(submits[0].Plan, check.NotNil)
	c.Check(submits[0].Plan.Root.Op, check.Equals, "range")
	c.Check(submits[0].Plan.Root.Count, check.Equals, int64(100))
}

func (s *CLISuite) TestSubmitStdin(c *check.C) {
	stdin := strings.NewReader(`{"root":{"op":"range","count":5}}`)
	code, stdout, stderr := s.run(Submit, stdin)
	c.Check(stderr, check.Equals, "")
	c.Check(code, check.Equals, 0)
	var status loom.JobStatus
	c.Assert(json.Unmarshal([]byte(stdout), &status), check.IsNil)
	c.Check(status.UUID, check.Equals, stubJob)
	c.Check(status.State, check.Equals, loom.JobStateRunning)
}

func (s *CLISuite) TestSubmitBadPlan(c *check.C) {
	code, stdout, stderr := s.run(Submit, strings.NewReader("this is not a plan"))
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Equals, "")
	c.Check(stderr, check.Matches, `error parsing plan: .*\n`)
	c.Check(s.sched.submitsSnapshot(), check.HasLen, 0)
}

func (s *CLISuite) TestSubmitWait(c *check.C) {
	s.sched.feedStatus[stubJob] = loom.JobStatus{UUID: stubJob, State: loom.JobStateCompleted}
	s.sched.feedFrames = []jobs.Event{{
		JobUUID:   stubJob,
		Kind:      jobs.EventKindJob,
		JobState:  loom.JobStateCompleted,
		Timestamp: time.Now().UTC(),
	}}
	stdin := strings.NewReader(`{"root":{"op":"range","count":5}}`)
	code, stdout, stderr := s.run(Submit, stdin, "--wait")
	c.Check(stderr, check.Equals, "")
	c.Check(code, check.Equals, 0)
	var status loom.JobStatus
	c.Assert(json.Unmarshal([]byte(stdout), &status), check.IsNil)
	c.Check(status.State, check.Equals, loom.JobStateCompleted)
}

func (s *CLISuite) TestStatusYAML(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	s.sched.setStatus(loom.JobStatus{
		UUID:   stubJob,
		Client: "smoke",
		State:  loom.JobStateCompleted,
	})
	code, stdout, stderr := s.run(Status, nil, "-f", "yaml", stubJob)
	c.Check(stderr, check.Equals, "")
	c.Check(code, check.Equals, 0)
	var status loom.JobStatus
	c.Assert(yaml.Unmarshal([]byte(stdout), &status), check.IsNil)
	c.Check(status.UUID, check.Equals, stubJob)
	c.Check(status.State, check.Equals, loom.JobStateCompleted)
}

func (s *CLISuite) TestStatusNotFound(c *check.C) {
	code, stdout, stderr := s.run(Status, nil, stubJob)
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Equals, "")
	c.Check(stderr, check.Matches, `(?s).*no job with uuid.*`)
}

func (s *CLISuite) TestStatusBadUUID(c *check.C) {
	code, _, stderr := s.run(Status, nil, "bogus")
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Matches, `malformed uuid "bogus"\n`)
}

func (s *CLISuite) TestResults(c *check.C) {
	s.sched.results[stubJob] = loom.ResultSet{
		Columns: []string{"city", "pop"},
		Rows:    [][]interface{}{{"ams", 900000.0}, {"ber", 3600000.0}},
	}
	code, stdout, stderr := s.run(Results, nil, stubJob)
	c.Check(stderr, check.Equals, "")
	c.Check(code, check.Equals, 0)
	var results loom.ResultSet
	c.Assert(json.Unmarshal([]byte(stdout), &results), check.IsNil)
	c.Check(results.Columns, check.DeepEquals, []string{"city", "pop"})
	c.Check(results.Rows, check.DeepEquals, [][]interface{}{{"ams", 900000.0}, {"ber", 3600000.0}})
}

func (s *CLISuite) TestCancel(c *check.C) {
	s.sched.setStatus(loom.JobStatus{UUID: stubJob, State: loom.JobStateRunning})
	code, stdout, stderr := s.run(Cancel, nil, "--reason", "changed my mind", stubJob)
	c.Check(stderr, check.Equals, "")
	c.Check(code, check.Equals, 0)
	var status loom.JobStatus
	c.Assert(json.Unmarshal([]byte(stdout), &status), check.IsNil)
	c.Check(status.State, check.Equals, loom.JobStateFailed)
	c.Check(status.FailureReason, check.Equals, "changed my mind")
	c.Check(s.sched.reasonsSnapshot(), check.DeepEquals, []string{"changed my mind"})
}

func (s *CLISuite) TestListUUIDs(c *check.C) {
	other := "zzzzz-q2j7d-000000000000456"
	s.sched.setStatus(loom.JobStatus{UUID: stubJob, State: loom.JobStateRunning})
	s.sched.setStatus(loom.JobStatus{UUID: other, State: loom.JobStateCompleted})
	code, stdout, stderr := s.run(List, nil, "-f", "uuid")
	c.Check(stderr, check.Equals, "")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, stubJob+"\n"+other+"\n")

	code, stdout, _ = s.run(List, nil)
	c.Check(code, check.Equals, 0)
	var list loom.JobList
	c.Assert(json.Unmarshal([]byte(stdout), &list), check.IsNil)
	c.Check(list.Items, check.HasLen, 2)
}

func (s *CLISuite) TestWaitCompleted(c *check.C) {
	s.sched.setStatus(loom.JobStatus{UUID: stubJob, State: loom.JobStateRunning})
	s.sched.feedStatus[stubJob] = loom.JobStatus{UUID: stubJob, State: loom.JobStateCompleted}
	s.sched.feedFrames = []jobs.Event{
		{
			JobUUID:    stubJob,
			Kind:       jobs.EventKindStage,
			StageState: loom.StageStateCompleted,
			Timestamp:  time.Now().UTC(),
		},
		{
			JobUUID:   stubJob,
			Kind:      jobs.EventKindJob,
			JobState:  loom.JobStateCompleted,
			Timestamp: time.Now().UTC(),
		},
	}
	code, stdout, stderr := s.run(Wait, nil, "-v", stubJob)
	c.Check(code, check.Equals, 0)
	var status loom.JobStatus
	c.Assert(json.Unmarshal([]byte(stdout), &status), check.IsNil)
	c.Check(status.State, check.Equals, loom.JobStateCompleted)
	c.Check(stderr, check.Matches, `(?s).*stage 0: Completed.*`)
	c.Check(stderr, check.Matches, `(?s).*job `+stubJob+`: Completed.*`)
}

func (s *CLISuite) TestWaitFailed(c *check.C) {
	s.sched.setStatus(loom.JobStatus{UUID: stubJob, State: loom.JobStateRunning})
	s.sched.feedStatus[stubJob] = loom.JobStatus{UUID: stubJob, State: loom.JobStateFailed, FailureReason: "boom"}
	s.sched.feedFrames = []jobs.Event{{
		JobUUID:   stubJob,
		Kind:      jobs.EventKindJob,
		JobState:  loom.JobStateFailed,
		Reason:    "boom",
		Timestamp: time.Now().UTC(),
	}}
	code, stdout, stderr := s.run(Wait, nil, stubJob)
	c.Check(code, check.Equals, 1)
	var status loom.JobStatus
	c.Assert(json.Unmarshal([]byte(stdout), &status), check.IsNil)
	c.Check(status.State, check.Equals, loom.JobStateFailed)
	c.Check(stderr, check.Matches, `(?s).*job `+stubJob+` failed: boom\n`)
}

func (s *CLISuite) TestWaitTimeout(c *check.C) {
	s.sched.setStatus(loom.JobStatus{UUID: stubJob, State: loom.JobStateRunning})
	code, _, stderr := s.run(Wait, nil, "--timeout", "200ms", stubJob)
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?s).*timed out waiting for job `+stubJob+`\n`)
}

func (s *CLISuite) TestWaitNoSuchJob(c *check.C) {
	code, _, stderr := s.run(Wait, nil, stubJob)
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?s).*no job with uuid.*`)
}

func (s *CLISuite) TestClientFromEnv(c *check.C) {
	os.Setenv("LOOM_SCHEDULER_URL", s.sched.srv.URL)
	os.Setenv("LOOM_API_TOKEN", stubToken)
	defer os.Unsetenv("LOOM_SCHEDULER_URL")
	defer os.Unsetenv("LOOM_API_TOKEN")
	s.sched.setStatus(loom.JobStatus{UUID: stubJob, State: loom.JobStateRunning})
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	code := Status.RunCommand("loom status", []string{"-f", "uuid", stubJob}, bytes.NewReader(nil), stdout, stderr)
	c.Check(stderr.String(), check.Equals, "")
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, stubJob+"\n")
}

func (s *CLISuite) TestNoSchedulerConfigured(c *check.C) {
	os.Setenv("LOOM_SCHEDULER_URL", "")
	defer os.Unsetenv("LOOM_SCHEDULER_URL")
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	code := Status.RunCommand("loom status", []string{stubJob}, bytes.NewReader(nil), stdout, stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `no scheduler endpoint: .*\n`)
}

func (s *CLISuite) TestUnknownFlag(c *check.C) {
	code, _, stderr := s.run(Status, nil, "--frobnicate", stubJob)
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Matches, `(?s).*error parsing command line arguments.*`)
}

func (s *CLISuite) TestWrongToken(c *check.C) {
	s.sched.setStatus(loom.JobStatus{UUID: stubJob, State: loom.JobStateRunning})
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	code := Status.RunCommand("loom status", []string{"-s", s.sched.srv.URL, "-t", "wrong", stubJob}, bytes.NewReader(nil), stdout, stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*401.*`)
}
