// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client makes API calls to a loom service: normally the scheduler's
// control endpoint, sometimes a specific executor's data plane.
type Client struct {
	// BaseURL, like "http://sched.example:9400".
	BaseURL string

	// AuthToken sent as an Authorization: Bearer header.
	AuthToken string

	// Insecure skips TLS certificate verification.
	Insecure bool

	// Timeout for a whole request, including retries. Zero means
	// a generous default.
	Timeout time.Duration

	// Retries is the maximum number of times a request is retried
	// after connection errors and 5xx responses. Zero means a
	// small default; negative disables retries.
	Retries int

	setupOnce sync.Once
	client    *http.Client
}

// NewClientFromConfig returns a Client for the cluster's scheduler
// endpoint, authenticated with the system root token.
func NewClientFromConfig(cluster *Cluster) (*Client, error) {
	base := cluster.Services.Scheduler.ExternalURL
	if base.Host == "" {
		// lowest URL wins so every caller picks the same one
		var urls []string
		for u := range cluster.Services.Scheduler.InternalURLs {
			urls = append(urls, u.String())
		}
		sort.Strings(urls)
		if len(urls) > 0 {
			base = URLFromString(urls[0])
		}
	}
	if base.Host == "" {
		return nil, fmt.Errorf("cluster %q does not configure a scheduler endpoint", cluster.ClusterID)
	}
	return &Client{
		BaseURL:   strings.TrimSuffix(base.String(), "/"),
		AuthToken: cluster.SystemRootToken,
		Insecure:  cluster.TLS.Insecure,
	}, nil
}

// NewClientFromEnv returns a Client with the scheduler endpoint and
// credentials given by the LOOM_SCHEDULER_URL, LOOM_API_TOKEN, and
// LOOM_SCHEDULER_INSECURE environment variables.
func NewClientFromEnv() *Client {
	var insecure bool
	if s := strings.ToLower(os.Getenv("LOOM_SCHEDULER_INSECURE")); s == "1" || s == "yes" || s == "true" {
		insecure = true
	}
	return &Client{
		BaseURL:   strings.TrimSuffix(os.Getenv("LOOM_SCHEDULER_URL"), "/"),
		AuthToken: os.Getenv("LOOM_API_TOKEN"),
		Insecure:  insecure,
	}
}

func (c *Client) setup() {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	switch {
	case c.Retries > 0:
		rc.RetryMax = c.Retries
	case c.Retries < 0:
		rc.RetryMax = 0
	default:
		rc.RetryMax = 3
	}
	if c.Insecure {
		rc.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	c.client = rc.StandardClient()
	if c.Timeout > 0 {
		c.client.Timeout = c.Timeout
	} else {
		c.client.Timeout = 5 * time.Minute
	}
}

func (c *Client) httpClient() *http.Client {
	c.setupOnce.Do(c.setup)
	return c.client
}

// NewRequest returns an http.Request for the given method and path
// (relative to BaseURL) with auth and content-type headers set.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do sends the request through the retrying HTTP client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient().Do(req)
}

// RequestAndDecode performs an API call, JSON-encoding params as the
// request body (if non-nil) and decoding the JSON response into dst
// (if non-nil).
func (c *Client) RequestAndDecode(ctx context.Context, dst interface{}, method, path string, params interface{}) error {
	var body io.Reader
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newTransactionError(req, resp)
	}
	if dst == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// TransactionError is a non-2xx response to an API call, with the
// server's error messages if the body had any.
type TransactionError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Errors     []string
}

func (e TransactionError) Error() string {
	s := fmt.Sprintf("request failed: %s %s: %s", e.Method, e.URL, e.Status)
	if len(e.Errors) > 0 {
		s += ": " + strings.Join(e.Errors, "; ")
	}
	return s
}

// HTTPStatus returns the response status code.
func (e TransactionError) HTTPStatus() int {
	return e.StatusCode
}

func newTransactionError(req *http.Request, resp *http.Response) error {
	te := TransactionError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	var body struct {
		Errors []string `json:"errors"`
	}
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if json.Unmarshal(buf, &body) == nil {
		te.Errors = body.Errors
	}
	return te
}

// JobList is the response to a job listing call.
type JobList struct {
	Items []JobStatus `json:"items"`
}

// HeartbeatResponse acknowledges a heartbeat. Reregister is set when
// the scheduler does not recognize the executor (or its generation is
// stale) and the agent must register again before sending more
// reports.
type HeartbeatResponse struct {
	Reregister        bool     `json:"reregister,omitempty"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
}

// SubmitJob submits a plan and returns the accepted job record.
func (c *Client) SubmitJob(ctx context.Context, opts SubmitOptions) (JobStatus, error) {
	var resp JobStatus
	err := c.RequestAndDecode(ctx, &resp, "POST", "/loom/v1/jobs", opts)
	return resp, err
}

// JobStatus returns a snapshot of the given job.
func (c *Client) JobStatus(ctx context.Context, uuid string) (JobStatus, error) {
	var resp JobStatus
	err := c.RequestAndDecode(ctx, &resp, "GET", "/loom/v1/jobs/"+uuid, nil)
	return resp, err
}

// JobResults returns the result rows of a completed job.
func (c *Client) JobResults(ctx context.Context, uuid string) (ResultSet, error) {
	var resp ResultSet
	err := c.RequestAndDecode(ctx, &resp, "GET", "/loom/v1/jobs/"+uuid+"/results", nil)
	return resp, err
}

// CancelJob cancels a running job.
func (c *Client) CancelJob(ctx context.Context, uuid string) (JobStatus, error) {
	var resp JobStatus
	err := c.RequestAndDecode(ctx, &resp, "POST", "/loom/v1/jobs/"+uuid+"/cancel", nil)
	return resp, err
}

// ListJobs returns active and recently finished jobs.
func (c *Client) ListJobs(ctx context.Context) (JobList, error) {
	var resp JobList
	err := c.RequestAndDecode(ctx, &resp, "GET", "/loom/v1/jobs", nil)
	return resp, err
}

// RegisterExecutor announces an executor to the scheduler.
func (c *Client) RegisterExecutor(ctx context.Context, rr RegistrationRequest) (RegistrationResponse, error) {
	var resp RegistrationResponse
	err := c.RequestAndDecode(ctx, &resp, "POST", "/loom/v1/executors", rr)
	return resp, err
}

// SendHeartbeat reports executor liveness.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := c.RequestAndDecode(ctx, &resp, "POST", "/loom/v1/executors/"+hb.UUID+"/heartbeat", hb)
	return resp, err
}

// PostTaskEvent reports a task state change to the scheduler.
func (c *Client) PostTaskEvent(ctx context.Context, ev TaskEvent) error {
	return c.RequestAndDecode(ctx, nil, "POST", "/loom/v1/task-events", ev)
}

// DispatchTask sends a task to an executor's data plane (BaseURL must
// be the executor's advertised URL).
func (c *Client) DispatchTask(ctx context.Context, td TaskDispatch) error {
	return c.RequestAndDecode(ctx, nil, "POST", "/loom/v1/tasks", td)
}

// KillTask tells an executor to stop a running task attempt.
func (c *Client) KillTask(ctx context.Context, jobUUID string, stage, partition int) error {
	return c.RequestAndDecode(ctx, nil, "POST", fmt.Sprintf("/loom/v1/tasks/%s/%d/%d/kill", jobUUID, stage, partition), nil)
}

// CleanupJob tells an executor to drop all shuffle data for a job.
func (c *Client) CleanupJob(ctx context.Context, jobUUID string) error {
	return c.RequestAndDecode(ctx, nil, "DELETE", "/loom/v1/shuffle/"+jobUUID, nil)
}
