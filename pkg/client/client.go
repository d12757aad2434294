// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is a Go client for the flowline HTTP API.
//
// Start, Resume and StartNetwork return a Stream of run records read from
// the server's SSE response. Run and ResumeWait use the JSON mode instead and
// return the snapshot once the run stops.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kadirpekel/flowline/pkg/httpclient"
	"github.com/kadirpekel/flowline/pkg/run"
	"github.com/kadirpekel/flowline/pkg/server"
)

// Client talks to one flowline server.
type Client struct {
	baseURL string
	token   string
	// unary serves request/response calls with retries; stream serves SSE
	// without a timeout.
	unary  *httpclient.Client
	stream *http.Client
}

type Option func(*options)

type options struct {
	token      string
	httpClient *http.Client
	retries    int
	tls        *httpclient.TLSConfig
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithHTTPClient replaces the underlying client for both unary and
// streaming calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRetries sets how often unary calls retry transient failures.
func WithRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

func WithTLS(cfg *httpclient.TLSConfig) Option {
	return func(o *options) { o.tls = cfg }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	o := options{retries: httpclient.DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	streamClient := o.httpClient
	unaryClient := o.httpClient
	if streamClient == nil {
		transport, err := httpclient.Transport(o.tls)
		if err != nil {
			return nil, err
		}
		streamClient = &http.Client{Transport: transport}
		unaryClient = &http.Client{Transport: transport, Timeout: httpclient.DefaultTimeout}
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   o.token,
		unary:   httpclient.New(httpclient.WithHTTPClient(unaryClient), httpclient.WithMaxRetries(o.retries)),
		stream:  streamClient,
	}, nil
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       server.ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.Error == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Body.Code, e.Body.Error)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ListOptions filters List.
type ListOptions struct {
	WorkflowID string
	Status     run.Status
	Limit      int
}

func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/health", nil)
}

func (c *Client) Workflows(ctx context.Context) ([]server.WorkflowInfo, error) {
	var out struct {
		Workflows []server.WorkflowInfo `json:"workflows"`
	}
	if err := c.getJSON(ctx, "/workflows", &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

func (c *Client) Workflow(ctx context.Context, id string) (*server.WorkflowInfo, error) {
	var out server.WorkflowInfo
	if err := c.getJSON(ctx, "/workflows/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Networks(ctx context.Context) ([]server.NetworkInfo, error) {
	var out struct {
		Networks []server.NetworkInfo `json:"networks"`
	}
	if err := c.getJSON(ctx, "/networks", &out); err != nil {
		return nil, err
	}
	return out.Networks, nil
}

// Get returns a run snapshot.
func (c *Client) Get(ctx context.Context, runID string) (*run.Snapshot, error) {
	var snap run.Snapshot
	if err := c.getJSON(ctx, "/runs/"+url.PathEscape(runID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// List returns stored runs, most recently updated first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]*run.Snapshot, error) {
	q := url.Values{}
	if opts.WorkflowID != "" {
		q.Set("workflow", opts.WorkflowID)
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Runs []*run.Snapshot `json:"runs"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Records returns the persisted records of a run after seq.
func (c *Client) Records(ctx context.Context, runID string, after int64) ([]run.Record, error) {
	var out struct {
		Records []run.Record `json:"records"`
	}
	path := fmt.Sprintf("/runs/%s/records?after=%d", url.PathEscape(runID), after)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) Delete(ctx context.Context, runID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// Start starts a workflow run and streams its records.
func (c *Client) Start(ctx context.Context, workflowID string, input map[string]any) (*Stream, error) {
	return c.openStream(ctx, http.MethodPost, "/workflows/"+url.PathEscape(workflowID)+"/start",
		server.StartRequest{InputData: input}, 0)
}

// Resume resumes a suspended run and streams the records of the new segment.
func (c *Client) Resume(ctx context.Context, workflowID, runID, step string, data map[string]any) (*Stream, error) {
	return c.openStream(ctx, http.MethodPost, "/workflows/"+url.PathEscape(workflowID)+"/resume",
		server.ResumeRequest{RunID: runID, Step: step, ResumeData: data}, 0)
}

// StartNetwork sends message to a network and streams the run.
func (c *Client) StartNetwork(ctx context.Context, name, message string, input map[string]any) (*Stream, error) {
	return c.openStream(ctx, http.MethodPost, "/networks/"+url.PathEscape(name),
		server.NetworkRequest{Message: message, Input: input}, 0)
}

// Watch follows a stored run from after, replaying persisted records first.
func (c *Client) Watch(ctx context.Context, runID string, after int64) (*Stream, error) {
	return c.openStream(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/stream", nil, after)
}

// Run starts a workflow and waits for it to stop. The snapshot of a failed
// run is returned without an error; check its Status.
func (c *Client) Run(ctx context.Context, workflowID string, input map[string]any) (*run.Snapshot, error) {
	return c.postWait(ctx, "/workflows/"+url.PathEscape(workflowID)+"/start", server.StartRequest{InputData: input})
}

// ResumeWait resumes a run and waits for it to stop.
func (c *Client) ResumeWait(ctx context.Context, workflowID, runID, step string, data map[string]any) (*run.Snapshot, error) {
	return c.postWait(ctx, "/workflows/"+url.PathEscape(workflowID)+"/resume",
		server.ResumeRequest{RunID: runID, Step: step, ResumeData: data})
}

func (c *Client) postWait(ctx context.Context, path string, body any) (*run.Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	// Waiting on a run is not bounded by the unary timeout.
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	var snap run.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	// A response returned alongside a retry error still carries the
	// server's error body.
	resp, err := c.unary.Do(req)
	if resp == nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &apiErr.Body); err != nil {
		apiErr.Body.Error = strings.TrimSpace(string(data))
	}
	return apiErr
}
