// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a registry server. Network failures are surfaced to the
// caller; they never succeed silently.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a registry client with the given base URL and timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type remoteError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var re remoteError
		_ = json.NewDecoder(resp.Body).Decode(&re)
		switch re.Error {
		case "hotpath_agent":
			return fmt.Errorf("registry %s %s: %w", method, path, ErrHotpathAgent)
		case "not_found":
			return fmt.Errorf("registry %s %s: %w", method, path, ErrNotFound)
		}
		return fmt.Errorf("registry %s %s: status %d: %s", method, path, resp.StatusCode, re.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Register upserts this agent.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (Agent, error) {
	var agent Agent
	err := c.do(ctx, http.MethodPost, "/agents/register", req, &agent)
	return agent, err
}

// Heartbeat reports liveness.
func (c *Client) Heartbeat(ctx context.Context, agentID string, status Status) (Agent, error) {
	var agent Agent
	req := HeartbeatRequest{AgentID: agentID, Status: status, ReportedAt: time.Now().UTC()}
	err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/heartbeat", req, &agent)
	return agent, err
}

// List fetches agents with the given filters.
func (c *Client) List(ctx context.Context, healthyOnly, hotpathOnly bool) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	q := url.Values{}
	if healthyOnly {
		q.Set("healthy_only", "true")
	}
	if hotpathOnly {
		q.Set("hotpath_only", "true")
	}
	path := "/agents"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Agents, err
}

// Get fetches one agent record.
func (c *Client) Get(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &agent)
	return agent, err
}

// SetHotpath flips the residency flag.
func (c *Client) SetHotpath(ctx context.Context, agentID string, hotpath bool) (Agent, error) {
	var agent Agent
	body := map[string]bool{"hotpath": hotpath}
	err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/hotpath", body, &agent)
	return agent, err
}

// Remove deletes an agent; force bypasses hotpath protection.
func (c *Client) Remove(ctx context.Context, agentID string, force bool) error {
	path := "/agents/" + url.PathEscape(agentID)
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Stats fetches fleet statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &st)
	return st, err
}
