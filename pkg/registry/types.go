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
// Package registry tracks agent identity, liveness and hotpath residency.
// The store is authoritative; an HTTP server exposes it to the fleet and a
// client wraps the HTTP surface for agent processes.
package registry

import (
	"errors"
	"time"
)

// Status is the agent's self-reported health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ErrHotpathAgent is returned when removing a hotpath agent without force.
var ErrHotpathAgent = errors.New("hotpath_agent")

// ErrNotFound is returned for unknown agent ids.
var ErrNotFound = errors.New("agent not found")

// Agent is one registry record.
type Agent struct {
	AgentID       string    `json:"agent_id"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Status        Status    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Hotpath       bool      `json:"hotpath"`
}

// Healthy reports liveness at the given instant: self-reported healthy and
// heartbeat within the timeout window.
func (a Agent) Healthy(now time.Time, timeout time.Duration) bool {
	return a.Status == StatusHealthy && !a.LastHeartbeat.Before(now.Add(-timeout))
}

// Stats summarizes the registry.
type Stats struct {
	Total             int       `json:"total"`
	Healthy           int       `json:"healthy"`
	Unhealthy         int       `json:"unhealthy"`
	HotpathViolations int       `json:"hotpath_violations"`
	LastUpdated       time.Time `json:"last_updated"`
}

// RegisterRequest is the register endpoint payload. Hotpath is a pointer so
// re-registration can preserve an existing flag when the field is omitted.
type RegisterRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Host    string `json:"host" binding:"required"`
	Port    int    `json:"port"`
	Hotpath *bool  `json:"hotpath,omitempty"`
}

// HeartbeatRequest is the heartbeat endpoint payload.
type HeartbeatRequest struct {
	AgentID    string    `json:"agent_id" binding:"required"`
	Status     Status    `json:"status"`
	ReportedAt time.Time `json:"reported_at"`
}
