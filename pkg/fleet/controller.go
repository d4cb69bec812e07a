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
// Package fleet is the orchestrator-side agent lifecycle controller: spawn,
// delete, residency flags. Deletion always consults the registry's hotpath
// protection; a protected agent is never removed silently.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/registry"
)

// Directory is the registry surface the controller needs. Satisfied by
// *registry.Client.
type Directory interface {
	List(ctx context.Context, healthyOnly, hotpathOnly bool) ([]registry.Agent, error)
	Get(ctx context.Context, agentID string) (registry.Agent, error)
	SetHotpath(ctx context.Context, agentID string, hotpath bool) (registry.Agent, error)
	Remove(ctx context.Context, agentID string, force bool) error
}

// OpResult is the structured outcome handed back to the orchestrator's
// tool-call path. Error carries a stable code, not prose.
type OpResult struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Agent   *registry.Agent  `json:"agent,omitempty"`
	Agents  []registry.Agent `json:"agents,omitempty"`
}

const (
	errHotpathAgent = "hotpath_agent"
	errNotFound     = "not_found"
	errSpawnTimeout = "spawn_timeout"
	errRegistry     = "registry_unavailable"
)

// spawnPollInterval paces liveness polling after spawn.
const spawnPollInterval = 250 * time.Millisecond

// Controller drives fleet operations against the registry.
type Controller struct {
	dir     Directory
	spawner Spawner

	// confirmTimeout bounds the wait for a spawned agent's own register
	// plus heartbeat; healthTimeout is the registry liveness window.
	confirmTimeout time.Duration
	healthTimeout  time.Duration

	emitter observability.Emitter
	logger  *zap.Logger
}

// NewController builds a fleet controller.
func NewController(dir Directory, spawner Spawner, confirmTimeout, healthTimeout time.Duration, emitter observability.Emitter, logger *zap.Logger) *Controller {
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}
	if healthTimeout <= 0 {
		healthTimeout = 45 * time.Second
	}
	if emitter == nil {
		emitter = observability.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		dir:            dir,
		spawner:        spawner,
		confirmTimeout: confirmTimeout,
		healthTimeout:  healthTimeout,
		emitter:        emitter,
		logger:         logger,
	}
}

// Spawn launches an agent process and waits for it to register and
// heartbeat healthy. The spawned process confirms its own liveness; the
// controller only observes the registry.
func (c *Controller) Spawn(ctx context.Context, spec SpawnSpec) OpResult {
	if c.spawner == nil {
		return OpResult{Error: "no_spawner"}
	}
	pid, err := c.spawner.Spawn(ctx, spec)
	if err != nil {
		c.logger.Error("agent spawn failed", zap.String("agent_id", spec.AgentID), zap.Error(err))
		return OpResult{Error: fmt.Sprintf("spawn_failed: %v", err)}
	}
	c.logger.Info("agent process started",
		zap.String("agent_id", spec.AgentID),
		zap.Int("pid", pid))

	deadline := time.Now().Add(c.confirmTimeout)
	for time.Now().Before(deadline) {
		agent, err := c.dir.Get(ctx, spec.AgentID)
		if err == nil && agent.Healthy(time.Now().UTC(), c.healthTimeout) {
			c.emitter.Emit(observability.StreamAutonomousEvents, "agent_spawned", "", map[string]interface{}{
				"agent_id": spec.AgentID,
				"hotpath":  agent.Hotpath,
				"pid":      pid,
			})
			return OpResult{Success: true, Agent: &agent}
		}
		select {
		case <-ctx.Done():
			return OpResult{Error: errSpawnTimeout}
		case <-time.After(spawnPollInterval):
		}
	}
	c.logger.Warn("spawned agent never became healthy",
		zap.String("agent_id", spec.AgentID),
		zap.Duration("waited", c.confirmTimeout))
	return OpResult{Error: errSpawnTimeout}
}

// Delete removes an agent, honoring hotpath protection. A protected agent
// yields {success=false, error=hotpath_agent} with the record still listed.
func (c *Controller) Delete(ctx context.Context, agentID string) OpResult {
	err := c.dir.Remove(ctx, agentID, false)
	switch {
	case err == nil:
		c.emitter.Emit(observability.StreamAutonomousEvents, "agent_deleted", "", map[string]interface{}{
			"agent_id": agentID,
		})
		return OpResult{Success: true}
	case errors.Is(err, registry.ErrHotpathAgent):
		c.logger.Warn("delete refused for hotpath agent", zap.String("agent_id", agentID))
		return OpResult{Error: errHotpathAgent}
	case errors.Is(err, registry.ErrNotFound):
		return OpResult{Error: errNotFound}
	default:
		c.logger.Error("agent delete failed", zap.String("agent_id", agentID), zap.Error(err))
		return OpResult{Error: errRegistry}
	}
}

// ForceDelete removes an agent bypassing hotpath protection. Reserved for
// human-initiated teardown; the orchestrator tool surface never exposes it.
func (c *Controller) ForceDelete(ctx context.Context, agentID string) OpResult {
	if err := c.dir.Remove(ctx, agentID, true); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return OpResult{Error: errNotFound}
		}
		return OpResult{Error: errRegistry}
	}
	return OpResult{Success: true}
}

// List returns the fleet, optionally healthy-only.
func (c *Controller) List(ctx context.Context, healthyOnly bool) OpResult {
	agents, err := c.dir.List(ctx, healthyOnly, false)
	if err != nil {
		return OpResult{Error: errRegistry}
	}
	return OpResult{Success: true, Agents: agents}
}

// Status returns one agent's registry record.
func (c *Controller) Status(ctx context.Context, agentID string) OpResult {
	agent, err := c.dir.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return OpResult{Error: errNotFound}
		}
		return OpResult{Error: errRegistry}
	}
	return OpResult{Success: true, Agent: &agent}
}

// MarkHotpath flags an agent resident.
func (c *Controller) MarkHotpath(ctx context.Context, agentID string) OpResult {
	return c.setHotpath(ctx, agentID, true)
}

// ClearHotpath removes the residency flag.
func (c *Controller) ClearHotpath(ctx context.Context, agentID string) OpResult {
	return c.setHotpath(ctx, agentID, false)
}

func (c *Controller) setHotpath(ctx context.Context, agentID string, hotpath bool) OpResult {
	agent, err := c.dir.SetHotpath(ctx, agentID, hotpath)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return OpResult{Error: errNotFound}
		}
		return OpResult{Error: errRegistry}
	}
	c.emitter.Emit(observability.StreamAutonomousEvents, "hotpath_changed", "", map[string]interface{}{
		"agent_id": agentID,
		"hotpath":  hotpath,
	})
	return OpResult{Success: true, Agent: &agent}
}

// ListHotpath returns the resident set.
func (c *Controller) ListHotpath(ctx context.Context) OpResult {
	agents, err := c.dir.List(ctx, false, true)
	if err != nil {
		return OpResult{Error: errRegistry}
	}
	return OpResult{Success: true, Agents: agents}
}
