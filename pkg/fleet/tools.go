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
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/state"
)

// ErrUnknownTool lets callers chain executors: a tool the controller does
// not own falls through to the next handler.
var ErrUnknownTool = errors.New("unknown fleet tool")

// Fleet tool names exposed to the orchestrator driver.
const (
	ToolSpawnAgent   = "spawn_agent"
	ToolDeleteAgent  = "delete_agent"
	ToolListAgents   = "list_agents"
	ToolAgentStatus  = "agent_status"
	ToolMarkHotpath  = "mark_hotpath"
	ToolClearHotpath = "clear_hotpath"
	ToolListHotpath  = "list_hotpath"
)

func agentIDSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_id": map[string]interface{}{"type": "string"},
		},
		"required": []string{"agent_id"},
	}
}

// Tools returns the fleet tool definitions for the driver surface.
func Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolSpawnAgent,
			Description: "Launch a new agent process and wait until it registers healthy.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent_id": map[string]interface{}{"type": "string"},
					"role":     map[string]interface{}{"type": "string"},
					"hotpath":  map[string]interface{}{"type": "boolean"},
				},
				"required": []string{"agent_id", "role"},
			},
		},
		{
			Name:        ToolDeleteAgent,
			Description: "Remove an agent. Fails with hotpath_agent when the target is resident.",
			InputSchema: agentIDSchema(),
		},
		{
			Name:        ToolListAgents,
			Description: "List registered agents, optionally healthy only.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"healthy_only": map[string]interface{}{"type": "boolean"},
				},
			},
		},
		{
			Name:        ToolAgentStatus,
			Description: "Fetch one agent's registry record.",
			InputSchema: agentIDSchema(),
		},
		{
			Name:        ToolMarkHotpath,
			Description: "Flag an agent as hotpath resident.",
			InputSchema: agentIDSchema(),
		},
		{
			Name:        ToolClearHotpath,
			Description: "Clear an agent's hotpath residency flag.",
			InputSchema: agentIDSchema(),
		},
		{
			Name:        ToolListHotpath,
			Description: "List hotpath resident agents.",
			InputSchema: map[string]interface{}{"type": "object"},
		},
	}
}

// Execute dispatches a fleet tool call and returns the JSON-encoded
// OpResult. Implements the runtime's tool executor contract; fleet
// operations read nothing from the session.
func (c *Controller) Execute(ctx context.Context, _ *state.SessionState, call llm.ToolCall) (string, error) {
	var res OpResult
	switch call.Name {
	case ToolSpawnAgent:
		res = c.Spawn(ctx, SpawnSpec{
			AgentID: stringArg(call.Input, "agent_id"),
			Role:    stringArg(call.Input, "role"),
			Hotpath: boolArg(call.Input, "hotpath"),
		})
	case ToolDeleteAgent:
		res = c.Delete(ctx, stringArg(call.Input, "agent_id"))
	case ToolListAgents:
		res = c.List(ctx, boolArg(call.Input, "healthy_only"))
	case ToolAgentStatus:
		res = c.Status(ctx, stringArg(call.Input, "agent_id"))
	case ToolMarkHotpath:
		res = c.MarkHotpath(ctx, stringArg(call.Input, "agent_id"))
	case ToolClearHotpath:
		res = c.ClearHotpath(ctx, stringArg(call.Input, "agent_id"))
	case ToolListHotpath:
		res = c.ListHotpath(ctx)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode fleet result: %w", err)
	}
	return string(data), nil
}

func stringArg(input map[string]interface{}, key string) string {
	if s, ok := input[key].(string); ok {
		return s
	}
	return ""
}

func boolArg(input map[string]interface{}, key string) bool {
	if b, ok := input[key].(bool); ok {
		return b
	}
	return false
}
