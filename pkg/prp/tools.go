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
package prp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/state"
)

// ErrUnknownTool lets callers chain executors: a tool the ledger does not
// own falls through to the next handler.
var ErrUnknownTool = errors.New("unknown ledger tool")

// Ledger tool names exposed to the worker driver.
const (
	ToolProposeHypothesis  = "propose_hypothesis"
	ToolConcludeHypothesis = "conclude_hypothesis"
	ToolQueryPastFailures  = "query_past_failures"
	ToolInferCausalChain   = "infer_causal_chain"
)

// ToolResult is the JSON envelope every ledger tool returns. Ledger
// rejections (novelty blocks, double conclusions) are results, not
// errors: the model reads them and adjusts.
type ToolResult struct {
	Success                     bool                `json:"success"`
	Error                       string              `json:"error,omitempty"`
	Detail                      string              `json:"detail,omitempty"`
	CycleID                     int                 `json:"cycle_id,omitempty"`
	NoveltyScore                float64             `json:"novelty_score,omitempty"`
	PredictedSuccessProbability float64             `json:"predicted_success_probability,omitempty"`
	Entries                     []state.LedgerEntry `json:"entries,omitempty"`
	Links                       []state.CausalLink  `json:"links,omitempty"`
}

// Tools returns the refinement ledger tool definitions for the worker
// driver surface.
func Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name: ToolProposeHypothesis,
			Description: "Open a new hypothesis cycle in the refinement ledger. " +
				"Fails with novelty_blocked when the hypothesis restates a failed attempt " +
				"with the same strategy; attach a differentiation note to override.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"hypothesis": map[string]interface{}{"type": "string"},
					"strategy":   map[string]interface{}{"type": "string"},
					"dependencies": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "integer"},
					},
					"differentiation": map[string]interface{}{"type": "string"},
				},
				"required": []string{"hypothesis"},
			},
		},
		{
			Name: ToolConcludeHypothesis,
			Description: "Conclude an open cycle exactly once with status succeeded, " +
				"failed or rejected, an outcome summary and optional test results.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"cycle_id":        map[string]interface{}{"type": "integer"},
					"status":          map[string]interface{}{"type": "string", "enum": []string{"succeeded", "failed", "rejected"}},
					"outcome_summary": map[string]interface{}{"type": "string"},
					"test_results": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"passed":  map[string]interface{}{"type": "integer"},
							"failed":  map[string]interface{}{"type": "integer"},
							"suite":   map[string]interface{}{"type": "string"},
							"details": map[string]interface{}{"type": "string"},
						},
					},
				},
				"required": []string{"cycle_id", "status"},
			},
		},
		{
			Name:        ToolQueryPastFailures,
			Description: "List failed and rejected cycles, optionally filtered by a substring pattern.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pattern": map[string]interface{}{"type": "string"},
				},
			},
		},
		{
			Name:        ToolInferCausalChain,
			Description: "Infer predecessor edges with confidence among the given ledger cycles.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"cycle_ids": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "integer"},
					},
				},
				"required": []string{"cycle_ids"},
			},
		},
	}
}

// LedgerExecutor surfaces the refinement ledger to the worker driver as
// tools. Implements the runtime's tool executor contract against the
// turn's session.
type LedgerExecutor struct {
	machine *Machine
	logger  *zap.Logger
}

// NewLedgerExecutor builds the worker tool executor.
func NewLedgerExecutor(machine *Machine, logger *zap.Logger) *LedgerExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerExecutor{machine: machine, logger: logger}
}

// Execute dispatches a ledger tool call and returns the JSON-encoded
// ToolResult.
func (e *LedgerExecutor) Execute(_ context.Context, sess *state.SessionState, call llm.ToolCall) (string, error) {
	var res ToolResult
	switch call.Name {
	case ToolProposeHypothesis:
		res = e.propose(sess, call.Input)
	case ToolConcludeHypothesis:
		res = e.conclude(sess, call.Input)
	case ToolQueryPastFailures:
		res = ToolResult{Success: true, Entries: e.machine.QueryPastFailures(sess, stringArg(call.Input, "pattern"))}
	case ToolInferCausalChain:
		res = ToolResult{Success: true, Links: e.machine.InferCausalChain(sess, intSliceArg(call.Input, "cycle_ids"))}
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode ledger result: %w", err)
	}
	return string(data), nil
}

func (e *LedgerExecutor) propose(sess *state.SessionState, input map[string]interface{}) ToolResult {
	cycleID, err := e.machine.ProposeHypothesis(sess, Proposal{
		Hypothesis:      stringArg(input, "hypothesis"),
		Strategy:        stringArg(input, "strategy"),
		Dependencies:    intSliceArg(input, "dependencies"),
		Differentiation: stringArg(input, "differentiation"),
	})
	if err != nil {
		if errors.Is(err, ErrNoveltyBlocked) {
			return ToolResult{Success: false, Error: "novelty_blocked", Detail: err.Error()}
		}
		return ToolResult{Success: false, Error: err.Error()}
	}
	entry := sess.LedgerEntryByCycle(cycleID)
	return ToolResult{
		Success:                     true,
		CycleID:                     cycleID,
		NoveltyScore:                entry.NoveltyScore,
		PredictedSuccessProbability: entry.PredictedSuccessProbability,
	}
}

func (e *LedgerExecutor) conclude(sess *state.SessionState, input map[string]interface{}) ToolResult {
	cycleID := intArg(input, "cycle_id")
	err := e.machine.ConcludeHypothesis(sess, cycleID,
		state.LedgerStatus(stringArg(input, "status")),
		stringArg(input, "outcome_summary"),
		testResultsArg(input))
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownCycle):
			return ToolResult{Success: false, Error: "unknown_cycle", Detail: err.Error()}
		case errors.Is(err, ErrAlreadyConcluded):
			return ToolResult{Success: false, Error: "already_concluded", Detail: err.Error()}
		}
		return ToolResult{Success: false, Error: err.Error()}
	}
	return ToolResult{Success: true, CycleID: cycleID}
}

func stringArg(input map[string]interface{}, key string) string {
	if s, ok := input[key].(string); ok {
		return s
	}
	return ""
}

// intArg accepts both JSON numbers and integer-typed values.
func intArg(input map[string]interface{}, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func intSliceArg(input map[string]interface{}, key string) []int {
	raw, ok := input[key].([]interface{})
	if !ok {
		return nil
	}
	var out []int
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}

func testResultsArg(input map[string]interface{}) *state.TestResults {
	raw, ok := input["test_results"].(map[string]interface{})
	if !ok {
		return nil
	}
	return &state.TestResults{
		Passed:  intArg(raw, "passed"),
		Failed:  intArg(raw, "failed"),
		Suite:   stringArg(raw, "suite"),
		Details: stringArg(raw, "details"),
	}
}
