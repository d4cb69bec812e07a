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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/state"
)

func execTool(t *testing.T, exec *LedgerExecutor, sess *state.SessionState, name string, input map[string]interface{}) ToolResult {
	t.Helper()
	out, err := exec.Execute(context.Background(), sess, llm.ToolCall{ID: "tc", Name: name, Input: input})
	require.NoError(t, err)
	var res ToolResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	return res
}

func TestLedgerExecutorProposeAndConclude(t *testing.T) {
	m, _ := strictMachine(t)
	exec := NewLedgerExecutor(m, zaptest.NewLogger(t))
	sess := state.New("s1")

	res := execTool(t, exec, sess, ToolProposeHypothesis, map[string]interface{}{
		"hypothesis": "the cache returns stale entries after eviction",
		"strategy":   "inspect-cache",
	})
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.CycleID)
	assert.InDelta(t, 1.0, res.NoveltyScore, 0.001)

	sess.Exhaustion.Mode = state.ExhaustionTestFailure
	res = execTool(t, exec, sess, ToolConcludeHypothesis, map[string]interface{}{
		"cycle_id":        float64(1),
		"status":          "failed",
		"outcome_summary": "no stale entries observed",
		"test_results":    map[string]interface{}{"passed": float64(3), "failed": float64(1), "suite": "unit"},
	})
	assert.True(t, res.Success)

	entry := sess.LedgerEntryByCycle(1)
	require.NotNil(t, entry)
	assert.Equal(t, state.StatusFailed, entry.Status)
	assert.Equal(t, "no stale entries observed", entry.OutcomeSummary)
	require.NotNil(t, entry.TestResults)
	assert.Equal(t, 1, entry.TestResults.Failed)
	require.Len(t, entry.History, 1)

	// A second conclusion is a structured rejection, not a turn error.
	res = execTool(t, exec, sess, ToolConcludeHypothesis, map[string]interface{}{
		"cycle_id": float64(1), "status": "succeeded",
	})
	assert.False(t, res.Success)
	assert.Equal(t, "already_concluded", res.Error)
	assert.Equal(t, state.StatusFailed, entry.Status)

	res = execTool(t, exec, sess, ToolConcludeHypothesis, map[string]interface{}{
		"cycle_id": float64(42), "status": "failed",
	})
	assert.False(t, res.Success)
	assert.Equal(t, "unknown_cycle", res.Error)
}

func TestLedgerExecutorSurfacesNoveltyBlock(t *testing.T) {
	m, _ := strictMachine(t)
	exec := NewLedgerExecutor(m, zaptest.NewLogger(t))
	sess := state.New("s1")

	res := execTool(t, exec, sess, ToolProposeHypothesis, map[string]interface{}{
		"hypothesis": "the parser drops the trailing newline",
		"strategy":   "trace-parser",
	})
	require.True(t, res.Success)
	require.True(t, execTool(t, exec, sess, ToolConcludeHypothesis, map[string]interface{}{
		"cycle_id": float64(res.CycleID), "status": "failed", "outcome_summary": "newline preserved",
	}).Success)

	blocked := execTool(t, exec, sess, ToolProposeHypothesis, map[string]interface{}{
		"hypothesis": "the parser drops a trailing newline",
		"strategy":   "trace-parser",
	})
	assert.False(t, blocked.Success)
	assert.Equal(t, "novelty_blocked", blocked.Error)
	assert.Len(t, sess.Ledger, 1)

	differentiated := execTool(t, exec, sess, ToolProposeHypothesis, map[string]interface{}{
		"hypothesis":      "the parser drops a trailing newline",
		"strategy":        "trace-parser",
		"differentiation": "this time with the lexer's raw token stream",
	})
	assert.True(t, differentiated.Success)
	assert.Equal(t, 2, differentiated.CycleID)
}

func TestLedgerExecutorQueryAndCausal(t *testing.T) {
	m, _ := strictMachine(t)
	exec := NewLedgerExecutor(m, zaptest.NewLogger(t))
	sess := state.New("s1")

	id1, err := m.ProposeHypothesis(sess, Proposal{Hypothesis: "schema migration dropped a column", Strategy: "a"})
	require.NoError(t, err)
	require.NoError(t, m.ConcludeHypothesis(sess, id1, state.StatusFailed, "column intact", nil))
	id2, err := m.ProposeHypothesis(sess, Proposal{Hypothesis: "orm caches the old schema", Strategy: "b", Dependencies: []int{id1}})
	require.NoError(t, err)

	res := execTool(t, exec, sess, ToolQueryPastFailures, map[string]interface{}{"pattern": "column"})
	require.True(t, res.Success)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, id1, res.Entries[0].CycleID)

	res = execTool(t, exec, sess, ToolInferCausalChain, map[string]interface{}{
		"cycle_ids": []interface{}{float64(id1), float64(id2)},
	})
	require.True(t, res.Success)
	require.Len(t, res.Links, 1)
	assert.Equal(t, id1, res.Links[0].From)
	assert.Equal(t, id2, res.Links[0].To)
	assert.InDelta(t, causalFailedPred, res.Links[0].Confidence, 0.001)
}

func TestLedgerExecutorUnknownTool(t *testing.T) {
	m, _ := strictMachine(t)
	exec := NewLedgerExecutor(m, zaptest.NewLogger(t))

	_, err := exec.Execute(context.Background(), state.New("s1"), llm.ToolCall{Name: "read_file"})
	assert.ErrorIs(t, err, ErrUnknownTool)
}
