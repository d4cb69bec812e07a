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
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/state"
)

// challengeToolName is the synthesized skepticism challenge identity.
const challengeToolName = "skepticism_challenge"

// ToolResponse is one raw tool output awaiting normalization.
type ToolResponse struct {
	ToolName   string
	ToolCallID string
	Content    string
}

// PostProcessResult summarizes the post_process stage.
type PostProcessResult struct {
	Normalized        int
	TestsCaptured     bool
	ChallengeEmitted  bool
	ExhaustionChanged bool
}

// PostProcess normalizes tool outputs into tool messages, emits the
// mandatory skepticism challenge unless the gate is already satisfied this
// cycle, captures test results and fires the workspace integrity hook on
// exhaustion changes.
func (e *Engine) PostProcess(_ context.Context, sess *state.SessionState, responses []ToolResponse) (*PostProcessResult, error) {
	res := &PostProcessResult{}
	modeBefore := sess.Exhaustion.Mode

	for _, tr := range responses {
		content := tr.Content
		if limit := e.cfg.MaxToolPayloadChars; limit > 0 && len(content) > limit {
			content = content[:limit] + "\n[truncated]"
		}
		sess.AppendMessage(state.Message{
			Role:       state.RoleTool,
			ToolName:   tr.ToolName,
			ToolCallID: tr.ToolCallID,
			Content:    content,
		})
		sess.Invariants.ContextUpdatedInCycle = true
		res.Normalized++

		if results, ok := parseTestResults(tr.Content); ok {
			sess.RecordTestResults(results)
			res.TestsCaptured = true
			if results.Failed > 0 {
				sess.SetExhaustion(state.ExhaustionTestFailure, 1, "rehypothesize")
			} else if sess.Exhaustion.Mode == state.ExhaustionTestFailure {
				sess.SetExhaustion(state.ExhaustionNone, 0, "tests_green")
			}
			if sess.TestsPassing() && sess.Autonomy.FalseStopPending {
				sess.Autonomy.FalseStopPending = false
				sess.Autonomy.FalseStopMitigated++
			}
		}
	}

	if len(responses) > 0 && !sess.Invariants.SkepticismGateSatisfied {
		e.emitChallenge(sess, responses[len(responses)-1])
		res.ChallengeEmitted = true
	}

	res.ExhaustionChanged = sess.Exhaustion.Mode != modeBefore
	if res.ExhaustionChanged && e.OnExhaustionChanged != nil {
		e.OnExhaustionChanged(sess)
	}

	e.emitter.Emit(observability.StreamContextMetrics, "post_process", sess.SessionID, map[string]interface{}{
		"normalized":         res.Normalized,
		"tests_captured":     res.TestsCaptured,
		"challenge_emitted":  res.ChallengeEmitted,
		"exhaustion_changed": res.ExhaustionChanged,
		"exhaustion_mode":    string(sess.Exhaustion.Mode),
	})
	return res, nil
}

// emitChallenge appends a structured challenge against the latest tool
// evidence and satisfies the skepticism gate for this cycle.
func (e *Engine) emitChallenge(sess *state.SessionState, last ToolResponse) {
	critique := state.Critique{
		Category:  "evidence_challenge",
		Severity:  state.SeverityLow,
		Rationale: fmt.Sprintf("Challenge the %s output before relying on it: does it actually support the current hypothesis, and would a counter-example show up here?", last.ToolName),
		CreatedAt: time.Now().UTC(),
	}
	sess.Critiques = append(sess.Critiques, critique)
	sess.Autonomy.SkepticismChallenges++
	sess.Invariants.SkepticismGateSatisfied = true

	payload, err := json.Marshal(map[string]interface{}{
		"category":  critique.Category,
		"severity":  string(critique.Severity),
		"rationale": critique.Rationale,
		"tool":      last.ToolName,
	})
	if err != nil {
		return
	}
	sess.AppendMessage(state.Message{
		Role:     state.RoleTool,
		ToolName: challengeToolName,
		Content:  string(payload),
	})
}

// parseTestResults recognizes suite or property outputs shaped as JSON
// with numeric passed/failed fields.
func parseTestResults(content string) (state.TestResults, bool) {
	var probe struct {
		Passed  *int   `json:"passed"`
		Failed  *int   `json:"failed"`
		Suite   string `json:"suite"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		return state.TestResults{}, false
	}
	if probe.Passed == nil || probe.Failed == nil {
		return state.TestResults{}, false
	}
	return state.TestResults{
		Passed:  *probe.Passed,
		Failed:  *probe.Failed,
		Suite:   probe.Suite,
		Details: probe.Details,
		RanAt:   time.Now().UTC(),
	}, true
}
