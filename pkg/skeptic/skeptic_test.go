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
package skeptic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/prp"
	"github.com/quadracode/quadracode/pkg/state"
)

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{
			name:    "bare json",
			message: `{"cycle_iteration": 2, "exhaustion_mode": "test_failure", "required_artifacts": ["test_log"], "rationale": "tests not run"}`,
		},
		{
			name: "fenced block",
			message: "The proposal is rejected.\n```json\n" +
				`{"cycle_iteration": 1, "exhaustion_mode": "none", "required_artifacts": []}` +
				"\n```\nPlease revise.",
		},
		{
			name: "fenced block without language tag",
			message: "```\n" +
				`{"cycle_iteration": 0, "exhaustion_mode": "hypothesis_exhausted", "required_artifacts": ["benchmark"]}` +
				"\n```",
		},
		{
			name:    "plain prose",
			message: "I don't believe this works, please try again",
			wantErr: true,
		},
		{
			name:    "negative cycle iteration",
			message: `{"cycle_iteration": -1, "exhaustion_mode": "none", "required_artifacts": []}`,
			wantErr: true,
		},
		{
			name:    "unknown exhaustion mode",
			message: `{"cycle_iteration": 0, "exhaustion_mode": "bored", "required_artifacts": []}`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			message: `{"cycle_iteration": 0, "exhaustion_mode": "none", "required_artifacts": [], "mood": "grumpy"}`,
			wantErr: true,
		},
		{
			name:    "empty message",
			message: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, err := ParseTrigger(tt.message)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedTrigger)
				return
			}
			require.NoError(t, err)
			assert.True(t, state.ValidExhaustionMode(trig.ExhaustionMode))
		})
	}
}

func TestSameRejectionTwoPhrasings(t *testing.T) {
	raw := `{"cycle_iteration": 3, "exhaustion_mode": "test_failure", "required_artifacts": ["test_log"], "rationale": "no coverage"}`

	a, err := ParseTrigger(raw)
	require.NoError(t, err)
	b, err := ParseTrigger("Rejected, see below.\n```json\n" + raw + "\n```")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func newHandler(t *testing.T) (*Handler, *observability.Memory) {
	t.Helper()
	mem := observability.NewMemory()
	machine := prp.NewMachine(true, 0.7, mem, zaptest.NewLogger(t))
	return NewHandler(machine, mem, zaptest.NewLogger(t)), mem
}

func TestApplyTrigger(t *testing.T) {
	h, mem := newHandler(t)
	sess := state.New("s1")
	sess.PRP.State = state.StatePropose

	trig := &Trigger{
		CycleIteration:    1,
		ExhaustionMode:    state.ExhaustionTestFailure,
		RequiredArtifacts: []string{"test_log", "benchmark"},
		Rationale:         "the change was never tested against the regression suite",
	}
	rewrite, err := h.Apply(sess, trig)
	require.NoError(t, err)

	// Session effects.
	assert.Equal(t, state.StateHypothesize, sess.PRP.State)
	assert.Equal(t, 1, sess.PRP.CycleCount)
	assert.True(t, sess.Invariants.NeedsTestAfterRejection)
	assert.Equal(t, state.ExhaustionTestFailure, sess.Exhaustion.Mode)
	assert.Equal(t, []string{"test_log", "benchmark"}, sess.RequiredArtifacts)
	assert.Equal(t, 1, sess.Autonomy.SkepticismChallenges)
	require.Len(t, sess.Critiques, 1)
	assert.Equal(t, CategoryInsufficientTesting, sess.Critiques[0].Category)
	assert.Equal(t, state.SeverityHigh, sess.Critiques[0].Severity)

	// Rewrite: system + tool message pair.
	require.Len(t, rewrite.Messages, 2)
	assert.Equal(t, state.RoleSystem, rewrite.Messages[0].Role)
	assert.Equal(t, state.RoleTool, rewrite.Messages[1].Role)
	assert.Equal(t, CritiqueToolName, rewrite.Messages[1].ToolName)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(rewrite.Messages[1].Content), &payload))
	assert.Equal(t, CategoryInsufficientTesting, payload["category"])
	assert.Equal(t, "high", payload["severity"])

	assert.NotEmpty(t, mem.ByEvent("skeptic_rejection"))
}

func TestApplyOutsideProposeFailsStrict(t *testing.T) {
	h, _ := newHandler(t)
	sess := state.New("s1") // HYPOTHESIZE

	_, err := h.Apply(sess, &Trigger{ExhaustionMode: state.ExhaustionNone})
	require.Error(t, err)
	assert.ErrorIs(t, err, prp.ErrInvalidTransition)
}

func TestSeverityInference(t *testing.T) {
	assert.Equal(t, state.SeverityHigh, inferSeverity(&Trigger{RequiredArtifacts: []string{"x"}}))
	assert.Equal(t, state.SeverityHigh, inferSeverity(&Trigger{ExhaustionMode: state.ExhaustionTestFailure}))
	assert.Equal(t, state.SeverityMedium, inferSeverity(&Trigger{ExhaustionMode: state.ExhaustionNone, Rationale: "weak evidence"}))
	assert.Equal(t, state.SeverityLow, inferSeverity(&Trigger{ExhaustionMode: state.ExhaustionNone}))
}

func TestCategoryInference(t *testing.T) {
	assert.Equal(t, CategoryInsufficientTesting, inferCategory("no test coverage at all"))
	assert.Equal(t, CategoryInsufficientEvidence, inferCategory("show me proof"))
	assert.Equal(t, CategoryRegressionRisk, inferCategory("this will break the exporter"))
	assert.Equal(t, CategoryScopeCreep, inferCategory("unrelated refactoring"))
	assert.Equal(t, CategoryUnsubstantiated, inferCategory("just no"))
}
