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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/state"
)

func strictMachine(t *testing.T) (*Machine, *observability.Memory) {
	t.Helper()
	mem := observability.NewMemory()
	return NewMachine(true, 0.7, mem, zaptest.NewLogger(t)), mem
}

// satisfyGates arms the invariant gates required to reach CONCLUDE.
func satisfyGates(sess *state.SessionState) {
	sess.Invariants.ContextUpdatedInCycle = true
	sess.Invariants.SkepticismGateSatisfied = true
	sess.Invariants.NeedsTestAfterRejection = false
}

func TestHappyPathCycle(t *testing.T) {
	m, mem := strictMachine(t)
	sess := state.New("s1")

	require.NoError(t, m.Transition(sess, state.StateExecute))
	assert.False(t, sess.Invariants.SkepticismGateSatisfied)
	assert.False(t, sess.Invariants.ContextUpdatedInCycle)

	require.NoError(t, m.Transition(sess, state.StateTest))
	satisfyGates(sess)
	require.NoError(t, m.Transition(sess, state.StateConclude))
	require.NoError(t, m.Transition(sess, state.StatePropose))
	assert.Equal(t, state.StatePropose, sess.PRP.State)

	events := mem.ByEvent("transition")
	assert.Len(t, events, 4)
}

func TestTransitionGuards(t *testing.T) {
	tests := []struct {
		name  string
		from  state.PRPState
		to    state.PRPState
		setup func(*state.SessionState)
		ok    bool
	}{
		{
			name: "hypothesize to execute blocked by retry depletion",
			from: state.StateHypothesize, to: state.StateExecute,
			setup: func(s *state.SessionState) { s.Exhaustion.Mode = state.ExhaustionRetryDepletion },
			ok:    false,
		},
		{
			name: "execute to test blocked by backpressure",
			from: state.StateExecute, to: state.StateTest,
			setup: func(s *state.SessionState) { s.Exhaustion.Mode = state.ExhaustionToolBackpressure },
			ok:    false,
		},
		{
			name: "execute back to hypothesize on predicted exhaustion",
			from: state.StateExecute, to: state.StateHypothesize,
			setup: func(s *state.SessionState) { s.Exhaustion.Mode = state.ExhaustionPredicted },
			ok:    true,
		},
		{
			name: "execute back to hypothesize needs a depletion mode",
			from: state.StateExecute, to: state.StateHypothesize,
			setup: func(s *state.SessionState) {},
			ok:    false,
		},
		{
			name: "test to conclude blocked without context update",
			from: state.StateTest, to: state.StateConclude,
			setup: func(s *state.SessionState) {
				satisfyGates(s)
				s.Invariants.ContextUpdatedInCycle = false
			},
			ok: false,
		},
		{
			name: "test to conclude blocked after rejection without retest",
			from: state.StateTest, to: state.StateConclude,
			setup: func(s *state.SessionState) {
				satisfyGates(s)
				s.Invariants.NeedsTestAfterRejection = true
			},
			ok: false,
		},
		{
			name: "test to conclude blocked without skepticism gate",
			from: state.StateTest, to: state.StateConclude,
			setup: func(s *state.SessionState) {
				satisfyGates(s)
				s.Invariants.SkepticismGateSatisfied = false
			},
			ok: false,
		},
		{
			name: "test back to hypothesize on test failure",
			from: state.StateTest, to: state.StateHypothesize,
			setup: func(s *state.SessionState) { s.Exhaustion.Mode = state.ExhaustionTestFailure },
			ok:    true,
		},
		{
			name: "conclude back to execute on context saturation",
			from: state.StateConclude, to: state.StateExecute,
			setup: func(s *state.SessionState) { s.Exhaustion.Mode = state.ExhaustionContextSaturation },
			ok:    true,
		},
		{
			name: "propose to hypothesize requires skeptic",
			from: state.StatePropose, to: state.StateHypothesize,
			setup: func(s *state.SessionState) {},
			ok:    false,
		},
		{
			name: "no edge conclude to test",
			from: state.StateConclude, to: state.StateTest,
			setup: func(s *state.SessionState) { satisfyGates(s) },
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := strictMachine(t)
			sess := state.New("s1")
			sess.PRP.State = tt.from
			tt.setup(sess)

			err := m.Transition(sess, tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, sess.PRP.State)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, sess.PRP.State)
			}
		})
	}
}

func TestLenientModeLogsViolation(t *testing.T) {
	m := NewMachine(false, 0.7, observability.NewNop(), zaptest.NewLogger(t))
	sess := state.New("s1")
	sess.Exhaustion.Mode = state.ExhaustionRetryDepletion

	require.NoError(t, m.Transition(sess, state.StateExecute))
	assert.Equal(t, state.StateHypothesize, sess.PRP.State)
	require.Len(t, sess.Invariants.ViolationLog, 1)
	assert.Equal(t, "prp_invalid_transition", sess.Invariants.ViolationLog[0].Kind)
}

func TestSkepticRejectIncrementsCycle(t *testing.T) {
	m, mem := strictMachine(t)
	sess := state.New("s1")
	sess.PRP.State = state.StatePropose
	before := sess.PRP.CycleCount

	require.NoError(t, m.SkepticReject(sess))
	assert.Equal(t, state.StateHypothesize, sess.PRP.State)
	assert.Equal(t, before+1, sess.PRP.CycleCount)
	assert.True(t, sess.Invariants.NeedsTestAfterRejection)

	events := mem.ByEvent("transition")
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["skeptic_triggered"])
}

func TestRejectedCycleMustRetestBeforeConclude(t *testing.T) {
	m, _ := strictMachine(t)
	sess := state.New("s1")
	sess.PRP.State = state.StatePropose
	require.NoError(t, m.SkepticReject(sess))

	require.NoError(t, m.Transition(sess, state.StateExecute))
	require.NoError(t, m.Transition(sess, state.StateTest))

	// Gates reset by the new cycle, but the rejection flag persists until
	// the runtime clears it after a fresh test run.
	sess.Invariants.ContextUpdatedInCycle = true
	sess.Invariants.SkepticismGateSatisfied = true
	err := m.Transition(sess, state.StateConclude)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sess.Invariants.NeedsTestAfterRejection = false
	require.NoError(t, m.Transition(sess, state.StateConclude))
}
