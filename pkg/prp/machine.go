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
// Package prp implements the persistent refinement protocol: a guarded
// five-state machine over hypothesis cycles plus an append-only refinement
// ledger with novelty scoring and causal inference.
package prp

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/state"
)

var (
	// ErrInvalidTransition is returned in strict mode for a transition the
	// guard table does not allow.
	ErrInvalidTransition = errors.New("prp_invalid_transition")

	// ErrNoveltyBlocked is returned when a proposed hypothesis is too
	// similar to a prior failed attempt with the same strategy.
	ErrNoveltyBlocked = errors.New("novelty_blocked")

	// ErrUnknownCycle is returned for ledger operations against a cycle id
	// that was never proposed.
	ErrUnknownCycle = errors.New("unknown cycle")

	// ErrAlreadyConcluded is returned when concluding a cycle twice.
	ErrAlreadyConcluded = errors.New("cycle already concluded")
)

// Machine drives PRP transitions over a session state. It holds no
// per-session state itself, so one machine serves every session.
type Machine struct {
	strict           bool
	noveltyThreshold float64
	emitter          observability.Emitter
	logger           *zap.Logger
}

// NewMachine builds a machine. In strict mode invalid transitions fail; in
// lenient mode they are logged to the session violation log and ignored.
func NewMachine(strict bool, noveltyThreshold float64, emitter observability.Emitter, logger *zap.Logger) *Machine {
	if emitter == nil {
		emitter = observability.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if noveltyThreshold <= 0 || noveltyThreshold > 1 {
		noveltyThreshold = 0.7
	}
	return &Machine{
		strict:           strict,
		noveltyThreshold: noveltyThreshold,
		emitter:          emitter,
		logger:           logger,
	}
}

// Transition attempts to move the session to the target state under the
// guard table. PROPOSE→HYPOTHESIZE is only reachable through SkepticReject.
func (m *Machine) Transition(sess *state.SessionState, to state.PRPState) error {
	return m.transition(sess, to, false)
}

// SkepticReject performs the PROPOSE→HYPOTHESIZE transition triggered by a
// skeptic rejection: it increments the cycle counter and arms the
// test-after-rejection gate.
func (m *Machine) SkepticReject(sess *state.SessionState) error {
	return m.transition(sess, state.StateHypothesize, true)
}

func (m *Machine) transition(sess *state.SessionState, to state.PRPState, skeptic bool) error {
	from := sess.PRP.State
	if reason := m.guard(sess, from, to, skeptic); reason != "" {
		detail := fmt.Sprintf("%s -> %s: %s", from, to, reason)
		if m.strict {
			return fmt.Errorf("%w: %s", ErrInvalidTransition, detail)
		}
		sess.RecordViolation("prp_invalid_transition", detail)
		m.logger.Warn("invalid prp transition ignored",
			zap.String("session_id", sess.SessionID), zap.String("detail", detail))
		return nil
	}

	sess.PRP.State = to
	m.applyEffects(sess, from, to, skeptic)
	m.emitter.Emit(observability.StreamPRPTelemetry, "transition", sess.SessionID, map[string]interface{}{
		"from":              string(from),
		"to":                string(to),
		"cycle_count":       sess.PRP.CycleCount,
		"skeptic_triggered": skeptic,
	})
	return nil
}

// guard returns an empty string when the transition is allowed, otherwise
// the reason it is not.
func (m *Machine) guard(sess *state.SessionState, from, to state.PRPState, skeptic bool) string {
	mode := sess.Exhaustion.Mode
	inv := sess.Invariants

	switch {
	case from == state.StateHypothesize && to == state.StateExecute:
		if mode == state.ExhaustionRetryDepletion || mode == state.ExhaustionToolBackpressure {
			return fmt.Sprintf("blocked by exhaustion mode %s", mode)
		}
		return ""
	case from == state.StateExecute && to == state.StateTest:
		if mode == state.ExhaustionToolBackpressure {
			return "blocked by tool backpressure"
		}
		return ""
	case from == state.StateExecute && to == state.StateHypothesize:
		if mode == state.ExhaustionRetryDepletion || mode == state.ExhaustionToolBackpressure || mode == state.ExhaustionPredicted {
			return ""
		}
		return fmt.Sprintf("requires a depletion mode, have %s", mode)
	case from == state.StateTest && to == state.StateConclude:
		return concludeGuard(mode, inv)
	case from == state.StateTest && to == state.StateHypothesize:
		if mode == state.ExhaustionTestFailure || mode == state.ExhaustionHypothesisExhausted {
			return ""
		}
		return fmt.Sprintf("requires test_failure or hypothesis_exhausted, have %s", mode)
	case from == state.StateConclude && to == state.StatePropose:
		return concludeGuard(mode, inv)
	case from == state.StateConclude && to == state.StateExecute:
		if mode == state.ExhaustionContextSaturation || mode == state.ExhaustionToolBackpressure {
			return ""
		}
		return fmt.Sprintf("requires context_saturation or tool_backpressure, have %s", mode)
	case from == state.StatePropose && to == state.StateHypothesize:
		if skeptic {
			return ""
		}
		return "only a skeptic rejection re-opens a proposed cycle"
	}
	return "no such edge"
}

// concludeGuard enforces the invariant gates shared by TEST→CONCLUDE and
// CONCLUDE→PROPOSE.
func concludeGuard(mode state.ExhaustionMode, inv state.InvariantState) string {
	if mode == state.ExhaustionTestFailure || mode == state.ExhaustionHypothesisExhausted {
		return fmt.Sprintf("blocked by exhaustion mode %s", mode)
	}
	if inv.NeedsTestAfterRejection {
		return "needs_test_after_rejection is set"
	}
	if !inv.ContextUpdatedInCycle {
		return "context not updated in cycle"
	}
	if !inv.SkepticismGateSatisfied {
		return "skepticism gate not satisfied"
	}
	return ""
}

func (m *Machine) applyEffects(sess *state.SessionState, from, to state.PRPState, skeptic bool) {
	switch {
	case from == state.StateHypothesize && to == state.StateExecute:
		// Fresh cycle: both per-cycle gates re-arm.
		sess.Invariants.SkepticismGateSatisfied = false
		sess.Invariants.ContextUpdatedInCycle = false
	case from == state.StatePropose && to == state.StateHypothesize && skeptic:
		sess.PRP.CycleCount++
		sess.Invariants.NeedsTestAfterRejection = true
	}
}

// Strict reports the configured enforcement mode.
func (m *Machine) Strict() bool { return m.strict }
