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
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/prp"
	"github.com/quadracode/quadracode/pkg/state"
)

// CritiqueToolName is the tool identity under which synthesized critiques
// enter the conversation.
const CritiqueToolName = "hypothesis_critique"

// Rewrite is what replaces the inbound skeptic message for the driver: a
// system note plus a structured critique tool message.
type Rewrite struct {
	Messages []state.Message
	Critique state.Critique
}

// Handler applies parsed triggers to session state.
type Handler struct {
	machine *prp.Machine
	emitter observability.Emitter
	logger  *zap.Logger
}

// NewHandler builds a handler.
func NewHandler(machine *prp.Machine, emitter observability.Emitter, logger *zap.Logger) *Handler {
	if emitter == nil {
		emitter = observability.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{machine: machine, emitter: emitter, logger: logger}
}

// Apply folds a valid trigger into the session: exhaustion mode, required
// artifacts, a critique on the backlog, and the PROPOSE→HYPOTHESIZE
// transition with skeptic_triggered set. It returns the message pair that
// replaces the inbound user message.
func (h *Handler) Apply(sess *state.SessionState, trig *Trigger) (*Rewrite, error) {
	sess.SetExhaustion(trig.ExhaustionMode, 1.0, "skeptic_trigger")
	sess.RequiredArtifacts = append([]string{}, trig.RequiredArtifacts...)

	critique := state.Critique{
		Category:  inferCategory(trig.Rationale),
		Severity:  inferSeverity(trig),
		Rationale: trig.Rationale,
		CreatedAt: time.Now().UTC(),
	}
	sess.Critiques = append(sess.Critiques, critique)
	sess.Autonomy.SkepticismChallenges++

	if err := h.machine.SkepticReject(sess); err != nil {
		return nil, fmt.Errorf("skeptic transition failed: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"category":           critique.Category,
		"severity":           string(critique.Severity),
		"rationale":          critique.Rationale,
		"cycle_iteration":    trig.CycleIteration,
		"required_artifacts": trig.RequiredArtifacts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode critique: %w", err)
	}

	now := time.Now().UTC()
	rewrite := &Rewrite{
		Messages: []state.Message{
			{
				Role: state.RoleSystem,
				Content: fmt.Sprintf(
					"The skeptic rejected the current proposal (%s, severity %s). Address the critique below, re-run tests, and produce the required artifacts before proposing again.",
					critique.Category, critique.Severity),
				Timestamp: now,
			},
			{
				Role:       state.RoleTool,
				ToolName:   CritiqueToolName,
				ToolCallID: uuid.NewString(),
				Content:    string(payload),
				Timestamp:  now,
			},
		},
		Critique: critique,
	}

	h.emitter.Emit(observability.StreamAutonomousEvents, "skeptic_rejection", sess.SessionID, map[string]interface{}{
		"category":           critique.Category,
		"severity":           string(critique.Severity),
		"exhaustion_mode":    string(trig.ExhaustionMode),
		"required_artifacts": len(trig.RequiredArtifacts),
		"cycle_count":        sess.PRP.CycleCount,
	})
	h.logger.Info("skeptic trigger applied",
		zap.String("session_id", sess.SessionID),
		zap.String("category", critique.Category),
		zap.String("severity", string(critique.Severity)))
	return rewrite, nil
}
