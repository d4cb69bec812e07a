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
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/fabric"
	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/state"
)

// FinalReviewToolName is the tool call the model uses to hand work to the
// human. Emitting it without green tests and the demanded artifacts is a
// false stop.
const FinalReviewToolName = "request_final_review"

// memoryGuidance closes the system prompt.
const memoryGuidance = "Use the memory block and engineered context above as ground truth. " +
	"Do not re-derive facts they already state; cite segment content when relying on it."

// DriveResult is the driver stage output.
type DriveResult struct {
	Response  *llm.Response
	Assistant state.Message
	FalseStop bool

	// RouteTo is the recipient for the outbound message: the human on a
	// legitimate final review, the skeptic on a false stop, empty when
	// the cycle simply continues.
	RouteTo string
}

// Drive assembles the final prompt, invokes the model, appends the
// assistant message and applies false-stop detection.
func (e *Engine) Drive(ctx context.Context, sess *state.SessionState, basePrompt string, outline PromptOutline, tools []llm.Tool) (*DriveResult, error) {
	system := e.assembleSystemPrompt(sess, basePrompt, outline)

	messages := []llm.Message{{Role: "system", Content: system}}
	for _, m := range sess.Messages {
		messages = append(messages, llm.Message{
			Role:      string(m.Role),
			Content:   m.Content,
			ToolUseID: m.ToolCallID,
		})
	}

	resp, err := e.provider.Chat(ctx, messages, tools)
	if err != nil {
		return nil, fmt.Errorf("driver call failed: %w", err)
	}
	sess.AddUsage(sess.PRP.CycleCount, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	assistant := state.Message{Role: state.RoleAssistant, Content: resp.Content}
	sess.AppendMessage(assistant)

	result := &DriveResult{Response: resp, Assistant: assistant}
	if wantsFinalReview(resp) {
		if sess.TestsPassing() && artifactsSatisfied(sess) {
			result.RouteTo = fabric.RecipientHuman
		} else {
			result.FalseStop = true
			result.RouteTo = fabric.RecipientSkeptic
			sess.Autonomy.FalseStopEvents++
			sess.Autonomy.FalseStopPending = true
			sess.Invariants.NeedsTestAfterRejection = true
			e.emitter.Emit(observability.StreamAutonomousEvents, "false_stop", sess.SessionID, map[string]interface{}{
				"false_stop_events": sess.Autonomy.FalseStopEvents,
				"tests_passing":     sess.TestsPassing(),
			})
			e.logger.Info("false stop intercepted",
				zap.String("session_id", sess.SessionID),
				zap.Int("false_stop_events", sess.Autonomy.FalseStopEvents))
		}
	}

	e.emitter.Emit(observability.StreamContextMetrics, "driver", sess.SessionID, map[string]interface{}{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"total_tokens":  resp.Usage.TotalTokens,
		"tool_calls":    len(resp.ToolCalls),
		"stop_reason":   resp.StopReason,
		"false_stop":    result.FalseStop,
	})
	return result, nil
}

// assembleSystemPrompt layers base prompt, memory block, governed
// segments, the deliberative plan and memory guidance.
func (e *Engine) assembleSystemPrompt(sess *state.SessionState, basePrompt string, outline PromptOutline) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if summary := sess.ConversationSummary(); summary != nil {
		sb.WriteString("\n\n## Memory\n")
		sb.WriteString(summary.Content)
	}

	if len(outline.OrderedSegmentIDs) > 0 {
		sb.WriteString("\n\n## Context\n")
		if outline.SystemBanner != "" {
			sb.WriteString(outline.SystemBanner)
			sb.WriteByte('\n')
		}
		for _, id := range outline.OrderedSegmentIDs {
			seg := sess.Segment(id)
			if seg == nil || seg.Kind == state.KindConversationSummary {
				continue
			}
			marker := ""
			if id == outline.FocusSegmentID {
				marker = " (focus)"
			}
			fmt.Fprintf(&sb, "\n### %s%s\n%s\n", id, marker, seg.Content)
		}
	}

	if plan := e.deliberativePlan(sess); plan != "" {
		sb.WriteString("\n\n## Plan\n")
		sb.WriteString(plan)
	}

	sb.WriteString("\n\n")
	sb.WriteString(memoryGuidance)
	return sb.String()
}

// deliberativePlan renders the active hypothesis cycle.
func (e *Engine) deliberativePlan(sess *state.SessionState) string {
	var active *state.LedgerEntry
	for i := range sess.Ledger {
		if sess.Ledger[i].Status == state.StatusProposed {
			active = &sess.Ledger[i]
		}
	}
	if active == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Cycle %d, state %s.\nHypothesis: %s\n", active.CycleID, sess.PRP.State, active.Hypothesis)
	if active.Strategy != "" {
		fmt.Fprintf(&sb, "Strategy: %s\n", active.Strategy)
	}
	if len(sess.RequiredArtifacts) > 0 {
		fmt.Fprintf(&sb, "Required artifacts: %s\n", strings.Join(sess.RequiredArtifacts, ", "))
	}
	return sb.String()
}

func wantsFinalReview(resp *llm.Response) bool {
	for _, tc := range resp.ToolCalls {
		if tc.Name == FinalReviewToolName {
			return true
		}
	}
	return false
}

// artifactsSatisfied checks every demanded artifact is mentioned by a tool
// message produced since the demand was attached.
func artifactsSatisfied(sess *state.SessionState) bool {
	for _, artifact := range sess.RequiredArtifacts {
		found := false
		for _, m := range sess.Messages {
			if m.Role == state.RoleTool && strings.Contains(m.Content, artifact) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
