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
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/engine"
	"github.com/quadracode/quadracode/pkg/fabric"
	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/skeptic"
	"github.com/quadracode/quadracode/pkg/state"
)

// handle runs one inbound envelope through the full turn. The returned
// error is fatal (persistent checkpoint failure); everything else maps to a
// disposition.
func (l *Loop) handle(ctx context.Context, entry fabric.Entry) (fabric.Disposition, string, error) {
	env := entry.Envelope
	if env.Payload.Malformed() {
		if entry.Deliveries >= l.poisonMaxReads() {
			l.emitter.Emit(observability.StreamAutonomousEvents, "dead_letter", "", map[string]interface{}{
				"stream_id": entry.StreamID,
				"reason":    "poison_payload",
			})
			return fabric.DispositionDeadLetter, "poison_payload", nil
		}
		return fabric.DispositionRetry, "poison_payload", nil
	}

	sessionID := env.Payload.SessionID
	release := l.locks.Acquire(sessionID)
	defer release()

	st, err := l.store.Get(ctx, sessionID)
	if err != nil {
		l.logger.Warn("checkpoint read failed", zap.String("session_id", sessionID), zap.Error(err))
		return fabric.DispositionRetry, "checkpoint_read_failed", nil
	}
	if st == nil {
		st = state.New(sessionID)
		st.ThreadID = env.Payload.ThreadID
	}

	// Crash between put and ack replays the envelope; the dedupe set makes
	// the replay a no-op beyond re-acking.
	if st.IsAcked(entry.StreamID) {
		return fabric.DispositionAck, "duplicate", nil
	}

	if env.Sender == fabric.RecipientSkeptic {
		disp, reason, done := l.applySkepticInbound(st, entry)
		if done {
			if disp == fabric.DispositionAck {
				st.MarkAcked(entry.StreamID)
				if err := l.persist(ctx, st); err != nil {
					return 0, "", fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
				}
			}
			return disp, reason, nil
		}
	} else {
		st.AppendMessage(state.Message{Role: state.RoleUser, Content: env.Message})
	}

	l.applyBackpressure(ctx, st)

	pre, err := l.engine.PreProcess(ctx, st)
	if err != nil {
		l.logger.Warn("pre_process failed", zap.String("session_id", sessionID), zap.Error(err))
		return fabric.DispositionRetry, "pre_process_failed", nil
	}
	if l.recorder != nil {
		l.recorder.LogStage(st, "pre_process", map[string]interface{}{
			"total_tokens": pre.TotalTokens,
			"compressed":   pre.Compressed,
		}, nil)
	}

	l.inviteRehypothesize(st)

	outline, err := l.engine.GovernContext(ctx, st)
	if err != nil {
		return fabric.DispositionRetry, "govern_context_failed", nil
	}

	drive, err := l.engine.Drive(ctx, st, l.basePrompt, outline, l.tools)
	if err != nil {
		// LLM failure aborts the turn without commit: the envelope is
		// redelivered on the next read.
		l.logger.Warn("driver failed", zap.String("session_id", sessionID), zap.Error(err))
		return fabric.DispositionRetry, "driver_failed", nil
	}
	if l.recorder != nil {
		l.recorder.LogStage(st, "driver", map[string]interface{}{
			"stop_reason": drive.Response.StopReason,
			"tool_calls":  len(drive.Response.ToolCalls),
			"false_stop":  drive.FalseStop,
		}, nil)
	}

	responses := l.runTools(ctx, st, drive)
	if len(responses) > 0 {
		if _, err := l.engine.PostProcess(ctx, st, responses); err != nil {
			return fabric.DispositionRetry, "post_process_failed", nil
		}
	}

	l.advance(st, len(responses))

	if err := l.publishOutbound(ctx, st, drive); err != nil {
		l.logger.Warn("outbound publish failed", zap.String("session_id", sessionID), zap.Error(err))
		return fabric.DispositionRetry, "publish_failed", nil
	}

	st.MarkAcked(entry.StreamID)
	if err := l.persist(ctx, st); err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}

	l.emitTurn(st, drive)
	return fabric.DispositionAck, "", nil
}

// applySkepticInbound parses and applies a skeptic trigger. done=true means
// the turn is decided (malformed trigger or rejected transition); done=false
// continues the pipeline on the rewritten conversation.
func (l *Loop) applySkepticInbound(st *state.SessionState, entry fabric.Entry) (fabric.Disposition, string, bool) {
	trig, err := skeptic.ParseTrigger(entry.Envelope.Message)
	if err != nil {
		if !errors.Is(err, skeptic.ErrMalformedTrigger) {
			l.logger.Warn("skeptic trigger parse failed", zap.Error(err))
		}
		// A dead-lettered trigger never forces a PRP transition.
		if entry.Deliveries >= l.poisonMaxReads() {
			l.emitter.Emit(observability.StreamAutonomousEvents, "dead_letter", st.SessionID, map[string]interface{}{
				"stream_id": entry.StreamID,
				"reason":    "malformed_skeptic_trigger",
			})
			return fabric.DispositionDeadLetter, "malformed_skeptic_trigger", true
		}
		return fabric.DispositionRetry, "malformed_skeptic_trigger", true
	}

	if l.skeptic == nil {
		return fabric.DispositionAck, "no_skeptic_handler", true
	}
	rewrite, err := l.skeptic.Apply(st, trig)
	if err != nil {
		// Transition rejected (not in PROPOSE under strict): consume the
		// trigger without forcing state.
		l.logger.Warn("skeptic trigger rejected",
			zap.String("session_id", st.SessionID),
			zap.String("prp_state", string(st.PRP.State)),
			zap.Error(err))
		return fabric.DispositionAck, "skeptic_trigger_rejected", true
	}
	st.Messages = append(st.Messages, rewrite.Messages...)

	l.snapshotFor(st, "skeptic_rejection")
	if l.recorder != nil {
		l.recorder.LogTransition(st, "skeptic_rejection", map[string]interface{}{
			"required_artifacts": trig.RequiredArtifacts,
		}, nil)
	}
	return 0, "", false
}

// runTools executes the driver's tool calls in order. Tool failures become
// tool output; they never abort the turn.
func (l *Loop) runTools(ctx context.Context, st *state.SessionState, drive *engine.DriveResult) []engine.ToolResponse {
	if l.executor == nil || drive.Response == nil {
		return nil
	}
	var out []engine.ToolResponse
	for _, call := range drive.Response.ToolCalls {
		if call.Name == engine.FinalReviewToolName {
			continue
		}
		output, err := l.executor.Execute(ctx, st, call)
		if err != nil {
			output = "tool error: " + err.Error()
		}
		if l.recorder != nil {
			l.recorder.LogTool(st, call.Name, map[string]interface{}{
				"tool_call_id": call.ID,
			})
		}
		out = append(out, engine.ToolResponse{ToolName: call.Name, ToolCallID: call.ID, Content: output})
	}
	return out
}

// inviteRehypothesize offers EXECUTE→HYPOTHESIZE before the driver call
// when the predictor has raised predicted_exhaustion. The machine may
// still decline; the invite is never forced.
func (l *Loop) inviteRehypothesize(st *state.SessionState) {
	if l.machine == nil {
		return
	}
	if st.Exhaustion.Mode != state.ExhaustionPredicted || st.PRP.State != state.StateExecute {
		return
	}
	if err := l.machine.Transition(st, state.StateHypothesize); err != nil {
		l.logger.Debug("rehypothesize invite declined",
			zap.String("session_id", st.SessionID),
			zap.Error(err))
		return
	}
	if l.recorder != nil && st.PRP.State == state.StateHypothesize {
		l.recorder.LogTransition(st, "EXECUTE->HYPOTHESIZE", map[string]interface{}{
			"trigger":     "predicted_exhaustion",
			"probability": st.Exhaustion.Probability,
		}, nil)
	}
}

// advance attempts the natural next PRP transition for the turn's outcome.
// Guard rejections defer, they do not fail the turn.
func (l *Loop) advance(st *state.SessionState, toolRuns int) {
	if l.machine == nil {
		return
	}
	var target state.PRPState
	switch st.PRP.State {
	case state.StateHypothesize:
		if hasActiveProposal(st) {
			target = state.StateExecute
		}
	case state.StateExecute:
		if toolRuns > 0 {
			target = state.StateTest
		}
	case state.StateTest:
		if st.LastTestResults != nil {
			target = state.StateConclude
		}
	case state.StateConclude:
		target = state.StatePropose
	}
	if target == "" {
		return
	}
	from := st.PRP.State
	if err := l.machine.Transition(st, target); err != nil {
		l.logger.Debug("transition deferred",
			zap.String("session_id", st.SessionID),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.Error(err))
		return
	}
	if l.recorder != nil && st.PRP.State == target {
		l.recorder.LogTransition(st, string(from)+"->"+string(target), nil, nil)
	}
}

func hasActiveProposal(st *state.SessionState) bool {
	for _, e := range st.Ledger {
		if e.Status == state.StatusProposed {
			return true
		}
	}
	return false
}

// publishOutbound routes the driver result. A false stop carries a
// structured skeptic trigger as the message body.
func (l *Loop) publishOutbound(ctx context.Context, st *state.SessionState, drive *engine.DriveResult) error {
	if drive.RouteTo == "" {
		return nil
	}
	message := drive.Response.Content
	if drive.FalseStop {
		message = l.falseStopTrigger(st)
	}
	out := fabric.NewEnvelope(l.self, drive.RouteTo, message, fabric.Payload{
		SessionID: st.SessionID,
		ThreadID:  st.ThreadID,
		ReplyTo:   l.self,
	})
	_, err := l.mailbox.Publish(ctx, drive.RouteTo, out)
	return err
}

// falseStopTrigger renders the trigger the skeptic consumes when a final
// review was requested without evidence.
func (l *Loop) falseStopTrigger(st *state.SessionState) string {
	mode := st.Exhaustion.Mode
	if mode == "" {
		mode = state.ExhaustionNone
	}
	data, err := json.Marshal(map[string]interface{}{
		"cycle_iteration":    st.PRP.CycleCount,
		"exhaustion_mode":    string(mode),
		"required_artifacts": []string{"test_results"},
		"rationale":          "final review requested without passing tests or demanded artifacts",
	})
	if err != nil {
		return "false stop intercepted"
	}
	return string(data)
}

// applyBackpressure raises tool_backpressure when the inbox outgrows the
// configured depth, and clears it once drained.
func (l *Loop) applyBackpressure(ctx context.Context, st *state.SessionState) {
	limit := int64(l.cfg.Runtime.BackpressureDepth)
	if limit <= 0 {
		return
	}
	depth, err := l.mailbox.Len(ctx, l.self)
	if err != nil {
		return
	}
	if depth > limit {
		prob := float64(depth) / float64(2*limit)
		if prob > 1 {
			prob = 1
		}
		st.SetExhaustion(state.ExhaustionToolBackpressure, prob, "drain_mailbox")
	} else if st.Exhaustion.Mode == state.ExhaustionToolBackpressure {
		st.SetExhaustion(state.ExhaustionNone, 0, "mailbox_drained")
	}
}

// persist writes the checkpoint with bounded backoff. Exhausting the
// retries is the loop's fatal condition.
func (l *Loop) persist(ctx context.Context, st *state.SessionState) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		return l.store.Put(ctx, st.SessionID, st)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
}

// snapshotFor records a workspace snapshot against the session, when
// workspace integrity is wired.
func (l *Loop) snapshotFor(st *state.SessionState, reason string) {
	if l.snaps == nil || l.cfg.Workspace.Root == "" {
		return
	}
	rec, err := l.snaps.Snapshot(l.cfg.Workspace.Root, reason)
	if err != nil {
		l.logger.Warn("workspace snapshot failed",
			zap.String("session_id", st.SessionID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	l.snaps.Record(st, rec)
	if l.recorder != nil {
		l.recorder.LogSnapshot(st, reason, map[string]interface{}{
			"snapshot_id": rec.ID,
		})
	}
}

// validateOnExhaustion is the workspace integrity hook fired by
// post_process when the exhaustion mode changes: the tree is checked
// against the session's latest snapshot, and drift is either restored
// (auto_restore) or reported and left in place. A session with no
// snapshot yet gets its baseline recorded instead.
func (l *Loop) validateOnExhaustion(st *state.SessionState) {
	if l.snaps == nil || l.cfg.Workspace.Root == "" {
		return
	}
	snaps := st.Workspace.Snapshots
	if len(snaps) == 0 {
		l.snapshotFor(st, "exhaustion_"+string(st.Exhaustion.Mode))
		return
	}
	ref := snaps[len(snaps)-1]

	ok, drift, err := l.snaps.Validate(l.cfg.Workspace.Root, ref)
	if err != nil {
		l.logger.Warn("workspace validation failed",
			zap.String("session_id", st.SessionID),
			zap.String("snapshot_id", ref.ID),
			zap.Error(err))
		return
	}
	if ok {
		return
	}

	l.emitter.Emit(observability.StreamAutonomousEvents, "workspace_drift", st.SessionID, map[string]interface{}{
		"snapshot_id":     ref.ID,
		"exhaustion_mode": string(st.Exhaustion.Mode),
		"drift_paths":     drift,
	})
	if !l.cfg.Workspace.AutoRestore {
		l.logger.Warn("workspace drift detected",
			zap.String("session_id", st.SessionID),
			zap.String("snapshot_id", ref.ID),
			zap.Strings("drift_paths", drift))
		return
	}

	if err := l.snaps.Restore(l.cfg.Workspace.Root, ref); err != nil {
		l.logger.Error("workspace restore failed",
			zap.String("session_id", st.SessionID),
			zap.String("snapshot_id", ref.ID),
			zap.Error(err))
		return
	}
	l.emitter.Emit(observability.StreamAutonomousEvents, "workspace_restored", st.SessionID, map[string]interface{}{
		"snapshot_id": ref.ID,
		"drift_paths": drift,
	})
	if l.recorder != nil {
		l.recorder.LogSnapshot(st, "workspace_restored", map[string]interface{}{
			"snapshot_id": ref.ID,
			"drift_paths": drift,
		})
	}
}

func (l *Loop) poisonMaxReads() int {
	if n := l.cfg.Fabric.PoisonMaxReads; n > 0 {
		return n
	}
	return 3
}

// emitTurn publishes the session-level turn summary.
func (l *Loop) emitTurn(st *state.SessionState, drive *engine.DriveResult) {
	l.emitter.Emit(observability.StreamAutonomousEvents, "session_turn", st.SessionID, map[string]interface{}{
		"prp_state":             string(st.PRP.State),
		"cycle_count":           st.PRP.CycleCount,
		"exhaustion_mode":       string(st.Exhaustion.Mode),
		"input_tokens":          drive.Response.Usage.InputTokens,
		"output_tokens":         drive.Response.Usage.OutputTokens,
		"false_stop_events":     st.Autonomy.FalseStopEvents,
		"skepticism_challenges": st.Autonomy.SkepticismChallenges,
		"route_to":              drive.RouteTo,
	})
}
