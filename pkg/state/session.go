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
package state

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateSegment is returned when a segment id is reused for a new segment.
var ErrDuplicateSegment = errors.New("duplicate segment id")

// ErrSummaryExists is returned on attempts to add a second
// conversation-summary segment.
var ErrSummaryExists = errors.New("conversation-summary segment already exists")

// SessionState is the complete durable state of one logical session. It is
// owned by the runtime loop holding the session lock; components receive a
// reference and mutate through the accessors below.
type SessionState struct {
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id,omitempty"`

	Messages []Message        `json:"messages,omitempty"`
	Segments []ContextSegment `json:"segments,omitempty"`

	PRP        PRPStatus        `json:"prp"`
	Ledger     []LedgerEntry    `json:"ledger,omitempty"`
	Critiques  []Critique       `json:"critiques,omitempty"`
	Exhaustion ExhaustionState  `json:"exhaustion"`
	Invariants InvariantState   `json:"invariants"`
	Autonomy   AutonomyCounters `json:"autonomy"`
	Workspace  WorkspaceState   `json:"workspace"`

	TokenUsage []CycleUsage `json:"token_usage,omitempty"`

	// LastTestResults is the most recent captured test run, used to gate
	// final-review requests and the test-after-rejection invariant.
	LastTestResults *TestResults `json:"last_test_results,omitempty"`

	// RequiredArtifacts carries the active skeptic trigger's artifact
	// demands. Serialized under the trigger contract's field name.
	RequiredArtifacts []string `json:"human_clone_requirements,omitempty"`

	// AckedStreamIDs is the dedupe set of mailbox entries already
	// processed for this session (at-least-once delivery).
	AckedStreamIDs []string `json:"acked_stream_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates the initial state for a session.
func New(sessionID string) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		SessionID: sessionID,
		PRP:       PRPStatus{State: StateHypothesize, InPRP: true},
		Exhaustion: ExhaustionState{
			Mode: ExhaustionNone,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendMessage appends to the conversation history.
func (s *SessionState) AppendMessage(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	s.Messages = append(s.Messages, m)
}

// Segment returns the segment with the given id, or nil.
func (s *SessionState) Segment(id string) *ContextSegment {
	for i := range s.Segments {
		if s.Segments[i].ID == id {
			return &s.Segments[i]
		}
	}
	return nil
}

// SegmentsByKind returns all segments of the given kind in set order.
func (s *SessionState) SegmentsByKind(kind SegmentKind) []ContextSegment {
	var out []ContextSegment
	for _, seg := range s.Segments {
		if seg.Kind == kind {
			out = append(out, seg)
		}
	}
	return out
}

// ConversationSummary returns the single summary segment, or nil.
func (s *SessionState) ConversationSummary() *ContextSegment {
	for i := range s.Segments {
		if s.Segments[i].Kind == KindConversationSummary {
			return &s.Segments[i]
		}
	}
	return nil
}

// AddSegment inserts a new segment. Segment ids must be unique, and at most
// one conversation-summary segment may exist at any time.
func (s *SessionState) AddSegment(seg ContextSegment) error {
	if seg.ID == "" {
		return fmt.Errorf("segment id must not be empty")
	}
	if s.Segment(seg.ID) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSegment, seg.ID)
	}
	if seg.Kind == KindConversationSummary && s.ConversationSummary() != nil {
		return ErrSummaryExists
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	if seg.LastUsedAt.IsZero() {
		seg.LastUsedAt = seg.CreatedAt
	}
	s.Segments = append(s.Segments, seg)
	return nil
}

// ReplaceSummary installs content as the conversation-summary segment,
// replacing any existing one. The summary is pinned at priority 10 and is
// never compression-eligible.
func (s *SessionState) ReplaceSummary(id, content string, tokenCount int) {
	now := time.Now().UTC()
	seg := ContextSegment{
		ID:                  id,
		Kind:                KindConversationSummary,
		Content:             content,
		TokenCount:          tokenCount,
		Priority:            10,
		CompressionEligible: false,
		CreatedAt:           now,
		LastUsedAt:          now,
	}
	for i := range s.Segments {
		if s.Segments[i].Kind == KindConversationSummary {
			s.Segments[i] = seg
			return
		}
	}
	s.Segments = append(s.Segments, seg)
}

// RemoveSegment deletes the segment with the given id. Returns false when
// absent.
func (s *SessionState) RemoveSegment(id string) bool {
	for i := range s.Segments {
		if s.Segments[i].ID == id {
			s.Segments = append(s.Segments[:i], s.Segments[i+1:]...)
			return true
		}
	}
	return false
}

// TouchSegment updates a segment's last-used time.
func (s *SessionState) TouchSegment(id string, at time.Time) {
	if seg := s.Segment(id); seg != nil {
		seg.LastUsedAt = at
	}
}

// SegmentTokens returns the total token count across all segments.
func (s *SessionState) SegmentTokens() int {
	total := 0
	for _, seg := range s.Segments {
		total += seg.TokenCount
	}
	return total
}

// LedgerEntryByCycle returns the ledger entry for the given cycle, or nil.
func (s *SessionState) LedgerEntryByCycle(cycleID int) *LedgerEntry {
	for i := range s.Ledger {
		if s.Ledger[i].CycleID == cycleID {
			return &s.Ledger[i]
		}
	}
	return nil
}

// MarkAcked records a mailbox stream id as processed for this session.
func (s *SessionState) MarkAcked(streamID string) {
	if s.IsAcked(streamID) {
		return
	}
	s.AckedStreamIDs = append(s.AckedStreamIDs, streamID)
}

// IsAcked reports whether the stream id was already processed.
func (s *SessionState) IsAcked(streamID string) bool {
	for _, id := range s.AckedStreamIDs {
		if id == streamID {
			return true
		}
	}
	return false
}

// RecordViolation appends to the invariant violation log.
func (s *SessionState) RecordViolation(kind, detail string) {
	s.Invariants.ViolationLog = append(s.Invariants.ViolationLog, Violation{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Detail:    detail,
	})
}

// SetExhaustion updates the exhaustion mode, logging a recovery action when
// the mode changed. Returns true when the mode changed.
func (s *SessionState) SetExhaustion(mode ExhaustionMode, probability float64, action string) bool {
	prev := s.Exhaustion.Mode
	s.Exhaustion.Probability = probability
	if prev == mode {
		return false
	}
	s.Exhaustion.Mode = mode
	s.Exhaustion.RecoveryLog = append(s.Exhaustion.RecoveryLog, RecoveryAction{
		Timestamp: time.Now().UTC(),
		FromMode:  prev,
		ToMode:    mode,
		Action:    action,
	})
	return true
}

// AddUsage accumulates token usage for a cycle.
func (s *SessionState) AddUsage(cycleID, input, output int) {
	for i := range s.TokenUsage {
		if s.TokenUsage[i].CycleID == cycleID {
			s.TokenUsage[i].InputTokens += input
			s.TokenUsage[i].OutputTokens += output
			return
		}
	}
	s.TokenUsage = append(s.TokenUsage, CycleUsage{
		CycleID:      cycleID,
		InputTokens:  input,
		OutputTokens: output,
	})
}

// RecordTestResults captures a test run. Running tests discharges the
// test-after-rejection obligation whatever the outcome.
func (s *SessionState) RecordTestResults(r TestResults) {
	if r.RanAt.IsZero() {
		r.RanAt = time.Now().UTC()
	}
	s.LastTestResults = &r
	s.Invariants.NeedsTestAfterRejection = false
}

// TestsPassing reports whether the last captured test run was green.
func (s *SessionState) TestsPassing() bool {
	return s.LastTestResults != nil && s.LastTestResults.Failed == 0 && s.LastTestResults.Passed > 0
}

// PushSnapshot appends a snapshot record, keeping at most retention entries
// by dropping the oldest.
func (s *SessionState) PushSnapshot(rec SnapshotRecord, retention int) {
	s.Workspace.Snapshots = append(s.Workspace.Snapshots, rec)
	if retention > 0 && len(s.Workspace.Snapshots) > retention {
		s.Workspace.Snapshots = s.Workspace.Snapshots[len(s.Workspace.Snapshots)-retention:]
	}
}
