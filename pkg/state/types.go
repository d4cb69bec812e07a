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
// Package state defines the durable per-session runtime state: conversation,
// engineered context segments, refinement ledger, invariants and workspace
// history. Every field survives checkpoint round-trips; enums serialize as
// canonical strings.
package state

import (
	"time"
)

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one entry in the ordered conversation history.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SegmentKind categorizes a context segment.
type SegmentKind string

const (
	KindConversationSummary SegmentKind = "conversation-summary"
	KindCodeSearch          SegmentKind = "code-search"
	KindToolOutput          SegmentKind = "tool-output"
	KindSkills              SegmentKind = "skills"
	KindDocs                SegmentKind = "docs"
	KindPlan                SegmentKind = "plan"
	KindOther               SegmentKind = "other"
)

// ContextSegment is a unit of engineered context. The session's segment set
// is the single source of truth for everything injected beyond raw history.
type ContextSegment struct {
	ID                  string      `json:"id"`
	Kind                SegmentKind `json:"kind"`
	Content             string      `json:"content"`
	TokenCount          int         `json:"token_count"`
	Priority            int         `json:"priority"` // 1..10
	CompressionEligible bool        `json:"compression_eligible"`
	RestorableReference string      `json:"restorable_reference,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	LastUsedAt          time.Time   `json:"last_used_at"`
}

// PRPState is one of the five refinement protocol states.
type PRPState string

const (
	StateHypothesize PRPState = "HYPOTHESIZE"
	StateExecute     PRPState = "EXECUTE"
	StateTest        PRPState = "TEST"
	StateConclude    PRPState = "CONCLUDE"
	StatePropose     PRPState = "PROPOSE"
)

// ExhaustionMode tags why the runtime cannot progress.
type ExhaustionMode string

const (
	ExhaustionNone                ExhaustionMode = "none"
	ExhaustionContextSaturation   ExhaustionMode = "context_saturation"
	ExhaustionRetryDepletion      ExhaustionMode = "retry_depletion"
	ExhaustionToolBackpressure    ExhaustionMode = "tool_backpressure"
	ExhaustionLLMStop             ExhaustionMode = "llm_stop"
	ExhaustionTestFailure         ExhaustionMode = "test_failure"
	ExhaustionHypothesisExhausted ExhaustionMode = "hypothesis_exhausted"
	ExhaustionPredicted           ExhaustionMode = "predicted_exhaustion"
)

// ValidExhaustionMode reports whether m is a known mode.
func ValidExhaustionMode(m ExhaustionMode) bool {
	switch m {
	case ExhaustionNone, ExhaustionContextSaturation, ExhaustionRetryDepletion,
		ExhaustionToolBackpressure, ExhaustionLLMStop, ExhaustionTestFailure,
		ExhaustionHypothesisExhausted, ExhaustionPredicted:
		return true
	}
	return false
}

// LedgerStatus is the lifecycle status of a ledger entry.
type LedgerStatus string

const (
	StatusProposed  LedgerStatus = "proposed"
	StatusSucceeded LedgerStatus = "succeeded"
	StatusFailed    LedgerStatus = "failed"
	StatusRejected  LedgerStatus = "rejected"
)

// TestResults captures the outcome of a test run (suite or property).
type TestResults struct {
	Passed  int       `json:"passed"`
	Failed  int       `json:"failed"`
	Suite   string    `json:"suite,omitempty"`
	Details string    `json:"details,omitempty"`
	RanAt   time.Time `json:"ran_at"`
}

// CausalLink is an inferred dependency edge between ledger cycles.
type CausalLink struct {
	From       int     `json:"from"`
	To         int     `json:"to"`
	Confidence float64 `json:"confidence"`
}

// LedgerEvent snapshots an entry mutation. Concluding a cycle appends one
// carrying the concluded fields, so every mutation stays auditable after
// the fact.
type LedgerEvent struct {
	Timestamp         time.Time      `json:"timestamp"`
	Event             string         `json:"event"`
	Status            LedgerStatus   `json:"status,omitempty"`
	OutcomeSummary    string         `json:"outcome_summary,omitempty"`
	ExhaustionTrigger ExhaustionMode `json:"exhaustion_trigger,omitempty"`
	TestResults       *TestResults   `json:"test_results,omitempty"`
}

// LedgerEntry is one hypothesis cycle in the append-only refinement ledger.
// Only Status, OutcomeSummary and TestResults may be mutated, and only by
// the conclude step of the entry's own cycle.
type LedgerEntry struct {
	CycleID                     int            `json:"cycle_id"`
	Timestamp                   time.Time      `json:"timestamp"`
	Hypothesis                  string         `json:"hypothesis"`
	Status                      LedgerStatus   `json:"status"`
	OutcomeSummary              string         `json:"outcome_summary,omitempty"`
	ExhaustionTrigger           ExhaustionMode `json:"exhaustion_trigger,omitempty"`
	TestResults                 *TestResults   `json:"test_results,omitempty"`
	Strategy                    string         `json:"strategy,omitempty"`
	NoveltyScore                float64        `json:"novelty_score"`
	Dependencies                []int          `json:"dependencies,omitempty"`
	PredictedSuccessProbability float64        `json:"predicted_success_probability"`
	CausalLinks                 []CausalLink   `json:"causal_links,omitempty"`
	Differentiation             string         `json:"differentiation,omitempty"`
	History                     []LedgerEvent  `json:"history,omitempty"`
}

// CritiqueSeverity grades a skepticism challenge.
type CritiqueSeverity string

const (
	SeverityLow    CritiqueSeverity = "low"
	SeverityMedium CritiqueSeverity = "medium"
	SeverityHigh   CritiqueSeverity = "high"
)

// Critique is a structured skepticism challenge in the backlog.
type Critique struct {
	Category     string           `json:"category"`
	Severity     CritiqueSeverity `json:"severity"`
	Rationale    string           `json:"rationale"`
	DerivedTests []string         `json:"derived_tests,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// RecoveryAction records an exhaustion mode change and the action taken.
type RecoveryAction struct {
	Timestamp time.Time      `json:"timestamp"`
	FromMode  ExhaustionMode `json:"from_mode"`
	ToMode    ExhaustionMode `json:"to_mode"`
	Action    string         `json:"action"`
}

// ExhaustionState tracks the current exhaustion diagnosis.
type ExhaustionState struct {
	Mode        ExhaustionMode   `json:"mode"`
	Probability float64          `json:"probability"`
	RecoveryLog []RecoveryAction `json:"recovery_log,omitempty"`
}

// Violation records an invariant breach for telemetry.
type Violation struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// InvariantState carries the per-cycle refinement gates.
type InvariantState struct {
	NeedsTestAfterRejection bool        `json:"needs_test_after_rejection"`
	ContextUpdatedInCycle   bool        `json:"context_updated_in_cycle"`
	SkepticismGateSatisfied bool        `json:"skepticism_gate_satisfied"`
	ViolationLog            []Violation `json:"violation_log,omitempty"`
}

// AutonomyCounters track false stops and skepticism challenges.
type AutonomyCounters struct {
	FalseStopEvents      int  `json:"false_stop_events"`
	FalseStopPending     bool `json:"false_stop_pending"`
	FalseStopMitigated   int  `json:"false_stop_mitigated"`
	SkepticismChallenges int  `json:"skepticism_challenges"`
}

// ManifestEntry describes one file inside a workspace snapshot.
type ManifestEntry struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// SnapshotRecord describes a workspace snapshot archive.
type SnapshotRecord struct {
	ID                string          `json:"id"`
	Timestamp         time.Time       `json:"timestamp"`
	ArchiveRef        string          `json:"archive_ref"`
	Manifest          []ManifestEntry `json:"manifest"`
	AggregateChecksum string          `json:"aggregate_checksum"`
	Reason            string          `json:"reason"`
}

// WorkspaceState holds the workspace descriptor and bounded snapshot history.
type WorkspaceState struct {
	Root      string           `json:"root,omitempty"`
	Snapshots []SnapshotRecord `json:"snapshots,omitempty"`
}

// CycleUsage is per-cycle token accounting.
type CycleUsage struct {
	CycleID      int `json:"cycle_id"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// PRPStatus is the state machine's durable position.
type PRPStatus struct {
	State      PRPState `json:"state"`
	CycleCount int      `json:"cycle_count"`
	InPRP      bool     `json:"in_prp"`
}
