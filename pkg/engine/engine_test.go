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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quadracode/quadracode/pkg/config"
	"github.com/quadracode/quadracode/pkg/fabric"
	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/state"
)

func testConfig() config.ContextConfig {
	return config.ContextConfig{
		ContextWindowMax:    100000,
		OptimalContextSize:  4000,
		MessagesBudgetRatio: 0.5,
		MinCompressCount:    6,
		RetentionCount:      2,
		MaxToolPayloadChars: 64,
		GovernorMaxSegments: 3,
		CriticalPriority:    9,
		LoaderBatchSize:     3,
	}
}

func newTestEngine(t *testing.T, cfg config.ContextConfig, mock *llm.Mock) (*Engine, *observability.Memory) {
	t.Helper()
	mem := observability.NewMemory()
	eng := New(cfg, Options{
		Provider: mock,
		Emitter:  mem,
		Logger:   zaptest.NewLogger(t),
	})
	return eng, mem
}

func TestPreProcessCompressesLongHistory(t *testing.T) {
	mock := llm.NewMock()
	mock.Enqueue(&llm.Response{Content: "summary: fixed the parser, tests green", StopReason: "end_turn"})
	eng, mem := newTestEngine(t, testConfig(), mock)

	sess := state.New("sess-compress")
	for i := 0; i < 10; i++ {
		sess.AppendMessage(state.Message{Role: state.RoleUser, Content: fmt.Sprintf("message %d", i)})
	}

	res, err := eng.PreProcess(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, res.Compressed)
	assert.Len(t, sess.Messages, 2)

	summary := sess.ConversationSummary()
	require.NotNil(t, summary)
	assert.Equal(t, "summary: fixed the parser, tests green", summary.Content)
	assert.Equal(t, 10, summary.Priority)
	assert.False(t, summary.CompressionEligible)

	require.NotEmpty(t, mem.ByEvent("pre_process"))
}

func TestPreProcessSecondCompressionFoldsSummary(t *testing.T) {
	mock := llm.NewMock()
	mock.Enqueue(
		&llm.Response{Content: "first summary"},
		&llm.Response{Content: "merged summary"},
	)
	eng, _ := newTestEngine(t, testConfig(), mock)

	sess := state.New("sess-refold")
	for i := 0; i < 8; i++ {
		sess.AppendMessage(state.Message{Role: state.RoleUser, Content: fmt.Sprintf("round one %d", i)})
	}
	_, err := eng.PreProcess(context.Background(), sess)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		sess.AppendMessage(state.Message{Role: state.RoleUser, Content: fmt.Sprintf("round two %d", i)})
	}
	_, err = eng.PreProcess(context.Background(), sess)
	require.NoError(t, err)

	summary := sess.ConversationSummary()
	require.NotNil(t, summary)
	assert.Equal(t, "merged summary", summary.Content)

	// The second map step saw the first summary as prior context.
	var sawPrior bool
	for _, req := range mock.Requests() {
		for _, m := range req {
			if strings.Contains(m.Content, "Previous summary:") && strings.Contains(m.Content, "first summary") {
				sawPrior = true
			}
		}
	}
	assert.True(t, sawPrior)
}

func TestPreProcessCuratesOverBudget(t *testing.T) {
	cfg := testConfig()
	cfg.OptimalContextSize = 400 // segments budget 200
	mock := llm.NewMock()
	eng, _ := newTestEngine(t, cfg, mock)

	sess := state.New("sess-curate")
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "scratch", Kind: state.KindOther, Content: "scratch notes",
		TokenCount: 150, Priority: 1, CompressionEligible: true,
	}))
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "old-search", Kind: state.KindCodeSearch, Content: "func main() {}\nmatches in cmd",
		TokenCount: 150, Priority: 3, CompressionEligible: true,
	}))
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "pinned", Kind: state.KindPlan, Content: "the plan",
		TokenCount: 20, Priority: 8, CompressionEligible: false,
	}))

	res, err := eng.PreProcess(context.Background(), sess)
	require.NoError(t, err)
	require.NotEmpty(t, res.CuratorActions)

	assert.Equal(t, "scratch", res.CuratorActions[0].SegmentID)
	assert.Equal(t, ActionDiscard, res.CuratorActions[0].Kind)
	assert.Nil(t, sess.Segment("scratch"))
	assert.NotNil(t, sess.Segment("pinned"), "ineligible segments are retained")
}

func TestPreProcessSaturationAndRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.OptimalContextSize = 100
	mock := llm.NewMock()
	mock.Enqueue(&llm.Response{Content: "s"}) // compaction summary
	eng, _ := newTestEngine(t, cfg, mock)

	sess := state.New("sess-saturate")
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "big", Kind: state.KindDocs, Content: "docs", TokenCount: 500, Priority: 8,
	}))

	_, err := eng.PreProcess(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, state.ExhaustionContextSaturation, sess.Exhaustion.Mode)
	assert.Greater(t, sess.Exhaustion.Probability, 0.0)

	sess.Segment("big").TokenCount = 10
	_, err = eng.PreProcess(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, state.ExhaustionNone, sess.Exhaustion.Mode)
}

func TestLoaderDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.md"), []byte("always run the linter"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "style.md"), []byte("tabs, not spaces"), 0o644))

	loader := NewLoader(3, NewDirSource("skills", dir, state.KindSkills, PrioritySkills))
	sess := state.New("sess-load")

	loaded, err := loader.LoadNext(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"skills:review.md", "skills:style.md"}, loaded)

	seg := sess.Segment("skills:review.md")
	require.NotNil(t, seg)
	assert.Equal(t, PrioritySkills, seg.Priority)
	assert.True(t, seg.CompressionEligible)

	// A second visit loads nothing new.
	loaded, err = loader.LoadNext(context.Background(), sess)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestGovernContextGuarantees(t *testing.T) {
	cfg := testConfig()
	mock := llm.NewMock()
	eng, mem := newTestEngine(t, cfg, mock)

	sess := state.New("sess-govern")
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, sess.AddSegment(state.ContextSegment{
			ID:         fmt.Sprintf("seg-%d", i),
			Kind:       state.KindDocs,
			Content:    "content",
			TokenCount: 10,
			Priority:   i + 1,
			CreatedAt:  base,
			LastUsedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	// Critical segment with the lowest recency must still be included.
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "critical", Kind: state.KindPlan, Content: "plan",
		TokenCount: 10, Priority: 9, CreatedAt: base, LastUsedAt: base,
	}))

	outline, err := eng.GovernContext(context.Background(), sess)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(outline.OrderedSegmentIDs), cfg.GovernorMaxSegments)
	assert.Contains(t, outline.OrderedSegmentIDs, "critical")
	for _, id := range outline.OrderedSegmentIDs {
		require.NotNil(t, sess.Segment(id))
	}

	// Included segments got touched.
	touched := sess.Segment(outline.OrderedSegmentIDs[0])
	assert.True(t, touched.LastUsedAt.After(base))

	require.NotEmpty(t, mem.ByEvent("govern_context"))
}

func TestGovernContextEnforcesWindowBound(t *testing.T) {
	cfg := testConfig()
	cfg.ContextWindowMax = 100
	cfg.GovernorMaxSegments = 10
	mock := llm.NewMock()
	eng, mem := newTestEngine(t, cfg, mock)

	sess := state.New("sess-window")
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "pinned", Kind: state.KindPlan, Content: "plan", TokenCount: 40, Priority: 9,
	}))
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "huge", Kind: state.KindDocs, Content: "docs", TokenCount: 90, Priority: 8,
	}))
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "small", Kind: state.KindOther, Content: "notes", TokenCount: 30, Priority: 3,
	}))

	outline, err := eng.GovernContext(context.Background(), sess)
	require.NoError(t, err)

	// The critical segment claims the window first; the oversized segment
	// that would breach the bound is squeezed out.
	assert.Contains(t, outline.OrderedSegmentIDs, "pinned")
	assert.Contains(t, outline.OrderedSegmentIDs, "small")
	assert.NotContains(t, outline.OrderedSegmentIDs, "huge")

	total := 0
	for _, id := range outline.OrderedSegmentIDs {
		total += sess.Segment(id).TokenCount
	}
	assert.LessOrEqual(t, total, cfg.ContextWindowMax)

	events := mem.ByEvent("govern_context")
	require.NotEmpty(t, events)
	assert.Equal(t, 1, events[0].Payload["window_dropped"])
}

func TestDriveAppendsAssistantAndUsage(t *testing.T) {
	mock := llm.NewMock()
	mock.Enqueue(&llm.Response{
		Content:    "working on it",
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
	})
	eng, _ := newTestEngine(t, testConfig(), mock)

	sess := state.New("sess-drive")
	sess.AppendMessage(state.Message{Role: state.RoleUser, Content: "fix the bug"})

	res, err := eng.Drive(context.Background(), sess, "You are an autonomous engineer.", PromptOutline{}, nil)
	require.NoError(t, err)
	assert.False(t, res.FalseStop)
	assert.Empty(t, res.RouteTo)

	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, state.RoleAssistant, last.Role)
	assert.Equal(t, "working on it", last.Content)

	require.Len(t, sess.TokenUsage, 1)
	assert.Equal(t, 100, sess.TokenUsage[0].InputTokens)
	assert.Equal(t, 20, sess.TokenUsage[0].OutputTokens)

	// System prompt carries the base and the guidance footer.
	first := mock.LastRequest()[0]
	assert.Equal(t, "system", first.Role)
	assert.Contains(t, first.Content, "You are an autonomous engineer.")
	assert.Contains(t, first.Content, "ground truth")
}

func TestDriveFalseStopRoutesToSkeptic(t *testing.T) {
	mock := llm.NewMock()
	mock.Enqueue(&llm.Response{
		Content:    "done, please review",
		StopReason: "tool_use",
		ToolCalls:  []llm.ToolCall{{ID: "tc-1", Name: FinalReviewToolName}},
	})
	eng, mem := newTestEngine(t, testConfig(), mock)

	sess := state.New("sess-false-stop")
	sess.AppendMessage(state.Message{Role: state.RoleUser, Content: "implement it"})

	res, err := eng.Drive(context.Background(), sess, "base", PromptOutline{}, nil)
	require.NoError(t, err)
	assert.True(t, res.FalseStop)
	assert.Equal(t, fabric.RecipientSkeptic, res.RouteTo)
	assert.Equal(t, 1, sess.Autonomy.FalseStopEvents)
	assert.True(t, sess.Autonomy.FalseStopPending)
	assert.True(t, sess.Invariants.NeedsTestAfterRejection)
	require.Len(t, mem.ByEvent("false_stop"), 1)
}

func TestDriveLegitimateFinalReview(t *testing.T) {
	mock := llm.NewMock()
	mock.Enqueue(&llm.Response{
		Content:   "shipping",
		ToolCalls: []llm.ToolCall{{ID: "tc-2", Name: FinalReviewToolName}},
	})
	eng, _ := newTestEngine(t, testConfig(), mock)

	sess := state.New("sess-review")
	sess.RecordTestResults(state.TestResults{Passed: 12, Failed: 0, Suite: "unit"})
	sess.RequiredArtifacts = []string{"coverage.out"}
	sess.AppendMessage(state.Message{Role: state.RoleTool, ToolName: "run_tests", Content: "wrote coverage.out, 12 passed"})

	res, err := eng.Drive(context.Background(), sess, "base", PromptOutline{}, nil)
	require.NoError(t, err)
	assert.False(t, res.FalseStop)
	assert.Equal(t, fabric.RecipientHuman, res.RouteTo)
	assert.Equal(t, 0, sess.Autonomy.FalseStopEvents)
}

func TestDriveFinalReviewMissingArtifactIsFalseStop(t *testing.T) {
	mock := llm.NewMock()
	mock.Enqueue(&llm.Response{
		Content:   "shipping",
		ToolCalls: []llm.ToolCall{{ID: "tc-3", Name: FinalReviewToolName}},
	})
	eng, _ := newTestEngine(t, testConfig(), mock)

	sess := state.New("sess-artifact")
	sess.RecordTestResults(state.TestResults{Passed: 3, Failed: 0})
	sess.RequiredArtifacts = []string{"bench_results.txt"}

	res, err := eng.Drive(context.Background(), sess, "base", PromptOutline{}, nil)
	require.NoError(t, err)
	assert.True(t, res.FalseStop)
	assert.Equal(t, fabric.RecipientSkeptic, res.RouteTo)
}

func TestDriveInjectsGovernedSegments(t *testing.T) {
	mock := llm.NewMock()
	eng, _ := newTestEngine(t, testConfig(), mock)

	sess := state.New("sess-inject")
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "docs:api", Kind: state.KindDocs, Content: "the API returns 202 on enqueue", TokenCount: 10, Priority: 5,
	}))
	outline := PromptOutline{
		SystemBanner:      "Engineered context follows.",
		FocusSegmentID:    "docs:api",
		OrderedSegmentIDs: []string{"docs:api"},
	}

	_, err := eng.Drive(context.Background(), sess, "base", outline, nil)
	require.NoError(t, err)

	system := mock.LastRequest()[0].Content
	assert.Contains(t, system, "docs:api (focus)")
	assert.Contains(t, system, "the API returns 202 on enqueue")
}

func TestPostProcessNormalizesAndChallenges(t *testing.T) {
	eng, mem := newTestEngine(t, testConfig(), llm.NewMock())

	sess := state.New("sess-post")
	long := strings.Repeat("x", 200)

	res, err := eng.PostProcess(context.Background(), sess, []ToolResponse{
		{ToolName: "read_file", ToolCallID: "tc-1", Content: long},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Normalized)
	assert.True(t, res.ChallengeEmitted)
	assert.True(t, sess.Invariants.ContextUpdatedInCycle)
	assert.True(t, sess.Invariants.SkepticismGateSatisfied)
	assert.Equal(t, 1, sess.Autonomy.SkepticismChallenges)

	// Tool payload was truncated, challenge appended after it.
	require.Len(t, sess.Messages, 2)
	assert.Contains(t, sess.Messages[0].Content, "[truncated]")
	assert.Less(t, len(sess.Messages[0].Content), 200)
	assert.Equal(t, challengeToolName, sess.Messages[1].ToolName)
	require.Len(t, sess.Critiques, 1)
	assert.Equal(t, "evidence_challenge", sess.Critiques[0].Category)

	// Gate already satisfied: no second challenge this cycle.
	res, err = eng.PostProcess(context.Background(), sess, []ToolResponse{
		{ToolName: "grep", ToolCallID: "tc-2", Content: "3 matches"},
	})
	require.NoError(t, err)
	assert.False(t, res.ChallengeEmitted)
	assert.Equal(t, 1, sess.Autonomy.SkepticismChallenges)

	require.Len(t, mem.ByEvent("post_process"), 2)
}

func TestPostProcessCapturesTestResults(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(), llm.NewMock())

	var hookCalls int
	eng.OnExhaustionChanged = func(*state.SessionState) { hookCalls++ }

	sess := state.New("sess-tests")
	sess.Invariants.NeedsTestAfterRejection = true

	res, err := eng.PostProcess(context.Background(), sess, []ToolResponse{
		{ToolName: "run_tests", ToolCallID: "tc-1", Content: `{"passed": 4, "failed": 2, "suite": "unit"}`},
	})
	require.NoError(t, err)
	assert.True(t, res.TestsCaptured)
	assert.True(t, res.ExhaustionChanged)
	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, state.ExhaustionTestFailure, sess.Exhaustion.Mode)
	assert.False(t, sess.Invariants.NeedsTestAfterRejection, "running tests discharges the obligation")
	require.NotNil(t, sess.LastTestResults)
	assert.Equal(t, 2, sess.LastTestResults.Failed)

	// Green run recovers the mode and mitigates a pending false stop.
	sess.Autonomy.FalseStopPending = true
	res, err = eng.PostProcess(context.Background(), sess, []ToolResponse{
		{ToolName: "run_tests", ToolCallID: "tc-2", Content: `{"passed": 6, "failed": 0, "suite": "unit"}`},
	})
	require.NoError(t, err)
	assert.True(t, res.TestsCaptured)
	assert.Equal(t, state.ExhaustionNone, sess.Exhaustion.Mode)
	assert.Equal(t, 2, hookCalls)
	assert.False(t, sess.Autonomy.FalseStopPending)
	assert.Equal(t, 1, sess.Autonomy.FalseStopMitigated)
	assert.True(t, sess.TestsPassing())
}

func TestPostProcessIgnoresNonTestJSON(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(), llm.NewMock())
	sess := state.New("sess-nontest")

	res, err := eng.PostProcess(context.Background(), sess, []ToolResponse{
		{ToolName: "read_file", ToolCallID: "tc-1", Content: `{"path": "main.go", "lines": 40}`},
	})
	require.NoError(t, err)
	assert.False(t, res.TestsCaptured)
	assert.Nil(t, sess.LastTestResults)
}

func TestHeuristicScorerBounds(t *testing.T) {
	cfg := testConfig()
	scorer := NewHeuristicScorer(cfg)

	sess := state.New("sess-score")
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "a", Kind: state.KindDocs, Content: "alpha", TokenCount: 100, Priority: 5,
	}))
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "b", Kind: state.KindCodeSearch, Content: "beta", TokenCount: 100, Priority: 5,
	}))

	q, err := scorer.Score(context.Background(), sess)
	require.NoError(t, err)
	for name, v := range map[string]float64{
		"relevance": q.Relevance, "coherence": q.Coherence, "completeness": q.Completeness,
		"freshness": q.Freshness, "diversity": q.Diversity, "efficiency": q.Efficiency,
		"overall": q.Overall,
	} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
	assert.Equal(t, 1.0, q.Coherence, "distinct first lines")
}

func TestLLMCuratorFallsBackOnGarbage(t *testing.T) {
	cfg := testConfig()
	mock := llm.NewMock()
	mock.Enqueue(&llm.Response{Content: "I refuse to answer in JSON"})
	curator := NewLLMCurator(mock, cfg, zaptest.NewLogger(t))

	sess := state.New("sess-llm-curate")
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "junk", Kind: state.KindOther, Content: "junk", TokenCount: 300, Priority: 1, CompressionEligible: true,
	}))

	actions, err := curator.Curate(context.Background(), sess, 100)
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	assert.Equal(t, ActionDiscard, actions[0].Kind)
	assert.Nil(t, sess.Segment("junk"))
}

func TestLLMCuratorHonorsDecisions(t *testing.T) {
	cfg := testConfig()
	mock := llm.NewMock()
	mock.Enqueue(&llm.Response{Content: `{"junk": "discard", "keep": "retain"}`})
	curator := NewLLMCurator(mock, cfg, zaptest.NewLogger(t))

	sess := state.New("sess-llm-decisions")
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "junk", Kind: state.KindOther, Content: "junk", TokenCount: 300, Priority: 1, CompressionEligible: true,
	}))
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "keep", Kind: state.KindDocs, Content: "keep", TokenCount: 50, Priority: 3, CompressionEligible: true,
	}))

	actions, err := curator.Curate(context.Background(), sess, 100)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "junk", actions[0].SegmentID)
	assert.Nil(t, sess.Segment("junk"))
	assert.NotNil(t, sess.Segment("keep"))
}
