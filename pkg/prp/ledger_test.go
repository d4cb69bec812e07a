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

	"github.com/quadracode/quadracode/pkg/state"
)

func TestProposeAssignsNoveltyAndCycleID(t *testing.T) {
	m, _ := strictMachine(t)
	sess := state.New("s1")

	id1, err := m.ProposeHypothesis(sess, Proposal{Hypothesis: "cache invalidation is stale", Strategy: "inspect-cache"})
	require.NoError(t, err)
	assert.Equal(t, 1, id1)
	assert.InDelta(t, 1.0, sess.Ledger[0].NoveltyScore, 0.001)

	id2, err := m.ProposeHypothesis(sess, Proposal{Hypothesis: "a race in writer pool teardown", Strategy: "add-locking"})
	require.NoError(t, err)
	assert.Equal(t, 2, id2)
	// Fully disjoint token sets keep novelty at 1.
	assert.InDelta(t, 1.0, sess.Ledger[1].NoveltyScore, 0.001)
}

func TestNoveltyBlockRequiresDifferentiation(t *testing.T) {
	m, _ := strictMachine(t)
	sess := state.New("s1")

	id, err := m.ProposeHypothesis(sess, Proposal{Hypothesis: "the cache returns stale entries after eviction", Strategy: "inspect-cache"})
	require.NoError(t, err)
	require.NoError(t, m.ConcludeHypothesis(sess, id, state.StatusFailed, "no stale entries observed", nil))

	// Near-identical restatement of a failed hypothesis with the same
	// strategy is blocked.
	_, err = m.ProposeHypothesis(sess, Proposal{Hypothesis: "the cache returns stale entries after an eviction", Strategy: "inspect-cache"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoveltyBlocked)
	assert.Len(t, sess.Ledger, 1)

	// A differentiation note overrides the block and is persisted.
	id2, err := m.ProposeHypothesis(sess, Proposal{
		Hypothesis:      "the cache returns stale entries after an eviction",
		Strategy:        "inspect-cache",
		Differentiation: "this time probing the eviction callback ordering",
	})
	require.NoError(t, err)
	entry := sess.LedgerEntryByCycle(id2)
	require.NotNil(t, entry)
	assert.NotEmpty(t, entry.Differentiation)

	// Same restatement under a different strategy is not blocked.
	_, err = m.ProposeHypothesis(sess, Proposal{Hypothesis: "the cache returns stale entries after an eviction", Strategy: "bisect-commits"})
	require.NoError(t, err)
}

func TestPredictedProbabilityTracksNoveltyAndHistory(t *testing.T) {
	m, _ := strictMachine(t)
	sess := state.New("s1")

	// No history: pure novelty multiplier against the 0.5 prior.
	id, err := m.ProposeHypothesis(sess, Proposal{Hypothesis: "indexing misses composite keys", Strategy: "s"})
	require.NoError(t, err)
	first := sess.LedgerEntryByCycle(id)
	assert.InDelta(t, 0.5, first.PredictedSuccessProbability, 0.001)

	require.NoError(t, m.ConcludeHypothesis(sess, id, state.StatusFailed, "index was fine", nil))

	// All history failed: probability drops below the prior.
	id2, err := m.ProposeHypothesis(sess, Proposal{Hypothesis: "the planner ignores the hint entirely", Strategy: "s"})
	require.NoError(t, err)
	second := sess.LedgerEntryByCycle(id2)
	assert.Less(t, second.PredictedSuccessProbability, first.PredictedSuccessProbability)
	assert.GreaterOrEqual(t, second.PredictedSuccessProbability, 0.05)
}

func TestConcludeExactlyOnce(t *testing.T) {
	m, _ := strictMachine(t)
	sess := state.New("s1")
	sess.Exhaustion.Mode = state.ExhaustionTestFailure

	id, err := m.ProposeHypothesis(sess, Proposal{Hypothesis: "flaky timer in retry loop", Strategy: "s"})
	require.NoError(t, err)

	results := &state.TestResults{Passed: 3, Failed: 1, Suite: "go test ./..."}
	require.NoError(t, m.ConcludeHypothesis(sess, id, state.StatusFailed, "retry loop is sound", results))

	entry := sess.LedgerEntryByCycle(id)
	assert.Equal(t, state.StatusFailed, entry.Status)
	assert.Equal(t, state.ExhaustionTestFailure, entry.ExhaustionTrigger)
	assert.Equal(t, results, entry.TestResults)

	// Concluding appends one snapshot event of the concluded fields.
	require.Len(t, entry.History, 1)
	assert.Equal(t, "concluded", entry.History[0].Event)
	assert.Equal(t, state.StatusFailed, entry.History[0].Status)
	assert.Equal(t, "retry loop is sound", entry.History[0].OutcomeSummary)
	assert.Equal(t, state.ExhaustionTestFailure, entry.History[0].ExhaustionTrigger)
	assert.Equal(t, results, entry.History[0].TestResults)

	err = m.ConcludeHypothesis(sess, id, state.StatusSucceeded, "second opinion", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyConcluded)
	assert.Equal(t, state.StatusFailed, entry.Status)
	assert.Len(t, entry.History, 1)

	err = m.ConcludeHypothesis(sess, 99, state.StatusFailed, "", nil)
	assert.ErrorIs(t, err, ErrUnknownCycle)
}

func TestQueryPastFailures(t *testing.T) {
	m, _ := strictMachine(t)
	sess := state.New("s1")

	id1, _ := m.ProposeHypothesis(sess, Proposal{Hypothesis: "parser drops trailing newline", Strategy: "s1"})
	require.NoError(t, m.ConcludeHypothesis(sess, id1, state.StatusFailed, "newline preserved", nil))
	id2, _ := m.ProposeHypothesis(sess, Proposal{Hypothesis: "lexer mishandles unicode escape", Strategy: "s2"})
	require.NoError(t, m.ConcludeHypothesis(sess, id2, state.StatusSucceeded, "fixed", nil))
	id3, _ := m.ProposeHypothesis(sess, Proposal{Hypothesis: "emitter reorders map keys", Strategy: "s3"})
	require.NoError(t, m.ConcludeHypothesis(sess, id3, state.StatusRejected, "skeptic: no evidence", nil))

	all := m.QueryPastFailures(sess, "")
	assert.Len(t, all, 2)

	matched := m.QueryPastFailures(sess, "newline")
	require.Len(t, matched, 1)
	assert.Equal(t, id1, matched[0].CycleID)

	assert.Empty(t, m.QueryPastFailures(sess, "unicode"))
}

func TestInferCausalChain(t *testing.T) {
	m, _ := strictMachine(t)
	sess := state.New("s1")

	id1, _ := m.ProposeHypothesis(sess, Proposal{Hypothesis: "schema migration dropped a column", Strategy: "a"})
	require.NoError(t, m.ConcludeHypothesis(sess, id1, state.StatusSucceeded, "confirmed", nil))
	id2, _ := m.ProposeHypothesis(sess, Proposal{Hypothesis: "orm caches the old schema", Strategy: "b", Dependencies: []int{id1}})
	require.NoError(t, m.ConcludeHypothesis(sess, id2, state.StatusFailed, "cache was cold", nil))
	id3, _ := m.ProposeHypothesis(sess, Proposal{Hypothesis: "driver pins a stale prepared statement", Strategy: "c", Dependencies: []int{id1, id2}})

	links := m.InferCausalChain(sess, []int{id1, id2, id3})
	require.Len(t, links, 3)

	byEdge := map[[2]int]float64{}
	for _, l := range links {
		byEdge[[2]int{l.From, l.To}] = l.Confidence
	}
	assert.InDelta(t, causalSucceededPred, byEdge[[2]int{id1, id2}], 0.001)
	assert.InDelta(t, causalSucceededPred, byEdge[[2]int{id1, id3}], 0.001)
	assert.InDelta(t, causalFailedPred, byEdge[[2]int{id2, id3}], 0.001)

	// Edges are attached to the dependent entries.
	assert.Len(t, sess.LedgerEntryByCycle(id3).CausalLinks, 2)

	// Cycles outside the requested set contribute no edges.
	links = m.InferCausalChain(sess, []int{id2, id3})
	require.Len(t, links, 1)
	assert.Equal(t, id2, links[0].From)
}

func TestProposeEmptyHypothesis(t *testing.T) {
	m, _ := strictMachine(t)
	sess := state.New("s1")
	_, err := m.ProposeHypothesis(sess, Proposal{Hypothesis: "   "})
	require.Error(t, err)
}
