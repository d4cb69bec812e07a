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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/state"
)

// Four segments totaling 2600 tokens against a 1500 budget: the walk
// visits eligible segments in ascending priority and stops as soon as the
// projection fits, so only the lowest-priority segment is touched and the
// ineligible one survives verbatim.
func TestCurateWalksAscendingPriorityAndStopsAtBudget(t *testing.T) {
	cfg := testConfig()
	curator := NewHeuristicCurator(cfg, llm.NewMock(), zaptest.NewLogger(t))

	sess := state.New("sess-budget-walk")
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "search-a", Kind: state.KindCodeSearch, Content: "matches in pkg/parser",
		TokenCount: 500, Priority: 3, CompressionEligible: true,
	}))
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "plan-b", Kind: state.KindPlan, Content: "1. reproduce 2. bisect 3. fix",
		TokenCount: 700, Priority: 8, CompressionEligible: false,
	}))
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "docs-c", Kind: state.KindDocs, Content: "retry semantics of the queue",
		TokenCount: 200, Priority: 5, CompressionEligible: true,
	}))
	require.NoError(t, sess.AddSegment(state.ContextSegment{
		ID: "dump-d", Kind: state.KindToolOutput, Content: "verbose build log",
		TokenCount: 1200, Priority: 2, CompressionEligible: true,
	}))

	actions, err := curator.Curate(context.Background(), sess, 1500)
	require.NoError(t, err)

	// Dropping the 1200-token dump already fits the budget; nothing else
	// is visited.
	require.Len(t, actions, 1)
	assert.Equal(t, "dump-d", actions[0].SegmentID)
	assert.Equal(t, ActionDiscard, actions[0].Kind)
	assert.Equal(t, 1200, actions[0].Freed)

	assert.Nil(t, sess.Segment("dump-d"))
	assert.LessOrEqual(t, sess.SegmentTokens(), 1500)

	// The ineligible segment is untouched, and so are the eligible ones
	// the walk never reached.
	b := sess.Segment("plan-b")
	require.NotNil(t, b)
	assert.Equal(t, "1. reproduce 2. bisect 3. fix", b.Content)
	assert.Equal(t, 700, b.TokenCount)
	assert.Equal(t, "matches in pkg/parser", sess.Segment("search-a").Content)
	assert.Equal(t, 200, sess.Segment("docs-c").TokenCount)
}
