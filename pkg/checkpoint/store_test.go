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
package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quadracode/quadracode/pkg/state"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checkpoints.db")
		s, err := NewSQLiteStore(path, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func sampleState(sessionID string) *state.SessionState {
	st := state.New(sessionID)
	st.ThreadID = "thread-9"
	st.AppendMessage(state.Message{Role: state.RoleUser, Content: "investigate the flaky test"})
	_ = st.AddSegment(state.ContextSegment{
		ID: "seg-1", Kind: state.KindPlan, Content: "1. reproduce 2. bisect",
		TokenCount: 9, Priority: 7, CompressionEligible: true,
	})
	st.Ledger = append(st.Ledger, state.LedgerEntry{
		CycleID: 1, Timestamp: time.Now().UTC(),
		Hypothesis: "race in teardown", Status: state.StatusFailed,
		OutcomeSummary: "not reproducible under -race",
		TestResults:    &state.TestResults{Passed: 3, Failed: 2, RanAt: time.Now().UTC()},
		NoveltyScore:   1, PredictedSuccessProbability: 0.5,
	})
	st.MarkAcked("17-0")
	st.SetExhaustion(state.ExhaustionTestFailure, 0.2, "rerun")
	st.AddUsage(1, 1200, 240)
	return st
}

func TestGetUnknownSessionReturnsNil(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		st, err := s.Get(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, st)
	})
}

func TestPutGetRoundTrip(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		want := sampleState("sess-1")
		require.NoError(t, s.Put(ctx, "sess-1", want))

		got, err := s.Get(ctx, "sess-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, *want, *got)
	})
}

func TestPutReplaces(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := sampleState("sess-1")
		require.NoError(t, s.Put(ctx, "sess-1", first))

		second := sampleState("sess-1")
		second.PRP.State = state.StateExecute
		second.PRP.CycleCount = 3
		require.NoError(t, s.Put(ctx, "sess-1", second))

		got, err := s.Get(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, state.StateExecute, got.PRP.State)
		assert.Equal(t, 3, got.PRP.CycleCount)
	})
}

func TestListSessions(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"b", "a", "c"} {
			require.NoError(t, s.Put(ctx, id, state.New(id)))
		}
		ids, err := s.ListSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	s, err := NewSQLiteStore(path, logger)
	require.NoError(t, err)
	want := sampleState("durable")
	require.NoError(t, s.Put(ctx, "durable", want))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(path, logger)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, "durable")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *want, *got)
}
