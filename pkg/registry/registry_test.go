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
package registry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func boolPtr(b bool) *bool { return &b }

func TestRegisterPreservesHotpath(t *testing.T) {
	s := NewStore(45*time.Second, zaptest.NewLogger(t))

	a := s.Register(RegisterRequest{AgentID: "dbg", Host: "127.0.0.1", Port: 9001, Hotpath: boolPtr(true)})
	assert.True(t, a.Hotpath)

	// Re-registration without the field keeps the flag.
	a = s.Register(RegisterRequest{AgentID: "dbg", Host: "127.0.0.1", Port: 9002})
	assert.True(t, a.Hotpath)
	assert.Equal(t, 9002, a.Port)

	// Explicit clear drops it.
	a = s.Register(RegisterRequest{AgentID: "dbg", Host: "127.0.0.1", Port: 9002, Hotpath: boolPtr(false)})
	assert.False(t, a.Hotpath)
}

func TestRegisterIdempotentKeepsRegisteredAt(t *testing.T) {
	s := NewStore(45*time.Second, zaptest.NewLogger(t))
	first := s.Register(RegisterRequest{AgentID: "w1", Host: "h"})
	second := s.Register(RegisterRequest{AgentID: "w1", Host: "h"})
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
}

func TestHealthWindow(t *testing.T) {
	s := NewStore(45*time.Second, zaptest.NewLogger(t))
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.Register(RegisterRequest{AgentID: "w1", Host: "h"})
	assert.Len(t, s.List(true, false), 1)

	// Heartbeat goes stale after the timeout window.
	s.now = func() time.Time { return base.Add(46 * time.Second) }
	assert.Empty(t, s.List(true, false))
	assert.Len(t, s.List(false, false), 1)

	// A fresh heartbeat restores health.
	_, err := s.Heartbeat(HeartbeatRequest{AgentID: "w1", Status: StatusHealthy, ReportedAt: base.Add(46 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, s.List(true, false), 1)

	// Self-reported unhealthy is unhealthy regardless of recency.
	_, err = s.Heartbeat(HeartbeatRequest{AgentID: "w1", Status: StatusUnhealthy, ReportedAt: base.Add(46 * time.Second)})
	require.NoError(t, err)
	assert.Empty(t, s.List(true, false))
}

func TestRemoveHotpathProtection(t *testing.T) {
	s := NewStore(45*time.Second, zaptest.NewLogger(t))
	s.Register(RegisterRequest{AgentID: "dbg", Host: "h", Hotpath: boolPtr(true)})

	err := s.Remove("dbg", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHotpathAgent)

	// Still present and healthy.
	got, err := s.Get("dbg")
	require.NoError(t, err)
	assert.True(t, got.Hotpath)

	require.NoError(t, s.Remove("dbg", true))
	_, err = s.Get("dbg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatsCountsHotpathViolations(t *testing.T) {
	s := NewStore(45*time.Second, zaptest.NewLogger(t))
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.Register(RegisterRequest{AgentID: "dbg", Host: "h", Hotpath: boolPtr(true)})
	s.Register(RegisterRequest{AgentID: "w1", Host: "h"})

	s.now = func() time.Time { return base.Add(time.Minute) }
	st := s.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 0, st.Healthy)
	assert.Equal(t, 2, st.Unhealthy)
	assert.Equal(t, 1, st.HotpathViolations)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	s := NewStore(45*time.Second, zaptest.NewLogger(t))
	_, err := s.Heartbeat(HeartbeatRequest{AgentID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPRoundTrip(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := NewStore(45*time.Second, logger)
	srv := httptest.NewServer(NewServer(store, logger).Handler())
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	ctx := context.Background()

	agent, err := client.Register(ctx, RegisterRequest{AgentID: "dbg", Host: "127.0.0.1", Port: 9001, Hotpath: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, agent.Hotpath)

	agent, err = client.Heartbeat(ctx, "dbg", StatusHealthy)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, agent.Status)

	agents, err := client.List(ctx, true, true)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "dbg", agents[0].AgentID)

	// Hotpath protection surfaces as a typed error over HTTP.
	err = client.Remove(ctx, "dbg", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHotpathAgent)

	got, err := client.Get(ctx, "dbg")
	require.NoError(t, err)
	assert.Equal(t, "dbg", got.AgentID)

	st, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)

	agent, err = client.SetHotpath(ctx, "dbg", false)
	require.NoError(t, err)
	assert.False(t, agent.Hotpath)

	require.NoError(t, client.Remove(ctx, "dbg", false))
	_, err = client.Get(ctx, "dbg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientSurfacesNetworkErrors(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 500*time.Millisecond)
	_, err := client.List(context.Background(), false, false)
	require.Error(t, err)
}
